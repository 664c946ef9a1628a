package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"pixeloff/internal/diag"
	"pixeloff/internal/httputil"
	"pixeloff/internal/media"
)

// MetaTag reads the embed page's markup for the primary image: the embedded
// media element, then the og:image tag, then JSON-LD. First item only.
type MetaTag struct {
	f       fetcher
	base    string
	timeout time.Duration
}

func NewMetaTag(f fetcher, opts Options) *MetaTag {
	return &MetaTag{f: f, base: opts.WebBase, timeout: opts.NetworkTimeout}
}

func (s *MetaTag) Name() string { return string(KindMetaTag) }

func (s *MetaTag) Attempt(ctx context.Context, req media.FetchRequest) media.Result {
	if why, ok := firstOnly(req); !ok {
		return media.Failure(why)
	}
	ctx, cancel := withTimeout(ctx, s.timeout, 10*time.Second)
	defer cancel()

	body, err := s.f.page(ctx, embedURL(s.base, req.Ref.ID))
	if err != nil {
		return media.Failure(reason(err))
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return media.Failuref("parsing embed page: %v", err)
	}

	src, via := primaryImage(doc)
	if src == "" {
		diag.FromContext(ctx).Record("metatag-page.html", body)
		return media.Failure("no image tag in embed page")
	}

	b, err := s.f.download(ctx, src)
	if err != nil {
		return media.Failure(reason(err))
	}
	return b.result(via)
}

func embedURL(base, id string) string {
	return httputil.BuildURL(base, "p", id, "embed", "captioned")
}

// primaryImage returns the first image URL found and where it was found.
func primaryImage(doc *goquery.Document) (string, string) {
	if src, ok := doc.Find("img.EmbeddedMediaImage").First().Attr("src"); ok && src != "" {
		return src, "embedded media element"
	}
	if content, ok := doc.Find(`meta[property="og:image"]`).First().Attr("content"); ok && content != "" {
		return content, "og:image tag"
	}

	var found string
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		found = jsonLDImage(sel.Text())
		return found == ""
	})
	if found != "" {
		return found, "JSON-LD image"
	}
	return "", ""
}

// jsonLDImage reads the "image" property, which may be a string, a list or an ImageObject.
func jsonLDImage(text string) string {
	var doc map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &doc); err != nil {
		return ""
	}
	return imageValue(doc["image"])
}

func imageValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		for _, e := range t {
			if s := imageValue(e); s != "" {
				return s
			}
		}
	case map[string]any:
		if u, ok := t["url"].(string); ok {
			return u
		}
		if u, ok := t["contentUrl"].(string); ok {
			return u
		}
	}
	return ""
}
