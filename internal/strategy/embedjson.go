package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"pixeloff/internal/diag"
	"pixeloff/internal/media"
)

// marker locates one known structured-data payload inside an embed page script.
// The first capture group starts the JSON value.
type marker struct {
	name   string
	re     *regexp.Regexp
	quoted bool // value is a JSON string holding serialized JSON
}

// markers are tried in priority order. Each page generation of the embed
// endpoint has used a different one.
var markers = []marker{
	{name: "contextJSON", re: regexp.MustCompile(`"contextJSON"\s*:\s*(")`), quoted: true},
	{name: "gql_data", re: regexp.MustCompile(`"gql_data"\s*:\s*(\{)`)},
	{name: "xdt_shortcode_media", re: regexp.MustCompile(`"xdt_shortcode_media"\s*:\s*(\{)`)},
	{name: "shortcode_media", re: regexp.MustCompile(`"shortcode_media"\s*:\s*(\{)`)},
}

// EmbedJSON parses the structured data embedded in the embed page's scripts.
// When no known marker is present it falls back to scanning the page for
// image URLs.
type EmbedJSON struct {
	f       fetcher
	base    string
	clamp   bool
	timeout time.Duration
}

func NewEmbedJSON(f fetcher, opts Options) *EmbedJSON {
	return &EmbedJSON{f: f, base: opts.WebBase, clamp: opts.ClampIndex, timeout: opts.NetworkTimeout}
}

func (s *EmbedJSON) Name() string { return string(KindEmbedJSON) }

func (s *EmbedJSON) Attempt(ctx context.Context, req media.FetchRequest) media.Result {
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

	items, via := embeddedItems(doc)
	if len(items) == 0 {
		items = bruteForceItems(string(body))
		via = "page scan"
	}
	if len(items) == 0 {
		diag.FromContext(ctx).Record("embedjson-page.html", body)
		return media.Failure("no known marker in embed page (possible shadow-block)")
	}

	s.f.logger.Debug("embed page items", "id", req.Ref.ID, "via", via, "count", len(items))
	return s.f.fetchItem(ctx, items, req, s.clamp, via)
}

// embeddedItems tries every marker in priority order against every script.
func embeddedItems(doc *goquery.Document) ([]media.Item, string) {
	var scripts []string
	doc.Find("script").Each(func(_ int, sel *goquery.Selection) {
		if text := sel.Text(); text != "" {
			scripts = append(scripts, text)
		}
	})

	for _, m := range markers {
		for _, script := range scripts {
			v, err := m.extract(script)
			if err != nil {
				continue
			}
			post := findShortcodeMedia(map[string]any{m.name: v})
			if post == nil {
				continue
			}
			if items := shortcodeItems(post); len(items) > 0 {
				return items, m.name
			}
		}
	}
	return nil, ""
}

func (m marker) extract(script string) (any, error) {
	loc := m.re.FindStringSubmatchIndex(script)
	if loc == nil {
		return nil, fmt.Errorf("%s: not present", m.name)
	}

	var v any
	dec := json.NewDecoder(strings.NewReader(script[loc[2]:]))
	if !m.quoted {
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("%s: %w", m.name, err)
		}
		return v, nil
	}

	var inner string
	if err := dec.Decode(&inner); err != nil {
		return nil, fmt.Errorf("%s: %w", m.name, err)
	}
	if err := json.Unmarshal([]byte(inner), &v); err != nil {
		return nil, fmt.Errorf("%s payload: %w", m.name, err)
	}
	return v, nil
}
