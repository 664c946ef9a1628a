package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"pixeloff/internal/httputil"
	"pixeloff/internal/media"
)

// fetcher is the HTTP plumbing shared by the network strategies.
type fetcher struct {
	client *http.Client
	id     Identity
	logger *slog.Logger
}

// page fetches an HTML or JSON document with desktop browser headers.
func (f fetcher) page(ctx context.Context, rawURL string) ([]byte, error) {
	body, _, err := httputil.GetBody(ctx, f.client, rawURL, httputil.BrowserHeaders(f.id.UserAgent, f.id.Language), httputil.MaxPageSize)
	return body, err
}

// blob is a downloaded media body.
type blob struct {
	data        []byte
	contentType string
	url         string
}

func (b blob) result(description string) media.Result {
	return media.Success(b.data, description).WithSource(b.url, b.contentType)
}

// download retrieves a media URL. It tries the canonical (size-stripped)
// form first and falls back to the URL as given when the canonical form is
// rejected by the CDN.
func (f fetcher) download(ctx context.Context, mediaURL string) (blob, error) {
	canonical := Canonicalize(mediaURL)

	b, err := f.image(ctx, canonical)
	if err != nil && canonical != mediaURL && retryOriginal(err) {
		f.logger.Debug("canonical URL rejected, retrying original", "url", canonical, "err", err)
		b, err = f.image(ctx, mediaURL)
	}
	return b, err
}

// image fetches rawURL as is. Only a 200 with an image/* content type succeeds.
func (f fetcher) image(ctx context.Context, rawURL string) (blob, error) {
	body, resp, err := httputil.GetBody(ctx, f.client, rawURL, httputil.ImageHeaders(f.id.UserAgent, f.id.Language), httputil.MaxImageSize)
	if err != nil {
		return blob{}, err
	}
	ct := resp.Header.Get("Content-Type")
	if !isImage(ct) {
		return blob{}, fmt.Errorf("non-image content-type %q", ct)
	}
	if len(body) == 0 {
		return blob{}, fmt.Errorf("empty body")
	}
	return blob{data: body, contentType: ct, url: rawURL}, nil
}

// retryOriginal reports whether a failed canonical download should be retried
// with the URL as given. Signed CDN URLs answer 403 when stripped.
func retryOriginal(err error) bool {
	return httputil.IsStatus(err, http.StatusNotFound) || httputil.IsStatus(err, http.StatusForbidden)
}

func isImage(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	return strings.HasPrefix(mt, "image/")
}

// fetchItem downloads the selected item of items and wraps it as a result.
func (f fetcher) fetchItem(ctx context.Context, items []media.Item, req media.FetchRequest, clamp bool, via string) media.Result {
	item, n, err := Select(items, req.Ref.SubIndex, clamp)
	if err != nil {
		return media.Failure(err.Error())
	}
	b, err := f.download(ctx, item.URL)
	if err != nil {
		return media.Failure(reason(err))
	}
	return b.result(fmt.Sprintf("item %d of %d via %s", n, len(items), via))
}
