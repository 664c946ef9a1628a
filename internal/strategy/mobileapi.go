package strategy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"pixeloff/internal/diag"
	"pixeloff/internal/httputil"
	"pixeloff/internal/locator"
	"pixeloff/internal/media"
)

// MobileAPI queries the alternate media-info API with a mobile client identity.
// It sees every item of a multi-item resource.
type MobileAPI struct {
	f       fetcher
	base    string
	clamp   bool
	timeout time.Duration
}

func NewMobileAPI(f fetcher, opts Options) *MobileAPI {
	return &MobileAPI{f: f, base: opts.APIBase, clamp: opts.ClampIndex, timeout: opts.NetworkTimeout}
}

func (s *MobileAPI) Name() string { return string(KindMobileAPI) }

func (s *MobileAPI) Attempt(ctx context.Context, req media.FetchRequest) media.Result {
	ctx, cancel := withTimeout(ctx, s.timeout, 10*time.Second)
	defer cancel()

	id, err := locator.MediaID(req.Ref.ID)
	if err != nil {
		return media.Failure(err.Error())
	}

	target := httputil.BuildURL(s.base, "api", "v1", "media", id, "info")
	body, _, err := httputil.GetBody(ctx, s.f.client, target, s.headers(), httputil.MaxPageSize)
	if err != nil {
		return media.Failure(reason(err))
	}
	diag.FromContext(ctx).Record("mobileapi-response.json", body)

	items, err := parseMobileInfo(body)
	if err != nil {
		if errors.Is(err, ErrNoItems) {
			return media.Failure("media info lists no items")
		}
		return media.Failure(err.Error())
	}
	return s.f.fetchItem(ctx, items, req, s.clamp, "mobile API")
}

func (s *MobileAPI) headers() http.Header {
	id := s.f.id
	h := http.Header{}
	h.Set("User-Agent", id.MobileUserAgent)
	h.Set("Accept", "*/*")
	if id.Language != "" {
		h.Set("Accept-Language", id.Language)
	}
	if id.AppID != "" {
		h.Set("X-IG-App-ID", id.AppID)
	}
	return h
}
