package strategy

import (
	"context"
	"time"

	"pixeloff/internal/httputil"
	"pixeloff/internal/media"
)

// Redirect requests the site's direct-media endpoint and follows its redirect
// to the image. It only ever reaches the first item.
type Redirect struct {
	f       fetcher
	base    string
	timeout time.Duration
}

func NewRedirect(f fetcher, opts Options) *Redirect {
	return &Redirect{f: f, base: opts.WebBase, timeout: opts.NetworkTimeout}
}

func (s *Redirect) Name() string { return string(KindRedirect) }

func (s *Redirect) Attempt(ctx context.Context, req media.FetchRequest) media.Result {
	if why, ok := firstOnly(req); !ok {
		return media.Failure(why)
	}
	ctx, cancel := withTimeout(ctx, s.timeout, 10*time.Second)
	defer cancel()

	target := httputil.BuildURL(s.base, "p", req.Ref.ID, "media") + "?size=l"
	b, err := s.f.image(ctx, target)
	if err != nil {
		return media.Failure(reason(err))
	}
	return b.result("direct media redirect")
}
