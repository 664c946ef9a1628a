package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"pixeloff/internal/diag"
	"pixeloff/internal/media"
)

// chromeCandidates are looked up on PATH when no browser path is configured.
var chromeCandidates = []string{
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
	"headless-shell",
	"chrome",
}

// dataResponse matches background responses that carry post data.
var dataResponse = regexp.MustCompile(`/api/v1/media/\d+/info/|/graphql/query|/api/graphql`)

// domScript collects the post's items from the rendered page. It returns
// null when the page carries no recognizable data.
const domScript = `(() => {
  const find = (v, key) => {
    if (!v || typeof v !== 'object') return null;
    if (v[key] && typeof v[key] === 'object') return v[key];
    for (const k of Object.keys(v)) {
      const r = find(v[k], key);
      if (r) return r;
    }
    return null;
  };
  for (const s of document.querySelectorAll('script')) {
    const t = s.textContent || '';
    const i = t.indexOf('{');
    if (i < 0 || t.indexOf('shortcode_media') < 0) continue;
    try {
      const data = JSON.parse(t.slice(i, t.lastIndexOf('}') + 1));
      const post = find(data, 'xdt_shortcode_media') || find(data, 'shortcode_media');
      if (!post) continue;
      const edges = (post.edge_sidecar_to_children || {}).edges || [{node: post}];
      return edges.map(e => ({url: e.node.display_url, is_video: !!e.node.is_video}));
    } catch (e) {}
  }
  const imgs = Array.from(document.querySelectorAll('article img, img.EmbeddedMediaImage'))
    .filter(i => i.naturalWidth >= 320)
    .map(i => ({url: i.currentSrc || i.src, is_video: false}));
  return imgs.length ? imgs : null;
})()`

type domItem struct {
	URL     string `json:"url"`
	IsVideo bool   `json:"is_video"`
}

// Render drives a headless browser to the embed page and reads the post data
// from intercepted background responses or, failing that, from the DOM.
// A screenshot is recorded to the diagnostics sink on every attempt.
type Render struct {
	f          fetcher
	base       string
	clamp      bool
	timeout    time.Duration
	chromePath string
	settle     time.Duration
}

func NewRender(f fetcher, opts Options) *Render {
	return &Render{
		f:          f,
		base:       opts.WebBase,
		clamp:      opts.ClampIndex,
		timeout:    opts.RenderTimeout,
		chromePath: opts.ChromePath,
		settle:     2 * time.Second,
	}
}

func (s *Render) Name() string { return string(KindRender) }

func (s *Render) Attempt(ctx context.Context, req media.FetchRequest) media.Result {
	execPath, err := FindChrome(s.chromePath)
	if err != nil {
		return media.Failuref("browser unavailable: %v", err)
	}

	ctx, cancel := withTimeout(ctx, s.timeout, 45*time.Second)
	defer cancel()
	sink := diag.FromContext(ctx)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(execPath),
		chromedp.UserAgent(s.f.id.UserAgent),
		chromedp.WindowSize(1280, 1600),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	bctx, cancelBrowser := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))
	defer cancelBrowser()

	capture := newResponseCapture(bctx)
	chromedp.ListenTarget(bctx, capture.handle)

	var shot []byte
	target := embedURL(s.base, req.Ref.ID)
	runErr := chromedp.Run(bctx,
		network.Enable(),
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(s.settle),
		chromedp.FullScreenshot(&shot, 80),
	)
	if len(shot) > 0 {
		sink.Record("render-screenshot.png", shot)
	} else {
		diag.RecordString(sink, "render-screenshot", "no screenshot captured")
	}
	if runErr != nil {
		return media.Failure(reason(runErr))
	}

	items := capture.items(bctx, sink)
	via := "intercepted response"
	if len(items) == 0 {
		var found []domItem
		if err := chromedp.Run(bctx, chromedp.Evaluate(domScript, &found)); err != nil {
			return media.Failuref("evaluating page: %v", reason(err))
		}
		for _, d := range found {
			if d.URL != "" {
				items = append(items, media.Item{URL: d.URL, IsVideo: d.IsVideo})
			}
		}
		via = "rendered page"
	}
	if len(items) == 0 {
		return media.Failure("no media found in rendered page")
	}

	return s.f.fetchItem(ctx, items, req, s.clamp, via)
}

// FindChrome resolves the browser binary: the configured path when set,
// otherwise the first known Chrome or Chromium name on PATH.
func FindChrome(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", err
		}
		return configured, nil
	}
	for _, name := range chromeCandidates {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no chrome executable on PATH")
}

// responseCapture collects the bodies of data responses seen by the browser.
type responseCapture struct {
	ctx context.Context

	mu      sync.Mutex
	wg      sync.WaitGroup
	pending map[network.RequestID]string
	bodies  [][]byte
}

func newResponseCapture(ctx context.Context) *responseCapture {
	return &responseCapture{ctx: ctx, pending: map[network.RequestID]string{}}
}

func (c *responseCapture) handle(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		if e.Response != nil && dataResponse.MatchString(e.Response.URL) {
			c.mu.Lock()
			c.pending[e.RequestID] = e.Response.URL
			c.mu.Unlock()
		}
	case *network.EventLoadingFinished:
		c.mu.Lock()
		_, ok := c.pending[e.RequestID]
		delete(c.pending, e.RequestID)
		c.mu.Unlock()
		if !ok {
			return
		}
		// Commands cannot be issued from the event goroutine.
		c.wg.Add(1)
		go func(id network.RequestID) {
			defer c.wg.Done()
			t := chromedp.FromContext(c.ctx).Target
			body, err := network.GetResponseBody(id).Do(cdp.WithExecutor(c.ctx, t))
			if err != nil {
				return
			}
			c.mu.Lock()
			c.bodies = append(c.bodies, body)
			c.mu.Unlock()
		}(e.RequestID)
	}
}

// items waits for in-flight body reads and returns the first item list found.
func (c *responseCapture) items(ctx context.Context, sink diag.Sink) []media.Item {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, body := range c.bodies {
		sink.Record(fmt.Sprintf("render-response-%d.json", i+1), body)
		if items, err := parseMobileInfo(body); err == nil {
			return items
		}
		var v any
		if json.Unmarshal(body, &v) != nil {
			continue
		}
		if post := findShortcodeMedia(v); post != nil {
			if items := shortcodeItems(post); len(items) > 0 {
				return items
			}
		}
	}
	return nil
}
