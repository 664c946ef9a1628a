package strategy

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/playwright-community/playwright-go"

	"pixeloff/internal/diag"
	"pixeloff/internal/media"
)

// DefaultRelays are the relay sites used when none are configured.
// Their markup changes without notice; selectors are overridable per site.
var DefaultRelays = []RelaySite{
	{
		Name:   "snapinsta",
		URL:    "https://snapinsta.app/",
		Input:  "#url",
		Submit: "button[type=submit]",
		Result: ".download-items a[href]",
	},
	{
		Name:   "saveig",
		URL:    "https://saveig.app/en",
		Input:  "#s_input",
		Submit: "button.btn-default",
		Result: ".download-items__btn a[href]",
	},
}

var videoExtensions = []string{".mp4", ".mov", ".webm", ".m4v"}

// Relay submits the post URL to a third-party downloader site in a real
// browser and downloads the link it produces.
type Relay struct {
	f       fetcher
	site    RelaySite
	ua      string
	clamp   bool
	timeout time.Duration
}

func NewRelay(f fetcher, opts Options, site RelaySite) *Relay {
	return &Relay{f: f, site: site, ua: opts.Identity.UserAgent, clamp: opts.ClampIndex, timeout: opts.RelayTimeout}
}

func (s *Relay) Name() string { return "relay:" + s.site.Name }

func (s *Relay) Attempt(ctx context.Context, req media.FetchRequest) media.Result {
	ctx, cancel := withTimeout(ctx, s.timeout, 60*time.Second)
	defer cancel()
	sink := diag.FromContext(ctx)

	pw, err := playwright.Run(&playwright.RunOptions{Verbose: false})
	if err != nil {
		return media.Failuref("relay engine unavailable: %v", err)
	}
	defer pw.Stop()

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{Headless: playwright.Bool(true)})
	if err != nil {
		return media.Failuref("relay browser unavailable: %v", err)
	}
	// Closing the browser unblocks any pending page call once ctx ends.
	stop := context.AfterFunc(ctx, func() { browser.Close() })
	defer stop()
	defer browser.Close()

	page, err := browser.NewPage(playwright.BrowserNewPageOptions{UserAgent: playwright.String(s.ua)})
	if err != nil {
		return media.Failure(s.pageErr(ctx, err))
	}
	page.SetDefaultTimeout(float64(s.timeout / time.Millisecond))

	html, err := s.submit(page, req.OriginalURL)
	if shot, serr := page.Screenshot(playwright.PageScreenshotOptions{FullPage: playwright.Bool(true)}); serr == nil {
		sink.Record(s.site.Name+"-screenshot.png", shot)
	}
	if err != nil {
		if content, cerr := page.Content(); cerr == nil {
			diag.RecordString(sink, s.site.Name+"-page.html", content)
		}
		return media.Failure(s.pageErr(ctx, err))
	}

	items, err := relayLinks(html, s.site.Result, page.URL())
	if err != nil {
		return media.Failure(err.Error())
	}
	if len(items) == 0 {
		diag.RecordString(sink, s.site.Name+"-page.html", html)
		return media.Failure("relay returned no download links")
	}
	return s.f.fetchItem(ctx, items, req, s.clamp, s.site.Name)
}

// submit fills the site's form and waits for its results.
func (s *Relay) submit(page playwright.Page, postURL string) (string, error) {
	if _, err := page.Goto(s.site.URL, playwright.PageGotoOptions{WaitUntil: playwright.WaitUntilStateDomcontentloaded}); err != nil {
		return "", fmt.Errorf("opening relay: %w", err)
	}
	if err := page.Locator(s.site.Input).Fill(postURL); err != nil {
		return "", fmt.Errorf("filling form: %w", err)
	}
	if err := page.Locator(s.site.Submit).Click(); err != nil {
		return "", fmt.Errorf("submitting form: %w", err)
	}
	if err := page.Locator(s.site.Result).First().WaitFor(playwright.LocatorWaitForOptions{
		State: playwright.WaitForSelectorStateAttached,
	}); err != nil {
		return "", fmt.Errorf("waiting for results: %w", err)
	}
	return page.Content()
}

func (s *Relay) pageErr(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		return reason(ctx.Err())
	}
	return err.Error()
}

// InstallBrowsers downloads the playwright driver and the Chromium build the
// relay strategies drive. It is a no-op when both are already present.
func InstallBrowsers() error {
	if err := playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}, Verbose: false}); err != nil {
		return fmt.Errorf("installing browsers: %w", err)
	}
	return nil
}

// relayLinks reads the result links of a relay page, in document order.
func relayLinks(html, selector, pageURL string) ([]media.Item, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parsing relay page: %w", err)
	}
	base, _ := url.Parse(pageURL)

	var items []media.Item
	seen := map[string]bool{}
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return
		}
		if base != nil {
			if ref, err := base.Parse(href); err == nil {
				href = ref.String()
			}
		}
		if seen[href] {
			return
		}
		seen[href] = true
		items = append(items, media.Item{URL: href, IsVideo: isVideoURL(href)})
	})
	return items, nil
}

func isVideoURL(raw string) bool {
	p := raw
	if u, err := url.Parse(raw); err == nil {
		p = u.Path
	}
	ext := strings.ToLower(path.Ext(p))
	for _, v := range videoExtensions {
		if ext == v {
			return true
		}
	}
	return false
}
