// Package syscheck probes the host for what the fetch pipeline and the
// background-removal collaborator need: tools, network reach, a launchable
// headless browser and disk space.
package syscheck

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"pixeloff/internal/httputil"
	"pixeloff/internal/strategy"
)

// Status grades one check.
type Status string

const (
	StatusOK   Status = "ok"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Report sections.
const (
	SectionDeps    = "dependencies"
	SectionNetwork = "network"
	SectionBrowser = "browser"
	SectionRembg   = "rembg"
	SectionDisk    = "disk"
)

// Check is one probe result.
type Check struct {
	Section string        `json:"section"`
	Name    string        `json:"name"`
	Status  Status        `json:"status"`
	Detail  string        `json:"detail"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

type Host struct {
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	GoVersion string `json:"go_version"`
	Hostname  string `json:"hostname"`
	CPUs      int    `json:"cpus"`
}

// Disk is the usage of the filesystem holding Path, in bytes.
type Disk struct {
	Path  string `json:"path"`
	Total uint64 `json:"total"`
	Free  uint64 `json:"free"`
	Used  uint64 `json:"used"`
}

// UsedPercent returns the share of the filesystem in use.
func (d Disk) UsedPercent() float64 {
	if d.Total == 0 {
		return 0
	}
	return float64(d.Used) / float64(d.Total) * 100
}

type Report struct {
	Host   Host    `json:"host"`
	Disk   Disk    `json:"disk"`
	Checks []Check `json:"checks"`
}

// OK reports whether no check failed.
func (r Report) OK() bool {
	return len(r.Failed()) == 0
}

// Failed returns the failing checks.
func (r Report) Failed() []Check {
	var out []Check
	for _, c := range r.Checks {
		if c.Status == StatusFail {
			out = append(out, c)
		}
	}
	return out
}

// Target is a URL probed for reachability.
type Target struct {
	Name string
	URL  string
}

// DefaultTargets covers general reach, the post site and the model download host.
var DefaultTargets = []Target{
	{Name: "google", URL: "https://www.google.com/"},
	{Name: "instagram", URL: "https://www.instagram.com/"},
	{Name: "models", URL: "https://github.com/"},
}

// Pinger is implemented by collaborators that can report their reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options selects what Run probes.
type Options struct {
	Required []string // tools whose absence fails the report
	Optional []string // tools whose absence only warns

	Targets []Target
	Client  *http.Client

	Browser    bool // launch a headless browser
	ChromePath string

	Rembg Pinger

	DiskPath  string
	MinFreeMB uint64 // warn below this much free space

	Timeout time.Duration // per probe
}

// Run executes the selected probes concurrently and returns the report.
// Probe failures are recorded in the report, never returned.
func Run(ctx context.Context, opts Options) Report {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Client == nil {
		opts.Client = httputil.NewClient(opts.Timeout)
	}

	r := Report{Host: hostInfo()}
	r.Checks = append(r.Checks, NewChecker(opts.Required...).Checks(StatusFail)...)
	r.Checks = append(r.Checks, NewChecker(opts.Optional...).Checks(StatusWarn)...)

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		add = func(c Check) {
			mu.Lock()
			r.Checks = append(r.Checks, c)
			mu.Unlock()
		}
	)

	for _, t := range opts.Targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			add(probeURL(ctx, opts.Client, t, opts.Timeout))
		}(t)
	}
	if opts.Browser {
		wg.Add(1)
		go func() {
			defer wg.Done()
			add(probeBrowser(ctx, opts.ChromePath, opts.Timeout*3))
		}()
	}
	if opts.Rembg != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			add(probeRembg(ctx, opts.Rembg, opts.Timeout))
		}()
	}
	wg.Wait()

	if opts.DiskPath != "" {
		d, c := probeDisk(opts.DiskPath, opts.MinFreeMB)
		r.Disk = d
		r.Checks = append(r.Checks, c)
	}

	sortChecks(r.Checks)
	return r
}

var sectionOrder = map[string]int{
	SectionDeps: 0, SectionNetwork: 1, SectionBrowser: 2, SectionRembg: 3, SectionDisk: 4,
}

// sortChecks orders by section, keeping insertion order within the
// dependency section and sorting the concurrent probes by name.
func sortChecks(cs []Check) {
	sort.SliceStable(cs, func(i, j int) bool { return less(cs[i], cs[j]) })
}

func less(a, b Check) bool {
	if a.Section != b.Section {
		return sectionOrder[a.Section] < sectionOrder[b.Section]
	}
	if a.Section == SectionDeps {
		return false
	}
	return a.Name < b.Name
}

func hostInfo() Host {
	name, _ := os.Hostname()
	return Host{
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		GoVersion: runtime.Version(),
		Hostname:  name,
		CPUs:      runtime.NumCPU(),
	}
}

func probeURL(ctx context.Context, client *http.Client, t Target, timeout time.Duration) Check {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := Check{Section: SectionNetwork, Name: t.Name}
	start := time.Now()
	resp, err := httputil.Get(ctx, client, t.URL, httputil.BrowserHeaders(httputil.DefaultUserAgent, ""))
	c.Elapsed = time.Since(start)
	if err != nil {
		c.Status, c.Detail = StatusFail, err.Error()
		return c
	}
	resp.Body.Close()

	// Any answer proves reachability; an error status is still worth a look.
	c.Status = StatusOK
	if resp.StatusCode >= 400 {
		c.Status = StatusWarn
	}
	c.Detail = fmt.Sprintf("HTTP %d in %dms", resp.StatusCode, c.Elapsed.Milliseconds())
	return c
}

func probeBrowser(ctx context.Context, chromePath string, timeout time.Duration) Check {
	c := Check{Section: SectionBrowser, Name: "headless launch"}
	execPath, err := strategy.FindChrome(chromePath)
	if err != nil {
		c.Status, c.Detail = StatusWarn, fmt.Sprintf("browser unavailable: %v (render strategy will be skipped)", err)
		return c
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:], chromedp.ExecPath(execPath))
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))
	defer cancelBrowser()

	start := time.Now()
	var version string
	err = chromedp.Run(bctx,
		chromedp.Navigate("about:blank"),
		chromedp.Evaluate(`navigator.userAgent`, &version),
	)
	c.Elapsed = time.Since(start)
	if err != nil {
		c.Status, c.Detail = StatusFail, fmt.Sprintf("%s: %v", execPath, err)
		return c
	}
	c.Status, c.Detail = StatusOK, version
	return c
}

func probeRembg(ctx context.Context, p Pinger, timeout time.Duration) Check {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := Check{Section: SectionRembg, Name: "collaborator"}
	start := time.Now()
	err := p.Ping(ctx)
	c.Elapsed = time.Since(start)
	if err != nil {
		c.Status, c.Detail = StatusFail, err.Error()
		return c
	}
	c.Status, c.Detail = StatusOK, "reachable"
	return c
}

func probeDisk(path string, minFreeMB uint64) (Disk, Check) {
	c := Check{Section: SectionDisk, Name: path}
	d, err := diskUsage(path)
	if err != nil {
		c.Status, c.Detail = StatusWarn, err.Error()
		return d, c
	}
	c.Status = StatusOK
	if minFreeMB > 0 && d.Free < minFreeMB<<20 {
		c.Status = StatusWarn
	}
	c.Detail = fmt.Sprintf("%.1f GiB free of %.1f GiB (%.0f%% used)",
		float64(d.Free)/(1<<30), float64(d.Total)/(1<<30), d.UsedPercent())
	return d, c
}
