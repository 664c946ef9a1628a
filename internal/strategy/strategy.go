// Package strategy implements the extraction strategies: independent ways of
// turning a resource reference into image bytes.
//
// The set of strategies is closed. Each Kind maps to exactly one
// implementation and Build assembles them in the configured order.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"pixeloff/internal/httputil"
	"pixeloff/internal/media"
)

// Strategy is one self-contained method of retrieving media bytes.
//
// Attempt never returns a Go error: every problem is reported as a
// media.Failure whose reason ends up in the orchestrator's attempt log.
// Implementations hold no mutable state shared with other strategies.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, req media.FetchRequest) media.Result
}

// Kind enumerates the available strategies.
type Kind string

const (
	KindRedirect  Kind = "redirect"
	KindMetaTag   Kind = "metatag"
	KindMobileAPI Kind = "mobileapi"
	KindEmbedJSON Kind = "embedjson"
	KindRender    Kind = "render"
	KindRelay     Kind = "relay"
	KindLibrary   Kind = "library"
)

// DefaultOrder tries cheap, low-footprint strategies before heavy ones.
var DefaultOrder = []Kind{
	KindRedirect,
	KindMetaTag,
	KindMobileAPI,
	KindEmbedJSON,
	KindRender,
	KindRelay,
	KindLibrary,
}

// ParseKind validates a configured strategy name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range DefaultOrder {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// Identity holds the request identity strings shared by all strategies.
type Identity struct {
	UserAgent       string
	MobileUserAgent string
	AppID           string
	Language        string
}

// RelaySite describes a public mirror/downloader site driven through its own form.
type RelaySite struct {
	Name   string `toml:"name"`
	URL    string `toml:"url"`
	Input  string `toml:"input"`  // selector of the URL text field
	Submit string `toml:"submit"` // selector of the submit button
	Result string `toml:"result"` // selector of result download links
}

// LibraryTool is the external client tool used by the library fallback.
type LibraryTool struct {
	Command string
	Args    []string
}

// Options is the immutable configuration every strategy is built from.
type Options struct {
	Identity Identity

	WebBase string // e.g. "https://www.instagram.com"
	APIBase string // e.g. "https://i.instagram.com"

	ClampIndex bool

	NetworkTimeout time.Duration
	RenderTimeout  time.Duration
	RelayTimeout   time.Duration
	LibraryTimeout time.Duration

	ChromePath string
	Relays     []RelaySite
	Library    LibraryTool

	// Client overrides the HTTP client; nil builds a hardened one.
	Client *http.Client
}

// Build assembles strategies for kinds, in order. KindRelay expands into
// one strategy per configured relay site.
func Build(kinds []Kind, opts Options, logger *slog.Logger) ([]Strategy, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.Client
	if client == nil {
		client = httputil.NewClient(0)
	}
	f := fetcher{client: client, id: opts.Identity, logger: logger}

	var out []Strategy
	for _, k := range kinds {
		switch k {
		case KindRedirect:
			out = append(out, NewRedirect(f, opts))
		case KindMetaTag:
			out = append(out, NewMetaTag(f, opts))
		case KindMobileAPI:
			out = append(out, NewMobileAPI(f, opts))
		case KindEmbedJSON:
			out = append(out, NewEmbedJSON(f, opts))
		case KindRender:
			out = append(out, NewRender(f, opts))
		case KindRelay:
			for _, site := range opts.Relays {
				out = append(out, NewRelay(f, opts, site))
			}
		case KindLibrary:
			out = append(out, NewLibrary(f, opts))
		default:
			return nil, fmt.Errorf("unknown strategy %q", k)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no strategies configured")
	}
	return out, nil
}

// reason converts an error into a short attempt-log reason.
func reason(err error) string {
	var se *httputil.StatusError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return media.ReasonTimeout
	case errors.Is(err, context.Canceled):
		return media.ReasonCancelled
	case errors.As(err, &se):
		return se.Error()
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return "unavailable: " + err.Error()
	default:
		return err.Error()
	}
}

// firstOnly rejects requests for later items from strategies that only see the first one.
func firstOnly(req media.FetchRequest) (string, bool) {
	if req.Ref.SubIndex > 1 {
		return fmt.Sprintf("item %d requested, only the first item is reachable", req.Ref.SubIndex), false
	}
	return "", true
}

func withTimeout(ctx context.Context, d time.Duration, fallback time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = fallback
	}
	return context.WithTimeout(ctx, d)
}
