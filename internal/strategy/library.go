package strategy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"pixeloff/internal/diag"
	"pixeloff/internal/media"
)

// DefaultLibraryTool lists every media URL of a post without downloading.
var DefaultLibraryTool = LibraryTool{Command: "gallery-dl", Args: []string{"-g"}}

// Library delegates URL discovery to an external client tool and downloads
// the selected item itself.
type Library struct {
	f       fetcher
	tool    LibraryTool
	clamp   bool
	timeout time.Duration
}

func NewLibrary(f fetcher, opts Options) *Library {
	tool := opts.Library
	if tool.Command == "" {
		tool = DefaultLibraryTool
	}
	return &Library{f: f, tool: tool, clamp: opts.ClampIndex, timeout: opts.LibraryTimeout}
}

func (s *Library) Name() string { return string(KindLibrary) }

func (s *Library) Attempt(ctx context.Context, req media.FetchRequest) media.Result {
	bin, err := exec.LookPath(s.tool.Command)
	if err != nil {
		return media.Failuref("library unavailable: %s not found", s.tool.Command)
	}

	ctx, cancel := withTimeout(ctx, s.timeout, 30*time.Second)
	defer cancel()

	args := append(append([]string(nil), s.tool.Args...), req.OriginalURL)
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return media.Failure(reason(ctx.Err()))
		}
		diag.FromContext(ctx).Record("library-stderr.txt", stderr.Bytes())
		return media.Failuref("library failed: %s", lastLine(stderr.String(), err))
	}

	items := libraryItems(stdout.String())
	if len(items) == 0 {
		return media.Failure("library listed no media")
	}
	return s.f.fetchItem(ctx, items, req, s.clamp, s.tool.Command)
}

// libraryItems parses one URL per line. Lines that are not URLs, such as
// the "| " prefixed fallbacks, are skipped.
func libraryItems(out string) []media.Item {
	var items []media.Item
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "http://") && !strings.HasPrefix(line, "https://") {
			continue
		}
		items = append(items, media.Item{URL: line, IsVideo: isVideoURL(line)})
	}
	return items
}

func lastLine(s string, fallback error) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if last := strings.TrimSpace(lines[len(lines)-1]); last != "" {
		return last
	}
	return fmt.Sprint(fallback)
}
