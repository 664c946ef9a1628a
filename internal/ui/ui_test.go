package ui

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"pixeloff/internal/journal"
	"pixeloff/internal/media"
	"pixeloff/internal/syscheck"
)

func TestIsTerminalBuffer(t *testing.T) {
	if IsTerminal(&bytes.Buffer{}) {
		t.Error("a buffer is not a terminal")
	}
}

func TestAttempts(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).Attempts(media.AttemptLog{
		{Strategy: "redirect", Result: media.Failure("HTTP 404"), Elapsed: 120 * time.Millisecond},
		{Strategy: "mobileapi", Result: media.Success([]byte("x"), "item 2 of 3"), Elapsed: 1500 * time.Millisecond},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	for i, want := range [][]string{
		{"✗", "redirect", "HTTP 404", "120ms"},
		{"✓", "mobileapi", "item 2 of 3", "1.5s"},
	} {
		for _, w := range want {
			if !strings.Contains(lines[i], w) {
				t.Errorf("line %d = %q, missing %q", i, lines[i], w)
			}
		}
	}
	if strings.Contains(buf.String(), "\x1b[") {
		t.Error("no color codes expected when writing to a buffer")
	}
}

func TestReport(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).Report(syscheck.Report{
		Host: syscheck.Host{OS: "linux", Arch: "amd64", CPUs: 8},
		Checks: []syscheck.Check{
			{Section: syscheck.SectionDeps, Name: "gallery-dl", Status: syscheck.StatusWarn, Detail: "not found"},
			{Section: syscheck.SectionRembg, Name: "collaborator", Status: syscheck.StatusFail, Detail: "connection refused"},
		},
	})
	out := buf.String()
	for _, want := range []string{"linux/amd64", "Dependencies", "warn", "gallery-dl", "Rembg", "fail", "1 check(s) failed."} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

func TestRunsAndStats(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)
	p.Runs(nil)
	p.Stats(nil)
	if !strings.Contains(buf.String(), "No runs recorded.") || !strings.Contains(buf.String(), "No attempts recorded.") {
		t.Errorf("unexpected empty output: %q", buf.String())
	}

	buf.Reset()
	p.Runs([]media.FetchRecord{
		{ResourceID: "ABC", SubIndex: 2, OK: true, Strategy: "render", StartedAt: time.Now(), Duration: 3 * time.Second},
		{ResourceID: "XYZ", SubIndex: 1, Summary: "redirect: HTTP 404", StartedAt: time.Now()},
	})
	p.Stats([]journal.StrategyStat{{Strategy: "render", Attempts: 4, Successes: 3, AvgElapsed: 2 * time.Second}})
	out := buf.String()
	for _, want := range []string{"ABC #2 via render", "XYZ #1 redirect: HTTP 404", "75%", "3/4", "avg 2.0s"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestParsePick(t *testing.T) {
	tests := []struct {
		out     string
		want    int
		wantErr error
	}{
		{"2\tABC #1\n", 2, nil},
		{"", -1, ErrCancelled},
		{"7\tout of range\n", -1, nil},
		{"x\tbad\n", -1, nil},
	}
	for _, tt := range tests {
		got, err := parsePick(tt.out, 3)
		if got != tt.want {
			t.Errorf("parsePick(%q) = %d, want %d", tt.out, got, tt.want)
		}
		if tt.want < 0 && err == nil {
			t.Errorf("parsePick(%q) expected an error", tt.out)
		}
		if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
			t.Errorf("parsePick(%q) error = %v, want %v", tt.out, err, tt.wantErr)
		}
	}
}

func TestProgressRendersAttempts(t *testing.T) {
	var buf bytes.Buffer
	p := StartProgress(&buf, "fetching ABC")
	p.Step("trying render")
	p.Attempt(media.Attempt{Strategy: "redirect", Result: media.Failure("HTTP 404")})
	p.Stop()
	p.Stop()

	if !strings.Contains(buf.String(), "redirect") {
		t.Errorf("final view missing the attempt: %q", buf.String())
	}
}
