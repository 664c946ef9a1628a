// Package ui renders pipeline results for the terminal: attempt logs, system
// check reports and journal listings, plus an fzf picker and a live progress
// view for interactive fetches.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"pixeloff/internal/journal"
	"pixeloff/internal/media"
	"pixeloff/internal/syscheck"
)

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Printer writes styled output. Colors are dropped when w is not a terminal.
type Printer struct {
	w     io.Writer
	ok    lipgloss.Style
	fail  lipgloss.Style
	warn  lipgloss.Style
	muted lipgloss.Style
	title lipgloss.Style
}

func NewPrinter(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	return &Printer{
		w:     w,
		ok:    r.NewStyle().Foreground(lipgloss.Color("10")),
		fail:  r.NewStyle().Foreground(lipgloss.Color("9")),
		warn:  r.NewStyle().Foreground(lipgloss.Color("11")),
		muted: r.NewStyle().Foreground(lipgloss.Color("8")),
		title: r.NewStyle().Bold(true).Foreground(lipgloss.Color("13")),
	}
}

// Title writes a bold heading line.
func (p *Printer) Title(s string) {
	fmt.Fprintln(p.w, p.title.Render(s))
}

// AttemptLine formats one attempt as a single line.
func (p *Printer) AttemptLine(a media.Attempt) string {
	mark, detail := p.ok.Render("✓"), a.Result.Description()
	if !a.Result.OK() {
		mark, detail = p.fail.Render("✗"), a.Result.Reason()
	}
	return fmt.Sprintf("%s %s %s %s", mark, pad(a.Strategy), detail, p.muted.Render(formatElapsed(a.Elapsed)))
}

// Attempts writes the attempt log in order.
func (p *Printer) Attempts(log media.AttemptLog) {
	for _, a := range log {
		fmt.Fprintln(p.w, p.AttemptLine(a))
	}
}

// Staged reports a successfully staged item.
func (p *Printer) Staged(path, strategy string) {
	fmt.Fprintf(p.w, "%s %s %s\n", p.ok.Render("Saved"), path, p.muted.Render("via "+strategy))
}

// Report writes a system check report grouped by section.
func (p *Printer) Report(r syscheck.Report) {
	fmt.Fprintf(p.w, "%s %s/%s, %s, %d CPUs\n", p.title.Render("Host"), r.Host.OS, r.Host.Arch, r.Host.GoVersion, r.Host.CPUs)
	section := ""
	for _, c := range r.Checks {
		if c.Section != section {
			section = c.Section
			p.Title(strings.ToUpper(section[:1]) + section[1:])
		}
		fmt.Fprintf(p.w, "  %s %s %s\n", p.status(c.Status), pad(c.Name), c.Detail)
	}
	if r.OK() {
		fmt.Fprintln(p.w, p.ok.Render("All required checks passed."))
	} else {
		fmt.Fprintln(p.w, p.fail.Render(fmt.Sprintf("%d check(s) failed.", len(r.Failed()))))
	}
}

func (p *Printer) status(s syscheck.Status) string {
	switch s {
	case syscheck.StatusOK:
		return p.ok.Render("ok  ")
	case syscheck.StatusWarn:
		return p.warn.Render("warn")
	default:
		return p.fail.Render("fail")
	}
}

// Runs writes journaled runs, newest first.
func (p *Printer) Runs(runs []media.FetchRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(p.w, "No runs recorded.")
		return
	}
	for _, r := range runs {
		fmt.Fprintln(p.w, p.RunLine(r))
	}
}

// RunLine formats one journaled run.
func (p *Printer) RunLine(r media.FetchRecord) string {
	mark, detail := p.ok.Render("✓"), "via "+r.Strategy
	if !r.OK {
		mark, detail = p.fail.Render("✗"), r.Summary
	}
	return fmt.Sprintf("%s %s %s #%d %s %s",
		mark,
		p.muted.Render(r.StartedAt.Local().Format("2006-01-02 15:04")),
		r.ResourceID, r.SubIndex, detail,
		p.muted.Render(formatElapsed(r.Duration)))
}

// Stats writes per-strategy success rates.
func (p *Printer) Stats(stats []journal.StrategyStat) {
	if len(stats) == 0 {
		fmt.Fprintln(p.w, "No attempts recorded.")
		return
	}
	for _, s := range stats {
		fmt.Fprintf(p.w, "%s %3.0f%% %d/%d %s\n",
			pad(s.Strategy), s.SuccessRate()*100, s.Successes, s.Attempts,
			p.muted.Render("avg "+formatElapsed(s.AvgElapsed)))
	}
}

func pad(s string) string {
	return fmt.Sprintf("%-12s", s)
}

func formatElapsed(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}
