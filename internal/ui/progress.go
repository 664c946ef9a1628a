package ui

import (
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"pixeloff/internal/media"
)

type attemptMsg media.Attempt

type stepMsg string

type doneMsg struct{}

type progressModel struct {
	printer  *Printer
	spinner  spinner.Model
	step     string
	lines    []string
	finished bool
}

func (m progressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case attemptMsg:
		m.lines = append(m.lines, m.printer.AttemptLine(media.Attempt(msg)))
		return m, nil
	case stepMsg:
		m.step = string(msg)
		return m, nil
	case doneMsg:
		m.finished = true
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m progressModel) View() string {
	var b strings.Builder
	for _, l := range m.lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	if !m.finished {
		b.WriteString(m.spinner.View())
		b.WriteByte(' ')
		b.WriteString(m.step)
		b.WriteByte('\n')
	}
	return b.String()
}

// Progress shows attempts as they complete under a spinner.
// All methods are safe to call from any goroutine.
type Progress struct {
	program *tea.Program
	done    chan struct{}
	once    sync.Once
}

// StartProgress begins rendering to w. Call Stop when the work is over.
func StartProgress(w io.Writer, step string) *Progress {
	p := NewPrinter(w)
	sp := spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(p.title))
	model := progressModel{printer: p, spinner: sp, step: step}

	pr := &Progress{
		program: tea.NewProgram(model,
			tea.WithOutput(w),
			tea.WithInput(nil),
			tea.WithoutSignalHandler(),
		),
		done: make(chan struct{}),
	}
	go func() {
		defer close(pr.done)
		_, _ = pr.program.Run()
	}()
	return pr
}

// Attempt adds a finished attempt to the list.
func (p *Progress) Attempt(a media.Attempt) {
	p.program.Send(attemptMsg(a))
}

// Step replaces the text shown next to the spinner.
func (p *Progress) Step(s string) {
	p.program.Send(stepMsg(s))
}

// Stop renders the final attempt list and waits for the view to exit.
func (p *Progress) Stop() {
	p.once.Do(func() {
		p.program.Send(doneMsg{})
		<-p.done
	})
}
