package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/progress"

	"github.com/hydraresearch/nautilus/notify"
)

// Sink writes notifications to a terminal. Progress messages are
// redrawn as a bar each time their progress changes.
type Sink struct {
	mu     sync.Mutex
	out    io.Writer
	styles Styles
	bar    progress.Model
	active map[string]notify.Message
}

// NewSink creates a sink writing to out.
func NewSink(out io.Writer, styles Styles) *Sink {
	return &Sink{
		out:    out,
		styles: styles,
		bar: progress.New(
			progress.WithDefaultGradient(),
			progress.WithWidth(40),
		),
		active: make(map[string]notify.Message),
	}
}

func (s *Sink) Show(m notify.Message) string {
	if m.ID == "" {
		m.ID = notify.NewID()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Level == notify.LevelProgress {
		s.active[m.ID] = m
	}
	fmt.Fprintln(s.out, s.render(m))
	return m.ID
}

func (s *Sink) Progress(id string, percent float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.active[id]
	if !ok || percent < 0 {
		return
	}
	m.Progress = percent
	s.active[id] = m
	fmt.Fprintf(s.out, "  %s %s\n", s.bar.ViewAs(clamp(percent/100)), s.styles.Muted.Render(m.Text))
}

func (s *Sink) Hide(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}

func (s *Sink) render(m notify.Message) string {
	var b strings.Builder
	if m.Printer != "" {
		b.WriteString(s.styles.Printer.Render(m.Printer))
		b.WriteString(" ")
	}
	if m.Title != "" {
		b.WriteString(m.Title)
		b.WriteString(": ")
	}

	text := m.Text
	switch m.Level {
	case notify.LevelError:
		text = s.styles.Error.Render(text)
	case notify.LevelWarning:
		text = s.styles.Warning.Render(text)
	case notify.LevelProgress:
		text = s.styles.Muted.Render(text + "...")
	default:
		text = s.styles.Info.Render(text)
	}
	b.WriteString(text)

	for _, a := range m.Actions {
		b.WriteString(" ")
		b.WriteString(s.styles.Action.Render("[" + a.Label + "]"))
	}
	return b.String()
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
