package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/hydraresearch/nautilus/printer"
)

var ErrAborted = errors.New("prompt aborted")

// KeyMap holds the prompt keybindings.
type KeyMap struct {
	Accept key.Binding
	Cancel key.Binding
}

// DefaultKeyMap returns the default prompt keybindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Accept: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "send"),
		),
		Cancel: key.NewBinding(
			key.WithKeys("esc", "ctrl+c"),
			key.WithHelp("esc", "cancel"),
		),
	}
}

// Prompt asks for a file name on the terminal before a write. It
// implements printer.Confirmer.
type Prompt struct {
	In     io.Reader
	Out    io.Writer
	Styles Styles
	Keys   KeyMap
}

// NewPrompt creates a prompt on the given terminal streams.
func NewPrompt(in io.Reader, out io.Writer) *Prompt {
	return &Prompt{In: in, Out: out, Styles: DefaultStyles(), Keys: DefaultKeyMap()}
}

func (p *Prompt) ConfirmName(ctx context.Context, name, proposed string) (string, error) {
	opts := []tea.ProgramOption{tea.WithContext(ctx)}
	if p.In != nil {
		opts = append(opts, tea.WithInput(p.In))
	}
	if p.Out != nil {
		opts = append(opts, tea.WithOutput(p.Out))
	}

	final, err := tea.NewProgram(newPromptModel(name, proposed, p.Styles, p.Keys), opts...).Run()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("run prompt: %w", err)
	}
	m := final.(promptModel)
	if m.canceled {
		return "", ErrAborted
	}
	return m.Value(), nil
}

type promptModel struct {
	printer  string
	input    textinput.Model
	styles   Styles
	keys     KeyMap
	problem  string
	done     bool
	canceled bool
}

func newPromptModel(name, proposed string, styles Styles, keys KeyMap) promptModel {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.CharLimit = 255
	ti.Width = 60
	ti.SetValue(proposed)
	ti.CursorEnd()
	ti.Focus()
	return promptModel{printer: name, input: ti, styles: styles, keys: keys}
}

// Value is the entered name with surrounding space removed.
func (m promptModel) Value() string {
	return strings.TrimSpace(m.input.Value())
}

func (m promptModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m promptModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch {
		case key.Matches(msg, m.keys.Cancel):
			m.canceled = true
			return m, tea.Quit
		case key.Matches(msg, m.keys.Accept):
			if err := printer.ValidateName(m.Value()); err != nil {
				m.problem = err.Error()
				return m, nil
			}
			m.done = true
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	m.problem = ""
	return m, cmd
}

func (m promptModel) View() string {
	if m.done || m.canceled {
		return ""
	}
	var b strings.Builder
	b.WriteString(m.styles.Prompt.Render("File name for " + m.printer))
	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	if m.problem != "" {
		b.WriteString(m.styles.Error.Render(m.problem))
		b.WriteString("\n")
	}
	b.WriteString(m.styles.Muted.Render(m.keys.Accept.Help().Key + " " + m.keys.Accept.Help().Desc +
		" • " + m.keys.Cancel.Help().Key + " " + m.keys.Cancel.Help().Desc))
	b.WriteString("\n")
	return b.String()
}
