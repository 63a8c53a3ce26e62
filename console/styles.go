// Package console renders notifications and prompts on a terminal.
package console

import "github.com/charmbracelet/lipgloss"

// Styles contains the lipgloss styles used for console output.
type Styles struct {
	Printer lipgloss.Style
	Info    lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Muted   lipgloss.Style
	Action  lipgloss.Style
	Prompt  lipgloss.Style
}

// DefaultStyles returns the default color scheme.
func DefaultStyles() Styles {
	highlight := lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special := lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	muted := lipgloss.AdaptiveColor{Light: "#9B9B9B", Dark: "#5C5C5C"}

	return Styles{
		Printer: lipgloss.NewStyle().
			Foreground(highlight).
			Bold(true),

		Info: lipgloss.NewStyle().
			Foreground(special),

		Warning: lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#FFA500", Dark: "#FFB86C"}),

		Error: lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#FF0000", Dark: "#FF6B6B"}).
			Bold(true),

		Muted: lipgloss.NewStyle().
			Foreground(muted),

		Action: lipgloss.NewStyle().
			Foreground(highlight).
			Underline(true),

		Prompt: lipgloss.NewStyle().
			Foreground(highlight).
			Bold(true),
	}
}

// PlainStyles renders without colors or decoration.
func PlainStyles() Styles {
	s := lipgloss.NewStyle()
	return Styles{Printer: s, Info: s, Warning: s, Error: s, Muted: s, Action: s, Prompt: s}
}
