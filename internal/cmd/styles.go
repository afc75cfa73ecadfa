package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/hpcgrid/sessionbroker/internal/session"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF")).Width(14)
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F9FAFB"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#7C3AED")).
			Padding(0, 1)
)

// isTerminal reports whether w is a terminal, so output can be styled.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// terminalWidth returns the width of w, or 0 when it is not a terminal.
func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0
	}
	return width
}

// field is one label/value row of a summary.
type field struct {
	label string
	value string
}

// sessionFields describes s for printing.
func sessionFields(s *session.Session) []field {
	fields := []field{
		{"Session", s.ID},
		{"Kind", s.Kind.String()},
		{"Attached", fmt.Sprintf("%v", s.Info.Attached)},
	}
	for _, ep := range s.Info.Endpoints {
		fields = append(fields, field{"Endpoint", ep})
	}
	if s.Info.ServiceVersion != "" {
		fields = append(fields, field{"Version", s.Info.ServiceVersion})
	}
	return fields
}

// printSummary writes title and fields to w. Terminals get a bordered,
// colored box; everything else gets plain "label: value" lines.
func printSummary(w io.Writer, title string, fields []field) {
	if !isTerminal(w) {
		fmt.Fprintln(w, title)
		for _, f := range fields {
			fmt.Fprintf(w, "  %s: %s\n", strings.ToLower(f.label), f.value)
		}
		return
	}

	rows := []string{titleStyle.Render(title)}
	for _, f := range fields {
		rows = append(rows, labelStyle.Render(f.label)+valueStyle.Render(f.value))
	}
	box := boxStyle
	if width := terminalWidth(w); width > 0 && width < 80 {
		box = box.Width(width - 2)
	}
	fmt.Fprintln(w, box.Render(lipgloss.JoinVertical(lipgloss.Left, rows...)))
}

// printWarning writes msg to w, highlighted on terminals.
func printWarning(w io.Writer, msg string) {
	if isTerminal(w) {
		msg = warnStyle.Render(msg)
	}
	fmt.Fprintln(w, msg)
}
