package output

import (
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"
)

const (
	defaultMarkdownWidth = 100
	minMarkdownWidth     = 40
)

// TerminalWidth returns the current terminal width or a fallback when unavailable.
func TerminalWidth(fallback int) int {
	if fallback <= 0 {
		fallback = defaultMarkdownWidth
	}
	if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && width > 0 {
		return width
	}
	if cols := os.Getenv("COLUMNS"); cols != "" {
		if parsed, err := strconv.Atoi(cols); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

// IsTerminal reports whether stdout is a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Markdown renders markdown for stdout. Piped output gets the plain notty
// style so reports stay readable in CI logs.
func Markdown(text string) (string, error) {
	style := "notty"
	if IsTerminal() {
		style = "auto"
	}
	return MarkdownWithStyle(text, style, TerminalWidth(defaultMarkdownWidth))
}

// MarkdownWithStyle renders markdown with a named glamour style.
func MarkdownWithStyle(text, style string, width int) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	if width < minMarkdownWidth {
		width = minMarkdownWidth
	}
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(width)}
	if style == "auto" {
		opts = append(opts, glamour.WithAutoStyle())
	} else {
		opts = append(opts, glamour.WithStandardStyle(style))
	}
	renderer, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return "", err
	}
	rendered, err := renderer.Render(text)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(rendered, "\n"), nil
}
