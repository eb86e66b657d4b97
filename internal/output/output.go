// Package output provides styled terminal output for stage reports,
// verification results and run history using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/marcus/csvmirror/internal/ledger"
	"github.com/marcus/csvmirror/internal/report"
	"github.com/marcus/csvmirror/internal/verify"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dryRunStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("141"))
	statusStyles = map[string]lipgloss.Style{
		ledger.StatusOK:       successStyle,
		ledger.StatusFailed:   errorStyle,
		ledger.StatusMismatch: warningStyle,
		ledger.StatusRunning:  lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
	}
)

// Success prints a success message
func Success(format string, args ...any) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...any) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...any) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
}

// JSON outputs data as JSON
func JSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// DryRunBanner marks output produced without remote writes.
func DryRunBanner() string {
	return dryRunStyle.Render("[dry run] no remote changes were made")
}

// SectionHeader returns a formatted section header, e.g. "\nTASKS:\n".
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}

// FormatCounts renders the non-zero counters of one collection on a line.
func FormatCounts(c report.Counts) string {
	pairs := []struct {
		label string
		n     int
	}{
		{"created", c.Created},
		{"updated", c.Updated},
		{"unchanged", c.Unchanged},
		{"skipped", c.Skipped},
		{"archived orphans", c.ArchivedOrphan},
		{"archived duplicates", c.ArchivedDuplicate},
		{"fields added", c.FieldsAdded},
		{"links", c.LinksCreated},
		{"targets created", c.TargetsCreated},
	}
	var parts []string
	for _, p := range pairs {
		if p.n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", p.n, p.label))
		}
	}
	if c.Failed > 0 {
		parts = append(parts, errorStyle.Render(fmt.Sprintf("%d failed", c.Failed)))
	}
	if len(parts) == 0 {
		return subtleStyle.Render("no changes")
	}
	return strings.Join(parts, ", ")
}

// FormatReport renders a stage report: a line per collection, then failures
// and notes.
func FormatReport(rep *report.Report) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(strings.Join(rep.Stages, " → ")))
	sb.WriteString("\n")
	for _, name := range rep.Names() {
		fmt.Fprintf(&sb, "  %-20s %s\n", name, FormatCounts(*rep.Collections[name]))
	}
	if len(rep.Failures) > 0 {
		sb.WriteString(SectionHeader("failures"))
		for _, f := range rep.Failures {
			sb.WriteString("  " + errorStyle.Render(f.String()) + "\n")
		}
	}
	if len(rep.Notes) > 0 {
		sb.WriteString(SectionHeader("notes"))
		notes := append([]report.Note(nil), rep.Notes...)
		sort.SliceStable(notes, func(i, j int) bool { return notes[i].Collection < notes[j].Collection })
		for _, n := range notes {
			sb.WriteString("  " + warningStyle.Render(n.Collection+": "+n.Message) + "\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// FormatCheck renders one verification check.
func FormatCheck(c verify.Check) string {
	if c.Passed {
		return fmt.Sprintf("%s %s %s", successStyle.Render("✓"), c.Name(), subtleStyle.Render(c.Actual))
	}
	return fmt.Sprintf("%s %s expected %s, got %s", errorStyle.Render("✗"), c.Name(), c.Expected, c.Actual)
}

// FormatVerify renders a verification report grouped by collection. Passing
// checks are listed only when verbose is set.
func FormatVerify(rep *verify.Report, verbose bool) string {
	var sb strings.Builder
	current := ""
	for _, c := range rep.Checks {
		if c.Passed && !verbose {
			continue
		}
		if c.Collection != current {
			current = c.Collection
			sb.WriteString(titleStyle.Render(current) + "\n")
		}
		sb.WriteString("  " + FormatCheck(c) + "\n")
	}
	summary := fmt.Sprintf("%d passed, %d failed", rep.Passed, rep.Failed)
	if rep.Pass {
		sb.WriteString(successStyle.Render("PASS: " + summary))
	} else {
		sb.WriteString(errorStyle.Render("FAIL: " + summary))
	}
	return sb.String()
}

// FormatRun renders a ledger run on one line.
func FormatRun(r ledger.Run) string {
	style, ok := statusStyles[r.Status]
	if !ok {
		style = subtleStyle
	}
	id := r.ID
	if len(id) > 8 {
		id = id[:8]
	}
	line := fmt.Sprintf("%s %-9s %-8s %s", subtleStyle.Render(id), r.Command, style.Render(r.Status), FormatTimeAgo(r.StartedAt))
	if r.DryRun {
		line += " " + dryRunStyle.Render("[dry run]")
	}
	if m := r.Totals.Mutations(); m > 0 {
		line += fmt.Sprintf("  %d changes", m)
	}
	if r.Failures > 0 {
		line += "  " + errorStyle.Render(fmt.Sprintf("%d failures", r.Failures))
	}
	return line
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}
