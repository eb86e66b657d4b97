package verify

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrMismatch is returned when verification found differences.
var ErrMismatch = errors.New("verification found mismatches")

// ReportFile is the default name of the JSON verification report.
const ReportFile = "verification_report.json"

// Report is the structured verification result.
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`
	Pass        bool      `json:"pass"`
	Passed      int       `json:"passed"`
	Failed      int       `json:"failed"`
	Checks      []Check   `json:"checks"`
}

// NewReport summarizes checks.
func NewReport(checks []Check, at time.Time) *Report {
	r := &Report{GeneratedAt: at, Checks: checks}
	for _, c := range checks {
		if c.Passed {
			r.Passed++
		} else {
			r.Failed++
		}
	}
	r.Pass = r.Failed == 0
	return r
}

// Failures returns only failing checks.
func (r *Report) Failures() []Check {
	var out []Check
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// Find returns the check of a collection by name.
func (r *Report) Find(collection, name string) (Check, bool) {
	for _, c := range r.Checks {
		if c.Collection == collection && c.Name() == name {
			return c, true
		}
	}
	return Check{}, false
}

// Summary returns a plain-text summary listing failed checks.
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Verify: %d passed, %d failed\n", r.Passed, r.Failed)
	for _, c := range r.Failures() {
		fmt.Fprintf(&b, "  FAIL: %s %s: expected %s, got %s\n", c.Collection, c.Name(), c.Expected, c.Actual)
	}
	return b.String()
}

// Markdown renders the report as a table per collection.
func (r *Report) Markdown() string {
	var b strings.Builder
	status := "PASS"
	if !r.Pass {
		status = "FAIL"
	}
	fmt.Fprintf(&b, "# Verification: %s\n\n", status)
	fmt.Fprintf(&b, "%d passed, %d failed, generated %s\n", r.Passed, r.Failed, r.GeneratedAt.Format(time.RFC3339))

	current := ""
	for _, c := range r.Checks {
		if c.Collection != current {
			current = c.Collection
			fmt.Fprintf(&b, "\n## %s\n\n", current)
			b.WriteString("| Check | Expected | Actual | Result |\n")
			b.WriteString("|---|---|---|---|\n")
		}
		mark := "ok"
		if !c.Passed {
			mark = "**FAIL**"
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", escape(c.Name()), escape(c.Expected), escape(c.Actual), mark)
	}
	return b.String()
}

func escape(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

// WriteFile writes the report as indented JSON, replacing path atomically.
func (r *Report) WriteFile(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".verify-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename report: %w", err)
	}
	return nil
}
