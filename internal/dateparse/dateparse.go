// Package dateparse parses the date spellings found in source datasets and
// remote date properties into calendar dates (YYYY-MM-DD).
package dateparse

import (
	"fmt"
	"strings"
	"time"
)

// Layout is the canonical calendar date layout.
const Layout = "2006-01-02"

// instantLayouts carry a time of day. Values with an explicit offset are
// converted to UTC before the date is taken.
var instantLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// dateLayouts are plain calendar dates. Day-first slashed dates match how the
// datasets are exported.
var dateLayouts = []string{
	Layout,
	"2006/01/02",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"2-1-2006",
	"2006-1-2",
}

// Parse parses input and returns its calendar date as YYYY-MM-DD.
//
// Supported formats:
//   - Exact dates: "2026-03-01", "2026/03/01", "1/3/2026" (day first)
//   - Timestamps: "2026-03-01T10:00:00Z", "2026-03-01T23:30:00-05:00", "2026-03-01 10:00"
func Parse(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("empty date input")
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, input); err == nil {
			return formatDate(t), nil
		}
	}
	for _, layout := range instantLayouts {
		if t, err := time.Parse(layout, input); err == nil {
			return formatDate(t.UTC()), nil
		}
	}

	return "", fmt.Errorf("unrecognized date format: %q", input)
}

// Normalize returns the calendar date of input, or the trimmed input when it
// cannot be parsed. It never fails.
func Normalize(input string) string {
	if d, err := Parse(input); err == nil {
		return d
	}
	return strings.TrimSpace(input)
}

func formatDate(t time.Time) string {
	return t.Format(Layout)
}
