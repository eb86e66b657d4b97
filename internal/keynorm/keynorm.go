// Package keynorm derives natural keys from field values so that source rows
// and remote records describing the same entity compare equal.
package keynorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/marcus/csvmirror/internal/dateparse"
	"github.com/marcus/csvmirror/internal/schema"
)

// Normalize returns the natural key of raw for a field of type t. It is pure
// and total: the same input always yields the same key, and applying it to
// its own output changes nothing.
func Normalize(t schema.FieldType, raw string) string {
	switch t.KeyKind() {
	case schema.KeyDate:
		return dateparse.Normalize(raw)
	case schema.KeyOption:
		return Option(raw)
	default:
		return Text(raw)
	}
}

// Text folds case, strips diacritics and collapses whitespace.
func Text(raw string) string {
	s := fold(raw)
	s = StripDiacritics(s)
	return collapseSpace(s)
}

// Option normalizes a select option name: trimmed and case folded. Option
// names are already canonical on the remote side, so accents are kept.
func Option(raw string) string {
	return strings.TrimSpace(fold(raw))
}

// fold case folds s and lowers the result. Folding alone leaves some scripts,
// Cherokee among them, in a form that folds again to the other case.
func fold(s string) string {
	return cases.Lower(language.Und).String(cases.Fold().String(s))
}

// StripDiacritics removes combining marks after canonical decomposition.
func StripDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
