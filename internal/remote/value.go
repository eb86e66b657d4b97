package remote

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/marcus/csvmirror/internal/dateparse"
	"github.com/marcus/csvmirror/internal/schema"
)

// MaxTextLength is the longest rich text content the remote accepts in one
// block.
const MaxTextLength = 2000

// truthy lists the checkbox spellings that mean checked.
var truthy = map[string]bool{
	"1": true, "true": true, "si": true, "sí": true, "x": true,
	"✓": true, "check": true, "ok": true, "yes": true,
}

// Value is a typed property value. Which fields are meaningful depends on Type:
// Text for title, rich_text, url, select, status and date start; Names for
// multi_select; IDs for relation and people; Number and Checked for their
// own types; DateEnd for date ranges.
type Value struct {
	Type    schema.FieldType
	Text    string
	Names   []string
	IDs     []string
	Number  *float64
	Checked bool
	DateEnd string
}

// IsEmpty reports whether the value carries nothing. Unchecked checkboxes are
// empty.
func (v Value) IsEmpty() bool {
	switch v.Type {
	case schema.FieldMultiSelect:
		return len(v.Names) == 0
	case schema.FieldRelation, schema.FieldPeople:
		return len(v.IDs) == 0
	case schema.FieldNumber:
		return v.Number == nil
	case schema.FieldCheckbox:
		return !v.Checked
	case schema.FieldDate:
		return v.Text == "" && v.DateEnd == ""
	case schema.FieldTitle, schema.FieldText, schema.FieldURL, schema.FieldSelect, schema.FieldStatus:
		return v.Text == ""
	default:
		return true
	}
}

// PlainText renders the value as a single string.
func (v Value) PlainText() string {
	switch v.Type {
	case schema.FieldMultiSelect:
		return strings.Join(v.Names, ", ")
	case schema.FieldRelation, schema.FieldPeople:
		return strings.Join(v.IDs, ", ")
	case schema.FieldNumber:
		if v.Number == nil {
			return ""
		}
		return strconv.FormatFloat(*v.Number, 'f', -1, 64)
	case schema.FieldCheckbox:
		return strconv.FormatBool(v.Checked)
	case schema.FieldDate:
		if v.DateEnd != "" {
			return v.Text + " → " + v.DateEnd
		}
		return v.Text
	default:
		return v.Text
	}
}

// Equal reports whether two values would render the same on the remote.
// Option and id lists compare as sets.
func (v Value) Equal(o Value) bool {
	if v.IsEmpty() && o.IsEmpty() {
		return true
	}
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case schema.FieldMultiSelect:
		return sameSet(v.Names, o.Names)
	case schema.FieldRelation, schema.FieldPeople:
		return sameSet(v.IDs, o.IDs)
	case schema.FieldNumber:
		if v.Number == nil || o.Number == nil {
			return v.Number == o.Number
		}
		return *v.Number == *o.Number
	case schema.FieldCheckbox:
		return v.Checked == o.Checked
	case schema.FieldDate:
		return v.Text == o.Text && v.DateEnd == o.DateEnd
	default:
		return v.Text == o.Text
	}
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := slices.Clone(a)
	y := slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}

// Empty returns the cleared value of type t.
func Empty(t schema.FieldType) Value {
	return Value{Type: t}
}

// TextValue builds a title or rich_text value.
func TextValue(t schema.FieldType, s string) Value {
	return Value{Type: t, Text: s}
}

// RelationValue builds a relation value linking the given record ids.
func RelationValue(ids ...string) Value {
	return Value{Type: schema.FieldRelation, IDs: ids}
}

// Parse encodes a raw source value as a property of type t. Blank input
// yields the cleared value.
func Parse(t schema.FieldType, raw string) (Value, error) {
	s := strings.TrimSpace(raw)
	v := Value{Type: t}
	if s == "" {
		return v, nil
	}
	switch t {
	case schema.FieldTitle, schema.FieldURL, schema.FieldSelect, schema.FieldStatus:
		v.Text = s
	case schema.FieldText:
		v.Text = truncate(s, MaxTextLength)
	case schema.FieldMultiSelect:
		v.Names = SplitList(s, ",;|")
	case schema.FieldCheckbox:
		v.Checked = truthy[strings.ToLower(s)]
	case schema.FieldNumber:
		n, err := parseNumber(s)
		if err != nil {
			return Value{Type: t}, err
		}
		v.Number = &n
	case schema.FieldDate:
		d, err := dateparse.Parse(s)
		if err != nil {
			return Value{Type: t}, err
		}
		v.Text = d
	case schema.FieldPeople:
		ids := SplitList(s, ",;")
		for _, id := range ids {
			if _, err := uuid.Parse(id); err != nil {
				return Value{Type: t}, fmt.Errorf("people needs user ids, got %q", id)
			}
		}
		v.IDs = ids
	case schema.FieldRelation:
		v.IDs = SplitList(s, ",;")
	default:
		return Value{Type: t}, fmt.Errorf("cannot encode %s value", t)
	}
	return v, nil
}

// DateRangeValue builds a date value spanning start to end. A blank start with
// a present end uses the end as the start.
func DateRangeValue(start, end string) (Value, error) {
	v := Value{Type: schema.FieldDate}
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	if start == "" {
		start, end = end, ""
	}
	if start == "" {
		return v, nil
	}
	s, err := dateparse.Parse(start)
	if err != nil {
		return v, err
	}
	v.Text = s
	if end != "" {
		e, err := dateparse.Parse(end)
		if err != nil {
			return Value{Type: schema.FieldDate}, err
		}
		if e != s {
			v.DateEnd = e
		}
	}
	return v, nil
}

// SplitList splits s on any of seps, trimming items and dropping blanks and
// repeats.
func SplitList(s, seps string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return strings.ContainsRune(seps, r)
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || slices.Contains(out, p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// parseNumber accepts a decimal point or a single decimal comma. A comma
// followed by exactly three digits reads as a thousands separator and is
// rejected.
func parseNumber(s string) (float64, error) {
	if i := strings.LastIndex(s, ","); i >= 0 && !strings.Contains(s, ".") {
		if frac := s[i+1:]; len(frac) == 3 && strings.Trim(frac, "0123456789") == "" {
			return 0, fmt.Errorf("ambiguous number %q: thousands separators are not accepted", s)
		}
		s = strings.ReplaceAll(s, ",", ".")
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return n, nil
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
