// Package schema defines the declared field types of a mirrored collection and
// the mapping configuration that binds source datasets to remote collections.
package schema

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// FieldType is the declared type of a collection field.
type FieldType int

const (
	FieldUnknown FieldType = iota
	FieldTitle
	FieldText
	FieldSelect
	FieldMultiSelect
	FieldCheckbox
	FieldURL
	FieldNumber
	FieldPeople
	FieldDate
	FieldStatus
	FieldRelation
)

// AllFieldTypes lists every known field type in declaration order.
var AllFieldTypes = []FieldType{
	FieldTitle,
	FieldText,
	FieldSelect,
	FieldMultiSelect,
	FieldCheckbox,
	FieldURL,
	FieldNumber,
	FieldPeople,
	FieldDate,
	FieldStatus,
	FieldRelation,
}

// String returns the wire name used by the remote API and mapping files.
func (t FieldType) String() string {
	switch t {
	case FieldTitle:
		return "title"
	case FieldText:
		return "rich_text"
	case FieldSelect:
		return "select"
	case FieldMultiSelect:
		return "multi_select"
	case FieldCheckbox:
		return "checkbox"
	case FieldURL:
		return "url"
	case FieldNumber:
		return "number"
	case FieldPeople:
		return "people"
	case FieldDate:
		return "date"
	case FieldStatus:
		return "status"
	case FieldRelation:
		return "relation"
	default:
		return "unknown"
	}
}

// fieldTypeAliases maps accepted spellings to field types.
var fieldTypeAliases = map[string]FieldType{
	"title":            FieldTitle,
	"rich_text":        FieldText,
	"text":             FieldText,
	"select":           FieldSelect,
	"single-select":    FieldSelect,
	"single_select":    FieldSelect,
	"multi_select":     FieldMultiSelect,
	"multi-select":     FieldMultiSelect,
	"checkbox":         FieldCheckbox,
	"url":              FieldURL,
	"number":           FieldNumber,
	"people":           FieldPeople,
	"person":           FieldPeople,
	"person-reference": FieldPeople,
	"date":             FieldDate,
	"status":           FieldStatus,
	"relation":         FieldRelation,
}

// ParseFieldType resolves a field type name, accepting common aliases.
func ParseFieldType(s string) (FieldType, error) {
	if t, ok := fieldTypeAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return t, nil
	}
	return FieldUnknown, fmt.Errorf("unsupported field type %q", s)
}

// MarshalYAML writes the wire name.
func (t FieldType) MarshalYAML() (any, error) {
	return t.String(), nil
}

// UnmarshalYAML accepts any spelling understood by ParseFieldType.
func (t *FieldType) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseFieldType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MarshalText writes the wire name, so FieldType keys and values render as
// strings in JSON reports.
func (t FieldType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText is the inverse of MarshalText.
func (t *FieldType) UnmarshalText(b []byte) error {
	parsed, err := ParseFieldType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// KeyKind is the normalization family used when a field of this type acts
// as a natural key.
type KeyKind int

const (
	KeyText KeyKind = iota
	KeyDate
	KeyOption
)

// KeyKind reports how values of this type are normalized into natural keys.
func (t FieldType) KeyKind() KeyKind {
	switch t {
	case FieldDate:
		return KeyDate
	case FieldSelect, FieldMultiSelect, FieldStatus:
		return KeyOption
	case FieldTitle, FieldText, FieldURL, FieldNumber, FieldCheckbox, FieldPeople, FieldRelation, FieldUnknown:
		return KeyText
	default:
		return KeyText
	}
}

// Creatable reports whether the remote API accepts this type when adding a
// field to an existing collection. Every collection has exactly one title
// field and status fields cannot be created through the API.
func (t FieldType) Creatable() bool {
	switch t {
	case FieldTitle, FieldStatus, FieldUnknown:
		return false
	case FieldText, FieldSelect, FieldMultiSelect, FieldCheckbox, FieldURL,
		FieldNumber, FieldPeople, FieldDate, FieldRelation:
		return true
	default:
		return false
	}
}

// HasOptions reports whether the type carries a closed option list.
func (t FieldType) HasOptions() bool {
	switch t {
	case FieldSelect, FieldMultiSelect, FieldStatus:
		return true
	default:
		return false
	}
}
