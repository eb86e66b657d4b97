package schema

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoMapping is returned when the mapping file does not exist.
var ErrNoMapping = errors.New("mapping file not found")

// legacyPrefix is carried by collection keys in older mapping files.
const legacyPrefix = "db_"

// KeyFormatDate marks a collection whose title field holds a calendar date.
const KeyFormatDate = "date"

// DateRange merges two source columns into a single date field.
type DateRange struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// Collection is one logical collection: its key field, declared fields, and
// the dataset that feeds it.
type Collection struct {
	Name      string
	Title     string // remote collection title
	KeyField  string
	KeyType   FieldType
	KeyFormat string
	Fields    map[string]FieldType // declared fields, key field excluded
	CSV       string
	Ranges    map[string]DateRange
}

// KeyNormalization returns the field type used to normalize natural keys.
func (c *Collection) KeyNormalization() FieldType {
	if c.KeyFormat == KeyFormatDate {
		return FieldDate
	}
	return c.KeyType
}

// FieldNames returns declared field names, sorted.
func (c *Collection) FieldNames() []string {
	names := make([]string, 0, len(c.Fields))
	for name := range c.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Declared returns every declared field including the key field.
func (c *Collection) Declared() map[string]FieldType {
	out := make(map[string]FieldType, len(c.Fields)+1)
	for name, t := range c.Fields {
		out[name] = t
	}
	out[c.KeyField] = c.KeyType
	return out
}

// Relation links records of a source collection to a target collection using
// a denormalized category field.
type Relation struct {
	Collection string `yaml:"collection"`
	Field      string `yaml:"field"`
	Target     string `yaml:"target"`
	Category   string `yaml:"category"`
}

// Mapping is the parsed mapping configuration.
type Mapping struct {
	Prefix      string
	Collections map[string]*Collection
	Targets     map[string]*Collection
	Relations   []Relation
}

// Names returns logical collection names in sorted order.
func (m *Mapping) Names() []string {
	names := make([]string, 0, len(m.Collections))
	for name := range m.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TargetNames returns target collection names in sorted order.
func (m *Mapping) TargetNames() []string {
	names := make([]string, 0, len(m.Targets))
	for name := range m.Targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Collection looks up a mapped or target collection by logical name.
func (m *Mapping) Collection(name string) (*Collection, bool) {
	if c, ok := m.Collections[name]; ok {
		return c, true
	}
	c, ok := m.Targets[name]
	return c, ok
}

// RelationsFor returns the outgoing relations of a collection.
func (m *Mapping) RelationsFor(name string) []Relation {
	var out []Relation
	for _, r := range m.Relations {
		if r.Collection == name {
			out = append(out, r)
		}
	}
	return out
}

// Only restricts the mapping to the named collections. Targets and relations
// are left untouched except that relations from dropped collections go away.
func (m *Mapping) Only(names []string) error {
	if len(names) == 0 {
		return nil
	}
	keep := make(map[string]*Collection, len(names))
	for _, raw := range names {
		name := strings.TrimPrefix(strings.TrimSpace(raw), legacyPrefix)
		c, ok := m.Collections[name]
		if !ok {
			return fmt.Errorf("unknown collection %q", raw)
		}
		keep[name] = c
	}
	m.Collections = keep
	rels := m.Relations[:0]
	for _, r := range m.Relations {
		if _, ok := keep[r.Collection]; ok {
			rels = append(rels, r)
		}
	}
	m.Relations = rels
	return nil
}

type rawCollection struct {
	Name       string               `yaml:"name"`
	Title      string               `yaml:"title"`
	KeyType    FieldType            `yaml:"key_type"`
	KeyFormat  string               `yaml:"key_format"`
	CSV        string               `yaml:"csv"`
	Properties map[string]FieldType `yaml:"properties"`
	Ranges     map[string]DateRange `yaml:"ranges"`
}

type rawMapping struct {
	Prefix    string                   `yaml:"prefix"`
	Databases map[string]rawCollection `yaml:"databases"`
	Targets   map[string]rawCollection `yaml:"targets"`
	Relations []Relation               `yaml:"relations"`
}

// LoadMapping reads and validates a mapping file. defaultPrefix applies when
// the file does not set its own prefix.
func LoadMapping(path, defaultPrefix string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoMapping, path)
		}
		return nil, fmt.Errorf("read mapping: %w", err)
	}
	return ParseMapping(data, defaultPrefix)
}

// ParseMapping parses mapping YAML.
func ParseMapping(data []byte, defaultPrefix string) (*Mapping, error) {
	var raw rawMapping
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse mapping: %w", err)
	}
	if len(raw.Databases) == 0 {
		return nil, errors.New("mapping declares no databases")
	}

	m := &Mapping{
		Prefix:      raw.Prefix,
		Collections: make(map[string]*Collection, len(raw.Databases)),
		Targets:     make(map[string]*Collection, len(raw.Targets)),
	}
	if m.Prefix == "" {
		m.Prefix = defaultPrefix
	}

	for key, rc := range raw.Databases {
		name := strings.TrimPrefix(key, legacyPrefix)
		c, err := buildCollection(name, rc, m.Prefix)
		if err != nil {
			return nil, err
		}
		if c.CSV == "" {
			c.CSV = legacyPrefix + name + ".csv"
		}
		m.Collections[name] = c
	}
	for name, rc := range raw.Targets {
		if _, dup := m.Collections[name]; dup {
			return nil, fmt.Errorf("target %q collides with a mapped collection", name)
		}
		c, err := buildCollection(name, rc, m.Prefix)
		if err != nil {
			return nil, err
		}
		m.Targets[name] = c
	}

	for i, r := range raw.Relations {
		r.Collection = strings.TrimPrefix(r.Collection, legacyPrefix)
		r.Target = strings.TrimPrefix(r.Target, legacyPrefix)
		if r.Field == "" || r.Category == "" {
			return nil, fmt.Errorf("relation %d: field and category are required", i)
		}
		src, ok := m.Collections[r.Collection]
		if !ok {
			return nil, fmt.Errorf("relation %d: unknown collection %q", i, r.Collection)
		}
		if _, ok := m.Collection(r.Target); !ok {
			return nil, fmt.Errorf("relation %d: unknown target %q", i, r.Target)
		}
		if t, ok := src.Fields[r.Field]; ok && t != FieldRelation {
			return nil, fmt.Errorf("relation %d: field %q is declared as %s", i, r.Field, t)
		}
		delete(src.Fields, r.Field)
		m.Relations = append(m.Relations, r)
	}
	return m, nil
}

func buildCollection(name string, rc rawCollection, prefix string) (*Collection, error) {
	if rc.Title == "" {
		return nil, fmt.Errorf("collection %q: missing title field", name)
	}
	c := &Collection{
		Name:      name,
		Title:     rc.Name,
		KeyField:  rc.Title,
		KeyType:   rc.KeyType,
		KeyFormat: rc.KeyFormat,
		Fields:    make(map[string]FieldType, len(rc.Properties)),
		CSV:       rc.CSV,
		Ranges:    rc.Ranges,
	}
	if c.Title == "" {
		c.Title = prefix + name
	} else if !strings.HasPrefix(c.Title, prefix) {
		c.Title = prefix + c.Title
	}
	if c.KeyType == FieldUnknown {
		c.KeyType = FieldTitle
	}
	switch c.KeyFormat {
	case "", KeyFormatDate:
	default:
		return nil, fmt.Errorf("collection %q: unsupported key_format %q", name, c.KeyFormat)
	}
	for field, t := range rc.Properties {
		if field == c.KeyField {
			continue
		}
		c.Fields[field] = t
	}
	for field, r := range c.Ranges {
		if r.Start == "" {
			return nil, fmt.Errorf("collection %q: range %q needs a start column", name, field)
		}
		delete(c.Fields, r.Start)
		if r.End != "" {
			delete(c.Fields, r.End)
		}
		if t, ok := c.Fields[field]; ok && t != FieldDate {
			return nil, fmt.Errorf("collection %q: range %q is declared as %s", name, field, t)
		}
		c.Fields[field] = FieldDate
	}
	return c, nil
}
