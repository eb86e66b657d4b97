// Package verify compares remote collections with their source datasets
// without modifying anything.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/marcus/csvmirror/internal/dataset"
	"github.com/marcus/csvmirror/internal/manifest"
	"github.com/marcus/csvmirror/internal/remote"
	"github.com/marcus/csvmirror/internal/schema"
)

// Check kinds.
const (
	CheckKeyField = "key_field"
	CheckField    = "field"
	CheckCount    = "count"
	CheckRelation = "relation"
	CheckCoverage = "coverage"
)

// Check is the outcome of one comparison.
type Check struct {
	Collection string `json:"collection"`
	Kind       string `json:"kind"`
	Field      string `json:"field,omitempty"`
	Passed     bool   `json:"passed"`
	Expected   string `json:"expected"`
	Actual     string `json:"actual"`
}

// Name identifies the check within its collection.
func (c Check) Name() string {
	if c.Field == "" {
		return c.Kind
	}
	return c.Kind + ":" + c.Field
}

// Verifier accumulates checks across collections.
type Verifier struct {
	acc     remote.Accessor
	logger  *slog.Logger
	results []Check
}

// New returns a verifier reading through acc.
func New(acc remote.Accessor, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{acc: acc, logger: logger}
}

func (v *Verifier) add(coll, kind, field string, expected, actual string) {
	v.results = append(v.results, Check{
		Collection: coll,
		Kind:       kind,
		Field:      field,
		Passed:     expected == actual,
		Expected:   expected,
		Actual:     actual,
	})
}

// Results returns accumulated checks.
func (v *Verifier) Results() []Check {
	return v.results
}

// fieldType renders a live property type, or "missing".
func fieldType(live *remote.Collection, name string) string {
	p, ok := live.Properties[name]
	if !ok {
		return "missing"
	}
	return p.Type.String()
}

// Collection checks one mapped collection against its rows. Only reads are
// issued; a failed read is returned as an error since a partial listing would
// produce misleading counts.
func (v *Verifier) Collection(ctx context.Context, coll *schema.Collection, collectionID string, rels []schema.Relation, targetIDs map[string]string, rows []dataset.Row) error {
	live, err := v.acc.GetCollection(ctx, collectionID)
	if err != nil {
		return fmt.Errorf("get schema %s: %w", coll.Name, err)
	}
	records, err := v.acc.ListAll(ctx, collectionID)
	if err != nil {
		return fmt.Errorf("list %s: %w", coll.Name, err)
	}

	v.add(coll.Name, CheckKeyField, coll.KeyField, coll.KeyType.String(), fieldType(live, coll.KeyField))
	for _, name := range coll.FieldNames() {
		v.add(coll.Name, CheckField, name, coll.Fields[name].String(), fieldType(live, name))
	}

	keyed := distinctKeyed(coll, rows)
	v.add(coll.Name, CheckCount, "", strconv.Itoa(len(keyed)), strconv.Itoa(len(records)))

	for _, rel := range rels {
		want := schema.FieldRelation.String()
		if id, ok := targetIDs[rel.Target]; ok {
			want += " -> " + id
		}
		got := fieldType(live, rel.Field)
		if p, ok := live.Properties[rel.Field]; ok && p.Type == schema.FieldRelation {
			if _, known := targetIDs[rel.Target]; known {
				got += " -> " + p.Target
			}
		}
		v.add(coll.Name, CheckRelation, rel.Field, want, got)

		linked := 0
		for i := range records {
			if val, ok := records[i].Properties[rel.Field]; ok && !val.IsEmpty() {
				linked++
			}
		}
		v.add(coll.Name, CheckCoverage, rel.Field,
			strconv.Itoa(dataset.CountWithValue(keyed, rel.Category)), strconv.Itoa(linked))
	}
	v.logger.Debug("verified", "collection", coll.Name, "records", len(records), "rows", len(keyed))
	return nil
}

// distinctKeyed returns the rows that produce a remote record: the first row
// of every non-empty natural key.
func distinctKeyed(coll *schema.Collection, rows []dataset.Row) []dataset.Row {
	seen := make(map[string]bool, len(rows))
	var out []dataset.Row
	for _, r := range rows {
		k := r.Key(coll)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	return out
}

// Run verifies every mapped collection. A collection without a manifest entry
// is a configuration error.
func Run(ctx context.Context, acc remote.Accessor, mp *schema.Mapping, m *manifest.Manifest, rows map[string][]dataset.Row, logger *slog.Logger) (*Report, error) {
	v := New(acc, logger)
	targetIDs := make(map[string]string)
	for _, name := range mp.TargetNames() {
		if id, ok := m.Get(name); ok {
			targetIDs[name] = id
		}
	}
	for _, name := range mp.Names() {
		if id, ok := m.Get(name); ok {
			targetIDs[name] = id
		}
	}
	for _, name := range mp.Names() {
		id, ok := m.Get(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", manifest.ErrMissingEntry, name)
		}
		if err := v.Collection(ctx, mp.Collections[name], id, mp.RelationsFor(name), targetIDs, rows[name]); err != nil {
			return nil, err
		}
	}
	return NewReport(v.Results(), time.Now().UTC()), nil
}
