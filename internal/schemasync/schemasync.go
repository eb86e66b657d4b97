// Package schemasync adds declared fields that a remote collection lacks.
// Changes are additive: existing fields are never removed or retyped.
package schemasync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/marcus/csvmirror/internal/remote"
	"github.com/marcus/csvmirror/internal/report"
	"github.com/marcus/csvmirror/internal/schema"
)

// ErrAddFields wraps a failed schema change. The live schema was read.
var ErrAddFields = errors.New("add fields")

// Drift is a field whose live type differs from its declared type.
type Drift struct {
	Field    string           `json:"field"`
	Declared schema.FieldType `json:"declared"`
	Live     schema.FieldType `json:"live"`
}

func (d Drift) String() string {
	return fmt.Sprintf("%s is %s, declared %s", d.Field, d.Live, d.Declared)
}

// Result describes one synchronization.
type Result struct {
	Added   []string `json:"added"`
	Drift   []Drift  `json:"drift,omitempty"`
	Skipped []string `json:"skipped,omitempty"` // missing but not creatable
}

// Plan compares a live schema with the declared fields without touching the
// remote. Relation fields are owned by the relation backfiller and ignored.
func Plan(live *remote.Collection, declared map[string]schema.FieldType) (map[string]remote.FieldSpec, Result) {
	var res Result
	missing := make(map[string]remote.FieldSpec)

	names := make([]string, 0, len(declared))
	for name := range declared {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		want := declared[name]
		if want == schema.FieldRelation {
			continue
		}
		if p, ok := live.Properties[name]; ok {
			if p.Type != want {
				res.Drift = append(res.Drift, Drift{Field: name, Declared: want, Live: p.Type})
			}
			continue
		}
		if !want.Creatable() {
			res.Skipped = append(res.Skipped, name)
			continue
		}
		missing[name] = remote.FieldSpec{Type: want}
		res.Added = append(res.Added, name)
	}
	return missing, res
}

// Sync fetches the live schema and adds every missing declared field in a
// single call.
func Sync(ctx context.Context, acc remote.Accessor, collectionID string, declared map[string]schema.FieldType, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	live, err := acc.GetCollection(ctx, collectionID)
	if err != nil {
		return Result{}, fmt.Errorf("get schema: %w", err)
	}
	missing, res := Plan(live, declared)
	for _, d := range res.Drift {
		logger.Warn("field type drift", "collection", live.Title, "field", d.Field, "declared", d.Declared.String(), "live", d.Live.String())
	}
	for _, name := range res.Skipped {
		logger.Warn("field cannot be created through the API", "collection", live.Title, "field", name, "type", declared[name].String())
	}
	if len(missing) == 0 {
		return res, nil
	}
	if err := acc.AddFields(ctx, collectionID, missing); err != nil {
		return Result{Drift: res.Drift, Skipped: res.Skipped}, fmt.Errorf("%w: %w", ErrAddFields, err)
	}
	logger.Info("fields added", "collection", live.Title, "fields", res.Added)
	return res, nil
}

// Stage synchronizes one mapped collection into rep. A failed schema change
// is a per-collection failure, not a fatal one.
func Stage(ctx context.Context, acc remote.Accessor, coll *schema.Collection, collectionID string, rep *report.Report, logger *slog.Logger) error {
	res, err := Sync(ctx, acc, collectionID, coll.Declared(), logger)
	for _, d := range res.Drift {
		rep.Note(coll.Name, "type drift: %s", d)
	}
	for _, name := range res.Skipped {
		rep.Note(coll.Name, "field %s (%s) must be added by hand", name, coll.Declared()[name])
	}
	if err != nil {
		if !errors.Is(err, ErrAddFields) {
			return err
		}
		rep.Fail(coll.Name, "", "add_fields", collectionID, err)
		return nil
	}
	rep.For(coll.Name).FieldsAdded += len(res.Added)
	return nil
}
