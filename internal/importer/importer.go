// Package importer performs the initial import: it finds or creates the
// remote collection of every mapped dataset, records it in the manifest and
// upserts the rows. Running it again is safe.
package importer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/marcus/csvmirror/internal/dataset"
	"github.com/marcus/csvmirror/internal/manifest"
	"github.com/marcus/csvmirror/internal/remote"
	"github.com/marcus/csvmirror/internal/report"
	"github.com/marcus/csvmirror/internal/schema"
	"github.com/marcus/csvmirror/internal/schemasync"
	"github.com/marcus/csvmirror/internal/upsert"
)

// Params is the explicit state of an import.
type Params struct {
	Mapping  *schema.Mapping
	Manifest *manifest.Manifest
	Rows     map[string][]dataset.Row
	ParentID string
	// ForceCreate creates a fresh collection even when one with the same
	// title exists.
	ForceCreate bool
}

// Fields builds the field configuration of a new collection. Option lists of
// select fields are seeded from the values found in rows.
func Fields(coll *schema.Collection, rows []dataset.Row) (map[string]remote.FieldSpec, []string) {
	fields := map[string]remote.FieldSpec{coll.KeyField: {Type: schema.FieldTitle}}
	var skipped []string
	for _, name := range coll.FieldNames() {
		t := coll.Fields[name]
		if !t.Creatable() || t == schema.FieldRelation {
			skipped = append(skipped, name)
			continue
		}
		spec := remote.FieldSpec{Type: t}
		if t.HasOptions() {
			spec.Options = options(t, rows, name)
		}
		fields[name] = spec
	}
	return fields, skipped
}

func options(t schema.FieldType, rows []dataset.Row, field string) []string {
	if t != schema.FieldMultiSelect {
		return dataset.Categories(rows, field)
	}
	seen := make(map[string]bool)
	var out []string
	for _, r := range rows {
		for _, v := range remote.SplitList(r.Value(field), ",;|") {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Ensure returns the remote collection id of coll, reusing the manifest entry
// or an existing collection with the same title unless forceCreate is set.
// created reports whether a new collection was made.
func Ensure(ctx context.Context, acc remote.Accessor, coll *schema.Collection, p Params, logger *slog.Logger) (id string, created bool, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !p.ForceCreate {
		if id, ok := p.Manifest.Get(coll.Name); ok {
			if _, err := acc.GetCollection(ctx, id); err == nil {
				return id, false, nil
			}
		}
		ref, n, err := remote.FindCollectionByName(ctx, acc, coll.Title)
		if err != nil {
			return "", false, fmt.Errorf("search %q: %w", coll.Title, err)
		}
		if ref != nil {
			if n > 1 {
				logger.Warn("several collections share a title, reusing newest", "collection", coll.Name, "title", coll.Title, "matches", n)
			}
			p.Manifest.Set(coll.Name, ref.ID)
			return ref.ID, false, nil
		}
	}
	if p.ParentID == "" {
		return "", false, fmt.Errorf("%w: cannot create %s", remote.ErrNoParent, coll.Title)
	}
	fields, skipped := Fields(coll, p.Rows[coll.Name])
	for _, name := range skipped {
		logger.Warn("field not created", "collection", coll.Name, "field", name, "type", coll.Fields[name].String())
	}
	c, err := acc.CreateCollection(ctx, p.ParentID, coll.Title, fields)
	if err != nil {
		return "", false, fmt.Errorf("create %s: %w", coll.Title, err)
	}
	logger.Info("collection created", "collection", coll.Name, "title", coll.Title, "id", c.ID)
	p.Manifest.Set(coll.Name, c.ID)
	return c.ID, true, nil
}

// Stage imports every mapped collection. Reused collections get their
// missing fields added before rows are written. Fields that could not be
// created are reported by the upsert.
func Stage(ctx context.Context, acc remote.Accessor, p Params, rep *report.Report, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for _, name := range p.Mapping.Names() {
		coll := p.Mapping.Collections[name]
		id, created, err := Ensure(ctx, acc, coll, p, logger)
		if err != nil {
			return err
		}
		if !created {
			if err := schemasync.Stage(ctx, acc, coll, id, rep, logger); err != nil {
				return err
			}
		}
		if err := upsert.Stage(ctx, acc, coll, id, p.Rows[name], rep, logger); err != nil {
			return fmt.Errorf("import %s: %w", name, err)
		}
	}
	return nil
}
