package backfill

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/marcus/csvmirror/internal/dataset"
	"github.com/marcus/csvmirror/internal/keynorm"
	"github.com/marcus/csvmirror/internal/manifest"
	"github.com/marcus/csvmirror/internal/remote"
	"github.com/marcus/csvmirror/internal/report"
	"github.com/marcus/csvmirror/internal/schema"
)

// Linker resolves category names to target record ids, creating targets that
// do not exist yet.
type Linker struct {
	Acc    remote.Accessor
	Target *Target
	Table  *Table
	Logger *slog.Logger
}

// NewLinker lists the target collection once and builds its name table.
func NewLinker(ctx context.Context, acc remote.Accessor, target *Target, logger *slog.Logger) (*Linker, []remote.Record, error) {
	if logger == nil {
		logger = slog.Default()
	}
	records, err := acc.ListAll(ctx, target.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("list target %s: %w", target.Name, err)
	}
	return &Linker{
		Acc:    acc,
		Target: target,
		Table:  NewTable(records, target.TitleField),
		Logger: logger,
	}, records, nil
}

// Resolve returns the id of the target named name: from the table, then by
// exact title query, then by creating it. created reports the last case.
func (l *Linker) Resolve(ctx context.Context, name string) (id string, created bool, err error) {
	if id, ok := l.Table.Lookup(name); ok {
		return id, false, nil
	}
	found, err := l.Acc.FindByExactField(ctx, l.Target.ID, l.Target.TitleField, schema.FieldTitle, name)
	if err != nil {
		return "", false, fmt.Errorf("find target %q: %w", name, err)
	}
	if found != nil {
		l.Table.Add(name, found.ID)
		return found.ID, false, nil
	}
	rec, err := l.Acc.Create(ctx, l.Target.ID, map[string]remote.Value{
		l.Target.TitleField: remote.TextValue(schema.FieldTitle, name),
	})
	if err != nil {
		return "", false, fmt.Errorf("create target %q: %w", name, err)
	}
	l.Logger.Info("target created", "target", l.Target.Name, "name", name, "record", rec.ID)
	l.Table.Add(name, rec.ID)
	return rec.ID, true, nil
}

// Seed makes sure a target record exists for every category name.
func (l *Linker) Seed(ctx context.Context, names []string, counts *report.Counts, rep *report.Report) {
	for _, name := range names {
		_, created, err := l.Resolve(ctx, name)
		if err != nil {
			l.Logger.Warn("seed target failed", "target", l.Target.Name, "name", name, "err", err)
			rep.Fail(l.Target.Name, name, "create", "", err)
			continue
		}
		if created {
			counts.TargetsCreated++
		}
	}
}

// Backfill links every live source record whose relation field is empty to
// the target named by its category field. Records that already carry a link
// are never modified. Only the listing can fail the call.
func (l *Linker) Backfill(ctx context.Context, sourceName, sourceID string, rel schema.Relation, rep *report.Report) error {
	records, err := l.Acc.ListAll(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("list %s: %w", sourceName, err)
	}
	counts := rep.For(sourceName)
	for i := range records {
		rec := &records[i]
		if v, ok := rec.Properties[rel.Field]; ok && !v.IsEmpty() {
			continue
		}
		category := rec.Text(rel.Category)
		if keynorm.Text(category) == "" {
			continue
		}
		id, created, err := l.Resolve(ctx, category)
		if err != nil {
			rep.Fail(sourceName, category, "resolve", rec.ID, err)
			continue
		}
		if created {
			rep.For(l.Target.Name).TargetsCreated++
		}
		if err := l.Acc.Update(ctx, rec.ID, map[string]remote.Value{rel.Field: remote.RelationValue(id)}); err != nil {
			l.Logger.Warn("link failed", "collection", sourceName, "record", rec.ID, "category", category, "err", err)
			rep.Fail(sourceName, category, "link", rec.ID, err)
			continue
		}
		counts.LinksCreated++
		l.Logger.Debug("linked", "collection", sourceName, "record", rec.ID, "target", id)
	}
	return nil
}

// Params is the explicit state the backfill stage works on.
type Params struct {
	Mapping  *schema.Mapping
	Manifest *manifest.Manifest
	Rows     map[string][]dataset.Row // source rows by collection name
	ParentID string
	// SnapshotDir receives <target>_db.json files. Empty disables snapshots.
	SnapshotDir string
}

// Stage processes every relation of the mapping. Relations sharing a target
// share one name table.
func Stage(ctx context.Context, acc remote.Accessor, p Params, rep *report.Report, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	linkers := make(map[string]*Linker)

	for _, rel := range p.Mapping.Relations {
		src := p.Mapping.Collections[rel.Collection]
		sourceID, ok := p.Manifest.Get(rel.Collection)
		if !ok {
			return fmt.Errorf("%w: %s", manifest.ErrMissingEntry, rel.Collection)
		}
		targetColl, _ := p.Mapping.Collection(rel.Target)

		l, ok := linkers[rel.Target]
		if !ok {
			target, err := EnsureTarget(ctx, acc, p.Manifest, targetColl, p.ParentID, logger)
			if err != nil {
				return err
			}
			var records []remote.Record
			l, records, err = NewLinker(ctx, acc, target, logger)
			if err != nil {
				return err
			}
			for _, name := range DuplicateTargets(records, target.TitleField) {
				rep.Note(rel.Target, "duplicate target %q; links use the newest", name)
				logger.Warn("duplicate target", "target", rel.Target, "name", name)
			}
			linkers[rel.Target] = l
		}

		changed, err := EnsureRelation(ctx, acc, sourceID, rel.Field, l.Target.ID)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", src.Name, rel.Field, err)
		}
		if changed {
			rep.For(src.Name).FieldsAdded++
			logger.Info("relation field set", "collection", src.Name, "field", rel.Field, "target", l.Target.ID)
		}

		l.Seed(ctx, dataset.Categories(p.Rows[rel.Collection], rel.Category), rep.For(rel.Target), rep)
		if err := l.Backfill(ctx, src.Name, sourceID, rel, rep); err != nil {
			return err
		}
	}

	if p.SnapshotDir == "" {
		return nil
	}
	for name, l := range linkers {
		if err := WriteSnapshot(p.SnapshotDir, name, l.Table); err != nil {
			return err
		}
	}
	return nil
}
