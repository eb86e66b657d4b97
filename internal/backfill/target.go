// Package backfill links source records to a target collection from a
// denormalized category value. Links are only ever added.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/marcus/csvmirror/internal/manifest"
	"github.com/marcus/csvmirror/internal/remote"
	"github.com/marcus/csvmirror/internal/schema"
)

// ErrRelationConflict is returned when the relation field exists with a
// shape that cannot be changed without losing data.
var ErrRelationConflict = errors.New("relation field conflict")

// Target is a resolved target collection.
type Target struct {
	Name       string
	ID         string
	TitleField string
	Created    bool
}

// EnsureTarget resolves the canonical collection of a target: the manifest id
// when it still exists, else the newest collection with the expected title,
// else a new collection under parentID. The manifest is amended in memory;
// saving it is up to the caller.
func EnsureTarget(ctx context.Context, acc remote.Accessor, m *manifest.Manifest, coll *schema.Collection, parentID string, logger *slog.Logger) (*Target, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Target{Name: coll.Name, TitleField: coll.KeyField}

	if id, ok := m.Get(coll.Name); ok {
		live, err := acc.GetCollection(ctx, id)
		switch {
		case err == nil:
			t.ID = id
			if f := live.TitleField(); f != "" {
				t.TitleField = f
			}
			return t, nil
		case !errors.Is(err, remote.ErrNotFound):
			return nil, fmt.Errorf("target %s: %w", coll.Name, err)
		}
		logger.Warn("manifest target is gone, searching by title", "target", coll.Name, "id", id)
	}

	ref, n, err := remote.FindCollectionByName(ctx, acc, coll.Title)
	if err != nil {
		return nil, fmt.Errorf("search target %s: %w", coll.Title, err)
	}
	if ref != nil {
		if n > 1 {
			logger.Warn("several target collections share a title, using newest", "title", coll.Title, "matches", n, "id", ref.ID)
		}
		live, err := acc.GetCollection(ctx, ref.ID)
		if err != nil {
			return nil, fmt.Errorf("target %s: %w", coll.Title, err)
		}
		if f := live.TitleField(); f != "" {
			t.TitleField = f
		}
		t.ID = ref.ID
		m.Set(coll.Name, ref.ID)
		return t, nil
	}

	if parentID == "" {
		return nil, fmt.Errorf("%w: target %s does not exist", remote.ErrNoParent, coll.Title)
	}
	fields := map[string]remote.FieldSpec{coll.KeyField: {Type: schema.FieldTitle}}
	for name, ft := range coll.Fields {
		if !ft.Creatable() || ft == schema.FieldRelation {
			logger.Warn("target field not created", "target", coll.Name, "field", name, "type", ft.String())
			continue
		}
		fields[name] = remote.FieldSpec{Type: ft}
	}
	created, err := acc.CreateCollection(ctx, parentID, coll.Title, fields)
	if err != nil {
		return nil, fmt.Errorf("create target %s: %w", coll.Title, err)
	}
	logger.Info("target collection created", "target", coll.Name, "title", coll.Title, "id", created.ID)
	t.ID = created.ID
	t.Created = true
	m.Set(coll.Name, created.ID)
	return t, nil
}

// EnsureRelation makes field on the source collection a relation pointing at
// targetID. A missing field is created. A relation pointing elsewhere is
// repointed only while no live record carries a link through it.
func EnsureRelation(ctx context.Context, acc remote.Accessor, sourceID, field, targetID string) (bool, error) {
	live, err := acc.GetCollection(ctx, sourceID)
	if err != nil {
		return false, fmt.Errorf("get schema: %w", err)
	}
	if p, ok := live.Properties[field]; ok {
		if p.Type != schema.FieldRelation {
			return false, fmt.Errorf("%w: %s is %s, not a relation", ErrRelationConflict, field, p.Type)
		}
		if p.Target == targetID {
			return false, nil
		}
		records, err := acc.ListAll(ctx, sourceID)
		if err != nil {
			return false, fmt.Errorf("list %s: %w", live.Title, err)
		}
		for i := range records {
			if v, ok := records[i].Properties[field]; ok && !v.IsEmpty() {
				return false, fmt.Errorf("%w: %s points at %s and already has links", ErrRelationConflict, field, p.Target)
			}
		}
	}
	spec := map[string]remote.FieldSpec{field: {Type: schema.FieldRelation, Target: targetID}}
	if err := acc.AddFields(ctx, sourceID, spec); err != nil {
		return false, fmt.Errorf("relation %s: %w", field, err)
	}
	return true, nil
}
