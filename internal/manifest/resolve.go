package manifest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/marcus/csvmirror/internal/remote"
	"github.com/marcus/csvmirror/internal/schema"
)

// ErrUnresolved is returned when a manifest entry points at a collection that
// no longer exists and no collection with the expected title can be found.
var ErrUnresolved = errors.New("manifest entry cannot be resolved")

// ErrMissingEntry is returned when a mapped collection has no manifest entry.
var ErrMissingEntry = errors.New("collection missing from manifest")

// Resolution describes what Resolve did for one collection.
type Resolution struct {
	Name  string
	OldID string
	NewID string
}

// Resolve checks that every mapped collection's id still exists. Stale ids
// are re-resolved by exact title search and amended in the manifest; the
// newest match wins. Targets are only checked when present, since backfill
// creates them on demand.
func Resolve(ctx context.Context, acc remote.Accessor, m *Manifest, mp *schema.Mapping, logger *slog.Logger) ([]Resolution, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var out []Resolution
	check := func(c *schema.Collection, required bool) error {
		id, ok := m.Get(c.Name)
		if !ok {
			if required {
				return fmt.Errorf("%w: %s", ErrMissingEntry, c.Name)
			}
			return nil
		}
		_, err := acc.GetCollection(ctx, id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, remote.ErrNotFound) {
			return fmt.Errorf("check %s: %w", c.Name, err)
		}
		ref, n, err := remote.FindCollectionByName(ctx, acc, c.Title)
		if err != nil {
			return fmt.Errorf("re-resolve %s: %w", c.Name, err)
		}
		if ref == nil {
			return fmt.Errorf("%w: %s (%s) not found and no collection titled %q", ErrUnresolved, c.Name, id, c.Title)
		}
		if n > 1 {
			logger.Warn("several collections share a title, using newest", "collection", c.Name, "title", c.Title, "matches", n)
		}
		logger.Info("manifest entry re-resolved", "collection", c.Name, "old", id, "new", ref.ID)
		m.Set(c.Name, ref.ID)
		out = append(out, Resolution{Name: c.Name, OldID: id, NewID: ref.ID})
		return nil
	}

	for _, name := range mp.Names() {
		if err := check(mp.Collections[name], true); err != nil {
			return out, err
		}
	}
	for _, name := range mp.TargetNames() {
		if err := check(mp.Targets[name], false); err != nil {
			return out, err
		}
	}
	return out, nil
}
