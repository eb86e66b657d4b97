// Package preflight detects conditions that make a run unsafe before any
// mutating stage starts.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/marcus/csvmirror/internal/manifest"
	"github.com/marcus/csvmirror/internal/reconcile"
	"github.com/marcus/csvmirror/internal/remote"
	"github.com/marcus/csvmirror/internal/report"
	"github.com/marcus/csvmirror/internal/schema"
)

// ErrHazard is returned when duplicate canonical collections exist and could
// not be remediated.
var ErrHazard = errors.New("pre-run hazard")

// DuplicateCollection is a logical collection with more than one remote
// collection carrying its title.
type DuplicateCollection struct {
	Name      string
	Canonical string
	Others    []remote.CollectionRef
}

// DuplicateKeys lists natural keys held by several live records.
type DuplicateKeys struct {
	Collection string
	Keys       []string
}

// Hazards is the result of a check.
type Hazards struct {
	Collections []DuplicateCollection
	Keys        []DuplicateKeys
}

// Fatal reports whether a run must not proceed. Duplicate keys alone are
// handled by the dedupe stage and are not fatal.
func (h Hazards) Fatal() bool { return len(h.Collections) > 0 }

func (h Hazards) String() string {
	var parts []string
	for _, d := range h.Collections {
		ids := make([]string, len(d.Others))
		for i, o := range d.Others {
			ids[i] = o.ID
		}
		parts = append(parts, fmt.Sprintf("%s has duplicate collections %s besides %s", d.Name, strings.Join(ids, ", "), d.Canonical))
	}
	for _, k := range h.Keys {
		parts = append(parts, fmt.Sprintf("%s has %d duplicated keys", k.Collection, len(k.Keys)))
	}
	return strings.Join(parts, "; ")
}

// titles returns the titles a collection may have been created under.
func titles(c *schema.Collection, prefix string) []string {
	out := []string{c.Title}
	if bare := strings.TrimPrefix(c.Title, prefix); bare != c.Title && bare != "" {
		out = append(out, bare)
	}
	return out
}

// Check looks for duplicate collections of every mapped collection and
// target, and for duplicate natural keys in mapped collections. Nothing is
// modified.
func Check(ctx context.Context, acc remote.Accessor, mp *schema.Mapping, m *manifest.Manifest) (Hazards, error) {
	var h Hazards
	names := append(mp.Names(), mp.TargetNames()...)
	for _, name := range names {
		c, _ := mp.Collection(name)
		seen := make(map[string]bool)
		var refs []remote.CollectionRef
		for _, title := range titles(c, mp.Prefix) {
			found, err := acc.FindCollectionsByName(ctx, title)
			if err != nil {
				return h, fmt.Errorf("search %q: %w", title, err)
			}
			for _, r := range found {
				if !seen[r.ID] {
					seen[r.ID] = true
					refs = append(refs, r)
				}
			}
		}
		if len(refs) < 2 {
			continue
		}
		remote.SortRefs(refs)
		canonical, ok := m.Get(name)
		if !ok {
			canonical = refs[0].ID
		}
		d := DuplicateCollection{Name: name, Canonical: canonical}
		for _, r := range refs {
			if r.ID != canonical {
				d.Others = append(d.Others, r)
			}
		}
		if len(d.Others) > 0 {
			h.Collections = append(h.Collections, d)
		}
	}

	for _, name := range mp.Names() {
		id, ok := m.Get(name)
		if !ok {
			continue
		}
		c := mp.Collections[name]
		records, err := acc.ListAll(ctx, id)
		if err != nil {
			return h, fmt.Errorf("list %s: %w", name, err)
		}
		groups := reconcile.DuplicateGroups(c, records)
		if len(groups) == 0 {
			continue
		}
		dk := DuplicateKeys{Collection: name}
		for k := range groups {
			dk.Keys = append(dk.Keys, k)
		}
		sort.Strings(dk.Keys)
		h.Keys = append(h.Keys, dk)
	}
	return h, nil
}

// Remediate archives duplicate collections that hold no live records and
// archives duplicate records, keeping the newest of each key. Non-empty
// duplicate collections are left for the operator.
func Remediate(ctx context.Context, acc remote.Accessor, h Hazards, mp *schema.Mapping, m *manifest.Manifest, rep *report.Report, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for _, d := range h.Collections {
		for _, o := range d.Others {
			records, err := acc.ListAll(ctx, o.ID)
			if err != nil {
				return fmt.Errorf("list duplicate %s: %w", o.ID, err)
			}
			if len(records) > 0 {
				rep.Note(d.Name, "duplicate collection %s holds %d records; resolve by hand", o.ID, len(records))
				continue
			}
			if err := acc.ArchiveCollection(ctx, o.ID); err != nil {
				rep.Fail(d.Name, "", "archive_collection", o.ID, err)
				continue
			}
			logger.Info("archived empty duplicate collection", "collection", d.Name, "id", o.ID)
		}
	}
	for _, dk := range h.Keys {
		c := mp.Collections[dk.Collection]
		id, _ := m.Get(dk.Collection)
		records, err := acc.ListAll(ctx, id)
		if err != nil {
			return fmt.Errorf("list %s: %w", dk.Collection, err)
		}
		reconcile.Apply(ctx, acc, c, reconcile.Deduplicate(c, records), rep, logger)
	}
	return nil
}

// Run checks for hazards. With autoDedupe set, hazards are remediated and the
// check repeated; a fatal hazard that remains is returned wrapped in
// ErrHazard.
func Run(ctx context.Context, acc remote.Accessor, mp *schema.Mapping, m *manifest.Manifest, autoDedupe bool, rep *report.Report, logger *slog.Logger) (Hazards, error) {
	if logger == nil {
		logger = slog.Default()
	}
	h, err := Check(ctx, acc, mp, m)
	if err != nil {
		return h, err
	}
	for _, dk := range h.Keys {
		rep.Note(dk.Collection, "%d natural keys are held by several records", len(dk.Keys))
	}
	if !h.Fatal() && (!autoDedupe || len(h.Keys) == 0) {
		return h, nil
	}
	if !autoDedupe {
		return h, fmt.Errorf("%w: %s", ErrHazard, h)
	}

	logger.Warn("remediating pre-run hazards", "hazards", h.String())
	if err := Remediate(ctx, acc, h, mp, m, rep, logger); err != nil {
		return h, err
	}
	h, err = Check(ctx, acc, mp, m)
	if err != nil {
		return h, err
	}
	if h.Fatal() {
		return h, fmt.Errorf("%w: persists after dedupe: %s", ErrHazard, h)
	}
	return h, nil
}
