// Package reconcile decides which remote records are orphans or duplicates of
// the source dataset and archives them.
package reconcile

import (
	"context"
	"log/slog"
	"sort"

	"github.com/marcus/csvmirror/internal/dataset"
	"github.com/marcus/csvmirror/internal/remote"
	"github.com/marcus/csvmirror/internal/report"
	"github.com/marcus/csvmirror/internal/schema"
)

// Reason explains why a record is archived.
type Reason string

const (
	ReasonBlank     Reason = "blank_key"
	ReasonOrphan    Reason = "orphan"
	ReasonDuplicate Reason = "duplicate"
)

// Options tune the reconciliation policy.
type Options struct {
	// KeepBlankKeys leaves records with an empty natural key alone instead of
	// archiving them.
	KeepBlankKeys bool
}

// Decision is one record to archive.
type Decision struct {
	Record remote.Record
	Key    string
	Reason Reason
	KeptID string // survivor of the duplicate group, if any
}

// Result is the outcome of reconciling one collection.
type Result struct {
	Archive   []Decision
	Survivors map[string]remote.Record // one per allowed key
	KeptBlank []remote.Record
}

// AllowedKeys returns the natural keys present in the source rows.
func AllowedKeys(coll *schema.Collection, rows []dataset.Row) map[string]bool {
	allowed := make(map[string]bool, len(rows))
	for _, row := range rows {
		if k := row.Key(coll); k != "" {
			allowed[k] = true
		}
	}
	return allowed
}

// Group buckets records by natural key. Blank-keyed records are returned
// separately since they never share a group.
func Group(coll *schema.Collection, records []remote.Record) (map[string][]remote.Record, []remote.Record) {
	groups := make(map[string][]remote.Record)
	var blank []remote.Record
	for _, r := range records {
		k := r.Key(coll)
		if k == "" {
			blank = append(blank, r)
			continue
		}
		groups[k] = append(groups[k], r)
	}
	return groups, blank
}

// Newest orders records newest first. Equal edit times fall back to
// ascending record id so the survivor is deterministic.
func Newest(records []remote.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.LastEdited.Equal(b.LastEdited) {
			return a.LastEdited.After(b.LastEdited)
		}
		return a.ID < b.ID
	})
}

// Reconcile computes the archival decisions for one collection. It is pure:
// nothing is sent to the remote.
func Reconcile(coll *schema.Collection, rows []dataset.Row, records []remote.Record, opts Options) Result {
	allowed := AllowedKeys(coll, rows)
	groups, blank := Group(coll, records)
	res := Result{Survivors: make(map[string]remote.Record, len(groups))}

	for _, r := range blank {
		if opts.KeepBlankKeys {
			res.KeptBlank = append(res.KeptBlank, r)
			continue
		}
		res.Archive = append(res.Archive, Decision{Record: r, Reason: ReasonBlank})
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		members := groups[k]
		if !allowed[k] {
			for _, r := range members {
				res.Archive = append(res.Archive, Decision{Record: r, Key: k, Reason: ReasonOrphan})
			}
			continue
		}
		Newest(members)
		keep := members[0]
		res.Survivors[k] = keep
		for _, r := range members[1:] {
			res.Archive = append(res.Archive, Decision{Record: r, Key: k, Reason: ReasonDuplicate, KeptID: keep.ID})
		}
	}
	return res
}

// DuplicateGroups returns the keys shared by more than one record, with the
// records of each group newest first. Read-only.
func DuplicateGroups(coll *schema.Collection, records []remote.Record) map[string][]remote.Record {
	groups, _ := Group(coll, records)
	out := make(map[string][]remote.Record)
	for k, members := range groups {
		if len(members) > 1 {
			Newest(members)
			out[k] = members
		}
	}
	return out
}

// Deduplicate archives every member of a duplicate group except the newest
// and leaves orphans alone. It is used when no source dataset is at hand.
func Deduplicate(coll *schema.Collection, records []remote.Record) Result {
	groups := DuplicateGroups(coll, records)
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	res := Result{Survivors: make(map[string]remote.Record, len(groups))}
	for _, k := range keys {
		members := groups[k]
		res.Survivors[k] = members[0]
		for _, r := range members[1:] {
			res.Archive = append(res.Archive, Decision{Record: r, Key: k, Reason: ReasonDuplicate, KeptID: members[0].ID})
		}
	}
	return res
}

// Apply archives every decision. A failing archive is recorded in rep and
// does not stop the rest of the batch.
func Apply(ctx context.Context, acc remote.Accessor, coll *schema.Collection, res Result, rep *report.Report, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	counts := rep.For(coll.Name)
	for _, d := range res.Archive {
		if err := ctx.Err(); err != nil {
			rep.Fail(coll.Name, d.Key, "archive", d.Record.ID, err)
			continue
		}
		if err := acc.Archive(ctx, d.Record.ID); err != nil {
			logger.Warn("archive failed", "collection", coll.Name, "key", d.Key, "record", d.Record.ID, "err", err)
			rep.Fail(coll.Name, d.Key, "archive", d.Record.ID, err)
			continue
		}
		switch d.Reason {
		case ReasonDuplicate:
			counts.ArchivedDuplicate++
			logger.Info("archived duplicate", "collection", coll.Name, "key", d.Key, "record", d.Record.ID, "kept", d.KeptID)
		default:
			counts.ArchivedOrphan++
			logger.Info("archived orphan", "collection", coll.Name, "key", d.Key, "record", d.Record.ID, "reason", string(d.Reason))
		}
	}
}

// Stage lists a collection, reconciles it against rows and applies the
// result. A listing failure aborts the collection; archive failures do not.
func Stage(ctx context.Context, acc remote.Accessor, coll *schema.Collection, collectionID string, rows []dataset.Row, opts Options, rep *report.Report, logger *slog.Logger) error {
	records, err := acc.ListAll(ctx, collectionID)
	if err != nil {
		return err
	}
	res := Reconcile(coll, rows, records, opts)
	Apply(ctx, acc, coll, res, rep, logger)
	return nil
}
