// Package upsert creates or updates remote records from source rows.
package upsert

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/marcus/csvmirror/internal/dataset"
	"github.com/marcus/csvmirror/internal/remote"
	"github.com/marcus/csvmirror/internal/report"
	"github.com/marcus/csvmirror/internal/schema"
)

// Action is what Upsert did with a row.
type Action string

const (
	ActionCreated   Action = "created"
	ActionUpdated   Action = "updated"
	ActionUnchanged Action = "unchanged"
	ActionSkipped   Action = "skipped"
)

// Outcome is the result of upserting one row.
type Outcome struct {
	Action Action
	ID     string
	Key    string
	// FieldErrors lists columns whose value could not be encoded; those
	// fields are left untouched.
	FieldErrors []string
}

// Index maps natural keys to the live record that represents them. It is
// built once per collection and kept current as the upserter writes.
type Index struct {
	byKey map[string]remote.Record
}

// NewIndex indexes records by natural key. When several records share a key
// the newest wins; duplicates are the reconciler's concern.
func NewIndex(coll *schema.Collection, records []remote.Record) *Index {
	idx := &Index{byKey: make(map[string]remote.Record, len(records))}
	for _, r := range records {
		k := r.Key(coll)
		if k == "" {
			continue
		}
		if prev, ok := idx.byKey[k]; ok && !newer(r, prev) {
			continue
		}
		idx.byKey[k] = r
	}
	return idx
}

func newer(a, b remote.Record) bool {
	if !a.LastEdited.Equal(b.LastEdited) {
		return a.LastEdited.After(b.LastEdited)
	}
	return a.ID < b.ID
}

// Lookup returns the record for a key.
func (idx *Index) Lookup(key string) (remote.Record, bool) {
	r, ok := idx.byKey[key]
	return r, ok
}

func (idx *Index) put(key string, r remote.Record) {
	idx.byKey[key] = r
}

// Upserter writes rows of one collection.
type Upserter struct {
	Acc          remote.Accessor
	Coll         *schema.Collection
	CollectionID string
	Index        *Index
	Logger       *slog.Logger
	// Unwritable maps declared fields the live collection lacks, or types
	// differently, to the reason. They are left out of every write.
	Unwritable   map[string]string
}

// New reads the live schema and lists the collection once, then returns an
// upserter over it.
func New(ctx context.Context, acc remote.Accessor, coll *schema.Collection, collectionID string, logger *slog.Logger) (*Upserter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	live, err := acc.GetCollection(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	records, err := acc.ListAll(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	return &Upserter{
		Acc:          acc,
		Coll:         coll,
		CollectionID: collectionID,
		Index:        NewIndex(coll, records),
		Logger:       logger,
		Unwritable:   Unwritable(coll, live),
	}, nil
}

// Unwritable returns the declared fields that live cannot accept, with the
// reason for each. Relations belong to the backfiller and are not checked.
func Unwritable(coll *schema.Collection, live *remote.Collection) map[string]string {
	out := make(map[string]string)
	for _, name := range coll.FieldNames() {
		want := coll.Fields[name]
		if name == coll.KeyField || want == schema.FieldRelation || want == schema.FieldTitle {
			continue
		}
		p, ok := live.Properties[name]
		switch {
		case !ok:
			out[name] = "missing from the remote collection"
		case p.Type != want:
			out[name] = fmt.Sprintf("remote field is %s, declared %s", p.Type, want)
		}
	}
	return out
}

// Props encodes the mapped fields of a row. A present column writes its
// value, a present but blank column clears the field and an absent column
// leaves it out. Range merges replace their source columns. Columns that
// cannot be encoded are reported and left out; a key that cannot be encoded
// is an error.
func Props(coll *schema.Collection, row dataset.Row) (map[string]remote.Value, []string, error) {
	props := make(map[string]remote.Value, len(coll.Fields)+1)
	var bad []string

	keyVal, err := remote.Parse(coll.KeyType, row.Value(coll.KeyField))
	if err != nil {
		return nil, nil, fmt.Errorf("key %s: %w", coll.KeyField, err)
	}
	props[coll.KeyField] = keyVal

	for _, name := range coll.FieldNames() {
		t := coll.Fields[name]
		if r, ok := coll.Ranges[name]; ok {
			start, hasStart := row.Get(r.Start)
			end, hasEnd := row.Get(r.End)
			if !hasStart && !hasEnd {
				raw, ok := row.Get(name)
				if !ok {
					continue
				}
				start = raw
			}
			v, err := remote.DateRangeValue(start, end)
			if err != nil {
				bad = append(bad, fmt.Sprintf("%s: %v", name, err))
				continue
			}
			props[name] = v
			continue
		}
		if t == schema.FieldRelation || t == schema.FieldTitle {
			continue
		}
		raw, ok := row.Get(name)
		if !ok {
			continue
		}
		v, err := remote.Parse(t, raw)
		if err != nil {
			bad = append(bad, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		props[name] = v
	}
	return props, bad, nil
}

// Changed returns the subset of want that differs from the record.
func Changed(rec remote.Record, want map[string]remote.Value) map[string]remote.Value {
	out := make(map[string]remote.Value)
	for name, v := range want {
		cur, ok := rec.Properties[name]
		if !ok {
			if v.IsEmpty() {
				continue
			}
			out[name] = v
			continue
		}
		if !cur.Equal(v) {
			out[name] = v
		}
	}
	return out
}

// Upsert finds or creates the record for row and writes its mapped fields.
// Immediately before creating, the key is looked up again on the remote so a
// record created concurrently is updated rather than duplicated.
func (u *Upserter) Upsert(ctx context.Context, row dataset.Row) (Outcome, error) {
	key := row.Key(u.Coll)
	out := Outcome{Key: key}
	if key == "" {
		out.Action = ActionSkipped
		return out, nil
	}
	props, bad, err := Props(u.Coll, row)
	if err != nil {
		return out, err
	}
	out.FieldErrors = bad
	for name := range u.Unwritable {
		delete(props, name)
	}

	if rec, ok := u.Index.Lookup(key); ok {
		return u.update(ctx, rec, props, out)
	}

	lookup := props[u.Coll.KeyField].PlainText()
	found, err := u.Acc.FindByExactField(ctx, u.CollectionID, u.Coll.KeyField, u.Coll.KeyType, lookup)
	if err != nil {
		return out, fmt.Errorf("re-check %q: %w", lookup, err)
	}
	if found != nil {
		u.Logger.Info("record appeared before create, updating instead", "collection", u.Coll.Name, "key", key, "record", found.ID)
		u.Index.put(key, *found)
		return u.update(ctx, *found, props, out)
	}

	for name, v := range props {
		if v.IsEmpty() {
			delete(props, name)
		}
	}
	rec, err := u.Acc.Create(ctx, u.CollectionID, props)
	if err != nil {
		return out, err
	}
	u.Index.put(key, *rec)
	out.Action = ActionCreated
	out.ID = rec.ID
	return out, nil
}

func (u *Upserter) update(ctx context.Context, rec remote.Record, props map[string]remote.Value, out Outcome) (Outcome, error) {
	out.ID = rec.ID
	diff := Changed(rec, props)
	if len(diff) == 0 {
		out.Action = ActionUnchanged
		return out, nil
	}
	if err := u.Acc.Update(ctx, rec.ID, diff); err != nil {
		return out, err
	}
	if rec.Properties == nil {
		rec.Properties = make(map[string]remote.Value, len(diff))
	}
	for name, v := range diff {
		rec.Properties[name] = v
	}
	u.Index.put(out.Key, rec)
	out.Action = ActionUpdated
	return out, nil
}

// Stage upserts every row of a collection. A failing row is recorded and the
// next row proceeds; only the initial listing can fail the stage.
func Stage(ctx context.Context, acc remote.Accessor, coll *schema.Collection, collectionID string, rows []dataset.Row, rep *report.Report, logger *slog.Logger) error {
	u, err := New(ctx, acc, coll, collectionID, logger)
	if err != nil {
		return err
	}
	for _, name := range slices.Sorted(maps.Keys(u.Unwritable)) {
		u.Logger.Warn("field not written", "collection", coll.Name, "field", name, "reason", u.Unwritable[name])
		rep.Note(coll.Name, "field %s not written: %s", name, u.Unwritable[name])
	}
	counts := rep.For(coll.Name)
	for _, row := range rows {
		out, err := u.Upsert(ctx, row)
		for _, fe := range out.FieldErrors {
			rep.Note(coll.Name, "line %d: %s", row.Line, fe)
		}
		if err != nil {
			action := "update"
			if out.ID == "" {
				action = "create"
			}
			u.Logger.Warn("upsert failed", "collection", coll.Name, "key", out.Key, "action", action, "err", err)
			rep.Fail(coll.Name, out.Key, action, out.ID, err)
			continue
		}
		switch out.Action {
		case ActionCreated:
			counts.Created++
			u.Logger.Info("created", "collection", coll.Name, "key", out.Key, "record", out.ID)
		case ActionUpdated:
			counts.Updated++
			u.Logger.Info("updated", "collection", coll.Name, "key", out.Key, "record", out.ID)
		case ActionUnchanged:
			counts.Unchanged++
		case ActionSkipped:
			counts.Skipped++
			u.Logger.Debug("skipped row without key", "collection", coll.Name, "line", row.Line)
		}
	}
	return nil
}
