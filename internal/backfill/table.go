package backfill

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/marcus/csvmirror/internal/keynorm"
	"github.com/marcus/csvmirror/internal/remote"
)

// Table maps target names to record ids. It is built by listing the target
// collection once and kept current as targets are created.
type Table struct {
	byKey map[string]entry
}

type entry struct {
	name string
	id   string
	rec  remote.Record
}

// NewTable indexes target records by their title. When titles collide the
// newest record wins.
func NewTable(records []remote.Record, titleField string) *Table {
	t := &Table{byKey: make(map[string]entry, len(records))}
	for _, r := range records {
		name := r.Text(titleField)
		k := keynorm.Text(name)
		if k == "" {
			continue
		}
		if prev, ok := t.byKey[k]; ok && !newer(r, prev.rec) {
			continue
		}
		t.byKey[k] = entry{name: name, id: r.ID, rec: r}
	}
	return t
}

func newer(a, b remote.Record) bool {
	if !a.LastEdited.Equal(b.LastEdited) {
		return a.LastEdited.After(b.LastEdited)
	}
	return a.ID < b.ID
}

// Lookup returns the id of a target by name.
func (t *Table) Lookup(name string) (string, bool) {
	e, ok := t.byKey[keynorm.Text(name)]
	return e.id, ok
}

// Add records a target.
func (t *Table) Add(name, id string) {
	t.byKey[keynorm.Text(name)] = entry{name: name, id: id}
}

// Snapshot returns the table as name -> id.
func (t *Table) Snapshot() map[string]string {
	out := make(map[string]string, len(t.byKey))
	for _, e := range t.byKey {
		out[e.name] = e.id
	}
	return out
}

// DuplicateTargets returns target titles carried by more than one live record,
// sorted.
func DuplicateTargets(records []remote.Record, titleField string) []string {
	counts := make(map[string]int)
	names := make(map[string]string)
	for _, r := range records {
		name := r.Text(titleField)
		k := keynorm.Text(name)
		if k == "" {
			continue
		}
		counts[k]++
		if _, ok := names[k]; !ok {
			names[k] = name
		}
	}
	var out []string
	for k, n := range counts {
		if n > 1 {
			out = append(out, names[k])
		}
	}
	sort.Strings(out)
	return out
}

// SnapshotFile returns the snapshot path of a target within dir.
func SnapshotFile(dir, target string) string {
	return filepath.Join(dir, target+"_db.json")
}

// WriteSnapshot writes the name -> id table of a target atomically.
func WriteSnapshot(dir, target string, t *Table) error {
	data, err := json.MarshalIndent(t.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	path := SnapshotFile(dir, target)
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}
