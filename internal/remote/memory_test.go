package remote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/marcus/csvmirror/internal/schema"
)

func newTasks(m *Memory) string {
	return m.AddCollection("7H_tasks", map[string]FieldSpec{
		"Name":   {Type: schema.FieldTitle},
		"Estado": {Type: schema.FieldSelect},
	})
}

func TestMemory_ArchiveHidesFromListing(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	coll := newTasks(m)
	keep := m.Seed(coll, map[string]Value{"Name": TextValue(schema.FieldTitle, "a")}, time.Now())
	gone := m.Seed(coll, map[string]Value{"Name": TextValue(schema.FieldTitle, "b")}, time.Now())

	if err := m.Archive(ctx, gone); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	recs, err := m.ListAll(ctx, coll)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != keep {
		t.Fatalf("ListAll = %+v, want only %s", recs, keep)
	}
	if r, ok := m.Record(gone); !ok || !r.Archived {
		t.Error("archived record should stay retrievable by id")
	}
	if err := m.Update(ctx, gone, nil); !errors.Is(err, ErrValidation) {
		t.Errorf("update archived: got %v, want ErrValidation", err)
	}
}

func TestMemory_WritesBumpEditTime(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	coll := newTasks(m)
	rec, err := m.Create(ctx, coll, map[string]Value{"Name": TextValue(schema.FieldTitle, "a")})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Update(ctx, rec.ID, map[string]Value{"Estado": {Type: schema.FieldSelect, Text: "Hecho"}}); err != nil {
		t.Fatal(err)
	}
	got, _ := m.Record(rec.ID)
	if !got.LastEdited.After(rec.LastEdited) {
		t.Errorf("LastEdited %v not after %v", got.LastEdited, rec.LastEdited)
	}
	if got.Text("Estado") != "Hecho" || got.Text("Name") != "a" {
		t.Errorf("properties = %+v", got.Properties)
	}
}

func TestMemory_RejectsUnknownProperty(t *testing.T) {
	m := NewMemory()
	coll := newTasks(m)
	_, err := m.Create(context.Background(), coll, map[string]Value{"Nope": TextValue(schema.FieldText, "x")})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("got %v, want ErrValidation", err)
	}
}

func TestMemory_AddFields(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	coll := newTasks(m)
	if err := m.AddFields(ctx, coll, map[string]FieldSpec{"Fase": {Type: schema.FieldStatus}}); !errors.Is(err, ErrUnsupportedField) {
		t.Errorf("status: got %v, want ErrUnsupportedField", err)
	}
	if err := m.AddFields(ctx, coll, map[string]FieldSpec{"Link": {Type: schema.FieldRelation, Target: "x"}}); err != nil {
		t.Fatal(err)
	}
	c, err := m.GetCollection(ctx, coll)
	if err != nil {
		t.Fatal(err)
	}
	if p := c.Properties["Link"]; p.Type != schema.FieldRelation || p.Target != "x" {
		t.Errorf("Link = %+v", p)
	}
	if c.TitleField() != "Name" {
		t.Errorf("TitleField() = %q", c.TitleField())
	}
}

func TestMemory_FindCollectionsByNameNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	older := newTasks(m)
	newer := newTasks(m)
	m.AddCollection("other", map[string]FieldSpec{"Name": {Type: schema.FieldTitle}})

	ref, n, err := FindCollectionByName(ctx, m, "7H_tasks")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || ref.ID != newer {
		t.Errorf("got %s (n=%d), want %s", ref.ID, n, newer)
	}

	if err := m.ArchiveCollection(ctx, newer); err != nil {
		t.Fatal(err)
	}
	ref, n, _ = FindCollectionByName(ctx, m, "7H_tasks")
	if n != 1 || ref.ID != older {
		t.Errorf("after archive got %v (n=%d)", ref, n)
	}
}

func TestMemory_FailureInjection(t *testing.T) {
	m := NewMemory()
	coll := newTasks(m)
	boom := errors.New("boom")
	m.Fail = func(op Op, id string) error {
		if op == OpList {
			return boom
		}
		return nil
	}
	if _, err := m.ListAll(context.Background(), coll); !errors.Is(err, boom) {
		t.Errorf("got %v, want boom", err)
	}
	if m.Calls(OpList) != 1 {
		t.Errorf("Calls(list) = %d", m.Calls(OpList))
	}
}

type countingLimiter struct{ n int }

func (c *countingLimiter) Wait(context.Context) error { c.n++; return nil }

func TestPaced(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	coll := newTasks(m)
	writes, reads := &countingLimiter{}, &countingLimiter{}
	p := NewPaced(m, writes, reads)

	rec, err := p.Create(ctx, coll, map[string]Value{"Name": TextValue(schema.FieldTitle, "a")})
	if err != nil {
		t.Fatal(err)
	}
	_ = p.Update(ctx, rec.ID, nil)
	_ = p.Archive(ctx, rec.ID)
	_, _ = p.ListAll(ctx, coll)
	_, _ = p.FindByExactField(ctx, coll, "Name", schema.FieldTitle, "a")

	if writes.n != 3 {
		t.Errorf("write waits = %d, want 3", writes.n)
	}
	if reads.n != 2 {
		t.Errorf("read waits = %d, want 2", reads.n)
	}
}

func TestPaced_CancelledContext(t *testing.T) {
	m := NewMemory()
	coll := newTasks(m)
	p := NewPaced(m, NewLimiter(time.Hour, 1), nil)
	ctx, cancel := context.WithCancel(context.Background())
	// First token is free.
	if _, err := p.Create(ctx, coll, map[string]Value{"Name": TextValue(schema.FieldTitle, "a")}); err != nil {
		t.Fatal(err)
	}
	cancel()
	if _, err := p.Create(ctx, coll, map[string]Value{"Name": TextValue(schema.FieldTitle, "b")}); err == nil {
		t.Error("expected error once the context is cancelled")
	}
	if m.Calls(OpCreate) != 1 {
		t.Errorf("creates = %d, want 1", m.Calls(OpCreate))
	}
}

func TestNewLimiter_Disabled(t *testing.T) {
	if NewLimiter(0, 1) != nil {
		t.Error("zero interval should disable pacing")
	}
}

func TestDryRun(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	coll := newTasks(m)
	d := NewDryRun(m, slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec, err := d.Create(ctx, coll, map[string]Value{"Name": TextValue(schema.FieldTitle, "a")})
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.ID) < len(DryPrefix) || rec.ID[:len(DryPrefix)] != DryPrefix {
		t.Errorf("id %q lacks dry prefix", rec.ID)
	}
	if m.Calls(OpCreate) != 0 || len(m.Live(coll)) != 0 {
		t.Error("dry run must not mutate the store")
	}

	c, err := d.CreateCollection(ctx, "parent", "7H_new", map[string]FieldSpec{"Name": {Type: schema.FieldTitle}})
	if err != nil {
		t.Fatal(err)
	}
	got, err := d.GetCollection(ctx, c.ID)
	if err != nil || got.Title != "7H_new" {
		t.Errorf("GetCollection(dry) = %+v, %v", got, err)
	}
	if _, err := d.Create(ctx, c.ID, map[string]Value{"Name": TextValue(schema.FieldTitle, "x")}); err != nil {
		t.Fatal(err)
	}
	recs, err := d.ListAll(ctx, c.ID)
	if err != nil || len(recs) != 1 {
		t.Errorf("ListAll(dry) = %d records, %v", len(recs), err)
	}
	refs, err := d.FindCollectionsByName(ctx, "7H_new")
	if err != nil || len(refs) != 1 {
		t.Errorf("FindCollectionsByName = %+v, %v", refs, err)
	}
}
