package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/marcus/csvmirror/internal/dataset"
	"github.com/marcus/csvmirror/internal/manifest"
	"github.com/marcus/csvmirror/internal/remote"
	"github.com/marcus/csvmirror/internal/report"
	"github.com/marcus/csvmirror/internal/schema"
)

const sampleMapping = `
prefix: 7H_
databases:
  db_tasks:
    title: Título
    properties:
      Categoria: select
targets:
  projects:
    name: Proyectos
    title: Nombre
relations:
  - collection: tasks
    field: Proyecto
    target: projects
    category: Categoria
`

type fixture struct {
	mem      *remote.Memory
	mapping  *schema.Mapping
	manifest *manifest.Manifest
	tasksID  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mp, err := schema.ParseMapping([]byte(sampleMapping), "7H_")
	if err != nil {
		t.Fatal(err)
	}
	mem := remote.NewMemory()
	tasksID := mem.AddCollection("7H_tasks", map[string]remote.FieldSpec{
		"Título":    {Type: schema.FieldTitle},
		"Categoria": {Type: schema.FieldSelect},
	})
	m := manifest.New(t.TempDir() + "/manifest.json")
	m.Set("tasks", tasksID)
	return &fixture{mem: mem, mapping: mp, manifest: m, tasksID: tasksID}
}

func (f *fixture) task(title, category string) string {
	props := map[string]remote.Value{"Título": remote.TextValue(schema.FieldTitle, title)}
	if category != "" {
		props["Categoria"] = remote.Value{Type: schema.FieldSelect, Text: category}
	}
	return f.mem.Seed(f.tasksID, props, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
}

func (f *fixture) params(rows []dataset.Row, dir string) Params {
	return Params{
		Mapping:     f.mapping,
		Manifest:    f.manifest,
		Rows:        map[string][]dataset.Row{"tasks": rows},
		ParentID:    "page-parent",
		SnapshotDir: dir,
	}
}

func TestStage_CreatesMissingTargetAndLinks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	recID := f.task("Website Redesign", "Growth")
	rows := []dataset.Row{dataset.NewRow(map[string]string{"Título": "Website Redesign", "Categoria": "Growth"})}
	dir := t.TempDir()

	rep := report.New("backfill")
	if err := Stage(ctx, f.mem, f.params(rows, dir), rep, nil); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	projectsID, ok := f.manifest.Get("projects")
	if !ok {
		t.Fatal("target not recorded in manifest")
	}
	targets := f.mem.Live(projectsID)
	if len(targets) != 1 || targets[0].Text("Nombre") != "Growth" {
		t.Fatalf("targets = %+v", targets)
	}
	rec, _ := f.mem.Record(recID)
	link := rec.Properties["Proyecto"]
	if len(link.IDs) != 1 || link.IDs[0] != targets[0].ID {
		t.Errorf("link = %+v, want %s", link, targets[0].ID)
	}
	if got := rep.For("tasks").LinksCreated; got != 1 {
		t.Errorf("LinksCreated = %d", got)
	}
	if got := rep.For("projects").TargetsCreated; got != 1 {
		t.Errorf("TargetsCreated = %d", got)
	}

	data, err := os.ReadFile(SnapshotFile(dir, "projects"))
	if err != nil {
		t.Fatal(err)
	}
	var snap map[string]string
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatal(err)
	}
	if snap["Growth"] != targets[0].ID {
		t.Errorf("snapshot = %v", snap)
	}
}

func TestStage_SecondRunIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.task("a", "Growth")
	f.task("b", "Ops")
	rows := []dataset.Row{
		dataset.NewRow(map[string]string{"Título": "a", "Categoria": "Growth"}),
		dataset.NewRow(map[string]string{"Título": "b", "Categoria": "Ops"}),
	}
	if err := Stage(ctx, f.mem, f.params(rows, ""), report.New("backfill"), nil); err != nil {
		t.Fatal(err)
	}

	f.mem.ResetCalls()
	rep := report.New("backfill")
	if err := Stage(ctx, f.mem, f.params(rows, ""), rep, nil); err != nil {
		t.Fatal(err)
	}
	if rep.Totals().Mutations() != 0 {
		t.Errorf("second run mutations = %+v", rep.Totals())
	}
	for _, op := range []remote.Op{remote.OpCreate, remote.OpUpdate, remote.OpAddFields, remote.OpCreateCollection} {
		if n := f.mem.Calls(op); n != 0 {
			t.Errorf("%s calls = %d", op, n)
		}
	}
}

func TestStage_NeverReplacesExistingLinks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	projectsID := f.mem.AddCollection("7H_Proyectos", map[string]remote.FieldSpec{"Nombre": {Type: schema.FieldTitle}})
	other := f.mem.Seed(projectsID, map[string]remote.Value{"Nombre": remote.TextValue(schema.FieldTitle, "Legacy")}, time.Now())
	if _, err := EnsureRelation(ctx, f.mem, f.tasksID, "Proyecto", projectsID); err != nil {
		t.Fatal(err)
	}
	linked := f.mem.Seed(f.tasksID, map[string]remote.Value{
		"Título":    remote.TextValue(schema.FieldTitle, "already"),
		"Categoria": {Type: schema.FieldSelect, Text: "Growth"},
		"Proyecto":  remote.RelationValue(other),
	}, time.Now())
	before, _ := f.mem.Record(linked)

	if err := Stage(ctx, f.mem, f.params(nil, ""), report.New("backfill"), nil); err != nil {
		t.Fatal(err)
	}
	after, _ := f.mem.Record(linked)
	if !before.Properties["Proyecto"].Equal(after.Properties["Proyecto"]) || !after.LastEdited.Equal(before.LastEdited) {
		t.Errorf("linked record changed: %+v -> %+v", before.Properties["Proyecto"], after.Properties["Proyecto"])
	}
	if id, _ := f.manifest.Get("projects"); id != projectsID {
		t.Errorf("manifest projects = %q, want existing %q", id, projectsID)
	}
}

func TestLinker_ResolveFallsBackToQuery(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory()
	id := mem.AddCollection("7H_Proyectos", map[string]remote.FieldSpec{"Nombre": {Type: schema.FieldTitle}})
	l, _, err := NewLinker(ctx, mem, &Target{Name: "projects", ID: id, TitleField: "Nombre"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Created by someone else after the table was built.
	late := mem.Seed(id, map[string]remote.Value{"Nombre": remote.TextValue(schema.FieldTitle, "Growth")}, time.Now())

	got, created, err := l.Resolve(ctx, "Growth")
	if err != nil {
		t.Fatal(err)
	}
	if got != late || created {
		t.Errorf("Resolve = %s created=%v, want %s", got, created, late)
	}
	if n := len(mem.Live(id)); n != 1 {
		t.Errorf("targets = %d", n)
	}
}

func TestEnsureTarget(t *testing.T) {
	ctx := context.Background()
	coll := &schema.Collection{Name: "projects", Title: "7H_Proyectos", KeyField: "Nombre", KeyType: schema.FieldTitle, Fields: map[string]schema.FieldType{}}

	t.Run("newest of several by title", func(t *testing.T) {
		mem := remote.NewMemory()
		mem.AddCollection("7H_Proyectos", map[string]remote.FieldSpec{"Nombre": {Type: schema.FieldTitle}})
		newest := mem.AddCollection("7H_Proyectos", map[string]remote.FieldSpec{"Name": {Type: schema.FieldTitle}})
		m := manifest.New(t.TempDir() + "/manifest.json")
		got, err := EnsureTarget(ctx, mem, m, coll, "", nil)
		if err != nil {
			t.Fatal(err)
		}
		if got.ID != newest || got.TitleField != "Name" {
			t.Errorf("target = %+v, want %s with live title field", got, newest)
		}
		if id, _ := m.Get("projects"); id != newest {
			t.Errorf("manifest = %q", id)
		}
	})

	t.Run("stale manifest id", func(t *testing.T) {
		mem := remote.NewMemory()
		id := mem.AddCollection("7H_Proyectos", map[string]remote.FieldSpec{"Nombre": {Type: schema.FieldTitle}})
		m := manifest.New(t.TempDir() + "/manifest.json")
		m.Set("projects", "coll-gone")
		got, err := EnsureTarget(ctx, mem, m, coll, "", nil)
		if err != nil {
			t.Fatal(err)
		}
		if got.ID != id {
			t.Errorf("ID = %s, want %s", got.ID, id)
		}
	})

	t.Run("missing without parent", func(t *testing.T) {
		mem := remote.NewMemory()
		m := manifest.New(t.TempDir() + "/manifest.json")
		_, err := EnsureTarget(ctx, mem, m, coll, "", nil)
		if !errors.Is(err, remote.ErrNoParent) {
			t.Errorf("err = %v, want ErrNoParent", err)
		}
	})
}

func TestEnsureRelation(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory()
	src := mem.AddCollection("7H_tasks", map[string]remote.FieldSpec{
		"Título": {Type: schema.FieldTitle},
		"Notas":  {Type: schema.FieldText},
	})
	a := mem.AddCollection("7H_A", map[string]remote.FieldSpec{"Nombre": {Type: schema.FieldTitle}})
	b := mem.AddCollection("7H_B", map[string]remote.FieldSpec{"Nombre": {Type: schema.FieldTitle}})

	changed, err := EnsureRelation(ctx, mem, src, "Proyecto", a)
	if err != nil || !changed {
		t.Fatalf("create: changed=%v err=%v", changed, err)
	}
	changed, err = EnsureRelation(ctx, mem, src, "Proyecto", a)
	if err != nil || changed {
		t.Fatalf("noop: changed=%v err=%v", changed, err)
	}
	// No links yet, so repointing is allowed.
	changed, err = EnsureRelation(ctx, mem, src, "Proyecto", b)
	if err != nil || !changed {
		t.Fatalf("repoint: changed=%v err=%v", changed, err)
	}
	bRec := mem.Seed(b, map[string]remote.Value{"Nombre": remote.TextValue(schema.FieldTitle, "x")}, time.Now())
	mem.Seed(src, map[string]remote.Value{"Proyecto": remote.RelationValue(bRec)}, time.Now())
	if _, err := EnsureRelation(ctx, mem, src, "Proyecto", a); !errors.Is(err, ErrRelationConflict) {
		t.Errorf("repoint with links: err = %v, want ErrRelationConflict", err)
	}
	if _, err := EnsureRelation(ctx, mem, src, "Notas", a); !errors.Is(err, ErrRelationConflict) {
		t.Errorf("non-relation field: err = %v, want ErrRelationConflict", err)
	}
}

func TestDuplicateTargets(t *testing.T) {
	recs := []remote.Record{
		{ID: "1", Properties: map[string]remote.Value{"Nombre": remote.TextValue(schema.FieldTitle, "Growth")}},
		{ID: "2", Properties: map[string]remote.Value{"Nombre": remote.TextValue(schema.FieldTitle, "growth ")}},
		{ID: "3", Properties: map[string]remote.Value{"Nombre": remote.TextValue(schema.FieldTitle, "Ops")}},
	}
	got := DuplicateTargets(recs, "Nombre")
	if len(got) != 1 || got[0] != "Growth" {
		t.Errorf("DuplicateTargets = %v", got)
	}
}
