package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/marcus/csvmirror/internal/dataset"
	"github.com/marcus/csvmirror/internal/manifest"
	"github.com/marcus/csvmirror/internal/remote"
	"github.com/marcus/csvmirror/internal/schema"
)

const sampleMapping = `
databases:
  tasks:
    title: Título
    properties:
      Categoria: select
      Horas: number
targets:
  projects:
    title: Nombre
relations:
  - collection: tasks
    field: Proyecto
    target: projects
    category: Categoria
`

type env struct {
	mem        *remote.Memory
	mp         *schema.Mapping
	m          *manifest.Manifest
	tasksID    string
	projectsID string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mp, err := schema.ParseMapping([]byte(sampleMapping), "7H_")
	if err != nil {
		t.Fatal(err)
	}
	mem := remote.NewMemory()
	projectsID := mem.AddCollection("7H_projects", map[string]remote.FieldSpec{"Nombre": {Type: schema.FieldTitle}})
	tasksID := mem.AddCollection("7H_tasks", map[string]remote.FieldSpec{
		"Título":    {Type: schema.FieldTitle},
		"Categoria": {Type: schema.FieldSelect},
		"Horas":     {Type: schema.FieldNumber},
		"Proyecto":  {Type: schema.FieldRelation, Target: projectsID},
	})
	m := manifest.New(filepath.Join(t.TempDir(), manifest.FileName))
	m.Set("tasks", tasksID)
	m.Set("projects", projectsID)
	return &env{mem: mem, mp: mp, m: m, tasksID: tasksID, projectsID: projectsID}
}

func (e *env) rowsAndRecords(n int, linked bool) []dataset.Row {
	target := e.mem.Seed(e.projectsID, map[string]remote.Value{"Nombre": remote.TextValue(schema.FieldTitle, "Growth")}, time.Now())
	var rows []dataset.Row
	for i := 0; i < n; i++ {
		title := fmt.Sprintf("task %d", i)
		rows = append(rows, dataset.NewRow(map[string]string{"Título": title, "Categoria": "Growth"}))
		props := map[string]remote.Value{
			"Título":    remote.TextValue(schema.FieldTitle, title),
			"Categoria": {Type: schema.FieldSelect, Text: "Growth"},
		}
		if linked {
			props["Proyecto"] = remote.RelationValue(target)
		}
		e.mem.Seed(e.tasksID, props, time.Now())
	}
	return rows
}

func TestRun_AllPass(t *testing.T) {
	e := newEnv(t)
	rows := e.rowsAndRecords(3, true)
	rep, err := Run(context.Background(), e.mem, e.mp, e.m, map[string][]dataset.Row{"tasks": rows}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Pass {
		t.Fatalf("expected pass:\n%s", rep.Summary())
	}
	if c, ok := rep.Find("tasks", CheckCoverage+":Proyecto"); !ok || c.Expected != "3" {
		t.Errorf("coverage check = %+v", c)
	}
}

func TestRun_CountMismatch(t *testing.T) {
	e := newEnv(t)
	rows := e.rowsAndRecords(9, true)
	rows = append(rows, dataset.NewRow(map[string]string{"Título": "task 9"}))

	rep, err := Run(context.Background(), e.mem, e.mp, e.m, map[string][]dataset.Row{"tasks": rows}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Pass {
		t.Fatal("expected failure")
	}
	c, ok := rep.Find("tasks", CheckCount)
	if !ok {
		t.Fatal("count check missing")
	}
	if c.Passed || c.Expected != "10" || c.Actual != "9" {
		t.Errorf("count check = %+v, want expected=10 actual=9", c)
	}
}

func TestRun_PartialBackfillIsMismatch(t *testing.T) {
	e := newEnv(t)
	rows := e.rowsAndRecords(2, false)
	rep, err := Run(context.Background(), e.mem, e.mp, e.m, map[string][]dataset.Row{"tasks": rows}, nil)
	if err != nil {
		t.Fatal(err)
	}
	c, _ := rep.Find("tasks", CheckCoverage+":Proyecto")
	if c.Passed || c.Expected != "2" || c.Actual != "0" {
		t.Errorf("coverage = %+v", c)
	}
}

func TestRun_TypeDriftAndMissingField(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	// Retype Horas on the remote side and drop nothing else.
	if err := e.mem.AddFields(ctx, e.tasksID, map[string]remote.FieldSpec{"Horas": {Type: schema.FieldText}}); err != nil {
		t.Fatal(err)
	}
	e.mp.Collections["tasks"].Fields["Url"] = schema.FieldURL

	rep, err := Run(ctx, e.mem, e.mp, e.m, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	horas, _ := rep.Find("tasks", CheckField+":Horas")
	if horas.Passed || horas.Actual != "rich_text" {
		t.Errorf("Horas = %+v", horas)
	}
	url, _ := rep.Find("tasks", CheckField+":Url")
	if url.Passed || url.Actual != "missing" {
		t.Errorf("Url = %+v", url)
	}
}

func TestRun_IsReadOnly(t *testing.T) {
	e := newEnv(t)
	rows := e.rowsAndRecords(2, false)
	if _, err := Run(context.Background(), e.mem, e.mp, e.m, map[string][]dataset.Row{"tasks": rows}, nil); err != nil {
		t.Fatal(err)
	}
	for _, op := range []remote.Op{remote.OpCreate, remote.OpUpdate, remote.OpArchive, remote.OpAddFields, remote.OpCreateCollection, remote.OpArchiveColl} {
		if n := e.mem.Calls(op); n != 0 {
			t.Errorf("%s called %d times", op, n)
		}
	}
}

func TestRun_Errors(t *testing.T) {
	t.Run("missing manifest entry", func(t *testing.T) {
		e := newEnv(t)
		m := manifest.New(filepath.Join(t.TempDir(), manifest.FileName))
		_, err := Run(context.Background(), e.mem, e.mp, m, nil, nil)
		if !errors.Is(err, manifest.ErrMissingEntry) {
			t.Errorf("err = %v", err)
		}
	})
	t.Run("listing failure", func(t *testing.T) {
		e := newEnv(t)
		e.mem.Fail = func(op remote.Op, _ string) error {
			if op == remote.OpList {
				return remote.ErrRateLimited
			}
			return nil
		}
		_, err := Run(context.Background(), e.mem, e.mp, e.m, nil, nil)
		if !errors.Is(err, remote.ErrRateLimited) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestReport_Outputs(t *testing.T) {
	rep := NewReport([]Check{
		{Collection: "tasks", Kind: CheckCount, Expected: "10", Actual: "9"},
		{Collection: "tasks", Kind: CheckField, Field: "Url", Passed: true, Expected: "url", Actual: "url"},
	}, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))

	if rep.Pass || rep.Failed != 1 || rep.Passed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if s := rep.Summary(); !strings.Contains(s, "FAIL: tasks count: expected 10, got 9") {
		t.Errorf("Summary = %q", s)
	}
	md := rep.Markdown()
	if !strings.Contains(md, "# Verification: FAIL") || !strings.Contains(md, "| count | 10 | 9 | **FAIL** |") {
		t.Errorf("Markdown = %q", md)
	}

	path := filepath.Join(t.TempDir(), ReportFile)
	if err := rep.WriteFile(path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var back Report
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Pass || len(back.Checks) != 2 || back.Checks[0].Expected != "10" {
		t.Errorf("round trip = %+v", back)
	}
}
