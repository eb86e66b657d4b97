// Package pipeline runs the reconciliation stages. Every stage is a
// standalone function over explicit state, so any one of them can be re-run
// on its own.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/marcus/csvmirror/internal/backfill"
	"github.com/marcus/csvmirror/internal/dataset"
	"github.com/marcus/csvmirror/internal/importer"
	"github.com/marcus/csvmirror/internal/manifest"
	"github.com/marcus/csvmirror/internal/preflight"
	"github.com/marcus/csvmirror/internal/reconcile"
	"github.com/marcus/csvmirror/internal/remote"
	"github.com/marcus/csvmirror/internal/report"
	"github.com/marcus/csvmirror/internal/schema"
	"github.com/marcus/csvmirror/internal/schemasync"
	"github.com/marcus/csvmirror/internal/upsert"
	"github.com/marcus/csvmirror/internal/verify"
)

// ErrPartial is returned when a run completed but some records failed.
var ErrPartial = errors.New("some records failed")

// Stage names a pipeline stage.
type Stage string

const (
	StageImport    Stage = "import"
	StagePreflight Stage = "preflight"
	StageDedupe    Stage = "dedupe"
	StageSchema    Stage = "schema"
	StageUpsert    Stage = "upsert"
	StageBackfill  Stage = "backfill"
	StageVerify    Stage = "verify"
)

// DefaultStages is the order of a full run.
var DefaultStages = []Stage{StagePreflight, StageDedupe, StageSchema, StageUpsert, StageBackfill, StageVerify}

var knownStages = map[Stage]bool{
	StageImport: true, StagePreflight: true, StageDedupe: true, StageSchema: true,
	StageUpsert: true, StageBackfill: true, StageVerify: true,
}

// ParseStages parses a comma separated stage list. Empty input selects
// DefaultStages.
func ParseStages(s string) ([]Stage, error) {
	if strings.TrimSpace(s) == "" {
		return DefaultStages, nil
	}
	var out []Stage
	for _, part := range strings.Split(s, ",") {
		st := Stage(strings.ToLower(strings.TrimSpace(part)))
		if !knownStages[st] {
			return nil, fmt.Errorf("unknown stage %q", part)
		}
		out = append(out, st)
	}
	return out, nil
}

// Options tune stage behavior.
type Options struct {
	DryRun      bool
	AutoDedupe  bool
	KeepBlank   bool
	ForceCreate bool
	ParentID    string
	// SnapshotDir receives target snapshots; empty disables them.
	SnapshotDir string
	// ReportPath receives the JSON verification report; empty disables it.
	ReportPath string
}

// Env is the explicit state every stage works on.
type Env struct {
	Acc      remote.Accessor
	Mapping  *schema.Mapping
	Manifest *manifest.Manifest
	Source   *dataset.Source
	Options  Options
	Logger   *slog.Logger

	rows     map[string][]dataset.Row
	resolved bool
}

func (e *Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// Rows returns the source rows of a collection, loading them once.
func (e *Env) Rows(coll *schema.Collection) ([]dataset.Row, error) {
	if rows, ok := e.rows[coll.Name]; ok {
		return rows, nil
	}
	rows, err := e.Source.Load(coll)
	if err != nil {
		return nil, err
	}
	if e.rows == nil {
		e.rows = make(map[string][]dataset.Row)
	}
	e.rows[coll.Name] = rows
	return rows, nil
}

func (e *Env) allRows() (map[string][]dataset.Row, error) {
	out := make(map[string][]dataset.Row, len(e.Mapping.Collections))
	for _, name := range e.Mapping.Names() {
		rows, err := e.Rows(e.Mapping.Collections[name])
		if err != nil {
			return nil, err
		}
		out[name] = rows
	}
	return out, nil
}

// resolve checks the manifest against the remote once per Env.
func (e *Env) resolve(ctx context.Context) error {
	if e.resolved {
		return nil
	}
	res, err := manifest.Resolve(ctx, e.Acc, e.Manifest, e.Mapping, e.logger())
	if err != nil {
		return err
	}
	e.resolved = true
	if len(res) > 0 {
		return e.save()
	}
	return nil
}

// save persists manifest amendments. Dry runs never write it.
func (e *Env) save() error {
	if e.Options.DryRun {
		return nil
	}
	return e.Manifest.SaveIfDirty()
}

func (e *Env) collectionID(name string) string {
	id, _ := e.Manifest.Get(name)
	return id
}

// Import creates or reuses the remote collections and upserts every row.
func (e *Env) Import(ctx context.Context) (*report.Report, error) {
	rep := report.New(string(StageImport))
	rows, err := e.allRows()
	if err != nil {
		return rep, err
	}
	err = importer.Stage(ctx, e.Acc, importer.Params{
		Mapping:     e.Mapping,
		Manifest:    e.Manifest,
		Rows:        rows,
		ParentID:    e.Options.ParentID,
		ForceCreate: e.Options.ForceCreate,
	}, rep, e.logger())
	// Collections created before a failure must not be forgotten.
	if saveErr := e.save(); saveErr != nil && err == nil {
		err = saveErr
	}
	e.resolved = err == nil
	return rep, err
}

// Preflight checks for pre-run hazards.
func (e *Env) Preflight(ctx context.Context) (*report.Report, error) {
	rep := report.New(string(StagePreflight))
	if err := e.resolve(ctx); err != nil {
		return rep, err
	}
	_, err := preflight.Run(ctx, e.Acc, e.Mapping, e.Manifest, e.Options.AutoDedupe, rep, e.logger())
	return rep, err
}

// Dedupe archives orphans and duplicates. A collection whose dataset file is
// missing is skipped: with no rows every record would count as an orphan.
func (e *Env) Dedupe(ctx context.Context) (*report.Report, error) {
	rep := report.New(string(StageDedupe))
	if err := e.resolve(ctx); err != nil {
		return rep, err
	}
	opts := reconcile.Options{KeepBlankKeys: e.Options.KeepBlank}
	for _, name := range e.Mapping.Names() {
		coll := e.Mapping.Collections[name]
		if !e.Source.Exists(coll) {
			rep.Note(name, "dataset %s missing; dedupe skipped", coll.CSV)
			continue
		}
		rows, err := e.Rows(coll)
		if err != nil {
			return rep, err
		}
		if err := reconcile.Stage(ctx, e.Acc, coll, e.collectionID(name), rows, opts, rep, e.logger()); err != nil {
			return rep, fmt.Errorf("dedupe %s: %w", name, err)
		}
	}
	return rep, nil
}

// Schema adds missing declared fields.
func (e *Env) Schema(ctx context.Context) (*report.Report, error) {
	rep := report.New(string(StageSchema))
	if err := e.resolve(ctx); err != nil {
		return rep, err
	}
	for _, name := range e.Mapping.Names() {
		coll := e.Mapping.Collections[name]
		if err := schemasync.Stage(ctx, e.Acc, coll, e.collectionID(name), rep, e.logger()); err != nil {
			return rep, fmt.Errorf("schema %s: %w", name, err)
		}
	}
	return rep, nil
}

// Upsert writes every source row.
func (e *Env) Upsert(ctx context.Context) (*report.Report, error) {
	rep := report.New(string(StageUpsert))
	if err := e.resolve(ctx); err != nil {
		return rep, err
	}
	for _, name := range e.Mapping.Names() {
		coll := e.Mapping.Collections[name]
		rows, err := e.Rows(coll)
		if err != nil {
			return rep, err
		}
		if err := upsert.Stage(ctx, e.Acc, coll, e.collectionID(name), rows, rep, e.logger()); err != nil {
			return rep, fmt.Errorf("upsert %s: %w", name, err)
		}
	}
	return rep, nil
}

// Backfill links source records to their targets.
func (e *Env) Backfill(ctx context.Context) (*report.Report, error) {
	rep := report.New(string(StageBackfill))
	if err := e.resolve(ctx); err != nil {
		return rep, err
	}
	rows, err := e.allRows()
	if err != nil {
		return rep, err
	}
	p := backfill.Params{
		Mapping:  e.Mapping,
		Manifest: e.Manifest,
		Rows:     rows,
		ParentID: e.Options.ParentID,
	}
	if !e.Options.DryRun {
		p.SnapshotDir = e.Options.SnapshotDir
	}
	err = backfill.Stage(ctx, e.Acc, p, rep, e.logger())
	if saveErr := e.save(); saveErr != nil && err == nil {
		err = saveErr
	}
	return rep, err
}

// Verify compares the remote with the datasets. It returns ErrMismatch
// wrapped when a check failed.
func (e *Env) Verify(ctx context.Context) (*verify.Report, error) {
	if err := e.resolve(ctx); err != nil {
		return nil, err
	}
	rows, err := e.allRows()
	if err != nil {
		return nil, err
	}
	vr, err := verify.Run(ctx, e.Acc, e.Mapping, e.Manifest, rows, e.logger())
	if err != nil {
		return nil, err
	}
	if e.Options.ReportPath != "" {
		if err := vr.WriteFile(e.Options.ReportPath); err != nil {
			return vr, err
		}
	}
	if !vr.Pass {
		return vr, fmt.Errorf("%w: %d of %d checks failed", verify.ErrMismatch, vr.Failed, len(vr.Checks))
	}
	return vr, nil
}

// Result is the outcome of Run.
type Result struct {
	Report *report.Report
	Verify *verify.Report
}

// Run executes stages in order and stops at the first fatal error. Per-record
// failures do not stop the run; they are reported through ErrPartial once
// every stage has finished.
func (e *Env) Run(ctx context.Context, stages []Stage) (*Result, error) {
	res := &Result{Report: report.New("")}
	for _, st := range stages {
		e.logger().Info("stage started", "stage", string(st))
		var rep *report.Report
		var err error
		switch st {
		case StageImport:
			rep, err = e.Import(ctx)
		case StagePreflight:
			rep, err = e.Preflight(ctx)
		case StageDedupe:
			rep, err = e.Dedupe(ctx)
		case StageSchema:
			rep, err = e.Schema(ctx)
		case StageUpsert:
			rep, err = e.Upsert(ctx)
		case StageBackfill:
			rep, err = e.Backfill(ctx)
		case StageVerify:
			res.Report.Stages = append(res.Report.Stages, string(st))
			res.Verify, err = e.Verify(ctx)
		default:
			err = fmt.Errorf("unknown stage %q", st)
		}
		res.Report.Merge(rep)
		if err != nil {
			return res, fmt.Errorf("%s: %w", st, err)
		}
		e.logger().Info("stage finished", "stage", string(st))
	}
	if n := len(res.Report.Failures); n > 0 {
		return res, fmt.Errorf("%w: %d failures", ErrPartial, n)
	}
	return res, nil
}
