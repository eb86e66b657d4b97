package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/marcus/csvmirror/internal/config"
	"github.com/marcus/csvmirror/internal/dataset"
	"github.com/marcus/csvmirror/internal/ledger"
	"github.com/marcus/csvmirror/internal/manifest"
	"github.com/marcus/csvmirror/internal/notion"
	"github.com/marcus/csvmirror/internal/output"
	"github.com/marcus/csvmirror/internal/pipeline"
	"github.com/marcus/csvmirror/internal/remote"
	"github.com/marcus/csvmirror/internal/runlock"
	"github.com/marcus/csvmirror/internal/schema"
	"github.com/marcus/csvmirror/internal/verify"
)

// newAccessor builds the remote accessor. Tests replace it.
var newAccessor = func(c *config.Config, logger *slog.Logger) (remote.Accessor, error) {
	if err := c.RequireToken(); err != nil {
		return nil, err
	}
	client := notion.New(c.Token)
	client.Logger = logger
	if c.APIURL != "" {
		client.BaseURL = c.APIURL
	}
	if c.APIVersion != "" {
		client.Version = c.APIVersion
	}
	return remote.NewPaced(client,
		remote.NewLimiter(c.Pace, c.Burst),
		remote.NewLimiter(c.ReadPace, c.Burst),
	), nil
}

// envOptions are the per-command knobs layered onto the configuration.
type envOptions struct {
	// newManifest starts an empty manifest when none exists yet.
	newManifest bool
	keepBlank   bool
	reportPath  string
}

// openEnv loads the mapping, manifest and datasets of the workspace and
// connects the accessor. Dry runs wrap the accessor so no write reaches the
// remote.
func openEnv(cmd *cobra.Command, o envOptions) (*pipeline.Env, error) {
	mp, err := schema.LoadMapping(cfg.MappingPath(), cfg.Prefix)
	if err != nil {
		return nil, err
	}
	if err := mp.Only(onlyCollections(cmd)); err != nil {
		return nil, err
	}

	var m *manifest.Manifest
	if o.newManifest {
		m, err = manifest.LoadOrNew(cfg.ManifestPath())
	} else {
		m, err = manifest.Load(cfg.ManifestPath())
	}
	if err != nil {
		return nil, err
	}

	acc, err := newAccessor(cfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.DryRun {
		acc = remote.NewDryRun(acc, logger)
	}

	return &pipeline.Env{
		Acc:      acc,
		Mapping:  mp,
		Manifest: m,
		Source:   dataset.NewSource(cfg.DatasetPath(), logger),
		Logger:   logger,
		Options: pipeline.Options{
			DryRun:      cfg.DryRun,
			AutoDedupe:  cfg.AutoDedupe,
			KeepBlank:   o.keepBlank,
			ForceCreate: cfg.ForceCreate,
			ParentID:    cfg.ParentPageID,
			SnapshotDir: cfg.StatePath(),
			ReportPath:  o.reportPath,
		},
	}, nil
}

// runStages executes stages under the workspace run lock and records the
// invocation in the ledger. Read-only invocations skip the lock.
func runStages(cmd *cobra.Command, stages []pipeline.Stage, o envOptions) (*pipeline.Result, error) {
	env, err := openEnv(cmd, o)
	if err != nil {
		return nil, err
	}

	if mutates(stages) {
		lock, err := runlock.Acquire(cfg.StatePath(), cmd.CommandPath(), runlock.DefaultTimeout)
		if err != nil {
			return nil, err
		}
		defer lock.Release()
	}

	led, err := ledger.Open(filepath.Join(cfg.StatePath(), ledger.FileName))
	if err != nil {
		return nil, err
	}
	defer led.Close()

	names := make([]string, len(stages))
	for i, st := range stages {
		names[i] = string(st)
	}
	entry, err := led.Begin(cmd.Name(), names, cfg.DryRun)
	if err != nil {
		return nil, err
	}

	res, runErr := env.Run(cmd.Context(), stages)
	if err := led.Finish(entry, runStatus(runErr), res.Report, runErr); err != nil {
		logger.Warn("ledger not updated", "run", entry.ID, "err", err)
	}
	logger.Debug("run recorded", "run", entry.ID)
	return res, runErr
}

func mutates(stages []pipeline.Stage) bool {
	for _, st := range stages {
		if st != pipeline.StageVerify {
			return true
		}
	}
	return false
}

func runStatus(err error) string {
	switch {
	case err == nil:
		return ledger.StatusOK
	case errors.Is(err, verify.ErrMismatch):
		return ledger.StatusMismatch
	default:
		return ledger.StatusFailed
	}
}

// printResult writes the stage report and, when verification ran, its
// outcome.
func printResult(cmd *cobra.Command, res *pipeline.Result) {
	if res == nil {
		return
	}
	w := cmd.OutOrStdout()
	if cfg.DryRun {
		fmt.Fprintln(w, output.DryRunBanner())
	}
	if len(res.Report.Collections) > 0 || len(res.Report.Failures) > 0 || len(res.Report.Notes) > 0 {
		fmt.Fprintln(w, output.FormatReport(res.Report))
	}
	if res.Verify != nil {
		verbose, _ := cmd.Flags().GetBool("verbose")
		fmt.Fprintln(w, output.FormatVerify(res.Verify, verbose))
	}
}
