package cmd

import (
	"github.com/spf13/cobra"

	"github.com/marcus/csvmirror/internal/pipeline"
)

// stageCmd builds a command that runs a single stage.
func stageCmd(stage pipeline.Stage, short, long string) *cobra.Command {
	return &cobra.Command{
		Use:     string(stage),
		Short:   short,
		Long:    long,
		GroupID: "sync",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keepBlank, _ := cmd.Flags().GetBool("keep-blank")
			res, err := runStages(cmd, []pipeline.Stage{stage}, envOptions{
				newManifest: stage == pipeline.StageImport,
				keepBlank:   keepBlank,
			})
			printResult(cmd, res)
			return err
		},
	}
}

var importCmd = stageCmd(pipeline.StageImport,
	"Create the remote collections and load every dataset",
	`Creates each mapped collection under NOTION_PARENT_PAGE_ID, or reuses one
with the same title, records its id in the manifest and upserts every row.
Select options are seeded from the dataset values. With --force-create a new
collection is created even when one with the same title exists.`)

var preflightCmd = stageCmd(pipeline.StagePreflight,
	"Check for duplicate collections and duplicate keys",
	`Looks for several live collections sharing a mapped title and for records
sharing a natural key. Duplicate collections stop the run unless
--auto-dedupe archives the empty extras.`)

var dedupeCmd = stageCmd(pipeline.StageDedupe,
	"Archive orphan, blank-key and duplicate records",
	`Archives remote records whose natural key is absent from the dataset or
empty, and every duplicate but the most recently edited one. Collections
whose dataset file is missing are skipped.`)

var schemaCmd = stageCmd(pipeline.StageSchema,
	"Add declared fields missing from the remote collections",
	`Adds every declared field the remote collection lacks in one request.
Existing fields are never retyped or removed; type drift is reported.`)

var upsertCmd = stageCmd(pipeline.StageUpsert,
	"Create or update one record per dataset row",
	`Matches rows to records by natural key, updates only changed fields and
re-checks the remote before every create.`)

var backfillCmd = stageCmd(pipeline.StageBackfill,
	"Link records to their category targets",
	`Ensures each relation field and target collection exists, creates missing
target records and links every source record to the target named by its
category. Existing links are never removed.`)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full reconciliation pipeline",
	Long: `Runs preflight, dedupe, schema, upsert, backfill and verify in order.
Per-record failures do not stop the run; any stage error does.`,
	Example: `  csvmirror run
  csvmirror run --stages upsert,backfill,verify
  csvmirror run --dry-run --only tasks`,
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("stages")
		stages, err := pipeline.ParseStages(raw)
		if err != nil {
			return err
		}
		keepBlank, _ := cmd.Flags().GetBool("keep-blank")
		report, _ := cmd.Flags().GetString("report")
		if report == "" {
			report = cfg.ReportPath()
		}
		res, err := runStages(cmd, stages, envOptions{
			newManifest: containsStage(stages, pipeline.StageImport),
			keepBlank:   keepBlank,
			reportPath:  report,
		})
		printResult(cmd, res)
		return err
	},
}

func containsStage(stages []pipeline.Stage, want pipeline.Stage) bool {
	for _, st := range stages {
		if st == want {
			return true
		}
	}
	return false
}

func init() {
	for _, c := range []*cobra.Command{importCmd, preflightCmd, dedupeCmd, schemaCmd, upsertCmd, backfillCmd, runCmd} {
		rootCmd.AddCommand(c)
	}

	importCmd.Flags().Bool("force-create", false, "Create new collections even when one with the same title exists")

	preflightCmd.Flags().Bool("auto-dedupe", false, "Archive empty duplicate collections and duplicate records")

	dedupeCmd.Flags().Bool("keep-blank", false, "Leave records with an empty natural key alone")

	runCmd.Flags().String("stages", "", "Comma separated stages to run (default: full pipeline)")
	runCmd.Flags().Bool("auto-dedupe", false, "Archive empty duplicate collections and duplicate records")
	runCmd.Flags().Bool("force-create", false, "Create new collections during an import stage")
	runCmd.Flags().Bool("keep-blank", false, "Leave records with an empty natural key alone")
	runCmd.Flags().String("report", "", "Verification report path (default: <dir>/verification_report.json)")
	runCmd.Flags().BoolP("verbose", "v", false, "List passing checks too")
}
