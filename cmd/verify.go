package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/csvmirror/internal/output"
	"github.com/marcus/csvmirror/internal/pipeline"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Compare the remote collections with the datasets",
	Long: `Checks record counts, declared fields, relation targets and relation
coverage of every mapped collection. Nothing is written to the remote. The
report is saved as JSON and the command exits with code 2 on any mismatch.`,
	Example: `  csvmirror verify
  csvmirror verify --format markdown
  csvmirror verify --format json --report out/verify.json`,
	GroupID: "inspect",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		switch format {
		case "text", "json", "markdown":
		default:
			return fmt.Errorf("unknown format %q (use text, json or markdown)", format)
		}
		report, _ := cmd.Flags().GetString("report")
		if report == "" {
			report = cfg.ReportPath()
		}

		res, err := runStages(cmd, []pipeline.Stage{pipeline.StageVerify}, envOptions{reportPath: report})
		if res == nil || res.Verify == nil {
			return err
		}

		w := cmd.OutOrStdout()
		switch format {
		case "json":
			if jerr := output.JSON(res.Verify); jerr != nil {
				return jerr
			}
		case "markdown":
			rendered, merr := output.Markdown(res.Verify.Markdown())
			if merr != nil {
				return merr
			}
			fmt.Fprint(w, rendered)
		default:
			verbose, _ := cmd.Flags().GetBool("verbose")
			fmt.Fprintln(w, output.FormatVerify(res.Verify, verbose))
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)

	verifyCmd.Flags().String("format", "text", "Output format: text, json or markdown")
	verifyCmd.Flags().String("report", "", "Report path (default: <dir>/verification_report.json)")
	verifyCmd.Flags().BoolP("verbose", "v", false, "List passing checks too")
}
