package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/marcus/csvmirror/internal/ledger"
	"github.com/marcus/csvmirror/internal/output"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent runs and their failures",
	Long: `Lists recent invocations recorded in the workspace ledger. With
--failures <run-id> the per-record failures of one run are listed, with the
collection, key and action needed to retry them by hand.`,
	GroupID: "inspect",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		led, err := ledger.Open(filepath.Join(cfg.StatePath(), ledger.FileName))
		if err != nil {
			return err
		}
		defer led.Close()

		jsonOut, _ := cmd.Flags().GetBool("json")
		w := cmd.OutOrStdout()

		if runID, _ := cmd.Flags().GetString("failures"); runID != "" {
			failures, err := led.Failures(runID)
			if err != nil {
				return err
			}
			if jsonOut {
				return output.JSON(failures)
			}
			if len(failures) == 0 {
				fmt.Fprintln(w, "No failures recorded for that run")
				return nil
			}
			for _, f := range failures {
				fmt.Fprintln(w, f.String())
			}
			return nil
		}

		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := led.Tail(limit)
		if err != nil {
			return err
		}
		if jsonOut {
			return output.JSON(runs)
		}
		if len(runs) == 0 {
			fmt.Fprintln(w, "No runs recorded")
			return nil
		}
		for _, r := range runs {
			fmt.Fprintln(w, output.FormatRun(r))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntP("limit", "n", 20, "Number of runs to show")
	historyCmd.Flags().String("failures", "", "Show the failures of a run (id or unique prefix)")
	historyCmd.Flags().Bool("json", false, "JSON output")
}
