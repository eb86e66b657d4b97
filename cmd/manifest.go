package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/csvmirror/internal/manifest"
	"github.com/marcus/csvmirror/internal/output"
)

var manifestCmd = &cobra.Command{
	Use:     "manifest",
	Short:   "Show the collection ids recorded for this workspace",
	GroupID: "inspect",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := manifest.Load(cfg.ManifestPath())
		if err != nil {
			return err
		}
		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(m.Entries())
		}
		w := cmd.OutOrStdout()
		for _, name := range m.Names() {
			id, _ := m.Get(name)
			fmt.Fprintf(w, "%-20s %s\n", name, id)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:     "version",
	Short:   "Show version",
	GroupID: "system",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "csvmirror %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(manifestCmd)
	rootCmd.AddCommand(versionCmd)

	manifestCmd.Flags().Bool("json", false, "JSON output")
}
