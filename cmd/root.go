package cmd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marcus/csvmirror/internal/config"
	"github.com/marcus/csvmirror/internal/exitcode"
	"github.com/marcus/csvmirror/internal/output"
)

var version = "dev"

// SetVersion sets the version string
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Per-invocation state, filled in by the root command's pre-run hook.
var (
	cfg      *config.Config
	logger   = slog.Default()
	logClose io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "csvmirror",
	Short: "Mirror local CSV datasets into remote collections",
	Long: `csvmirror - Reconcile remote collections with local CSV datasets.

Each run brings the remote side to match the datasets: missing records are
created, changed ones updated, orphans and duplicates archived, declared
fields added and category relations backfilled. Re-running with no dataset
changes writes nothing. "csvmirror verify" checks the result without writing.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logClose != nil {
			logClose.Close()
			logClose = nil
		}
	},
}

// setup resolves configuration for the invoked command and installs the
// logger.
func setup(cmd *cobra.Command, args []string) error {
	v := config.New()
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return err
	}
	c, err := config.Load(v)
	if err != nil {
		return err
	}
	l, closer, err := newLogger(c, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	cfg, logger, logClose = c, l, closer
	slog.SetDefault(l)
	return nil
}

// Execute runs the root command and exits with the code of its outcome.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string) int {
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		output.Error("%v", err)
	}
	return exitcode.Code(err)
}

// nameWithAliases returns "name, alias1, alias2" if aliases exist, else just "name"
func nameWithAliases(cmd *cobra.Command) string {
	if len(cmd.Aliases) > 0 {
		return cmd.Name() + ", " + strings.Join(cmd.Aliases, ", ")
	}
	return cmd.Name()
}

func init() {
	cobra.AddTemplateFunc("nameWithAliases", nameWithAliases)
	cobra.AddTemplateFunc("add", func(a, b int) int { return a + b })

	usageTemplate := `Usage:{{if .Runnable}}
  {{.UseLine}}{{end}}{{if .HasAvailableSubCommands}}
  {{.CommandPath}} [command]{{end}}{{if gt (len .Aliases) 0}}

Aliases:
  {{.NameAndAliases}}{{end}}{{if .HasExample}}

Examples:
{{.Example}}{{end}}{{if .HasAvailableSubCommands}}{{$cmds := .Commands}}{{if eq (len .Groups) 0}}

Available Commands:{{range $cmds}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad (nameWithAliases .) (add .NamePadding 8)}} {{.Short}}{{end}}{{end}}{{else}}{{range $group := .Groups}}

{{.Title}}{{range $cmds}}{{if (and (eq .GroupID $group.ID) (or .IsAvailableCommand (eq .Name "help")))}}
  {{rpad (nameWithAliases .) (add .NamePadding 8)}} {{.Short}}{{end}}{{end}}{{end}}{{if not .AllChildCommandsHaveGroup}}

Additional Commands:{{range $cmds}}{{if (and (eq .GroupID "") (or .IsAvailableCommand (eq .Name "help")))}}
  {{rpad (nameWithAliases .) (add .NamePadding 8)}} {{.Short}}{{end}}{{end}}{{end}}{{end}}{{end}}{{if .HasAvailableLocalFlags}}

Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasAvailableInheritedFlags}}

Global Flags:
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasHelpSubCommands}}

Additional help topics:{{range .Commands}}{{if .IsAdditionalHelpTopicCommand}}
  {{rpad .CommandPath .CommandPathPadding}} {{.Short}}{{end}}{{end}}{{end}}{{if .HasAvailableSubCommands}}

Use "{{.CommandPath}} [command] --help" for more information about a command.{{end}}
`
	rootCmd.SetUsageTemplate(usageTemplate)

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "inspect", Title: "Inspection Commands:"},
		&cobra.Group{ID: "system", Title: "System Commands:"},
	)
	rootCmd.SetHelpCommandGroupID("system")
	rootCmd.SetCompletionCommandGroupID("system")

	pf := rootCmd.PersistentFlags()
	pf.String("dir", ".", "Workspace directory holding docs/mapping.yml, csv/ and the manifest")
	pf.Bool("dry-run", false, "Log intended writes without touching the remote")
	pf.StringSlice("only", nil, "Restrict to these collections (comma separated)")
	pf.String("log-level", "info", "Log level: debug, info, warn or error")
	pf.String("log-format", "text", "Log format: text or json")
	pf.String("log-file", "", "Write logs to a rotated file instead of stderr")
}

// onlyCollections returns the --only selection of the invoked command.
func onlyCollections(cmd *cobra.Command) []string {
	names, _ := cmd.Flags().GetStringSlice("only")
	return names
}
