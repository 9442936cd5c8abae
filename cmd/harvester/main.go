// Package main provides the harvester CLI. It drives the assistant web UI
// through a scripted sequence of prompts per numbered unit, harvests the
// generated chapters and resumes across crashes from recorded progress.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/entrhq/harvester/pkg/layout"
)

const version = "0.1.0"

// cliOptions holds flags shared by the subcommands
type cliOptions struct {
	account     string
	configName  string
	rangeSpec   string
	maxRestarts int
	verbose     bool

	baseDir     string
	accountsDir string
	configsDir  string
	progressDir string
	outputDir   string
	logsDir     string
}

// layout resolves the directory layout, applying per-directory overrides
func (o *cliOptions) layout() layout.Layout {
	l := layout.Default(o.baseDir)
	if o.accountsDir != "" {
		l.AccountsDir = o.accountsDir
	}
	if o.configsDir != "" {
		l.ConfigsDir = o.configsDir
	}
	if o.progressDir != "" {
		l.ProgressDir = o.progressDir
	}
	if o.outputDir != "" {
		l.OutputDir = o.outputDir
	}
	if o.logsDir != "" {
		l.LogsDir = o.logsDir
	}
	return l
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:   "harvester",
		Short: "Drive an assistant chat UI through scripted prompts and harvest the results",
		Long: `Harvester opens a browser, logs in with the stored session of an account,
sends the configured prompts for every unit in a range, saves the generated
chapters under outputFiles/ and records progress so interrupted runs resume
where they stopped.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.baseDir, "base-dir", ".", "Root directory of the default layout")
	flags.StringVar(&opts.accountsDir, "accounts-dir", "", "Directory holding per-account sessions (default <base-dir>/accounts)")
	flags.StringVar(&opts.configsDir, "configs-dir", "", "Directory holding run configs (default <base-dir>/configs)")
	flags.StringVar(&opts.progressDir, "progress-dir", "", "Directory holding progress records (default <base-dir>/progress_files)")
	flags.StringVar(&opts.outputDir, "output-dir", "", "Directory receiving harvested chapters (default <base-dir>/outputFiles)")
	flags.StringVar(&opts.logsDir, "logs-dir", "", "Directory receiving run logs (default <base-dir>/logs)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Show debug output on the console")

	root.AddCommand(
		newRunCmd(opts),
		newStatusCmd(opts),
		newLoginCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the harvester version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "harvester v%s\n", version)
		},
	}
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\n\nShutting down gracefully...")
		cancel()
	}()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		cancel()
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
	cancel()
}
