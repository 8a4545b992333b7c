package main

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jkaninda/tutorbox/internal/flow"
	"github.com/jkaninda/tutorbox/internal/workspace"
)

var flowsCmd = &cobra.Command{
	Use:   "flows",
	Short: "Inspect tutorial bundles",
}

var flowsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tutorials available with the current config",
	Args:  cobra.NoArgs,
	RunE:  runFlowsList,
}

var flowsCheckCmd = &cobra.Command{
	Use:   "check <dir>...",
	Short: "Validate flow bundles without starting anything",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runFlowsCheck,
}

func init() {
	flowsCmd.AddCommand(flowsListCmd, flowsCheckCmd)
}

func runFlowsList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if logLevel == "" && cfg.LogLevel == "" {
		cfg.LogLevel = "warn"
	}
	logger := newLogger(cfg, os.Stderr, false)

	ws, err := workspace.New(cfg.ResolvedWorkspace())
	if err != nil {
		return fmt.Errorf("initializing workspace: %w", err)
	}
	if err := ws.EnsureAll(); err != nil {
		return fmt.Errorf("preparing workspace: %w", err)
	}
	catalog, err := buildCatalog(cfg, ws, logger)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SLUG\tNAME\tSTEPS\tTEMPLATE")
	for _, s := range catalog.List() {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.Slug, s.Name, s.Steps, s.Template)
	}
	return tw.Flush()
}

// runFlowsCheck loads every bundle in the given directories into a scratch
// catalog and reports per-file errors. Fails if any bundle is invalid.
func runFlowsCheck(cmd *cobra.Command, dirs []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	loader := flow.NewLoader(logger)
	out := cmd.OutOrStdout()

	failed := 0
	for _, dir := range dirs {
		catalog, err := flow.NewCatalog()
		if err != nil {
			return err
		}
		res, err := loader.LoadDir(dir, catalog)
		if err != nil {
			return err
		}
		for _, le := range res.Errors {
			fmt.Fprintf(out, "FAIL %s: %s\n", le.File, le.Message)
		}
		for _, s := range catalog.List() {
			fmt.Fprintf(out, "ok   %s (%d steps)\n", s.Slug, s.Steps)
		}
		failed += len(res.Errors)
	}
	if failed > 0 {
		return fmt.Errorf("%d invalid flow bundle(s)", failed)
	}
	return nil
}
