package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/tutorbox/internal/gateway/cli"
)

var playSession string

var playCmd = &cobra.Command{
	Use:   "play <flow>",
	Short: "Play a tutorial in this terminal",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlay,
}

func init() {
	playCmd.Flags().StringVar(&playSession, "session", "", "session ID to record progress under (default from gateways.cli.session_id or \"local\")")
}

func runPlay(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Keep the terminal for the tutorial; only warnings are logged unless asked.
	if logLevel == "" && cfg.LogLevel == "" {
		cfg.LogLevel = "warn"
	}
	logger := newLogger(cfg, os.Stderr, false)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	sessionID := playSession
	if sessionID == "" && cfg.Gateways.CLI != nil {
		sessionID = cfg.Gateways.CLI.SessionID
	}
	return cli.NewGateway(sc.Service, args[0], sessionID, logger).Start(ctx)
}
