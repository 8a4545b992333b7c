// tutorbox runs interactive command-line tutorials in per-learner sandboxes.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tutorbox",
	Short: "tutorbox runs interactive command-line tutorials in per-learner sandboxes.",
	Long: `tutorbox serves step-by-step shell tutorials. Every learner gets a private
sandbox; each command they type runs there and is checked before the
tutorial moves on. Tutorials are served over HTTP, a WebSocket terminal,
or played locally with "tutorbox play".`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.tutorbox/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.AddCommand(serveCmd, playCmd, flowsCmd, versionCmd)
	// A .env file next to the binary feeds the TUTORBOX_* overrides.
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
