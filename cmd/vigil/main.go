// Package main is the vigil CLI: a persistent personal assistant that
// lives on your messaging channels, remembers what matters, and follows
// up on its own.
//
// Start the assistant:
//
//	vigil serve --data-dir ~/.vigil
//
// Inspect its state offline:
//
//	vigil memory projections
//	vigil memory archival --query "passport"
//
// Seed a fact from a script or cron job:
//
//	vigil archive-fact "The boiler service is booked for 2026-09-12"
//
// Configuration lives in <data-dir>/config.yml; a starter file is
// written on first run. API keys can be referenced as ${ENV_VAR}.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Populated by ldflags at release build time.
var (
	version = "dev"
	commit  = "none"
)

var (
	flagDataDir string
	flagUserID  string
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vigil",
		Short: "vigil - a persistent assistant that follows up",
		Long: `vigil is a single-principal assistant reachable over Telegram and
WhatsApp. It keeps long-term memory, records future commitments as
projections, and wakes itself to follow up when they come due.

Running vigil with no subcommand starts the server.`,
		Version:      fmt.Sprintf("%s (commit %s)", version, commit),
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return runServe()
		},
	}
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "Data directory (default ~/.vigil)")
	rootCmd.PersistentFlags().StringVar(&flagUserID, "user-id", "primary", "Principal whose stores to use")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMemoryCmd(),
		buildReflectCmd(),
		buildArchiveFactCmd(),
	)
	return rootCmd
}
