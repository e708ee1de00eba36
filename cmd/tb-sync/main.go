// tb-sync is the command-line frontend for the Trailbook sync engine.
//
// It runs one-shot sync cycles, a background daemon, and diagnostic
// commands over the offline queue and pending conflicts.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "tb-sync",
	Short: "Trailbook offline-first sync engine",
	Long: `tb-sync synchronizes the local Trailbook journal database with the
remote backend: trips, memories, media references, tags, GPS tracks, and
bucket-list items.

Local mutations made while offline are queued and replayed; remote changes
are fetched in dependency order and reconciled with the configured
conflict strategy.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file (default: ./trailbook.yaml or ~/.config/trailbook/trailbook.yaml)")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(mediaCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
