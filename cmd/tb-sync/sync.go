package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/trailbook/trailbook/internal/syncer"
	"github.com/trailbook/trailbook/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle now",
	Long: `Run a single synchronization cycle:

  1. Drains the offline mutation queue against the backend
  2. Fetches each entity type in dependency order
  3. Resolves conflicts with the configured strategy
  4. Pushes purely-local records upstream

Ctrl-C cancels cleanly; completed work stands and the rest waits for the
next cycle.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine(nil, true)
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("%s Syncing with %s...\n", ui.RenderAccent("⇅"), eng.cfg.Remote.BaseURL)

		report, err := eng.orch.Synchronize(ctx)
		if err != nil {
			return err
		}

		printReport(report)
		return nil
	},
}

func printReport(report *syncer.Report) {
	switch report.Outcome {
	case syncer.OutcomeSuccess:
		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"),
			report.Duration.Round(time.Millisecond))
	case syncer.OutcomePartial:
		fmt.Printf("%s Sync partially complete in %v\n", ui.RenderWarn("⚠"),
			report.Duration.Round(time.Millisecond))
	case syncer.OutcomeSkipped:
		fmt.Printf("%s Sync skipped: network policy not satisfied\n", ui.RenderWarn("⚠"))
		return
	case syncer.OutcomeCancelled:
		fmt.Printf("%s Sync cancelled after %v\n", ui.RenderWarn("⚠"),
			report.Duration.Round(time.Millisecond))
	case syncer.OutcomeFailed:
		fmt.Printf("%s Sync failed: %v\n", ui.RenderFail("✗"), report.Err)
	}

	fmt.Printf("   Queue: %d applied", report.QueueDrained)
	if report.QueueFailed > 0 {
		fmt.Printf(", %s", ui.RenderWarn(fmt.Sprintf("%d failed", report.QueueFailed)))
	}
	fmt.Println()

	for _, stage := range report.Stages {
		switch {
		case stage.Skipped:
			fmt.Printf("   %s %-17s skipped (dependency failed)\n", ui.RenderMuted("-"), stage.Type)
		case stage.Err != nil:
			fmt.Printf("   %s %-17s %v\n", ui.RenderFail("✗"), stage.Type, stage.Err)
		default:
			line := fmt.Sprintf("fetched %d", stage.Fetched)
			if stage.Adopted > 0 {
				line += fmt.Sprintf(", adopted %d", stage.Adopted)
			}
			if stage.Conflicts > 0 {
				line += fmt.Sprintf(", conflicts %d", stage.Conflicts)
			}
			if stage.Pushed > 0 {
				line += fmt.Sprintf(", pushed %d", stage.Pushed)
			}
			if stage.Invalid > 0 {
				line += ", " + ui.RenderWarn(fmt.Sprintf("invalid %d", stage.Invalid))
			}
			fmt.Printf("   %s %-17s %s\n", ui.RenderPass("✓"), stage.Type, line)
		}
	}
}
