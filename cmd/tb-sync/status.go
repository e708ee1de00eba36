package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/trailbook/trailbook/internal/entity"
	"github.com/trailbook/trailbook/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local database and queue status",
	Long: `Display the current state of the local journal database.

Shows:
  - Last successful sync time
  - Record counts per entity type, with unpushed counts
  - Offline queue depth and failures
  - Conflicts awaiting manual resolution`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine(nil, false)
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx := context.Background()

		fmt.Println(ui.RenderHeader("Trailbook sync status"))
		fmt.Printf("   Database: %s\n", eng.cfg.Database)

		lastSynced, err := eng.store.LastSyncedAt(ctx)
		if err != nil {
			return err
		}
		if lastSynced.IsZero() {
			fmt.Printf("   Last sync: %s\n", ui.RenderWarn("never"))
		} else {
			fmt.Printf("   Last sync: %s %s\n",
				lastSynced.Local().Format("2006-01-02 15:04:05"),
				ui.RenderMuted(fmt.Sprintf("(%v ago)", time.Since(lastSynced).Round(time.Second))))
		}

		fmt.Println(ui.RenderHeader("Records"))
		for _, t := range entity.AllTypes() {
			total, err := eng.store.CountRecords(ctx, t)
			if err != nil {
				return err
			}
			unpushed, err := eng.store.ListUnpushed(ctx, t)
			if err != nil {
				return err
			}
			line := fmt.Sprintf("   %-17s %d", t, total)
			if len(unpushed) > 0 {
				line += " " + ui.RenderWarn(fmt.Sprintf("(%d unpushed)", len(unpushed)))
			}
			fmt.Println(line)
		}

		pending, failed, err := eng.queue.Counts(ctx)
		if err != nil {
			return err
		}
		fmt.Println(ui.RenderHeader("Queue"))
		switch {
		case pending == 0 && failed == 0:
			fmt.Printf("   %s empty\n", ui.RenderPass("✓"))
		case failed > 0:
			fmt.Printf("   %d pending, %s\n", pending,
				ui.RenderWarn(fmt.Sprintf("%d failed", failed)))
		default:
			fmt.Printf("   %d pending\n", pending)
		}

		conflicts, err := eng.store.CountConflicts(ctx)
		if err != nil {
			return err
		}
		if conflicts > 0 {
			fmt.Printf("%s %d conflicts awaiting resolution ('tb-sync conflicts list')\n",
				ui.RenderWarn("⚠"), conflicts)
		}

		return nil
	},
}
