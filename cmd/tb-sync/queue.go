package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/trailbook/trailbook/internal/queue"
	"github.com/trailbook/trailbook/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the offline mutation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending and failed tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine(nil, false)
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx := context.Background()

		pending, err := eng.queue.Pending(ctx)
		if err != nil {
			return err
		}
		failed, err := eng.queue.Failed(ctx)
		if err != nil {
			return err
		}

		if len(pending) == 0 && len(failed) == 0 {
			fmt.Printf("%s Queue is empty\n", ui.RenderPass("✓"))
			return nil
		}

		if len(pending) > 0 {
			fmt.Println(ui.RenderHeader(fmt.Sprintf("Pending (%d)", len(pending))))
			for _, t := range pending {
				printTask(t)
			}
		}
		if len(failed) > 0 {
			fmt.Println(ui.RenderHeader(fmt.Sprintf("Failed (%d)", len(failed))))
			for _, t := range failed {
				printTask(t)
			}
			fmt.Printf("%s Use 'tb-sync queue retry' to requeue failed tasks\n",
				ui.RenderMuted("·"))
		}
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry [task-id]",
	Short: "Return failed tasks to the queue",
	Long: `Return failed tasks to pending with a fresh retry budget.

With a task id, retries that one task; without arguments, retries all
failed tasks.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine(nil, false)
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx := context.Background()

		if len(args) == 1 {
			if err := eng.queue.RetryTask(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("%s Task %s requeued\n", ui.RenderPass("✓"), args[0])
			return nil
		}

		n, err := eng.queue.RetryAllFailed(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s Requeued %d failed tasks\n", ui.RenderPass("✓"), n)
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRetryCmd)
}

func printTask(t *queue.Task) {
	age := time.Since(t.CreatedAt).Round(time.Second)
	line := fmt.Sprintf("   %-8s %-17s %s  %s", t.Operation, t.EntityType,
		t.EntityID, ui.RenderMuted(fmt.Sprintf("age %v priority %d", age, t.Priority)))
	if t.RetryCount > 0 {
		line += " " + ui.RenderWarn(fmt.Sprintf("retries %d", t.RetryCount))
	}
	fmt.Println(line)
}
