package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"github.com/trailbook/trailbook/internal/conflict"
	"github.com/trailbook/trailbook/internal/entity"
	"github.com/trailbook/trailbook/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve pending conflicts",
	Long: `Manage conflicts parked by the manual resolution strategy.

Under strategy "manual", a sync cycle leaves both copies of a diverged
entity untouched and parks the conflict here until a human picks a side.`,
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conflicts awaiting resolution",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine(nil, true)
		if err != nil {
			return err
		}
		defer eng.Close()

		pending, err := eng.orch.PendingConflicts(context.Background())
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Printf("%s No pending conflicts\n", ui.RenderPass("✓"))
			return nil
		}

		fmt.Println(ui.RenderHeader(fmt.Sprintf("Pending conflicts (%d)", len(pending))))
		for _, rec := range pending {
			fmt.Printf("   %s %-17s %s\n", ui.RenderWarn("⚠"), rec.EntityType, rec.EntityID)
			fmt.Printf("      local  %s\n", rec.LocalVersion.Format("2006-01-02 15:04:05"))
			fmt.Printf("      remote %s\n", rec.RemoteVersion.Format("2006-01-02 15:04:05"))
			if diff := rec.FieldDiff(); len(diff) > 0 {
				fmt.Printf("      differs: %s\n", ui.RenderMuted(strings.Join(diff, ", ")))
			}
		}
		return nil
	},
}

var resolveChoice string

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <entity-type> <entity-id>",
	Short: "Resolve one pending conflict",
	Long: `Resolve a pending conflict by picking a side.

Without --choose, an interactive picker shows both versions.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine(nil, true)
		if err != nil {
			return err
		}
		defer eng.Close()

		t := entity.Type(args[0])
		if !t.IsValid() {
			return fmt.Errorf("unknown entity type: %s", args[0])
		}
		entityID := args[1]

		choice := conflict.Choice(resolveChoice)
		if resolveChoice == "" {
			choice, err = pickSide(eng, t, entityID)
			if err != nil {
				return err
			}
		}
		if choice != conflict.ChooseLocal && choice != conflict.ChooseRemote {
			return fmt.Errorf("choice must be %q or %q", conflict.ChooseLocal, conflict.ChooseRemote)
		}

		if err := eng.orch.ResolveConflict(context.Background(), t, entityID, choice); err != nil {
			return err
		}

		fmt.Printf("%s Resolved %s %s: %s wins\n", ui.RenderPass("✓"), t, entityID, choice)
		if choice == conflict.ChooseLocal {
			fmt.Printf("%s Local copy queued for upload on the next cycle\n", ui.RenderMuted("·"))
		}
		return nil
	},
}

func init() {
	conflictsResolveCmd.Flags().StringVar(&resolveChoice, "choose", "",
		"side to keep: local or remote (omit for interactive picker)")

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
}

// pickSide shows an interactive form with both versions of the conflicted
// entity.
func pickSide(eng *engine, t entity.Type, entityID string) (conflict.Choice, error) {
	pending, err := eng.orch.PendingConflicts(context.Background())
	if err != nil {
		return "", err
	}
	var rec *conflict.Record
	for _, c := range pending {
		if c.EntityType == t && c.EntityID == entityID {
			rec = c
			break
		}
	}
	if rec == nil {
		return "", fmt.Errorf("no pending conflict for %s %s", t, entityID)
	}

	var choice conflict.Choice
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[conflict.Choice]().
			Title(fmt.Sprintf("Conflict on %s %s", t, entityID)).
			Description(describeSides(rec)).
			Options(
				huh.NewOption(fmt.Sprintf("Keep local (%s)",
					rec.LocalVersion.Format("2006-01-02 15:04:05")), conflict.ChooseLocal),
				huh.NewOption(fmt.Sprintf("Take remote (%s)",
					rec.RemoteVersion.Format("2006-01-02 15:04:05")), conflict.ChooseRemote),
			).
			Value(&choice),
	))
	if err := form.Run(); err != nil {
		return "", err
	}
	return choice, nil
}

func describeSides(rec *conflict.Record) string {
	var b strings.Builder
	for _, name := range rec.FieldDiff() {
		fmt.Fprintf(&b, "%s: local=%v remote=%v\n", name, rec.LocalFields[name], rec.RemoteFields[name])
	}
	return b.String()
}
