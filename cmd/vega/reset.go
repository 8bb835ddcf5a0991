package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete every task from the store",
	Long: `Reset Vega to a fresh state by deleting all data.

This will delete every task together with its agents, cost records,
messages and logs.

Examples:
  vega reset
  vega reset --yes`,
	Args: cobra.NoArgs,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetYes, "yes", false, "Skip confirmation prompt")
}

func runReset(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	tasks, err := a.store.ListTasks(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("  Store: %s (%s)\n", a.cfg.StorePath(), a.cfg.Store.Driver)
	if len(tasks) == 0 {
		fmt.Println("Nothing to reset, already clean.")
		return nil
	}

	var agents int
	for _, t := range tasks {
		recs, err := a.store.ListAgents(ctx, t.ID)
		if err != nil {
			return err
		}
		agents += len(recs)
	}
	fmt.Printf("  %-10s %d records\n", "Tasks", len(tasks))
	fmt.Printf("  %-10s %d records\n", "Agents", agents)
	fmt.Println()

	if !resetYes && !confirm("Are you sure you want to delete all of the above?") {
		fmt.Println("Aborted.")
		return nil
	}

	var failed int
	for _, t := range tasks {
		if err := a.store.DeleteTask(ctx, t.ID); err != nil {
			fmt.Fprintf(os.Stderr, "  Error deleting %s: %v\n", t.ID, err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tasks could not be deleted", failed, len(tasks))
	}
	fmt.Println("Reset complete. Vega is fresh.")
	return nil
}
