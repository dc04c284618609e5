// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pdiddy/hypothesis-engine/internal/memory"
	"github.com/pdiddy/hypothesis-engine/pkg/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the session state, task queue, and latest statistics",
	Long: `Status reads the memory file and prints the session state machine
position, hypothesis and task counts, and the most recent statistics
snapshot, including dead tasks awaiting diagnosis.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().Bool("json", false, "output the latest snapshot as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := engineConfig()
	if err != nil {
		return err
	}
	store, err := memory.Open(cfg.Memory)
	if err != nil {
		return fmt.Errorf("opening memory %s: %w", cfg.Memory.Path, err)
	}
	defer store.Close()

	ctx := context.Background()
	goal, err := store.ActiveGoal(ctx)
	if err != nil {
		return fmt.Errorf("no session in %s: %w", cfg.Memory.Path, err)
	}

	// Latest snapshot wins; the timeline is scanned in order.
	var latest *types.Snapshot
	err = store.ScanTimeline(ctx, memory.TimelineSnapshot, 0, func(seq int64, payload []byte) error {
		var snap types.Snapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			return fmt.Errorf("decoding snapshot at seq %d: %w", seq, err)
		}
		snap.Seq = seq
		latest = &snap
		return nil
	})
	if err != nil {
		return err
	}

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(latest)
	}

	fmt.Printf("Goal (v%d): %s\n", goal.Version, goal.Text)
	// Each feedback revision retires the old goal in place, leaving one
	// history row under the retired goal's id.
	revisions := 0
	err = store.Scan(ctx, memory.KindGoal, func(id string, version int64, body []byte) error {
		return store.History(ctx, memory.KindGoal, id, func(version int64, body []byte) error {
			revisions++
			return nil
		})
	})
	if err != nil {
		return err
	}
	if revisions > 0 {
		fmt.Printf("Prior goal revisions retained: %d\n", revisions)
	}
	if latest == nil {
		fmt.Println("No statistics yet: the session has not completed a cycle.")
		return nil
	}

	fmt.Printf("State: %s  Cycle: %d  Invocations: %d\n", latest.State, latest.Cycle, latest.Invocations)
	fmt.Printf("Hypotheses: %d active, %d superseded, %d rejected\n",
		latest.HypothesesByStatus[types.HypothesisActive],
		latest.HypothesesByStatus[types.HypothesisSuperseded],
		latest.HypothesesByStatus[types.HypothesisRejected])
	fmt.Printf("Reviews: %d  Matches: %d (%d inconclusive)  Clusters: %d\n",
		latest.Reviews, latest.Matches, latest.Inconclusive, latest.Clusters)
	fmt.Printf("Tasks: %d queued, %d in progress, %d done, %d dead\n",
		latest.TasksByStatus[types.TaskQueued],
		latest.TasksByStatus[types.TaskInProgress],
		latest.TasksByStatus[types.TaskDone],
		latest.TasksByStatus[types.TaskDead])
	if latest.TasksByStatus[types.TaskQueued] > 0 {
		fmt.Print("Queued by type:")
		for _, tt := range types.AllTaskTypes {
			if n := latest.PendingByType[tt]; n > 0 {
				fmt.Printf(" %s=%d", tt, n)
			}
		}
		fmt.Println()
	}
	fmt.Printf("Top-K rating movement: %.2f\n", latest.TopRatingDelta)

	dead, err := store.DeadTasks(ctx)
	if err != nil {
		return err
	}
	for _, task := range dead {
		fmt.Printf("  dead %s task %s: %s\n", task.Type, task.ID, task.LastError)
	}
	return nil
}
