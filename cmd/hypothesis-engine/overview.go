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

var overviewCmd = &cobra.Command{
	Use:   "overview",
	Short: "Print the research overview synthesized by meta-review",
	Long: `Overview prints the research overview document for the session's goal:
the synthesized summary of the top-ranked hypotheses and the recurring
critique patterns the meta-review found across reviews.`,
	RunE: runOverview,
}

func init() {
	overviewCmd.Flags().Bool("json", false, "output as JSON")
	rootCmd.AddCommand(overviewCmd)
}

func runOverview(cmd *cobra.Command, args []string) error {
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

	var overview types.Overview
	if _, err := store.Get(ctx, memory.KindOverview, goal.ID, &overview); err != nil {
		return fmt.Errorf("no overview yet; the session has not run a meta-review: %w", err)
	}

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(overview)
	}

	fmt.Println(overview.Document)
	if len(overview.Patterns) > 0 {
		fmt.Println("\nRecurring critique patterns:")
		for _, p := range overview.Patterns {
			fmt.Printf("  - %s\n", p)
		}
	}
	return nil
}
