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

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Show the tournament leaderboard",
	Long: `Top prints the highest-rated active hypotheses with their Elo rating and
match count. Hypotheses that have not played yet rank at the initial
rating.`,
	RunE: runTop,
}

func init() {
	topCmd.Flags().Int("n", 10, "number of hypotheses to show")
	topCmd.Flags().Bool("json", false, "output as JSON")
	rootCmd.AddCommand(topCmd)
}

func runTop(cmd *cobra.Command, args []string) error {
	cfg, err := engineConfig()
	if err != nil {
		return err
	}
	eng, err := openEngine(cfg, true)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx := context.Background()
	n, _ := cmd.Flags().GetInt("n")
	ranked, err := eng.tourney.TopRanked(ctx, n)
	if err != nil {
		return err
	}

	type row struct {
		Rank    int     `json:"rank"`
		ID      string  `json:"id"`
		Title   string  `json:"title"`
		Rating  float64 `json:"rating"`
		Matches int     `json:"matches"`
	}
	rows := make([]row, 0, len(ranked))
	for i, r := range ranked {
		var h types.Hypothesis
		if _, err := eng.store.Get(ctx, memory.KindHypothesis, r.HypothesisID, &h); err != nil {
			return err
		}
		rows = append(rows, row{
			Rank:    i + 1,
			ID:      r.HypothesisID,
			Title:   h.Title,
			Rating:  r.Rating,
			Matches: r.Matches,
		})
	}

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Println("No hypotheses yet.")
		return nil
	}
	fmt.Printf("%-4s  %-8s  %-7s  %s\n", "Rank", "Rating", "Matches", "Title")
	for _, r := range rows {
		title := r.Title
		if len(title) > 70 {
			title = title[:67] + "..."
		}
		fmt.Printf("%-4d  %-8.1f  %-7d  %s\n", r.Rank, r.Rating, r.Matches, title)
	}
	total, err := eng.store.Count(ctx, memory.KindHypothesis)
	if err != nil {
		return err
	}
	if total > len(rows) {
		fmt.Printf("(%d of %d hypotheses shown)\n", len(rows), total)
	}
	return nil
}
