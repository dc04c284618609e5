// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pdiddy/hypothesis-engine/internal/memory"
	"github.com/pdiddy/hypothesis-engine/pkg/types"
)

var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Record scientist feedback: revise the goal or reject a hypothesis",
	Long: `Feedback records scientist input between runs. With --goal or --goal-file
it revises the research goal: the current goal version is never edited in
place, it is marked superseded and a new version becomes active, so the
audit trail shows exactly which goal drove which cycles. With --hypothesis
it records the feedback text as a review against that hypothesis and
retires it: a rejected hypothesis no longer competes or evolves. The next
run picks up either change.`,
	RunE: runFeedback,
}

func init() {
	feedbackCmd.Flags().String("goal", "", "revised research goal text")
	feedbackCmd.Flags().String("goal-file", "", "file containing the revised goal text")
	feedbackCmd.Flags().StringSlice("criteria", nil, "revised evaluation criteria")
	feedbackCmd.Flags().String("hypothesis", "", "hypothesis ID to reject")
	feedbackCmd.Flags().String("note", "", "feedback text recorded against the rejected hypothesis")

	rootCmd.AddCommand(feedbackCmd)
}

func runFeedback(cmd *cobra.Command, args []string) error {
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

	if hypID, _ := cmd.Flags().GetString("hypothesis"); hypID != "" {
		note, _ := cmd.Flags().GetString("note")
		if note == "" {
			return fmt.Errorf("rejecting a hypothesis needs --note with the feedback text")
		}
		if err := rejectHypothesis(ctx, store, hypID, note); err != nil {
			return err
		}
		fmt.Printf("Hypothesis %s rejected.\n", hypID)
		return nil
	}

	spec, err := goalFromFlags(cmd)
	if err != nil {
		return err
	}
	if spec.Text == "" {
		return fmt.Errorf("feedback needs --goal, --goal-file, or --hypothesis")
	}
	current, err := store.ActiveGoal(ctx)
	if err != nil {
		return fmt.Errorf("no session to revise: %w", err)
	}

	criteria := spec.Criteria
	if criteria == nil {
		criteria = current.Criteria
	}
	preferences := spec.Preferences
	if preferences == nil {
		preferences = current.Preferences
	}
	next := types.ResearchGoal{
		ID:          uuid.NewString(),
		Version:     current.Version + 1,
		Text:        spec.Text,
		Criteria:    criteria,
		Preferences: preferences,
		Status:      types.GoalActive,
		CreatedAt:   time.Now().UTC(),
	}

	// Supersede the old version and create the new one atomically so no
	// cycle ever observes zero or two active goals.
	var onDisk types.ResearchGoal
	currentVersion, err := store.Get(ctx, memory.KindGoal, current.ID, &onDisk)
	if err != nil {
		return fmt.Errorf("loading current goal record: %w", err)
	}
	retired := onDisk
	retired.Status = types.GoalSuperseded
	err = store.PutAll(ctx,
		memory.Op{Kind: memory.KindGoal, ID: current.ID, Record: retired, ExpectedVersion: currentVersion},
		memory.Op{Kind: memory.KindGoal, ID: next.ID, Record: next, ExpectedVersion: 0},
	)
	if err != nil {
		return fmt.Errorf("revising goal: %w", err)
	}

	fmt.Printf("Goal revised to v%d. Resume the session with `hypothesis-engine run --resume`.\n", next.Version)
	return nil
}

// rejectHypothesis flips the hypothesis to rejected and records the
// feedback as a review, atomically, retrying when the engine raced a
// concurrent update to the same record.
func rejectHypothesis(ctx context.Context, store *memory.Store, id, note string) error {
	for attempt := 0; attempt < 4; attempt++ {
		var h types.Hypothesis
		version, err := store.Get(ctx, memory.KindHypothesis, id, &h)
		if err != nil {
			return fmt.Errorf("loading hypothesis %s: %w", id, err)
		}
		if h.Status == types.HypothesisRejected {
			return fmt.Errorf("hypothesis %s is already rejected", id)
		}
		review := types.Review{
			ID:           uuid.NewString(),
			HypothesisID: id,
			Reviewer:     "scientist",
			Critique:     note,
			CreatedAt:    time.Now().UTC(),
		}
		h.Status = types.HypothesisRejected
		err = store.PutAll(ctx,
			memory.Op{Kind: memory.KindHypothesis, ID: id, Record: h, ExpectedVersion: version},
			memory.Op{Kind: memory.KindReview, ID: review.ID, Record: review, ExpectedVersion: 0},
		)
		if errors.Is(err, memory.ErrVersionConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("rejecting hypothesis %s: %w", id, memory.ErrVersionConflict)
}
