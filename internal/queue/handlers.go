// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pdiddy/hypothesis-engine/internal/agents"
	"github.com/pdiddy/hypothesis-engine/internal/memory"
	"github.com/pdiddy/hypothesis-engine/pkg/types"
)

// supersedeAttempts bounds the version-conflict retry loop when flipping a
// parent hypothesis to superseded.
const supersedeAttempts = 4

// handle routes one claimed task to its result handler (R4.1-R4.6).
func (p *Pool) handle(ctx context.Context, task *types.Task) error {
	switch task.Type {
	case types.TaskGenerate:
		return p.handleGenerate(ctx, task)
	case types.TaskReview:
		return p.handleReview(ctx, task)
	case types.TaskCompare:
		return p.handleCompare(ctx, task)
	case types.TaskEvolve:
		return p.handleEvolve(ctx, task)
	case types.TaskUpdateProximity:
		return p.handleUpdateProximity(ctx, task)
	case types.TaskMetaReview:
		return p.handleMetaReview(ctx, task)
	default:
		return fmt.Errorf("unknown task type %q", task.Type)
	}
}

// handleGenerate asks the generate capability for fresh drafts and persists
// each as a new active hypothesis.
func (p *Pool) handleGenerate(ctx context.Context, task *types.Task) error {
	goal, err := p.store.ActiveGoal(ctx)
	if err != nil {
		return fmt.Errorf("loading goal: %w", err)
	}

	out, err := p.invoke(ctx, agents.Input{
		AgentType: agents.ForTask(task.Type),
		Goal:      *goal,
	})
	if err != nil {
		return err
	}
	if out.Generate == nil {
		return fmt.Errorf("generate task %s: missing result payload", task.ID)
	}

	for _, draft := range out.Generate.Drafts {
		if err := p.createHypothesis(ctx, goal.ID, draft, nil); err != nil {
			return err
		}
	}
	return nil
}

// handleReview invokes the reflect capability on the target hypothesis and
// appends the critique as an immutable review record.
func (p *Pool) handleReview(ctx context.Context, task *types.Task) error {
	if len(task.Targets) != 1 {
		return fmt.Errorf("review task %s: want 1 target, got %d", task.ID, len(task.Targets))
	}
	goal, err := p.store.ActiveGoal(ctx)
	if err != nil {
		return fmt.Errorf("loading goal: %w", err)
	}
	subject, _, err := p.getHypothesis(ctx, task.Targets[0])
	if err != nil {
		return err
	}

	out, err := p.invoke(ctx, agents.Input{
		AgentType: agents.ForTask(task.Type),
		Goal:      *goal,
		Targets:   []types.Hypothesis{subject},
	})
	if err != nil {
		return err
	}
	if out.Review == nil {
		return fmt.Errorf("review task %s: missing result payload", task.ID)
	}

	review := types.Review{
		ID:           uuid.NewString(),
		HypothesisID: subject.ID,
		Reviewer:     string(agents.AgentReflect),
		Critique:     out.Review.Critique,
		Scores:       out.Review.Scores,
		OverallScore: out.Review.OverallScore,
		CreatedAt:    time.Now().UTC(),
	}
	if _, err := p.store.Put(ctx, memory.KindReview, review.ID, review, 0); err != nil {
		return fmt.Errorf("storing review: %w", err)
	}
	return nil
}

// handleCompare runs a pairwise debate and records the match. A verdict the
// engine cannot interpret still produces a record: the match is stored
// inconclusive so the pair stays eligible for re-matching (R2.4).
func (p *Pool) handleCompare(ctx context.Context, task *types.Task) error {
	if len(task.Targets) != 2 {
		return fmt.Errorf("compare task %s: want 2 targets, got %d", task.ID, len(task.Targets))
	}
	goal, err := p.store.ActiveGoal(ctx)
	if err != nil {
		return fmt.Errorf("loading goal: %w", err)
	}
	a, _, err := p.getHypothesis(ctx, task.Targets[0])
	if err != nil {
		return err
	}
	b, _, err := p.getHypothesis(ctx, task.Targets[1])
	if err != nil {
		return err
	}

	match := types.Match{
		ID:          uuid.NewString(),
		HypothesisA: a.ID,
		HypothesisB: b.ID,
	}

	// A hypothesis rejected or superseded after the pair was scheduled no
	// longer competes; the match is recorded inconclusive rather than
	// moving a retired contestant's rating.
	if a.Status != types.HypothesisActive || b.Status != types.HypothesisActive {
		match.Outcome = types.OutcomeInconclusive
		return p.tourney.RecordMatch(ctx, match)
	}

	reviews, err := p.reviewsOf(ctx, a.ID, b.ID)
	if err != nil {
		return err
	}
	out, err := p.invoke(ctx, agents.Input{
		AgentType: agents.ForTask(task.Type),
		Goal:      *goal,
		Targets:   []types.Hypothesis{a, b},
		Reviews:   reviews,
	})
	if err != nil {
		return err
	}

	if out.Compare == nil {
		match.Outcome = types.OutcomeInconclusive
	} else {
		match.Margin = clamp01(out.Compare.Margin)
		match.Transcript = out.Compare.Transcript
		switch {
		case out.Compare.Margin < p.tcfg.DrawMargin:
			match.Outcome = types.OutcomeDraw
		case out.Compare.Winner == "A":
			match.Outcome = types.OutcomeWinA
		case out.Compare.Winner == "B":
			match.Outcome = types.OutcomeWinB
		case out.Compare.Winner == "draw":
			match.Outcome = types.OutcomeDraw
		default:
			p.log.Warn("unrecognized compare verdict",
				zap.String("task", task.ID),
				zap.String("winner", out.Compare.Winner))
			match.Outcome = types.OutcomeInconclusive
		}
	}

	if match.Transcript != "" {
		if _, err := p.store.AppendTimeline(ctx, memory.TimelineTranscript, transcriptEntry{
			MatchID:     match.ID,
			HypothesisA: a.ID,
			HypothesisB: b.ID,
			Transcript:  match.Transcript,
		}); err != nil {
			return fmt.Errorf("appending transcript: %w", err)
		}
	}
	return p.tourney.RecordMatch(ctx, match)
}

// transcriptEntry is the timeline payload for a debate transcript.
type transcriptEntry struct {
	MatchID     string `json:"match_id"`
	HypothesisA string `json:"hypothesis_a"`
	HypothesisB string `json:"hypothesis_b"`
	Transcript  string `json:"transcript"`
}

// handleEvolve refines the target hypothesis into new linked hypotheses and
// retires the parent. The parent's content is never touched; only its
// status flips to superseded.
func (p *Pool) handleEvolve(ctx context.Context, task *types.Task) error {
	if len(task.Targets) != 1 {
		return fmt.Errorf("evolve task %s: want 1 target, got %d", task.ID, len(task.Targets))
	}
	goal, err := p.store.ActiveGoal(ctx)
	if err != nil {
		return fmt.Errorf("loading goal: %w", err)
	}
	parent, _, err := p.getHypothesis(ctx, task.Targets[0])
	if err != nil {
		return err
	}
	if parent.Status != types.HypothesisActive {
		// Already retired by a concurrent evolve or rejection; nothing to
		// refine.
		return nil
	}

	reviews, err := p.reviewsOf(ctx, parent.ID)
	if err != nil {
		return err
	}
	out, err := p.invoke(ctx, agents.Input{
		AgentType: agents.ForTask(task.Type),
		Goal:      *goal,
		Targets:   []types.Hypothesis{parent},
		Reviews:   reviews,
	})
	if err != nil {
		return err
	}
	if out.Evolve == nil {
		return fmt.Errorf("evolve task %s: missing result payload", task.ID)
	}
	if len(out.Evolve.Drafts) == 0 {
		return nil
	}

	for _, draft := range out.Evolve.Drafts {
		if err := p.createHypothesis(ctx, goal.ID, draft, []string{parent.ID}); err != nil {
			return err
		}
	}
	return p.supersede(ctx, parent.ID)
}

// handleUpdateProximity scores the target against existing hypotheses and
// folds the scores into the proximity graph. Unscored candidates fall back
// to the lexical measure inside Observe.
func (p *Pool) handleUpdateProximity(ctx context.Context, task *types.Task) error {
	if len(task.Targets) != 1 {
		return fmt.Errorf("update-proximity task %s: want 1 target, got %d", task.ID, len(task.Targets))
	}
	goal, err := p.store.ActiveGoal(ctx)
	if err != nil {
		return fmt.Errorf("loading goal: %w", err)
	}
	subject, _, err := p.getHypothesis(ctx, task.Targets[0])
	if err != nil {
		return err
	}

	// The agent is asked to score only the bounded candidate set the graph
	// itself will integrate; sending the whole population would make every
	// insertion cost O(N) at the agent boundary for scores Observe discards.
	candidateIDs, err := p.graph.CandidateSet(ctx, subject.ID)
	if err != nil {
		return fmt.Errorf("selecting proximity candidates: %w", err)
	}
	all, err := p.store.LoadHypotheses(ctx)
	if err != nil {
		return fmt.Errorf("loading hypotheses: %w", err)
	}
	byID := make(map[string]types.Hypothesis, len(all))
	for _, h := range all {
		byID[h.ID] = h
	}
	candidates := make([]types.Hypothesis, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		if h, ok := byID[id]; ok {
			candidates = append(candidates, h)
		}
	}

	out, err := p.invoke(ctx, agents.Input{
		AgentType:  agents.ForTask(task.Type),
		Goal:       *goal,
		Targets:    []types.Hypothesis{subject},
		Candidates: candidates,
	})
	if err != nil {
		return err
	}
	scores := map[string]float64{}
	if out.Proximity != nil {
		scores = out.Proximity.Scores
	}
	if _, err := p.graph.Observe(ctx, subject.ID, scores); err != nil {
		return fmt.Errorf("updating proximity graph: %w", err)
	}
	if _, err := p.graph.MaybePrune(ctx); err != nil {
		return fmt.Errorf("pruning proximity graph: %w", err)
	}
	return nil
}

// handleMetaReview synthesizes the research overview from the current
// top-ranked hypotheses and their reviews, upserting the single overview
// record for the active goal.
func (p *Pool) handleMetaReview(ctx context.Context, task *types.Task) error {
	goal, err := p.store.ActiveGoal(ctx)
	if err != nil {
		return fmt.Errorf("loading goal: %w", err)
	}

	targets := make([]types.Hypothesis, 0, len(task.Targets))
	for _, id := range task.Targets {
		h, _, err := p.getHypothesis(ctx, id)
		if err != nil {
			return err
		}
		targets = append(targets, h)
	}
	reviews, err := p.reviewsOf(ctx, task.Targets...)
	if err != nil {
		return err
	}

	out, err := p.invoke(ctx, agents.Input{
		AgentType: agents.ForTask(task.Type),
		Goal:      *goal,
		Targets:   targets,
		Reviews:   reviews,
	})
	if err != nil {
		return err
	}
	if out.MetaReview == nil {
		return fmt.Errorf("meta-review task %s: missing result payload", task.ID)
	}

	overview := types.Overview{
		ID:            goal.ID,
		GoalID:        goal.ID,
		Document:      out.MetaReview.Document,
		TopHypotheses: task.Targets,
		Patterns:      out.MetaReview.Patterns,
		CreatedAt:     time.Now().UTC(),
	}
	var existing types.Overview
	version, err := p.store.Get(ctx, memory.KindOverview, overview.ID, &existing)
	if err != nil {
		if !errors.Is(err, memory.ErrNotFound) {
			return fmt.Errorf("loading overview: %w", err)
		}
		version = 0
	}
	if _, err := p.store.Put(ctx, memory.KindOverview, overview.ID, overview, version); err != nil {
		return fmt.Errorf("storing overview: %w", err)
	}
	return nil
}

func (p *Pool) createHypothesis(ctx context.Context, goalID string, draft agents.Draft, parents []string) error {
	h := types.Hypothesis{
		ID:        uuid.NewString(),
		GoalID:    goalID,
		Title:     draft.Title,
		Content:   draft.Content,
		Parents:   parents,
		Status:    types.HypothesisActive,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := p.store.Put(ctx, memory.KindHypothesis, h.ID, h, 0); err != nil {
		return fmt.Errorf("storing hypothesis: %w", err)
	}
	return nil
}

// supersede flips a hypothesis to superseded, retrying version conflicts
// against concurrent status writers.
func (p *Pool) supersede(ctx context.Context, id string) error {
	for attempt := 0; attempt < supersedeAttempts; attempt++ {
		h, version, err := p.getHypothesis(ctx, id)
		if err != nil {
			return err
		}
		if h.Status != types.HypothesisActive {
			return nil
		}
		h.Status = types.HypothesisSuperseded
		_, err = p.store.Put(ctx, memory.KindHypothesis, id, h, version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, memory.ErrVersionConflict) {
			return fmt.Errorf("superseding hypothesis %s: %w", id, err)
		}
	}
	return fmt.Errorf("superseding hypothesis %s: %w", id, memory.ErrVersionConflict)
}

func (p *Pool) getHypothesis(ctx context.Context, id string) (types.Hypothesis, int64, error) {
	var h types.Hypothesis
	version, err := p.store.Get(ctx, memory.KindHypothesis, id, &h)
	if err != nil {
		return types.Hypothesis{}, 0, fmt.Errorf("loading hypothesis %s: %w", id, err)
	}
	return h, version, nil
}

// reviewsOf returns the stored reviews for the given hypothesis IDs.
func (p *Pool) reviewsOf(ctx context.Context, ids ...string) ([]types.Review, error) {
	all, err := p.store.LoadReviews(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading reviews: %w", err)
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var matched []types.Review
	for _, r := range all {
		if want[r.HypothesisID] {
			matched = append(matched, r)
		}
	}
	return matched, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
