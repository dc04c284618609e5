// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package supervisor

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/pdiddy/hypothesis-engine/pkg/types"
)

// observation bundles the per-cycle snapshot with the derived target lists
// the scheduler needs, so every decision in a cycle reads one consistent
// view of memory.
type observation struct {
	snapshot types.Snapshot
	planIn   planInput

	// unreviewed lists active hypotheses with no review, oldest first.
	unreviewed []string

	// uncovered lists active hypotheses with no proximity edge, newest
	// first so fresh arrivals are folded in promptly.
	uncovered []string

	// topIDs is the current top-K, best first.
	topIDs []string

	// reviewed marks hypothesis IDs that have at least one review.
	reviewed map[string]bool
}

// observe computes the cycle's statistics snapshot and planning input from
// a single pass over memory (R2.1-R2.3).
func (s *Supervisor) observe(ctx context.Context) (observation, error) {
	var obs observation

	hyps, err := s.store.LoadHypotheses(ctx)
	if err != nil {
		return obs, fmt.Errorf("loading hypotheses: %w", err)
	}
	reviews, err := s.store.LoadReviews(ctx)
	if err != nil {
		return obs, fmt.Errorf("loading reviews: %w", err)
	}
	matches, err := s.store.LoadMatches(ctx)
	if err != nil {
		return obs, fmt.Errorf("loading matches: %w", err)
	}
	edges, err := s.store.LoadEdges(ctx)
	if err != nil {
		return obs, fmt.Errorf("loading proximity edges: %w", err)
	}
	byStatus, pendingByType, err := s.store.TaskCounts(ctx)
	if err != nil {
		return obs, fmt.Errorf("counting tasks: %w", err)
	}
	yield, err := s.store.YieldByType(ctx)
	if err != nil {
		return obs, fmt.Errorf("reading task yield: %w", err)
	}
	clusters, err := s.graph.ClusterCount(ctx)
	if err != nil {
		return obs, fmt.Errorf("counting clusters: %w", err)
	}
	top, err := s.tourney.TopRanked(ctx, s.cfg.TopK)
	if err != nil {
		return obs, fmt.Errorf("ranking hypotheses: %w", err)
	}

	obs.reviewed = make(map[string]bool, len(reviews))
	for _, r := range reviews {
		obs.reviewed[r.HypothesisID] = true
	}
	edged := make(map[string]bool, len(edges))
	for _, e := range edges {
		edged[e.A] = true
		edged[e.B] = true
	}

	hypsByStatus := make(map[types.HypothesisStatus]int)
	active := 0
	for _, h := range hyps {
		hypsByStatus[h.Status]++
		if h.Status != types.HypothesisActive {
			continue
		}
		active++
		if !obs.reviewed[h.ID] {
			obs.unreviewed = append(obs.unreviewed, h.ID)
		}
		if !edged[h.ID] {
			// Prepend: LoadHypotheses returns commit order, the scheduler
			// wants the newest uncovered arrival first.
			obs.uncovered = append([]string{h.ID}, obs.uncovered...)
		}
	}

	conclusive, inconclusive := 0, 0
	for _, m := range matches {
		if m.Outcome == types.OutcomeInconclusive {
			inconclusive++
		} else {
			conclusive++
		}
	}

	obs.topIDs = make([]string, len(top))
	topRatings := make(map[string]float64, len(top))
	for i, r := range top {
		obs.topIDs[i] = r.HypothesisID
		topRatings[r.HypothesisID] = r.Rating
	}

	obs.snapshot = types.Snapshot{
		Cycle:              s.cycle,
		State:              s.state,
		HypothesesByStatus: hypsByStatus,
		TasksByStatus:      byStatus,
		PendingByType:      pendingByType,
		YieldByType:        yield,
		Reviews:            len(reviews),
		Matches:            conclusive,
		Inconclusive:       inconclusive,
		Clusters:           clusters,
		TopRatingDelta:     s.topDelta(topRatings),
		TopRatings:         topRatings,
		Invocations:        s.pool.Invocations(),
		CreatedAt:          time.Now().UTC(),
	}

	obs.planIn = planInput{
		Active:         active,
		Unreviewed:     max(0, len(obs.unreviewed)-pendingByType[types.TaskReview]),
		CandidatePairs: max(0, active*(active-1)/2-conclusive),
		Uncovered:      len(obs.uncovered),
		Settling:       len(s.prevTop) > 0 && obs.snapshot.TopRatingDelta < 2*s.cfg.ConvergenceDelta,
		QuietCycles:    s.quietCycles,
		Clusters:       clusters,
		PrevClusters:   s.prevClusters,
		Pending:        pendingByType,
		BudgetLeft:     max(0, s.cfg.Budget-obs.snapshot.Invocations),
	}
	return obs, nil
}

// topDelta is the mean absolute rating movement across the current top-K
// since the previous cycle. A hypothesis newly arrived in the top-K counts
// as a full convergence-delta of movement: membership churn is not quiet.
func (s *Supervisor) topDelta(current map[string]float64) float64 {
	if len(current) == 0 || len(s.prevTop) == 0 {
		return 0
	}
	var sum float64
	for id, rating := range current {
		prev, ok := s.prevTop[id]
		if !ok {
			sum += s.cfg.ConvergenceDelta
			continue
		}
		sum += math.Abs(rating - prev)
	}
	return sum / float64(len(current))
}
