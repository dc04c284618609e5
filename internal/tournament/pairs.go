// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package tournament

import (
	"context"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/pdiddy/hypothesis-engine/pkg/types"
)

// Pair is a candidate comparison: two hypothesis IDs that have not been
// conclusively compared yet.
type Pair struct {
	A string
	B string
}

// SelectPairs chooses up to n hypothesis pairs for the next compare tasks.
// Selection maximizes information gain: hypotheses with similar current
// ratings that have not already played each other pair first (R3.1-R3.2).
// Every FreshPairCadence-th round one pair joins a top-ranked hypothesis
// with the newest one, keeping rankings connected to fresh content (R3.3).
// Pairs recorded only as inconclusive stay eligible (R2.4).
func (e *Engine) SelectPairs(ctx context.Context, n int) ([]Pair, error) {
	if n <= 0 {
		return nil, nil
	}

	hypotheses, err := e.store.LoadHypotheses(ctx)
	if err != nil {
		return nil, err
	}
	ratings, err := e.store.LoadRatings(ctx)
	if err != nil {
		return nil, err
	}
	matches, err := e.store.LoadMatches(ctx)
	if err != nil {
		return nil, err
	}

	played := make(map[string]bool)
	for _, m := range matches {
		if m.Outcome != types.OutcomeInconclusive {
			played[types.EdgeID(m.HypothesisA, m.HypothesisB)] = true
		}
	}

	// Matches never pair rejected or superseded hypotheses (scheduling-time
	// check; the invariant is on status at selection).
	var eligible []types.Hypothesis
	for _, h := range hypotheses {
		if h.Status == types.HypothesisActive {
			eligible = append(eligible, h)
		}
	}
	if len(eligible) < 2 {
		return nil, nil
	}

	value := func(id string) float64 {
		if r, ok := ratings[id]; ok {
			return r.Value
		}
		return e.cfg.InitialRating
	}

	byRating := make([]types.Hypothesis, len(eligible))
	copy(byRating, eligible)
	sort.SliceStable(byRating, func(i, j int) bool {
		return value(byRating[i].ID) > value(byRating[j].ID)
	})

	var pairs []Pair
	taken := make(map[string]bool)
	add := func(a, b string) bool {
		key := types.EdgeID(a, b)
		if a == b || played[key] || taken[key] {
			return false
		}
		taken[key] = true
		pairs = append(pairs, Pair{A: a, B: b})
		return true
	}

	// Fresh-entrant injection: newest hypothesis against the current top.
	round := atomic.AddInt64(&e.pairRounds, 1)
	if e.cfg.FreshPairCadence > 0 && round%int64(e.cfg.FreshPairCadence) == 0 {
		newest := eligible[len(eligible)-1]
		for _, top := range byRating {
			if len(pairs) >= n {
				break
			}
			if add(top.ID, newest.ID) {
				e.log.Debug("fresh pair injected",
					zap.String("top", top.ID), zap.String("newest", newest.ID))
				break
			}
		}
	}

	// Band pairing: walk the rating order and pair each hypothesis with the
	// nearest unplayed neighbor inside the tolerance band.
	for i := 0; i < len(byRating) && len(pairs) < n; i++ {
		for j := i + 1; j < len(byRating) && len(pairs) < n; j++ {
			gap := value(byRating[i].ID) - value(byRating[j].ID)
			if gap > e.cfg.PairBand {
				break
			}
			if add(byRating[i].ID, byRating[j].ID) {
				break
			}
		}
	}

	return pairs, nil
}
