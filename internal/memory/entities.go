// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pdiddy/hypothesis-engine/pkg/types"
)

// Typed loaders over Scan. Each returns records in commit order.

// LoadHypotheses returns every hypothesis in creation order.
func (s *Store) LoadHypotheses(ctx context.Context) ([]types.Hypothesis, error) {
	var out []types.Hypothesis
	err := s.Scan(ctx, KindHypothesis, func(id string, _ int64, body []byte) error {
		var h types.Hypothesis
		if err := json.Unmarshal(body, &h); err != nil {
			return fmt.Errorf("decoding hypothesis %s: %w", id, err)
		}
		out = append(out, h)
		return nil
	})
	return out, err
}

// LoadMatches returns every match in commit order, the order rating replay
// must honor.
func (s *Store) LoadMatches(ctx context.Context) ([]types.Match, error) {
	var out []types.Match
	err := s.Scan(ctx, KindMatch, func(id string, _ int64, body []byte) error {
		var m types.Match
		if err := json.Unmarshal(body, &m); err != nil {
			return fmt.Errorf("decoding match %s: %w", id, err)
		}
		out = append(out, m)
		return nil
	})
	return out, err
}

// LoadRatings returns the current rating map keyed by hypothesis ID.
func (s *Store) LoadRatings(ctx context.Context) (map[string]types.Rating, error) {
	out := make(map[string]types.Rating)
	err := s.Scan(ctx, KindRating, func(id string, _ int64, body []byte) error {
		var r types.Rating
		if err := json.Unmarshal(body, &r); err != nil {
			return fmt.Errorf("decoding rating %s: %w", id, err)
		}
		out[r.HypothesisID] = r
		return nil
	})
	return out, err
}

// LoadReviews returns every review in commit order.
func (s *Store) LoadReviews(ctx context.Context) ([]types.Review, error) {
	var out []types.Review
	err := s.Scan(ctx, KindReview, func(id string, _ int64, body []byte) error {
		var r types.Review
		if err := json.Unmarshal(body, &r); err != nil {
			return fmt.Errorf("decoding review %s: %w", id, err)
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// LoadEdges returns every proximity edge.
func (s *Store) LoadEdges(ctx context.Context) ([]types.ProximityEdge, error) {
	var out []types.ProximityEdge
	err := s.Scan(ctx, KindEdge, func(id string, _ int64, body []byte) error {
		var e types.ProximityEdge
		if err := json.Unmarshal(body, &e); err != nil {
			return fmt.Errorf("decoding edge %s: %w", id, err)
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// ActiveGoal returns the goal version currently driving scheduling, or
// ErrNotFound when the session has no goal yet.
func (s *Store) ActiveGoal(ctx context.Context) (*types.ResearchGoal, error) {
	var active *types.ResearchGoal
	err := s.Scan(ctx, KindGoal, func(id string, _ int64, body []byte) error {
		var g types.ResearchGoal
		if err := json.Unmarshal(body, &g); err != nil {
			return fmt.Errorf("decoding goal %s: %w", id, err)
		}
		if g.Status == types.GoalActive {
			active = &g
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, fmt.Errorf("active goal: %w", ErrNotFound)
	}
	return active, nil
}
