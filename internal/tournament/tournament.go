// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package tournament maintains comparative ratings for hypotheses through
// pairwise matches. Implements: prd002-tournament (R1-R5);
//
//	docs/ARCHITECTURE § Tournament Engine.
//
// Ratings follow the standard logistic paired-comparison update. The K
// factor is graduated: large while a hypothesis has few matches so new
// entrants settle quickly, small afterwards so long-lived top hypotheses do
// not oscillate. All mutations go through the memory layer's versioned
// writes; a match record and both rating updates commit as one batch, which
// is what linearizes concurrent matches sharing a hypothesis.
package tournament

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pdiddy/hypothesis-engine/internal/memory"
	"github.com/pdiddy/hypothesis-engine/pkg/types"
)

// maxCommitAttempts bounds the reread-retry loop on version conflicts.
const maxCommitAttempts = 32

// Engine records match outcomes and answers ranked queries.
type Engine struct {
	store *memory.Store
	cfg   types.TournamentConfig
	log   *zap.Logger

	// pairRounds counts SelectPairs calls for fresh-pair cadence. In-memory
	// only; losing it across a restart just shifts the injection phase.
	pairRounds int64
}

// NewEngine creates a tournament engine over the given store.
func NewEngine(store *memory.Store, cfg types.TournamentConfig, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: store, cfg: cfg, log: log}
}

// RecordMatch persists a match and applies its outcome to both ratings.
// Inconclusive matches are recorded but excluded from rating updates; the
// pair stays eligible for re-matching (R2.4). For conclusive outcomes the
// match insert and both rating writes commit atomically: on a version
// conflict the whole batch rolls back, ratings are reread, and the update
// is recomputed against the new base versions (R4.1-R4.3).
func (e *Engine) RecordMatch(ctx context.Context, match types.Match) error {
	if match.ID == "" {
		match.ID = uuid.NewString()
	}
	if match.CreatedAt.IsZero() {
		match.CreatedAt = time.Now().UTC()
	}

	if match.Outcome == types.OutcomeInconclusive {
		if _, err := e.store.Put(ctx, memory.KindMatch, match.ID, match, 0); err != nil {
			return fmt.Errorf("recording inconclusive match: %w", err)
		}
		e.log.Info("match inconclusive",
			zap.String("match", match.ID),
			zap.String("a", match.HypothesisA),
			zap.String("b", match.HypothesisB))
		return nil
	}

	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		ratingA, versionA, err := e.currentRating(ctx, match.HypothesisA)
		if err != nil {
			return err
		}
		ratingB, versionB, err := e.currentRating(ctx, match.HypothesisB)
		if err != nil {
			return err
		}

		newA, newB := e.apply(ratingA, ratingB, match)

		err = e.store.PutAll(ctx,
			memory.Op{Kind: memory.KindMatch, ID: match.ID, Record: match, ExpectedVersion: 0},
			memory.Op{Kind: memory.KindRating, ID: match.HypothesisA, Record: newA, ExpectedVersion: versionA},
			memory.Op{Kind: memory.KindRating, ID: match.HypothesisB, Record: newB, ExpectedVersion: versionB},
		)
		if errors.Is(err, memory.ErrVersionConflict) {
			e.log.Debug("rating version conflict, retrying",
				zap.String("match", match.ID), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return fmt.Errorf("committing match %s: %w", match.ID, err)
		}

		e.log.Info("match recorded",
			zap.String("match", match.ID),
			zap.String("outcome", string(match.Outcome)),
			zap.Float64("rating_a", newA.Value),
			zap.Float64("rating_b", newB.Value))
		return nil
	}
	return fmt.Errorf("match %s: gave up after %d version conflicts", match.ID, maxCommitAttempts)
}

// currentRating loads the rating for a hypothesis, or returns the initial
// rating at version 0 if it has never played.
func (e *Engine) currentRating(ctx context.Context, hypothesisID string) (types.Rating, int64, error) {
	var rating types.Rating
	version, err := e.store.Get(ctx, memory.KindRating, hypothesisID, &rating)
	if errors.Is(err, memory.ErrNotFound) {
		return types.Rating{HypothesisID: hypothesisID, Value: e.cfg.InitialRating}, 0, nil
	}
	if err != nil {
		return types.Rating{}, 0, err
	}
	return rating, version, nil
}

// apply computes both post-match ratings from the pre-match ratings.
func (e *Engine) apply(a, b types.Rating, match types.Match) (types.Rating, types.Rating) {
	expectedA := expectedScore(a.Value, b.Value)
	scoreA := match.ScoreA()

	scale := match.Margin
	if scale <= 0 || scale > 1 {
		scale = 1
	}

	now := time.Now().UTC()
	a.Value += e.kFactor(a.Matches) * scale * (scoreA - expectedA)
	b.Value += e.kFactor(b.Matches) * scale * ((1 - scoreA) - (1 - expectedA))
	a.Matches++
	b.Matches++
	a.UpdatedAt, b.UpdatedAt = now, now
	return a, b
}

// expectedScore is the logistic expected result for a rating pair.
func expectedScore(ra, rb float64) float64 {
	return 1 / (1 + math.Pow(10, (rb-ra)/400))
}

// kFactor returns the graduated K for a hypothesis with the given match
// count: KHigh below the threshold, KLow at or beyond it (R1.3).
func (e *Engine) kFactor(matches int) float64 {
	if matches < e.cfg.KThreshold {
		return e.cfg.KHigh
	}
	return e.cfg.KLow
}

// Ranked is one entry of a TopRanked result.
type Ranked struct {
	HypothesisID string
	Rating       float64
	Matches      int
}

// TopRanked returns up to n active hypotheses ordered by rating descending,
// ties broken by earliest creation (R5.1). Hypotheses that have never
// played rank at the initial rating.
func (e *Engine) TopRanked(ctx context.Context, n int) ([]Ranked, error) {
	hypotheses, err := e.store.LoadHypotheses(ctx)
	if err != nil {
		return nil, err
	}
	ratings, err := e.store.LoadRatings(ctx)
	if err != nil {
		return nil, err
	}

	created := make(map[string]time.Time, len(hypotheses))
	var out []Ranked
	for _, h := range hypotheses {
		if h.Status != types.HypothesisActive {
			continue
		}
		created[h.ID] = h.CreatedAt
		entry := Ranked{HypothesisID: h.ID, Rating: e.cfg.InitialRating}
		if r, ok := ratings[h.ID]; ok {
			entry.Rating = r.Value
			entry.Matches = r.Matches
		}
		out = append(out, entry)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Rating != out[j].Rating {
			return out[i].Rating > out[j].Rating
		}
		return created[out[i].HypothesisID].Before(created[out[j].HypothesisID])
	})

	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// ReplayRatings recomputes every rating from scratch by replaying matches
// in commit order. The result must equal the incrementally maintained
// ratings exactly; the consistency test holds the engine to it (R4.2).
func (e *Engine) ReplayRatings(ctx context.Context) (map[string]types.Rating, error) {
	matches, err := e.store.LoadMatches(ctx)
	if err != nil {
		return nil, err
	}

	replayed := make(map[string]types.Rating)
	lookup := func(id string) types.Rating {
		if r, ok := replayed[id]; ok {
			return r
		}
		return types.Rating{HypothesisID: id, Value: e.cfg.InitialRating}
	}

	for _, match := range matches {
		if match.Outcome == types.OutcomeInconclusive {
			continue
		}
		newA, newB := e.apply(lookup(match.HypothesisA), lookup(match.HypothesisB), match)
		replayed[match.HypothesisA] = newA
		replayed[match.HypothesisB] = newB
	}
	return replayed, nil
}
