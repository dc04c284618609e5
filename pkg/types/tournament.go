// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "time"

// MatchOutcome records the result of one pairwise comparison from the
// perspective of hypothesis A. Per prd002-tournament R2.1-R2.4.
type MatchOutcome string

const (
	OutcomeWinA MatchOutcome = "win-a"
	OutcomeWinB MatchOutcome = "win-b"
	OutcomeDraw MatchOutcome = "draw"

	// OutcomeInconclusive marks a comparison whose result could not be
	// determined (the external call failed or the payload did not parse).
	// Inconclusive matches are recorded for audit but never applied to
	// ratings, and the pair stays eligible for re-matching.
	OutcomeInconclusive MatchOutcome = "inconclusive"
)

// Match is an immutable record of one pairwise comparison between two
// hypotheses. Matches are the sole input to rating updates: replaying them
// in commit order reproduces the current ratings exactly.
type Match struct {
	// ID identifies this match.
	ID string `json:"id" yaml:"id"`

	// HypothesisA and HypothesisB are the compared hypotheses. Both had
	// status != rejected when the compare task was scheduled.
	HypothesisA string `json:"hypothesis_a" yaml:"hypothesis_a"`
	HypothesisB string `json:"hypothesis_b" yaml:"hypothesis_b"`

	Outcome MatchOutcome `json:"outcome" yaml:"outcome"`

	// Margin is the comparison confidence in [0,1]. It scales the K factor
	// so narrow verdicts move ratings less than decisive ones.
	Margin float64 `json:"margin" yaml:"margin"`

	// Transcript references the debate transcript stored on the timeline.
	Transcript string `json:"transcript,omitempty" yaml:"transcript,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// ScoreA returns the paired-comparison score for hypothesis A: 1 for a win,
// 0 for a loss, 0.5 for a draw.
func (m Match) ScoreA() float64 {
	switch m.Outcome {
	case OutcomeWinA:
		return 1
	case OutcomeWinB:
		return 0
	default:
		return 0.5
	}
}

// Rating is the current relative-skill estimate for one hypothesis. It is
// mutated only by applying a Match outcome through the memory layer's
// versioned write, which linearizes concurrent updates per hypothesis.
type Rating struct {
	// HypothesisID is the rated hypothesis.
	HypothesisID string `json:"hypothesis_id" yaml:"hypothesis_id"`

	// Value is the Elo-style skill estimate.
	Value float64 `json:"value" yaml:"value"`

	// Matches is the number of conclusive matches applied so far. It
	// selects the K factor: fast convergence while young, stability after
	// the graduated threshold.
	Matches int `json:"matches" yaml:"matches"`

	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}
