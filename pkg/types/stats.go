// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "time"

// SessionState is the supervisor's state machine position.
// Per prd005-supervisor R1.1: initializing -> running -> one of the three
// terminal states.
type SessionState string

const (
	SessionInitializing SessionState = "initializing"
	SessionRunning      SessionState = "running"
	SessionConverged    SessionState = "converged"
	SessionExhausted    SessionState = "exhausted"
	SessionTerminated   SessionState = "terminated"
)

// Terminal reports whether the state ends the session.
func (s SessionState) Terminal() bool {
	return s == SessionConverged || s == SessionExhausted || s == SessionTerminated
}

// Snapshot is an immutable statistics record computed once per supervisor
// cycle and appended to the timeline. Snapshots are totally ordered by Seq
// but need not reflect every task completed at the instant of computation.
type Snapshot struct {
	// Seq is the timeline sequence assigned on append.
	Seq int64 `json:"seq" yaml:"seq"`

	// Cycle is the supervisor cycle number, starting at 1.
	Cycle int `json:"cycle" yaml:"cycle"`

	State SessionState `json:"state" yaml:"state"`

	// HypothesesByStatus counts hypotheses per lifecycle status.
	HypothesesByStatus map[HypothesisStatus]int `json:"hypotheses_by_status" yaml:"hypotheses_by_status"`

	// TasksByStatus counts tasks per lifecycle status; dead tasks surface
	// here rather than being dropped.
	TasksByStatus map[TaskStatus]int `json:"tasks_by_status" yaml:"tasks_by_status"`

	// PendingByType counts queued tasks per type, for back-pressure and
	// weighting decisions.
	PendingByType map[TaskType]int `json:"pending_by_type" yaml:"pending_by_type"`

	// YieldByType counts completed tasks per type over the whole session.
	YieldByType map[TaskType]int `json:"yield_by_type" yaml:"yield_by_type"`

	// Reviews, Matches and Inconclusive are session-wide totals.
	Reviews      int `json:"reviews" yaml:"reviews"`
	Matches      int `json:"matches" yaml:"matches"`
	Inconclusive int `json:"inconclusive" yaml:"inconclusive"`

	// Clusters is the number of connected components at or above the
	// clustering threshold, as of the last proximity pass.
	Clusters int `json:"clusters" yaml:"clusters"`

	// TopRatingDelta is the mean absolute rating change across the current
	// top-K since the previous snapshot. Shrinking deltas signal
	// convergence of the population.
	TopRatingDelta float64 `json:"top_rating_delta" yaml:"top_rating_delta"`

	// TopRatings maps the current top-K hypothesis IDs to their ratings.
	TopRatings map[string]float64 `json:"top_ratings" yaml:"top_ratings"`

	// Invocations is the number of external agent calls made so far,
	// checked against the session budget.
	Invocations int `json:"invocations" yaml:"invocations"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}
