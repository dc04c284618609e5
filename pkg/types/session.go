// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package types defines shared data structures for the hypothesis-engine core.
// Implements: prd001-context-memory (entity records, R2.1-R2.4);
//
//	prd002-tournament (Match, Rating, R1.1-R1.5);
//	prd003-proximity (ProximityEdge, R1.2);
//	prd004-task-queue (Task, R1.1-R1.6);
//	prd005-supervisor (Snapshot, SessionState, R2.1-R2.6).
//
// See docs/ARCHITECTURE.md § Data Model.
package types

import "time"

// GoalStatus indicates whether a ResearchGoal version is the one currently
// driving scheduling. Superseded versions are retained for audit.
type GoalStatus string

const (
	GoalActive     GoalStatus = "active"
	GoalSuperseded GoalStatus = "superseded"
)

// ResearchGoal is the immutable statement of what the session is exploring.
// Scientist feedback never edits a goal in place; it creates a new version
// and marks the prior one superseded. Per prd001-context-memory R2.1.
type ResearchGoal struct {
	// ID identifies this goal version.
	ID string `json:"id" yaml:"id"`

	// Version is 1 for the goal created at session start and increments
	// each time scientist feedback supersedes the goal.
	Version int `json:"version" yaml:"version"`

	// Text is the research goal as provided by the scientist.
	Text string `json:"text" yaml:"text"`

	// Criteria lists evaluation criteria the compare and review capabilities
	// are asked to weigh (e.g. "novelty", "feasibility").
	Criteria []string `json:"criteria,omitempty" yaml:"criteria,omitempty"`

	// Preferences holds free-form scientist preferences passed through to
	// agent input contexts. The core does not interpret them.
	Preferences map[string]string `json:"preferences,omitempty" yaml:"preferences,omitempty"`

	Status    GoalStatus `json:"status" yaml:"status"`
	CreatedAt time.Time  `json:"created_at" yaml:"created_at"`
}

// HypothesisStatus tracks a hypothesis through its lifecycle. Content is
// immutable once created; only Status may change.
type HypothesisStatus string

const (
	HypothesisActive     HypothesisStatus = "active"
	HypothesisSuperseded HypothesisStatus = "superseded"
	HypothesisRejected   HypothesisStatus = "rejected"
)

// Hypothesis is a candidate research proposal produced or refined by an
// agent capability. Refinement creates a new Hypothesis linked to its
// parents via Parents; it never mutates an existing one.
type Hypothesis struct {
	// ID is a unique identifier for this hypothesis.
	ID string `json:"id" yaml:"id"`

	// GoalID is the ResearchGoal version this hypothesis addresses.
	GoalID string `json:"goal_id" yaml:"goal_id"`

	// Title is a short label for the proposal.
	Title string `json:"title" yaml:"title"`

	// Content is the full proposal text. Opaque to the core.
	Content string `json:"content" yaml:"content"`

	// Parents lists the hypothesis IDs this one evolved from. Empty for
	// freshly generated hypotheses. The parent graph is acyclic because a
	// hypothesis can only reference hypotheses that already exist.
	Parents []string `json:"parents,omitempty" yaml:"parents,omitempty"`

	Status    HypothesisStatus `json:"status" yaml:"status"`
	CreatedAt time.Time        `json:"created_at" yaml:"created_at"`
}

// Generated reports whether the hypothesis was produced from scratch rather
// than evolved from earlier ones.
func (h Hypothesis) Generated() bool { return len(h.Parents) == 0 }

// Review is an immutable structured critique of one hypothesis, written by
// the reflect capability.
type Review struct {
	// ID identifies this review.
	ID string `json:"id" yaml:"id"`

	// HypothesisID is the reviewed hypothesis.
	HypothesisID string `json:"hypothesis_id" yaml:"hypothesis_id"`

	// Reviewer tags which agent capability produced the review.
	Reviewer string `json:"reviewer" yaml:"reviewer"`

	// Critique is the free-form review text.
	Critique string `json:"critique" yaml:"critique"`

	// Scores holds scalar quality signals keyed by criterion
	// (e.g. "novelty": 7.5), each on a 0-10 scale.
	Scores map[string]float64 `json:"scores,omitempty" yaml:"scores,omitempty"`

	// OverallScore is the reviewer's aggregate 0-10 judgement.
	OverallScore float64 `json:"overall_score" yaml:"overall_score"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// Overview is the final research overview synthesized by the meta-review
// capability when a session converges or exhausts its budget.
type Overview struct {
	ID string `json:"id" yaml:"id"`

	// GoalID is the goal version the overview addresses.
	GoalID string `json:"goal_id" yaml:"goal_id"`

	// Document is the rendered overview text.
	Document string `json:"document" yaml:"document"`

	// TopHypotheses lists the hypothesis IDs covered, best first.
	TopHypotheses []string `json:"top_hypotheses" yaml:"top_hypotheses"`

	// Patterns lists recurring critique themes observed across reviews.
	Patterns []string `json:"patterns,omitempty" yaml:"patterns,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}
