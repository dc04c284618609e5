// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package agents defines the boundary to the external agent capabilities.
// Implements: prd006-agent-boundary (R1-R3);
//
//	docs/ARCHITECTURE § Agent Invocation Boundary.
//
// The engine never interprets hypothesis or review content; it assembles an
// input bundle from memory records, invokes the capability, and routes the
// structured result back into the stores. The capability set is closed: six
// agent types, each bound to one result variant, rather than open-ended
// dispatch.
package agents

import (
	"context"
	"errors"

	"github.com/pdiddy/hypothesis-engine/pkg/types"
)

// AgentType identifies one external capability.
type AgentType string

const (
	AgentGenerate   AgentType = "generate"
	AgentReflect    AgentType = "reflect"
	AgentCompare    AgentType = "rank-compare"
	AgentEvolve     AgentType = "evolve"
	AgentProximity  AgentType = "proximity-score"
	AgentMetaReview AgentType = "meta-review"
)

// ErrInvocation marks a failed external call. Transient: the owning task is
// retried up to the queue's limit, then marked dead.
var ErrInvocation = errors.New("agents: invocation failed")

// Input is the opaque structured bundle assembled from memory records for
// one invocation. The engine populates only the fields the capability
// needs; the capability does not read anything else.
type Input struct {
	AgentType AgentType          `json:"agent_type"`
	Model     string             `json:"model,omitempty"`
	Goal      types.ResearchGoal `json:"goal"`

	// Targets carries the hypotheses the task operates on: the pair for
	// rank-compare, the subject for reflect/evolve/proximity-score, the
	// current top-K for meta-review.
	Targets []types.Hypothesis `json:"targets,omitempty"`

	// Candidates carries existing hypotheses for proximity scoring.
	Candidates []types.Hypothesis `json:"candidates,omitempty"`

	// Reviews carries prior critiques of the targets, when relevant.
	Reviews []types.Review `json:"reviews,omitempty"`
}

// Draft is a hypothesis proposal produced by generate or evolve.
type Draft struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// GenerateResult carries freshly generated hypothesis drafts.
type GenerateResult struct {
	Drafts []Draft `json:"drafts"`
}

// ReviewResult carries a structured critique of one hypothesis.
type ReviewResult struct {
	Critique     string             `json:"critique"`
	Scores       map[string]float64 `json:"scores,omitempty"`
	OverallScore float64            `json:"overall_score"`
}

// CompareResult carries the verdict of a simulated scientific debate
// between the two targets.
type CompareResult struct {
	// Winner is "A", "B", or "draw".
	Winner string `json:"winner"`

	// Margin is the verdict confidence in [0,1].
	Margin float64 `json:"margin"`

	// Transcript is the debate text, stored on the timeline for audit.
	Transcript string `json:"transcript,omitempty"`
}

// EvolveResult carries refined drafts derived from the target hypothesis.
type EvolveResult struct {
	Drafts []Draft `json:"drafts"`
}

// ProximityResult carries similarity scores keyed by candidate hypothesis ID.
type ProximityResult struct {
	Scores map[string]float64 `json:"scores"`
}

// MetaReviewResult carries the synthesized research overview.
type MetaReviewResult struct {
	Document string   `json:"document"`
	Patterns []string `json:"patterns,omitempty"`
}

// Output is the closed result variant for one invocation. Exactly the field
// matching the input's AgentType is set.
type Output struct {
	Generate   *GenerateResult   `json:"generate,omitempty"`
	Review     *ReviewResult     `json:"review,omitempty"`
	Compare    *CompareResult    `json:"compare,omitempty"`
	Evolve     *EvolveResult     `json:"evolve,omitempty"`
	Proximity  *ProximityResult  `json:"proximity,omitempty"`
	MetaReview *MetaReviewResult `json:"meta_review,omitempty"`
}

// Invoker abstracts the external agent service so tests and dry runs can
// supply a deterministic implementation.
type Invoker interface {
	Invoke(ctx context.Context, input Input) (*Output, error)
}

// ForTask maps a task type to the agent capability that serves it.
func ForTask(taskType types.TaskType) AgentType {
	switch taskType {
	case types.TaskGenerate:
		return AgentGenerate
	case types.TaskReview:
		return AgentReflect
	case types.TaskCompare:
		return AgentCompare
	case types.TaskEvolve:
		return AgentEvolve
	case types.TaskUpdateProximity:
		return AgentProximity
	default:
		return AgentMetaReview
	}
}
