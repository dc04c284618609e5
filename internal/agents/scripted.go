// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package agents

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ScriptedInvoker is a deterministic in-process Invoker used by dry runs
// and tests. Outputs depend only on the inputs and an invocation counter,
// so a scripted session always unfolds the same way. Compare verdicts favor
// the longer content, which gives evolved hypotheses a consistent edge over
// their parents.
type ScriptedInvoker struct {
	mu        sync.Mutex
	generated int

	// CompareFn, when set, overrides the default compare verdict.
	CompareFn func(input Input) (*CompareResult, error)

	// FailTimes makes the first N invocations of an agent type fail with
	// ErrInvocation, for retry-path tests.
	FailTimes map[AgentType]int
}

// NewScriptedInvoker creates a scripted invoker.
func NewScriptedInvoker() *ScriptedInvoker {
	return &ScriptedInvoker{}
}

// Invoke implements Invoker.
func (s *ScriptedInvoker) Invoke(_ context.Context, input Input) (*Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if remaining := s.FailTimes[input.AgentType]; remaining > 0 {
		s.FailTimes[input.AgentType] = remaining - 1
		return nil, fmt.Errorf("%w: scripted failure of %s", ErrInvocation, input.AgentType)
	}

	switch input.AgentType {
	case AgentGenerate:
		s.generated++
		n := s.generated
		return &Output{Generate: &GenerateResult{Drafts: []Draft{{
			Title: fmt.Sprintf("Scripted hypothesis %d", n),
			Content: fmt.Sprintf("Scripted proposal %d addressing %q with %s",
				n, input.Goal.Text, strings.Repeat("supporting evidence ", n%5+1)),
		}}}}, nil

	case AgentReflect:
		if len(input.Targets) == 0 {
			return nil, fmt.Errorf("%w: reflect requires a target", ErrInvocation)
		}
		words := len(strings.Fields(input.Targets[0].Content))
		score := float64(words%7) + 3
		return &Output{Review: &ReviewResult{
			Critique:     "Scripted critique of " + input.Targets[0].Title,
			Scores:       map[string]float64{"novelty": score, "feasibility": 10 - score},
			OverallScore: score,
		}}, nil

	case AgentCompare:
		if s.CompareFn != nil {
			return wrapCompare(s.CompareFn(input))
		}
		if len(input.Targets) != 2 {
			return nil, fmt.Errorf("%w: rank-compare requires two targets", ErrInvocation)
		}
		a, b := input.Targets[0], input.Targets[1]
		result := &CompareResult{Margin: 0.8, Transcript: "scripted debate: " + a.ID + " vs " + b.ID}
		switch {
		case len(a.Content) > len(b.Content):
			result.Winner = "A"
		case len(b.Content) > len(a.Content):
			result.Winner = "B"
		default:
			result.Winner = "draw"
			result.Margin = 0
		}
		return &Output{Compare: result}, nil

	case AgentEvolve:
		if len(input.Targets) == 0 {
			return nil, fmt.Errorf("%w: evolve requires a target", ErrInvocation)
		}
		parent := input.Targets[0]
		return &Output{Evolve: &EvolveResult{Drafts: []Draft{{
			Title:   parent.Title + " (refined)",
			Content: parent.Content + " Refined with a sharper mechanism and a validation plan.",
		}}}}, nil

	case AgentProximity:
		// No scripted scores: the proximity graph falls back to its
		// deterministic lexical measure.
		return &Output{Proximity: &ProximityResult{}}, nil

	case AgentMetaReview:
		var b strings.Builder
		b.WriteString("# Research overview\n\nGoal: " + input.Goal.Text + "\n\n")
		for i, h := range input.Targets {
			fmt.Fprintf(&b, "%d. %s\n", i+1, h.Title)
		}
		return &Output{MetaReview: &MetaReviewResult{
			Document: b.String(),
			Patterns: []string{"scripted recurring critique"},
		}}, nil
	}

	return nil, fmt.Errorf("%w: unknown agent type %q", ErrInvocation, input.AgentType)
}

func wrapCompare(result *CompareResult, err error) (*Output, error) {
	if err != nil {
		return nil, err
	}
	return &Output{Compare: result}, nil
}
