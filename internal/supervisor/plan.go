// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package supervisor

import "github.com/pdiddy/hypothesis-engine/pkg/types"

// planInput is the derived statistics the scheduling policy reads. It is
// computed once per cycle from the same loads that build the snapshot, so
// the policy itself stays a pure function (R3.2).
type planInput struct {
	// Active is the number of active hypotheses.
	Active int

	// Unreviewed counts active hypotheses with no review yet, net of
	// reviews already queued.
	Unreviewed int

	// CandidatePairs counts compare pairs the tournament can still offer.
	CandidatePairs int

	// Uncovered counts active hypotheses with no proximity edge yet.
	Uncovered int

	// Settling is true when the top-K ratings moved less than twice the
	// convergence delta since the last cycle. Shrinking movement shifts
	// the mixture from ranking toward refinement.
	Settling bool

	// QuietCycles is the current consecutive-quiet-cycle count.
	QuietCycles int

	// Clusters and PrevClusters are the proximity cluster counts of this
	// and the previous cycle. A stagnant count signals the population has
	// stopped diversifying and fresh generation is worth its cost.
	Clusters     int
	PrevClusters int

	// Pending counts queued tasks per type, so a cycle never re-schedules
	// work that is already waiting.
	Pending map[types.TaskType]int

	// BudgetLeft is the number of agent invocations remaining.
	BudgetLeft int
}

// planCounts decides how many tasks of each type to enqueue this cycle.
// The mixture is driven by the statistics, not a fixed rotation: review
// and compare cover the unjudged backlog first, evolve joins once the
// leaderboard settles, and generate fills remaining slots only while the
// population is thin or has stopped diversifying (R3.3-R3.5).
func planCounts(in planInput, cfg types.SupervisorConfig) map[types.TaskType]int {
	slots := cfg.BatchSize
	if in.BudgetLeft < slots {
		slots = in.BudgetLeft
	}
	counts := make(map[types.TaskType]int)
	if slots <= 0 {
		return counts
	}

	take := func(t types.TaskType, want int) {
		if want > slots {
			want = slots
		}
		if want <= 0 {
			return
		}
		counts[t] = want
		slots -= want
	}

	// An unreviewed or unranked backlog is worse than paused expansion, so
	// judgement work claims its slots first.
	take(types.TaskReview, min(in.Unreviewed, (cfg.BatchSize+1)/2))
	take(types.TaskCompare, min(in.CandidatePairs-in.Pending[types.TaskCompare], (cfg.BatchSize+2)/3))

	// Newcomers join the proximity graph before they pile up.
	take(types.TaskUpdateProximity, min(in.Uncovered-in.Pending[types.TaskUpdateProximity], 2))

	// Once ratings settle, refining the leaders beats re-ranking them.
	if in.Settling && in.Pending[types.TaskEvolve] == 0 && in.Active > 0 {
		want := 1
		if in.QuietCycles > 0 {
			want = 2
		}
		take(types.TaskEvolve, want)
	}

	// Expansion takes whatever is left, but only while the population is
	// thin or clustering shows no new directions emerging.
	if in.Active < 2*cfg.TopK || in.Clusters == in.PrevClusters {
		take(types.TaskGenerate, slots)
	}
	return counts
}

// taskPriority orders the queue: judgement ahead of bookkeeping ahead of
// expansion. Meta-review outranks everything because it closes a session.
func taskPriority(t types.TaskType) int {
	switch t {
	case types.TaskMetaReview:
		return 0
	case types.TaskReview, types.TaskCompare:
		return 1
	case types.TaskEvolve, types.TaskUpdateProximity:
		return 2
	default:
		return 3
	}
}
