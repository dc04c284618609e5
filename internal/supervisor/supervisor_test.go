// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package supervisor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pdiddy/hypothesis-engine/internal/agents"
	"github.com/pdiddy/hypothesis-engine/internal/memory"
	"github.com/pdiddy/hypothesis-engine/internal/proximity"
	"github.com/pdiddy/hypothesis-engine/internal/queue"
	"github.com/pdiddy/hypothesis-engine/internal/tournament"
	"github.com/pdiddy/hypothesis-engine/pkg/types"
)

// --- planning policy ---

func planConfig() types.SupervisorConfig {
	cfg := types.EngineConfig{}
	cfg.ApplyDefaults()
	return cfg.Supervisor
}

func TestPlanCountsPrefersJudgementBacklog(t *testing.T) {
	cfg := planConfig() // batch 6, top-k 5
	counts := planCounts(planInput{
		Active:         6,
		Unreviewed:     5,
		CandidatePairs: 4,
		Pending:        map[types.TaskType]int{},
		BudgetLeft:     100,
	}, cfg)

	assert.Equal(t, 3, counts[types.TaskReview], "reviews claim half the batch")
	assert.Equal(t, 2, counts[types.TaskCompare])
	assert.Zero(t, counts[types.TaskEvolve], "no evolve before ratings settle")
	assert.Equal(t, 1, counts[types.TaskGenerate], "thin population keeps generating")
}

func TestPlanCountsShiftsToEvolveWhenSettling(t *testing.T) {
	cfg := planConfig()
	counts := planCounts(planInput{
		Active:      12,
		Settling:    true,
		QuietCycles: 1,
		Clusters:    4,
		// A cluster count that moved since last cycle: still diversifying,
		// so no generate slots.
		PrevClusters: 3,
		Pending:      map[types.TaskType]int{},
		BudgetLeft:   100,
	}, cfg)

	assert.Equal(t, 2, counts[types.TaskEvolve])
	assert.Zero(t, counts[types.TaskGenerate])
}

func TestPlanCountsNeverExceedsBudget(t *testing.T) {
	cfg := planConfig()
	counts := planCounts(planInput{
		Active:         10,
		Unreviewed:     10,
		CandidatePairs: 10,
		Uncovered:      10,
		Pending:        map[types.TaskType]int{},
		BudgetLeft:     2,
	}, cfg)

	total := 0
	for _, n := range counts {
		total += n
	}
	assert.Equal(t, 2, total)
}

func TestPlanCountsSkipsPendingWork(t *testing.T) {
	cfg := planConfig()
	counts := planCounts(planInput{
		Active:         4,
		CandidatePairs: 3,
		Uncovered:      2,
		Pending: map[types.TaskType]int{
			types.TaskCompare:         3,
			types.TaskUpdateProximity: 2,
		},
		BudgetLeft: 100,
	}, cfg)

	assert.Zero(t, counts[types.TaskCompare])
	assert.Zero(t, counts[types.TaskUpdateProximity])
}

func TestTaskPriorityOrdersJudgementFirst(t *testing.T) {
	assert.Less(t, taskPriority(types.TaskMetaReview), taskPriority(types.TaskReview))
	assert.Less(t, taskPriority(types.TaskReview), taskPriority(types.TaskEvolve))
	assert.Less(t, taskPriority(types.TaskEvolve), taskPriority(types.TaskGenerate))
	assert.Equal(t, taskPriority(types.TaskReview), taskPriority(types.TaskCompare))
}

// --- session runs ---

type harness struct {
	sup     *Supervisor
	store   *memory.Store
	invoker *agents.ScriptedInvoker
}

func newHarness(t *testing.T, tune func(*types.EngineConfig)) *harness {
	t.Helper()
	store, err := memory.Open(types.MemoryConfig{Path: filepath.Join(t.TempDir(), "memory.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := types.EngineConfig{}
	cfg.ApplyDefaults()
	cfg.Queue.Workers = 2
	cfg.Queue.TaskTimeout = 5 * time.Second
	cfg.Supervisor.Cadence = 10 * time.Millisecond
	cfg.Supervisor.SeedGenerate = 3
	cfg.Supervisor.TopK = 3
	cfg.Supervisor.ConvergenceCycles = 2
	if tune != nil {
		tune(&cfg)
	}

	log := zap.NewNop()
	tourney := tournament.NewEngine(store, cfg.Tournament, log)
	graph := proximity.NewGraph(store, cfg.Proximity, log)
	invoker := agents.NewScriptedInvoker()
	pool := queue.NewPool(queue.Config{
		Store:      store,
		Tournament: tourney,
		Proximity:  graph,
		Invoker:    invoker,
		Queue:      cfg.Queue,
		TournCfg:   cfg.Tournament,
		Logger:     log,
	})
	sup := New(Config{
		Store:      store,
		Tournament: tourney,
		Proximity:  graph,
		Pool:       pool,
		Supervisor: cfg.Supervisor,
		Logger:     log,
	})
	return &harness{sup: sup, store: store, invoker: invoker}
}

func (h *harness) addGoal(t *testing.T) {
	t.Helper()
	goal := types.ResearchGoal{
		ID:        "goal-1",
		Version:   1,
		Text:      "explain antimicrobial resistance transfer",
		Status:    types.GoalActive,
		CreatedAt: time.Now().UTC(),
	}
	_, err := h.store.Put(context.Background(), memory.KindGoal, goal.ID, goal, 0)
	require.NoError(t, err)
}

func TestRunWithoutGoalFails(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.sup.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoGoal)
}

func TestSessionRunsToTerminalState(t *testing.T) {
	h := newHarness(t, func(cfg *types.EngineConfig) {
		// Quiet is easy to reach and the budget is a hard backstop, so the
		// session always terminates on its own.
		cfg.Supervisor.ConvergenceDelta = 1000
		cfg.Supervisor.Budget = 150
	})
	h.addGoal(t)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	state, err := h.sup.Run(ctx)
	require.NoError(t, err)
	require.True(t, state.Terminal(), "state %s", state)
	require.Contains(t, []types.SessionState{types.SessionConverged, types.SessionExhausted}, state)

	bg := context.Background()
	hyps, err := h.store.LoadHypotheses(bg)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(hyps), 3, "seed generates must have landed")

	// The closing overview is the deliverable of every self-ended session.
	var overview types.Overview
	_, err = h.store.Get(bg, memory.KindOverview, "goal-1", &overview)
	require.NoError(t, err)
	assert.NotEmpty(t, overview.Document)
	assert.NotEmpty(t, overview.TopHypotheses)

	var rec sessionRecord
	_, err = h.store.Get(bg, memory.KindSession, sessionID, &rec)
	require.NoError(t, err)
	assert.Equal(t, state, rec.State)
	assert.Greater(t, rec.Cycle, 0)

	// At least one snapshot per cycle, terminal snapshot included.
	snapshots := 0
	err = h.store.ScanTimeline(bg, memory.TimelineSnapshot, 0, func(seq int64, payload []byte) error {
		snapshots++
		return nil
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, snapshots, rec.Cycle)

	checkpoint, err := h.store.LastCheckpoint(bg)
	require.NoError(t, err)
	assert.Greater(t, checkpoint, int64(0))
}

func TestSessionConvergesOnQuietLeaderboard(t *testing.T) {
	h := newHarness(t, func(cfg *types.EngineConfig) {
		cfg.Supervisor.ConvergenceCycles = 3
		cfg.Supervisor.Budget = 3000
	})
	// Every debate is a draw, so ratings never leave the initial value and
	// the leaderboard goes quiet as soon as matches exist. Evolve always
	// fails, so no supersession churns the top-K membership.
	h.invoker.CompareFn = func(agents.Input) (*agents.CompareResult, error) {
		return &agents.CompareResult{Winner: "draw", Margin: 0}, nil
	}
	h.invoker.FailTimes = map[agents.AgentType]int{agents.AgentEvolve: 1 << 30}
	h.addGoal(t)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	state, err := h.sup.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, types.SessionConverged, state)

	bg := context.Background()
	var rec sessionRecord
	_, err = h.store.Get(bg, memory.KindSession, sessionID, &rec)
	require.NoError(t, err)
	assert.Equal(t, types.SessionConverged, rec.State)
	assert.GreaterOrEqual(t, rec.QuietCycles, 3,
		"convergence requires the configured run of quiet cycles")
	assert.Less(t, rec.Invocations, 3000, "the budget must not be what ended the session")

	// The stored overview covers the final leaderboard.
	var overview types.Overview
	_, err = h.store.Get(bg, memory.KindOverview, "goal-1", &overview)
	require.NoError(t, err)
	require.NotEmpty(t, overview.TopHypotheses)
	covered := make(map[string]bool, len(overview.TopHypotheses))
	for _, id := range overview.TopHypotheses {
		covered[id] = true
	}
	var dcfg types.EngineConfig
	dcfg.ApplyDefaults()
	tourney := tournament.NewEngine(h.store, dcfg.Tournament, zap.NewNop())
	top, err := tourney.TopRanked(bg, 3)
	require.NoError(t, err)
	require.NotEmpty(t, top)
	for _, r := range top {
		assert.True(t, covered[r.HypothesisID], "overview must cover %s", r.HypothesisID)
	}

	// Draws only: every rating still sits at the initial value.
	ratings, err := h.store.LoadRatings(bg)
	require.NoError(t, err)
	for id, r := range ratings {
		assert.InDelta(t, dcfg.Tournament.InitialRating, r.Value, 1e-9, "rating of %s", id)
	}
}

func TestSessionAccumulatesPopulationAndMatches(t *testing.T) {
	h := newHarness(t, func(cfg *types.EngineConfig) {
		// Convergence is out of reach so the session spends its whole
		// budget growing and ranking the population.
		cfg.Supervisor.ConvergenceCycles = 1000
		cfg.Supervisor.Budget = 400
	})
	h.addGoal(t)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()
	state, err := h.sup.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.SessionExhausted, state)

	bg := context.Background()
	hyps, err := h.store.LoadHypotheses(bg)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(hyps), 10)

	matches, err := h.store.LoadMatches(bg)
	require.NoError(t, err)
	wins := map[string]int{}
	losses := map[string]int{}
	conclusive := 0
	for _, m := range matches {
		switch m.Outcome {
		case types.OutcomeWinA:
			wins[m.HypothesisA]++
			losses[m.HypothesisB]++
		case types.OutcomeWinB:
			wins[m.HypothesisB]++
			losses[m.HypothesisA]++
		case types.OutcomeDraw:
		default:
			continue
		}
		conclusive++
	}
	assert.GreaterOrEqual(t, conclusive, 20)

	// The scripted judge is transitive, so the leader must have a winning
	// record in the matches it actually played.
	var dcfg types.EngineConfig
	dcfg.ApplyDefaults()
	tourney := tournament.NewEngine(h.store, dcfg.Tournament, zap.NewNop())
	top, err := tourney.TopRanked(bg, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	leader := top[0].HypothesisID
	assert.GreaterOrEqual(t, wins[leader], losses[leader],
		"leader %s has record %d-%d", leader, wins[leader], losses[leader])

	// Replaying the match log reproduces the incrementally stored ratings.
	replayed, err := tourney.ReplayRatings(bg)
	require.NoError(t, err)
	stored, err := h.store.LoadRatings(bg)
	require.NoError(t, err)
	require.Equal(t, len(stored), len(replayed))
	for id, r := range stored {
		assert.InDelta(t, r.Value, replayed[id].Value, 1e-6, "rating for %s", id)
		assert.Equal(t, r.Matches, replayed[id].Matches, "match count for %s", id)
	}
}

func TestTerminateStopsAtCycleBoundary(t *testing.T) {
	h := newHarness(t, func(cfg *types.EngineConfig) {
		cfg.Supervisor.Budget = 100000
	})
	h.addGoal(t)

	go func() {
		time.Sleep(100 * time.Millisecond)
		h.sup.Terminate()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	state, err := h.sup.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.SessionTerminated, state)

	var rec sessionRecord
	_, err = h.store.Get(context.Background(), memory.KindSession, sessionID, &rec)
	require.NoError(t, err)
	assert.Equal(t, types.SessionTerminated, rec.State)
}

func TestFinishedSessionRefusesToRun(t *testing.T) {
	h := newHarness(t, nil)
	h.addGoal(t)

	rec := sessionRecord{GoalID: "goal-1", State: types.SessionConverged, Cycle: 9}
	_, err := h.store.Put(context.Background(), memory.KindSession, sessionID, rec, 0)
	require.NoError(t, err)

	_, err = h.sup.Run(context.Background())
	assert.ErrorIs(t, err, ErrSessionFinished)
}

func TestResumeSeedsBudgetFromSessionRecord(t *testing.T) {
	h := newHarness(t, func(cfg *types.EngineConfig) {
		cfg.Supervisor.Budget = 10
	})
	h.addGoal(t)

	// A previous process already spent the whole budget.
	rec := sessionRecord{
		GoalID:      "goal-1",
		State:       types.SessionRunning,
		Cycle:       4,
		Invocations: 10,
	}
	_, err := h.store.Put(context.Background(), memory.KindSession, sessionID, rec, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	state, err := h.sup.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.SessionExhausted, state)
}
