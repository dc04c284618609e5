// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package supervisor runs the statistics-driven scheduling loop that turns
// a research goal into a terminal session state.
// Implements: prd005-supervisor (R1-R5);
//
//	docs/ARCHITECTURE § Supervisor.
//
// The supervisor owns the session state machine. Every cadence tick it
// computes an immutable statistics snapshot, appends it to the timeline,
// decides whether the session is over, and otherwise enqueues the next
// batch of tasks with a mixture derived from the snapshot. It never blocks
// on individual task completion; progress is observed only through the
// statistics.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pdiddy/hypothesis-engine/internal/memory"
	"github.com/pdiddy/hypothesis-engine/internal/proximity"
	"github.com/pdiddy/hypothesis-engine/internal/queue"
	"github.com/pdiddy/hypothesis-engine/internal/tournament"
	"github.com/pdiddy/hypothesis-engine/pkg/types"
)

// sessionID keys the single durable session record. One memory file holds
// one session.
const sessionID = "session"

// drainPoll is how often the finalizer re-checks the queue while waiting
// for in-flight tasks.
const drainPoll = 25 * time.Millisecond

// ErrSessionFinished is returned by Run when the memory file already holds
// a session in a terminal state. A finished session is inspected, not
// resumed.
var ErrSessionFinished = errors.New("supervisor: session already finished")

// ErrNoGoal is returned when the memory file holds no active research goal.
var ErrNoGoal = errors.New("supervisor: no active research goal")

// sessionRecord is the durable supervisor state, persisted with optimistic
// versioning like every other record so a resume sees exactly where the
// previous process stopped.
type sessionRecord struct {
	GoalID      string             `json:"goal_id"`
	State       types.SessionState `json:"state"`
	Cycle       int                `json:"cycle"`
	Invocations int                `json:"invocations"`
	QuietCycles int                `json:"quiet_cycles"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Supervisor drives one research session over a shared memory file.
type Supervisor struct {
	store   *memory.Store
	tourney *tournament.Engine
	graph   *proximity.Graph
	pool    *queue.Pool
	cfg     types.SupervisorConfig
	log     *zap.Logger

	terminate atomic.Bool

	// Loop-private state; Run owns these after construction.
	state          types.SessionState
	cycle          int
	quietCycles    int
	prevTop        map[string]float64
	prevClusters   int
	sessionVersion int64
}

// Config wires the supervisor's collaborators.
type Config struct {
	Store      *memory.Store
	Tournament *tournament.Engine
	Proximity  *proximity.Graph
	Pool       *queue.Pool
	Supervisor types.SupervisorConfig
	Logger     *zap.Logger
}

// New creates a supervisor. The session starts when Run is called.
func New(cfg Config) *Supervisor {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		store:   cfg.Store,
		tourney: cfg.Tournament,
		graph:   cfg.Proximity,
		pool:    cfg.Pool,
		cfg:     cfg.Supervisor,
		log:     log,
		state:   types.SessionInitializing,
	}
}

// Terminate requests a scientist-initiated stop. It is honored at the next
// cycle boundary: in-flight tasks finish, no new batch is scheduled (R1.4).
func (s *Supervisor) Terminate() { s.terminate.Store(true) }

// State returns the last state the loop committed.
func (s *Supervisor) State() types.SessionState { return s.state }

// Run executes the session until it reaches a terminal state and returns
// that state. The context cancels the session as if Terminate were called.
func (s *Supervisor) Run(ctx context.Context) (types.SessionState, error) {
	// Bookkeeping during shutdown must outlive ctx: the terminal snapshot,
	// session record, and checkpoint are written after cancellation.
	bg := context.WithoutCancel(ctx)

	goal, err := s.store.ActiveGoal(bg)
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return "", ErrNoGoal
		}
		return "", fmt.Errorf("loading goal: %w", err)
	}

	if err := s.restore(bg, goal.ID); err != nil {
		return "", err
	}

	recovered, err := s.store.RecoverTasks(bg)
	if err != nil {
		return "", fmt.Errorf("recovering tasks: %w", err)
	}
	if len(recovered) > 0 {
		s.log.Info("requeued tasks from previous run", zap.Int("count", len(recovered)))
	}

	poolCtx, stopPool := context.WithCancel(bg)
	defer stopPool()
	var g errgroup.Group
	g.Go(func() error { return s.pool.Run(poolCtx) })

	if s.state == types.SessionInitializing {
		if err := s.seed(bg); err != nil {
			stopPool()
			g.Wait()
			return "", err
		}
		s.setState(bg, types.SessionRunning)
	}

	ticker := time.NewTicker(s.cfg.Cadence)
	defer ticker.Stop()

	for !s.state.Terminal() {
		select {
		case <-ctx.Done():
			s.terminate.Store(true)
		case <-ticker.C:
		}

		if err := s.cycleOnce(bg, goal.ID); err != nil {
			stopPool()
			g.Wait()
			return "", err
		}
	}

	if err := s.finalize(bg, goal.ID); err != nil {
		stopPool()
		g.Wait()
		return "", err
	}

	stopPool()
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("stopping workers: %w", err)
	}

	if _, err := s.store.Checkpoint(bg); err != nil {
		return "", fmt.Errorf("writing checkpoint: %w", err)
	}
	s.log.Info("session finished",
		zap.String("state", string(s.state)),
		zap.Int("cycles", s.cycle),
		zap.Int("invocations", s.pool.Invocations()))
	return s.state, nil
}

// restore loads the durable session record, or creates it for a fresh
// session. A terminal record refuses to run again.
func (s *Supervisor) restore(ctx context.Context, goalID string) error {
	var rec sessionRecord
	version, err := s.store.Get(ctx, memory.KindSession, sessionID, &rec)
	if err != nil {
		if !errors.Is(err, memory.ErrNotFound) {
			return fmt.Errorf("loading session record: %w", err)
		}
		rec = sessionRecord{GoalID: goalID, State: types.SessionInitializing}
		version, err = s.store.Put(ctx, memory.KindSession, sessionID, rec, 0)
		if err != nil {
			return fmt.Errorf("creating session record: %w", err)
		}
	}
	if rec.State.Terminal() {
		return fmt.Errorf("%w: %s", ErrSessionFinished, rec.State)
	}

	s.state = rec.State
	s.cycle = rec.Cycle
	s.quietCycles = rec.QuietCycles
	s.sessionVersion = version
	s.pool.SeedInvocations(rec.Invocations)
	if rec.Cycle > 0 {
		s.log.Info("resuming session",
			zap.String("state", string(rec.State)),
			zap.Int("cycle", rec.Cycle),
			zap.Int("invocations", rec.Invocations))
	}
	return nil
}

// seed enqueues the opening generate tasks for a fresh session (R1.2).
func (s *Supervisor) seed(ctx context.Context) error {
	for i := 0; i < s.cfg.SeedGenerate; i++ {
		if _, err := s.pool.Enqueue(ctx, types.TaskGenerate, nil, taskPriority(types.TaskGenerate)); err != nil {
			return fmt.Errorf("seeding generate tasks: %w", err)
		}
	}
	return nil
}

// cycleOnce runs one statistics cycle: observe, decide, schedule.
func (s *Supervisor) cycleOnce(ctx context.Context, goalID string) error {
	s.cycle++
	obs, err := s.observe(ctx)
	if err != nil {
		return err
	}
	snap := obs.snapshot

	if s.quiet(snap) {
		s.quietCycles++
	} else {
		s.quietCycles = 0
	}

	switch {
	case s.terminate.Load():
		s.setState(ctx, types.SessionTerminated)
	case snap.Invocations >= s.cfg.Budget:
		s.setState(ctx, types.SessionExhausted)
	case s.quietCycles >= s.cfg.ConvergenceCycles && s.overviewCovers(ctx, goalID, snap.TopRatings):
		s.setState(ctx, types.SessionConverged)
	}
	snap.State = s.state

	seq, err := s.store.AppendTimeline(ctx, memory.TimelineSnapshot, snap)
	if err != nil {
		return fmt.Errorf("appending snapshot: %w", err)
	}
	snap.Seq = seq
	if err := s.saveSession(ctx, goalID); err != nil {
		return err
	}

	s.prevTop = snap.TopRatings
	s.prevClusters = snap.Clusters
	if s.state.Terminal() {
		return nil
	}

	// The leaderboard is quiet but not yet covered by an overview: a
	// meta-review must confirm before the session can converge (R4.2).
	if s.quietCycles >= s.cfg.ConvergenceCycles &&
		obs.planIn.Pending[types.TaskMetaReview] == 0 &&
		len(obs.topIDs) > 0 {
		if _, err := s.pool.Enqueue(ctx, types.TaskMetaReview, obs.topIDs, taskPriority(types.TaskMetaReview)); err != nil {
			return fmt.Errorf("enqueueing meta-review: %w", err)
		}
	}

	return s.schedule(ctx, obs, planCounts(obs.planIn, s.cfg))
}

// quiet reports whether this cycle counts toward convergence: a populated,
// previously observed leaderboard whose ratings barely moved (R4.1).
func (s *Supervisor) quiet(snap types.Snapshot) bool {
	return len(s.prevTop) > 0 &&
		len(snap.TopRatings) > 0 &&
		snap.Matches > 0 &&
		snap.TopRatingDelta < s.cfg.ConvergenceDelta
}

// overviewCovers reports whether a stored overview covers every current
// top-K hypothesis.
func (s *Supervisor) overviewCovers(ctx context.Context, goalID string, top map[string]float64) bool {
	if len(top) == 0 {
		return false
	}
	var o types.Overview
	if _, err := s.store.Get(ctx, memory.KindOverview, goalID, &o); err != nil {
		return false
	}
	covered := make(map[string]bool, len(o.TopHypotheses))
	for _, id := range o.TopHypotheses {
		covered[id] = true
	}
	for id := range top {
		if !covered[id] {
			return false
		}
	}
	return true
}

// schedule enqueues the planned batch, choosing concrete targets for each
// task type. A full backlog quietly drops the generate portion (R3.4).
func (s *Supervisor) schedule(ctx context.Context, obs observation, counts map[types.TaskType]int) error {
	for i := 0; i < counts[types.TaskReview] && i < len(obs.unreviewed); i++ {
		if _, err := s.pool.Enqueue(ctx, types.TaskReview, []string{obs.unreviewed[i]}, taskPriority(types.TaskReview)); err != nil {
			return fmt.Errorf("enqueueing review: %w", err)
		}
	}

	if n := counts[types.TaskCompare]; n > 0 {
		pairs, err := s.tourney.SelectPairs(ctx, n)
		if err != nil {
			return fmt.Errorf("selecting pairs: %w", err)
		}
		for _, pair := range pairs {
			if _, err := s.pool.Enqueue(ctx, types.TaskCompare, []string{pair.A, pair.B}, taskPriority(types.TaskCompare)); err != nil {
				return fmt.Errorf("enqueueing compare: %w", err)
			}
		}
	}

	for i := 0; i < counts[types.TaskUpdateProximity] && i < len(obs.uncovered); i++ {
		if _, err := s.pool.Enqueue(ctx, types.TaskUpdateProximity, []string{obs.uncovered[i]}, taskPriority(types.TaskUpdateProximity)); err != nil {
			return fmt.Errorf("enqueueing proximity update: %w", err)
		}
	}

	// Evolve the best-reviewed leaders.
	evolved := 0
	for _, id := range obs.topIDs {
		if evolved == counts[types.TaskEvolve] {
			break
		}
		if !obs.reviewed[id] {
			continue
		}
		if _, err := s.pool.Enqueue(ctx, types.TaskEvolve, []string{id}, taskPriority(types.TaskEvolve)); err != nil {
			return fmt.Errorf("enqueueing evolve: %w", err)
		}
		evolved++
	}

	for i := 0; i < counts[types.TaskGenerate]; i++ {
		_, err := s.pool.Enqueue(ctx, types.TaskGenerate, nil, taskPriority(types.TaskGenerate))
		if errors.Is(err, memory.ErrBacklogFull) {
			s.log.Debug("generate throttled by backlog")
			break
		}
		if err != nil {
			return fmt.Errorf("enqueueing generate: %w", err)
		}
	}
	return nil
}

// finalize closes the session. Converged and exhausted sessions get a
// closing meta-review over the final leaderboard and the queue drains; the
// closing overview is the session's deliverable, so it runs even when the
// budget is spent. A terminated session stops at the boundary instead:
// in-flight tasks finish when the pool stops, queued ones stay queued for
// audit.
func (s *Supervisor) finalize(ctx context.Context, goalID string) error {
	if s.state == types.SessionConverged || s.state == types.SessionExhausted {
		top, err := s.tourney.TopRanked(ctx, s.cfg.TopK)
		if err != nil {
			return fmt.Errorf("ranking finalists: %w", err)
		}
		if len(top) > 0 {
			ids := make([]string, len(top))
			for i, r := range top {
				ids[i] = r.HypothesisID
			}
			if _, err := s.pool.Enqueue(ctx, types.TaskMetaReview, ids, taskPriority(types.TaskMetaReview)); err != nil {
				return fmt.Errorf("enqueueing closing meta-review: %w", err)
			}
		}
		if err := s.drain(ctx); err != nil {
			return err
		}
	}

	obs, err := s.observe(ctx)
	if err != nil {
		return err
	}
	s.cycle++
	snap := obs.snapshot
	snap.Cycle = s.cycle
	snap.State = s.state
	if _, err := s.store.AppendTimeline(ctx, memory.TimelineSnapshot, snap); err != nil {
		return fmt.Errorf("appending terminal snapshot: %w", err)
	}
	return s.saveSession(ctx, goalID)
}

// drain waits until no task is queued or in progress.
func (s *Supervisor) drain(ctx context.Context) error {
	for {
		byStatus, _, err := s.store.TaskCounts(ctx)
		if err != nil {
			return fmt.Errorf("watching queue drain: %w", err)
		}
		if byStatus[types.TaskQueued]+byStatus[types.TaskInProgress] == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(drainPoll):
		}
	}
}

// setState commits a state transition and records it on the timeline.
func (s *Supervisor) setState(ctx context.Context, next types.SessionState) {
	if s.state == next {
		return
	}
	prev := s.state
	s.state = next
	s.log.Info("session state change",
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
		zap.Int("cycle", s.cycle))
	if _, err := s.store.AppendTimeline(ctx, memory.TimelineAudit, map[string]any{
		"event": "state_change",
		"from":  prev,
		"to":    next,
		"cycle": s.cycle,
	}); err != nil {
		s.log.Error("recording state change", zap.Error(err))
	}
}

// saveSession persists the session record at its current version.
func (s *Supervisor) saveSession(ctx context.Context, goalID string) error {
	rec := sessionRecord{
		GoalID:      goalID,
		State:       s.state,
		Cycle:       s.cycle,
		Invocations: s.pool.Invocations(),
		QuietCycles: s.quietCycles,
		UpdatedAt:   time.Now().UTC(),
	}
	version, err := s.store.Put(ctx, memory.KindSession, sessionID, rec, s.sessionVersion)
	if err != nil {
		return fmt.Errorf("saving session record: %w", err)
	}
	s.sessionVersion = version
	return nil
}
