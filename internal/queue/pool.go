// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package queue runs the bounded worker pool over the durable task queue.
// Implements: prd004-task-queue (R1-R5);
//
//	docs/ARCHITECTURE § Worker Pool.
//
// Each of the W slots repeatedly claims the highest-priority queued task,
// invokes the matching agent capability with context fetched from memory,
// routes the result into the tournament, proximity graph, or entity store,
// and transitions the task. Workers observe cancellation between tasks,
// never preemptively: an in-flight invocation completes or times out, so
// memory never records a half-written entity.
package queue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pdiddy/hypothesis-engine/internal/agents"
	"github.com/pdiddy/hypothesis-engine/internal/memory"
	"github.com/pdiddy/hypothesis-engine/internal/proximity"
	"github.com/pdiddy/hypothesis-engine/internal/tournament"
	"github.com/pdiddy/hypothesis-engine/pkg/types"
)

// idlePoll is how long an idle worker waits before re-checking the queue.
const idlePoll = 25 * time.Millisecond

// Pool is the fixed-size set of concurrent execution slots.
type Pool struct {
	store   *memory.Store
	tourney *tournament.Engine
	graph   *proximity.Graph
	invoker agents.Invoker
	cfg     types.QueueConfig
	tcfg    types.TournamentConfig
	log     *zap.Logger

	// invocations counts external agent calls for budget accounting. It is
	// seeded from the last persisted snapshot on resume.
	invocations atomic.Int64
}

// Config wires the pool's collaborators.
type Config struct {
	Store      *memory.Store
	Tournament *tournament.Engine
	Proximity  *proximity.Graph
	Invoker    agents.Invoker
	Queue      types.QueueConfig
	TournCfg   types.TournamentConfig
	Logger     *zap.Logger
}

// NewPool creates a worker pool. Workers start only when Run is called.
func NewPool(cfg Config) *Pool {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		store:   cfg.Store,
		tourney: cfg.Tournament,
		graph:   cfg.Proximity,
		invoker: cfg.Invoker,
		cfg:     cfg.Queue,
		tcfg:    cfg.TournCfg,
		log:     log,
	}
}

// SeedInvocations restores the invocation count from a previous run.
func (p *Pool) SeedInvocations(n int) { p.invocations.Store(int64(n)) }

// Invocations returns the external agent calls made so far.
func (p *Pool) Invocations() int { return int(p.invocations.Load()) }

// Enqueue mints and durably appends a task. Generate tasks are throttled
// once the queued backlog reaches the configured bound (R3.4).
func (p *Pool) Enqueue(ctx context.Context, taskType types.TaskType, targets []string, priority int) (*types.Task, error) {
	task := types.Task{
		ID:        uuid.NewString(),
		Type:      taskType,
		Targets:   targets,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}
	if err := p.store.EnqueueTask(ctx, task, p.cfg.BacklogBound); err != nil {
		return nil, err
	}
	p.log.Debug("task enqueued",
		zap.String("task", task.ID),
		zap.String("type", string(taskType)),
		zap.Int("priority", priority))
	return &task, nil
}

// Run executes tasks on W workers until ctx is cancelled, then waits for
// in-flight tasks to finish. It never returns a task error: failures follow
// the retry policy and surface through statistics instead.
func (p *Pool) Run(ctx context.Context) error {
	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			p.workerLoop(groupCtx, worker)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) workerLoop(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := p.store.DequeueTask(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("dequeue failed", zap.Int("worker", worker), zap.Error(err))
			sleepCtx(ctx, idlePoll)
			continue
		}
		if task == nil {
			sleepCtx(ctx, idlePoll)
			continue
		}

		p.execute(ctx, task, worker)
	}
}

// execute runs one claimed task to a terminal transition. Entity, rating,
// and cluster mutations happen only on the success path; a failed
// invocation leaves memory untouched and the task follows the retry policy.
func (p *Pool) execute(ctx context.Context, task *types.Task, worker int) {
	// The invocation is bounded by its own timeout, detached from pool
	// shutdown: cancellation is honored between tasks, not mid-task.
	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.TaskTimeout)
	defer cancel()

	// The transition must land even when the invocation consumed its whole
	// timeout, or a timed-out task would stay in-progress forever instead
	// of following the retry policy.
	bookCtx := context.WithoutCancel(taskCtx)

	start := time.Now()
	err := p.handle(taskCtx, task)
	if err == nil {
		if err := p.store.CompleteTask(bookCtx, task.ID); err != nil {
			p.log.Error("completing task", zap.String("task", task.ID), zap.Error(err))
		}
		p.log.Info("task done",
			zap.Int("worker", worker),
			zap.String("task", task.ID),
			zap.String("type", string(task.Type)),
			zap.Duration("took", time.Since(start)))
		return
	}

	status, failErr := p.store.FailTask(bookCtx, task.ID, err.Error(), p.cfg.RetryLimit)
	if failErr != nil {
		p.log.Error("failing task", zap.String("task", task.ID), zap.Error(failErr))
		return
	}
	p.log.Warn("task failed",
		zap.Int("worker", worker),
		zap.String("task", task.ID),
		zap.String("type", string(task.Type)),
		zap.String("status", string(status)),
		zap.Error(err))

	// A compare task that exhausted its retries still leaves a trace: the
	// pair's match is recorded inconclusive and stays eligible for
	// re-matching (R2.4).
	if status == types.TaskDead && task.Type == types.TaskCompare && len(task.Targets) == 2 {
		match := types.Match{
			HypothesisA: task.Targets[0],
			HypothesisB: task.Targets[1],
			Outcome:     types.OutcomeInconclusive,
		}
		if err := p.tourney.RecordMatch(bookCtx, match); err != nil {
			p.log.Error("recording inconclusive match", zap.String("task", task.ID), zap.Error(err))
		}
	}
}

// invoke calls the external capability and counts it against the budget.
// Timed-out invocations still count: the external call was made.
func (p *Pool) invoke(ctx context.Context, input agents.Input) (*agents.Output, error) {
	p.invocations.Add(1)
	return p.invoker.Invoke(ctx, input)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
