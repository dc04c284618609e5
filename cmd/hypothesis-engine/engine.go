// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/pdiddy/hypothesis-engine/internal/agents"
	"github.com/pdiddy/hypothesis-engine/internal/memory"
	"github.com/pdiddy/hypothesis-engine/internal/proximity"
	"github.com/pdiddy/hypothesis-engine/internal/queue"
	"github.com/pdiddy/hypothesis-engine/internal/supervisor"
	"github.com/pdiddy/hypothesis-engine/internal/tournament"
	"github.com/pdiddy/hypothesis-engine/pkg/types"
)

// engine bundles the assembled components over one memory file.
type engine struct {
	store   *memory.Store
	tourney *tournament.Engine
	graph   *proximity.Graph
	pool    *queue.Pool
	sup     *supervisor.Supervisor
	log     *zap.Logger
}

// openEngine opens the memory file and wires every component. When dryRun
// is set, or no agent endpoint is configured, the deterministic scripted
// invoker stands in for the external agent service.
func openEngine(cfg types.EngineConfig, dryRun bool) (*engine, error) {
	log, err := newLogger()
	if err != nil {
		return nil, err
	}

	store, err := memory.Open(cfg.Memory)
	if err != nil {
		return nil, fmt.Errorf("opening memory %s: %w", cfg.Memory.Path, err)
	}

	var invoker agents.Invoker
	if dryRun || cfg.Agent.Endpoint == "" {
		log.Info("using scripted agents", zap.Bool("dry_run", dryRun))
		invoker = agents.NewScriptedInvoker()
	} else {
		invoker = agents.NewHTTPInvoker(cfg.Agent)
	}

	tourney := tournament.NewEngine(store, cfg.Tournament, log)
	graph := proximity.NewGraph(store, cfg.Proximity, log)
	pool := queue.NewPool(queue.Config{
		Store:      store,
		Tournament: tourney,
		Proximity:  graph,
		Invoker:    invoker,
		Queue:      cfg.Queue,
		TournCfg:   cfg.Tournament,
		Logger:     log,
	})
	sup := supervisor.New(supervisor.Config{
		Store:      store,
		Tournament: tourney,
		Proximity:  graph,
		Pool:       pool,
		Supervisor: cfg.Supervisor,
		Logger:     log,
	})

	return &engine{
		store:   store,
		tourney: tourney,
		graph:   graph,
		pool:    pool,
		sup:     sup,
		log:     log,
	}, nil
}

func (e *engine) Close() error {
	e.log.Sync()
	return e.store.Close()
}

func newLogger() (*zap.Logger, error) {
	verbose, _ := rootCmd.PersistentFlags().GetBool("verbose")
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	log, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return log, nil
}
