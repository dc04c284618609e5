// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "time"

// MemoryConfig holds settings for the context memory store.
// Per prd001-context-memory R1.2.
type MemoryConfig struct {
	// Path is the SQLite database file (default "engine/memory.db").
	Path string `json:"path" yaml:"path"`
}

// TournamentConfig holds settings for the tournament engine.
// Per prd002-tournament R3.1-R3.5. The graduated-K constants and the
// pairing band are tunable; the engine's invariants hold across any
// reasonable values, not one literal constant.
type TournamentConfig struct {
	// InitialRating is assigned to a hypothesis on its first match
	// (default 1500).
	InitialRating float64 `json:"initial_rating" yaml:"initial_rating"`

	// KHigh applies while a hypothesis has played fewer than KThreshold
	// matches, letting new entrants settle quickly (default 40).
	KHigh float64 `json:"k_high" yaml:"k_high"`

	// KLow applies from KThreshold matches onward, keeping long-lived top
	// hypotheses stable (default 16).
	KLow float64 `json:"k_low" yaml:"k_low"`

	// KThreshold is the match count at which K drops from KHigh to KLow
	// (default 10).
	KThreshold int `json:"k_threshold" yaml:"k_threshold"`

	// PairBand is the maximum rating difference for information-maximizing
	// pairing (default 200).
	PairBand float64 `json:"pair_band" yaml:"pair_band"`

	// FreshPairCadence injects one top-K vs newest-hypothesis pair every
	// N selection rounds, keeping rankings connected to fresh content
	// (default 3).
	FreshPairCadence int `json:"fresh_pair_cadence" yaml:"fresh_pair_cadence"`

	// DrawMargin is the margin below which a compare verdict is recorded
	// as a draw (default 0.05).
	DrawMargin float64 `json:"draw_margin" yaml:"draw_margin"`
}

// ProximityConfig holds settings for the proximity graph.
// Per prd003-proximity R2.1-R2.3.
type ProximityConfig struct {
	// Threshold is the similarity at or above which an edge joins two
	// hypotheses into one cluster (default 0.75).
	Threshold float64 `json:"threshold" yaml:"threshold"`

	// CandidateBound caps how many existing hypotheses a new arrival is
	// compared against: cluster representatives plus top-rated, never the
	// full set (default 12).
	CandidateBound int `json:"candidate_bound" yaml:"candidate_bound"`

	// PruneCadence is how many observations pass between sweeps that drop
	// edges fallen below the threshold (default 16).
	PruneCadence int `json:"prune_cadence" yaml:"prune_cadence"`
}

// QueueConfig holds settings for the task queue and worker pool.
// Per prd004-task-queue R3.1-R3.5.
type QueueConfig struct {
	// Workers is the number of concurrent execution slots W (default 4).
	Workers int `json:"workers" yaml:"workers"`

	// RetryLimit is the total number of failed attempts a task gets before
	// it is marked dead (default 3).
	RetryLimit int `json:"retry_limit" yaml:"retry_limit"`

	// BacklogBound is the queued-task depth beyond which new generate
	// tasks are throttled before review/compare tasks (default 32).
	BacklogBound int `json:"backlog_bound" yaml:"backlog_bound"`

	// TaskTimeout bounds each external agent invocation (default 2m).
	TaskTimeout time.Duration `json:"task_timeout" yaml:"task_timeout"`
}

// SupervisorConfig holds settings for the scheduling loop.
// Per prd005-supervisor R3.1-R3.6.
type SupervisorConfig struct {
	// Cadence is the statistics cycle period (default 5s).
	Cadence time.Duration `json:"cadence" yaml:"cadence"`

	// BatchSize is the number of tasks sampled per cycle (default 6).
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// TopK is the number of top-ranked hypotheses watched for convergence
	// and covered by meta-review (default 5).
	TopK int `json:"top_k" yaml:"top_k"`

	// ConvergenceDelta is the mean absolute top-K rating change below
	// which a cycle counts as quiet (default 4.0 rating points).
	ConvergenceDelta float64 `json:"convergence_delta" yaml:"convergence_delta"`

	// ConvergenceCycles is the number of consecutive quiet cycles required
	// to declare convergence (default 3).
	ConvergenceCycles int `json:"convergence_cycles" yaml:"convergence_cycles"`

	// Budget caps total external agent invocations for the session;
	// consuming it before convergence ends the session as exhausted
	// (default 500).
	Budget int `json:"budget" yaml:"budget"`

	// SeedGenerate is the number of generate tasks enqueued when a fresh
	// session starts (default 4).
	SeedGenerate int `json:"seed_generate" yaml:"seed_generate"`
}

// AgentConfig holds settings for the external agent invocation boundary.
// Per prd006-agent-boundary R2.1-R2.4.
type AgentConfig struct {
	// Endpoint is the HTTP base URL of the agent service. Empty selects
	// the scripted invoker (dry runs).
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// Model is the reasoning model identifier forwarded with every
	// invocation (e.g. "claude-sonnet-4-5-20250929").
	Model string `json:"model" yaml:"model"`

	// APIKey authenticates against the agent service.
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`

	// MaxRetries is the retry count for rate-limited calls (default 3).
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
}

// EngineConfig aggregates all component configuration.
type EngineConfig struct {
	Memory     MemoryConfig     `json:"memory" yaml:"memory"`
	Tournament TournamentConfig `json:"tournament" yaml:"tournament"`
	Proximity  ProximityConfig  `json:"proximity" yaml:"proximity"`
	Queue      QueueConfig      `json:"queue" yaml:"queue"`
	Supervisor SupervisorConfig `json:"supervisor" yaml:"supervisor"`
	Agent      AgentConfig      `json:"agent" yaml:"agent"`
}

// ApplyDefaults fills zero-valued fields with documented defaults.
func (c *EngineConfig) ApplyDefaults() {
	if c.Memory.Path == "" {
		c.Memory.Path = "engine/memory.db"
	}
	if c.Tournament.InitialRating == 0 {
		c.Tournament.InitialRating = 1500
	}
	if c.Tournament.KHigh == 0 {
		c.Tournament.KHigh = 40
	}
	if c.Tournament.KLow == 0 {
		c.Tournament.KLow = 16
	}
	if c.Tournament.KThreshold == 0 {
		c.Tournament.KThreshold = 10
	}
	if c.Tournament.PairBand == 0 {
		c.Tournament.PairBand = 200
	}
	if c.Tournament.FreshPairCadence == 0 {
		c.Tournament.FreshPairCadence = 3
	}
	if c.Tournament.DrawMargin == 0 {
		c.Tournament.DrawMargin = 0.05
	}
	if c.Proximity.Threshold == 0 {
		c.Proximity.Threshold = 0.75
	}
	if c.Proximity.CandidateBound == 0 {
		c.Proximity.CandidateBound = 12
	}
	if c.Proximity.PruneCadence == 0 {
		c.Proximity.PruneCadence = 16
	}
	if c.Queue.Workers == 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.RetryLimit == 0 {
		c.Queue.RetryLimit = 3
	}
	if c.Queue.BacklogBound == 0 {
		c.Queue.BacklogBound = 32
	}
	if c.Queue.TaskTimeout == 0 {
		c.Queue.TaskTimeout = 2 * time.Minute
	}
	if c.Supervisor.Cadence == 0 {
		c.Supervisor.Cadence = 5 * time.Second
	}
	if c.Supervisor.BatchSize == 0 {
		c.Supervisor.BatchSize = 6
	}
	if c.Supervisor.TopK == 0 {
		c.Supervisor.TopK = 5
	}
	if c.Supervisor.ConvergenceDelta == 0 {
		c.Supervisor.ConvergenceDelta = 4.0
	}
	if c.Supervisor.ConvergenceCycles == 0 {
		c.Supervisor.ConvergenceCycles = 3
	}
	if c.Supervisor.Budget == 0 {
		c.Supervisor.Budget = 500
	}
	if c.Supervisor.SeedGenerate == 0 {
		c.Supervisor.SeedGenerate = 4
	}
	if c.Agent.MaxRetries == 0 {
		c.Agent.MaxRetries = 3
	}
}
