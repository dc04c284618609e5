// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "time"

// TaskType identifies a unit of work the supervisor can schedule. The set is
// closed: each type is bound to one agent capability or internal handler.
// Per prd004-task-queue R1.1.
type TaskType string

const (
	TaskGenerate        TaskType = "generate"
	TaskReview          TaskType = "review"
	TaskCompare         TaskType = "compare"
	TaskEvolve          TaskType = "evolve"
	TaskUpdateProximity TaskType = "update-proximity"
	TaskMetaReview      TaskType = "meta-review"
)

// AllTaskTypes lists every schedulable task type.
var AllTaskTypes = []TaskType{
	TaskGenerate, TaskReview, TaskCompare,
	TaskEvolve, TaskUpdateProximity, TaskMetaReview,
}

// TaskStatus tracks a task through its monotonic lifecycle:
// queued -> in-progress -> done. A failed attempt moves the task back to
// queued while retries remain, then to terminal dead. Dead tasks stay
// queryable for diagnosis; they are never dropped. Per prd004-task-queue R2.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskInProgress TaskStatus = "in-progress"
	TaskDone       TaskStatus = "done"
	TaskDead       TaskStatus = "dead"
)

// Task is a typed unit of work. Priority is assigned by the supervisor at
// enqueue time; smaller values run first, FIFO within a priority.
type Task struct {
	// ID identifies this task.
	ID string `json:"id" yaml:"id"`

	Type   TaskType   `json:"type" yaml:"type"`
	Status TaskStatus `json:"status" yaml:"status"`

	// Targets lists the hypothesis IDs the task operates on: two for
	// compare, one for review/evolve/update-proximity, none for generate,
	// the current top-K for meta-review.
	Targets []string `json:"targets,omitempty" yaml:"targets,omitempty"`

	// Priority orders dequeueing; smaller runs first.
	Priority int `json:"priority" yaml:"priority"`

	// Retries counts failed attempts so far.
	Retries int `json:"retries" yaml:"retries"`

	// LastError holds the most recent failure, for dead-task diagnosis.
	LastError string `json:"last_error,omitempty" yaml:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}
