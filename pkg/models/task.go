// Package models holds the data types shared between the TaskDB, the
// context store, and the coordinator — the Task run descriptor and its
// status machine.
package models

import (
	"time"

	"github.com/taskagent/runtime/pkg/taskkey"
)

// Status is the lifecycle state of a Run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether no further transitions are expected from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// Counters tracks the per-run activity counters referenced throughout the
// planning/replanning and context-compression components.
type Counters struct {
	LLMCalls     int
	ToolCalls    int
	TotalTokens  int64
	Compressions int
}

// Run is one attempt at processing a TaskKey. It is persisted both in TaskDB
// (the queryable mirror, indexed by status/timestamp/key) and as
// metadata.json in the run's context directory, which is the source of
// truth for an in-flight attempt.
type Run struct {
	UUID    string
	TaskKey taskkey.Key
	User    string
	Status  Status

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	ProcessID int
	Hostname  string

	LLMProvider   string
	Model         string
	ContextLength int

	Counters

	ErrorMessage string
	IsResumed    bool
	ResumeCount  int
}

// NewRun creates a pending run for the given key, ready to be persisted and
// enqueued by the producer.
func NewRun(uuid string, key taskkey.Key, user string, createdAt time.Time) *Run {
	return &Run{
		UUID:      uuid,
		TaskKey:   key,
		User:      user,
		Status:    StatusPending,
		CreatedAt: createdAt,
	}
}
