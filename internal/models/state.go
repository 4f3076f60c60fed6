package models

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal
// forward transition. Terminal states admit nothing, pending only
// admits running, running admits any terminal state.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusRunning
	case StatusRunning:
		return next.Terminal()
	}
	return false
}

// Reasons attached to retried iterations in history and, for launch
// failures, to the terminal state itself.
const (
	RetryReasonLaunchError = "launch_error"
	RetryReasonNonzeroExit = "nonzero_exit"
)

// Next-step caps: how many suggestions the state file keeps and how
// many status/TUI surfaces display.
const (
	MaxStoredNextSteps    = 10
	MaxDisplayedNextSteps = 5
)

// IterationRecord captures one completed executor iteration.
type IterationRecord struct {
	Iteration   int       `json:"iteration"`
	ExitCode    int       `json:"exit_code"`
	Timestamp   time.Time `json:"timestamp"`
	RetryReason string    `json:"retry_reason,omitempty"`
}

// ExecutionState is the durable per-task record. The executor is the
// only writer; the monitor reads it without coordination.
type ExecutionState struct {
	ID                 string            `json:"id"`
	Status             Status            `json:"status"`
	Iteration          int               `json:"iteration"`
	MaxIterations      int               `json:"max_iterations"`
	CompletionMarker   string            `json:"completion_marker,omitempty"`
	History            []IterationRecord `json:"history"`
	SuggestedNextSteps []string          `json:"suggested_next_steps,omitempty"`
	// FailureReason is set when the task fails outside the iteration
	// loop (the backend never ran), so no history record carries it.
	FailureReason string    `json:"failure_reason,omitempty"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// Invocation is one executor run of a task, recorded in the history
// index once it reaches a terminal state.
type Invocation struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	Status     Status     `json:"status"`
	Iterations int        `json:"iterations"`
	WorkDir    string     `json:"work_dir"`
	LogPath    string     `json:"log_path"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
