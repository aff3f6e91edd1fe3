// Package tasks owns asynchronous backtest tasks: creation, progress
// checkpoints, cooperative cancellation and crash recovery.
package tasks

import (
	"context"
	"time"

	"binance-drop-ranking/internal/ranking"
)

// Status is the task lifecycle state. Transitions are
// pending -> running -> {completed, failed, cancelled}; terminal states are
// final.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is one async backtest run. CurrentTime is the last period instant
// the engine entered; a task found in running state on startup crashed and
// can be resumed from it.
type Task struct {
	TaskID           string         `json:"taskId"`
	Status           Status         `json:"status"`
	Params           ranking.Params `json:"params"`
	CurrentTime      *time.Time     `json:"currentTime,omitempty"`
	StartedAt        *time.Time     `json:"startedAt,omitempty"`
	CompletedAt      *time.Time     `json:"completedAt,omitempty"`
	ErrorMessage     string         `json:"errorMessage,omitempty"`
	ProcessingTimeMs int64          `json:"processingTimeMs"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// Store is the durable task collection.
type Store interface {
	InsertTask(ctx context.Context, t *Task) error
	// UpdateTask overwrites the mutable fields of an existing task.
	UpdateTask(ctx context.Context, t *Task) error
	// SetTaskCheckpoint records the period instant the engine entered.
	SetTaskCheckpoint(ctx context.Context, taskID string, t time.Time) error
	GetTask(ctx context.Context, taskID string) (*Task, error)
	ListTasksByStatus(ctx context.Context, statuses ...Status) ([]*Task, error)
}

// Runner executes a backtest span, reporting each period instant through
// progress before computing it. A non-nil error from progress aborts the
// run between periods.
type Runner interface {
	Run(ctx context.Context, params ranking.Params, progress func(time.Time) error) error
}
