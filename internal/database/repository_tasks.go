package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"binance-drop-ranking/internal/tasks"
)

// InsertTask creates a new task row.
func (r *Repository) InsertTask(ctx context.Context, t *tasks.Task) error {
	params, err := json.Marshal(t.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal task params: %w", err)
	}

	query := `
		INSERT INTO backtest_tasks (
			task_id, status, params, checkpoint_time, started_at, completed_at,
			error_message, processing_time_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		t.TaskID, string(t.Status), params, t.CurrentTime, t.StartedAt, t.CompletedAt,
		nullable(t.ErrorMessage), t.ProcessingTimeMs, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// UpdateTask overwrites the mutable fields of an existing task.
func (r *Repository) UpdateTask(ctx context.Context, t *tasks.Task) error {
	query := `
		UPDATE backtest_tasks
		SET status = $2, started_at = $3, completed_at = $4,
		    error_message = $5, processing_time_ms = $6
		WHERE task_id = $1
	`
	tag, err := r.db.Pool.Exec(ctx, query,
		t.TaskID, string(t.Status), t.StartedAt, t.CompletedAt,
		nullable(t.ErrorMessage), t.ProcessingTimeMs,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s does not exist", t.TaskID)
	}
	return nil
}

// SetTaskCheckpoint records the period instant the engine entered.
func (r *Repository) SetTaskCheckpoint(ctx context.Context, taskID string, t time.Time) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE backtest_tasks SET checkpoint_time = $2 WHERE task_id = $1`, taskID, t)
	if err != nil {
		return fmt.Errorf("failed to set task checkpoint: %w", err)
	}
	return nil
}

const taskColumns = `
	task_id, status, params, checkpoint_time, started_at, completed_at,
	error_message, processing_time_ms, created_at
`

// GetTask retrieves a task by ID; (nil, nil) if absent.
func (r *Repository) GetTask(ctx context.Context, taskID string) (*tasks.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM backtest_tasks WHERE task_id = $1`
	t, err := scanTask(r.db.Pool.QueryRow(ctx, query, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// ListTasksByStatus returns tasks in any of the given states, newest first.
func (r *Repository) ListTasksByStatus(ctx context.Context, statuses ...tasks.Status) ([]*tasks.Task, error) {
	states := make([]string, len(statuses))
	for i, s := range statuses {
		states[i] = string(s)
	}

	query := `SELECT ` + taskColumns + `
		FROM backtest_tasks
		WHERE status = ANY($1)
		ORDER BY created_at DESC`

	rows, err := r.db.Pool.Query(ctx, query, states)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var result []*tasks.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return result, nil
}

func scanTask(row rowScanner) (*tasks.Task, error) {
	var t tasks.Task
	var status string
	var params []byte
	var errorMessage *string

	err := row.Scan(
		&t.TaskID, &status, &params, &t.CurrentTime, &t.StartedAt, &t.CompletedAt,
		&errorMessage, &t.ProcessingTimeMs, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = tasks.Status(status)
	if errorMessage != nil {
		t.ErrorMessage = *errorMessage
	}
	if err := json.Unmarshal(params, &t.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task params: %w", err)
	}
	return &t, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
