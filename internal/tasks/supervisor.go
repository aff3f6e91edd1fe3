package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"binance-drop-ranking/internal/ranking"
)

// ErrTaskNotFound is returned for unknown task IDs.
var ErrTaskNotFound = errors.New("task not found")

// errCancelled aborts an engine run when cancellation is observed at a
// period boundary.
var errCancelled = errors.New("task cancelled")

// interruptedMessage marks tasks cleaned up after a process restart.
const interruptedMessage = "task interrupted by restart"

// Supervisor owns async backtest tasks. While a task runs, only its
// goroutine writes the row, except for the cancel transition.
type Supervisor struct {
	store  Store
	runner Runner
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// NewSupervisor creates a task supervisor.
func NewSupervisor(store Store, runner Runner, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		store:  store,
		runner: runner,
		logger: logger.With().Str("component", "tasks").Logger(),
	}
}

// StartAsync creates a task and spawns its engine run in the background.
func (s *Supervisor) StartAsync(ctx context.Context, params ranking.Params) (string, error) {
	params.ApplyDefaults()
	if err := params.Validate(); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	task := &Task{
		TaskID:    uuid.New().String(),
		Status:    StatusPending,
		Params:    params,
		StartedAt: &now,
		CreatedAt: now,
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		return "", fmt.Errorf("failed to insert task: %w", err)
	}

	s.logger.Info().Str("task_id", task.TaskID).
		Time("start", params.StartTime).Time("end", params.EndTime).
		Msg("async backtest task created")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(task, params.StartTime, 0)
	}()

	return task.TaskID, nil
}

// GetProgress returns a task snapshot. While running, ProcessingTimeMs is
// derived from wall-clock elapsed time.
func (s *Supervisor) GetProgress(ctx context.Context, taskID string) (*Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}
	if task.Status == StatusRunning && task.StartedAt != nil {
		task.ProcessingTimeMs = time.Since(*task.StartedAt).Milliseconds()
	}
	return task, nil
}

// Cancel transitions a pending or running task to cancelled. The engine
// observes the transition at its next period boundary and halts cleanly.
func (s *Supervisor) Cancel(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return ErrTaskNotFound
	}
	if task.Status != StatusPending && task.Status != StatusRunning {
		return fmt.Errorf("cannot cancel task in %s state", task.Status)
	}

	task.Status = StatusCancelled
	now := time.Now().UTC()
	task.CompletedAt = &now
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("failed to cancel task: %w", err)
	}
	s.logger.Info().Str("task_id", taskID).Msg("task cancelled")
	return nil
}

// Resume replays a crashed task from its checkpoint. Defined only for
// tasks left in running state with a recorded currentTime.
func (s *Supervisor) Resume(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return ErrTaskNotFound
	}
	if task.Status != StatusRunning {
		return fmt.Errorf("task %s is %s, only interrupted running tasks can resume", taskID, task.Status)
	}
	if task.CurrentTime == nil {
		return fmt.Errorf("task %s has no checkpoint to resume from", taskID)
	}

	resumeFrom := *task.CurrentTime
	priorElapsed := task.ProcessingTimeMs

	now := time.Now().UTC()
	task.StartedAt = &now
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("failed to restamp resumed task: %w", err)
	}

	s.logger.Info().Str("task_id", taskID).Time("resume_from", resumeFrom).Msg("resuming interrupted task")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(task, resumeFrom, priorElapsed)
	}()
	return nil
}

// Cleanup transitions a stuck running task to failed.
func (s *Supervisor) Cleanup(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return ErrTaskNotFound
	}
	if task.Status != StatusRunning {
		return fmt.Errorf("task %s is %s, nothing to clean up", taskID, task.Status)
	}

	task.Status = StatusFailed
	task.ErrorMessage = interruptedMessage
	now := time.Now().UTC()
	task.CompletedAt = &now
	return s.store.UpdateTask(ctx, task)
}

// ListInterrupted returns tasks currently in running state: crash
// candidates for resume or cleanup after a process restart.
func (s *Supervisor) ListInterrupted(ctx context.Context) ([]*Task, error) {
	return s.store.ListTasksByStatus(ctx, StatusRunning)
}

// CleanupAllInterrupted marks every running task failed. Returns the count
// cleaned.
func (s *Supervisor) CleanupAllInterrupted(ctx context.Context) (int, error) {
	interrupted, err := s.ListInterrupted(ctx)
	if err != nil {
		return 0, err
	}
	cleaned := 0
	for _, task := range interrupted {
		if err := s.Cleanup(ctx, task.TaskID); err != nil {
			s.logger.Warn().Str("task_id", task.TaskID).Err(err).Msg("cleanup failed")
			continue
		}
		cleaned++
	}
	return cleaned, nil
}

// HasLiveTask reports whether any task is pending or running. The
// scheduler gates new dispatches on this.
func (s *Supervisor) HasLiveTask(ctx context.Context) (bool, error) {
	live, err := s.store.ListTasksByStatus(ctx, StatusPending, StatusRunning)
	if err != nil {
		return false, err
	}
	return len(live) > 0, nil
}

// Wait blocks until all spawned engine runs return. Used during shutdown.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// execute drives one engine run for a task, from startFrom, accumulating
// priorElapsed into the final processing time.
func (s *Supervisor) execute(task *Task, startFrom time.Time, priorElapsed int64) {
	ctx := context.Background()
	started := time.Now()

	task.Status = StatusRunning
	if err := s.store.UpdateTask(ctx, task); err != nil {
		s.logger.Error().Str("task_id", task.TaskID).Err(err).Msg("failed to mark task running")
		return
	}

	params := task.Params
	params.StartTime = startFrom

	progress := func(t time.Time) error {
		if err := s.store.SetTaskCheckpoint(ctx, task.TaskID, t); err != nil {
			s.logger.Warn().Str("task_id", task.TaskID).Err(err).Msg("checkpoint write failed")
		}
		// Cancellation is observed here, once per period boundary.
		current, err := s.store.GetTask(ctx, task.TaskID)
		if err == nil && current != nil && current.Status == StatusCancelled {
			return errCancelled
		}
		return nil
	}

	runErr := s.runner.Run(ctx, params, progress)
	elapsed := priorElapsed + time.Since(started).Milliseconds()
	now := time.Now().UTC()

	switch {
	case errors.Is(runErr, errCancelled):
		// Cancel already wrote the terminal state; record elapsed time only.
		if current, err := s.store.GetTask(ctx, task.TaskID); err == nil && current != nil {
			current.ProcessingTimeMs = elapsed
			if err := s.store.UpdateTask(ctx, current); err != nil {
				s.logger.Warn().Str("task_id", task.TaskID).Err(err).Msg("failed to record elapsed time")
			}
		}
		s.logger.Info().Str("task_id", task.TaskID).Msg("task halted on cancellation")
	case runErr != nil:
		if s.terminalElsewhere(ctx, task.TaskID, elapsed) {
			s.logger.Info().Str("task_id", task.TaskID).Msg("task already terminal, keeping its state")
			return
		}
		task.Status = StatusFailed
		task.ErrorMessage = runErr.Error()
		task.CompletedAt = &now
		task.ProcessingTimeMs = elapsed
		if err := s.store.UpdateTask(ctx, task); err != nil {
			s.logger.Error().Str("task_id", task.TaskID).Err(err).Msg("failed to mark task failed")
		}
		s.logger.Error().Str("task_id", task.TaskID).Err(runErr).Msg("backtest task failed")
	default:
		// Cancel can land after the engine's final progress poll; the
		// terminal state it wrote is kept.
		if s.terminalElsewhere(ctx, task.TaskID, elapsed) {
			s.logger.Info().Str("task_id", task.TaskID).Msg("task already terminal, keeping its state")
			return
		}
		task.Status = StatusCompleted
		task.CompletedAt = &now
		task.ProcessingTimeMs = elapsed
		if err := s.store.UpdateTask(ctx, task); err != nil {
			s.logger.Error().Str("task_id", task.TaskID).Err(err).Msg("failed to mark task completed")
		}
		s.logger.Info().Str("task_id", task.TaskID).Int64("elapsed_ms", elapsed).Msg("backtest task completed")
	}
}

// terminalElsewhere reports whether another caller already recorded a
// terminal state for the task, stamping the elapsed time onto it when so.
func (s *Supervisor) terminalElsewhere(ctx context.Context, taskID string, elapsed int64) bool {
	current, err := s.store.GetTask(ctx, taskID)
	if err != nil || current == nil || !current.Status.Terminal() {
		return false
	}
	current.ProcessingTimeMs = elapsed
	if err := s.store.UpdateTask(ctx, current); err != nil {
		s.logger.Warn().Str("task_id", taskID).Err(err).Msg("failed to record elapsed time")
	}
	return true
}
