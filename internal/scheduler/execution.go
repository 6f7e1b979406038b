package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"vodum/internal/models"
)

// RunTaskByName runs a task synchronously on the caller's goroutine. It fails with ErrTaskRunning
// when a run of the same task is in progress. Disabled tasks may still be run this way.
func (s *TaskScheduler) RunTaskByName(ctx context.Context, name string) error {
	task, err := s.GetTask(ctx, name)
	if err != nil {
		return err
	}

	claimed, err := s.claim(ctx, task.ID, s.clock.Now())
	if err != nil {
		return err
	}
	if !claimed {
		return fmt.Errorf("%w: %s", ErrTaskRunning, name)
	}

	s.wg.Add(1)
	defer s.wg.Done()
	return s.execute(ctx, *task)
}

// EnqueueTask marks an enabled task due immediately; the next tick picks it up. Disabled tasks
// are refused with ErrTaskDisabled and keep their status.
func (s *TaskScheduler) EnqueueTask(ctx context.Context, name string) error {
	task, err := s.GetTask(ctx, name)
	if err != nil {
		return err
	}
	if !task.Enabled {
		return fmt.Errorf("%w: %s", ErrTaskDisabled, name)
	}

	res, err := s.store.Exec(ctx, `
UPDATE tasks
SET next_run = ?,
    status   = CASE WHEN status = 'running' THEN status ELSE 'queued' END
WHERE id = ?
  AND enabled = 1`, s.clock.Now(), task.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrTaskDisabled, name)
	}
	return nil
}

type SequenceResult struct {
	Name   string            `json:"name"`
	Status models.TaskStatus `json:"status"`
	Error  string            `json:"error,omitempty"`
}

// RunTaskSequence runs the named tasks one after the other and stops at the first failure. Only
// one sequence runs at a time.
func (s *TaskScheduler) RunTaskSequence(ctx context.Context, names []string) ([]SequenceResult, error) {
	if !s.seqMu.TryLock() {
		return nil, ErrSequenceBusy
	}
	defer s.seqMu.Unlock()

	results := make([]SequenceResult, 0, len(names))
	for _, name := range names {
		err := s.RunTaskByName(ctx, name)
		if err != nil {
			results = append(results, SequenceResult{Name: name, Status: models.TaskError, Error: err.Error()})
			log.Warn().Err(err).Str("task", name).Msg("Task sequence stopped")
			return results, fmt.Errorf("sequence stopped at %s: %w", name, err)
		}
		results = append(results, SequenceResult{Name: name, Status: models.TaskSuccess})
	}
	log.Info().Strs("tasks", names).Msg("Task sequence complete")
	return results, nil
}

// Waker delivers wake-up signals, such as a job being enqueued.
type Waker interface {
	Listen(ctx context.Context, fn func()) error
}

// WatchQueue marks taskName due whenever w signals, until ctx is done.
func (s *TaskScheduler) WatchQueue(ctx context.Context, w Waker, taskName string) {
	go func() {
		err := w.Listen(ctx, func() {
			err := s.EnqueueTask(ctx, taskName)
			switch {
			case errors.Is(err, ErrTaskDisabled):
				log.Debug().Str("task", taskName).Msg("Woken task is disabled")
			case err != nil:
				log.Error().Err(err).Str("task", taskName).Msg("Could not wake task")
			}
		})
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Queue watcher stopped")
		}
	}()
}
