package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"
	"vodum/internal/clock"
	"vodum/internal/database"
	"vodum/internal/models"
	"vodum/internal/tasks"
	"vodum/internal/telemetry"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskRunning  = errors.New("task is already running")
	ErrTaskDisabled = errors.New("task is disabled")
	ErrSequenceBusy = errors.New("another task sequence is running")
)

const maxErrorLength = 2000

type Options struct {
	Tick         time.Duration
	MaxWorkers   int
	RecoverAfter time.Duration
}

// TaskScheduler fires the rows of the tasks table on their cron schedules. Each task serializes
// against itself through its status column.
type TaskScheduler struct {
	store  *database.Store
	runner *tasks.Runner
	clock  clock.Clock
	opts   Options

	pool     chan struct{}
	wg       sync.WaitGroup
	seqMu    sync.Mutex
	inflight sync.Map // task id -> struct{}

	// Used for the tick loop
	isRunning  bool
	ticker     *time.Ticker
	context    context.Context
	cancelFunc context.CancelFunc
}

// New creates a new scheduler service
func New(store *database.Store, runner *tasks.Runner, clk clock.Clock, opts Options) *TaskScheduler {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 4
	}
	if opts.RecoverAfter <= 0 {
		opts.RecoverAfter = 10 * time.Minute
	}

	return &TaskScheduler{
		store:  store,
		runner: runner,
		clock:  clk,
		opts:   opts,
		pool:   make(chan struct{}, opts.MaxWorkers),
	}
}

// Start recovers interrupted runs, makes sure every enabled task has a next run and begins ticking.
func (s *TaskScheduler) Start(ctx context.Context) error {
	if s.isRunning {
		return nil
	}

	s.isRunning = true
	s.context, s.cancelFunc = context.WithCancel(ctx)

	if _, err := s.RecoverStale(s.context); err != nil {
		return fmt.Errorf("recover stale tasks: %w", err)
	}
	if err := s.RefreshNextRuns(s.context); err != nil {
		return fmt.Errorf("refresh next runs: %w", err)
	}

	s.startTicking(s.context)
	log.Info().Dur("tick", s.opts.Tick).Int("max_workers", s.opts.MaxWorkers).Msg("Scheduler started")
	return nil
}

// Stop stops the tick loop and waits for in-flight runs.
func (s *TaskScheduler) Stop() {
	if !s.isRunning {
		return
	}

	s.cancelFunc()
	if s.ticker != nil {
		s.ticker.Stop()
	}
	s.wg.Wait()
	s.isRunning = false
}

// Wait blocks until every dispatched run has finished.
func (s *TaskScheduler) Wait() {
	s.wg.Wait()
}

func (s *TaskScheduler) startTicking(ctx context.Context) {
	s.ticker = time.NewTicker(s.opts.Tick)

	go func() {
		lastRecovery := s.clock.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.ticker.C:
				if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
					log.Error().Err(err).Msg("Scheduler tick failed")
				}
				if now := s.clock.Now(); now.Sub(lastRecovery) >= time.Minute {
					lastRecovery = now
					if _, err := s.RecoverStale(ctx); err != nil && ctx.Err() == nil {
						log.Error().Err(err).Msg("Stale task recovery failed")
					}
				}
			}
		}
	}()
}

// Tick dispatches every due task to the worker pool and returns how many were started. Tasks that
// find the pool full stay due for the next tick.
func (s *TaskScheduler) Tick(ctx context.Context) (int, error) {
	now := s.clock.Now()

	var due []models.Task
	if err := s.store.Select(ctx, &due, `
SELECT * FROM tasks
WHERE enabled = 1
  AND next_run IS NOT NULL
  AND next_run <= ?
  AND status <> 'running'
ORDER BY next_run, id`, now); err != nil {
		return 0, err
	}

	started := 0
	for _, task := range due {
		// an unparseable schedule never fires
		if _, err := ParseSchedule(task.Schedule); err != nil {
			log.Warn().Err(err).Str("task", task.Name).Msg("Invalid schedule, task disabled")
			s.disable(ctx, task, err)
			continue
		}

		select {
		case s.pool <- struct{}{}:
		default:
			log.Debug().Str("task", task.Name).Msg("Worker pool full, task stays due")
			return started, nil
		}

		claimed, err := s.claim(ctx, task.ID, now)
		if err != nil || !claimed {
			<-s.pool
			if err != nil {
				return started, err
			}
			continue
		}

		started++
		s.wg.Add(1)
		go func(task models.Task) {
			defer s.wg.Done()
			defer func() { <-s.pool }()
			s.execute(ctx, task)
		}(task)
	}
	return started, nil
}

// claim moves a task to running unless a run is already in progress. next_run is cleared for the
// duration of the run; an enqueue during the run sets it again.
func (s *TaskScheduler) claim(ctx context.Context, taskID int64, now time.Time) (bool, error) {
	res, err := s.store.Exec(ctx, `
UPDATE tasks
SET status     = 'running',
    last_run   = ?,
    next_run   = NULL,
    last_error = NULL
WHERE id = ?
  AND status <> 'running'`, now, taskID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *TaskScheduler) execute(ctx context.Context, task models.Task) error {
	s.inflight.Store(task.ID, struct{}{})
	defer s.inflight.Delete(task.ID)

	log.Info().Int64("task_id", task.ID).Str("task", task.Name).Msg("Task started")
	started := time.Now()

	err := s.runner.Run(ctx, task.ID, task.Name)
	s.finish(ctx, task, err)

	event := log.Info()
	if err != nil {
		event = log.Error().Err(err)
	}
	event.Int64("task_id", task.ID).
		Str("task", task.Name).
		Dur("elapsed", time.Since(started)).
		Msg("Task finished")
	return err
}

func (s *TaskScheduler) finish(ctx context.Context, task models.Task, runErr error) {
	ctx = context.WithoutCancel(ctx)
	now := s.clock.Now()

	status := models.TaskSuccess
	var lastError null.String
	if runErr != nil {
		status = models.TaskError
		lastError = null.StringFrom(truncate(runErr.Error(), maxErrorLength))
	}
	telemetry.TaskRuns.WithLabelValues(task.Name, string(status)).Inc()

	next, err := NextFire(task.Schedule, now)
	if err != nil {
		if _, err := s.store.Exec(ctx, `UPDATE tasks SET status = ?, last_error = ? WHERE id = ?`,
			status, lastError, task.ID); err != nil {
			log.Error().Err(err).Str("task", task.Name).Msg("Could not record task result")
		}
		s.disable(ctx, task, err)
		return
	}

	if _, err := s.store.Exec(ctx, `
UPDATE tasks
SET status     = ?,
    last_error = ?,
    next_run   = COALESCE(next_run, ?)
WHERE id = ?`, status, lastError, next, task.ID); err != nil {
		log.Error().Err(err).Str("task", task.Name).Msg("Could not record task result")
	}
}

// disable turns off a task whose schedule cannot be parsed.
func (s *TaskScheduler) disable(ctx context.Context, task models.Task, cause error) {
	now := s.clock.Now()
	if _, err := s.store.Exec(ctx, `
UPDATE tasks
SET enabled    = 0,
    next_run   = NULL,
    last_error = ?,
    updated_at = ?
WHERE id = ?`, truncate("invalid schedule: "+cause.Error(), maxErrorLength), now, task.ID); err != nil {
		log.Error().Err(err).Str("task", task.Name).Msg("Could not disable task")
		return
	}
	tasks.NewLogSink(ctx, s.store, s.clock, task.ID, task.Name).
		Error("Invalid schedule %q, task disabled: %v", task.Schedule, cause)
}

// RecoverStale resets tasks left running by a crashed process. Only runs older than the recovery
// threshold that are not executing in this process are touched.
func (s *TaskScheduler) RecoverStale(ctx context.Context) (int, error) {
	now := s.clock.Now()
	cutoff := now.Add(-s.opts.RecoverAfter)

	var stale []models.Task
	if err := s.store.Select(ctx, &stale, `
SELECT * FROM tasks
WHERE status = 'running'
  AND (last_run IS NULL OR last_run < ?)`, cutoff); err != nil {
		return 0, err
	}

	recovered := 0
	for _, task := range stale {
		if _, running := s.inflight.Load(task.ID); running {
			continue
		}
		recovered++

		var next null.Time
		if t, err := NextFire(task.Schedule, now); err == nil {
			next = null.TimeFrom(t)
		}
		if _, err := s.store.Exec(ctx, `
UPDATE tasks
SET status     = 'error',
    last_error = 'interrupted: process stopped during run',
    next_run   = COALESCE(next_run, ?)
WHERE id = ?
  AND status = 'running'`, next, task.ID); err != nil {
			return 0, err
		}
		tasks.NewLogSink(ctx, s.store, s.clock, task.ID, task.Name).
			Error("Run started at %s never finished, status reset to error", task.LastRun.Time.Format(time.RFC3339))
		log.Warn().Str("task", task.Name).Msg("Recovered stale running task")
	}
	return recovered, nil
}

// RefreshNextRuns validates every enabled schedule and fills in missing next runs.
func (s *TaskScheduler) RefreshNextRuns(ctx context.Context) error {
	now := s.clock.Now()

	var enabled []models.Task
	if err := s.store.Select(ctx, &enabled, `SELECT * FROM tasks WHERE enabled = 1`); err != nil {
		return err
	}

	for _, task := range enabled {
		next, err := NextFire(task.Schedule, now)
		if err != nil {
			s.disable(ctx, task, err)
			continue
		}
		if task.NextRun.Valid || task.Status == models.TaskRunning {
			continue
		}
		if _, err := s.store.Exec(ctx, `UPDATE tasks SET next_run = ? WHERE id = ? AND next_run IS NULL`,
			next, task.ID); err != nil {
			return err
		}
	}
	return nil
}

// Seed inserts the given task definitions. Existing rows keep their schedule and enabled flag;
// only the description is refreshed.
func (s *TaskScheduler) Seed(ctx context.Context, defs []tasks.Definition) error {
	now := s.clock.Now()
	for _, def := range defs {
		var next null.Time
		if t, err := NextFire(def.Schedule, now); err == nil {
			next = null.TimeFrom(t)
		}
		if _, err := s.store.Exec(ctx, `
INSERT INTO tasks (name, description, schedule, enabled, status, next_run, updated_at)
VALUES (?, ?, ?, ?, 'idle', ?, ?)
ON CONFLICT (name) DO UPDATE SET description = excluded.description`,
			def.Name, def.Description, def.Schedule, def.Enabled, next, now); err != nil {
			return fmt.Errorf("seed task %s: %w", def.Name, err)
		}
	}
	return nil
}

func (s *TaskScheduler) GetTask(ctx context.Context, name string) (*models.Task, error) {
	var task models.Task
	found, err := s.store.Get(ctx, &task, `SELECT * FROM tasks WHERE name = ?`, name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	return &task, nil
}

func (s *TaskScheduler) ListTasks(ctx context.Context) ([]models.Task, error) {
	var list []models.Task
	err := s.store.Select(ctx, &list, `SELECT * FROM tasks ORDER BY name`)
	return list, err
}

// TaskLogs returns the most recent run log rows of a task, newest first.
func (s *TaskScheduler) TaskLogs(ctx context.Context, name string, limit int) ([]models.LogEntry, error) {
	task, err := s.GetTask(ctx, name)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	var entries []models.LogEntry
	err = s.store.Select(ctx, &entries,
		`SELECT * FROM logs WHERE task_id = ? ORDER BY id DESC LIMIT ?`, task.ID, limit)
	return entries, err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
