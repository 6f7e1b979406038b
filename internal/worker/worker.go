package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"vodum/internal/models"
	"vodum/internal/queue"
)

const (
	DefaultMaxBatch   = 20
	DefaultTimeBudget = 25 * time.Second
)

// Executor performs one job of a given action.
type Executor interface {
	Execute(ctx context.Context, job *models.Job) error
}

type ExecutorFunc func(ctx context.Context, job *models.Job) error

func (f ExecutorFunc) Execute(ctx context.Context, job *models.Job) error {
	return f(ctx, job)
}

type Options struct {
	ID         string
	MaxBatch   int
	TimeBudget time.Duration
	// JobTimeout bounds a single execution; it defaults to the queue lease.
	JobTimeout time.Duration
}

// Worker drains the media job queue in bounded batches.
type Worker struct {
	ID        string
	queue     *queue.Queue
	executors map[string]Executor
	opts      Options
}

// DefaultID builds a worker id from the host name and a random suffix.
func DefaultID() string {
	suffix := strings.Split(uuid.New().String(), "-")[0]
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker-" + suffix
	}
	return host + "-" + suffix
}

func New(q *queue.Queue, opts Options) *Worker {
	if opts.ID == "" {
		opts.ID = DefaultID()
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = DefaultMaxBatch
	}
	if opts.TimeBudget <= 0 {
		opts.TimeBudget = DefaultTimeBudget
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = queue.DefaultLease
	}
	return &Worker{ID: opts.ID, queue: q, executors: make(map[string]Executor), opts: opts}
}

// Register sets the executor of an action. Jobs of unregistered actions are never claimed.
func (w *Worker) Register(action string, e Executor) {
	w.executors[action] = e
}

func (w *Worker) Actions() []string {
	actions := make([]string, 0, len(w.executors))
	for a := range w.executors {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	return actions
}

type Report struct {
	Claimed   int
	Succeeded int
	Retried   int
	Failed    int
	Elapsed   time.Duration
}

// RunBatch claims and executes jobs until the queue is empty, MaxBatch jobs were claimed or the
// time budget is spent.
func (w *Worker) RunBatch(ctx context.Context) (Report, error) {
	var report Report
	start := time.Now()
	defer func() { report.Elapsed = time.Since(start) }()

	actions := w.Actions()
	if len(actions) == 0 {
		return report, nil
	}

	for report.Claimed < w.opts.MaxBatch {
		if time.Since(start) >= w.opts.TimeBudget {
			log.Info().Str("worker_id", w.ID).Int("claimed", report.Claimed).Msg("Worker time budget spent")
			break
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		job, err := w.queue.Claim(ctx, w.ID, actions...)
		if errors.Is(err, queue.ErrNoJob) {
			break
		}
		if err != nil {
			return report, fmt.Errorf("claim job: %w", err)
		}
		report.Claimed++

		execErr := w.execute(ctx, job)
		if execErr == nil {
			if _, err := tryRun(3, func() error { return w.queue.Complete(ctx, job) }); err != nil {
				log.Error().Err(err).Int64("job_id", job.ID).Msg("Could not mark job successful")
				continue
			}
			report.Succeeded++
			continue
		}

		var out queue.Outcome
		if _, err := tryRun(3, func() error {
			var err error
			out, err = w.queue.Fail(ctx, job, execErr)
			return err
		}); err != nil {
			log.Error().Err(err).Int64("job_id", job.ID).Msg("Could not record job failure")
			continue
		}

		event := log.Warn()
		if out.Status == models.JobError {
			report.Failed++
			event = log.Error()
		} else {
			report.Retried++
		}
		event.Err(execErr).
			Int64("job_id", job.ID).
			Str("action", job.Action).
			Int("attempts", job.Attempts).
			Str("status", string(out.Status)).
			Msg("Job failed")
	}

	return report, nil
}

func (w *Worker) execute(ctx context.Context, job *models.Job) (err error) {
	executor, ok := w.executors[job.Action]
	if !ok {
		return queue.Permanent(fmt.Errorf("no executor for action %q", job.Action))
	}

	ctx, cancel := context.WithTimeout(ctx, w.opts.JobTimeout)
	defer cancel()

	defer func() {
		if rcv := recover(); rcv != nil {
			log.Error().Interface("panic", rcv).Int64("job_id", job.ID).Msg("Executor panicked")
			err = fmt.Errorf("executor panicked: %v", rcv)
		}
	}()

	log.Debug().
		Str("worker_id", w.ID).
		Int64("job_id", job.ID).
		Str("action", job.Action).
		Int64("server_id", job.ServerID).
		Msg("Executing job")
	return executor.Execute(ctx, job)
}

// tryRun attempts to run a function maxRetries time. A lost lease is final and not retried.
func tryRun(maxRetries int, f func() error) (numAttempts int, lastErr error) {
	for attempts := 1; attempts-1 < maxRetries; attempts++ {
		err := f()
		if err == nil {
			return attempts, nil
		}
		if errors.Is(err, queue.ErrLeaseLost) {
			return attempts, err
		}
		lastErr = err
		time.Sleep(time.Duration(attempts) * 100 * time.Millisecond)
	}
	return maxRetries, fmt.Errorf("failed after %d attempts: %w", maxRetries, lastErr)
}
