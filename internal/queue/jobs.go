package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/guregu/null/v6"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"vodum/internal/clock"
	"vodum/internal/database"
	"vodum/internal/models"
	"vodum/internal/telemetry"
)

var (
	ErrNoJob     = errors.New("no eligible job")
	ErrLeaseLost = errors.New("job lease lost")
)

const (
	DefaultLease       = 120 * time.Second
	DefaultPriority    = 100
	DefaultMaxAttempts = 10

	maxErrorLength = 2000
	claimRetries   = 3
)

// eligible matches jobs a worker may lease at a given instant; it takes the instant three times.
// A running job whose lease ran out is eligible again.
const eligible = `(
    (status = 'queued'
        AND (run_after IS NULL OR run_after <= ?)
        AND (locked_until IS NULL OR locked_until <= ?))
    OR (status = 'running' AND locked_until IS NOT NULL AND locked_until <= ?)
)`

// Queue is the persistent lease-based job queue stored in media_jobs.
type Queue struct {
	store    *database.Store
	clock    clock.Clock
	notifier Notifier
	lease    time.Duration
}

func New(store *database.Store, clk clock.Clock, notifier Notifier, lease time.Duration) *Queue {
	if lease <= 0 {
		lease = DefaultLease
	}
	if notifier == nil {
		notifier = NewLocalNotifier()
	}
	return &Queue{store: store, clock: clk, notifier: notifier, lease: lease}
}

func (q *Queue) Notifier() Notifier {
	return q.notifier
}

type EnqueueParams struct {
	Provider    string
	Action      string
	ServerID    int64
	VodumUserID null.Int
	LibraryID   null.Int
	Payload     any
	Priority    int
	RunAfter    null.Time
	DedupeKey   string
	MaxAttempts int
}

// Enqueue inserts a queued job. When an active job already holds the dedupe key nothing is
// inserted and created is false.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (id int64, created bool, err error) {
	if p.Provider == "" || p.Action == "" {
		return 0, false, fmt.Errorf("provider and action are required")
	}
	if p.Priority == 0 {
		p.Priority = DefaultPriority
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}

	var payload null.String
	if p.Payload != nil {
		raw, err := json.Marshal(p.Payload)
		if err != nil {
			return 0, false, fmt.Errorf("encode payload: %w", err)
		}
		payload = null.StringFrom(string(raw))
	}

	res, err := q.store.Exec(ctx, `
INSERT OR IGNORE INTO media_jobs
    (provider, action, server_id, vodum_user_id, library_id, payload_json, status, priority,
     run_after, dedupe_key, attempts, max_attempts, created_at)
VALUES (?, ?, ?, ?, ?, ?, 'queued', ?, ?, ?, 0, ?, ?)`,
		p.Provider, p.Action, p.ServerID, p.VodumUserID, p.LibraryID, payload, p.Priority,
		p.RunAfter, null.NewString(p.DedupeKey, p.DedupeKey != ""), p.MaxAttempts, q.clock.Now(),
	)
	if err != nil {
		return 0, false, err
	}

	if n, _ := res.RowsAffected(); n == 0 {
		telemetry.JobsDeduped.WithLabelValues(p.Action).Inc()
		log.Debug().Str("dedupe_key", p.DedupeKey).Msg("Active job already queued")
		return 0, false, nil
	}

	id, err = res.LastInsertId()
	if err != nil {
		return 0, false, err
	}
	telemetry.JobsEnqueued.WithLabelValues(p.Action).Inc()

	if err := q.notifier.Notify(ctx, p.Action); err != nil {
		log.Warn().Err(err).Int64("job_id", id).Msg("Could not signal new job")
	}
	return id, true, nil
}

// Claim leases the next eligible job for workerID. Only the given actions are considered when any
// are passed. ErrNoJob is returned when nothing is eligible.
func (q *Queue) Claim(ctx context.Context, workerID string, actions ...string) (*models.Job, error) {
	now := q.clock.Now()
	if err := q.expireExhausted(ctx, now); err != nil {
		return nil, err
	}

	for range claimRetries {
		id, err := q.candidate(ctx, now, actions)
		if err != nil {
			return nil, err
		}

		res, err := q.store.Exec(ctx, `
UPDATE media_jobs
SET status       = 'running',
    locked_by    = ?,
    locked_until = ?,
    attempts     = attempts + 1,
    executed_at  = ?
WHERE id = ?
  AND `+eligible,
			workerID, now.Add(q.lease), now, id, now, now, now)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}

		job, err := q.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.LockedBy.String != workerID || job.Status != models.JobRunning {
			// another worker won
			continue
		}
		return job, nil
	}
	return nil, ErrNoJob
}

func (q *Queue) candidate(ctx context.Context, now time.Time, actions []string) (int64, error) {
	query := `SELECT id FROM media_jobs WHERE ` + eligible
	args := []any{now, now, now}
	if len(actions) > 0 {
		in, inArgs, err := sqlx.In(` AND action IN (?)`, actions)
		if err != nil {
			return 0, err
		}
		query += in
		args = append(args, inArgs...)
	}
	query += ` ORDER BY priority ASC, created_at ASC, id ASC LIMIT 1`

	var id int64
	found, err := q.store.Get(ctx, &id, query, args...)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, ErrNoJob
	}
	return id, nil
}

// expireExhausted terminates abandoned leases that already used their last attempt, so a reclaim
// never pushes attempts past max_attempts.
func (q *Queue) expireExhausted(ctx context.Context, now time.Time) error {
	_, err := q.store.Exec(ctx, `
UPDATE media_jobs
SET status       = 'error',
    last_error   = 'lease expired on final attempt',
    locked_by    = NULL,
    locked_until = NULL,
    processed_at = ?
WHERE status = 'running'
  AND locked_until IS NOT NULL
  AND locked_until <= ?
  AND attempts >= max_attempts`, now, now)
	return err
}

// Complete marks a leased job successful.
func (q *Queue) Complete(ctx context.Context, job *models.Job) error {
	res, err := q.store.Exec(ctx, `
UPDATE media_jobs
SET status       = 'success',
    locked_by    = NULL,
    locked_until = NULL,
    processed_at = ?,
    last_error   = NULL
WHERE id = ?
  AND locked_by = ?`, q.clock.Now(), job.ID, job.LockedBy)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: job %d", ErrLeaseLost, job.ID)
	}
	telemetry.JobsFinished.WithLabelValues(job.Action, string(models.JobSuccess)).Inc()
	return nil
}

// Outcome is the state a failed job was moved to.
type Outcome struct {
	Status   models.JobStatus
	RunAfter null.Time
}

// Fail records a failed attempt. The job is requeued with backoff, or becomes terminal when it has
// used max_attempts or cause is permanent.
func (q *Queue) Fail(ctx context.Context, job *models.Job, cause error) (Outcome, error) {
	now := q.clock.Now()
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength]
	}

	out := Outcome{Status: models.JobQueued}
	if IsPermanent(cause) || job.Attempts >= job.MaxAttempts {
		out.Status = models.JobError
	} else {
		out.RunAfter = null.TimeFrom(now.Add(Backoff(job.Attempts)))
	}

	var processedAt null.Time
	if out.Status == models.JobError {
		processedAt = null.TimeFrom(now)
	}

	res, err := q.store.Exec(ctx, `
UPDATE media_jobs
SET status       = ?,
    run_after    = ?,
    locked_by    = NULL,
    locked_until = NULL,
    last_error   = ?,
    processed_at = ?
WHERE id = ?
  AND locked_by = ?`, out.Status, out.RunAfter, msg, processedAt, job.ID, job.LockedBy)
	if err != nil {
		return out, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return out, fmt.Errorf("%w: job %d", ErrLeaseLost, job.ID)
	}

	label := "retry"
	if out.Status == models.JobError {
		label = string(models.JobError)
	}
	telemetry.JobsFinished.WithLabelValues(job.Action, label).Inc()
	return out, nil
}

func (q *Queue) Get(ctx context.Context, id int64) (*models.Job, error) {
	var job models.Job
	found, err := q.store.Get(ctx, &job, `SELECT * FROM media_jobs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("job %d not found", id)
	}
	return &job, nil
}

// List returns jobs newest first, optionally filtered by status.
func (q *Queue) List(ctx context.Context, status string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	var jobs []models.Job
	var err error
	if status == "" {
		err = q.store.Select(ctx, &jobs, `SELECT * FROM media_jobs ORDER BY id DESC LIMIT ?`, limit)
	} else {
		err = q.store.Select(ctx, &jobs, `SELECT * FROM media_jobs WHERE status = ? ORDER BY id DESC LIMIT ?`, status, limit)
	}
	return jobs, err
}

// Counts returns the number of jobs per status.
func (q *Queue) Counts(ctx context.Context) (map[models.JobStatus]int, error) {
	var rows []struct {
		Status models.JobStatus `db:"status"`
		N      int              `db:"n"`
	}
	if err := q.store.Select(ctx, &rows, `SELECT status, COUNT(*) AS n FROM media_jobs GROUP BY status`); err != nil {
		return nil, err
	}
	counts := make(map[models.JobStatus]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}
