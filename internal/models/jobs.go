package models

import (
	"time"

	"github.com/guregu/null/v6"
)

type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobError   JobStatus = "error"
)

const (
	ActionRefresh = "refresh"
	ActionSync    = "sync"
)

// Job is a row of the `media_jobs` table
type Job struct {
	ID          int64       `db:"id" json:"id"`
	Provider    string      `db:"provider" json:"provider"`
	Action      string      `db:"action" json:"action"`
	ServerID    int64       `db:"server_id" json:"server_id"`
	VodumUserID null.Int    `db:"vodum_user_id" json:"vodum_user_id"`
	LibraryID   null.Int    `db:"library_id" json:"library_id"`
	PayloadJSON null.String `db:"payload_json" json:"payload_json"`
	Status      JobStatus   `db:"status" json:"status"`
	Priority    int         `db:"priority" json:"priority"`
	RunAfter    null.Time   `db:"run_after" json:"run_after"`
	DedupeKey   null.String `db:"dedupe_key" json:"dedupe_key"`
	Attempts    int         `db:"attempts" json:"attempts"`
	MaxAttempts int         `db:"max_attempts" json:"max_attempts"`
	LockedBy    null.String `db:"locked_by" json:"locked_by"`
	LockedUntil null.Time   `db:"locked_until" json:"locked_until"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
	ExecutedAt  null.Time   `db:"executed_at" json:"executed_at"`
	ProcessedAt null.Time   `db:"processed_at" json:"processed_at"`
	LastError   null.String `db:"last_error" json:"last_error"`
}
