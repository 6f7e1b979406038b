package models

import (
	"time"

	"github.com/guregu/null/v6"
)

type TaskStatus string

const (
	TaskIdle    TaskStatus = "idle"
	TaskQueued  TaskStatus = "queued"
	TaskRunning TaskStatus = "running"
	TaskSuccess TaskStatus = "success"
	TaskError   TaskStatus = "error"
)

// Task is a row of the `tasks` table
type Task struct {
	ID          int64       `db:"id" json:"id"`
	Name        string      `db:"name" json:"name"`
	Description null.String `db:"description" json:"description"`
	Schedule    string      `db:"schedule" json:"schedule"`
	Enabled     bool        `db:"enabled" json:"enabled"`
	Status      TaskStatus  `db:"status" json:"status"`
	LastRun     null.Time   `db:"last_run" json:"last_run"`
	NextRun     null.Time   `db:"next_run" json:"next_run"`
	LastError   null.String `db:"last_error" json:"last_error"`
	UpdatedAt   null.Time   `db:"updated_at" json:"updated_at"`
}

type LogLevel string

const (
	LevelInfo    LogLevel = "info"
	LevelSuccess LogLevel = "success"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// LogEntry is a row of the `logs` table. Task run logs carry the task id and a `task:<name>`
// category.
type LogEntry struct {
	ID        int64       `db:"id" json:"id"`
	TaskID    null.Int    `db:"task_id" json:"task_id"`
	Level     LogLevel    `db:"level" json:"level"`
	Category  string      `db:"category" json:"category"`
	Message   string      `db:"message" json:"message"`
	Details   null.String `db:"details" json:"details"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
}
