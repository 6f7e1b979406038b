package tasks

import (
	"context"
	"fmt"

	"github.com/guregu/null/v6"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"vodum/internal/clock"
	"vodum/internal/database"
	"vodum/internal/models"
)

// LogSink appends progress lines of one task run to the `logs` table and mirrors them to the
// process log. A failing insert is reported on the process log only.
type LogSink struct {
	ctx      context.Context
	store    *database.Store
	clock    clock.Clock
	taskID   int64
	category string
	logger   zerolog.Logger
}

func NewLogSink(ctx context.Context, store *database.Store, clk clock.Clock, taskID int64, name string) *LogSink {
	return &LogSink{
		ctx:      context.WithoutCancel(ctx),
		store:    store,
		clock:    clk,
		taskID:   taskID,
		category: "task:" + name,
		logger:   log.With().Int64("task_id", taskID).Str("task", name).Logger(),
	}
}

func (l *LogSink) Info(format string, args ...any) {
	l.write(models.LevelInfo, fmt.Sprintf(format, args...))
}

func (l *LogSink) Success(format string, args ...any) {
	l.write(models.LevelSuccess, fmt.Sprintf(format, args...))
}

func (l *LogSink) Warn(format string, args ...any) {
	l.write(models.LevelWarning, fmt.Sprintf(format, args...))
}

func (l *LogSink) Error(format string, args ...any) {
	l.write(models.LevelError, fmt.Sprintf(format, args...))
}

func (l *LogSink) write(level models.LogLevel, msg string) {
	switch level {
	case models.LevelError:
		l.logger.Error().Msg(msg)
	case models.LevelWarning:
		l.logger.Warn().Msg(msg)
	default:
		l.logger.Info().Msg(msg)
	}

	taskID := null.NewInt(l.taskID, l.taskID > 0)
	if _, err := l.store.Exec(l.ctx, `
INSERT INTO logs (task_id, level, category, message, created_at)
VALUES (?, ?, ?, ?, ?)`,
		taskID, level, l.category, msg, l.clock.Now(),
	); err != nil {
		l.logger.Error().Err(err).Msg("Could not persist task log")
	}
}
