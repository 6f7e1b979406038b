package tasks

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"vodum/internal/clock"
	"vodum/internal/database"
)

// Runner resolves task names to handlers and is the only place where a handler failure, including
// a panic, becomes a persisted error.
type Runner struct {
	store    *database.Store
	registry *Registry
	clock    clock.Clock
}

func NewRunner(store *database.Store, registry *Registry, clk clock.Clock) *Runner {
	return &Runner{store: store, registry: registry, clock: clk}
}

func (r *Runner) Registry() *Registry {
	return r.registry
}

// Run executes the handler registered for name as run taskID.
func (r *Runner) Run(ctx context.Context, taskID int64, name string) error {
	sink := NewLogSink(ctx, r.store, r.clock, taskID, name)

	handler, err := r.registry.Lookup(name)
	if err != nil {
		sink.Error("%v", err)
		return err
	}

	tc := &TaskContext{
		TaskID: taskID,
		Name:   name,
		Store:  r.store,
		Clock:  r.clock,
		Log:    sink,
	}

	if err := invoke(ctx, handler, tc); err != nil {
		sink.Error("Task failed: %v", err)
		return err
	}
	return nil
}

func invoke(ctx context.Context, handler Handler, tc *TaskContext) (err error) {
	defer func() {
		if rcv := recover(); rcv != nil {
			log.Error().Interface("panic", rcv).Str("task", tc.Name).Msg("Handler panicked")
			err = fmt.Errorf("handler panicked: %v", rcv)
		}
	}()
	return handler.Run(ctx, tc)
}
