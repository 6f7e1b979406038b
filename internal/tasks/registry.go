package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"vodum/internal/clock"
	"vodum/internal/database"
)

var ErrUnknownTask = errors.New("unknown task")

// TaskContext is what a handler receives for one run.
type TaskContext struct {
	TaskID int64
	Name   string
	Store  *database.Store
	Clock  clock.Clock
	Log    *LogSink
}

// Handler executes a single run of a named task.
type Handler interface {
	Run(ctx context.Context, tc *TaskContext) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, tc *TaskContext) error

func (f HandlerFunc) Run(ctx context.Context, tc *TaskContext) error {
	return f(ctx, tc)
}

// Registry maps task names to handlers. It is filled once at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds h under name. Registering the same name twice is a programming error.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("task %q registered twice", name))
	}
	r.handlers[name] = h
}

func (r *Registry) Lookup(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return h, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
