package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"vodum/internal/models"
	"vodum/internal/scheduler"
)

type TaskRouter struct {
	ctx       context.Context
	scheduler *scheduler.TaskScheduler
	router    chi.Router
}

func (t *TaskRouter) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	t.router.ServeHTTP(writer, request)
}

func NewTaskRouter(ctx context.Context, sched *scheduler.TaskScheduler, router chi.Router) *TaskRouter {
	r := &TaskRouter{
		ctx:       ctx,
		scheduler: sched,
		router:    router,
	}
	r.router.Get("/", r.ListTasks)
	r.router.Post("/sequence", r.RunSequence)
	r.router.Post("/{name}/run", r.RunTask)
	r.router.Post("/{name}/enqueue", r.EnqueueTask)
	r.router.Get("/{name}/logs", r.TaskLogs)

	return r
}

func (t *TaskRouter) ListTasks(w http.ResponseWriter, r *http.Request) {
	list, err := t.scheduler.ListTasks(r.Context())
	if err != nil {
		serveError(w, err)
		return
	}
	if list == nil {
		list = []models.Task{}
	}
	serveJson(w, list)
}

// runContext outlives the request: a client that disconnects does not cancel a run, a server
// shutdown does.
func (t *TaskRouter) runContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	stop := context.AfterFunc(t.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// RunTask runs a task synchronously. A failing handler still answers 200 with the error in the
// body; unknown or busy tasks are client errors.
func (t *TaskRouter) RunTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ctx, cancel := t.runContext(r)
	defer cancel()

	err := t.scheduler.RunTaskByName(ctx, name)
	switch {
	case err == nil:
		serveJson(w, RunTaskResponse{Name: name, Status: models.TaskSuccess})
	case errors.Is(err, scheduler.ErrTaskNotFound), errors.Is(err, scheduler.ErrTaskRunning):
		serveError(w, err)
	case r.Context().Err() != nil:
		log.Info().Err(err).Str("task", name).Msg("Client left before the manual run finished")
	default:
		log.Warn().Err(err).Str("task", name).Msg("Manual task run failed")
		serveJson(w, RunTaskResponse{Name: name, Status: models.TaskError, Error: err.Error()})
	}
}

func (t *TaskRouter) EnqueueTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := t.scheduler.EnqueueTask(r.Context(), name); err != nil {
		serveError(w, err)
		return
	}
	serveJsonStatus(w, http.StatusAccepted, RunTaskResponse{Name: name, Status: models.TaskQueued})
}

func (t *TaskRouter) RunSequence(w http.ResponseWriter, r *http.Request) {
	var payload RunSequenceRequest
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	if err := payload.validate(); err != nil {
		serveJsonStatus(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	ctx, cancel := t.runContext(r)
	defer cancel()

	results, err := t.scheduler.RunTaskSequence(ctx, payload.Tasks)
	if errors.Is(err, scheduler.ErrSequenceBusy) {
		serveError(w, err)
		return
	}
	resp := RunSequenceResponse{Results: results}
	if err != nil {
		resp.Error = err.Error()
	}
	serveJson(w, resp)
}

func (t *TaskRouter) TaskLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			serveJsonStatus(w, http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	entries, err := t.scheduler.TaskLogs(r.Context(), chi.URLParam(r, "name"), limit)
	if err != nil {
		serveError(w, err)
		return
	}
	if entries == nil {
		entries = []models.LogEntry{}
	}
	serveJson(w, entries)
}
