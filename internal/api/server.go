package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"vodum/internal/monitoring"
	"vodum/internal/queue"
	"vodum/internal/scheduler"
	"vodum/internal/telemetry"
)

// Server is the admin HTTP API: task control, queue inspection and metrics.
type Server struct {
	ctx    context.Context
	router *chi.Mux
}

type Deps struct {
	Scheduler *scheduler.TaskScheduler
	Queue     *queue.Queue
	Collector *monitoring.Collector
}

// New creates a new API server instance
func New(ctx context.Context, d Deps) *Server {
	s := &Server{
		ctx:    ctx,
		router: chi.NewRouter(),
	}

	// Set up middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			NewTaskRouter(ctx, d.Scheduler, r)
		})
		r.Route("/jobs", func(r chi.Router) {
			NewJobRouter(ctx, d.Queue, r)
		})
		r.Route("/monitoring", func(r chi.Router) {
			NewMonitoringRouter(ctx, d.Collector, r)
		})
	})
	s.router.Handle("/metrics", telemetry.Handler())

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func readJson(w http.ResponseWriter, r *http.Request, payload any) error {
	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close request body")
		}
	}()

	err := json.NewDecoder(r.Body).Decode(payload)
	if err != nil {
		http.Error(w, "could not parse request body to payload", http.StatusBadRequest)
	}
	return err
}

func serveJson(w http.ResponseWriter, payload any) {
	serveJsonStatus(w, http.StatusOK, payload)
}

func serveJsonStatus(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("JSON encoding issue")
	}
}

// serveError maps domain errors onto HTTP status codes.
func serveError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, scheduler.ErrTaskNotFound), errors.Is(err, monitoring.ErrServerNotFound):
		status = http.StatusNotFound
	case errors.Is(err, scheduler.ErrTaskRunning), errors.Is(err, scheduler.ErrSequenceBusy),
		errors.Is(err, scheduler.ErrTaskDisabled):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("Request failed")
	}
	serveJsonStatus(w, status, ErrorResponse{Error: err.Error()})
}
