package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"vodum/internal/models"
	"vodum/internal/monitoring"
	"vodum/internal/queue"
)

type JobRouter struct {
	ctx    context.Context
	queue  *queue.Queue
	router chi.Router
}

func NewJobRouter(ctx context.Context, q *queue.Queue, router chi.Router) *JobRouter {
	r := &JobRouter{ctx: ctx, queue: q, router: router}
	r.router.Get("/", r.ListJobs)
	return r
}

// ListJobs lists media jobs, optionally filtered by ?status=, along with the count per status.
func (j *JobRouter) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			serveJsonStatus(w, http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	jobs, err := j.queue.List(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		serveError(w, err)
		return
	}
	counts, err := j.queue.Counts(r.Context())
	if err != nil {
		serveError(w, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	serveJson(w, ListJobsResponse{Counts: counts, Jobs: jobs})
}

type MonitoringRouter struct {
	ctx       context.Context
	collector *monitoring.Collector
	router    chi.Router
}

func NewMonitoringRouter(ctx context.Context, c *monitoring.Collector, router chi.Router) *MonitoringRouter {
	r := &MonitoringRouter{ctx: ctx, collector: c, router: router}
	r.router.Post("/collect", r.Collect)
	return r
}

// Collect reconciles sessions synchronously, for one server with ?server_id= or for all of them.
func (m *MonitoringRouter) Collect(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("server_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			serveJsonStatus(w, http.StatusBadRequest, ErrorResponse{Error: "server_id must be an integer"})
			return
		}
		report, err := m.collector.CollectServer(r.Context(), id)
		if err != nil {
			serveError(w, err)
			return
		}
		serveJson(w, report)
		return
	}

	summary, err := m.collector.CollectAll(r.Context())
	if err != nil {
		serveError(w, err)
		return
	}
	serveJson(w, summary)
}
