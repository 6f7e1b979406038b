package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TaskRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "vodum_task_runs_total", Help: "Task runs by outcome"},
		[]string{"task", "status"})
	JobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "vodum_jobs_enqueued_total", Help: "Jobs inserted into the media queue"},
		[]string{"action"})
	JobsDeduped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "vodum_jobs_deduped_total", Help: "Enqueues skipped because an active job holds the dedupe key"},
		[]string{"action"})
	JobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "vodum_jobs_finished_total", Help: "Job attempts by outcome (success, retry, error)"},
		[]string{"action", "status"})
	SessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "vodum_sessions_active", Help: "Active playback sessions per server"},
		[]string{"server"})
	Enforcements = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "vodum_stream_enforcements_total", Help: "Stream policy actions (warn, kill)"},
		[]string{"rule", "action"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TaskRuns,
			JobsEnqueued,
			JobsDeduped,
			JobsFinished,
			SessionsActive,
			Enforcements,
		)
	})
	return promhttp.Handler()
}
