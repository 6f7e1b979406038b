package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vodum/internal/models"
	"vodum/internal/monitoring"
	"vodum/internal/providers"
	"vodum/internal/queue"
	"vodum/internal/tasks"
)

const (
	defaultMonitoringInterval = 60 * time.Second
	minMonitoringInterval     = 15 * time.Second
)

// RefreshDedupeKey identifies the single active refresh job of a server.
func RefreshDedupeKey(serverID int64) string {
	return fmt.Sprintf("monitor:refresh:server=%d", serverID)
}

// MonitoringInterval reads monitoring_interval_sec from the server settings. Integers, floats and
// numeric strings are accepted; anything else falls back to the default.
func MonitoringInterval(settingsJSON string) time.Duration {
	interval := defaultMonitoringInterval
	if settingsJSON != "" {
		var s struct {
			IntervalSec json.RawMessage `json:"monitoring_interval_sec"`
		}
		if err := json.Unmarshal([]byte(settingsJSON), &s); err == nil && len(s.IntervalSec) > 0 {
			raw := strings.TrimSpace(strings.Trim(string(s.IntervalSec), `"`))
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				interval = time.Duration(v) * time.Second
			}
		}
	}
	return max(interval, minMonitoringInterval)
}

func (d Deps) monitorEnqueueRefresh(ctx context.Context, tc *tasks.TaskContext) error {
	var servers []models.Server
	if err := tc.Store.Select(ctx, &servers, `
SELECT *
FROM servers
WHERE type IN ('plex', 'jellyfin')
ORDER BY id`); err != nil {
		return err
	}

	now := tc.Clock.Now()
	var due, enqueued int
	for _, srv := range servers {
		interval := MonitoringInterval(srv.SettingsJSON.ValueOrZero())
		if srv.LastChecked.Valid && now.Sub(srv.LastChecked.Time) < interval {
			continue
		}
		due++

		_, created, err := d.Queue.Enqueue(ctx, queue.EnqueueParams{
			Provider:  srv.Type,
			Action:    models.ActionRefresh,
			ServerID:  srv.ID,
			Payload:   map[string]any{"interval_sec": int(interval.Seconds()), "reason": "schedule"},
			DedupeKey: RefreshDedupeKey(srv.ID),
		})
		if err != nil {
			return fmt.Errorf("enqueue refresh of server %d: %w", srv.ID, err)
		}
		if created {
			enqueued++
		}
	}

	tc.Log.Info("%d server(s), %d due, %d refresh job(s) queued", len(servers), due, enqueued)
	return nil
}

func (d Deps) mediaJobsWorker(ctx context.Context, tc *tasks.TaskContext) error {
	report, err := d.Worker.RunBatch(ctx)
	if err != nil {
		return err
	}
	if report.Claimed == 0 {
		return nil
	}
	tc.Log.Info("%d job(s) processed: %d succeeded, %d retried, %d failed in %s",
		report.Claimed, report.Succeeded, report.Retried, report.Failed, report.Elapsed.Round(time.Millisecond))
	return nil
}

func (d Deps) monitorCollectSessions(ctx context.Context, tc *tasks.TaskContext) error {
	summary, err := d.Collector.CollectAll(ctx)
	if err != nil {
		return err
	}
	for _, e := range summary.Errors {
		tc.Log.Warn("server %d (%s): %s", e.ServerID, e.Provider, e.Error)
	}
	tc.Log.Info("%d server(s), %d session(s), %d event(s)", summary.Servers, summary.SessionsSeen, summary.Events)
	if len(summary.Errors) > 0 {
		return fmt.Errorf("collection failed on %d of %d server(s)", len(summary.Errors), summary.Servers)
	}
	return nil
}

// checkServers probes every server and records up, down or unknown. Servers without an adapter
// are probed with a plain GET of their base URL.
func (d Deps) checkServers(ctx context.Context, tc *tasks.TaskContext) error {
	var servers []models.Server
	if err := tc.Store.Select(ctx, &servers, `SELECT * FROM servers ORDER BY id`); err != nil {
		return err
	}
	if len(servers) == 0 {
		tc.Log.Warn("no server configured")
		return nil
	}

	counts := make(map[string]int)
	for _, srv := range servers {
		status := d.probe(ctx, srv)
		counts[status]++
		if _, err := tc.Store.Exec(ctx, `UPDATE servers SET status = ?, last_checked = ? WHERE id = ?`,
			status, tc.Clock.Now(), srv.ID); err != nil {
			return err
		}
		if status != monitoring.ServerUp {
			tc.Log.Warn("server %d (%s) is %s", srv.ID, srv.Name, status)
		}
	}

	tc.Log.Success("%d server(s) checked: %d up, %d down, %d unknown", len(servers),
		counts[monitoring.ServerUp], counts[monitoring.ServerDown], counts[monitoring.ServerUnknown])
	return nil
}

func (d Deps) probe(ctx context.Context, srv models.Server) string {
	if d.Providers.Supports(srv.Type) {
		p, err := d.Providers.For(srv)
		if err == nil {
			err = p.Ping(ctx)
		}
		if err == nil {
			return monitoring.ServerUp
		}
		return monitoring.Classify(err)
	}

	bases := providers.ConfigFromServer(srv).CandidateBases()
	if len(bases) == 0 {
		return monitoring.ServerUnknown
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, bases[0], nil)
	if err != nil {
		return monitoring.ServerUnknown
	}
	resp, err := d.HTTP.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return monitoring.ServerUnknown
		}
		return monitoring.ServerDown
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return monitoring.ServerDown
	}
	return monitoring.ServerUp
}
