package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"vodum/internal/api"
	"vodum/internal/clock"
	"vodum/internal/database"
	"vodum/internal/models"
	"vodum/internal/monitoring"
	"vodum/internal/providers"
	"vodum/internal/queue"
	"vodum/internal/scheduler"
	"vodum/internal/tasks"
	"vodum/internal/testutil"
)

type fixture struct {
	store *database.Store
	clock *clock.Fake
	queue *queue.Queue
	srv   *api.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: testutil.NewStore(t),
		clock: clock.NewFake(testutil.Epoch),
	}
	f.queue = queue.New(f.store, f.clock, queue.NewLocalNotifier(), queue.DefaultLease)

	reg := tasks.NewRegistry()
	reg.Register("ok", tasks.HandlerFunc(func(ctx context.Context, tc *tasks.TaskContext) error {
		tc.Log.Info("hello from ok")
		return nil
	}))
	reg.Register("bad", tasks.HandlerFunc(func(ctx context.Context, tc *tasks.TaskContext) error {
		return errors.New("boom")
	}))
	reg.Register("needs-ctx", tasks.HandlerFunc(func(ctx context.Context, tc *tasks.TaskContext) error {
		return ctx.Err()
	}))
	sched := scheduler.New(f.store, tasks.NewRunner(f.store, reg, f.clock), f.clock, scheduler.Options{})
	collector := monitoring.NewCollector(f.store, providers.NewRegistry(), f.clock)

	testutil.InsertTask(t, f.store, "ok", "0 * * * *", true)
	testutil.InsertTask(t, f.store, "bad", "0 * * * *", true)

	f.srv = api.New(context.Background(), api.Deps{Scheduler: sched, Queue: f.queue, Collector: collector})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	f.srv.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestListTasks(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/api/tasks", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	list := decode[[]models.Task](t, rr)
	require.Len(t, list, 2)
	assert.Equal(t, "bad", list[0].Name)
	assert.Equal(t, "ok", list[1].Name)
}

func TestRunTask(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/api/tasks/ok/run", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, api.RunTaskResponse{Name: "ok", Status: models.TaskSuccess}, decode[api.RunTaskResponse](t, rr))
	assert.Equal(t, models.TaskSuccess, testutil.GetTask(t, f.store, "ok").Status)

	rr = f.do(t, http.MethodPost, "/api/tasks/bad/run", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	resp := decode[api.RunTaskResponse](t, rr)
	assert.Equal(t, models.TaskError, resp.Status)
	assert.Equal(t, "boom", resp.Error)

	rr = f.do(t, http.MethodPost, "/api/tasks/missing/run", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	testutil.Exec(t, f.store, `UPDATE tasks SET status = 'running' WHERE name = 'ok'`)
	rr = f.do(t, http.MethodPost, "/api/tasks/ok/run", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestEnqueueTask(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/api/tasks/ok/enqueue", nil)

	assert.Equal(t, http.StatusAccepted, rr.Code)
	task := testutil.GetTask(t, f.store, "ok")
	assert.Equal(t, models.TaskQueued, task.Status)
	testutil.AssertTime(t, testutil.Epoch, task.NextRun.Time)

	rr = f.do(t, http.MethodPost, "/api/tasks/missing/enqueue", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRunSequence(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/api/tasks/sequence", api.RunSequenceRequest{Tasks: []string{"ok", "bad", "ok"}})

	assert.Equal(t, http.StatusOK, rr.Code)
	resp := decode[api.RunSequenceResponse](t, rr)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, models.TaskSuccess, resp.Results[0].Status)
	assert.Equal(t, models.TaskError, resp.Results[1].Status)
	assert.Contains(t, resp.Error, "sequence stopped at bad")

	rr = f.do(t, http.MethodPost, "/api/tasks/sequence", api.RunSequenceRequest{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/sequence", bytes.NewBufferString("{"))
	rr = httptest.NewRecorder()
	f.srv.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestTaskLogs(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/tasks/ok/run", nil)

	rr := f.do(t, http.MethodGet, "/api/tasks/ok/logs?limit=10", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	entries := decode[[]models.LogEntry](t, rr)
	require.NotEmpty(t, entries)
	assert.Equal(t, "hello from ok", entries[len(entries)-1].Message)
	assert.Equal(t, "task:ok", entries[0].Category)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/tasks/ok/logs?limit=x", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/tasks/missing/logs", nil).Code)
}

func TestListJobs(t *testing.T) {
	f := newFixture(t)
	serverID := testutil.InsertServer(t, f.store, "plex", "plex", "http://plex.local", "token")
	for i := range 3 {
		_, _, err := f.queue.Enqueue(context.Background(), queue.EnqueueParams{
			Provider:  "plex",
			Action:    models.ActionRefresh,
			ServerID:  serverID,
			DedupeKey: fmt.Sprintf("k%d", i),
		})
		require.NoError(t, err)
	}
	testutil.Exec(t, f.store, `UPDATE media_jobs SET status = 'success' WHERE id = 1`)

	rr := f.do(t, http.MethodGet, "/api/jobs?status=queued", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	resp := decode[api.ListJobsResponse](t, rr)
	require.Len(t, resp.Jobs, 2)
	assert.EqualValues(t, 3, resp.Jobs[0].ID)
	assert.Equal(t, 2, resp.Counts[models.JobQueued])
	assert.Equal(t, 1, resp.Counts[models.JobSuccess])
}

func TestCollect(t *testing.T) {
	plex := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `<MediaContainer><Video sessionKey="1" ratingKey="9" type="movie" title="Film">`+
			`<User id="7" title="alice"/><Player state="playing"/></Video></MediaContainer>`)
	}))
	t.Cleanup(plex.Close)

	f := newFixture(t)
	serverID := testutil.InsertServer(t, f.store, "plex", "plex", plex.URL, "token")

	rr := f.do(t, http.MethodPost, fmt.Sprintf("/api/monitoring/collect?server_id=%d", serverID), nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	report := decode[monitoring.Report](t, rr)
	assert.Equal(t, 1, report.SessionsSeen)
	assert.Equal(t, 1, report.Events)

	rr = f.do(t, http.MethodPost, "/api/monitoring/collect", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	summary := decode[monitoring.Summary](t, rr)
	assert.Equal(t, 1, summary.Servers)
	assert.Zero(t, summary.Events, "nothing changed since the last collection")

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/monitoring/collect?server_id=99", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/monitoring/collect?server_id=x", nil).Code)
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/tasks/ok/run", nil)

	rr := f.do(t, http.MethodGet, "/metrics", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `vodum_task_runs_total{status="success",task="ok"}`)
}

func TestRunTask_OutlivesClient(t *testing.T) {
	f := newFixture(t)
	testutil.InsertTask(t, f.store, "needs-ctx", "0 * * * *", true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/tasks/needs-ctx/run", nil).WithContext(ctx)
	f.srv.ServeHTTP(httptest.NewRecorder(), req)

	task := testutil.GetTask(t, f.store, "needs-ctx")
	assert.Equal(t, models.TaskSuccess, task.Status)
	assert.False(t, task.LastError.Valid)
}
