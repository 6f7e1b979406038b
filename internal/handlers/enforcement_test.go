package handlers_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"vodum/internal/enforcement"
	"vodum/internal/tasks"
	"vodum/internal/testutil"
)

func TestStreamEnforcer(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	e := newEnv(t)
	serverID := testutil.InsertServer(t, e.store, "jf", "jellyfin", srv.URL, "jf-key")
	testutil.Exec(t, e.store, `
INSERT INTO stream_policies (rule_type, rule_value_json, scope_type, scope_id)
VALUES ('device_allowlist', '{"allowed": ["living room tv"], "warn_text": "Use the TV"}', 'server', ?)`, serverID)
	for _, device := range []string{"Living Room TV", "Laptop"} {
		testutil.Exec(t, e.store, `
INSERT INTO media_sessions (server_id, provider, session_key, device, started_at, last_seen_at)
VALUES (?, 'jellyfin', ?, ?, ?, ?)`, serverID, "sess-"+strings.ToLower(strings.Fields(device)[0])+":item", device,
			testutil.Epoch.Add(-time.Hour), testutil.Epoch)
	}

	e.mustRun(t, tasks.StreamEnforcer)
	e.clk.Advance(enforcement.Grace)
	e.mustRun(t, tasks.StreamEnforcer)

	mu.Lock()
	assert.Equal(t, []string{
		"POST /Sessions/sess-laptop/Message",
		"POST /Sessions/sess-laptop/Message",
		"POST /Sessions/sess-laptop/Playing/Stop",
	}, calls)
	mu.Unlock()

	assert.Equal(t, 1, testutil.Count(t, e.store,
		`SELECT COUNT(*) FROM stream_enforcements WHERE action = 'kill' AND session_key = 'sess-laptop:item'`))
	assert.Equal(t, 1, testutil.Count(t, e.store,
		`SELECT COUNT(*) FROM logs WHERE message LIKE '%1 stopped%'`))
}

func TestStreamEnforcer_NothingToDo(t *testing.T) {
	e := newEnv(t)
	e.mustRun(t, tasks.StreamEnforcer)
	assert.Zero(t, testutil.Count(t, e.store, `SELECT COUNT(*) FROM stream_enforcements`))
}
