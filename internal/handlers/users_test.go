package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"vodum/internal/handlers"
	"vodum/internal/models"
	"vodum/internal/tasks"
	"vodum/internal/testutil"
)

func day(offset int) string {
	return testutil.Epoch.AddDate(0, 0, offset).Format(time.DateOnly)
}

func getUser(t *testing.T, e *env, id int64) models.VodumUser {
	t.Helper()
	var u models.VodumUser
	found, err := e.store.Get(context.Background(), &u, `SELECT * FROM vodum_users WHERE id = ?`, id)
	require.NoError(t, err)
	require.True(t, found)
	return u
}

func TestComputeStatus(t *testing.T) {
	today := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		expiration string
		status     models.UserStatus
		ok, valid  bool
	}{
		{"missing date", "", "", false, true},
		{"invalid date", "someday", models.UserActive, true, false},
		{"expired yesterday", "2026-10-17", models.UserExpired, true, true},
		{"expires today", "2026-10-18", models.UserExpired, true, true},
		{"reminder window", "2026-10-21", models.UserReminder, true, true},
		{"reminder boundary", "2026-10-25", models.UserReminder, true, true},
		{"preavis window", "2026-10-26", models.UserPreExpired, true, true},
		{"preavis boundary", "2026-11-17", models.UserPreExpired, true, true},
		{"far away", "2027-01-01", models.UserActive, true, true},
		{"timestamp", "2026-10-21 08:00:00", models.UserReminder, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, ok, valid := handlers.ComputeStatus(tt.expiration, today, 30, 7)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.valid, valid)
		})
	}
}

func TestUpdateUserStatus(t *testing.T) {
	e := newEnv(t)
	soon := testutil.InsertUser(t, e.store, "alice", "alice@example.com", day(3))
	none := testutil.InsertUser(t, e.store, "bob", "", "")
	broken := testutil.InsertUser(t, e.store, "carol", "", "not-a-date")
	testutil.Exec(t, e.store, `UPDATE vodum_users SET status = 'expired' WHERE id IN (?, ?)`, none, broken)

	e.mustRun(t, tasks.UpdateUserStatus)

	u := getUser(t, e, soon)
	assert.Equal(t, models.UserReminder, u.Status)
	assert.Equal(t, "active", u.LastStatus.ValueOrZero())
	require.True(t, u.StatusChangedAt.Valid)
	testutil.AssertTime(t, testutil.Epoch, u.StatusChangedAt.Time)

	assert.Equal(t, models.UserExpired, getUser(t, e, none).Status, "missing date leaves the status alone")
	assert.Equal(t, models.UserActive, getUser(t, e, broken).Status, "invalid date means active")
	assert.Equal(t, 1, testutil.Count(t, e.store, `SELECT COUNT(*) FROM logs WHERE level = 'warning' AND message LIKE '%not-a-date%'`))

	t.Run("second run changes nothing", func(t *testing.T) {
		e.clk.Advance(time.Minute)
		e.mustRun(t, tasks.UpdateUserStatus)

		u := getUser(t, e, soon)
		assert.Equal(t, models.UserReminder, u.Status)
		assert.Equal(t, "active", u.LastStatus.ValueOrZero())
		testutil.AssertTime(t, testutil.Epoch, u.StatusChangedAt.Time)
	})
}

func TestUpdateUserStatus_TemplateThresholds(t *testing.T) {
	e := newEnv(t)
	id := testutil.InsertUser(t, e.store, "alice", "", day(10))
	testutil.Exec(t, e.store, `UPDATE email_templates SET days_before = 14 WHERE type = 'relance'`)

	e.mustRun(t, tasks.UpdateUserStatus)

	assert.Equal(t, models.UserReminder, getUser(t, e, id).Status)
}

// sharedUser links a subscriber to a server account that shares one library.
func sharedUser(t *testing.T, e *env, serverID int64, username, expiration string) (userID, mediaUserID int64) {
	t.Helper()
	userID = testutil.InsertUser(t, e.store, username, "", expiration)
	mediaUserID = testutil.InsertMediaUser(t, e.store, serverID, userID, "plex", "ext-"+username, username, "friend")
	var libraryID int64
	_, err := e.store.Get(context.Background(), &libraryID, `SELECT id FROM libraries WHERE server_id = ? LIMIT 1`, serverID)
	require.NoError(t, err)
	testutil.Exec(t, e.store, `INSERT INTO shared_libraries (media_user_id, library_id) VALUES (?, ?)`, mediaUserID, libraryID)
	return userID, mediaUserID
}

func insertLibrary(t *testing.T, e *env, serverID int64, section string) int64 {
	t.Helper()
	return testutil.Exec(t, e.store, `INSERT INTO libraries (server_id, section_id, name, type) VALUES (?, ?, ?, 'movie')`,
		serverID, section, "Library "+section)
}

func TestDisableExpiredUsers(t *testing.T) {
	e := newEnv(t)
	testutil.Settings(t, e.store, `disable_on_expiry = 1`)
	serverID := testutil.InsertServer(t, e.store, "plex", "plex", "http://plex.local", "token")
	insertLibrary(t, e, serverID, "1")

	expiredID, expiredMU := sharedUser(t, e, serverID, "expired", day(-2))
	_, activeMU := sharedUser(t, e, serverID, "active", day(20))

	e.mustRun(t, tasks.DisableExpiredUsers)

	assert.Zero(t, testutil.Count(t, e.store, `SELECT COUNT(*) FROM shared_libraries WHERE media_user_id = ?`, expiredMU))
	assert.Equal(t, 1, testutil.Count(t, e.store, `SELECT COUNT(*) FROM shared_libraries WHERE media_user_id = ?`, activeMU))

	jobs, err := e.queue.List(context.Background(), "queued", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.ActionSync, jobs[0].Action)
	assert.Equal(t, serverID, jobs[0].ServerID)
	assert.Equal(t, expiredID, jobs[0].VodumUserID.ValueOrZero())
	assert.Equal(t, handlers.SyncDedupeKey("plex", serverID, expiredID), jobs[0].DedupeKey.ValueOrZero())

	t.Run("second run enqueues nothing", func(t *testing.T) {
		e.mustRun(t, tasks.DisableExpiredUsers)
		assert.Equal(t, 1, testutil.Count(t, e.store, `SELECT COUNT(*) FROM media_jobs WHERE action = 'sync'`))
	})
}

func TestDisableExpiredUsers_SyncReachesServer(t *testing.T) {
	var mu sync.Mutex
	var folders []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/Users/jf-old":
			_, _ = w.Write([]byte(`{"Policy":{"EnableAllFolders":true}}`))
		case r.Method == http.MethodPost && r.URL.Path == "/Users/jf-old/Policy":
			var policy struct {
				EnabledFolders []string `json:"EnabledFolders"`
			}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&policy))
			mu.Lock()
			folders = policy.EnabledFolders
			mu.Unlock()
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	e := newEnv(t)
	testutil.Settings(t, e.store, `disable_on_expiry = 1`)
	serverID := testutil.InsertServer(t, e.store, "jf", "jellyfin", srv.URL, "jf-key")
	libraryID := insertLibrary(t, e, serverID, "f-movies")
	userID := testutil.InsertUser(t, e.store, "old", "", day(-1))
	mediaUserID := testutil.InsertMediaUser(t, e.store, serverID, userID, "jellyfin", "jf-old", "old", "")
	testutil.Exec(t, e.store, `INSERT INTO shared_libraries (media_user_id, library_id) VALUES (?, ?)`, mediaUserID, libraryID)

	e.mustRun(t, tasks.DisableExpiredUsers)
	e.mustRun(t, tasks.MediaJobsWorker)

	mu.Lock()
	assert.NotNil(t, folders)
	assert.Empty(t, folders)
	mu.Unlock()

	counts, err := e.queue.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.JobSuccess])
	assert.Zero(t, counts[models.JobQueued])
}

func TestDisableExpiredUsers_Off(t *testing.T) {
	e := newEnv(t)
	serverID := testutil.InsertServer(t, e.store, "plex", "plex", "http://plex.local", "token")
	insertLibrary(t, e, serverID, "1")
	_, mu := sharedUser(t, e, serverID, "expired", day(-2))

	e.mustRun(t, tasks.DisableExpiredUsers)

	assert.Equal(t, 1, testutil.Count(t, e.store, `SELECT COUNT(*) FROM shared_libraries WHERE media_user_id = ?`, mu))
	assert.Zero(t, testutil.Count(t, e.store, `SELECT COUNT(*) FROM media_jobs`))
}

func TestCleanupUnfriended(t *testing.T) {
	e := newEnv(t)
	plexID := testutil.InsertServer(t, e.store, "plex", "plex", "http://plex.local", "token")
	jellyID := testutil.InsertServer(t, e.store, "jelly", "jellyfin", "http://jelly.local", "token")
	insertLibrary(t, e, plexID, "1")

	_, sharing := sharedUser(t, e, plexID, "sharing", day(100))
	lonely := testutil.InsertMediaUser(t, e.store, plexID, 0, "plex", "ext-lonely", "lonely", "friend")
	owner := testutil.InsertMediaUser(t, e.store, plexID, 0, "plex", "ext-owner", "owner", "owner")
	jelly := testutil.InsertMediaUser(t, e.store, jellyID, 0, "jellyfin", "ext-j", "jelly", "friend")

	e.mustRun(t, tasks.CleanupUnfriended)

	role := func(id int64) string {
		var r string
		_, err := e.store.Get(context.Background(), &r, `SELECT role FROM media_users WHERE id = ?`, id)
		require.NoError(t, err)
		return r
	}
	assert.Equal(t, "friend", role(sharing))
	assert.Equal(t, "unfriended", role(lonely))
	assert.Equal(t, "owner", role(owner))
	assert.Equal(t, "friend", role(jelly))

	e.mustRun(t, tasks.CleanupUnfriended)
	assert.Equal(t, 1, testutil.Count(t, e.store, `SELECT COUNT(*) FROM media_users WHERE role = 'unfriended'`))
}
