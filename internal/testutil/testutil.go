// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"vodum/internal/database"
	"vodum/internal/models"
)

// Epoch is the default instant of fake clocks in tests: Sunday 2026-10-18 12:00:00 UTC.
var Epoch = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

// NewStore opens a migrated store in a temporary directory.
func NewStore(t *testing.T) *database.Store {
	t.Helper()
	ctx := context.Background()
	store, err := database.Open(ctx, filepath.Join(t.TempDir(), "vodum.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func Exec(t *testing.T, store *database.Store, query string, args ...any) int64 {
	t.Helper()
	res, err := store.Exec(context.Background(), query, args...)
	require.NoError(t, err, "query=%q", query)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func Count(t *testing.T, store *database.Store, query string, args ...any) int {
	t.Helper()
	var n int
	_, err := store.Get(context.Background(), &n, query, args...)
	require.NoError(t, err, "query=%q", query)
	return n
}

func InsertTask(t *testing.T, store *database.Store, name, schedule string, enabled bool) int64 {
	t.Helper()
	return Exec(t, store, `INSERT INTO tasks (name, schedule, enabled, status) VALUES (?, ?, ?, 'idle')`,
		name, schedule, enabled)
}

func GetTask(t *testing.T, store *database.Store, name string) models.Task {
	t.Helper()
	var task models.Task
	found, err := store.Get(context.Background(), &task, `SELECT * FROM tasks WHERE name = ?`, name)
	require.NoError(t, err)
	require.True(t, found, "task %q not found", name)
	return task
}

func InsertServer(t *testing.T, store *database.Store, name, typ, url, token string) int64 {
	t.Helper()
	return Exec(t, store, `INSERT INTO servers (name, type, url, token) VALUES (?, ?, ?, ?)`,
		name, typ, null.NewString(url, url != ""), null.NewString(token, token != ""))
}

func InsertUser(t *testing.T, store *database.Store, username, email, expiration string) int64 {
	t.Helper()
	return Exec(t, store, `INSERT INTO vodum_users (username, email, expiration_date) VALUES (?, ?, ?)`,
		username, null.NewString(email, email != ""), null.NewString(expiration, expiration != ""))
}

func InsertMediaUser(t *testing.T, store *database.Store, serverID, vodumUserID int64, typ, externalID, username, role string) int64 {
	t.Helper()
	return Exec(t, store, `
INSERT INTO media_users (server_id, vodum_user_id, type, external_user_id, username, role)
VALUES (?, ?, ?, ?, ?, ?)`,
		serverID, null.NewInt(vodumUserID, vodumUserID > 0), typ, externalID, username, null.NewString(role, role != ""))
}

func Settings(t *testing.T, store *database.Store, assignments string, args ...any) {
	t.Helper()
	Exec(t, store, `UPDATE settings SET `+assignments+` WHERE id = 1`, args...)
}

// AssertTime compares instants, ignoring the location the driver attached when scanning.
func AssertTime(t *testing.T, expected, actual time.Time) {
	t.Helper()
	assert.True(t, expected.Equal(actual), "expected %s, got %s", expected, actual)
}
