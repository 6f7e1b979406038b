package handlers_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"vodum/internal/access"
	"vodum/internal/clock"
	"vodum/internal/database"
	"vodum/internal/handlers"
	"vodum/internal/models"
	"vodum/internal/monitoring"
	"vodum/internal/notify"
	"vodum/internal/providers"
	"vodum/internal/queue"
	"vodum/internal/tasks"
	"vodum/internal/testutil"
	"vodum/internal/worker"
)

type env struct {
	store   *database.Store
	clk     *clock.Fake
	queue   *queue.Queue
	runner  *tasks.Runner
	email   *fakeChannel
	discord *fakeChannel
	fs      afero.Fs
}

func newEnv(t *testing.T, configure ...func(*handlers.Deps)) *env {
	t.Helper()
	e := &env{
		store:   testutil.NewStore(t),
		clk:     clock.NewFake(testutil.Epoch),
		email:   &fakeChannel{ready: true},
		discord: &fakeChannel{ready: true},
		fs:      afero.NewMemMapFs(),
	}
	e.queue = queue.New(e.store, e.clk, queue.NewLocalNotifier(), queue.DefaultLease)
	registry := providers.NewRegistry()
	collector := monitoring.NewCollector(e.store, registry, e.clk)
	w := worker.New(e.queue, worker.Options{ID: "test-worker"})
	w.Register(models.ActionRefresh, collector)
	w.Register(models.ActionSync, access.NewSyncer(e.store, registry))

	deps := handlers.Deps{
		Queue:     e.queue,
		Worker:    w,
		Collector: collector,
		Providers: registry,
		Router:    notify.NewRouter(e.email, e.discord),
		FS:        e.fs,
		Backup:    handlers.BackupOptions{Dir: "/backups"},
		Update: handlers.UpdateOptions{
			LocalInfoPath: "/app/INFO",
			StatusPath:    "/appdata/update_status.json",
		},
	}
	for _, fn := range configure {
		fn(&deps)
	}

	reg := tasks.NewRegistry()
	handlers.Register(reg, deps)
	e.runner = tasks.NewRunner(e.store, reg, e.clk)
	return e
}

// run executes the named task once, seeding its row on first use.
func (e *env) run(t *testing.T, name string) error {
	t.Helper()
	var id int64
	found, err := e.store.Get(context.Background(), &id, `SELECT id FROM tasks WHERE name = ?`, name)
	require.NoError(t, err)
	if !found {
		id = testutil.InsertTask(t, e.store, name, "* * * * *", true)
	}
	return e.runner.Run(context.Background(), id, name)
}

func (e *env) mustRun(t *testing.T, name string) {
	t.Helper()
	require.NoError(t, e.run(t, name))
}

type sent struct {
	to  notify.Recipient
	msg notify.Message
}

// fakeChannel records what it sends. Recipients listed in failFor are refused.
type fakeChannel struct {
	mu      sync.Mutex
	ready   bool
	failFor map[int64]bool
	sent    []sent
}

func (f *fakeChannel) Ready(models.Settings, notify.Recipient) bool { return f.ready }

func (f *fakeChannel) Send(_ context.Context, _ models.Settings, r notify.Recipient, m notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[r.UserID] {
		return errors.New("refused")
	}
	f.sent = append(f.sent, sent{to: r, msg: m})
	return nil
}

func (f *fakeChannel) messages() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}
