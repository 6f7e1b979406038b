package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"vodum/internal/clock"
	"vodum/internal/database"
	"vodum/internal/models"
	"vodum/internal/scheduler"
	"vodum/internal/tasks"
	"vodum/internal/testutil"
)

type fixture struct {
	store    *database.Store
	clock    *clock.Fake
	registry *tasks.Registry
	sched    *scheduler.TaskScheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := testutil.NewStore(t)
	clk := clock.NewFake(testutil.Epoch)
	registry := tasks.NewRegistry()
	runner := tasks.NewRunner(store, registry, clk)
	sched := scheduler.New(store, runner, clk, scheduler.Options{MaxWorkers: 2})
	return &fixture{store: store, clock: clk, registry: registry, sched: sched}
}

func (f *fixture) register(name string, fn func(ctx context.Context, tc *tasks.TaskContext) error) {
	f.registry.Register(name, tasks.HandlerFunc(fn))
}

// insertDue adds an enabled task whose next run is the current fake time.
func (f *fixture) insertDue(t *testing.T, name, schedule string) int64 {
	t.Helper()
	id := testutil.InsertTask(t, f.store, name, schedule, true)
	testutil.Exec(t, f.store, `UPDATE tasks SET next_run = ? WHERE id = ?`, f.clock.Now(), id)
	return id
}

func TestSeed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	defs := tasks.Definitions()

	require.NoError(t, f.sched.Seed(ctx, defs))
	testutil.Exec(t, f.store, `UPDATE tasks SET schedule = '5 5 * * *', enabled = 0 WHERE name = ?`, tasks.CleanupLogs)
	require.NoError(t, f.sched.Seed(ctx, defs))

	assert.Equal(t, len(defs), testutil.Count(t, f.store, `SELECT COUNT(*) FROM tasks`))
	for _, def := range defs {
		assert.Equal(t, 1, testutil.Count(t, f.store, `SELECT COUNT(*) FROM tasks WHERE name = ?`, def.Name))
	}

	// operator edits survive a reseed
	task := testutil.GetTask(t, f.store, tasks.CleanupLogs)
	assert.Equal(t, "5 5 * * *", task.Schedule)
	assert.False(t, task.Enabled)

	worker := testutil.GetTask(t, f.store, tasks.MediaJobsWorker)
	assert.Equal(t, models.TaskIdle, worker.Status)
	require.True(t, worker.NextRun.Valid)
	testutil.AssertTime(t, testutil.Epoch.Add(time.Minute), worker.NextRun.Time)
}

func TestTick(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var calls atomic.Int32
	f.register("ok", func(ctx context.Context, tc *tasks.TaskContext) error {
		calls.Add(1)
		return nil
	})
	f.register("bad", func(ctx context.Context, tc *tasks.TaskContext) error {
		return errors.New("provider unreachable")
	})
	f.insertDue(t, "ok", "*/5 * * * *")
	f.insertDue(t, "bad", "0 * * * *")
	testutil.InsertTask(t, f.store, "later", "0 0 1 1 *", true)

	started, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, started)
	f.sched.Wait()

	assert.EqualValues(t, 1, calls.Load())

	ok := testutil.GetTask(t, f.store, "ok")
	assert.Equal(t, models.TaskSuccess, ok.Status)
	testutil.AssertTime(t, testutil.Epoch, ok.LastRun.Time)
	testutil.AssertTime(t, testutil.Epoch.Add(5*time.Minute), ok.NextRun.Time)
	assert.False(t, ok.LastError.Valid)

	bad := testutil.GetTask(t, f.store, "bad")
	assert.Equal(t, models.TaskError, bad.Status)
	assert.Equal(t, "provider unreachable", bad.LastError.String)
	testutil.AssertTime(t, testutil.Epoch.Add(time.Hour), bad.NextRun.Time)

	// nothing is due any more
	started, err = f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, started)
}

func TestTick_SkipsRunningTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	var calls atomic.Int32
	f.register("slow", func(ctx context.Context, tc *tasks.TaskContext) error {
		calls.Add(1)
		entered <- struct{}{}
		<-release
		return nil
	})
	id := f.insertDue(t, "slow", "* * * * *")

	started, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	<-entered

	// mark it due again while the first run is still going
	testutil.Exec(t, f.store, `UPDATE tasks SET next_run = ? WHERE id = ?`, f.clock.Now(), id)
	f.clock.Advance(time.Second)

	started, err = f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, started)

	err = f.sched.RunTaskByName(ctx, "slow")
	assert.ErrorIs(t, err, scheduler.ErrTaskRunning)

	close(release)
	f.sched.Wait()
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, models.TaskSuccess, testutil.GetTask(t, f.store, "slow").Status)
}

func TestTick_DisabledTaskNeverFires(t *testing.T) {
	f := newFixture(t)
	f.register("off", func(ctx context.Context, tc *tasks.TaskContext) error {
		t.Fatal("disabled task ran")
		return nil
	})
	id := testutil.InsertTask(t, f.store, "off", "* * * * *", false)
	testutil.Exec(t, f.store, `UPDATE tasks SET next_run = ? WHERE id = ?`, f.clock.Now(), id)

	started, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, started)
}

func TestTick_InvalidScheduleNeverFires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var calls atomic.Int32
	f.register("broken", func(ctx context.Context, tc *tasks.TaskContext) error {
		calls.Add(1)
		return nil
	})
	id := f.insertDue(t, "broken", "*/0 * * * *")

	started, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	f.sched.Wait()

	assert.Equal(t, 0, started)
	assert.Zero(t, calls.Load())

	task := testutil.GetTask(t, f.store, "broken")
	assert.False(t, task.Enabled)
	assert.False(t, task.NextRun.Valid)
	assert.Equal(t, models.TaskIdle, task.Status)
	assert.False(t, task.LastRun.Valid)
	assert.Contains(t, task.LastError.String, "invalid schedule")
	assert.Equal(t, 1, testutil.Count(t, f.store,
		`SELECT COUNT(*) FROM logs WHERE task_id = ? AND level = 'error'`, id))
}

func TestRefreshNextRuns_InvalidSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register("broken", func(ctx context.Context, tc *tasks.TaskContext) error { return nil })
	f.register("fine", func(ctx context.Context, tc *tasks.TaskContext) error { return nil })
	brokenID := testutil.InsertTask(t, f.store, "broken", "*/0 * * * *", true)
	testutil.InsertTask(t, f.store, "fine", "0 * * * *", true)

	require.NoError(t, f.sched.RefreshNextRuns(ctx))

	broken := testutil.GetTask(t, f.store, "broken")
	assert.False(t, broken.Enabled)
	assert.False(t, broken.NextRun.Valid)
	assert.Contains(t, broken.LastError.String, "invalid schedule")
	assert.Equal(t, 1, testutil.Count(t, f.store,
		`SELECT COUNT(*) FROM logs WHERE task_id = ? AND level = 'error'`, brokenID))

	fine := testutil.GetTask(t, f.store, "fine")
	assert.True(t, fine.Enabled)
	testutil.AssertTime(t, testutil.Epoch.Add(time.Hour), fine.NextRun.Time)

	started, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, started)
}

func TestRecoverStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	oldID := testutil.InsertTask(t, f.store, "crashed", "0 * * * *", true)
	testutil.Exec(t, f.store, `UPDATE tasks SET status = 'running', last_run = ? WHERE id = ?`,
		f.clock.Now().Add(-11*time.Minute), oldID)
	recentID := testutil.InsertTask(t, f.store, "recent", "0 * * * *", true)
	testutil.Exec(t, f.store, `UPDATE tasks SET status = 'running', last_run = ? WHERE id = ?`,
		f.clock.Now().Add(-5*time.Minute), recentID)

	n, err := f.sched.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	crashed := testutil.GetTask(t, f.store, "crashed")
	assert.Equal(t, models.TaskError, crashed.Status)
	assert.True(t, crashed.NextRun.Valid)
	assert.Equal(t, 1, testutil.Count(t, f.store, `SELECT COUNT(*) FROM logs WHERE task_id = ?`, oldID))

	assert.Equal(t, models.TaskRunning, testutil.GetTask(t, f.store, "recent").Status)
}

func TestRunTaskByName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var calls atomic.Int32
	f.register("manual", func(ctx context.Context, tc *tasks.TaskContext) error {
		calls.Add(1)
		return nil
	})
	testutil.InsertTask(t, f.store, "manual", "0 4 * * *", false)

	require.NoError(t, f.sched.RunTaskByName(ctx, "manual"))
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, models.TaskSuccess, testutil.GetTask(t, f.store, "manual").Status)

	err := f.sched.RunTaskByName(ctx, "missing")
	assert.ErrorIs(t, err, scheduler.ErrTaskNotFound)
}

func TestEnqueueTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var calls atomic.Int32
	f.register("later", func(ctx context.Context, tc *tasks.TaskContext) error {
		calls.Add(1)
		return nil
	})
	testutil.InsertTask(t, f.store, "later", "0 0 1 1 *", true)
	require.NoError(t, f.sched.RefreshNextRuns(ctx))

	require.NoError(t, f.sched.EnqueueTask(ctx, "later"))
	task := testutil.GetTask(t, f.store, "later")
	assert.Equal(t, models.TaskQueued, task.Status)
	testutil.AssertTime(t, testutil.Epoch, task.NextRun.Time)

	started, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	f.sched.Wait()
	assert.EqualValues(t, 1, calls.Load())

	assert.ErrorIs(t, f.sched.EnqueueTask(ctx, "missing"), scheduler.ErrTaskNotFound)
}

func TestEnqueueTask_Disabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register("off", func(ctx context.Context, tc *tasks.TaskContext) error {
		t.Error("disabled task ran")
		return nil
	})
	testutil.InsertTask(t, f.store, "off", "0 0 1 1 *", false)

	assert.ErrorIs(t, f.sched.EnqueueTask(ctx, "off"), scheduler.ErrTaskDisabled)

	task := testutil.GetTask(t, f.store, "off")
	assert.Equal(t, models.TaskIdle, task.Status)
	assert.False(t, task.NextRun.Valid)

	started, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, started)
}

func TestRunTaskSequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var order []string
	record := func(name string, err error) func(context.Context, *tasks.TaskContext) error {
		return func(context.Context, *tasks.TaskContext) error {
			order = append(order, name)
			return err
		}
	}
	f.register("first", record("first", nil))
	f.register("second", record("second", errors.New("second failed")))
	f.register("third", record("third", nil))
	for _, name := range []string{"first", "second", "third"} {
		testutil.InsertTask(t, f.store, name, "0 0 * * *", true)
	}

	results, err := f.sched.RunTaskSequence(ctx, []string{"first", "second", "third"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "second failed")
	assert.Equal(t, []string{"first", "second"}, order)

	require.Len(t, results, 2)
	assert.Equal(t, models.TaskSuccess, results[0].Status)
	assert.Equal(t, models.TaskError, results[1].Status)
	assert.Equal(t, models.TaskIdle, testutil.GetTask(t, f.store, "third").Status)

	order = nil
	results, err = f.sched.RunTaskSequence(ctx, []string{"first", "third"})
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, []string{"first", "third"}, order)
}

type chanWaker chan struct{}

func (w chanWaker) Listen(ctx context.Context, fn func()) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w:
			fn()
		}
	}
}

func TestWatchQueue(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	testutil.InsertTask(t, f.store, "drain", "0 0 1 1 *", true)

	w := make(chanWaker)
	f.sched.WatchQueue(ctx, w, "drain")
	w <- struct{}{}

	assert.Eventually(t, func() bool {
		task := testutil.GetTask(t, f.store, "drain")
		return task.Status == models.TaskQueued
	}, 2*time.Second, 10*time.Millisecond)
}
