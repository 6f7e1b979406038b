// Package app wires the store, queue, scheduler and handlers into one process.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"vodum/internal/access"
	"vodum/internal/api"
	"vodum/internal/clock"
	"vodum/internal/config"
	"vodum/internal/database"
	"vodum/internal/handlers"
	"vodum/internal/models"
	"vodum/internal/monitoring"
	"vodum/internal/notify"
	"vodum/internal/providers"
	"vodum/internal/queue"
	"vodum/internal/scheduler"
	"vodum/internal/tasks"
	"vodum/internal/worker"
)

type App struct {
	Conf      *config.Config
	Store     *database.Store
	Notifier  queue.Notifier
	Queue     *queue.Queue
	Worker    *worker.Worker
	Collector *monitoring.Collector
	Scheduler *scheduler.TaskScheduler
	Registry  *tasks.Registry
}

// New opens the database, applies migrations and builds every component. The Redis notifier is
// used when enabled; an unreachable Redis falls back to the in-process notifier.
func New(ctx context.Context, conf *config.Config) (*App, error) {
	store, err := database.New(ctx, conf)
	if err != nil {
		return nil, err
	}
	clk := clock.Real{}

	var notifier queue.Notifier = queue.NewLocalNotifier()
	if conf.Queue.Redis.Enabled {
		rn, err := queue.NewRedisNotifier(conf.Queue.Redis.Addr, conf.Queue.Redis.Password, conf.Queue.Redis.DB)
		if err != nil {
			log.Warn().Err(err).Str("addr", conf.Queue.Redis.Addr).Msg("Redis unreachable, using in-process queue signals")
		} else {
			notifier = rn
		}
	}

	q := queue.New(store, clk, notifier, conf.WorkerLease())
	registry := providers.NewRegistry()
	collector := monitoring.NewCollector(store, registry, clk)

	w := worker.New(q, worker.Options{
		ID:         conf.Worker.ID,
		MaxBatch:   conf.Worker.BatchSize,
		TimeBudget: conf.WorkerTimeBudget(),
	})
	w.Register(models.ActionRefresh, collector)
	w.Register(models.ActionSync, access.NewSyncer(store, registry))

	router := notify.NewRouter(
		notify.EmailChannel{Mailer: notify.SMTPMailer{}},
		notify.DiscordChannel{Client: notify.NewDiscordClient()},
	)

	reg := tasks.NewRegistry()
	handlers.Register(reg, handlers.Deps{
		Queue:     q,
		Worker:    w,
		Collector: collector,
		Providers: registry,
		Router:    router,
		HTTP:      &http.Client{Timeout: 15 * time.Second},
		Backup: handlers.BackupOptions{
			Dir:         conf.Backup.Dir,
			LegacyNames: conf.Backup.LegacyNames,
		},
		Update: handlers.UpdateOptions{
			InfoURL:       conf.Update.InfoURL,
			LocalInfoPath: conf.Update.LocalInfoPath,
			StatusPath:    conf.Update.StatusPath,
		},
	})

	sched := scheduler.New(store, tasks.NewRunner(store, reg, clk), clk, scheduler.Options{
		Tick:         conf.TickInterval(),
		MaxWorkers:   conf.Scheduler.MaxWorkers,
		RecoverAfter: conf.RecoverAfter(),
	})
	if err := sched.Seed(ctx, tasks.Definitions()); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := handlers.ApplyDebugMode(ctx, store); err != nil {
		log.Warn().Err(err).Msg("Could not read settings.debug_mode")
	}

	return &App{
		Conf:      conf,
		Store:     store,
		Notifier:  notifier,
		Queue:     q,
		Worker:    w,
		Collector: collector,
		Scheduler: sched,
		Registry:  reg,
	}, nil
}

// API builds the admin HTTP server.
func (a *App) API(ctx context.Context) *api.Server {
	return api.New(ctx, api.Deps{Scheduler: a.Scheduler, Queue: a.Queue, Collector: a.Collector})
}

func (a *App) Close() error {
	return errors.Join(a.Notifier.Close(), a.Store.Close())
}
