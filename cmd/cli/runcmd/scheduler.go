package runcmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"vodum/internal/tasks"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Starts the scheduler process without the admin API",
	Run: func(cmd *cobra.Command, args []string) {
		runScheduler(cmd, false)
	},
}

func runScheduler(cmd *cobra.Command, withAPI bool) {
	log.Info().Bool("api", withAPI).Msg("Running scheduler process")

	ctx, cancel := context.WithCancel(context.Background())
	a, logs := mustApp(ctx, cmd)

	var srv *http.Server
	defer func() {
		cancel()
		a.Scheduler.Stop()
		if srv != nil {
			shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Could not stop API server")
			}
			done()
		}
		shutdown(a, logs)
	}()

	if err := a.Scheduler.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}
	a.Scheduler.WatchQueue(ctx, a.Notifier, tasks.MediaJobsWorker)

	if withAPI {
		srv = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", a.Conf.Server.Host, a.Conf.Server.Port),
			Handler:           a.API(ctx),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Str("addr", srv.Addr).Msg("Admin API listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("API server stopped")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	log.Info().Msgf("Received signal %v, shutting down...", <-sigCh)
}
