package runcmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"vodum/internal/worker"
)

// idlePoll drains the queue even when no signal arrives, for jobs whose backoff has elapsed.
const idlePoll = 30 * time.Second

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Runs a standalone queue worker",
	Long: `Drains the media job queue outside the scheduler. With queue.redis.enabled the worker is woken
as soon as another process enqueues a job.`,
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running worker process")

		ctx, cancel := context.WithCancel(context.Background())
		a, logs := mustApp(ctx, cmd)
		defer func() {
			cancel()
			shutdown(a, logs)
		}()

		wake := make(chan struct{}, 1)
		go func() {
			err := a.Notifier.Listen(ctx, func() {
				select {
				case wake <- struct{}{}:
				default:
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Queue listener stopped")
			}
		}()

		errCh := make(chan error, 1)
		go func() {
			errCh <- drain(ctx, a.Worker, wake)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Fatal().Err(err).Str("worker_id", a.Worker.ID).Msg("Ran into problems")
			}
		case sig := <-sigCh:
			log.Info().Msgf("Received signal %v, shutting down...", sig)
		}
	},
}

// drain runs batches until the queue is empty, then waits for a signal or the idle poll.
func drain(ctx context.Context, w *worker.Worker, wake <-chan struct{}) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		case <-timer.C:
		}

		for {
			report, err := w.RunBatch(ctx)
			if err != nil {
				return err
			}
			if report.Claimed > 0 {
				log.Info().
					Str("worker_id", w.ID).
					Int("claimed", report.Claimed).
					Int("succeeded", report.Succeeded).
					Int("retried", report.Retried).
					Int("failed", report.Failed).
					Msg("Batch done")
			}
			if report.Claimed == 0 || ctx.Err() != nil {
				break
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(idlePoll)
	}
}
