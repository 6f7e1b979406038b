package runcmd

import (
	"context"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"vodum/internal/app"
	"vodum/internal/config"
	"vodum/internal/logging"
)

var Command = &cobra.Command{
	Use:   "run",
	Short: "Run service",
	Long: `Runs the scheduler and the admin API in one process. The sub commands run a single part,
for instance a queue worker woken through Redis.`,
	Run: func(cmd *cobra.Command, args []string) {
		runScheduler(cmd, true)
	},
}

func init() {
	Command.AddCommand(workerCmd)
	Command.AddCommand(schedulerCmd)
}

// mustApp loads the configuration, sets up logging and builds the application.
func mustApp(ctx context.Context, cmd *cobra.Command) (*app.App, io.Closer) {
	conf := config.FromCobraCmd(cmd)

	logs, err := logging.Setup(conf)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not set up logging")
	}

	a, err := app.New(ctx, conf)
	if err != nil {
		log.Fatal().Err(err).Str("database", conf.Database.Path).Msg("Could not start application")
	}
	return a, logs
}

func shutdown(a *app.App, logs io.Closer) {
	if err := a.Close(); err != nil {
		log.Error().Err(err).Msg("Could not close cleanly on shutdown")
	}
	_ = logs.Close()
}
