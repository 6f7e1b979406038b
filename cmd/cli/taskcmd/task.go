package taskcmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"vodum/internal/app"
	"vodum/internal/config"
	"vodum/internal/logging"
)

var Command = &cobra.Command{
	Use:   "task",
	Short: "Inspect and run tasks",
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists the tasks with their schedule and last outcome",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		withApp(cmd, func(ctx context.Context, a *app.App) error {
			list, err := a.Scheduler.ListTasks(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "NAME\tSCHEDULE\tENABLED\tSTATUS\tLAST RUN\tNEXT RUN")
			for _, t := range list {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\n", t.Name, t.Schedule, t.Enabled, t.Status,
					formatTime(t.LastRun.Ptr()), formatTime(t.NextRun.Ptr()))
			}
			return w.Flush()
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Runs one task now, even when disabled",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Scheduler.RunTaskByName(ctx, args[0]); err != nil {
				return err
			}
			log.Info().Str("task", args[0]).Msg("Task succeeded")
			return nil
		})
	},
}

var sequenceCmd = &cobra.Command{
	Use:   "sequence <name>...",
	Short: "Runs tasks one after the other, stopping at the first failure",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withApp(cmd, func(ctx context.Context, a *app.App) error {
			results, err := a.Scheduler.RunTaskSequence(ctx, args)
			for _, r := range results {
				log.Info().Str("task", r.Name).Str("status", string(r.Status)).Str("error", r.Error).Msg("Sequence step")
			}
			return err
		})
	},
}

func init() {
	Command.AddCommand(listCmd)
	Command.AddCommand(runCmd)
	Command.AddCommand(sequenceCmd)
}

func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) {
	conf := config.FromCobraCmd(cmd)
	logs, err := logging.Setup(conf)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not set up logging")
	}
	defer func() { _ = logs.Close() }()

	ctx := context.Background()
	a, err := app.New(ctx, conf)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not start application")
	}

	runErr := fn(ctx, a)
	if err := a.Close(); err != nil {
		log.Error().Err(err).Msg("Could not close cleanly")
	}
	if runErr != nil {
		log.Fatal().Err(runErr).Msg("Command failed")
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
