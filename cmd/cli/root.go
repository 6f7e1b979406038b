package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"vodum/cmd/cli/runcmd"
	"vodum/cmd/cli/taskcmd"
)

var RootCmd = &cobra.Command{
	Use:   "vodum",
	Short: "Subscriber and access manager for Plex and Jellyfin servers",
	Long: `vodum keeps the subscribers of Plex and Jellyfin servers in line with their subscription:
expiration reminders, library access of expired users, stream policies, session monitoring
and database backups all run as scheduled tasks.

  vodum run              scheduler, media job worker and admin API in one process
  vodum run worker       a standalone media job worker, woken through Redis
  vodum task run <name>  a single task, right now
  vodum migrate          apply the pending database migrations`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := RootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "path of the config file or of the directory holding it")
	flags.Bool("debug", false, "log secrets unredacted, same as debug: true in the config")

	RootCmd.AddCommand(runcmd.Command, taskcmd.Command, migrateCmd)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "vodum:", err)
		os.Exit(1)
	}
}
