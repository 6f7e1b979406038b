package cli

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"vodum/internal/config"
	"vodum/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Applies pending database migrations",
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.FromCobraCmd(cmd)
		ctx := context.Background()

		store, err := database.New(ctx, conf)
		if err != nil {
			log.Fatal().Err(err).Str("path", conf.Database.Path).Msg("Could not migrate database")
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Error().Err(err).Msg("Could not close database")
			}
		}()

		applied, err := store.AppliedMigrations(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not list migrations")
		}
		log.Info().Strs("migrations", applied).Msg("Database is up to date")
	},
}
