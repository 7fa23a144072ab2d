package main

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tracky-pm/engine/internal/config"
	"github.com/tracky-pm/engine/internal/store/postgres"
)

// runMigrate backs the "trackyd migrate" subcommand: apply every pending
// goose migration against STORE_URL and exit. It never falls back to the
// in-memory store — a migration run against a store that isn't reachable
// is a deploy error, not something to paper over.
func runMigrate(cfg *config.Config, log zerolog.Logger) {
	st, err := postgres.New(context.Background(), cfg.StoreURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot connect to store for migration")
	}
	defer st.Close()

	if err := st.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	log.Info().Msg("migrations applied")
}
