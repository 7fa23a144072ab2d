// Package postgres is the production store.Store implementation: a thin
// SQL layer over the tables spec.md §6 names, using sqlx for scanning on
// top of pgx's database/sql driver. It implements the same interface as
// internal/store/memory (the test double) and, like it, offers no native
// multi-statement transactions of its own to the caller — every mutating
// call still needs an internal/store.Envelope wrapped around it for
// compensating rollback, exactly as spec.md §4.9 describes the backend.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/tracky-pm/engine/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store is a pgx-backed, sqlx-driven implementation of store.Store.
type Store struct {
	db     *sqlx.DB
	logger zerolog.Logger
}

// New opens a connection pool against dsn and verifies it with a ping.
func New(ctx context.Context, dsn string, logger zerolog.Logger) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to store: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging store: %w", err)
	}

	return &Store{db: db, logger: logger.With().Str("component", "postgres_store").Logger()}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

func wrapStoreErr(table, op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("store: %s %s: %w", op, table, err)
}
