package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/tracky-pm/engine/internal/domain"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{db: sqlx.NewDb(db, "postgres"), logger: zerolog.Nop()}, mock
}

func TestGetProgram_Found(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "external_id", "name", "status", "baseline_start", "baseline_end", "pm_owner", "secondary_pm", "holiday_country"}).
		AddRow("prog-1", "PROG-1", "Rollout", "Active", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), "pm-1", "", "US")
	mock.ExpectQuery(`SELECT .+ FROM programs WHERE id = \$1`).WithArgs("prog-1").WillReturnRows(rows)

	got, err := s.GetProgram(context.Background(), "prog-1")
	if err != nil {
		t.Fatalf("GetProgram: %v", err)
	}
	if got == nil || got.Name != "Rollout" || got.HolidayCountry != "US" {
		t.Fatalf("unexpected program: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGetProgram_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM programs WHERE id = \$1`).WithArgs("missing").WillReturnError(sql.ErrNoRows)

	got, err := s.GetProgram(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetProgram: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil program, got %+v", got)
	}
}

func TestUpsertProgram_AssignsIDAndReturnsIt(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO programs`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("generated-id"))

	got, err := s.UpsertProgram(context.Background(), domain.Program{ExternalID: "PROG-2", Name: "New program"})
	if err != nil {
		t.Fatalf("UpsertProgram: %v", err)
	}
	if got.ID != "generated-id" {
		t.Fatalf("expected generated id to come back from RETURNING, got %q", got.ID)
	}
}
