package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tracky-pm/engine/internal/domain"
)

type holidayRow struct {
	ID          string    `db:"id"`
	Date        time.Time `db:"date"`
	CountryCode string    `db:"country_code"`
}

func (r holidayRow) toDomain() domain.Holiday {
	return domain.Holiday{ID: r.ID, Date: r.Date, CountryCode: r.CountryCode}
}

func (s *Store) ListHolidays(ctx context.Context, country string) ([]domain.Holiday, error) {
	const q = `SELECT id, date, country_code FROM holidays WHERE country_code = $1 OR country_code = '' ORDER BY date`
	var rows []holidayRow
	if err := s.db.SelectContext(ctx, &rows, q, country); err != nil {
		return nil, wrapStoreErr("holidays", "list", err)
	}
	out := make([]domain.Holiday, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) InsertHoliday(ctx context.Context, h domain.Holiday) (domain.Holiday, error) {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO holidays (id, date, country_code)
		VALUES ($1, $2, $3)
		ON CONFLICT (date, country_code) DO UPDATE SET date = EXCLUDED.date
		RETURNING id`
	if err := s.db.GetContext(ctx, &h.ID, q, h.ID, h.Date, h.CountryCode); err != nil {
		return domain.Holiday{}, wrapStoreErr("holidays", "insert", err)
	}
	return h, nil
}

func (s *Store) DeleteHoliday(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM holidays WHERE id = $1`, id)
	return wrapStoreErr("holidays", "delete", err)
}
