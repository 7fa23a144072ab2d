// Package calendar implements business-day arithmetic over a per-country
// holiday set, with the holiday lookups cached for an hour at a time.
package calendar

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tracky-pm/engine/internal/domain"
)

const (
	cacheTTL        = time.Hour
	iterationBase   = 30
	iterationPerDay = 3
)

// HolidaySource resolves the holiday set for a country code (plus any
// country-agnostic holidays, which the source should include for every
// country and also under the empty string).
type HolidaySource interface {
	HolidaysForCountry(ctx context.Context, country string) (map[civilDate]bool, error)
}

// civilDate is a holiday lookup key with no time-of-day or location component.
type civilDate struct {
	Year  int
	Month time.Month
	Day   int
}

func toCivilDate(t time.Time) civilDate {
	y, m, d := t.Date()
	return civilDate{Year: y, Month: m, Day: d}
}

type cacheEntry struct {
	holidays  map[civilDate]bool
	expiresAt time.Time
}

// Calendar answers business-day questions, caching each country's holiday
// set for an hour and refreshing lazily on the first miss after expiry.
type Calendar struct {
	mu     sync.RWMutex
	cache  map[string]cacheEntry
	source HolidaySource
	logger zerolog.Logger
}

// New builds a Calendar backed by source.
func New(source HolidaySource, logger zerolog.Logger) *Calendar {
	return &Calendar{
		cache:  make(map[string]cacheEntry),
		source: source,
		logger: logger.With().Str("component", "calendar").Logger(),
	}
}

func (c *Calendar) holidaySet(ctx context.Context, country string) (map[civilDate]bool, error) {
	c.mu.RLock()
	entry, ok := c.cache[country]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.holidays, nil
	}

	holidays, err := c.source.HolidaysForCountry(ctx, country)
	if err != nil {
		return nil, fmt.Errorf("loading holidays for %q: %w", country, err)
	}

	c.mu.Lock()
	c.cache[country] = cacheEntry{holidays: holidays, expiresAt: time.Now().Add(cacheTTL)}
	c.mu.Unlock()

	return holidays, nil
}

// IsBusinessDay reports whether d is a Monday-Friday day that is not a
// holiday for country (country-agnostic holidays always apply).
func (c *Calendar) IsBusinessDay(ctx context.Context, d time.Time, country string) (bool, error) {
	if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false, nil
	}
	holidays, err := c.holidaySet(ctx, country)
	if err != nil {
		return false, err
	}
	return !holidays[toCivilDate(d)], nil
}

// BusinessDaysBefore walks backward from target, calendar day by calendar
// day, until n business days have been counted, and returns that date.
func (c *Calendar) BusinessDaysBefore(ctx context.Context, target time.Time, n int, country string) (time.Time, error) {
	return c.walk(ctx, target, n, country, -1)
}

// BusinessDaysAfter walks forward from start the same way.
func (c *Calendar) BusinessDaysAfter(ctx context.Context, start time.Time, n int, country string) (time.Time, error) {
	return c.walk(ctx, start, n, country, 1)
}

func (c *Calendar) walk(ctx context.Context, from time.Time, n int, country string, direction int) (time.Time, error) {
	if n <= 0 {
		return from, nil
	}
	cap := iterationPerDay*n + iterationBase
	cur := from
	counted := 0
	for i := 0; i < cap; i++ {
		cur = cur.AddDate(0, 0, direction)
		isBusiness, err := c.IsBusinessDay(ctx, cur, country)
		if err != nil {
			return time.Time{}, err
		}
		if isBusiness {
			counted++
			if counted == n {
				return cur, nil
			}
		}
	}
	return time.Time{}, fmt.Errorf("business-day walk exceeded iteration cap (%d) before counting %d business days", cap, n)
}

// BusinessDaysBetween counts business days in the half-open interval [a, b).
func (c *Calendar) BusinessDaysBetween(ctx context.Context, a, b time.Time, country string) (int, error) {
	if !a.Before(b) {
		return 0, nil
	}
	count := 0
	cur := a
	for cur.Before(b) {
		isBusiness, err := c.IsBusinessDay(ctx, cur, country)
		if err != nil {
			return 0, err
		}
		if isBusiness {
			count++
		}
		cur = cur.AddDate(0, 0, 1)
	}
	return count, nil
}

// AlertSendTimestamp resolves the UTC instant at which a status-check alert
// should be sent for a deadline: the date is daysBefore business days
// before deadline, anchored at localTime ("HH:MM") in tz.
func (c *Calendar) AlertSendTimestamp(ctx context.Context, deadline time.Time, localTime string, tz string, daysBefore int, country string) (time.Time, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("loading timezone %q: %w", tz, err)
	}

	sendDate := deadline
	if daysBefore > 0 {
		sendDate, err = c.BusinessDaysBefore(ctx, deadline, daysBefore, country)
		if err != nil {
			return time.Time{}, err
		}
	}

	var hour, minute int
	if _, err := fmt.Sscanf(localTime, "%d:%d", &hour, &minute); err != nil {
		hour, minute = 9, 0
	}

	anchored := time.Date(sendDate.Year(), sendDate.Month(), sendDate.Day(), hour, minute, 0, 0, loc)
	return anchored.UTC(), nil
}

// HolidayLister is the store method StoreHolidaySource adapts; satisfied
// by store.Store.
type HolidayLister interface {
	ListHolidays(ctx context.Context, country string) ([]domain.Holiday, error)
}

// StoreHolidaySource implements HolidaySource over the Holidays table,
// merging a country's own rows with the country-agnostic ones (stored
// under the empty country code).
type StoreHolidaySource struct {
	store HolidayLister
}

// NewStoreHolidaySource builds a StoreHolidaySource backed by store.
func NewStoreHolidaySource(store HolidayLister) *StoreHolidaySource {
	return &StoreHolidaySource{store: store}
}

func (s *StoreHolidaySource) HolidaysForCountry(ctx context.Context, country string) (map[civilDate]bool, error) {
	out := map[civilDate]bool{}

	scoped, err := s.store.ListHolidays(ctx, country)
	if err != nil {
		return nil, fmt.Errorf("loading holidays for %q: %w", country, err)
	}
	for _, h := range scoped {
		out[toCivilDate(h.Date)] = true
	}

	if country != "" {
		universal, err := s.store.ListHolidays(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("loading universal holidays: %w", err)
		}
		for _, h := range universal {
			out[toCivilDate(h.Date)] = true
		}
	}

	return out, nil
}

// Urgency buckets the number of calendar days remaining until a deadline
// into a coarse display label.
func Urgency(daysUntilDeadline int) string {
	switch {
	case daysUntilDeadline <= 0:
		return "CRITICAL"
	case daysUntilDeadline <= 1:
		return "HIGH"
	case daysUntilDeadline <= 3:
		return "MEDIUM"
	default:
		return "LOW"
	}
}
