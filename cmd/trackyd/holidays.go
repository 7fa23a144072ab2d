package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rs/zerolog"

	"github.com/tracky-pm/engine/internal/domain"
	"github.com/tracky-pm/engine/internal/store"
)

// holidaySeedFile is the config/holidays.yaml shape: a flat list of dates,
// each optionally scoped to a country code (empty applies universally).
type holidaySeedFile struct {
	Holidays []struct {
		Date    string `yaml:"date"`
		Country string `yaml:"country"`
	} `yaml:"holidays"`
}

// seedHolidays loads path and inserts any entry not already present for its
// (date, country) pair. It's additive only — nothing in this file is ever
// deleted, so hand-added holidays survive a re-seed on the next boot.
func seedHolidays(ctx context.Context, st store.Store, path string, log zerolog.Logger) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var seed holidaySeedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	existingByCountry := map[string]map[string]bool{}
	loaded := 0
	for _, h := range seed.Holidays {
		d, err := time.Parse("2006-01-02", h.Date)
		if err != nil {
			log.Warn().Str("date", h.Date).Err(err).Msg("skipping unparsable holiday entry")
			continue
		}
		seen, ok := existingByCountry[h.Country]
		if !ok {
			list, err := st.ListHolidays(ctx, h.Country)
			if err != nil {
				return fmt.Errorf("listing existing holidays for %q: %w", h.Country, err)
			}
			seen = make(map[string]bool, len(list))
			for _, e := range list {
				seen[e.Date.Format("2006-01-02")] = true
			}
			existingByCountry[h.Country] = seen
		}
		if seen[h.Date] {
			continue
		}
		if _, err := st.InsertHoliday(ctx, domain.Holiday{Date: d, CountryCode: h.Country}); err != nil {
			return fmt.Errorf("inserting holiday %s/%s: %w", h.Date, h.Country, err)
		}
		seen[h.Date] = true
		loaded++
	}
	if loaded > 0 {
		log.Info().Int("count", loaded).Str("file", path).Msg("seeded holidays")
	}
	return nil
}
