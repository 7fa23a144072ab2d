package calendar

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeHolidaySource struct {
	byCountry map[string]map[civilDate]bool
	calls     int
}

func (f *fakeHolidaySource) HolidaysForCountry(ctx context.Context, country string) (map[civilDate]bool, error) {
	f.calls++
	if set, ok := f.byCountry[country]; ok {
		return set, nil
	}
	return map[civilDate]bool{}, nil
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestIsBusinessDayWeekend(t *testing.T) {
	c := New(&fakeHolidaySource{}, zerolog.Nop())
	sat := date(2026, time.August, 1) // a Saturday
	ok, err := c.IsBusinessDay(context.Background(), sat, "US")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected Saturday to not be a business day")
	}
}

func TestIsBusinessDayHoliday(t *testing.T) {
	holiday := date(2026, time.July, 3) // a Friday
	src := &fakeHolidaySource{byCountry: map[string]map[civilDate]bool{
		"US": {toCivilDate(holiday): true},
	}}
	c := New(src, zerolog.Nop())
	ok, err := c.IsBusinessDay(context.Background(), holiday, "US")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected holiday to not be a business day")
	}

	otherCountryOK, err := c.IsBusinessDay(context.Background(), holiday, "DE")
	if err != nil {
		t.Fatal(err)
	}
	if !otherCountryOK {
		t.Fatal("holiday scoped to US should not affect DE")
	}
}

func TestBusinessDaysBeforeSkipsWeekend(t *testing.T) {
	c := New(&fakeHolidaySource{}, zerolog.Nop())
	// Monday 2026-08-03; one business day before should be Friday 2026-07-31.
	monday := date(2026, time.August, 3)
	got, err := c.BusinessDaysBefore(context.Background(), monday, 1, "US")
	if err != nil {
		t.Fatal(err)
	}
	want := date(2026, time.July, 31)
	if !got.Equal(want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestBusinessDaysBetween(t *testing.T) {
	c := New(&fakeHolidaySource{}, zerolog.Nop())
	from := date(2026, time.July, 27) // Monday
	to := date(2026, time.August, 3)  // next Monday, exclusive
	n, err := c.BusinessDaysBetween(context.Background(), from, to, "US")
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("got %d want 5", n)
	}
}

func TestHolidayCacheIsReusedWithinTTL(t *testing.T) {
	src := &fakeHolidaySource{}
	c := New(src, zerolog.Nop())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := c.IsBusinessDay(ctx, date(2026, time.August, 3), "US"); err != nil {
			t.Fatal(err)
		}
	}
	if src.calls != 1 {
		t.Fatalf("expected a single holiday-set fetch, got %d", src.calls)
	}
}

func TestAlertSendTimestampAnchorsLocalTime(t *testing.T) {
	c := New(&fakeHolidaySource{}, zerolog.Nop())
	deadline := date(2026, time.August, 5) // Wednesday
	ts, err := c.AlertSendTimestamp(context.Background(), deadline, "09:00", "UTC", 1, "US")
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, time.August, 4, 9, 0, 0, 0, time.UTC)
	if !ts.Equal(want) {
		t.Fatalf("got %v want %v", ts, want)
	}
}

func TestUrgencyBuckets(t *testing.T) {
	cases := []struct {
		days int
		want string
	}{
		{-1, "CRITICAL"},
		{0, "CRITICAL"},
		{1, "HIGH"},
		{3, "MEDIUM"},
		{7, "LOW"},
	}
	for _, tc := range cases {
		if got := Urgency(tc.days); got != tc.want {
			t.Fatalf("Urgency(%d) = %s want %s", tc.days, got, tc.want)
		}
	}
}
