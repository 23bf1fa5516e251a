package scheduling

import (
	"testing"
	"time"
)

func TestParseRejectsBadExpressions(t *testing.T) {
	bad := []string{
		"",
		"* * * * *",        // five fields: minute precision, not accepted
		"61 * * * * *",     // second out of range
		"* * 25 * * *",     // hour out of range
		"* * * * FOO *",    // unknown month name
		"* * * * * * *",    // seven fields
		"not a cron at all",
	}
	for _, expr := range bad {
		if _, err := Parse(expr, "UTC"); err == nil {
			t.Fatalf("Parse(%q): expected error, got none", expr)
		}
	}
}

func TestParseRejectsUnknownZone(t *testing.T) {
	if _, err := Parse("0 * * * * *", "Mars/Olympus_Mons"); err == nil {
		t.Fatalf("expected error for unknown zone")
	}
}

func TestNextSecondPrecision(t *testing.T) {
	s, err := Parse("*/15 * * * * *", "UTC")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	from := time.Date(2026, 8, 1, 10, 0, 7, 0, time.UTC)
	next := s.Next(from)
	want := time.Date(2026, 8, 1, 10, 0, 15, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("Next: want=%v got=%v", want, next)
	}
}

func TestNextEvaluatesInZone(t *testing.T) {
	// 09:00 wall clock in Brussels is 07:00 UTC during summer time.
	s, err := Parse("0 0 9 * * *", "Europe/Brussels")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	from := time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC)
	next := s.Next(from)
	want := time.Date(2026, 7, 15, 7, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("Next in zone: want=%v got=%v", want, next)
	}
	if next.Location() != time.UTC {
		t.Fatalf("Next must return UTC, got %v", next.Location())
	}
}

func TestNamedDaysAndMonths(t *testing.T) {
	s, err := Parse("0 30 6 * JAN MON", "UTC")
	if err != nil {
		t.Fatalf("Parse named fields: %v", err)
	}
	from := time.Date(2026, 12, 28, 0, 0, 0, 0, time.UTC)
	next := s.Next(from)
	if next.Month() != time.January || next.Weekday() != time.Monday {
		t.Fatalf("named fields: got %v", next)
	}
}

func TestConvenienceExpressionsParse(t *testing.T) {
	for _, expr := range []string{Minutely(), Hourly(), Daily(), Weekly(), Monthly(), Yearly()} {
		if _, err := Parse(expr, "UTC"); err != nil {
			t.Fatalf("convenience expression %q does not parse: %v", expr, err)
		}
	}
}

func TestMinutelyFiresOncePerMinute(t *testing.T) {
	s, _ := Parse(Minutely(), "UTC")
	from := time.Date(2026, 8, 1, 10, 0, 30, 0, time.UTC)
	first := s.Next(from)
	second := s.Next(first)
	if d := second.Sub(first); d != time.Minute {
		t.Fatalf("minutely spacing: want=1m got=%v", d)
	}
}
