package scheduling

import (
	"fmt"
	"strings"
	"time"

	cronv3 "github.com/robfig/cron/v3"
)

/*
Cron expression handling for recurring jobs.

Expressions are standard 6-field cron with second precision:

	second minute hour day-of-month month day-of-week

supporting "/", ",", "-", "*", "?", and named months/days (JAN, MON, ...).
Parsing is strict and happens at registration time; a definition with a bad
expression never reaches storage.

Fire times are computed in the definition's zone and returned in UTC, so
"0 0 9 * * *" in Europe/Brussels fires at 09:00 Brussels wall clock across
DST changes while the rest of the system only ever sees UTC instants.
*/

var parser = cronv3.NewParser(
	cronv3.Second | cronv3.Minute | cronv3.Hour | cronv3.Dom | cronv3.Month | cronv3.Dow,
)

// Schedule is a parsed cron expression bound to a time zone.
type Schedule struct {
	expression string
	zoneID     string
	location   *time.Location
	schedule   cronv3.Schedule
}

// Parse validates expression in zoneID ("" means UTC). Errors are fatal for
// the caller: they indicate a bad registration, not a runtime condition.
func Parse(expression, zoneID string) (*Schedule, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("empty cron expression")
	}
	if zoneID == "" {
		zoneID = "UTC"
	}
	loc, err := time.LoadLocation(zoneID)
	if err != nil {
		return nil, fmt.Errorf("invalid zone id %q: %w", zoneID, err)
	}
	sched, err := parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expression, err)
	}
	return &Schedule{
		expression: expression,
		zoneID:     zoneID,
		location:   loc,
		schedule:   sched,
	}, nil
}

// Next returns the first fire instant strictly after t, in UTC.
func (s *Schedule) Next(t time.Time) time.Time {
	return s.schedule.Next(t.In(s.location)).UTC()
}

func (s *Schedule) Expression() string { return s.expression }
func (s *Schedule) ZoneID() string     { return s.zoneID }

// Convenience expressions mirroring the usual shorthands.

func Minutely() string { return "0 * * * * *" }
func Hourly() string   { return "0 0 * * * *" }
func Daily() string    { return "0 0 0 * * *" }
func Weekly() string   { return "0 0 0 * * 0" }
func Monthly() string  { return "0 0 0 1 * *" }
func Yearly() string   { return "0 0 0 1 1 *" }
