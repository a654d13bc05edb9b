// Package schedule computes check-in recurrence times and runs one-shot
// scheduled jobs.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Frequency selects a recurrence shape.
type Frequency string

const (
	FreqDaily    Frequency = "daily"
	FreqWeekdays Frequency = "weekdays"
	FreqWeekly   Frequency = "weekly"
	FreqCron     Frequency = "cron"
	FreqNone     Frequency = "none"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Rule describes one recurrence. Time is a 24h "HH:MM" wall-clock value;
// DayOfWeek applies to weekly rules; Expr applies to cron rules.
type Rule struct {
	Frequency Frequency `yaml:"frequency" json:"frequency"`
	Time      string    `yaml:"time,omitempty" json:"time,omitempty"`
	DayOfWeek string    `yaml:"day_of_week,omitempty" json:"day_of_week,omitempty"`
	Expr      string    `yaml:"expr,omitempty" json:"expr,omitempty"`
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Next computes the first occurrence of the rule strictly after now, in the
// given location. It reports false for "none", malformed rules, and cron
// expressions with no future occurrence. The occurrence always lands in the
// future: a rule whose wall-clock time already passed today resolves to the
// next qualifying day.
func (r Rule) Next(now time.Time, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = now.Location()
	}
	now = now.In(loc)

	switch r.Frequency {
	case FreqNone, "":
		return time.Time{}, false

	case FreqDaily:
		at, ok := r.clockToday(now, loc)
		if !ok {
			return time.Time{}, false
		}
		if !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		return at, true

	case FreqWeekdays:
		at, ok := r.clockToday(now, loc)
		if !ok {
			return time.Time{}, false
		}
		if !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		for at.Weekday() == time.Saturday || at.Weekday() == time.Sunday {
			at = at.AddDate(0, 0, 1)
		}
		return at, true

	case FreqWeekly:
		day, ok := weekdayNames[strings.ToLower(strings.TrimSpace(r.DayOfWeek))]
		if !ok {
			return time.Time{}, false
		}
		at, ok := r.clockToday(now, loc)
		if !ok {
			return time.Time{}, false
		}
		for at.Weekday() != day || !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		return at, true

	case FreqCron:
		sched, err := cronParser.Parse(r.Expr)
		if err != nil {
			return time.Time{}, false
		}
		next := sched.Next(now)
		return next, !next.IsZero()

	default:
		return time.Time{}, false
	}
}

// clockToday anchors the rule's wall-clock time on now's date.
func (r Rule) clockToday(now time.Time, loc *time.Location) (time.Time, bool) {
	hour, minute, err := parseClock(r.Time)
	if err != nil {
		return time.Time{}, false
	}
	return time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc), true
}

func parseClock(value string) (int, int, error) {
	parts := strings.SplitN(strings.TrimSpace(value), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q", value)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", value)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", value)
	}
	return hour, minute, nil
}
