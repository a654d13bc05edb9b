package schedule

import (
	"sync"
	"testing"
	"time"
)

// Mon 2026-03-02 is a Monday; Wed 2026-03-04 a Wednesday; Fri 2026-03-06 a
// Friday. All fixtures are UTC.
func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse("2006-01-02 15:04", value)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return ts
}

func TestRuleNextDaily(t *testing.T) {
	rule := Rule{Frequency: FreqDaily, Time: "09:00"}

	// Before today's occurrence: fires today.
	got, ok := rule.Next(mustTime(t, "2026-03-02 08:00"), time.UTC)
	if !ok || !got.Equal(mustTime(t, "2026-03-02 09:00")) {
		t.Fatalf("Next() = (%v, %v), want today 09:00", got, ok)
	}

	// After today's occurrence: fires tomorrow.
	got, ok = rule.Next(mustTime(t, "2026-03-02 09:30"), time.UTC)
	if !ok || !got.Equal(mustTime(t, "2026-03-03 09:00")) {
		t.Fatalf("Next() = (%v, %v), want tomorrow 09:00", got, ok)
	}

	// Exactly at the occurrence: strictly after, so tomorrow.
	got, ok = rule.Next(mustTime(t, "2026-03-02 09:00"), time.UTC)
	if !ok || !got.Equal(mustTime(t, "2026-03-03 09:00")) {
		t.Fatalf("Next() = (%v, %v), want tomorrow 09:00", got, ok)
	}
}

func TestRuleNextWeekdays(t *testing.T) {
	rule := Rule{Frequency: FreqWeekdays, Time: "09:00"}

	// Friday after hours: skips the weekend to Monday.
	got, ok := rule.Next(mustTime(t, "2026-03-06 10:00"), time.UTC)
	if !ok || !got.Equal(mustTime(t, "2026-03-09 09:00")) {
		t.Fatalf("Next() = (%v, %v), want Monday 09:00", got, ok)
	}

	// Saturday: lands on Monday.
	got, ok = rule.Next(mustTime(t, "2026-03-07 08:00"), time.UTC)
	if !ok || !got.Equal(mustTime(t, "2026-03-09 09:00")) {
		t.Fatalf("Next() = (%v, %v), want Monday 09:00", got, ok)
	}
}

func TestRuleNextWeekly(t *testing.T) {
	rule := Rule{Frequency: FreqWeekly, Time: "09:00", DayOfWeek: "monday"}

	// Wednesday: next Monday.
	got, ok := rule.Next(mustTime(t, "2026-03-04 10:00"), time.UTC)
	if !ok || !got.Equal(mustTime(t, "2026-03-09 09:00")) {
		t.Fatalf("Next() = (%v, %v), want next Monday 09:00", got, ok)
	}

	// Monday before the hour: same day.
	got, ok = rule.Next(mustTime(t, "2026-03-02 08:00"), time.UTC)
	if !ok || !got.Equal(mustTime(t, "2026-03-02 09:00")) {
		t.Fatalf("Next() = (%v, %v), want same Monday 09:00", got, ok)
	}

	// Monday after the hour: a full week out.
	got, ok = rule.Next(mustTime(t, "2026-03-02 09:30"), time.UTC)
	if !ok || !got.Equal(mustTime(t, "2026-03-09 09:00")) {
		t.Fatalf("Next() = (%v, %v), want following Monday 09:00", got, ok)
	}
}

func TestRuleNextCron(t *testing.T) {
	rule := Rule{Frequency: FreqCron, Expr: "30 14 * * *"}
	got, ok := rule.Next(mustTime(t, "2026-03-02 10:00"), time.UTC)
	if !ok || !got.Equal(mustTime(t, "2026-03-02 14:30")) {
		t.Fatalf("Next() = (%v, %v), want 14:30 today", got, ok)
	}
}

func TestRuleNextRejectsBadInput(t *testing.T) {
	tests := []Rule{
		{Frequency: FreqNone},
		{},
		{Frequency: FreqDaily, Time: "25:00"},
		{Frequency: FreqDaily, Time: "nine"},
		{Frequency: FreqWeekly, Time: "09:00", DayOfWeek: "someday"},
		{Frequency: FreqWeekly, Time: ""},
		{Frequency: FreqCron, Expr: "not a cron expr"},
		{Frequency: "hourly", Time: "09:00"},
	}
	for _, rule := range tests {
		if _, ok := rule.Next(mustTime(t, "2026-03-02 08:00"), time.UTC); ok {
			t.Errorf("Next(%+v) ok = true, want false", rule)
		}
	}
}

func TestTimerSchedulerFiresAndCancels(t *testing.T) {
	var mu sync.Mutex
	var fired []string
	done := make(chan struct{})
	s := NewTimerScheduler(func(payload string) {
		mu.Lock()
		fired = append(fired, payload)
		mu.Unlock()
		close(done)
	})
	defer s.Stop()

	cancelled, err := s.ScheduleAt(time.Now().Add(time.Hour), "late")
	if err != nil {
		t.Fatalf("ScheduleAt() error = %v", err)
	}
	if err := s.Cancel(cancelled); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	if _, err := s.ScheduleAt(time.Now().Add(5*time.Millisecond), "soon"); err != nil {
		t.Fatalf("ScheduleAt() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled job never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 || fired[0] != "soon" {
		t.Fatalf("fired = %v, want only the pending job", fired)
	}
}

func TestTimerSchedulerCancelUnknownID(t *testing.T) {
	s := NewTimerScheduler(nil)
	if err := s.Cancel("nope"); err != nil {
		t.Fatalf("Cancel() error = %v, want nil for unknown id", err)
	}
}
