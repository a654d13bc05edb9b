package backoff

import (
	"context"
	"testing"
	"time"
)

func TestDelayGrowsExponentially(t *testing.T) {
	p := Policy{Initial: time.Second, Max: time.Minute, Factor: 2}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
	}
	for _, tc := range cases {
		if got := p.delayWithRand(tc.attempt, 0); got != tc.want {
			t.Errorf("delay(attempt=%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestDelayCappedAtMax(t *testing.T) {
	p := Policy{Initial: time.Second, Max: 5 * time.Second, Factor: 2}
	if got := p.delayWithRand(10, 0); got != 5*time.Second {
		t.Errorf("delay(attempt=10) = %v, want 5s cap", got)
	}
}

func TestDelayJitterBounded(t *testing.T) {
	p := Policy{Initial: time.Second, Max: time.Minute, Factor: 2, Jitter: 0.5}
	lo := p.delayWithRand(2, 0)
	hi := p.delayWithRand(2, 0.999)
	if lo != 2*time.Second {
		t.Errorf("zero-jitter delay = %v, want 2s", lo)
	}
	if hi < lo || hi > 3*time.Second {
		t.Errorf("jittered delay = %v, want within (2s, 3s]", hi)
	}
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{Initial: time.Hour, Max: time.Hour, Factor: 1}
	if err := Sleep(ctx, p, 1); err != context.Canceled {
		t.Errorf("Sleep() error = %v, want context.Canceled", err)
	}
}
