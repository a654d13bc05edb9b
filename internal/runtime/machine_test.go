package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kyleturman/houston-sub001/internal/llm"
	"github.com/kyleturman/houston-sub001/internal/usage"
)

func newTestMachine(t *testing.T, clock func() time.Time) (*Machine, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	m, err := NewMachine(MachineConfig{Store: store, Clock: clock})
	if err != nil {
		t.Fatalf("NewMachine() error = %v", err)
	}
	return m, store
}

func TestClaimExecutionLockExactlyOneWinner(t *testing.T) {
	m, _ := newTestMachine(t, nil)
	ctx := context.Background()

	const workers = 16
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.ClaimExecutionLock(ctx, "a1", "job")
			if err != nil {
				t.Errorf("ClaimExecutionLock() error = %v", err)
				return
			}
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("got %d lock winners, want exactly 1", wins)
	}
}

func TestClaimExecutionLockSkipsWhenHeld(t *testing.T) {
	m, _ := newTestMachine(t, nil)
	ctx := context.Background()

	ok, err := m.ClaimExecutionLock(ctx, "a1", "first")
	if err != nil || !ok {
		t.Fatalf("first claim = (%v, %v), want success", ok, err)
	}
	ok, err = m.ClaimExecutionLock(ctx, "a1", "second")
	if err != nil {
		t.Fatalf("second claim error = %v, want nil (skip, not failure)", err)
	}
	if ok {
		t.Fatal("second claim succeeded while lock held")
	}

	if err := m.ReleaseExecutionLock(ctx, "a1"); err != nil {
		t.Fatalf("ReleaseExecutionLock() error = %v", err)
	}
	ok, err = m.ClaimExecutionLock(ctx, "a1", "third")
	if err != nil || !ok {
		t.Fatalf("claim after release = (%v, %v), want success", ok, err)
	}
}

func TestClaimExecutionLockTakesOverAbandoned(t *testing.T) {
	now := time.Now()
	m, store := newTestMachine(t, func() time.Time { return now })
	ctx := context.Background()

	stale := now.Add(-3 * time.Hour)
	store.Mutate(ctx, "a1", func(s *State) error {
		s.ExecutionLock = &Lock{StartedAt: stale, JobID: "dead"}
		return nil
	})

	ok, err := m.ClaimExecutionLock(ctx, "a1", "fresh")
	if err != nil || !ok {
		t.Fatalf("claim over abandoned lock = (%v, %v), want success", ok, err)
	}
	state, _ := store.State(ctx, "a1")
	if state.ExecutionLock == nil || state.ExecutionLock.JobID != "fresh" {
		t.Fatalf("lock = %+v, want replaced", state.ExecutionLock)
	}
}

func TestStartTurnIfNeededIsIdempotent(t *testing.T) {
	base := time.Now()
	current := base
	m, store := newTestMachine(t, func() time.Time { return current })
	ctx := context.Background()

	if err := m.StartTurnIfNeeded(ctx, "a1", "morning"); err != nil {
		t.Fatalf("StartTurnIfNeeded() error = %v", err)
	}
	current = base.Add(10 * time.Minute)
	if err := m.StartTurnIfNeeded(ctx, "a1", "evening"); err != nil {
		t.Fatalf("StartTurnIfNeeded() error = %v", err)
	}

	state, _ := store.State(ctx, "a1")
	if state.TurnStartedAt == nil || !state.TurnStartedAt.Equal(base) {
		t.Fatalf("TurnStartedAt = %v, want original %v", state.TurnStartedAt, base)
	}
	if state.FeedPeriod != "morning" {
		t.Fatalf("FeedPeriod = %q, want original", state.FeedPeriod)
	}
}

func TestArchiveTurnClearsOnlySessionKeys(t *testing.T) {
	m, store := newTestMachine(t, nil)
	ctx := context.Background()

	checkInAt := time.Now().Add(time.Hour)
	store.Mutate(ctx, "a1", func(s *State) error {
		now := time.Now()
		s.TurnStartedAt = &now
		s.FeedPeriod = "morning"
		s.ScheduledCheckIn = &CheckIn{At: checkInAt}
		s.NextFollowUp = &CheckIn{At: checkInAt}
		return nil
	})
	store.AppendMessages(ctx, "a1",
		llm.Message{Role: llm.RoleUser, Text: "hi"},
		llm.Message{Role: llm.RoleAssistant, Text: "hello"},
	)

	record, err := m.ArchiveTurn(ctx, "a1", "task_complete", usage.Usage{InputTokens: 10, OutputTokens: 4})
	if err != nil {
		t.Fatalf("ArchiveTurn() error = %v", err)
	}
	if record == nil || record.MessageCount != 2 || record.CompletionReason != "task_complete" {
		t.Fatalf("record = %+v", record)
	}
	if record.TokenCount != 14 {
		t.Fatalf("TokenCount = %d, want 14", record.TokenCount)
	}

	state, _ := store.State(ctx, "a1")
	if state.TurnStartedAt != nil || state.FeedPeriod != "" {
		t.Fatalf("session keys not cleared: %+v", state)
	}
	if state.ScheduledCheckIn == nil || state.NextFollowUp == nil {
		t.Fatal("check-in slots were cleared by archive")
	}

	msgs, _ := store.Messages(ctx, "a1")
	if len(msgs) != 0 {
		t.Fatalf("conversation not cleared: %d messages remain", len(msgs))
	}
}

func TestArchiveTurnEmptyConversation(t *testing.T) {
	m, _ := newTestMachine(t, nil)
	record, err := m.ArchiveTurn(context.Background(), "a1", "task_complete", usage.Usage{})
	if err != nil {
		t.Fatalf("ArchiveTurn() error = %v", err)
	}
	if record != nil {
		t.Fatalf("record = %+v, want nil for empty conversation", record)
	}
}

func TestArchiveIfStale(t *testing.T) {
	base := time.Now()
	current := base
	m, store := newTestMachine(t, func() time.Time { return current })
	ctx := context.Background()

	m.StartTurnIfNeeded(ctx, "a1", "")
	store.AppendMessages(ctx, "a1", llm.Message{Role: llm.RoleUser, Text: "hi"})

	// Fresh session stays live.
	current = base.Add(30 * time.Minute)
	if err := m.ArchiveIfStale(ctx, "a1"); err != nil {
		t.Fatalf("ArchiveIfStale() error = %v", err)
	}
	if state, _ := store.State(ctx, "a1"); state.TurnStartedAt == nil {
		t.Fatal("fresh session was archived")
	}

	// Past the timeout it archives.
	current = base.Add(3 * time.Hour)
	if err := m.ArchiveIfStale(ctx, "a1"); err != nil {
		t.Fatalf("ArchiveIfStale() error = %v", err)
	}
	if state, _ := store.State(ctx, "a1"); state.TurnStartedAt != nil {
		t.Fatal("stale session was not archived")
	}
	records, _ := store.History(ctx, "a1", 0)
	if len(records) != 1 || records[0].CompletionReason != "stale" {
		t.Fatalf("history = %+v, want one stale record", records)
	}
}

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []string
	cancelled []string
	nextID    int
}

func (f *fakeScheduler) ScheduleAt(at time.Time, payload string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := payload
	if id == "" {
		id = "job"
	}
	id = id + "-" + time.Duration(f.nextID).String()
	f.scheduled = append(f.scheduled, id)
	return id, nil
}

func (f *fakeScheduler) Cancel(jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

func TestSetCheckInCancelsPreviousJob(t *testing.T) {
	store := NewMemoryStore()
	sched := &fakeScheduler{}
	m, err := NewMachine(MachineConfig{Store: store, Scheduler: sched})
	if err != nil {
		t.Fatalf("NewMachine() error = %v", err)
	}
	ctx := context.Background()
	at := time.Now().Add(time.Hour)

	if err := m.SetCheckIn(ctx, "a1", SlotNextFollowUp, at, "p1"); err != nil {
		t.Fatalf("SetCheckIn() error = %v", err)
	}
	state, _ := store.State(ctx, "a1")
	firstJob := state.NextFollowUp.JobID

	if err := m.SetCheckIn(ctx, "a1", SlotNextFollowUp, at.Add(time.Hour), "p2"); err != nil {
		t.Fatalf("SetCheckIn() error = %v", err)
	}
	sched.mu.Lock()
	defer sched.mu.Unlock()
	if len(sched.cancelled) != 1 || sched.cancelled[0] != firstJob {
		t.Fatalf("cancelled = %v, want [%s]", sched.cancelled, firstJob)
	}
}

func TestFollowUpPreservesOriginal(t *testing.T) {
	store := NewMemoryStore()
	m, _ := NewMachine(MachineConfig{Store: store})
	ctx := context.Background()

	first := time.Now().Add(time.Hour).Truncate(time.Second)
	later := first.Add(2 * time.Hour)

	m.SetCheckIn(ctx, "a1", SlotNextFollowUp, first, "")
	m.SetCheckIn(ctx, "a1", SlotNextFollowUp, later, "")

	state, _ := store.State(ctx, "a1")
	if state.NextFollowUp == nil || !state.NextFollowUp.At.Equal(later) {
		t.Fatalf("NextFollowUp = %+v, want rescheduled time", state.NextFollowUp)
	}
	if state.OriginalFollowUp == nil || !state.OriginalFollowUp.At.Equal(first) {
		t.Fatalf("OriginalFollowUp = %+v, want first time preserved", state.OriginalFollowUp)
	}
}

func TestClearFollowUpAlsoClearsOriginal(t *testing.T) {
	store := NewMemoryStore()
	m, _ := NewMachine(MachineConfig{Store: store})
	ctx := context.Background()

	m.SetCheckIn(ctx, "a1", SlotNextFollowUp, time.Now().Add(time.Hour), "")
	if err := m.ClearCheckIn(ctx, "a1", SlotNextFollowUp); err != nil {
		t.Fatalf("ClearCheckIn() error = %v", err)
	}

	state, _ := store.State(ctx, "a1")
	if state.NextFollowUp != nil || state.OriginalFollowUp != nil {
		t.Fatalf("state = %+v, want both follow-up slots empty", state)
	}
}

func TestClearScheduledCheckInLeavesFollowUp(t *testing.T) {
	store := NewMemoryStore()
	m, _ := NewMachine(MachineConfig{Store: store})
	ctx := context.Background()

	at := time.Now().Add(time.Hour)
	m.SetCheckIn(ctx, "a1", SlotScheduledCheckIn, at, "")
	m.SetCheckIn(ctx, "a1", SlotNextFollowUp, at, "")

	if err := m.ClearCheckIn(ctx, "a1", SlotScheduledCheckIn); err != nil {
		t.Fatalf("ClearCheckIn() error = %v", err)
	}
	state, _ := store.State(ctx, "a1")
	if state.ScheduledCheckIn != nil {
		t.Fatal("scheduled check-in not cleared")
	}
	if state.NextFollowUp == nil {
		t.Fatal("follow-up cleared by unrelated slot")
	}
}
