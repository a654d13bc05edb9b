package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kyleturman/houston-sub001/internal/schedule"
	"github.com/kyleturman/houston-sub001/internal/usage"
)

// ErrLockHeld reports that another run currently holds the execution lock.
var ErrLockHeld = errors.New("runtime: execution lock held")

// defaultSessionTimeout is how long an untouched session stays live before a
// new run archives it first.
const defaultSessionTimeout = 2 * time.Hour

// Slot names the check-in slots a Machine manages.
type Slot string

const (
	SlotScheduledCheckIn Slot = "scheduled_check_in"
	SlotNextFollowUp     Slot = "next_follow_up"
	SlotOriginalFollowUp Slot = "original_follow_up"
)

// Machine drives per-agent lifecycle transitions on top of a Store. The
// execution lock, session boundaries, and check-in slots are all expressed
// as store mutations so that overlapping triggers from any process resolve
// the same way.
type Machine struct {
	store          Store
	scheduler      schedule.Scheduler
	clock          func() time.Time
	logger         *slog.Logger
	sessionTimeout time.Duration
}

// MachineConfig holds construction parameters; zero values get defaults.
type MachineConfig struct {
	Store          Store
	Scheduler      schedule.Scheduler
	Clock          func() time.Time
	Logger         *slog.Logger
	SessionTimeout time.Duration
}

// NewMachine creates a machine over the given store.
func NewMachine(cfg MachineConfig) (*Machine, error) {
	if cfg.Store == nil {
		return nil, errors.New("runtime: store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = defaultSessionTimeout
	}
	return &Machine{
		store:          cfg.Store,
		scheduler:      cfg.Scheduler,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		sessionTimeout: cfg.SessionTimeout,
	}, nil
}

// Store exposes the underlying store for conversation access.
func (m *Machine) Store() Store {
	return m.store
}

// ClaimExecutionLock attempts to take the agent's execution lock. A held
// lock yields (false, nil) so callers can skip the run rather than fail it;
// locks older than the session timeout are considered abandoned and taken
// over.
func (m *Machine) ClaimExecutionLock(ctx context.Context, agentID, jobID string) (bool, error) {
	now := m.clock()
	err := m.store.Mutate(ctx, agentID, func(s *State) error {
		if s.ExecutionLock != nil {
			age := now.Sub(s.ExecutionLock.StartedAt)
			if age < m.sessionTimeout {
				return ErrLockHeld
			}
			m.logger.Warn("taking over abandoned execution lock",
				"agent", agentID,
				"held_for", age)
		}
		s.ExecutionLock = &Lock{StartedAt: now, JobID: jobID}
		return nil
	})
	if errors.Is(err, ErrLockHeld) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ReleaseExecutionLock clears the lock and nothing else.
func (m *Machine) ReleaseExecutionLock(ctx context.Context, agentID string) error {
	return m.store.Mutate(ctx, agentID, func(s *State) error {
		s.ExecutionLock = nil
		return nil
	})
}

// StartTurnIfNeeded stamps the session start if no session is live. Calling
// it again inside a live session is a no-op.
func (m *Machine) StartTurnIfNeeded(ctx context.Context, agentID, feedPeriod string) error {
	now := m.clock()
	return m.store.Mutate(ctx, agentID, func(s *State) error {
		if s.TurnStartedAt != nil {
			return nil
		}
		s.TurnStartedAt = &now
		s.FeedPeriod = feedPeriod
		return nil
	})
}

// ArchiveTurn closes the current session: the conversation moves to history
// and the session keys are cleared. Check-in slots survive, since wake-ups
// outlive any one session.
func (m *Machine) ArchiveTurn(ctx context.Context, agentID, reason string, u usage.Usage) (*HistoryRecord, error) {
	record, err := m.store.ArchiveAndClear(ctx, agentID, reason, u)
	if err != nil {
		return nil, fmt.Errorf("archive conversation: %w", err)
	}
	err = m.store.Mutate(ctx, agentID, func(s *State) error {
		s.TurnStartedAt = nil
		s.FeedPeriod = ""
		return nil
	})
	if err != nil {
		return record, err
	}
	if record != nil {
		m.logger.Info("session archived",
			"agent", agentID,
			"reason", reason,
			"messages", record.MessageCount)
	}
	return record, nil
}

// ArchiveIfStale archives the live session when it outlived the session
// timeout. Staleness is checked lazily at the start of a run rather than by
// a background sweeper.
func (m *Machine) ArchiveIfStale(ctx context.Context, agentID string) error {
	state, err := m.store.State(ctx, agentID)
	if err != nil {
		return err
	}
	if state.TurnStartedAt == nil {
		return nil
	}
	if m.clock().Sub(*state.TurnStartedAt) < m.sessionTimeout {
		return nil
	}
	_, err = m.ArchiveTurn(ctx, agentID, "stale", usage.Usage{})
	return err
}

// SetCheckIn points a slot at a wake-up time, cancelling the slot's previous
// scheduler job first so exactly one job backs each slot. Setting the
// follow-up slot records the original time on first set and leaves it
// untouched on reschedules.
func (m *Machine) SetCheckIn(ctx context.Context, agentID string, slot Slot, at time.Time, payload string) error {
	jobID := ""
	if m.scheduler != nil {
		id, err := m.scheduler.ScheduleAt(at, payload)
		if err != nil {
			return fmt.Errorf("schedule check-in: %w", err)
		}
		jobID = id
	}

	now := m.clock()
	return m.store.Mutate(ctx, agentID, func(s *State) error {
		checkIn := &CheckIn{At: at, JobID: jobID}
		switch slot {
		case SlotScheduledCheckIn:
			m.cancelJob(s.ScheduledCheckIn)
			s.ScheduledCheckIn = checkIn
		case SlotNextFollowUp:
			m.cancelJob(s.NextFollowUp)
			s.NextFollowUp = checkIn
			if s.OriginalFollowUp == nil {
				s.OriginalFollowUp = &CheckIn{At: at}
			}
			s.CheckInLastAdjustedAt = &now
		default:
			return fmt.Errorf("runtime: cannot set slot %q", slot)
		}
		return nil
	})
}

// ClearCheckIn empties a slot and cancels its pending job. Clearing the
// follow-up slot also clears the preserved original, since without a pending
// follow-up the original time has nothing to anchor.
func (m *Machine) ClearCheckIn(ctx context.Context, agentID string, slot Slot) error {
	return m.store.Mutate(ctx, agentID, func(s *State) error {
		switch slot {
		case SlotScheduledCheckIn:
			m.cancelJob(s.ScheduledCheckIn)
			s.ScheduledCheckIn = nil
		case SlotNextFollowUp:
			m.cancelJob(s.NextFollowUp)
			s.NextFollowUp = nil
			s.OriginalFollowUp = nil
		case SlotOriginalFollowUp:
			s.OriginalFollowUp = nil
		default:
			return fmt.Errorf("runtime: unknown slot %q", slot)
		}
		return nil
	})
}

func (m *Machine) cancelJob(c *CheckIn) {
	if c == nil || c.JobID == "" || m.scheduler == nil {
		return
	}
	if err := m.scheduler.Cancel(c.JobID); err != nil {
		m.logger.Warn("cancel scheduled job failed", "job", c.JobID, "error", err)
	}
}
