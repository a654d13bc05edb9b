// Package runtime manages durable agent state: the execution lock, the
// current session, conversation archiving, and check-in slots. All state
// lives in a store so that every decision survives a process restart and is
// visible to concurrent workers.
package runtime

import (
	"time"

	"github.com/kyleturman/houston-sub001/internal/llm"
	"github.com/kyleturman/houston-sub001/internal/usage"
)

// Lock marks an agent as mid-turn. It lives in the store rather than in
// process memory so overlapping triggers from any worker see it.
type Lock struct {
	StartedAt time.Time `json:"started_at"`
	JobID     string    `json:"job_id,omitempty"`
}

// CheckIn is one scheduled wake-up: when it fires and the scheduler job that
// will fire it.
type CheckIn struct {
	At    time.Time `json:"at"`
	JobID string    `json:"job_id,omitempty"`
}

// State is the durable per-agent record.
//
// TurnStartedAt and FeedPeriod belong to the current session and are cleared
// on archive. The check-in slots persist across sessions: ScheduledCheckIn is
// the recurring wake-up, NextFollowUp a one-shot the agent set for itself,
// and OriginalFollowUp preserves the first follow-up time across
// agent-initiated reschedules so drift is bounded.
type State struct {
	ExecutionLock *Lock `json:"execution_lock,omitempty"`

	TurnStartedAt *time.Time `json:"turn_started_at,omitempty"`
	FeedPeriod    string     `json:"feed_period,omitempty"`

	ScheduledCheckIn      *CheckIn   `json:"scheduled_check_in,omitempty"`
	NextFollowUp          *CheckIn   `json:"next_follow_up,omitempty"`
	OriginalFollowUp      *CheckIn   `json:"original_follow_up,omitempty"`
	CheckInLastAdjustedAt *time.Time `json:"check_in_last_adjusted_at,omitempty"`
}

// HistoryRecord is one archived session.
type HistoryRecord struct {
	Messages         []llm.Message `json:"messages"`
	Summary          string        `json:"summary,omitempty"`
	MessageCount     int           `json:"message_count"`
	TokenCount       int64         `json:"token_count"`
	Usage            usage.Usage   `json:"usage"`
	CompletedAt      time.Time     `json:"completed_at"`
	CompletionReason string        `json:"completion_reason"`
}
