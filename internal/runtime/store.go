package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/kyleturman/houston-sub001/internal/llm"
	"github.com/kyleturman/houston-sub001/internal/usage"
)

// Store persists per-agent runtime state, the live conversation, and session
// history.
//
// Mutate is the only write path for State and must be atomic per agent:
// the callback observes the current state and either commits its changes or
// aborts by returning an error. Lock claims ride on this so that two workers
// can never both see the lock as free.
type Store interface {
	State(ctx context.Context, agentID string) (State, error)
	Mutate(ctx context.Context, agentID string, fn func(*State) error) error

	Messages(ctx context.Context, agentID string) ([]llm.Message, error)
	AppendMessages(ctx context.Context, agentID string, msgs ...llm.Message) error

	// ArchiveAndClear moves the live conversation into a history record and
	// empties it. Archiving an empty conversation returns nil without
	// writing a record.
	ArchiveAndClear(ctx context.Context, agentID, reason string, u usage.Usage) (*HistoryRecord, error)
	History(ctx context.Context, agentID string, limit int) ([]HistoryRecord, error)
}

// MemoryStore is the in-process Store used by tests and single-shot CLI runs.
type MemoryStore struct {
	mu       sync.Mutex
	states   map[string]State
	messages map[string][]llm.Message
	history  map[string][]HistoryRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:   make(map[string]State),
		messages: make(map[string][]llm.Message),
		history:  make(map[string][]HistoryRecord),
	}
}

func (s *MemoryStore) State(ctx context.Context, agentID string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[agentID], nil
}

func (s *MemoryStore) Mutate(ctx context.Context, agentID string, fn func(*State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.states[agentID]
	if err := fn(&state); err != nil {
		return err
	}
	s.states[agentID] = state
	return nil
}

func (s *MemoryStore) Messages(ctx context.Context, agentID string) ([]llm.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, len(s.messages[agentID]))
	copy(out, s.messages[agentID])
	return out, nil
}

func (s *MemoryStore) AppendMessages(ctx context.Context, agentID string, msgs ...llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[agentID] = append(s.messages[agentID], msgs...)
	return nil
}

func (s *MemoryStore) ArchiveAndClear(ctx context.Context, agentID, reason string, u usage.Usage) (*HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[agentID]
	if len(msgs) == 0 {
		return nil, nil
	}
	record := HistoryRecord{
		Messages:         msgs,
		MessageCount:     len(msgs),
		TokenCount:       u.Total(),
		Usage:            u,
		CompletedAt:      time.Now().UTC(),
		CompletionReason: reason,
	}
	s.history[agentID] = append(s.history[agentID], record)
	s.messages[agentID] = nil
	return &record, nil
}

func (s *MemoryStore) History(ctx context.Context, agentID string, limit int) ([]HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.history[agentID]
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	out := make([]HistoryRecord, len(records))
	copy(out, records)
	return out, nil
}
