package runtime

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kyleturman/houston-sub001/internal/llm"
	"github.com/kyleturman/houston-sub001/internal/usage"
)

// SQLiteStore is the durable Store. State rows hold the serialized State per
// agent. Writes within one process serialize on a single connection, and
// transactions start immediate so a second process sharing the file blocks on
// the busy timeout instead of failing mid-write.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agent_state (
	agent_id TEXT PRIMARY KEY,
	state    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS agent_messages (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id TEXT NOT NULL,
	message  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_messages_agent ON agent_messages(agent_id);
CREATE TABLE IF NOT EXISTS agent_history (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id     TEXT NOT NULL,
	record       TEXT NOT NULL,
	completed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_history_agent ON agent_history(agent_id);
`

// OpenSQLiteStore opens or creates the database at path and applies the
// schema. A single writer connection avoids lock contention in the driver.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) State(ctx context.Context, agentID string) (State, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM agent_state WHERE agent_id = ?`, agentID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("load state: %w", err)
	}
	var state State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return State{}, fmt.Errorf("decode state: %w", err)
	}
	return state, nil
}

func (s *SQLiteStore) Mutate(ctx context.Context, agentID string, fn func(*State) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mutate: %w", err)
	}
	defer tx.Rollback()

	// The pool is capped at one connection, so the read-modify-write below
	// cannot interleave with another Mutate on this store; the immediate
	// transaction covers writers in other processes sharing the file.
	var state State
	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM agent_state WHERE agent_id = ?`, agentID).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("load state: %w", err)
	default:
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			return fmt.Errorf("decode state: %w", err)
		}
	}

	if err := fn(&state); err != nil {
		return err
	}

	encoded, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agent_state (agent_id, state) VALUES (?, ?)
		ON CONFLICT (agent_id) DO UPDATE SET state = excluded.state
	`, agentID, string(encoded)); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Messages(ctx context.Context, agentID string) ([]llm.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message FROM agent_messages WHERE agent_id = ? ORDER BY id`, agentID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var out []llm.Message
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var msg llm.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendMessages(ctx context.Context, agentID string, msgs ...llm.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	for _, msg := range msgs {
		encoded, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agent_messages (agent_id, message) VALUES (?, ?)`,
			agentID, string(encoded)); err != nil {
			return fmt.Errorf("append message: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ArchiveAndClear(ctx context.Context, agentID, reason string, u usage.Usage) (*HistoryRecord, error) {
	msgs, err := s.Messages(ctx, agentID)
	if err != nil {
		return nil, err
	}
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
	encoded, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode history record: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin archive: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO agent_history (agent_id, record, completed_at) VALUES (?, ?, ?)`,
		agentID, string(encoded), record.CompletedAt.Format(time.RFC3339Nano)); err != nil {
		return nil, fmt.Errorf("write history: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM agent_messages WHERE agent_id = ?`, agentID); err != nil {
		return nil, fmt.Errorf("clear messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *SQLiteStore) History(ctx context.Context, agentID string, limit int) ([]HistoryRecord, error) {
	query := `SELECT record FROM agent_history WHERE agent_id = ? ORDER BY id DESC`
	args := []any{agentID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var out []HistoryRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var record HistoryRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, fmt.Errorf("decode history record: %w", err)
		}
		out = append(out, record)
	}
	// Newest-first from the query; return oldest-first like MemoryStore.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}
