package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS orchestration_states (
    request_id       TEXT PRIMARY KEY,
    phase            TEXT NOT NULL,
    terminal         INTEGER NOT NULL DEFAULT 0,
    cancel_requested INTEGER NOT NULL DEFAULT 0,
    state_json       TEXT NOT NULL,
    lease_holder     TEXT NOT NULL DEFAULT '',
    lease_expires_at TEXT NOT NULL DEFAULT '',
    created_at       TEXT NOT NULL,
    updated_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_states_terminal ON orchestration_states(terminal);
`

// Store persists orchestration states in SQLite. The lease columns enforce
// the single-writer invariant: only the lease holder may save, terminal
// rows never change, and a second driver's acquire attempt no-ops.
type Store struct {
	db *sql.DB
}

// NewStore initializes the orchestration schema on db.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("init orchestration schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Create inserts a freshly accepted request's state.
func (s *Store) Create(ctx context.Context, st *State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orchestration_states (request_id, phase, terminal, state_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		st.Request.ID, string(st.Phase), boolToInt(st.Phase.Terminal()), string(raw),
		st.CreatedAt.UTC().Format(time.RFC3339Nano),
		st.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert state: %w", err)
	}
	return nil
}

// Get loads a state by request id. The persisted cancel flag is folded into
// the returned state so drivers observe cancellations requested while they
// were not holding the lease.
func (s *Store) Get(ctx context.Context, requestID string) (*State, error) {
	var raw string
	var cancel int
	err := s.db.QueryRowContext(ctx, `
		SELECT state_json, cancel_requested FROM orchestration_states WHERE request_id = ?`,
		requestID).Scan(&raw, &cancel)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	if cancel == 1 {
		st.CancelRequested = true
	}
	return &st, nil
}

// Save persists st. Only the current lease holder may write, and terminal
// rows are immutable; a save transitioning into a terminal phase is the
// one write allowed to set the terminal flag.
func (s *Store) Save(ctx context.Context, st *State, holder string) error {
	st.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE orchestration_states
		SET phase = ?, terminal = ?, state_json = ?, updated_at = ?
		WHERE request_id = ? AND lease_holder = ? AND terminal = 0`,
		string(st.Phase), boolToInt(st.Phase.Terminal()), string(raw),
		st.UpdatedAt.Format(time.RFC3339Nano),
		st.Request.ID, holder,
	)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("save state %s: %w", st.Request.ID, ErrLeaseHeld)
	}
	return nil
}

// AcquireLease claims the request for holder. Re-acquiring one's own lease
// extends it; a live lease held elsewhere makes the call report false.
func (s *Store) AcquireLease(ctx context.Context, requestID, holder string, ttl time.Duration, now time.Time) (bool, error) {
	nowStr := now.UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		UPDATE orchestration_states
		SET lease_holder = ?, lease_expires_at = ?
		WHERE request_id = ?
		  AND (lease_holder = '' OR lease_holder = ? OR lease_expires_at <= ?)`,
		holder, now.UTC().Add(ttl).Format(time.RFC3339Nano),
		requestID, holder, nowStr,
	)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return n == 1, nil
}

// ReleaseLease gives the lease back if holder still owns it.
func (s *Store) ReleaseLease(ctx context.Context, requestID, holder string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orchestration_states
		SET lease_holder = '', lease_expires_at = ''
		WHERE request_id = ? AND lease_holder = ?`,
		requestID, holder,
	)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// RequestCancel sets the cancel flag without touching the state blob, so an
// owner can cancel while a driver holds the lease. The driver folds the
// flag in on its next step.
func (s *Store) RequestCancel(ctx context.Context, requestID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orchestration_states SET cancel_requested = 1
		WHERE request_id = ? AND terminal = 0`,
		requestID,
	)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if n == 0 {
		return ErrTerminal
	}
	return nil
}

// ListActive returns the ids of all non-terminal requests, oldest first.
func (s *Store) ListActive(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id FROM orchestration_states
		WHERE terminal = 0 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list active states: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PurgeTerminal deletes terminal states last updated before the cutoff.
// Audit-trail purging is separate and separately audited.
func (s *Store) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM orchestration_states WHERE terminal = 1 AND updated_at < ?`,
		before.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("purge terminal states: %w", err)
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
