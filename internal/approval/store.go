package approval

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/clearline-io/arbiter/internal/action"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS approval_cases (
    id               TEXT PRIMARY KEY,
    request_id       TEXT NOT NULL,
    proposal_id      TEXT NOT NULL,
    action_id        TEXT NOT NULL,
    requester        TEXT NOT NULL,
    risk             TEXT NOT NULL,
    risk_summary     TEXT NOT NULL,
    expected_outcome TEXT NOT NULL,
    status           TEXT NOT NULL,
    decided_by       TEXT NOT NULL DEFAULT '',
    decided_at       TEXT,
    decision_reason  TEXT NOT NULL DEFAULT '',
    created_at       TEXT NOT NULL,
    escalate_at      TEXT NOT NULL,
    expires_at       TEXT NOT NULL,
    escalated        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_approval_status ON approval_cases(status);
CREATE INDEX IF NOT EXISTS idx_approval_request ON approval_cases(request_id);
`

// Store persists approval cases in SQLite. Terminal transitions use
// conditional updates so concurrent deciders and the sweeper cannot both
// win; exactly one transition out of pending succeeds.
type Store struct {
	db *sql.DB
}

// NewStore initializes the approval schema on db.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("init approval schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Create inserts a new pending case.
func (s *Store) Create(ctx context.Context, c *Case) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_cases
		  (id, request_id, proposal_id, action_id, requester, risk,
		   risk_summary, expected_outcome, status, created_at, escalate_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.RequestID, c.ProposalID, c.ActionID, c.Requester, string(c.Risk),
		c.RiskSummary, c.ExpectedOutcome, string(c.Status),
		c.CreatedAt.UTC().Format(time.RFC3339Nano),
		c.EscalateAt.UTC().Format(time.RFC3339Nano),
		c.ExpiresAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert approval case: %w", err)
	}
	return nil
}

// Get returns a case by id.
func (s *Store) Get(ctx context.Context, id string) (*Case, error) {
	row := s.db.QueryRowContext(ctx, selectCols+` WHERE id = ?`, id)
	c, err := scanCase(row)
	if err == sql.ErrNoRows {
		return nil, ErrCaseNotFound
	}
	return c, err
}

// ListPending returns all pending cases ordered oldest first.
func (s *Store) ListPending(ctx context.Context) ([]*Case, error) {
	return s.list(ctx, selectCols+` WHERE status = ? ORDER BY created_at ASC`, string(StatusPending))
}

// ListByRequest returns every case opened for a request.
func (s *Store) ListByRequest(ctx context.Context, requestID string) ([]*Case, error) {
	return s.list(ctx, selectCols+` WHERE request_id = ? ORDER BY created_at ASC`, requestID)
}

// Decide transitions a pending case to approved or denied. Returns
// ErrCaseNotPending when the case already reached a terminal status,
// including expiry that raced the decider.
func (s *Store) Decide(ctx context.Context, id string, decision Decision, decider, reason string, now time.Time) (*Case, error) {
	var status Status
	switch decision {
	case DecisionApprove:
		status = StatusApproved
	case DecisionDeny:
		status = StatusDenied
	default:
		return nil, ErrInvalidDecision
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_cases
		SET status = ?, decided_by = ?, decided_at = ?, decision_reason = ?
		WHERE id = ? AND status = ?`,
		string(status), decider, now.UTC().Format(time.RFC3339Nano), reason,
		id, string(StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("decide approval case: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("decide approval case: %w", err)
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrCaseNotPending
	}
	return s.Get(ctx, id)
}

// MarkEscalated flips the escalation flag exactly once. Returns true when
// this call won the flip, false when the case was already escalated or is
// no longer pending.
func (s *Store) MarkEscalated(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_cases SET escalated = 1
		WHERE id = ? AND escalated = 0 AND status = ?`,
		id, string(StatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("mark escalated: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark escalated: %w", err)
	}
	return n == 1, nil
}

// Expire transitions a pending, overdue case to expired. Returns false when
// the case was decided first or is not yet due.
func (s *Store) Expire(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_cases
		SET status = ?, decided_at = ?, decision_reason = ?
		WHERE id = ? AND status = ? AND expires_at <= ?`,
		string(StatusExpired), now.UTC().Format(time.RFC3339Nano), CauseApprovalTimeout,
		id, string(StatusPending), now.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("expire approval case: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("expire approval case: %w", err)
	}
	return n == 1, nil
}

// DueEscalations returns pending cases past their escalation time that have
// not yet produced a secondary notification.
func (s *Store) DueEscalations(ctx context.Context, now time.Time) ([]*Case, error) {
	return s.list(ctx, selectCols+`
		WHERE status = ? AND escalated = 0 AND escalate_at <= ?
		ORDER BY escalate_at ASC`,
		string(StatusPending), now.UTC().Format(time.RFC3339Nano))
}

// DueExpiries returns pending cases past their expiry time.
func (s *Store) DueExpiries(ctx context.Context, now time.Time) ([]*Case, error) {
	return s.list(ctx, selectCols+`
		WHERE status = ? AND expires_at <= ?
		ORDER BY expires_at ASC`,
		string(StatusPending), now.UTC().Format(time.RFC3339Nano))
}

const selectCols = `
	SELECT id, request_id, proposal_id, action_id, requester, risk,
	       risk_summary, expected_outcome, status, decided_by, decided_at,
	       decision_reason, created_at, escalate_at, expires_at, escalated
	FROM approval_cases`

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*Case, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query approval cases: %w", err)
	}
	defer rows.Close()

	var cases []*Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (*Case, error) {
	var (
		c          Case
		risk       string
		status     string
		decidedAt  sql.NullString
		createdAt  string
		escalateAt string
		expiresAt  string
		escalated  int
	)
	err := row.Scan(&c.ID, &c.RequestID, &c.ProposalID, &c.ActionID, &c.Requester,
		&risk, &c.RiskSummary, &c.ExpectedOutcome, &status, &c.DecidedBy,
		&decidedAt, &c.DecisionReason, &createdAt, &escalateAt, &expiresAt, &escalated)
	if err != nil {
		return nil, err
	}
	c.Risk = action.RiskLevel(risk)
	c.Status = Status(status)
	c.Escalated = escalated == 1
	if c.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if c.EscalateAt, err = time.Parse(time.RFC3339Nano, escalateAt); err != nil {
		return nil, fmt.Errorf("parse escalate_at: %w", err)
	}
	if c.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	if decidedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, decidedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse decided_at: %w", err)
		}
		c.DecidedAt = &t
	}
	return &c, nil
}
