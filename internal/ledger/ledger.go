// Package ledger tracks per-request and aggregate consumption — inference
// invocations, tokens, action executions — against configured ceilings.
//
// The single-invocation guarantee lives here: ReserveInference performs an
// atomic check-and-increment (a conditional UPDATE in SQLite), so a retried
// or duplicated Reason phase fails closed with ErrBudgetExceeded instead of
// dispatching a second model call. Token ceilings are checked before
// dispatch; actual usage reported by the inference collaborator is
// reconciled afterwards for accounting.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	arbotel "github.com/clearline-io/arbiter/internal/otel"
)

var tracer = arbotel.Tracer("github.com/clearline-io/arbiter/internal/ledger")

var (
	// ErrBudgetExceeded means a per-request or aggregate invocation ceiling
	// was already consumed. This is a policy refusal, not a system error.
	ErrBudgetExceeded = errors.New("budget_exceeded")
	// ErrTokenCeiling means a token count exceeds its configured ceiling.
	// Requests over the ceiling are rejected pre-dispatch, never truncated.
	ErrTokenCeiling = errors.New("token ceiling exceeded")
	// ErrActionCeiling means the per-request action execution ceiling was hit.
	ErrActionCeiling = errors.New("action execution ceiling exceeded")
)

// Limits holds configured ceilings. Zero aggregate values mean unlimited;
// per-request values must be positive.
type Limits struct {
	InferencePerRequest  int   // at most one by contract; kept explicit for tests
	MaxInputTokens       int   // per inference dispatch
	MaxOutputTokens      int   // per inference dispatch
	ActionsPerRequest    int   // executed actions per request
	AggregateInvocations int64 // process-lifetime inference ceiling, 0 = unlimited
}

// DefaultLimits returns the standard orchestration ceilings.
func DefaultLimits(maxInput, maxOutput int) Limits {
	return Limits{
		InferencePerRequest: 1,
		MaxInputTokens:      maxInput,
		MaxOutputTokens:     maxOutput,
		ActionsPerRequest:   8,
	}
}

// Usage is the recorded consumption for one request.
type Usage struct {
	RequestID            string `json:"request_id"`
	InferenceInvocations int    `json:"inference_invocations"`
	InputTokens          int    `json:"input_tokens"`
	OutputTokens         int    `json:"output_tokens"`
	ActionExecutions     int    `json:"action_executions"`
}

// Ledger persists budget counters in SQLite. Safe for concurrent use; all
// increments are single conditional UPDATE statements.
type Ledger struct {
	db     *sql.DB
	limits Limits
}

// New opens (or creates) the ledger tables on the given database.
func New(db *sql.DB, limits Limits) (*Ledger, error) {
	if limits.InferencePerRequest <= 0 || limits.ActionsPerRequest <= 0 {
		return nil, fmt.Errorf("per-request ceilings must be positive")
	}
	schema := `
	CREATE TABLE IF NOT EXISTS budget_ledger (
		request_id TEXT PRIMARY KEY,
		inference_invocations INTEGER NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		action_executions INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS budget_aggregate (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		inference_invocations INTEGER NOT NULL DEFAULT 0
	);
	INSERT OR IGNORE INTO budget_aggregate (id, inference_invocations) VALUES (1, 0);
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}
	return &Ledger{db: db, limits: limits}, nil
}

// Open opens a standalone ledger database at dbPath.
func Open(dbPath string, limits Limits) (*Ledger, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}
	return New(db, limits)
}

// Limits returns the configured ceilings.
func (l *Ledger) Limits() Limits {
	return l.limits
}

func (l *Ledger) ensureRow(ctx context.Context, requestID string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO budget_ledger (request_id) VALUES (?)`, requestID)
	if err != nil {
		return fmt.Errorf("creating ledger row: %w", err)
	}
	return nil
}

// CheckTokens validates requested input and output token counts against the
// configured ceilings. Called before dispatch; an over-ceiling request is a
// refusal, never a truncation.
func (l *Ledger) CheckTokens(inputTokens, requestedOutputTokens int) error {
	if inputTokens > l.limits.MaxInputTokens {
		return fmt.Errorf("%w: input %d > %d", ErrTokenCeiling, inputTokens, l.limits.MaxInputTokens)
	}
	if requestedOutputTokens > l.limits.MaxOutputTokens {
		return fmt.Errorf("%w: output %d > %d", ErrTokenCeiling, requestedOutputTokens, l.limits.MaxOutputTokens)
	}
	return nil
}

// ReserveInference atomically consumes the single inference invocation for
// requestID. A second reservation for the same request — including one from
// a crashed-and-recovered driver — returns ErrBudgetExceeded.
func (l *Ledger) ReserveInference(ctx context.Context, requestID string) error {
	ctx, span := tracer.Start(ctx, "ledger.reserve_inference",
		trace.WithAttributes(attribute.String("request_id", requestID)))
	defer span.End()

	if err := l.ensureRow(ctx, requestID); err != nil {
		return err
	}

	if max := l.limits.AggregateInvocations; max > 0 {
		res, err := l.db.ExecContext(ctx, `
			UPDATE budget_aggregate SET inference_invocations = inference_invocations + 1
			WHERE id = 1 AND inference_invocations < ?`, max)
		if err != nil {
			return fmt.Errorf("incrementing aggregate invocations: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: aggregate inference ceiling %d reached", ErrBudgetExceeded, max)
		}
	}

	res, err := l.db.ExecContext(ctx, `
		UPDATE budget_ledger SET inference_invocations = inference_invocations + 1
		WHERE request_id = ? AND inference_invocations < ?`,
		requestID, l.limits.InferencePerRequest)
	if err != nil {
		return fmt.Errorf("reserving inference: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: inference already invoked for request %s", ErrBudgetExceeded, requestID)
	}
	return nil
}

// ReconcileUsage records the token usage actually reported by the inference
// collaborator for ledger accounting.
func (l *Ledger) ReconcileUsage(ctx context.Context, requestID string, inputTokens, outputTokens int) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE budget_ledger SET input_tokens = input_tokens + ?, output_tokens = output_tokens + ?
		WHERE request_id = ?`, inputTokens, outputTokens, requestID)
	if err != nil {
		return fmt.Errorf("reconciling token usage: %w", err)
	}
	return nil
}

// ReserveAction consumes one action execution slot for requestID.
func (l *Ledger) ReserveAction(ctx context.Context, requestID string) error {
	ctx, span := tracer.Start(ctx, "ledger.reserve_action",
		trace.WithAttributes(attribute.String("request_id", requestID)))
	defer span.End()

	if err := l.ensureRow(ctx, requestID); err != nil {
		return err
	}
	res, err := l.db.ExecContext(ctx, `
		UPDATE budget_ledger SET action_executions = action_executions + 1
		WHERE request_id = ? AND action_executions < ?`,
		requestID, l.limits.ActionsPerRequest)
	if err != nil {
		return fmt.Errorf("reserving action execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: request %s", ErrActionCeiling, requestID)
	}
	return nil
}

// Usage returns the recorded consumption for requestID. A request with no
// ledger row has consumed nothing.
func (l *Ledger) Usage(ctx context.Context, requestID string) (*Usage, error) {
	u := &Usage{RequestID: requestID}
	err := l.db.QueryRowContext(ctx, `
		SELECT inference_invocations, input_tokens, output_tokens, action_executions
		FROM budget_ledger WHERE request_id = ?`, requestID).
		Scan(&u.InferenceInvocations, &u.InputTokens, &u.OutputTokens, &u.ActionExecutions)
	if errors.Is(err, sql.ErrNoRows) {
		return u, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying ledger usage: %w", err)
	}
	return u, nil
}
