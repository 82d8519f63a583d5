package action

import (
	"context"
	"time"
)

// TimeoutExecute bounds a single action execution or rollback call,
// independently of the approval timeout.
const TimeoutExecute = 60 * time.Second

// Status is the outcome an executed action reports.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusPartial Status = "partial"
)

// Outcome is the action collaborator's report for one execution attempt.
type Outcome struct {
	Status      Status         `json:"status"`
	ExecutionID string         `json:"execution_id"`
	Details     map[string]any `json:"details,omitempty"`
}

// Executor is the action collaborator contract. Execute must be idempotent
// or de-duplicate on the caller-supplied idempotency key carried in params
// under "_idempotency_key"; Rollback is only called for actions whose spec
// declares them reversible.
type Executor interface {
	Execute(ctx context.Context, actionID string, params map[string]any, identity string) (*Outcome, error)
	Rollback(ctx context.Context, executionID string) (*Outcome, error)
}
