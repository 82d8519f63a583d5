// Package approval implements the human-approval workflow for medium and
// high risk action proposals.
//
// Risk classification is a pure function of action identifier + parameters
// (internal/action.Registry.Classify). Low-risk proposals are auto-cleared
// synchronously and never open a case. Medium/high proposals open a
// time-boxed ApprovalCase: PENDING → {APPROVED, DENIED, EXPIRED}. Escalation
// and expiry are driven by persisted due times plus a periodic sweep, not by
// in-process waits, so they survive restarts.
package approval

import (
	"errors"
	"time"

	"github.com/clearline-io/arbiter/internal/action"
)

// Defaults for the decision window.
const (
	DefaultExpiry     = 15 * time.Minute
	DefaultEscalation = 10 * time.Minute
)

// Status is an ApprovalCase's lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Terminal reports whether a case can no longer change.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusDenied || s == StatusExpired
}

// Decision is a human approver's verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
)

// Domain errors.
var (
	ErrCaseNotFound = errors.New("approval case not found")
	// ErrCaseNotPending means the case already reached a terminal status; a
	// decision arriving after expiry is rejected and logged as late.
	ErrCaseNotPending  = errors.New("approval case is not pending")
	ErrInvalidDecision = errors.New("decision must be approve or deny")
)

// CauseApprovalTimeout marks proposals whose case expired undecided.
const CauseApprovalTimeout = "approval_timeout"

// Case tracks the lifecycle of one human decision on an action proposal.
// Terminal cases are never mutated.
type Case struct {
	ID              string           `json:"id"`
	RequestID       string           `json:"request_id"`
	ProposalID      string           `json:"proposal_id"`
	ActionID        string           `json:"action_id"`
	Requester       string           `json:"requester"`
	Risk            action.RiskLevel `json:"risk"`
	RiskSummary     string           `json:"risk_summary"`
	ExpectedOutcome string           `json:"expected_outcome"`
	Status          Status           `json:"status"`

	DecidedBy      string     `json:"decided_by,omitempty"`
	DecidedAt      *time.Time `json:"decided_at,omitempty"`
	DecisionReason string     `json:"decision_reason,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	EscalateAt time.Time `json:"escalate_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Escalated  bool      `json:"escalated"`
}
