// Package orchestrator drives a request through the five ordered phases:
// ASK, RETRIEVE, REASON, ACT, VERIFY, ending in DONE, FAILED, or DENIED.
//
// Transitions are strictly forward. A gate failure moves the request
// directly to a terminal state, never back to an earlier phase. Every
// transition is persisted before its consequences run (log-then-act) and
// every externally visible step lands in the audit trail. Each request has
// exactly one active driver at a time, enforced by a per-request lease.
package orchestrator

import (
	"errors"
	"time"

	"github.com/clearline-io/arbiter/internal/action"
	"github.com/clearline-io/arbiter/internal/reasoning"
	"github.com/clearline-io/arbiter/internal/retrieval"
	"github.com/clearline-io/arbiter/internal/verify"
)

// Phase is the orchestration state machine's current position.
type Phase string

const (
	PhaseAsk      Phase = "ASK"
	PhaseRetrieve Phase = "RETRIEVE"
	PhaseReason   Phase = "REASON"
	PhaseAct      Phase = "ACT"
	PhaseVerify   Phase = "VERIFY"
	PhaseDone     Phase = "DONE"
	PhaseFailed   Phase = "FAILED"
	PhaseDenied   Phase = "DENIED"
)

// Terminal reports whether the phase ends the request. Terminal states are
// immutable and retained until the retention purge.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed || p == PhaseDenied
}

// cancellable reports whether the owner may still cancel outright. Once an
// action has begun executing, cancellation converts to a verification
// failure instead.
func (p Phase) cancellable() bool {
	return p == PhaseAsk || p == PhaseRetrieve || p == PhaseReason
}

// ApprovalState is an ActionProposal's position in the approval workflow.
type ApprovalState string

const (
	ApprovalPending     ApprovalState = "pending"
	ApprovalApproved    ApprovalState = "approved"
	ApprovalDenied      ApprovalState = "denied"
	ApprovalExpired     ApprovalState = "expired"
	ApprovalNotRequired ApprovalState = "not-required"
)

// Refusal causes recorded on DENIED requests.
const (
	CauseCancelled       = "cancelled_by_owner"
	CauseNotAllowlisted  = "action_not_allowlisted"
	CauseInvalidParams   = "invalid_action_params"
	CauseVerifyFailed    = "verification_failed"
	CauseApprovalTimeout = "approval_timeout"
	CauseApproverDenied  = "denied_by_approver"
	CauseExecutionFailed = "execution_failed"
	CauseRetrievalFailed = "retrieval_unavailable"
	CauseReasoningFailed = "reasoning_failed"
	CauseContradiction   = "contradiction"
)

// Domain errors.
var (
	// ErrLeaseHeld means another driver holds the request's lease; the
	// caller must no-op, never double-execute.
	ErrLeaseHeld = errors.New("request lease held by another driver")
	// ErrMalformedQuery is a synchronous input rejection; no state is
	// created and no phase advances.
	ErrMalformedQuery = errors.New("malformed query")
	// ErrPermission means the caller's identity does not own the request.
	ErrPermission = errors.New("permission violation")
	ErrNotFound   = errors.New("request not found")
	// ErrNotCancellable means execution already began; the cancellation is
	// recorded and handled post-hoc through the verification path.
	ErrNotCancellable = errors.New("request is past the cancellable phases")
	ErrTerminal       = errors.New("request already terminal")
)

// MaxQueryBytes bounds accepted queries. Longer input is an input error,
// not a budget refusal.
const MaxQueryBytes = 16 * 1024

// Request is the accepted unit of work.
type Request struct {
	ID          string    `json:"id"`
	Identity    string    `json:"identity"`
	Query       string    `json:"query"`
	Scope       []string  `json:"scope,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ActionProposal is one action the reasoning output proposed, tagged with
// its computed risk and approval outcome. One proposal maps to at most one
// execution attempt.
type ActionProposal struct {
	ID              string           `json:"id"`
	ActionID        string           `json:"action_id"`
	Params          map[string]any   `json:"params"`
	Intent          string           `json:"intent"`
	Risk            action.RiskLevel `json:"risk"`
	Reversible      bool             `json:"reversible"`
	ComplianceClass string           `json:"compliance_class,omitempty"`

	Approval   ApprovalState   `json:"approval"`
	CaseID     string          `json:"case_id,omitempty"`
	Executed   bool            `json:"executed"`
	Execution  *action.Outcome `json:"execution,omitempty"`
	RolledBack bool            `json:"rolled_back"`
	Cause      string          `json:"cause,omitempty"`
}

// terminal reports whether the proposal needs no further processing.
func (p *ActionProposal) terminal() bool {
	switch p.Approval {
	case ApprovalDenied, ApprovalExpired:
		return true
	}
	return p.Executed || p.Cause != ""
}

// State is a request's full orchestration record. Mutated only by the
// lease-holding driver; terminal states are immutable.
type State struct {
	Request      Request              `json:"request"`
	Phase        Phase                `json:"phase"`
	Documents    []retrieval.Document `json:"documents,omitempty"`
	Reasoning    *reasoning.Output    `json:"reasoning,omitempty"`
	Proposals    []*ActionProposal    `json:"proposals,omitempty"`
	Verification *verify.Report       `json:"verification,omitempty"`

	// Cause is the machine-readable terminal cause; Explanation is the
	// user-facing account of the outcome. Internal diagnostics go only to
	// the audit trail.
	Cause       string `json:"cause,omitempty"`
	Explanation string `json:"explanation,omitempty"`

	RemediationRequired bool `json:"remediation_required,omitempty"`
	CancelRequested     bool `json:"cancel_requested,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// proposalsTerminal reports whether VERIFY may run.
func (s *State) proposalsTerminal() bool {
	for _, p := range s.Proposals {
		if !p.terminal() {
			return false
		}
	}
	return true
}

// executedActions collects the execution records verification inspects.
func (s *State) executedActions() []verify.ExecutedAction {
	var out []verify.ExecutedAction
	for _, p := range s.Proposals {
		if !p.Executed || p.Execution == nil {
			continue
		}
		out = append(out, verify.ExecutedAction{
			ProposalID:      p.ID,
			ActionID:        p.ActionID,
			Params:          p.Params,
			Reversible:      p.Reversible,
			ComplianceClass: p.ComplianceClass,
			Outcome:         *p.Execution,
		})
	}
	return out
}
