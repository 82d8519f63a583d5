package approval

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/clearline-io/arbiter/internal/action"
	"github.com/clearline-io/arbiter/internal/audit"
	"github.com/clearline-io/arbiter/internal/notify"
)

// ProposalRef identifies the action proposal an approval case covers.
type ProposalRef struct {
	RequestID       string
	ProposalID      string
	ActionID        string
	Params          map[string]any
	Requester       string
	ExpectedOutcome string
}

// Evaluation is the outcome of risk-classifying a proposal. When
// RequiresApproval is false the proposal is cleared for execution without a
// case; otherwise Case holds the newly opened pending case.
type Evaluation struct {
	Risk             action.RiskLevel
	RequiresApproval bool
	Case             *Case
}

// WorkflowConfig carries the approver roster and decision windows.
type WorkflowConfig struct {
	Approvers          []string
	SecondaryApprovers []string
	Expiry             time.Duration
	Escalation         time.Duration
}

// Workflow opens approval cases for medium/high risk proposals, records
// human decisions, and pairs with the Sweeper for escalation and expiry.
type Workflow struct {
	store    *Store
	registry *action.Registry
	notifier notify.Notifier
	trail    *audit.Trail
	cfg      WorkflowConfig
	now      func() time.Time
}

// NewWorkflow wires the workflow. Zero durations fall back to the defaults.
func NewWorkflow(store *Store, registry *action.Registry, notifier notify.Notifier, trail *audit.Trail, cfg WorkflowConfig) *Workflow {
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	if cfg.Escalation <= 0 {
		cfg.Escalation = DefaultEscalation
	}
	return &Workflow{
		store:    store,
		registry: registry,
		notifier: notifier,
		trail:    trail,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Evaluate classifies the proposal's risk and, for medium or high risk,
// opens a pending case and notifies the primary approvers. Low risk is
// cleared synchronously.
func (w *Workflow) Evaluate(ctx context.Context, ref ProposalRef) (*Evaluation, error) {
	risk, err := w.registry.Classify(ref.ActionID, ref.Params)
	if err != nil {
		return nil, err
	}
	if risk == action.RiskLow {
		return &Evaluation{Risk: risk, RequiresApproval: false}, nil
	}

	spec, _ := w.registry.Get(ref.ActionID)
	now := w.now().UTC()
	c := &Case{
		ID:              uuid.NewString(),
		RequestID:       ref.RequestID,
		ProposalID:      ref.ProposalID,
		ActionID:        ref.ActionID,
		Requester:       ref.Requester,
		Risk:            risk,
		RiskSummary:     spec.Description,
		ExpectedOutcome: ref.ExpectedOutcome,
		Status:          StatusPending,
		CreatedAt:       now,
		EscalateAt:      now.Add(w.cfg.Escalation),
		ExpiresAt:       now.Add(w.cfg.Expiry),
	}
	if err := w.store.Create(ctx, c); err != nil {
		return nil, err
	}

	if err := w.notifier.Notify(ctx, w.cfg.Approvers, notify.CaseSummary{
		Kind:            notify.KindApprovalRequested,
		CaseID:          c.ID,
		RequestID:       c.RequestID,
		ActionID:        c.ActionID,
		Risk:            string(c.Risk),
		RiskSummary:     c.RiskSummary,
		ExpectedOutcome: c.ExpectedOutcome,
		ExpiresAt:       c.ExpiresAt,
	}); err != nil {
		// Notification failure never blocks the case; approvers can still
		// discover it through the pending list.
		log.Warn().Err(err).Str("case_id", c.ID).Msg("approval_notification_failed")
	}

	log.Info().
		Str("case_id", c.ID).
		Str("request_id", c.RequestID).
		Str("action_id", c.ActionID).
		Str("risk", string(c.Risk)).
		Time("expires_at", c.ExpiresAt).
		Msg("approval_case_opened")
	return &Evaluation{Risk: risk, RequiresApproval: true, Case: c}, nil
}

// Decide records a human verdict on a pending case and appends exactly one
// audit entry. A decision arriving after expiry (or after another decider)
// is rejected with ErrCaseNotPending and logged as late.
func (w *Workflow) Decide(ctx context.Context, caseID string, decision Decision, decider, reason string) (*Case, error) {
	c, err := w.store.Decide(ctx, caseID, decision, decider, reason, w.now())
	if errors.Is(err, ErrCaseNotPending) {
		existing, getErr := w.store.Get(ctx, caseID)
		status := "unknown"
		if getErr == nil {
			status = string(existing.Status)
		}
		log.Warn().
			Str("case_id", caseID).
			Str("decider", decider).
			Str("decision", string(decision)).
			Str("current_status", status).
			Msg("late_approval_decision_ignored")
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	event := audit.EventActionApproved
	outcome := audit.OutcomeSuccess
	if decision == DecisionDeny {
		event = audit.EventActionDenied
		outcome = audit.OutcomeFailure
	}
	if _, err := w.trail.Append(ctx, audit.Entry{
		Actor:   decider,
		Event:   event,
		Subject: c.RequestID,
		Outcome: outcome,
		Detail: audit.Detail(map[string]any{
			"case_id":     c.ID,
			"proposal_id": c.ProposalID,
			"action_id":   c.ActionID,
			"risk":        string(c.Risk),
			"reason":      reason,
		}),
	}); err != nil {
		return nil, err
	}

	log.Info().
		Str("case_id", c.ID).
		Str("decision", string(decision)).
		Str("decider", decider).
		Msg("approval_case_decided")
	return c, nil
}

// Get returns a case by id.
func (w *Workflow) Get(ctx context.Context, caseID string) (*Case, error) {
	return w.store.Get(ctx, caseID)
}

// ListPending returns all pending cases.
func (w *Workflow) ListPending(ctx context.Context) ([]*Case, error) {
	return w.store.ListPending(ctx)
}

// ListByRequest returns every case opened for a request.
func (w *Workflow) ListByRequest(ctx context.Context, requestID string) ([]*Case, error) {
	return w.store.ListByRequest(ctx, requestID)
}
