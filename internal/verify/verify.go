// Package verify implements post-execution verification and rollback.
//
// It runs once every action proposal on a request is terminal. Three checks
// apply: each executed action's outcome must match its declared intent, the
// answer's citations must still resolve, and the compliance predicates for
// the action's class must hold. Verification failures route by
// reversibility: reversible executions are rolled back, irreversible ones
// flag the request for manual remediation and notify administrators.
package verify

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/clearline-io/arbiter/internal/action"
	"github.com/clearline-io/arbiter/internal/audit"
	"github.com/clearline-io/arbiter/internal/notify"
	arbotel "github.com/clearline-io/arbiter/internal/otel"
	"github.com/clearline-io/arbiter/internal/reasoning"
)

var tracer = arbotel.Tracer("github.com/clearline-io/arbiter/internal/verify")

// verifyActor is the audit actor recorded for verification entries.
const verifyActor = "system/verifier"

// ExecutedAction is one proposal's execution record handed to verification.
type ExecutedAction struct {
	ProposalID      string         `json:"proposal_id"`
	ActionID        string         `json:"action_id"`
	Params          map[string]any `json:"params"`
	Reversible      bool           `json:"reversible"`
	ComplianceClass string         `json:"compliance_class,omitempty"`
	Outcome         action.Outcome `json:"outcome"`
}

// Input carries everything verification inspects for one request.
// Cancelled marks a request whose owner cancelled after execution began;
// every executed action is then treated as a verification failure so the
// rollback path runs, never an interruption of the in-flight execution.
type Input struct {
	RequestID  string
	Identity   string
	Confidence float64
	Citations  []reasoning.Citation
	Executed   []ExecutedAction
	Cancelled  bool
}

// ActionCheck is the verification result for one executed action.
type ActionCheck struct {
	ProposalID          string   `json:"proposal_id"`
	ActionID            string   `json:"action_id"`
	ExecutionID         string   `json:"execution_id"`
	IntentMatched       bool     `json:"intent_matched"`
	ComplianceDenials   []string `json:"compliance_denials,omitempty"`
	Passed              bool     `json:"passed"`
	RolledBack          bool     `json:"rolled_back"`
	RollbackError       string   `json:"rollback_error,omitempty"`
	RemediationRequired bool     `json:"remediation_required"`
}

// Report is persisted on the orchestration state after every verification,
// pass or fail.
type Report struct {
	RequestID           string        `json:"request_id"`
	Passed              bool          `json:"passed"`
	Confidence          float64       `json:"confidence"`
	FlaggedCitations    []string      `json:"flagged_citations,omitempty"`
	Actions             []ActionCheck `json:"actions,omitempty"`
	RemediationRequired bool          `json:"remediation_required"`
	CompletedAt         time.Time     `json:"completed_at"`
}

// Verifier runs the verification checks and the rollback path.
type Verifier struct {
	engine   *Engine
	resolver Resolver
	executor action.Executor
	notifier notify.Notifier
	trail    *audit.Trail
	admins   []string
}

// NewVerifier wires a verifier. admins receive remediation notifications.
func NewVerifier(engine *Engine, resolver Resolver, executor action.Executor, notifier notify.Notifier, trail *audit.Trail, admins []string) *Verifier {
	return &Verifier{
		engine:   engine,
		resolver: resolver,
		executor: executor,
		notifier: notifier,
		trail:    trail,
		admins:   admins,
	}
}

// Verify checks in's executions and citations, rolls back reversible
// failures, and always emits a verification-completed audit entry. The
// returned report is non-nil even when verification fails; the error return
// covers infrastructure problems only (predicate evaluation, audit append).
func (v *Verifier) Verify(ctx context.Context, in Input) (*Report, error) {
	ctx, span := tracer.Start(ctx, "verify.verify",
		trace.WithAttributes(
			attribute.String("request_id", in.RequestID),
			attribute.Int("verify.executed_actions", len(in.Executed))))
	defer span.End()

	report := &Report{
		RequestID:   in.RequestID,
		Passed:      true,
		Confidence:  in.Confidence,
		CompletedAt: time.Now().UTC(),
	}

	v.checkCitations(ctx, in, report)

	for _, exec := range in.Executed {
		check, err := v.checkAction(ctx, exec)
		if err != nil {
			return nil, err
		}
		if in.Cancelled && check.Passed {
			check.Passed = false
			check.ComplianceDenials = append(check.ComplianceDenials, "request cancelled after execution began")
		}
		if !check.Passed {
			report.Passed = false
			v.remediate(ctx, in, exec, check)
		}
		if check.RemediationRequired {
			report.RemediationRequired = true
		}
		report.Actions = append(report.Actions, *check)
	}

	outcome := audit.OutcomeSuccess
	switch {
	case !report.Passed:
		outcome = audit.OutcomeFailure
	case len(report.FlaggedCitations) > 0:
		outcome = audit.OutcomePartial
	}
	if _, err := v.trail.Append(ctx, audit.Entry{
		Actor:   verifyActor,
		Event:   audit.EventVerificationCompleted,
		Subject: in.RequestID,
		Outcome: outcome,
		Detail:  audit.Detail(report),
	}); err != nil {
		return nil, err
	}

	log.Info().
		Str("request_id", in.RequestID).
		Bool("passed", report.Passed).
		Bool("remediation_required", report.RemediationRequired).
		Int("flagged_citations", len(report.FlaggedCitations)).
		Msg("verification_completed")
	return report, nil
}

// checkCitations probes each citation. Unresolvable citations are flagged
// and the confidence scaled down by the unresolvable fraction; they are
// never dropped and never fail verification on their own.
func (v *Verifier) checkCitations(ctx context.Context, in Input, report *Report) {
	if len(in.Citations) == 0 {
		return
	}
	resolved := 0
	for _, c := range in.Citations {
		if v.resolver.Resolve(ctx, c.Locator) {
			resolved++
			continue
		}
		report.FlaggedCitations = append(report.FlaggedCitations, c.Locator)
	}
	if resolved < len(in.Citations) {
		report.Confidence = in.Confidence * float64(resolved) / float64(len(in.Citations))
		log.Warn().
			Str("request_id", in.RequestID).
			Int("unresolvable", len(in.Citations)-resolved).
			Float64("confidence", report.Confidence).
			Msg("citations_unresolvable")
	}
}

func (v *Verifier) checkAction(ctx context.Context, exec ExecutedAction) (*ActionCheck, error) {
	check := &ActionCheck{
		ProposalID:    exec.ProposalID,
		ActionID:      exec.ActionID,
		ExecutionID:   exec.Outcome.ExecutionID,
		IntentMatched: exec.Outcome.Status == action.StatusSuccess,
	}
	denials, err := v.engine.Check(ctx, exec.ComplianceClass, map[string]any{
		"action_id": exec.ActionID,
		"params":    exec.Params,
		"outcome": map[string]any{
			"status":       string(exec.Outcome.Status),
			"execution_id": exec.Outcome.ExecutionID,
			"details":      exec.Outcome.Details,
		},
	})
	if err != nil {
		return nil, err
	}
	check.ComplianceDenials = denials
	check.Passed = check.IntentMatched && len(denials) == 0
	return check, nil
}

// remediate runs the failure path for one action: rollback when the action
// is reversible, manual remediation plus admin notification when it is not.
func (v *Verifier) remediate(ctx context.Context, in Input, exec ExecutedAction, check *ActionCheck) {
	if exec.Reversible {
		outcome, err := v.executor.Rollback(ctx, exec.Outcome.ExecutionID)
		if err != nil {
			check.RollbackError = err.Error()
			check.RemediationRequired = true
			log.Error().Err(err).
				Str("request_id", in.RequestID).
				Str("execution_id", exec.Outcome.ExecutionID).
				Msg("rollback_failed")
		} else if outcome.Status != action.StatusSuccess {
			check.RollbackError = "rollback reported " + string(outcome.Status)
			check.RemediationRequired = true
		} else {
			check.RolledBack = true
			log.Info().
				Str("request_id", in.RequestID).
				Str("execution_id", exec.Outcome.ExecutionID).
				Msg("action_rolled_back")
		}
	} else {
		check.RemediationRequired = true
	}

	if check.RemediationRequired {
		if err := v.notifier.Notify(ctx, v.admins, notify.CaseSummary{
			Kind:        notify.KindRemediationRequired,
			RequestID:   in.RequestID,
			ActionID:    exec.ActionID,
			RiskSummary: "verification failed on an action requiring manual remediation",
		}); err != nil {
			log.Warn().Err(err).Str("request_id", in.RequestID).Msg("remediation_notify_failed")
		}
	}
}
