package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/clearline-io/arbiter/internal/action"
	"github.com/clearline-io/arbiter/internal/approval"
	"github.com/clearline-io/arbiter/internal/audit"
	"github.com/clearline-io/arbiter/internal/ledger"
	arbotel "github.com/clearline-io/arbiter/internal/otel"
	"github.com/clearline-io/arbiter/internal/reasoning"
	"github.com/clearline-io/arbiter/internal/retrieval"
	"github.com/clearline-io/arbiter/internal/verify"
)

var tracer = arbotel.Tracer("github.com/clearline-io/arbiter/internal/orchestrator")

// LeaseTTL bounds how long a driver may hold a request before another may
// take over after a crash.
const LeaseTTL = 30 * time.Second

// Collaborator retry bounds. Transient failures retry with exponential
// backoff; exhausted retries fail the request.
const (
	maxCollaboratorRetries = 2
	collaboratorBackoff    = 500 * time.Millisecond
)

// Deps are the orchestrator's collaborators.
type Deps struct {
	Store     *Store
	Retrieval *retrieval.Gate
	Reasoning *reasoning.Gate
	Registry  *action.Registry
	Approvals *approval.Workflow
	Executor  action.Executor
	Verifier  *verify.Verifier
	Ledger    *ledger.Ledger
	Trail     *audit.Trail
}

// Orchestrator is the single writer of orchestration states. One instance
// may drive many requests; the per-request lease keeps concurrent instances
// from double-executing.
type Orchestrator struct {
	deps   Deps
	holder string
}

// New creates an orchestrator with a fresh driver identity.
func New(deps Deps) *Orchestrator {
	return &Orchestrator{deps: deps, holder: "driver/" + uuid.NewString()}
}

// Submit validates and accepts a request in the ASK phase. Input errors
// (empty identity, empty or oversized query) are rejected synchronously
// with no state created and no phase advanced.
func (o *Orchestrator) Submit(ctx context.Context, identity, query string, scope []string) (*State, error) {
	if identity == "" {
		log.Warn().Msg("request_rejected_no_identity")
		return nil, ErrPermission
	}
	q := strings.TrimSpace(query)
	if q == "" || len(q) > MaxQueryBytes {
		log.Warn().Str("identity", identity).Int("query_bytes", len(query)).Msg("request_rejected_malformed")
		return nil, ErrMalformedQuery
	}

	now := time.Now().UTC()
	st := &State{
		Request: Request{
			ID:          "req_" + uuid.NewString(),
			Identity:    identity,
			Query:       q,
			Scope:       scope,
			SubmittedAt: now,
		},
		Phase:     PhaseAsk,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.deps.Store.Create(ctx, st); err != nil {
		return nil, err
	}
	if _, err := o.deps.Trail.Append(ctx, audit.Entry{
		Actor:   identity,
		Event:   audit.EventQuerySubmitted,
		Subject: st.Request.ID,
		Outcome: audit.OutcomeSuccess,
		Detail:  audit.Detail(map[string]any{"query_bytes": len(q), "scope": scope}),
	}); err != nil {
		return nil, err
	}

	log.Info().
		Str("request_id", st.Request.ID).
		Str("identity", identity).
		Msg("request_accepted")
	return st, nil
}

// Get loads a request's state for its owner.
func (o *Orchestrator) Get(ctx context.Context, requestID, identity string) (*State, error) {
	st, err := o.deps.Store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if st.Request.Identity != identity {
		return nil, ErrPermission
	}
	return st, nil
}

// Cancel records the owner's cancellation. In ASK, RETRIEVE, or REASON the
// request terminates on the driver's next step; once execution has begun the
// cancellation converts to a post-hoc verification failure and the rollback
// path, never an interruption of the in-flight execution.
func (o *Orchestrator) Cancel(ctx context.Context, requestID, identity string) (*State, error) {
	st, err := o.deps.Store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if st.Request.Identity != identity {
		return nil, ErrPermission
	}
	if st.Phase.Terminal() {
		return nil, ErrTerminal
	}
	if err := o.deps.Store.RequestCancel(ctx, requestID); err != nil {
		return nil, err
	}
	st.CancelRequested = true
	log.Info().
		Str("request_id", requestID).
		Str("phase", string(st.Phase)).
		Bool("immediate", st.Phase.cancellable()).
		Msg("cancellation_requested")
	return st, nil
}

// Advance drives the request forward until it reaches a terminal phase or a
// suspension point (an open approval case). It is idempotent over the
// persisted state and safe to re-invoke after a crash; a lease held by
// another driver makes the call a no-op.
func (o *Orchestrator) Advance(ctx context.Context, requestID string) (*State, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.advance",
		trace.WithAttributes(attribute.String("request_id", requestID)))
	defer span.End()

	acquired, err := o.deps.Store.AcquireLease(ctx, requestID, o.holder, LeaseTTL, time.Now())
	if err != nil {
		return nil, err
	}
	if !acquired {
		span.SetAttributes(attribute.Bool("lease.held_elsewhere", true))
		return nil, ErrLeaseHeld
	}
	defer func() {
		if relErr := o.deps.Store.ReleaseLease(context.WithoutCancel(ctx), requestID, o.holder); relErr != nil {
			log.Warn().Err(relErr).Str("request_id", requestID).Msg("lease_release_failed")
		}
	}()

	st, err := o.deps.Store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	for !st.Phase.Terminal() {
		progressed, err := o.step(ctx, st)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return st, err
		}
		if !progressed {
			break
		}
	}
	span.SetAttributes(attribute.String("request.phase", string(st.Phase)))
	return st, nil
}

// step advances one phase. It returns false without error at a suspension
// point. Transitions persist before their consequences run.
func (o *Orchestrator) step(ctx context.Context, st *State) (bool, error) {
	if st.Phase.cancellable() && st.CancelRequested {
		return o.deny(ctx, st, CauseCancelled, "The request was cancelled before any action was taken.", "")
	}

	switch st.Phase {
	case PhaseAsk:
		return o.transition(ctx, st, PhaseRetrieve)
	case PhaseRetrieve:
		return o.stepRetrieve(ctx, st)
	case PhaseReason:
		return o.stepReason(ctx, st)
	case PhaseAct:
		return o.stepAct(ctx, st)
	case PhaseVerify:
		return o.stepVerify(ctx, st)
	default:
		return false, fmt.Errorf("request %s in unknown phase %q", st.Request.ID, st.Phase)
	}
}

func (o *Orchestrator) stepRetrieve(ctx context.Context, st *State) (bool, error) {
	var res *retrieval.Result
	err := withRetry(ctx, func(ctx context.Context) error {
		var callErr error
		res, callErr = o.deps.Retrieval.Evaluate(ctx, st.Request.Query, st.Request.Scope)
		return callErr
	})
	if err != nil {
		return o.fail(ctx, st, CauseRetrievalFailed,
			"The document index is currently unavailable. No action was taken.", err.Error())
	}
	if res.Refused {
		return o.deny(ctx, st, res.RefusalCause,
			"The available sources do not provide enough confident evidence to proceed.",
			fmt.Sprintf("qualified=%d quorum_documents=%d", res.Qualified, len(res.Documents)))
	}

	st.Documents = res.Documents
	if _, err := o.deps.Trail.Append(ctx, audit.Entry{
		Actor:   st.Request.Identity,
		Event:   audit.EventDocumentsRetrieved,
		Subject: st.Request.ID,
		Outcome: audit.OutcomeSuccess,
		Detail:  audit.Detail(map[string]any{"documents": len(res.Documents), "qualified": res.Qualified}),
	}); err != nil {
		return false, err
	}
	return o.transition(ctx, st, PhaseReason)
}

func (o *Orchestrator) stepReason(ctx context.Context, st *State) (bool, error) {
	prompt := buildPrompt(st.Request.Query, st.Documents, o.deps.Registry.List())
	out, err := o.deps.Reasoning.Evaluate(ctx, st.Request.ID, prompt, st.Documents)
	if err != nil {
		cause := CauseReasoningFailed
		explanation := "The reasoning step failed. No action was taken."
		if errors.Is(err, reasoning.ErrContradiction) {
			cause = CauseContradiction
			explanation = "The produced answer contradicted a retrieved source and was discarded. No action was taken."
		}
		return o.fail(ctx, st, cause, explanation, err.Error())
	}
	if out.Refused {
		st.Reasoning = out
		return o.deny(ctx, st, out.RefusalCause, out.Answer, "")
	}

	st.Reasoning = out
	for i, pa := range out.Proposals {
		spec, err := o.deps.Registry.Validate(pa.ActionID, pa.Params)
		if errors.Is(err, action.ErrNotAllowlisted) {
			return o.deny(ctx, st, CauseNotAllowlisted,
				fmt.Sprintf("The proposed action %q is not on the allowlist. Nothing was executed.", pa.ActionID),
				err.Error())
		}
		if err != nil {
			return o.deny(ctx, st, CauseInvalidParams,
				fmt.Sprintf("The proposed action %q carried invalid parameters. Nothing was executed.", pa.ActionID),
				err.Error())
		}
		risk, err := o.deps.Registry.Classify(pa.ActionID, pa.Params)
		if err != nil {
			return false, err
		}
		st.Proposals = append(st.Proposals, &ActionProposal{
			ID:              fmt.Sprintf("%s:act:%d", st.Request.ID, i),
			ActionID:        pa.ActionID,
			Params:          pa.Params,
			Intent:          pa.Intent,
			Risk:            risk,
			Reversible:      spec.Reversible,
			ComplianceClass: spec.ComplianceClass,
		})
	}

	if _, err := o.deps.Trail.Append(ctx, audit.Entry{
		Actor:   st.Request.Identity,
		Event:   audit.EventReasoningCompleted,
		Subject: st.Request.ID,
		Outcome: audit.OutcomeSuccess,
		Detail: audit.Detail(map[string]any{
			"confidence":    out.Confidence,
			"facts":         len(out.Facts),
			"proposals":     len(st.Proposals),
			"input_tokens":  out.TokenUsage.Input,
			"output_tokens": out.TokenUsage.Output,
		}),
	}); err != nil {
		return false, err
	}
	return o.transition(ctx, st, PhaseAct)
}

// stepAct processes each proposal independently: risk classification and
// case opening first, then polling open cases, then execution of cleared
// proposals. Waiting on a human is the suspension point; the driver returns
// and re-enters on a later poll.
func (o *Orchestrator) stepAct(ctx context.Context, st *State) (bool, error) {
	progressed := false
	for _, p := range st.Proposals {
		if p.terminal() {
			continue
		}

		if p.Approval == "" {
			done, err := o.openApproval(ctx, st, p)
			if err != nil || done {
				return done, err
			}
			progressed = true
		}

		if p.Approval == ApprovalPending {
			moved, err := o.pollApproval(ctx, st, p)
			if err != nil {
				return false, err
			}
			if !moved {
				continue
			}
			progressed = true
		}

		if (p.Approval == ApprovalApproved || p.Approval == ApprovalNotRequired) && !p.Executed {
			done, err := o.executeProposal(ctx, st, p)
			if err != nil || done {
				return done, err
			}
			progressed = true
		}
	}

	if st.proposalsTerminal() {
		return o.transition(ctx, st, PhaseVerify)
	}
	return progressed, nil
}

// openApproval classifies the proposal and opens a case when required. The
// returned bool is true only when the request itself reached a terminal
// phase.
func (o *Orchestrator) openApproval(ctx context.Context, st *State, p *ActionProposal) (bool, error) {
	ev, err := o.deps.Approvals.Evaluate(ctx, approval.ProposalRef{
		RequestID:       st.Request.ID,
		ProposalID:      p.ID,
		ActionID:        p.ActionID,
		Params:          p.Params,
		Requester:       st.Request.Identity,
		ExpectedOutcome: p.Intent,
	})
	if err != nil {
		return false, err
	}
	if ev.RequiresApproval {
		p.Approval = ApprovalPending
		p.CaseID = ev.Case.ID
	} else {
		p.Approval = ApprovalNotRequired
	}
	if err := o.deps.Store.Save(ctx, st, o.holder); err != nil {
		return false, err
	}
	if _, err := o.deps.Trail.Append(ctx, audit.Entry{
		Actor:   st.Request.Identity,
		Event:   audit.EventActionRequested,
		Subject: st.Request.ID,
		Outcome: audit.OutcomeSuccess,
		Detail: audit.Detail(map[string]any{
			"proposal_id": p.ID,
			"action_id":   p.ActionID,
			"risk":        string(p.Risk),
			"approval":    string(p.Approval),
			"case_id":     p.CaseID,
		}),
	}); err != nil {
		return false, err
	}
	return false, nil
}

// pollApproval folds the case's current status into the proposal. It
// returns false while the case is still pending.
func (o *Orchestrator) pollApproval(ctx context.Context, st *State, p *ActionProposal) (bool, error) {
	c, err := o.deps.Approvals.Get(ctx, p.CaseID)
	if err != nil {
		return false, err
	}
	switch c.Status {
	case approval.StatusPending:
		return false, nil
	case approval.StatusApproved:
		p.Approval = ApprovalApproved
	case approval.StatusDenied:
		p.Approval = ApprovalDenied
		p.Cause = CauseApproverDenied
	case approval.StatusExpired:
		p.Approval = ApprovalExpired
		p.Cause = CauseApprovalTimeout
	}
	if err := o.deps.Store.Save(ctx, st, o.holder); err != nil {
		return false, err
	}
	return true, nil
}

// executeProposal dispatches one cleared proposal to the action
// collaborator. The idempotency key de-duplicates re-dispatch after a
// crash. The returned bool is true only when the request terminated.
func (o *Orchestrator) executeProposal(ctx context.Context, st *State, p *ActionProposal) (bool, error) {
	if err := o.deps.Ledger.ReserveAction(ctx, st.Request.ID); err != nil {
		if errors.Is(err, ledger.ErrActionCeiling) {
			return o.deny(ctx, st, reasoning.CauseBudgetExceeded,
				"The per-request action budget is exhausted. Remaining proposals were not executed.",
				err.Error())
		}
		return false, err
	}

	params := make(map[string]any, len(p.Params)+1)
	for k, v := range p.Params {
		params[k] = v
	}
	params["_idempotency_key"] = st.Request.ID + ":" + p.ID

	var outcome *action.Outcome
	err := withRetry(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, action.TimeoutExecute)
		defer cancel()
		var callErr error
		outcome, callErr = o.deps.Executor.Execute(callCtx, p.ActionID, params, st.Request.Identity)
		return callErr
	})
	if err != nil {
		p.Cause = CauseExecutionFailed
		return o.fail(ctx, st, CauseExecutionFailed,
			fmt.Sprintf("Executing %q failed after retries.", p.ActionID), err.Error())
	}

	p.Executed = true
	p.Execution = outcome
	if err := o.deps.Store.Save(ctx, st, o.holder); err != nil {
		return false, err
	}

	auditOutcome := audit.OutcomeSuccess
	switch outcome.Status {
	case action.StatusFailure:
		auditOutcome = audit.OutcomeFailure
	case action.StatusPartial:
		auditOutcome = audit.OutcomePartial
	}
	if _, err := o.deps.Trail.Append(ctx, audit.Entry{
		Actor:   st.Request.Identity,
		Event:   audit.EventActionExecuted,
		Subject: st.Request.ID,
		Outcome: auditOutcome,
		Detail: audit.Detail(map[string]any{
			"proposal_id":  p.ID,
			"action_id":    p.ActionID,
			"execution_id": outcome.ExecutionID,
			"status":       string(outcome.Status),
		}),
	}); err != nil {
		return false, err
	}
	return false, nil
}

func (o *Orchestrator) stepVerify(ctx context.Context, st *State) (bool, error) {
	in := verify.Input{
		RequestID: st.Request.ID,
		Identity:  st.Request.Identity,
		Executed:  st.executedActions(),
		Cancelled: st.CancelRequested,
	}
	if st.Reasoning != nil {
		in.Confidence = st.Reasoning.Confidence
		in.Citations = st.Reasoning.Citations()
	}

	report, err := o.deps.Verifier.Verify(ctx, in)
	if err != nil {
		return o.fail(ctx, st, CauseVerifyFailed,
			"The post-execution verification step could not run.", err.Error())
	}

	st.Verification = report
	st.RemediationRequired = report.RemediationRequired
	byProposal := make(map[string]verify.ActionCheck, len(report.Actions))
	for _, ac := range report.Actions {
		byProposal[ac.ProposalID] = ac
	}
	for _, p := range st.Proposals {
		if ac, ok := byProposal[p.ID]; ok {
			p.RolledBack = ac.RolledBack
		}
	}

	if !report.Passed {
		explanation := "Verification failed after execution; reversible actions were rolled back."
		if report.RemediationRequired {
			explanation = "Verification failed after an irreversible action; manual remediation is required."
		}
		if st.CancelRequested {
			explanation = "The request was cancelled after execution began; executed actions went through the rollback path."
		}
		return o.finalize(ctx, st, PhaseFailed, CauseVerifyFailed, explanation)
	}

	explanation := ""
	if st.Reasoning != nil {
		explanation = st.Reasoning.Answer
	}
	return o.finalize(ctx, st, PhaseDone, "", explanation)
}

// transition persists the move into next before any of its work runs.
func (o *Orchestrator) transition(ctx context.Context, st *State, next Phase) (bool, error) {
	prev := st.Phase
	st.Phase = next
	if err := o.deps.Store.Save(ctx, st, o.holder); err != nil {
		st.Phase = prev
		return false, err
	}
	log.Debug().
		Str("request_id", st.Request.ID).
		Str("from", string(prev)).
		Str("to", string(next)).
		Msg("phase_transition")
	return true, nil
}

// deny terminates the request as a policy refusal, always logging the
// specific rule violated.
func (o *Orchestrator) deny(ctx context.Context, st *State, cause, explanation, diagnostics string) (bool, error) {
	if _, err := o.finalize(ctx, st, PhaseDenied, cause, explanation); err != nil {
		return false, err
	}
	return true, o.appendTerminalEntry(ctx, st, audit.OutcomeFailure, cause, diagnostics)
}

// fail terminates the request on an execution or infrastructure error.
func (o *Orchestrator) fail(ctx context.Context, st *State, cause, explanation, diagnostics string) (bool, error) {
	if _, err := o.finalize(ctx, st, PhaseFailed, cause, explanation); err != nil {
		return false, err
	}
	return true, o.appendTerminalEntry(ctx, st, audit.OutcomeFailure, cause, diagnostics)
}

func (o *Orchestrator) finalize(ctx context.Context, st *State, phase Phase, cause, explanation string) (bool, error) {
	prevPhase := st.Phase
	st.Phase = phase
	st.Cause = cause
	st.Explanation = explanation
	if err := o.deps.Store.Save(ctx, st, o.holder); err != nil {
		return false, err
	}
	log.Info().
		Str("request_id", st.Request.ID).
		Str("from", string(prevPhase)).
		Str("terminal", string(phase)).
		Str("cause", cause).
		Msg("request_finalized")
	return true, nil
}

// appendTerminalEntry records the terminal outcome. diagnostics go to the
// audit trail only, never to the user-facing explanation.
func (o *Orchestrator) appendTerminalEntry(ctx context.Context, st *State, outcome audit.Outcome, cause, diagnostics string) error {
	detail := map[string]any{"terminal": string(st.Phase), "cause": cause}
	if diagnostics != "" {
		detail["diagnostics"] = diagnostics
	}
	_, err := o.deps.Trail.Append(ctx, audit.Entry{
		Actor:   st.Request.Identity,
		Event:   phaseEvent(st.Phase, st),
		Subject: st.Request.ID,
		Outcome: outcome,
		Detail:  audit.Detail(detail),
	})
	return err
}

// phaseEvent maps a terminal transition to the event type of the phase the
// request failed out of.
func phaseEvent(terminal Phase, st *State) audit.EventType {
	switch {
	case st.Verification != nil:
		return audit.EventVerificationCompleted
	case len(st.Proposals) > 0:
		return audit.EventActionRequested
	case st.Reasoning != nil:
		return audit.EventReasoningCompleted
	case len(st.Documents) > 0 || terminal == PhaseDenied && st.Cause == retrieval.CauseInsufficientEvidence:
		return audit.EventDocumentsRetrieved
	default:
		return audit.EventQuerySubmitted
	}
}

// withRetry runs op with bounded exponential backoff. Context cancellation
// is permanent; collaborator errors are treated as transient.
func withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(maxCollaboratorRetries, retry.NewExponential(collaboratorBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := op(ctx); err != nil {
			if ctx.Err() != nil {
				return err
			}
			return retry.RetryableError(err)
		}
		return nil
	})
}

// buildPrompt renders the query, the retained evidence, and the action
// allowlist for the inference collaborator.
func buildPrompt(query string, docs []retrieval.Document, specs []action.Spec) string {
	var b strings.Builder
	b.WriteString("Question:\n")
	b.WriteString(query)
	b.WriteString("\n\nDocuments:\n")
	for i, d := range docs {
		fmt.Fprintf(&b, "%d. locator=%s title=%q author=%q modified=%s confidence=%.2f",
			i+1, d.Locator, d.Title, d.Author, d.LastModified.Format(time.RFC3339), d.Confidence)
		if d.Conflicting {
			fmt.Fprintf(&b, " conflicting=true fact_key=%s stance=%s", d.FactKey, d.Stance)
		}
		b.WriteString("\n")
		b.WriteString(d.Excerpt)
		b.WriteString("\n")
	}
	b.WriteString("\nAllow-listed actions:\n")
	for _, s := range specs {
		fmt.Fprintf(&b, "- %s: %s (risk=%s)\n", s.ID, s.Description, s.Risk)
	}
	return b.String()
}
