package reasoning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/clearline-io/arbiter/internal/ledger"
	arbotel "github.com/clearline-io/arbiter/internal/otel"
	"github.com/clearline-io/arbiter/internal/retrieval"
)

var tracer = arbotel.Tracer("github.com/clearline-io/arbiter/internal/reasoning")

// Refusal causes produced by the gate. Budget refusals reuse the ledger's
// cause so the orchestrator logs the specific rule violated.
const (
	CauseInsufficientEvidence = "insufficient_evidence"
	CauseBudgetExceeded       = "budget_exceeded"
)

const refusalAnswer = "Insufficient evidence: the retrieved sources do not support a confident answer."

// Dispatch retry bounds. Only the collaborator call retries; the budget
// reservation happens once, before the first attempt.
const (
	maxDispatchRetries  = 2
	dispatchBackoffBase = 500 * time.Millisecond
)

// Policy holds the gate's citation thresholds.
type Policy struct {
	MinCitationConfidence float64 // per-citation floor (default 0.7)
	MinSupportingDocs     int     // distinct documents per fact (default 2)
}

// DefaultPolicy returns the standard citation thresholds.
func DefaultPolicy() Policy {
	return Policy{MinCitationConfidence: 0.7, MinSupportingDocs: 2}
}

// Gate dispatches at most one inference per request and validates the
// result before it reaches the caller.
type Gate struct {
	inferencer Inferencer
	ledger     *ledger.Ledger
	policy     Policy
}

// NewGate creates a reasoning gate.
func NewGate(inferencer Inferencer, l *ledger.Ledger, policy Policy) *Gate {
	return &Gate{inferencer: inferencer, ledger: l, policy: policy}
}

// Evaluate runs the guarded inference for requestID over the retained
// documents. The returned Output is either validated content or an explicit
// refusal; an error means the step failed hard (collaborator error,
// contradiction) and the orchestrator moves the request to FAILED.
//
// Budget exhaustion is a policy refusal, not an error: a second invocation
// attempt returns a refused Output with cause budget_exceeded.
func (g *Gate) Evaluate(ctx context.Context, requestID, prompt string, docs []retrieval.Document) (*Output, error) {
	ctx, span := tracer.Start(ctx, "reasoning.evaluate",
		trace.WithAttributes(attribute.String("request_id", requestID)))
	defer span.End()

	limits := g.ledger.Limits()
	inputTokens := EstimateTokens(prompt)
	if err := g.ledger.CheckTokens(inputTokens, limits.MaxOutputTokens); err != nil {
		// Over-ceiling requests are rejected pre-dispatch, never truncated.
		span.SetAttributes(attribute.String("reasoning.refusal", CauseBudgetExceeded))
		return refusal(CauseBudgetExceeded, err.Error()), nil
	}

	if err := g.ledger.ReserveInference(ctx, requestID); err != nil {
		if errors.Is(err, ledger.ErrBudgetExceeded) {
			span.SetAttributes(attribute.String("reasoning.refusal", CauseBudgetExceeded))
			return refusal(CauseBudgetExceeded, err.Error()), nil
		}
		return nil, err
	}

	// Transient dispatch failures retry under the reservation already held,
	// re-sending the same idempotency key. The invocation ceiling therefore
	// holds even across retries.
	var out *Output
	backoff := retry.WithMaxRetries(maxDispatchRetries, retry.NewExponential(dispatchBackoffBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, TimeoutInference)
		defer cancel()

		var callErr error
		out, callErr = g.inferencer.Infer(callCtx, &Request{
			Prompt:          prompt,
			MaxInputTokens:  limits.MaxInputTokens,
			MaxOutputTokens: limits.MaxOutputTokens,
			Temperature:     0,
			IdempotencyKey:  requestID + ":reason",
		})
		if callErr != nil && !errors.Is(callErr, ErrNoChoices) {
			return retry.RetryableError(callErr)
		}
		return callErr
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("inference call: %w", err)
	}

	if err := g.ledger.ReconcileUsage(ctx, requestID, out.TokenUsage.Input, out.TokenUsage.Output); err != nil {
		return nil, err
	}
	span.SetAttributes(arbotel.InferenceUsageAttributes(out.TokenUsage.Input, out.TokenUsage.Output)...)

	if err := checkContradictions(out, docs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if cause, ok := g.validateCitations(out, docs); !ok {
		span.SetAttributes(attribute.String("reasoning.refusal", cause))
		rewritten := refusal(cause, "")
		rewritten.TokenUsage = out.TokenUsage
		return rewritten, nil
	}

	return out, nil
}

func refusal(cause, detail string) *Output {
	answer := refusalAnswer
	if cause == CauseBudgetExceeded {
		answer = "Request refused: the configured model budget for this request is exhausted."
	}
	o := &Output{Answer: answer, Refused: true, RefusalCause: cause}
	if detail != "" {
		o.Limitations = []string{detail}
	}
	return o
}

// validateCitations enforces the citation invariant: every asserted fact has
// at least one citation with confidence at or above the floor, supported by
// the configured number of distinct retrieved documents. An output with no
// facts (and therefore zero citations) is invalid and rewritten too.
func (g *Gate) validateCitations(out *Output, docs []retrieval.Document) (cause string, ok bool) {
	if len(out.Facts) == 0 {
		return CauseInsufficientEvidence, false
	}

	retrieved := make(map[string]bool, len(docs))
	for _, d := range docs {
		retrieved[d.Locator] = true
	}

	for _, f := range out.Facts {
		if len(f.Citations) == 0 {
			return CauseInsufficientEvidence, false
		}
		confident := false
		supporting := make(map[string]bool)
		for _, c := range f.Citations {
			if !retrieved[c.Locator] {
				// A citation to a document that was never retrieved does
				// not count as support.
				continue
			}
			supporting[c.Locator] = true
			if c.Confidence >= g.policy.MinCitationConfidence {
				confident = true
			}
		}
		if !confident || len(supporting) < g.policy.MinSupportingDocs {
			return CauseInsufficientEvidence, false
		}
	}
	return "", true
}

// checkContradictions cross-references asserted facts with the retrieval
// conflict metadata. A fact taking a stance no retrieved document supports,
// while a document with the same fact key takes a different stance, is
// directly contradicted — a hard failure, not a warning.
func checkContradictions(out *Output, docs []retrieval.Document) error {
	byKey := make(map[string]map[string]bool)
	for _, d := range docs {
		if d.FactKey == "" {
			continue
		}
		if byKey[d.FactKey] == nil {
			byKey[d.FactKey] = make(map[string]bool)
		}
		byKey[d.FactKey][d.Stance] = true
	}

	for _, f := range out.Facts {
		if f.FactKey == "" || f.Stance == "" {
			continue
		}
		stances, seen := byKey[f.FactKey]
		if !seen {
			continue
		}
		if !stances[f.Stance] {
			return fmt.Errorf("%w: fact %q takes stance %q, retrieved documents hold %s",
				ErrContradiction, f.FactKey, f.Stance, joinStances(stances))
		}
	}
	return nil
}

func joinStances(stances map[string]bool) string {
	var out []string
	for s := range stances {
		out = append(out, fmt.Sprintf("%q", s))
	}
	return strings.Join(out, ", ")
}

// EstimateTokens approximates the token count of a prompt for the
// pre-dispatch ceiling check (≈4 characters per token).
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}
