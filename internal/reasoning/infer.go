// Package reasoning enforces the single-invocation and token-budget
// constraints around the inference collaborator and validates the produced
// answer against the citation and contradiction policy.
package reasoning

import (
	"context"
	"errors"
	"time"
)

// TimeoutInference bounds a single inference collaborator call,
// independently of the approval timeout.
const TimeoutInference = 60 * time.Second

// Domain errors.
var (
	// ErrContradiction means the answer states a fact directly contradicted
	// by a retrieved document. This is a hard failure of the step.
	ErrContradiction = errors.New("answer contradicts retrieved document")
	// ErrNoChoices means the collaborator returned an empty response.
	ErrNoChoices = errors.New("inference returned no output")
)

// Request is a single inference dispatch. IdempotencyKey is derived from the
// request id and phase so a re-dispatched call can be de-duplicated by the
// collaborator.
type Request struct {
	Prompt          string
	MaxInputTokens  int
	MaxOutputTokens int
	Temperature     float64
	IdempotencyKey  string
}

// TokenUsage is the actual consumption reported by the collaborator, used
// for ledger reconciliation.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Citation ties one asserted fact to one retrieved document.
type Citation struct {
	Locator      string    `json:"locator"`
	Title        string    `json:"title"`
	Author       string    `json:"author"`
	LastModified time.Time `json:"last_modified"`
	Excerpt      string    `json:"excerpt"`
	Confidence   float64   `json:"confidence"`
	SourceType   string    `json:"source_type"`
}

// Fact is a single assertion in the answer together with its supporting
// citations. FactKey and Stance mirror the retrieval collaborator's conflict
// metadata when present, enabling the contradiction cross-reference.
type Fact struct {
	Text      string     `json:"text"`
	FactKey   string     `json:"fact_key,omitempty"`
	Stance    string     `json:"stance,omitempty"`
	Citations []Citation `json:"citations"`
}

// ProposedAction is an action the answer recommends. The orchestrator turns
// each one into an ActionProposal; only allow-listed identifiers survive.
type ProposedAction struct {
	ActionID string         `json:"action_id"`
	Params   map[string]any `json:"params"`
	// Intent is the expected outcome in the requester's terms, carried
	// through approval and verification.
	Intent string `json:"intent"`
}

// Output is the reasoning result attached to the orchestration state.
type Output struct {
	Answer       string           `json:"answer"`
	Facts        []Fact           `json:"facts"`
	Proposals    []ProposedAction `json:"proposals,omitempty"`
	Assumptions  []string         `json:"assumptions,omitempty"`
	Limitations  []string         `json:"limitations,omitempty"`
	TradeOffs    []string         `json:"trade_offs,omitempty"`
	FailureModes []string         `json:"failure_modes,omitempty"`
	Confidence   float64          `json:"confidence"`
	TokenUsage   TokenUsage       `json:"token_usage"`

	Refused      bool   `json:"refused,omitempty"`
	RefusalCause string `json:"refusal_cause,omitempty"`
}

// Citations returns the union of all per-fact citations.
func (o *Output) Citations() []Citation {
	var out []Citation
	for _, f := range o.Facts {
		out = append(out, f.Citations...)
	}
	return out
}

// Inferencer is the inference collaborator contract. Implementations must
// report actual token usage for ledger reconciliation.
type Inferencer interface {
	Infer(ctx context.Context, req *Request) (*Output, error)
}
