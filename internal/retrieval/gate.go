// Package retrieval evaluates a retrieval collaborator's result set against
// confidence and quorum policy before the Reason phase is allowed to run.
//
// The gate never talks to a concrete index — it consumes the Searcher
// collaborator contract and applies policy: permission-scope filtering,
// composite ranking, the evidence quorum, and conflict tagging. Confidence
// is an opaque normalized [0,1] score from whatever collaborator is wired
// in; no scoring algorithm is assumed.
package retrieval

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	arbotel "github.com/clearline-io/arbiter/internal/otel"
)

var tracer = arbotel.Tracer("github.com/clearline-io/arbiter/internal/retrieval")

// CauseInsufficientEvidence is the refusal cause when the quorum fails.
const CauseInsufficientEvidence = "insufficient_evidence"

// Document is a read-only external artifact referenced by a retrieval
// result. FactKey and Stance are optional collaborator-supplied metadata
// used for conflict detection; collaborators that cannot supply them leave
// both empty and conflict tagging is skipped.
type Document struct {
	Locator      string    `json:"locator"`
	Title        string    `json:"title"`
	Excerpt      string    `json:"excerpt"`
	Author       string    `json:"author"`
	LastModified time.Time `json:"last_modified"`
	SourceType   string    `json:"source_type"`
	Confidence   float64   `json:"confidence"`

	FactKey     string `json:"fact_key,omitempty"`
	Stance      string `json:"stance,omitempty"`
	Conflicting bool   `json:"conflicting,omitempty"`
}

// Searcher is the retrieval collaborator contract. Implementations must
// never return content outside the permission scope; the gate filters again
// as defense in depth.
type Searcher interface {
	Search(ctx context.Context, query string, scope []string) ([]Document, error)
}

// Policy holds the gate's thresholds.
type Policy struct {
	MinConfidence float64 // per-document confidence floor (default 0.7)
	Quorum        int     // qualified documents required to proceed (default 3)
}

// DefaultPolicy returns the standard evidence quorum.
func DefaultPolicy() Policy {
	return Policy{MinConfidence: 0.7, Quorum: 3}
}

// Result is the gate's output. A refused result carries no error — refusal
// is a policy outcome, and the orchestrator maps it to DENIED.
type Result struct {
	Documents    []Document `json:"documents"`
	Qualified    int        `json:"qualified"`
	Refused      bool       `json:"refused"`
	RefusalCause string     `json:"refusal_cause,omitempty"`
}

// Gate applies retrieval policy on top of a Searcher.
type Gate struct {
	searcher Searcher
	policy   Policy
}

// NewGate creates a retrieval gate.
func NewGate(searcher Searcher, policy Policy) *Gate {
	return &Gate{searcher: searcher, policy: policy}
}

// Evaluate runs the search and applies scope filtering, ranking, the
// evidence quorum, and conflict tagging. An error means the collaborator
// failed; a refused Result means policy said no.
func (g *Gate) Evaluate(ctx context.Context, query string, scope []string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "retrieval.evaluate",
		trace.WithAttributes(attribute.Int("retrieval.scope_size", len(scope))))
	defer span.End()

	docs, err := g.searcher.Search(ctx, query, scope)
	if err != nil {
		return nil, err
	}

	docs = filterScope(docs, scope)
	rank(docs)
	tagConflicts(docs)

	qualified := 0
	for _, d := range docs {
		if d.Confidence >= g.policy.MinConfidence {
			qualified++
		}
	}

	res := &Result{Documents: docs, Qualified: qualified}
	if qualified < g.policy.Quorum {
		res.Refused = true
		res.RefusalCause = CauseInsufficientEvidence
	}

	span.SetAttributes(
		attribute.Int("retrieval.documents", len(docs)),
		attribute.Int("retrieval.qualified", qualified),
		attribute.Bool("retrieval.refused", res.Refused),
	)
	return res, nil
}

// filterScope discards documents whose source type is outside the
// requester's authorized scope. An empty scope authorizes nothing.
func filterScope(docs []Document, scope []string) []Document {
	allowed := make(map[string]bool, len(scope))
	for _, s := range scope {
		allowed[s] = true
	}
	kept := docs[:0]
	for _, d := range docs {
		if allowed[d.SourceType] {
			kept = append(kept, d)
		}
	}
	return kept
}

// rank orders documents by confidence descending; more recent documents win
// ties, and the locator breaks exact ties deterministically.
func rank(docs []Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].Confidence != docs[j].Confidence {
			return docs[i].Confidence > docs[j].Confidence
		}
		if !docs[i].LastModified.Equal(docs[j].LastModified) {
			return docs[i].LastModified.After(docs[j].LastModified)
		}
		return docs[i].Locator < docs[j].Locator
	})
}

// tagConflicts marks every document in a fact-key group as conflicting when
// the group contains more than one stance. The gate does not resolve the
// conflict; all conflicting documents pass through for the reasoning gate
// to surface as options.
func tagConflicts(docs []Document) {
	stances := make(map[string]map[string]bool)
	for _, d := range docs {
		if d.FactKey == "" {
			continue
		}
		if stances[d.FactKey] == nil {
			stances[d.FactKey] = make(map[string]bool)
		}
		stances[d.FactKey][d.Stance] = true
	}
	for i := range docs {
		if k := docs[i].FactKey; k != "" && len(stances[k]) > 1 {
			docs[i].Conflicting = true
		}
	}
}
