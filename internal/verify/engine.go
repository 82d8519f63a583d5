package verify

import (
	"context"
	"embed"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
)

//go:embed rego/*.rego
var embeddedPredicates embed.FS

// Compliance classes an action spec may declare. Each maps to an embedded
// Rego module whose deny set holds the post-execution predicates.
const (
	ClassDataWrite             = "data_write"
	ClassExternalCommunication = "external_communication"
	ClassDestructive           = "destructive"
)

type regoPredicate struct {
	file  string
	query string
}

var predicatesByClass = map[string]regoPredicate{
	ClassDataWrite:             {file: "rego/data_write.rego", query: "data.arbiter.verify.data_write.deny"},
	ClassExternalCommunication: {file: "rego/external_communication.rego", query: "data.arbiter.verify.external_communication.deny"},
	ClassDestructive:           {file: "rego/destructive.rego", query: "data.arbiter.verify.destructive.deny"},
}

// KnownClass reports whether class names an embedded predicate module.
func KnownClass(class string) bool {
	_, ok := predicatesByClass[class]
	return ok
}

// Engine evaluates post-execution compliance predicates with embedded OPA.
// Queries are prepared once at construction.
type Engine struct {
	prepared map[string]rego.PreparedEvalQuery
}

// NewEngine precompiles every embedded predicate module.
func NewEngine(ctx context.Context) (*Engine, error) {
	prepared := make(map[string]rego.PreparedEvalQuery, len(predicatesByClass))
	for class, p := range predicatesByClass {
		content, err := embeddedPredicates.ReadFile(p.file)
		if err != nil {
			return nil, fmt.Errorf("reading embedded predicate %s: %w", p.file, err)
		}
		r := rego.New(
			rego.Query(p.query),
			rego.Module(p.file, string(content)),
			rego.Store(inmem.New()),
		)
		pq, err := r.PrepareForEval(ctx)
		if err != nil {
			return nil, fmt.Errorf("preparing predicate %s: %w", p.file, err)
		}
		prepared[class] = pq
	}
	return &Engine{prepared: prepared}, nil
}

// Check evaluates the predicates for one compliance class against the
// execution input. An empty class means the action declared no predicates
// and always passes. Returned strings are deny reasons; empty means the
// predicates hold.
func (e *Engine) Check(ctx context.Context, class string, input map[string]any) ([]string, error) {
	if class == "" {
		return nil, nil
	}
	pq, ok := e.prepared[class]
	if !ok {
		return nil, fmt.Errorf("unknown compliance class %q", class)
	}
	results, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluating compliance class %s: %w", class, err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}
	var reasons []string
	switch v := results[0].Expressions[0].Value.(type) {
	case []interface{}:
		for _, msg := range v {
			if s, ok := msg.(string); ok {
				reasons = append(reasons, s)
			}
		}
	case map[string]interface{}:
		for _, msg := range v {
			if s, ok := msg.(string); ok {
				reasons = append(reasons, s)
			}
		}
	}
	return reasons, nil
}
