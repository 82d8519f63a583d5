// Package action defines the closed, allow-listed action set and the action
// executor collaborator contract.
//
// The allowlist is a closed set of specs selected by identifier lookup —
// not open-ended dispatch — each carrying its own JSON Schema for
// parameters, a reversibility flag, and risk classification inputs. Specs
// come from the orchestration policy document, so the allowlist is
// enforceable at config time.
package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// RiskLevel classifies an action's blast radius.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// rank orders risk levels for escalation comparisons.
func (r RiskLevel) rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	default:
		return -1
	}
}

// Valid reports whether r is one of the three known levels.
func (r RiskLevel) Valid() bool {
	return r.rank() >= 0
}

// Domain errors.
var (
	// ErrNotAllowlisted is a policy refusal: the action identifier is not in
	// the closed allowlist.
	ErrNotAllowlisted = errors.New("action_not_allowlisted")
	// ErrInvalidParams means the parameters fail the action's schema.
	ErrInvalidParams = errors.New("action parameters invalid")
)

// RiskRule escalates an action's risk when a parameter equals a value.
// Rules only ever raise risk, never lower it.
type RiskRule struct {
	Param  string    `yaml:"param" json:"param"`
	Equals any       `yaml:"equals" json:"equals"`
	Risk   RiskLevel `yaml:"risk" json:"risk"`
}

// Spec is one allow-listed action variant.
type Spec struct {
	ID           string         `yaml:"id" json:"id"`
	Description  string         `yaml:"description" json:"description"`
	Risk         RiskLevel      `yaml:"risk" json:"risk"`
	Reversible   bool           `yaml:"reversible" json:"reversible"`
	ParamsSchema map[string]any `yaml:"params_schema" json:"params_schema"`
	RiskRules    []RiskRule     `yaml:"risk_rules,omitempty" json:"risk_rules,omitempty"`
	// ComplianceClass selects the verification predicates applied after
	// execution (see internal/verify).
	ComplianceClass string `yaml:"compliance_class,omitempty" json:"compliance_class,omitempty"`
}

// Registry holds the compiled allowlist. Read-only after construction;
// safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	specs   map[string]Spec
	schemas map[string]*gojsonschema.Schema
}

// NewRegistry compiles the given specs. Every spec must carry a valid base
// risk and a compilable parameter schema.
func NewRegistry(specs []Spec) (*Registry, error) {
	r := &Registry{
		specs:   make(map[string]Spec, len(specs)),
		schemas: make(map[string]*gojsonschema.Schema, len(specs)),
	}
	for _, s := range specs {
		if s.ID == "" {
			return nil, fmt.Errorf("action spec missing id")
		}
		if !s.Risk.Valid() {
			return nil, fmt.Errorf("action %s: invalid risk %q", s.ID, s.Risk)
		}
		for _, rule := range s.RiskRules {
			if !rule.Risk.Valid() {
				return nil, fmt.Errorf("action %s: risk rule on %q has invalid risk %q", s.ID, rule.Param, rule.Risk)
			}
		}
		if _, dup := r.specs[s.ID]; dup {
			return nil, fmt.Errorf("duplicate action id %s", s.ID)
		}

		schemaDoc := s.ParamsSchema
		if schemaDoc == nil {
			schemaDoc = map[string]any{"type": "object"}
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaDoc))
		if err != nil {
			return nil, fmt.Errorf("action %s: compiling params schema: %w", s.ID, err)
		}
		r.specs[s.ID] = s
		r.schemas[s.ID] = schema
	}
	return r, nil
}

// Get returns the spec for an action identifier.
func (r *Registry) Get(actionID string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[actionID]
	return s, ok
}

// List returns all allow-listed specs.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	return out
}

// Validate checks that actionID is allow-listed and params satisfy its
// schema. Unknown actions are a policy refusal (ErrNotAllowlisted).
func (r *Registry) Validate(actionID string, params map[string]any) (Spec, error) {
	r.mu.RLock()
	spec, ok := r.specs[actionID]
	schema := r.schemas[actionID]
	r.mu.RUnlock()

	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrNotAllowlisted, actionID)
	}

	if params == nil {
		params = map[string]any{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return Spec{}, fmt.Errorf("validating params for %s: %w", actionID, err)
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return Spec{}, fmt.Errorf("%w: %s: %s", ErrInvalidParams, actionID, strings.Join(msgs, "; "))
	}
	return spec, nil
}

// Classify computes the risk level for an action identifier and parameter
// set. It is a pure function: base risk from the spec, escalated by any
// matching risk rule. Rules never lower risk.
func (r *Registry) Classify(actionID string, params map[string]any) (RiskLevel, error) {
	spec, ok := r.Get(actionID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotAllowlisted, actionID)
	}
	risk := spec.Risk
	for _, rule := range spec.RiskRules {
		v, present := params[rule.Param]
		if !present {
			continue
		}
		if equalParam(v, rule.Equals) && rule.Risk.rank() > risk.rank() {
			risk = rule.Risk
		}
	}
	return risk, nil
}

// equalParam compares a parameter value with a rule value across the JSON
// and YAML decodings both sides may arrive in (e.g. int vs float64).
func equalParam(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
