// Package policy loads and validates the orchestration policy document
// (arbiter.policy.yaml): gate thresholds, budget ceilings, the approval
// roster, compliance data, and the closed action allowlist.
//
// Unlike operator config (internal/config), the policy document is hashed
// and its version tag recorded with every audit entry it influences, so a
// decision can always be traced to the exact policy text that produced it.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/clearline-io/arbiter/internal/action"
)

// Policy is the parsed orchestration policy document.
type Policy struct {
	Version string `yaml:"version"`

	Retrieval struct {
		MinConfidence float64 `yaml:"min_confidence"`
		Quorum        int     `yaml:"quorum"`
	} `yaml:"retrieval"`

	Reasoning struct {
		MinCitationConfidence float64 `yaml:"min_citation_confidence"`
		MinSupportingDocs     int     `yaml:"min_supporting_docs"`
	} `yaml:"reasoning"`

	Budgets struct {
		ActionsPerRequest    int   `yaml:"actions_per_request"`
		AggregateInvocations int64 `yaml:"aggregate_invocations"`
	} `yaml:"budgets"`

	Approvals struct {
		Approvers          []string `yaml:"approvers"`
		SecondaryApprovers []string `yaml:"secondary_approvers"`
		NotifyWebhook      string   `yaml:"notify_webhook"`
	} `yaml:"approvals"`

	// Compliance carries per-class data for the verification predicates
	// (e.g. maintenance windows, replica floors), keyed by compliance class.
	Compliance map[string]map[string]any `yaml:"compliance,omitempty"`

	Actions []action.Spec `yaml:"actions"`

	Hash       string `yaml:"-"`
	VersionTag string `yaml:"-"`
}

// ComputeHash generates the SHA-256 hash of the policy content and sets the
// VersionTag to "{version}:sha256:{first8chars}".
func (p *Policy) ComputeHash(content []byte) {
	hash := sha256.Sum256(content)
	p.Hash = hex.EncodeToString(hash[:])
	p.VersionTag = fmt.Sprintf("%s:sha256:%s", p.Version, p.Hash[:8])
}

// applyDefaults fills in the standard thresholds for optional fields.
func applyDefaults(p *Policy) {
	if p.Retrieval.MinConfidence == 0 {
		p.Retrieval.MinConfidence = 0.7
	}
	if p.Retrieval.Quorum == 0 {
		p.Retrieval.Quorum = 3
	}
	if p.Reasoning.MinCitationConfidence == 0 {
		p.Reasoning.MinCitationConfidence = 0.7
	}
	if p.Reasoning.MinSupportingDocs == 0 {
		p.Reasoning.MinSupportingDocs = 2
	}
	if p.Budgets.ActionsPerRequest == 0 {
		p.Budgets.ActionsPerRequest = 8
	}
}
