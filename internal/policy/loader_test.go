package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearline-io/arbiter/internal/action"
)

const validPolicy = `
version: "1.0"
retrieval:
  min_confidence: 0.7
  quorum: 3
reasoning:
  min_citation_confidence: 0.7
  min_supporting_docs: 2
budgets:
  actions_per_request: 4
approvals:
  approvers: [ops@acme]
  secondary_approvers: [lead@acme]
compliance:
  change_management:
    maintenance_window_start: 22
    maintenance_window_end: 6
actions:
  - id: create_ticket
    description: Open a ticket in the tracker
    risk: low
    reversible: true
    params_schema:
      type: object
      required: [title]
      properties:
        title: {type: string}
        priority: {type: string, enum: [normal, urgent]}
    risk_rules:
      - param: priority
        equals: urgent
        risk: medium
  - id: restart_service
    description: Restart an allow-listed service
    risk: high
    reversible: false
    compliance_class: change_management
`

func writePolicy(t *testing.T, content string) (dir, path string) {
	t.Helper()
	dir = t.TempDir()
	path = filepath.Join(dir, "arbiter.policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return dir, path
}

func TestLoadValidPolicy(t *testing.T) {
	dir, _ := writePolicy(t, validPolicy)

	pol, err := Load(context.Background(), "arbiter.policy.yaml", dir)
	require.NoError(t, err)

	assert.Equal(t, "1.0", pol.Version)
	assert.Equal(t, 3, pol.Retrieval.Quorum)
	assert.Equal(t, 4, pol.Budgets.ActionsPerRequest)
	require.Len(t, pol.Actions, 2)
	assert.Equal(t, action.RiskHigh, pol.Actions[1].Risk)
	assert.Equal(t, "change_management", pol.Actions[1].ComplianceClass)
	assert.Contains(t, pol.VersionTag, "1.0:sha256:")
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir, _ := writePolicy(t, `
version: "1.0"
actions:
  - id: noop
    risk: low
`)
	pol, err := Load(context.Background(), "arbiter.policy.yaml", dir)
	require.NoError(t, err)

	assert.Equal(t, 0.7, pol.Retrieval.MinConfidence)
	assert.Equal(t, 3, pol.Retrieval.Quorum)
	assert.Equal(t, 2, pol.Reasoning.MinSupportingDocs)
	assert.Equal(t, 8, pol.Budgets.ActionsPerRequest)
}

func TestLoadRejectsInvalidRisk(t *testing.T) {
	dir, _ := writePolicy(t, `
version: "1.0"
actions:
  - id: ok_action
    risk: catastrophic
`)
	_, err := Load(context.Background(), "arbiter.policy.yaml", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema validation")
}

func TestLoadRejectsMissingVersion(t *testing.T) {
	dir, _ := writePolicy(t, `
actions:
  - id: ok_action
    risk: low
`)
	_, err := Load(context.Background(), "arbiter.policy.yaml", dir)
	require.Error(t, err)
}

func TestLoadRejectsPathTraversal(t *testing.T) {
	dir, _ := writePolicy(t, validPolicy)

	_, err := Load(context.Background(), "../outside.yaml", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside base directory")
}

func TestRegistryFromPolicyActions(t *testing.T) {
	dir, _ := writePolicy(t, validPolicy)
	pol, err := Load(context.Background(), "arbiter.policy.yaml", dir)
	require.NoError(t, err)

	reg, err := action.NewRegistry(pol.Actions)
	require.NoError(t, err)

	risk, err := reg.Classify("create_ticket", map[string]any{"title": "x", "priority": "urgent"})
	require.NoError(t, err)
	assert.Equal(t, action.RiskMedium, risk)
}
