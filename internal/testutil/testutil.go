// Package testutil provides shared fixtures and mock collaborators for
// tests.
package testutil

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/clearline-io/arbiter/internal/action"
	"github.com/clearline-io/arbiter/internal/audit"
	"github.com/clearline-io/arbiter/internal/notify"
	"github.com/clearline-io/arbiter/internal/reasoning"
	"github.com/clearline-io/arbiter/internal/retrieval"
)

// TestSigningKey is HMAC key material for tests only.
const TestSigningKey = "test-signing-key-0123456789abcdef01234567"

// NewTestTrail creates an audit trail in a temp dir and registers cleanup.
func NewTestTrail(t *testing.T) *audit.Trail {
	t.Helper()
	trail, err := audit.NewTrail(filepath.Join(t.TempDir(), "audit.db"), TestSigningKey)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { trail.Close() })
	return trail
}

// QualifiedDocs returns three documents that pass the default retrieval
// policy.
func QualifiedDocs() []retrieval.Document {
	now := time.Now().UTC()
	return []retrieval.Document{
		{Locator: "kb://doc/1", Title: "Ownership record", Confidence: 0.9, LastModified: now},
		{Locator: "kb://doc/2", Title: "Registry extract", Confidence: 0.85, LastModified: now},
		{Locator: "kb://doc/3", Title: "Change log", Confidence: 0.8, LastModified: now},
	}
}

// GroundedOutput returns a reasoning output whose single fact passes the
// default citation policy against QualifiedDocs.
func GroundedOutput(proposals ...reasoning.ProposedAction) *reasoning.Output {
	return &reasoning.Output{
		Answer: "The record's owner is team A per the registry extract.",
		Facts: []reasoning.Fact{{
			Text: "Record r-42 is owned by team A.",
			Citations: []reasoning.Citation{
				{Locator: "kb://doc/1", Confidence: 0.9},
				{Locator: "kb://doc/2", Confidence: 0.85},
			},
		}},
		Proposals:  proposals,
		Confidence: 0.88,
		TokenUsage: reasoning.TokenUsage{Input: 120, Output: 60},
	}
}

// StubSearcher returns canned documents or a canned error.
type StubSearcher struct {
	Docs []retrieval.Document
	Err  error
}

func (s *StubSearcher) Search(context.Context, string, []string) ([]retrieval.Document, error) {
	return s.Docs, s.Err
}

// StubInferencer returns a copy of a canned output and counts calls.
type StubInferencer struct {
	mu    sync.Mutex
	Out   *reasoning.Output
	Err   error
	calls int
}

func (i *StubInferencer) Infer(context.Context, *reasoning.Request) (*reasoning.Output, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls++
	if i.Err != nil {
		return nil, i.Err
	}
	out := *i.Out
	return &out, nil
}

// Calls returns how many times Infer ran.
func (i *StubInferencer) Calls() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.calls
}

// StubExecutor records executions and rollbacks.
type StubExecutor struct {
	mu        sync.Mutex
	Status    action.Status
	Details   map[string]any
	Err       error
	Execs     []map[string]any
	Rollbacks []string
}

func (e *StubExecutor) Execute(_ context.Context, _ string, params map[string]any, _ string) (*action.Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Err != nil {
		return nil, e.Err
	}
	e.Execs = append(e.Execs, params)
	status := e.Status
	if status == "" {
		status = action.StatusSuccess
	}
	return &action.Outcome{Status: status, ExecutionID: "exec_1", Details: e.Details}, nil
}

func (e *StubExecutor) Rollback(_ context.Context, executionID string) (*action.Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Rollbacks = append(e.Rollbacks, executionID)
	return &action.Outcome{Status: action.StatusSuccess, ExecutionID: executionID}, nil
}

// StubNotifier records notifications.
type StubNotifier struct {
	mu    sync.Mutex
	Calls []notify.CaseSummary
}

func (n *StubNotifier) Notify(_ context.Context, _ []string, summary notify.CaseSummary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Calls = append(n.Calls, summary)
	return nil
}

// ByKind returns recorded notifications of one kind.
func (n *StubNotifier) ByKind(kind notify.Kind) []notify.CaseSummary {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.CaseSummary
	for _, c := range n.Calls {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}
