package reasoning

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearline-io/arbiter/internal/ledger"
	"github.com/clearline-io/arbiter/internal/retrieval"
)

type stubInferencer struct {
	out   *Output
	err   error
	calls int
}

func (s *stubInferencer) Infer(_ context.Context, _ *Request) (*Output, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	// Copy so gate mutations never leak between tests.
	out := *s.out
	return &out, nil
}

func newTestLedger(t *testing.T, limits ledger.Limits) *ledger.Ledger {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	l, err := ledger.New(db, limits)
	require.NoError(t, err)
	return l
}

func retrievedDocs() []retrieval.Document {
	return []retrieval.Document{
		{Locator: "wiki/a", SourceType: "wiki", Confidence: 0.9, LastModified: time.Now()},
		{Locator: "wiki/b", SourceType: "wiki", Confidence: 0.8, LastModified: time.Now()},
		{Locator: "wiki/c", SourceType: "wiki", Confidence: 0.75, LastModified: time.Now()},
	}
}

func validOutput() *Output {
	return &Output{
		Answer: "The deadline is March 31.",
		Facts: []Fact{{
			Text: "The deadline is March 31.",
			Citations: []Citation{
				{Locator: "wiki/a", Confidence: 0.9},
				{Locator: "wiki/b", Confidence: 0.8},
			},
		}},
		Confidence: 0.85,
		TokenUsage: TokenUsage{Input: 900, Output: 120},
	}
}

func TestEvaluateAcceptsValidOutput(t *testing.T) {
	inf := &stubInferencer{out: validOutput()}
	g := NewGate(inf, newTestLedger(t, ledger.DefaultLimits(8192, 2048)), DefaultPolicy())

	out, err := g.Evaluate(context.Background(), "req_1", "what is the deadline?", retrievedDocs())
	require.NoError(t, err)
	assert.False(t, out.Refused)
	assert.Equal(t, 1, inf.calls)
}

func TestEvaluateSecondInvocationFailsClosed(t *testing.T) {
	inf := &stubInferencer{out: validOutput()}
	l := newTestLedger(t, ledger.DefaultLimits(8192, 2048))
	g := NewGate(inf, l, DefaultPolicy())
	ctx := context.Background()

	_, err := g.Evaluate(ctx, "req_1", "q", retrievedDocs())
	require.NoError(t, err)

	out, err := g.Evaluate(ctx, "req_1", "q", retrievedDocs())
	require.NoError(t, err)
	assert.True(t, out.Refused)
	assert.Equal(t, CauseBudgetExceeded, out.RefusalCause)
	assert.Equal(t, 1, inf.calls, "collaborator must not be invoked twice")
}

func TestEvaluateRejectsOversizedPromptPreDispatch(t *testing.T) {
	inf := &stubInferencer{out: validOutput()}
	l := newTestLedger(t, ledger.DefaultLimits(10, 2048))
	g := NewGate(inf, l, DefaultPolicy())

	out, err := g.Evaluate(context.Background(), "req_1",
		"this prompt is comfortably longer than forty characters of input",
		retrievedDocs())
	require.NoError(t, err)
	assert.True(t, out.Refused)
	assert.Equal(t, CauseBudgetExceeded, out.RefusalCause)
	assert.Zero(t, inf.calls, "over-ceiling prompts are rejected, not truncated")
}

func TestEvaluateRewritesUncitedFacts(t *testing.T) {
	out := validOutput()
	out.Facts = append(out.Facts, Fact{Text: "An uncited assertion."})
	inf := &stubInferencer{out: out}
	g := NewGate(inf, newTestLedger(t, ledger.DefaultLimits(8192, 2048)), DefaultPolicy())

	got, err := g.Evaluate(context.Background(), "req_1", "q", retrievedDocs())
	require.NoError(t, err)
	assert.True(t, got.Refused)
	assert.Equal(t, CauseInsufficientEvidence, got.RefusalCause)
	assert.NotContains(t, got.Answer, "uncited", "content must not be forwarded")
}

func TestEvaluateRewritesZeroFactOutput(t *testing.T) {
	inf := &stubInferencer{out: &Output{Answer: "something unsupported"}}
	g := NewGate(inf, newTestLedger(t, ledger.DefaultLimits(8192, 2048)), DefaultPolicy())

	got, err := g.Evaluate(context.Background(), "req_1", "q", retrievedDocs())
	require.NoError(t, err)
	assert.True(t, got.Refused)
	assert.Equal(t, CauseInsufficientEvidence, got.RefusalCause)
}

func TestEvaluateRequiresTwoSupportingDocuments(t *testing.T) {
	out := validOutput()
	out.Facts[0].Citations = out.Facts[0].Citations[:1]
	inf := &stubInferencer{out: out}
	g := NewGate(inf, newTestLedger(t, ledger.DefaultLimits(8192, 2048)), DefaultPolicy())

	got, err := g.Evaluate(context.Background(), "req_1", "q", retrievedDocs())
	require.NoError(t, err)
	assert.True(t, got.Refused)
	assert.Equal(t, CauseInsufficientEvidence, got.RefusalCause)
}

func TestEvaluateRequiresConfidentCitation(t *testing.T) {
	out := validOutput()
	out.Facts[0].Citations = []Citation{
		{Locator: "wiki/a", Confidence: 0.6},
		{Locator: "wiki/b", Confidence: 0.65},
	}
	inf := &stubInferencer{out: out}
	g := NewGate(inf, newTestLedger(t, ledger.DefaultLimits(8192, 2048)), DefaultPolicy())

	got, err := g.Evaluate(context.Background(), "req_1", "q", retrievedDocs())
	require.NoError(t, err)
	assert.True(t, got.Refused)
}

func TestEvaluateIgnoresCitationsToUnretrievedDocuments(t *testing.T) {
	out := validOutput()
	out.Facts[0].Citations = []Citation{
		{Locator: "wiki/a", Confidence: 0.9},
		{Locator: "fabricated/doc", Confidence: 0.95},
	}
	inf := &stubInferencer{out: out}
	g := NewGate(inf, newTestLedger(t, ledger.DefaultLimits(8192, 2048)), DefaultPolicy())

	got, err := g.Evaluate(context.Background(), "req_1", "q", retrievedDocs())
	require.NoError(t, err)
	assert.True(t, got.Refused, "a fabricated citation must not count as support")
}

func TestEvaluateContradictionIsHardFailure(t *testing.T) {
	docs := retrievedDocs()
	docs[0].FactKey, docs[0].Stance = "q3-deadline", "march"
	docs[1].FactKey, docs[1].Stance = "q3-deadline", "march"

	out := validOutput()
	out.Facts[0].FactKey, out.Facts[0].Stance = "q3-deadline", "april"

	inf := &stubInferencer{out: out}
	g := NewGate(inf, newTestLedger(t, ledger.DefaultLimits(8192, 2048)), DefaultPolicy())

	_, err := g.Evaluate(context.Background(), "req_1", "q", docs)
	require.ErrorIs(t, err, ErrContradiction)
}

func TestEvaluateSupportedStanceAmongConflictsPasses(t *testing.T) {
	docs := retrievedDocs()
	docs[0].FactKey, docs[0].Stance = "q3-deadline", "march"
	docs[1].FactKey, docs[1].Stance = "q3-deadline", "april"

	out := validOutput()
	out.Facts[0].FactKey, out.Facts[0].Stance = "q3-deadline", "march"

	inf := &stubInferencer{out: out}
	g := NewGate(inf, newTestLedger(t, ledger.DefaultLimits(8192, 2048)), DefaultPolicy())

	got, err := g.Evaluate(context.Background(), "req_1", "q", docs)
	require.NoError(t, err)
	assert.False(t, got.Refused)
}

func TestEvaluateCollaboratorError(t *testing.T) {
	inf := &stubInferencer{err: errors.New("backend unavailable")}
	g := NewGate(inf, newTestLedger(t, ledger.DefaultLimits(8192, 2048)), DefaultPolicy())

	_, err := g.Evaluate(context.Background(), "req_1", "q", retrievedDocs())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inference call")
}

func TestEvaluateReconcilesUsage(t *testing.T) {
	inf := &stubInferencer{out: validOutput()}
	l := newTestLedger(t, ledger.DefaultLimits(8192, 2048))
	g := NewGate(inf, l, DefaultPolicy())
	ctx := context.Background()

	_, err := g.Evaluate(ctx, "req_1", "q", retrievedDocs())
	require.NoError(t, err)

	u, err := l.Usage(ctx, "req_1")
	require.NoError(t, err)
	assert.Equal(t, 900, u.InputTokens)
	assert.Equal(t, 120, u.OutputTokens)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 2, EstimateTokens("abcdefg"))
}
