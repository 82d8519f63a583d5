package ledger

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T, limits Limits) *Ledger {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	l, err := New(db, limits)
	require.NoError(t, err)
	return l
}

func TestReserveInferenceSingleInvocation(t *testing.T) {
	l := newTestLedger(t, DefaultLimits(8192, 2048))
	ctx := context.Background()

	require.NoError(t, l.ReserveInference(ctx, "req_1"))

	err := l.ReserveInference(ctx, "req_1")
	require.ErrorIs(t, err, ErrBudgetExceeded)

	// A different request is unaffected.
	require.NoError(t, l.ReserveInference(ctx, "req_2"))
}

func TestReserveInferenceConcurrent(t *testing.T) {
	l := newTestLedger(t, DefaultLimits(8192, 2048))
	ctx := context.Background()

	var granted int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.ReserveInference(ctx, "req_contended"); err == nil {
				atomic.AddInt64(&granted, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), granted)
}

func TestAggregateInvocationCeiling(t *testing.T) {
	limits := DefaultLimits(8192, 2048)
	limits.AggregateInvocations = 2
	l := newTestLedger(t, limits)
	ctx := context.Background()

	require.NoError(t, l.ReserveInference(ctx, "req_1"))
	require.NoError(t, l.ReserveInference(ctx, "req_2"))

	err := l.ReserveInference(ctx, "req_3")
	require.ErrorIs(t, err, ErrBudgetExceeded)
	assert.Contains(t, err.Error(), "aggregate")
}

func TestCheckTokens(t *testing.T) {
	l := newTestLedger(t, DefaultLimits(100, 50))

	require.NoError(t, l.CheckTokens(100, 50))
	require.ErrorIs(t, l.CheckTokens(101, 50), ErrTokenCeiling)
	require.ErrorIs(t, l.CheckTokens(100, 51), ErrTokenCeiling)
}

func TestReconcileUsage(t *testing.T) {
	l := newTestLedger(t, DefaultLimits(8192, 2048))
	ctx := context.Background()

	require.NoError(t, l.ReserveInference(ctx, "req_1"))
	require.NoError(t, l.ReconcileUsage(ctx, "req_1", 1200, 340))

	u, err := l.Usage(ctx, "req_1")
	require.NoError(t, err)
	assert.Equal(t, 1, u.InferenceInvocations)
	assert.Equal(t, 1200, u.InputTokens)
	assert.Equal(t, 340, u.OutputTokens)
}

func TestReserveActionCeiling(t *testing.T) {
	limits := DefaultLimits(8192, 2048)
	limits.ActionsPerRequest = 2
	l := newTestLedger(t, limits)
	ctx := context.Background()

	require.NoError(t, l.ReserveAction(ctx, "req_1"))
	require.NoError(t, l.ReserveAction(ctx, "req_1"))
	require.ErrorIs(t, l.ReserveAction(ctx, "req_1"), ErrActionCeiling)
}

func TestUsageUnknownRequestIsZero(t *testing.T) {
	l := newTestLedger(t, DefaultLimits(8192, 2048))

	u, err := l.Usage(context.Background(), "req_unknown")
	require.NoError(t, err)
	assert.Zero(t, u.InferenceInvocations)
	assert.Zero(t, u.ActionExecutions)
}
