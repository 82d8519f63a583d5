package approval

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearline-io/arbiter/internal/action"
	"github.com/clearline-io/arbiter/internal/audit"
	"github.com/clearline-io/arbiter/internal/notify"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []notify.CaseSummary
}

func (n *recordingNotifier) Notify(_ context.Context, _ []string, summary notify.CaseSummary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, summary)
	return nil
}

func (n *recordingNotifier) byKind(kind notify.Kind) []notify.CaseSummary {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.CaseSummary
	for _, c := range n.calls {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

type fixture struct {
	store    *Store
	workflow *Workflow
	sweeper  *Sweeper
	notifier *recordingNotifier
	trail    *audit.Trail
	clock    *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testRegistry(t *testing.T) *action.Registry {
	t.Helper()
	reg, err := action.NewRegistry([]action.Spec{
		{ID: "send_digest", Description: "Send a daily digest email", Risk: action.RiskLow},
		{
			ID:          "update_record",
			Description: "Update a tracked record",
			Risk:        action.RiskMedium,
			RiskRules: []action.RiskRule{
				{Param: "cascade", Equals: true, Risk: action.RiskHigh},
			},
		},
	})
	require.NoError(t, err)
	return reg
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := sql.Open("sqlite3", filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	require.NoError(t, err)

	trail, err := audit.NewTrail(filepath.Join(dir, "audit.db"), "approval-workflow-test-key-0123456789ab")
	require.NoError(t, err)
	t.Cleanup(func() { trail.Close() })

	clock := &fakeClock{now: time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)}
	n := &recordingNotifier{}
	cfg := WorkflowConfig{
		Approvers:          []string{"ops@clearline.io"},
		SecondaryApprovers: []string{"oncall@clearline.io"},
		Expiry:             15 * time.Minute,
		Escalation:         10 * time.Minute,
	}
	wf := NewWorkflow(store, testRegistry(t), n, trail, cfg)
	wf.now = clock.Now
	sw := NewSweeper(store, n, trail, cfg)
	sw.now = clock.Now
	return &fixture{store: store, workflow: wf, sweeper: sw, notifier: n, trail: trail, clock: clock}
}

func mediumProposal() ProposalRef {
	return ProposalRef{
		RequestID:       "req_1",
		ProposalID:      "prop_1",
		ActionID:        "update_record",
		Params:          map[string]any{"record_id": "r-42"},
		Requester:       "analyst@clearline.io",
		ExpectedOutcome: "record r-42 reflects the verified owner",
	}
}

func TestEvaluateLowRiskAutoCleared(t *testing.T) {
	f := newFixture(t)
	ev, err := f.workflow.Evaluate(context.Background(), ProposalRef{
		RequestID:  "req_1",
		ProposalID: "prop_1",
		ActionID:   "send_digest",
		Params:     map[string]any{},
	})
	require.NoError(t, err)
	assert.Equal(t, action.RiskLow, ev.Risk)
	assert.False(t, ev.RequiresApproval)
	assert.Nil(t, ev.Case)
	assert.Empty(t, f.notifier.calls)
}

func TestEvaluateMediumRiskOpensCase(t *testing.T) {
	f := newFixture(t)
	ev, err := f.workflow.Evaluate(context.Background(), mediumProposal())
	require.NoError(t, err)
	require.True(t, ev.RequiresApproval)
	require.NotNil(t, ev.Case)

	c := ev.Case
	assert.Equal(t, StatusPending, c.Status)
	assert.Equal(t, action.RiskMedium, c.Risk)
	assert.Equal(t, "analyst@clearline.io", c.Requester)
	assert.Equal(t, c.CreatedAt.Add(10*time.Minute), c.EscalateAt)
	assert.Equal(t, c.CreatedAt.Add(15*time.Minute), c.ExpiresAt)

	requested := f.notifier.byKind(notify.KindApprovalRequested)
	require.Len(t, requested, 1)
	assert.Equal(t, c.ID, requested[0].CaseID)
	assert.Equal(t, "Update a tracked record", requested[0].RiskSummary)
}

func TestStoreRoundTripsCaseFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev, err := f.workflow.Evaluate(ctx, mediumProposal())
	require.NoError(t, err)
	require.NotNil(t, ev.Case)

	got, err := f.store.Get(ctx, ev.Case.ID)
	require.NoError(t, err)
	assert.Equal(t, action.RiskMedium, got.Risk)
	assert.Equal(t, StatusPending, got.Status)
	assert.False(t, got.Escalated)
	assert.True(t, got.EscalateAt.Equal(ev.Case.EscalateAt))
	assert.True(t, got.ExpiresAt.Equal(ev.Case.ExpiresAt))
}

func TestEvaluateRiskRuleEscalatesToHigh(t *testing.T) {
	f := newFixture(t)
	ref := mediumProposal()
	ref.Params["cascade"] = true
	ev, err := f.workflow.Evaluate(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, action.RiskHigh, ev.Risk)
	require.NotNil(t, ev.Case)
}

func TestDecideApproveRecordsAuditEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev, err := f.workflow.Evaluate(ctx, mediumProposal())
	require.NoError(t, err)

	c, err := f.workflow.Decide(ctx, ev.Case.ID, DecisionApprove, "ops@clearline.io", "verified against source record")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, c.Status)
	assert.Equal(t, "ops@clearline.io", c.DecidedBy)
	require.NotNil(t, c.DecidedAt)

	entries, err := f.trail.List(ctx, "req_1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.EventActionApproved, entries[0].Event)
	assert.Equal(t, "ops@clearline.io", entries[0].Actor)
}

func TestDecideDenyRecordsReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev, err := f.workflow.Evaluate(ctx, mediumProposal())
	require.NoError(t, err)

	c, err := f.workflow.Decide(ctx, ev.Case.ID, DecisionDeny, "ops@clearline.io", "source record disputes the change")
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, c.Status)
	assert.Equal(t, "source record disputes the change", c.DecisionReason)

	entries, err := f.trail.List(ctx, "req_1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.EventActionDenied, entries[0].Event)
}

func TestDecideRejectsRepeatDecision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev, err := f.workflow.Evaluate(ctx, mediumProposal())
	require.NoError(t, err)

	_, err = f.workflow.Decide(ctx, ev.Case.ID, DecisionApprove, "ops@clearline.io", "ok")
	require.NoError(t, err)

	_, err = f.workflow.Decide(ctx, ev.Case.ID, DecisionDeny, "oncall@clearline.io", "too late")
	require.ErrorIs(t, err, ErrCaseNotPending)

	// The case is immutable after the first decision.
	c, err := f.workflow.Get(ctx, ev.Case.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, c.Status)
	assert.Equal(t, "ops@clearline.io", c.DecidedBy)
}

func TestEscalationNotifiesSecondaryExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev, err := f.workflow.Evaluate(ctx, mediumProposal())
	require.NoError(t, err)

	// Before the escalation deadline nothing fires.
	f.clock.Advance(9 * time.Minute)
	f.sweeper.Sweep(ctx)
	assert.Empty(t, f.notifier.byKind(notify.KindApprovalEscalated))

	// Past the deadline the secondary notification fires once, with no
	// state transition, and repeated sweeps do not re-fire it.
	f.clock.Advance(2 * time.Minute)
	f.sweeper.Sweep(ctx)
	f.sweeper.Sweep(ctx)
	f.sweeper.Sweep(ctx)

	escalated := f.notifier.byKind(notify.KindApprovalEscalated)
	require.Len(t, escalated, 1)
	assert.Equal(t, ev.Case.ID, escalated[0].CaseID)

	c, err := f.workflow.Get(ctx, ev.Case.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, c.Status)
	assert.True(t, c.Escalated)
}

func TestExpiryIsTerminalAndAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev, err := f.workflow.Evaluate(ctx, mediumProposal())
	require.NoError(t, err)

	f.clock.Advance(16 * time.Minute)
	f.sweeper.Sweep(ctx)
	f.sweeper.Sweep(ctx)

	c, err := f.workflow.Get(ctx, ev.Case.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, c.Status)
	assert.Equal(t, CauseApprovalTimeout, c.DecisionReason)

	entries, err := f.trail.List(ctx, "req_1", 0)
	require.NoError(t, err)

	var expiries int
	for _, e := range entries {
		if e.Event == audit.EventActionDenied {
			expiries++
			assert.Equal(t, sweepActor, e.Actor)
		}
	}
	assert.Equal(t, 1, expiries, "expiry must produce exactly one audit entry")
}

func TestDecisionAfterExpiryIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev, err := f.workflow.Evaluate(ctx, mediumProposal())
	require.NoError(t, err)

	f.clock.Advance(16 * time.Minute)
	f.sweeper.Sweep(ctx)

	_, err = f.workflow.Decide(ctx, ev.Case.ID, DecisionApprove, "ops@clearline.io", "approving anyway")
	require.ErrorIs(t, err, ErrCaseNotPending)

	c, err := f.workflow.Get(ctx, ev.Case.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, c.Status)
}

func TestSweepSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev, err := f.workflow.Evaluate(ctx, mediumProposal())
	require.NoError(t, err)

	// A fresh sweeper over the same store (as after a restart) still finds
	// the persisted due times.
	f.clock.Advance(11 * time.Minute)
	restarted := NewSweeper(f.store, f.notifier, f.trail, WorkflowConfig{
		SecondaryApprovers: []string{"oncall@clearline.io"},
	})
	restarted.now = f.clock.Now
	restarted.Sweep(ctx)

	require.Len(t, f.notifier.byKind(notify.KindApprovalEscalated), 1)
	c, err := f.store.Get(ctx, ev.Case.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, c.Status)
}

func TestListPendingAndByRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ref := mediumProposal()
	_, err := f.workflow.Evaluate(ctx, ref)
	require.NoError(t, err)

	ref2 := mediumProposal()
	ref2.RequestID = "req_2"
	ref2.ProposalID = "prop_2"
	f.clock.Advance(time.Second)
	_, err = f.workflow.Evaluate(ctx, ref2)
	require.NoError(t, err)

	pending, err := f.workflow.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	byReq, err := f.workflow.ListByRequest(ctx, "req_2")
	require.NoError(t, err)
	require.Len(t, byReq, 1)
	assert.Equal(t, "prop_2", byReq[0].ProposalID)
}
