package approval

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/clearline-io/arbiter/internal/audit"
	"github.com/clearline-io/arbiter/internal/notify"
)

// sweepActor is the audit actor recorded for sweeper-driven transitions.
const sweepActor = "system/approval-sweeper"

// Sweeper drives escalation and expiry from the due times persisted on each
// case, so both fire even across process restarts. Escalation notifies the
// secondary approvers exactly once without changing case state; expiry is a
// terminal transition.
type Sweeper struct {
	store    *Store
	notifier notify.Notifier
	trail    *audit.Trail
	cfg      WorkflowConfig
	cron     *cron.Cron
	now      func() time.Time
}

// NewSweeper wires a sweeper over the same store the workflow uses.
func NewSweeper(store *Store, notifier notify.Notifier, trail *audit.Trail, cfg WorkflowConfig) *Sweeper {
	return &Sweeper{
		store:    store,
		notifier: notifier,
		trail:    trail,
		cfg:      cfg,
		cron:     cron.New(),
		now:      time.Now,
	}
}

// Start schedules the periodic sweep and runs one immediately to catch work
// that came due while the process was down.
func (s *Sweeper) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc("@every 30s", func() {
		s.Sweep(ctx)
	}); err != nil {
		return err
	}
	s.cron.Start()
	s.Sweep(ctx)
	log.Info().Msg("approval_sweeper_started")
	return nil
}

// Stop halts the cron schedule and waits for an in-flight sweep.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	log.Info().Msg("approval_sweeper_stopped")
}

// Sweep runs one escalation and expiry pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now()
	s.sweepEscalations(ctx, now)
	s.sweepExpiries(ctx, now)
}

func (s *Sweeper) sweepEscalations(ctx context.Context, now time.Time) {
	due, err := s.store.DueEscalations(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("approval_escalation_query_failed")
		return
	}
	for _, c := range due {
		// The conditional flip guarantees at most one sweep (or process)
		// sends the secondary notification per case.
		won, err := s.store.MarkEscalated(ctx, c.ID)
		if err != nil {
			log.Error().Err(err).Str("case_id", c.ID).Msg("approval_escalation_mark_failed")
			continue
		}
		if !won {
			continue
		}
		if err := s.notifier.Notify(ctx, s.cfg.SecondaryApprovers, notify.CaseSummary{
			Kind:            notify.KindApprovalEscalated,
			CaseID:          c.ID,
			RequestID:       c.RequestID,
			ActionID:        c.ActionID,
			Risk:            string(c.Risk),
			RiskSummary:     c.RiskSummary,
			ExpectedOutcome: c.ExpectedOutcome,
			ExpiresAt:       c.ExpiresAt,
		}); err != nil {
			log.Warn().Err(err).Str("case_id", c.ID).Msg("approval_escalation_notify_failed")
		}
		log.Info().
			Str("case_id", c.ID).
			Str("request_id", c.RequestID).
			Time("expires_at", c.ExpiresAt).
			Msg("approval_case_escalated")
	}
}

func (s *Sweeper) sweepExpiries(ctx context.Context, now time.Time) {
	due, err := s.store.DueExpiries(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("approval_expiry_query_failed")
		return
	}
	for _, c := range due {
		won, err := s.store.Expire(ctx, c.ID, now)
		if err != nil {
			log.Error().Err(err).Str("case_id", c.ID).Msg("approval_expiry_failed")
			continue
		}
		if !won {
			continue
		}
		if _, err := s.trail.Append(ctx, audit.Entry{
			Actor:   sweepActor,
			Event:   audit.EventActionDenied,
			Subject: c.RequestID,
			Outcome: audit.OutcomeFailure,
			Detail: audit.Detail(map[string]any{
				"case_id":     c.ID,
				"proposal_id": c.ProposalID,
				"action_id":   c.ActionID,
				"cause":       CauseApprovalTimeout,
			}),
		}); err != nil {
			log.Error().Err(err).Str("case_id", c.ID).Msg("approval_expiry_audit_failed")
		}
		log.Info().
			Str("case_id", c.ID).
			Str("request_id", c.RequestID).
			Msg("approval_case_expired")
	}
}
