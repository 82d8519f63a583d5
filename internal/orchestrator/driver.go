package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/clearline-io/arbiter/internal/audit"
)

// retentionActor is the audit actor recorded for retention purges.
const retentionActor = "system/retention"

// Driver polls the active requests and advances each one. Many driver
// instances may run against the same store; the per-request lease keeps
// them from double-executing, so an ErrLeaseHeld advance is skipped, not
// retried.
type Driver struct {
	orch      *Orchestrator
	store     *Store
	trail     *audit.Trail
	retention time.Duration
	cron      *cron.Cron
}

// NewDriver wires a polling driver. retention bounds how long terminal
// states and audit entries are kept.
func NewDriver(orch *Orchestrator, store *Store, trail *audit.Trail, retention time.Duration) *Driver {
	return &Driver{
		orch:      orch,
		store:     store,
		trail:     trail,
		retention: retention,
		cron:      cron.New(),
	}
}

// Start schedules the advance poll and the retention purge, then runs one
// poll immediately to resume work interrupted by a restart.
func (d *Driver) Start(ctx context.Context) error {
	if _, err := d.cron.AddFunc("@every 5s", func() {
		d.Poll(ctx)
	}); err != nil {
		return err
	}
	if _, err := d.cron.AddFunc("@every 12h", func() {
		d.purge(ctx)
	}); err != nil {
		return err
	}
	d.cron.Start()
	d.Poll(ctx)
	log.Info().Dur("retention", d.retention).Msg("orchestration_driver_started")
	return nil
}

// Stop halts the schedule and waits for in-flight jobs.
func (d *Driver) Stop() {
	<-d.cron.Stop().Done()
	log.Info().Msg("orchestration_driver_stopped")
}

// Poll advances every active request once.
func (d *Driver) Poll(ctx context.Context) {
	ids, err := d.store.ListActive(ctx)
	if err != nil {
		log.Error().Err(err).Msg("active_requests_query_failed")
		return
	}
	for _, id := range ids {
		if _, err := d.orch.Advance(ctx, id); err != nil {
			if errors.Is(err, ErrLeaseHeld) {
				continue
			}
			log.Error().Err(err).Str("request_id", id).Msg("advance_failed")
		}
	}
}

// purge removes terminal states and audit entries older than the retention
// window. An audit purge that removes entries leaves its own audited trace;
// an empty sweep stays silent.
func (d *Driver) purge(ctx context.Context) {
	cutoff := time.Now().Add(-d.retention)
	purged, err := d.store.PurgeTerminal(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("state_retention_purge_failed")
	} else if purged > 0 {
		log.Info().Int64("purged", purged).Time("cutoff", cutoff).Msg("terminal_states_purged")
	}

	if _, err := d.trail.Purge(ctx, cutoff, retentionActor); err != nil {
		log.Error().Err(err).Msg("audit_retention_purge_failed")
	}
}
