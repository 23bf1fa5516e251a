package server

import (
	"context"
	"time"

	"github.com/yungbote/jobforge/internal/jobs"
	"github.com/yungbote/jobforge/internal/scheduling"
	"github.com/yungbote/jobforge/internal/storage"
)

/*
The three pollers. All of them log-and-continue: a failing tick never
kills the timer, the next tick re-attempts.
*/

// runEnqueuedPoller claims up to the pool's free capacity worth of
// ENQUEUED jobs and routes them to the workers. Runs on every server.
func (s *BackgroundJobServer) runEnqueuedPoller(ctx context.Context) {
	capacity := s.pool.freeCapacity()
	if capacity <= 0 {
		return
	}
	claimed, err := s.store.GetJobsToProcess(ctx, s.id, capacity)
	if err != nil {
		s.log.Warn("Claiming enqueued jobs failed", "error", err)
		return
	}
	for _, j := range claimed {
		if !s.pool.submit(j) {
			// Capacity evaporated between the claim and here; the job stays
			// PROCESSING without a heartbeat and the orphan detector reclaims
			// it once its updatedAt is older than the server timeout.
			s.log.Warn("Worker pool rejected claimed job", "job_id", j.ID.String())
		}
	}
	if len(claimed) > 0 {
		s.log.Debug("Claimed enqueued jobs", "count", len(claimed))
	}
}

// runScheduledPoller promotes overdue SCHEDULED jobs to ENQUEUED, paging
// until the backlog is empty or the per-tick batch cap is hit. Master only.
func (s *BackgroundJobServer) runScheduledPoller(ctx context.Context) {
	const pageSize = 100
	moved := 0
	for moved < s.cfg.ScheduledBatchSize {
		remaining := s.cfg.ScheduledBatchSize - moved
		limit := pageSize
		if remaining < limit {
			limit = remaining
		}
		batch, err := s.store.GetScheduledJobs(ctx, time.Now().UTC(), storage.Ascending(0, limit))
		if err != nil {
			s.log.Warn("Loading scheduled jobs failed", "error", err)
			return
		}
		if len(batch) == 0 {
			return
		}
		progressed := 0
		for _, j := range batch {
			if err := j.MoveToState(jobs.EnqueuedState(time.Now())); err != nil {
				s.log.Warn("Scheduled job transition rejected", "job_id", j.ID.String(), "error", err)
				continue
			}
			if err := s.store.Save(ctx, j); err != nil {
				if storage.IsConcurrentModification(err) {
					// Someone else promoted it; fine.
					continue
				}
				s.log.Warn("Persisting enqueued job failed", "job_id", j.ID.String(), "error", err)
				continue
			}
			progressed++
		}
		moved += len(batch)
		if progressed == 0 {
			// Every job in the page conflicted or failed; bail out rather
			// than spinning on the same page.
			return
		}
	}
}

/*
runRecurringPoller materializes recurring definitions into concrete jobs.
Master only.

Per definition: compute the next fire from a one-interval look-back (so a
fire instant that slipped past between ticks is not lost), skip fires more
than two intervals out, and probe storage for an already-materialized job
at that instant before creating one — that probe is what keeps a
definition at one job per fire across masters changing hands.

An overdue fire is created ENQUEUED directly instead of waiting a tick in
SCHEDULED. Deleting a definition stops materialization but leaves already
created jobs alone.
*/
func (s *BackgroundJobServer) runRecurringPoller(ctx context.Context) {
	defs, err := s.store.GetRecurringJobs(ctx)
	if err != nil {
		s.log.Warn("Loading recurring definitions failed", "error", err)
		return
	}
	now := time.Now().UTC()
	horizon := now.Add(2 * s.cfg.PollInterval)
	base := s.lastRecurringTick
	if base.IsZero() || base.Before(now.Add(-s.cfg.PollInterval)) {
		base = now.Add(-s.cfg.PollInterval)
	}

	for _, def := range defs {
		sched, err := scheduling.Parse(def.CronExpression, def.ZoneID)
		if err != nil {
			// Definitions are validated at registration; reaching this
			// means the stored document predates a rule change.
			s.log.Error("Stored recurring definition does not parse",
				"recurring_job_id", def.ID,
				"error", err,
			)
			continue
		}
		fire := sched.Next(base)
		if fire.After(horizon) {
			continue
		}
		exists, err := s.store.RecurringJobExists(ctx, def.ID, fire)
		if err != nil {
			s.log.Warn("Recurring duplicate probe failed", "recurring_job_id", def.ID, "error", err)
			continue
		}
		if exists {
			continue
		}
		j := def.ToJob(fire, now)
		if err := s.store.Save(ctx, j); err != nil {
			s.log.Warn("Persisting materialized recurring job failed",
				"recurring_job_id", def.ID,
				"error", err,
			)
			continue
		}
		s.log.Debug("Materialized recurring job",
			"recurring_job_id", def.ID,
			"job_id", j.ID.String(),
			"fire_time", fire.Format(time.RFC3339),
		)
	}
	s.lastRecurringTick = now
}
