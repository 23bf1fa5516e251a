package server

import (
	"context"
	"time"

	"github.com/yungbote/jobforge/internal/jobs"
	"github.com/yungbote/jobforge/internal/storage"
)

/*
Orphan detection and retention. Master only.

A PROCESSING job is orphaned when its owning server is no longer in the
live set, or when its updatedAt has gone stale past the server timeout —
the second clause catches a server that is alive enough to heartbeat its
announcement but whose worker died. Orphans are failed with "server timed
out", which sends them through the retry filter and typically back to
SCHEDULED on another server.
*/
func (s *BackgroundJobServer) runOrphanDetector(ctx context.Context) {
	timeout := s.cfg.ServerTimeout()
	now := time.Now().UTC()

	servers, err := s.store.GetServers(ctx)
	if err != nil {
		s.log.Warn("Loading server registry failed", "error", err)
		return
	}
	live := make(map[string]bool, len(servers))
	for _, srv := range servers {
		if srv.Running && srv.LastHeartbeat.After(now.Add(-timeout)) {
			live[srv.ID.String()] = true
		}
	}

	const pageSize = 100
	for {
		processing, err := s.store.GetJobs(ctx, jobs.StateProcessing, storage.Ascending(0, pageSize))
		if err != nil {
			s.log.Warn("Loading processing jobs failed", "error", err)
			break
		}
		reclaimed := 0
		for _, j := range processing {
			owner := j.ProcessingServerID()
			if live[owner] && !j.UpdatedAt.Before(now.Add(-timeout)) {
				continue
			}
			if s.reclaimOrphan(ctx, j) {
				reclaimed++
			}
		}
		if len(processing) < pageSize || reclaimed == 0 {
			break
		}
	}

	if n, err := s.store.RemoveTimedOutServers(ctx, timeout); err != nil {
		s.log.Warn("Removing timed out servers failed", "error", err)
	} else if n > 0 {
		s.log.Info("Removed timed out servers", "count", n)
	}
}

// reclaimOrphan fails the job on behalf of its dead owner. The write is
// versioned like any other, so a still-alive owner racing in with its real
// result wins or loses cleanly, never both.
func (s *BackgroundJobServer) reclaimOrphan(ctx context.Context, j *jobs.Job) bool {
	previousOwner := j.ProcessingServerID()
	elected := jobs.FailedState("server timed out", "OrphanedJob", "")
	followUps := s.chain.ElectState(j, &elected)
	if err := j.MoveToState(elected); err != nil {
		s.log.Warn("Orphan transition rejected", "job_id", j.ID.String(), "error", err)
		return false
	}
	for i := range followUps {
		if err := j.MoveToState(followUps[i]); err != nil {
			s.log.Warn("Orphan follow-up rejected", "job_id", j.ID.String(), "error", err)
		}
	}
	if err := s.store.Save(ctx, j); err != nil {
		if storage.IsConcurrentModification(err) {
			return false
		}
		s.log.Warn("Persisting reclaimed orphan failed", "job_id", j.ID.String(), "error", err)
		return false
	}
	s.log.Info("Reclaimed orphaned job",
		"job_id", j.ID.String(),
		"previous_owner", previousOwner,
	)
	return true
}

// runRetention ages completed work out of storage: SUCCEEDED past its
// retention window is marked DELETED; DELETED past its window is removed
// permanently.
func (s *BackgroundJobServer) runRetention(ctx context.Context) {
	now := time.Now().UTC()
	succeededCutoff := now.Add(-s.cfg.DeleteSucceededJobsAfter)

	const pageSize = 100
	for {
		aged, err := s.store.GetJobs(ctx, jobs.StateSucceeded, storage.Ascending(0, pageSize))
		if err != nil {
			s.log.Warn("Loading succeeded jobs failed", "error", err)
			break
		}
		deleted := 0
		for _, j := range aged {
			if !j.UpdatedAt.Before(succeededCutoff) {
				// Ascending by updatedAt: everything after is younger.
				break
			}
			if err := j.MoveToState(jobs.DeletedState("retention window elapsed")); err != nil {
				continue
			}
			if err := s.store.Save(ctx, j); err != nil {
				continue
			}
			deleted++
		}
		if deleted < pageSize {
			break
		}
	}

	permCutoff := now.Add(-s.cfg.PermanentlyDeleteDeletedJobsAfter)
	if n, err := s.store.DeleteJobsBefore(ctx, jobs.StateDeleted, permCutoff); err != nil {
		s.log.Warn("Permanent delete failed", "error", err)
	} else if n > 0 {
		s.log.Debug("Permanently deleted jobs", "count", n)
	}
}
