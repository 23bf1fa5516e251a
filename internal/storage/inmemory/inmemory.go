package inmemory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/jobforge/internal/jobs"
	"github.com/yungbote/jobforge/internal/platform/logger"
	"github.com/yungbote/jobforge/internal/storage"
)

/*
Volatile storage provider. Deterministic, dependency-free, and the backend
the scenario tests run against. It exposes exactly the same concurrency
semantics as the persistent providers: versioned writes, atomic claims,
snapshot list reads.

Locking:
  - mu guards map membership. Single-job operations hold it shared for
    their whole duration; SaveAll holds it exclusive so the batch commits
    or fails as a unit.
  - each job entry carries its own mutex serializing writes to that id.
*/
type Provider struct {
	mu        sync.RWMutex
	entries   map[uuid.UUID]*entry
	recurring map[string]*jobs.RecurringJob
	servers   map[uuid.UUID]*jobs.ServerStatus
	log       *logger.Logger
}

type entry struct {
	mu  sync.Mutex
	job *jobs.Job
}

func New(log *logger.Logger) *Provider {
	if log == nil {
		log = logger.NewNop()
	}
	return &Provider{
		entries:   map[uuid.UUID]*entry{},
		recurring: map[string]*jobs.RecurringJob{},
		servers:   map[uuid.UUID]*jobs.ServerStatus{},
		log:       log.With("component", "InMemoryStorageProvider"),
	}
}

func (p *Provider) Save(ctx context.Context, job *jobs.Job) error {
	if job.Version == 0 {
		// Creation inserts into the table and needs the exclusive lock.
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.saveLocked(job)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.saveLocked(job)
}

// saveLocked requires p.mu held (shared or exclusive).
func (p *Provider) saveLocked(job *jobs.Job) error {
	if job.Version == 0 {
		newV := len(job.StateHistory)
		if newV == 0 {
			newV = 1
		}
		job.Version = newV
		job.SavedStateCount = len(job.StateHistory)
		e := &entry{job: job.Clone()}
		p.entries[job.ID] = e
		return nil
	}
	e, ok := p.entries[job.ID]
	if !ok {
		return storage.ErrJobNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job.Version != job.Version {
		return &storage.ConcurrentJobModificationError{JobID: job.ID, Expected: job.Version, Actual: e.job.Version}
	}
	job.Version = storage.NewVersion(e.job.Version, len(e.job.StateHistory), len(job.StateHistory))
	job.SavedStateCount = len(job.StateHistory)
	e.job = job.Clone()
	return nil
}

func (p *Provider) SaveAll(ctx context.Context, list []*jobs.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	// Check every version predicate before touching anything, so a conflict
	// in the middle of the batch leaves no partial writes behind.
	for _, job := range list {
		if job.Version == 0 {
			continue
		}
		e, ok := p.entries[job.ID]
		if !ok {
			return storage.ErrJobNotFound
		}
		if e.job.Version != job.Version {
			return &storage.ConcurrentJobModificationError{JobID: job.ID, Expected: job.Version, Actual: e.job.Version}
		}
	}
	for _, job := range list {
		if err := p.saveLocked(job); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) GetJobByID(ctx context.Context, id uuid.UUID) (*jobs.Job, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[id]
	if !ok {
		return nil, storage.ErrJobNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

func (p *Provider) GetJobs(ctx context.Context, state jobs.StateName, page storage.PageRequest) ([]*jobs.Job, error) {
	snap := p.snapshot(func(j *jobs.Job) bool { return j.State() == state })
	return applyPage(snap, page), nil
}

func (p *Provider) CountJobs(ctx context.Context, state jobs.StateName) (int64, error) {
	snap := p.snapshot(func(j *jobs.Job) bool { return j.State() == state })
	return int64(len(snap)), nil
}

func (p *Provider) DeletePermanently(ctx context.Context, id uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[id]; !ok {
		return storage.ErrJobNotFound
	}
	delete(p.entries, id)
	return nil
}

func (p *Provider) DeleteJobsBefore(ctx context.Context, state jobs.StateName, cutoff time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int64
	for id, e := range p.entries {
		if e.job.State() == state && e.job.UpdatedAt.Before(cutoff) {
			delete(p.entries, id)
			n++
		}
	}
	return n, nil
}

func (p *Provider) GetJobsToProcess(ctx context.Context, serverID uuid.UUID, limit int) ([]*jobs.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	type candidate struct {
		e         *entry
		updatedAt time.Time
	}
	candidates := make([]candidate, 0, len(p.entries))
	for _, e := range p.entries {
		e.mu.Lock()
		if e.job.State() == jobs.StateEnqueued {
			candidates = append(candidates, candidate{e: e, updatedAt: e.job.UpdatedAt})
		}
		e.mu.Unlock()
	}
	sort.Slice(candidates, func(i, k int) bool {
		return candidates[i].updatedAt.Before(candidates[k].updatedAt)
	})

	claimed := make([]*jobs.Job, 0, limit)
	now := time.Now()
	for _, c := range candidates {
		if len(claimed) >= limit {
			break
		}
		e := c.e
		e.mu.Lock()
		// Re-check under the entry lock: a concurrent claimer may have won.
		if e.job.State() != jobs.StateEnqueued {
			e.mu.Unlock()
			continue
		}
		j := e.job.Clone()
		if err := j.MoveToState(jobs.ProcessingState(serverID.String(), now)); err != nil {
			e.mu.Unlock()
			continue
		}
		j.Version = storage.NewVersion(e.job.Version, len(e.job.StateHistory), len(j.StateHistory))
		j.SavedStateCount = len(j.StateHistory)
		e.job = j.Clone()
		e.mu.Unlock()
		claimed = append(claimed, j)
	}
	return claimed, nil
}

func (p *Provider) GetScheduledJobs(ctx context.Context, before time.Time, page storage.PageRequest) ([]*jobs.Job, error) {
	snap := p.snapshot(func(j *jobs.Job) bool {
		at := j.CurrentScheduledAt()
		return at != nil && !at.After(before)
	})
	return applyPage(snap, page), nil
}

func (p *Provider) RecurringJobExists(ctx context.Context, recurringJobID string, fireTime time.Time) (bool, error) {
	snap := p.snapshot(func(j *jobs.Job) bool {
		if j.RecurringJobID != recurringJobID {
			return false
		}
		fire := j.RecurringFireTime()
		if fire == nil || !fire.Equal(fireTime) {
			return false
		}
		switch j.State() {
		case jobs.StateScheduled, jobs.StateEnqueued, jobs.StateProcessing, jobs.StateSucceeded:
			return true
		}
		return false
	})
	return len(snap) > 0, nil
}

func (p *Provider) GetJobStats(ctx context.Context) (storage.JobStats, error) {
	snap := p.snapshot(func(*jobs.Job) bool { return true })
	var stats storage.JobStats
	for _, j := range snap {
		switch j.State() {
		case jobs.StateScheduled:
			stats.Scheduled++
		case jobs.StateEnqueued:
			stats.Enqueued++
		case jobs.StateProcessing:
			stats.Processing++
		case jobs.StateSucceeded:
			stats.Succeeded++
		case jobs.StateFailed:
			stats.Failed++
		case jobs.StateDeleted:
			stats.Deleted++
		}
		stats.Total++
	}
	return stats, nil
}

func (p *Provider) SaveRecurringJob(ctx context.Context, r *jobs.RecurringJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *r
	p.recurring[r.ID] = &cp
	return nil
}

func (p *Provider) GetRecurringJobs(ctx context.Context) ([]*jobs.RecurringJob, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*jobs.RecurringJob, 0, len(p.recurring))
	for _, r := range p.recurring {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (p *Provider) DeleteRecurringJob(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.recurring[id]; !ok {
		return storage.ErrRecurringJobNotFound
	}
	delete(p.recurring, id)
	return nil
}

func (p *Provider) Announce(ctx context.Context, status jobs.ServerStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := status
	p.servers[status.ID] = &cp
	return nil
}

func (p *Provider) SignalAlive(ctx context.Context, serverID uuid.UUID, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.servers[serverID]
	if !ok {
		return storage.WrapError("signal-alive", errors.New("server not announced"))
	}
	s.LastHeartbeat = now
	return nil
}

func (p *Provider) GetServers(ctx context.Context) ([]jobs.ServerStatus, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]jobs.ServerStatus, 0, len(p.servers))
	for _, s := range p.servers {
		out = append(out, *s)
	}
	sortServers(out)
	return out, nil
}

func (p *Provider) GetLongestRunningServerID(ctx context.Context) (uuid.UUID, error) {
	servers, _ := p.GetServers(ctx)
	if len(servers) == 0 {
		return uuid.Nil, storage.WrapError("longest-running-server", errors.New("no servers announced"))
	}
	return servers[0].ID, nil
}

func (p *Provider) GetServersThatTimedOut(ctx context.Context, timeout time.Duration) ([]jobs.ServerStatus, error) {
	cutoff := time.Now().Add(-timeout)
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []jobs.ServerStatus
	for _, s := range p.servers {
		if s.LastHeartbeat.Before(cutoff) {
			out = append(out, *s)
		}
	}
	sortServers(out)
	return out, nil
}

func (p *Provider) RemoveTimedOutServers(ctx context.Context, timeout time.Duration) (int64, error) {
	cutoff := time.Now().Add(-timeout)
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int64
	for id, s := range p.servers {
		if s.LastHeartbeat.Before(cutoff) {
			delete(p.servers, id)
			n++
		}
	}
	return n, nil
}

func (p *Provider) Close() error { return nil }

// snapshot returns clones of every job matching keep, taken under a
// consistent view of the table.
func (p *Provider) snapshot(keep func(*jobs.Job) bool) []*jobs.Job {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*jobs.Job
	for _, e := range p.entries {
		e.mu.Lock()
		if keep(e.job) {
			out = append(out, e.job.Clone())
		}
		e.mu.Unlock()
	}
	return out
}

func applyPage(list []*jobs.Job, page storage.PageRequest) []*jobs.Job {
	desc := page.Order == storage.OrderUpdatedAtDesc
	sort.Slice(list, func(i, k int) bool {
		if desc {
			return list[i].UpdatedAt.After(list[k].UpdatedAt)
		}
		return list[i].UpdatedAt.Before(list[k].UpdatedAt)
	})
	if page.Offset > 0 {
		if page.Offset >= len(list) {
			return nil
		}
		list = list[page.Offset:]
	}
	if page.Limit > 0 && page.Limit < len(list) {
		list = list[:page.Limit]
	}
	return list
}

func sortServers(list []jobs.ServerStatus) {
	sort.Slice(list, func(i, k int) bool {
		if !list[i].FirstHeartbeat.Equal(list[k].FirstHeartbeat) {
			return list[i].FirstHeartbeat.Before(list[k].FirstHeartbeat)
		}
		return list[i].ID.String() < list[k].ID.String()
	})
}
