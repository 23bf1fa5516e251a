package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/jobforge/internal/jobs"
)

/*
Provider is the storage contract every backend implements: volatile
in-memory, relational through GORM, and key-value through Redis. All write
operations are single-record transactions; the contract requires no
cross-record atomicity beyond what the individual operations state.

Version discipline (shared by every implementation):
  - Save with job.Version == 0 creates the record, persisted at a version
    equal to the number of state records.
  - Any other Save carries the predicate "stored version == job.Version"
    and advances the stored version by the number of newly appended state
    records (minimum 1, so heartbeat refreshes bump too). On success the
    new version is reflected into the passed job; on mismatch the write
    fails with ConcurrentJobModificationError and the job is untouched.
*/
type Provider interface {
	// Jobs.
	Save(ctx context.Context, job *jobs.Job) error
	// SaveAll is batched for throughput and stops at the first version
	// conflict. The in-memory and relational providers commit the batch as
	// a unit: either every job is persisted or none is. The Redis provider
	// saves one job at a time, so jobs ahead of the conflicting one stay
	// persisted.
	SaveAll(ctx context.Context, list []*jobs.Job) error
	GetJobByID(ctx context.Context, id uuid.UUID) (*jobs.Job, error)
	GetJobs(ctx context.Context, state jobs.StateName, page PageRequest) ([]*jobs.Job, error)
	CountJobs(ctx context.Context, state jobs.StateName) (int64, error)
	DeletePermanently(ctx context.Context, id uuid.UUID) error
	// DeleteJobsBefore removes jobs in the given state whose updatedAt is
	// older than cutoff; retention GC runs on it.
	DeleteJobsBefore(ctx context.Context, state jobs.StateName, cutoff time.Time) (int64, error)

	// GetJobsToProcess atomically claims up to limit ENQUEUED jobs for
	// serverID, moving each to PROCESSING. Two concurrent callers with
	// distinct server ids never observe the same job as claimed.
	GetJobsToProcess(ctx context.Context, serverID uuid.UUID, limit int) ([]*jobs.Job, error)
	GetScheduledJobs(ctx context.Context, before time.Time, page PageRequest) ([]*jobs.Job, error)

	// RecurringJobExists probes whether a materialized job for the given
	// definition and fire instant is already present in states SCHEDULED,
	// ENQUEUED, PROCESSING or SUCCEEDED.
	RecurringJobExists(ctx context.Context, recurringJobID string, fireTime time.Time) (bool, error)

	GetJobStats(ctx context.Context) (JobStats, error)

	// Recurring definitions.
	SaveRecurringJob(ctx context.Context, r *jobs.RecurringJob) error
	GetRecurringJobs(ctx context.Context) ([]*jobs.RecurringJob, error)
	DeleteRecurringJob(ctx context.Context, id string) error

	// Server registry.
	Announce(ctx context.Context, status jobs.ServerStatus) error
	SignalAlive(ctx context.Context, serverID uuid.UUID, now time.Time) error
	GetServers(ctx context.Context) ([]jobs.ServerStatus, error)
	// GetLongestRunningServerID returns the announced server with the
	// lowest FirstHeartbeat, id as tie-break. It does not check liveness
	// (Running or heartbeat age).
	GetLongestRunningServerID(ctx context.Context) (uuid.UUID, error)
	GetServersThatTimedOut(ctx context.Context, timeout time.Duration) ([]jobs.ServerStatus, error)
	RemoveTimedOutServers(ctx context.Context, timeout time.Duration) (int64, error)

	Close() error
}

// PageOrder selects result ordering for paged job queries.
type PageOrder string

const (
	OrderUpdatedAtAsc  PageOrder = "updatedAt:asc"
	OrderUpdatedAtDesc PageOrder = "updatedAt:desc"
)

type PageRequest struct {
	Offset int
	Limit  int
	Order  PageOrder
}

func Ascending(offset, limit int) PageRequest {
	return PageRequest{Offset: offset, Limit: limit, Order: OrderUpdatedAtAsc}
}

func Descending(offset, limit int) PageRequest {
	return PageRequest{Offset: offset, Limit: limit, Order: OrderUpdatedAtDesc}
}

// JobStats is a point-in-time count per state, derived by the providers.
type JobStats struct {
	Scheduled  int64 `json:"scheduled"`
	Enqueued   int64 `json:"enqueued"`
	Processing int64 `json:"processing"`
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`
	Deleted    int64 `json:"deleted"`
	Total      int64 `json:"total"`
}

// NewVersion computes the version a successful save must store: the prior
// version advanced by the number of new history entries, minimum 1. Shared
// by every provider so the "version == states + heartbeats" invariant holds
// identically everywhere.
func NewVersion(priorVersion, priorStates, states int) int {
	delta := states - priorStates
	if delta < 1 {
		delta = 1
	}
	return priorVersion + delta
}
