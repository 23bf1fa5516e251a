package execution

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/jobforge/internal/jobs"
	"github.com/yungbote/jobforge/internal/platform/logger"
	"github.com/yungbote/jobforge/internal/storage"
)

/*
JobContext is the execution handle for one claimed job run: the only
sanctioned way for a running body (and the worker around it) to touch the
job record.

It wraps:
  - the cancellation context the body must honor,
  - the claimed job,
  - the storage handle that persists mutations.

Every mutation goes through the internal mutex, because the heartbeat
goroutine and the worker's final transition write the same job record from
different goroutines.
*/
type JobContext struct {
	mu    sync.Mutex
	ctx   context.Context
	job   *jobs.Job
	store storage.Provider
	log   *logger.Logger
}

func NewJobContext(ctx context.Context, job *jobs.Job, store storage.Provider, log *logger.Logger) *JobContext {
	if log == nil {
		log = logger.NewNop()
	}
	return &JobContext{
		ctx:   ctx,
		job:   job,
		store: store,
		log:   log.With("job_id", job.ID.String()),
	}
}

// Context carries the cooperative cancellation signal. Bodies that may run
// long must check Done() between units of work; on server stop this context
// is canceled, and a body that returns promptly gets a FAILED record that the
// retry filter follows with SCHEDULED while the job has retries left.
func (c *JobContext) Context() context.Context { return c.ctx }

func (c *JobContext) JobID() uuid.UUID { return c.job.ID }

// Mutate runs fn on the job and persists the result, all under the context
// lock. The worker uses it for the terminal transition; bodies normally use
// the higher-level Progress/SetMetadata.
func (c *JobContext) Mutate(fn func(j *jobs.Job) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := fn(c.job); err != nil {
		return err
	}
	// The terminal write of a cooperatively canceled body happens after
	// the run context is canceled; it must still reach storage.
	return c.store.Save(context.WithoutCancel(c.ctx), c.job)
}

// View runs fn on the job under the context lock without persisting.
func (c *JobContext) View(fn func(j *jobs.Job)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.job)
}

// Heartbeat refreshes updatedAt so the orphan detector keeps its hands off.
// The state stays PROCESSING; only the version and timestamp move.
func (c *JobContext) Heartbeat(now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job.State() != jobs.StateProcessing {
		return nil
	}
	c.job.Touch(now)
	return c.store.Save(context.WithoutCancel(c.ctx), c.job)
}

// Progress records a progress percentage in the job metadata. Persist
// failures are logged and swallowed; progress is advisory and must never
// fail the body.
func (c *JobContext) Progress(pct int, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.job.SetMetadata("progress", strconv.Itoa(pct))
	if msg != "" {
		c.job.SetMetadata("progressMessage", msg)
	}
	if err := c.store.Save(c.ctx, c.job); err != nil {
		c.log.Warn("Persisting job progress failed", "error", err)
	}
}

// SetMetadata writes one key of the job's open metadata map.
func (c *JobContext) SetMetadata(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.job.SetMetadata(key, value)
	if err := c.store.Save(c.ctx, c.job); err != nil {
		c.log.Warn("Persisting job metadata failed", "error", err, "key", key)
	}
}
