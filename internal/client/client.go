package client

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yungbote/jobforge/internal/jobs"
	"github.com/yungbote/jobforge/internal/platform/logger"
	"github.com/yungbote/jobforge/internal/scheduling"
	"github.com/yungbote/jobforge/internal/storage"
)

// DefaultStreamBatchSize caps how many jobs a streamed enqueue holds in
// memory before flushing a batch to storage.
const DefaultStreamBatchSize = 1000

/*
Client is the submission façade: the public API user code holds to get
work into the system. It only ever writes to storage; the servers do the
rest. A Client is safe for concurrent use from any number of goroutines
and processes.
*/
type Client struct {
	store storage.Provider
	log   *logger.Logger
}

func New(store storage.Provider, baseLog *logger.Logger) *Client {
	if baseLog == nil {
		baseLog = logger.NewNop()
	}
	return &Client{
		store: store,
		log:   baseLog.With("component", "JobClient"),
	}
}

// Enqueue submits a job for immediate execution and returns its id.
func (c *Client) Enqueue(ctx context.Context, d jobs.JobDescriptor) (uuid.UUID, error) {
	j := jobs.NewJob(d)
	if err := j.MoveToState(jobs.EnqueuedState(time.Now())); err != nil {
		return uuid.Nil, err
	}
	if err := c.store.Save(ctx, j); err != nil {
		return uuid.Nil, err
	}
	return j.ID, nil
}

/*
EnqueueStream submits every descriptor read from in, batching writes so
arbitrarily large inputs never materialize in memory. batchSize <= 0 uses
the default. Returns the number of jobs enqueued.

The producer controls the channel: close it to finish the stream. A
storage failure aborts the stream; jobs from already flushed batches stay
enqueued (at-least-once hands the duplicates question to idempotent
bodies, as everywhere else in the system).
*/
func (c *Client) EnqueueStream(ctx context.Context, in <-chan jobs.JobDescriptor, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultStreamBatchSize
	}

	var enqueued int
	g, gctx := errgroup.WithContext(ctx)
	batches := make(chan []*jobs.Job, 1)

	g.Go(func() error {
		defer close(batches)
		batch := make([]*jobs.Job, 0, batchSize)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			out := batch
			batch = make([]*jobs.Job, 0, batchSize)
			select {
			case batches <- out:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case d, ok := <-in:
				if !ok {
					return flush()
				}
				j := jobs.NewJob(d)
				if err := j.MoveToState(jobs.EnqueuedState(time.Now())); err != nil {
					return err
				}
				batch = append(batch, j)
				if len(batch) >= batchSize {
					if err := flush(); err != nil {
						return err
					}
				}
			}
		}
	})

	g.Go(func() error {
		for batch := range batches {
			if err := c.store.SaveAll(gctx, batch); err != nil {
				return err
			}
			enqueued += len(batch)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return enqueued, err
	}
	return enqueued, nil
}

// Schedule submits a job to run at when. Any zone is accepted; the stored
// instant is UTC.
func (c *Client) Schedule(ctx context.Context, d jobs.JobDescriptor, when time.Time) (uuid.UUID, error) {
	j := jobs.NewJob(d)
	if err := j.MoveToState(jobs.ScheduledState(when.UTC())); err != nil {
		return uuid.Nil, err
	}
	if err := c.store.Save(ctx, j); err != nil {
		return uuid.Nil, err
	}
	return j.ID, nil
}

/*
ScheduleRecurringly upserts a recurring definition and returns its id. An
empty id derives a stable one from the descriptor and expression, so
registering the same call twice replaces rather than duplicates. The cron
expression and zone are validated here — a bad registration fails loudly
and never reaches storage.
*/
func (c *Client) ScheduleRecurringly(ctx context.Context, id string, d jobs.JobDescriptor, cronExpression, zoneID string) (string, error) {
	if _, err := scheduling.Parse(cronExpression, zoneID); err != nil {
		return "", fmt.Errorf("register recurring job: %w", err)
	}
	if id == "" {
		id = jobs.DefaultRecurringID(d, cronExpression)
	}
	def := &jobs.RecurringJob{
		ID:             id,
		Descriptor:     d,
		CronExpression: cronExpression,
		ZoneID:         zoneID,
		CreatedAt:      time.Now().UTC(),
	}
	if err := c.store.SaveRecurringJob(ctx, def); err != nil {
		return "", err
	}
	c.log.Info("Recurring job registered", "recurring_job_id", id, "cron", cronExpression)
	return id, nil
}

// DeleteRecurringly removes a recurring definition. Jobs it already
// materialized run or are deleted independently.
func (c *Client) DeleteRecurringly(ctx context.Context, id string) error {
	return c.store.DeleteRecurringJob(ctx, id)
}

// Delete marks a job DELETED. A job currently PROCESSING is left to
// finish; its final transition loses the version race and is dropped.
func (c *Client) Delete(ctx context.Context, jobID uuid.UUID) error {
	j, err := c.store.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if err := j.MoveToState(jobs.DeletedState("deleted via client")); err != nil {
		return err
	}
	return c.store.Save(ctx, j)
}

// GetJobByID exposes the stored record, mainly for callers that poll for
// completion.
func (c *Client) GetJobByID(ctx context.Context, jobID uuid.UUID) (*jobs.Job, error) {
	return c.store.GetJobByID(ctx, jobID)
}
