package filters

import (
	"github.com/yungbote/jobforge/internal/jobs"
	"github.com/yungbote/jobforge/internal/platform/logger"
)

/*
Filters observe state transitions and may rewrite them before they are
committed. The worker routes every transition it makes through a Chain:

  - ElectStateFilters run before the transition is persisted. A filter may
    mutate the elected record in place (replace the next state) and may
    return follow-up records to append after it — the retry filter turns a
    FAILED election into FAILED followed by SCHEDULED(backoff) this way.
  - ApplyStateFilters are notified after the transition is persisted.

A failing filter is logged and skipped; filters never crash a worker.
*/

type ElectStateFilter interface {
	OnStateElection(job *jobs.Job, elected *jobs.StateRecord) []jobs.StateRecord
}

type ApplyStateFilter interface {
	OnStateApplied(job *jobs.Job, prev, applied *jobs.StateRecord)
}

type Chain struct {
	log   *logger.Logger
	elect []ElectStateFilter
	apply []ApplyStateFilter
}

func NewChain(log *logger.Logger) *Chain {
	if log == nil {
		log = logger.NewNop()
	}
	return &Chain{log: log.With("component", "JobFilterChain")}
}

func (c *Chain) AddElectFilter(f ElectStateFilter) *Chain {
	if f != nil {
		c.elect = append(c.elect, f)
	}
	return c
}

func (c *Chain) AddApplyFilter(f ApplyStateFilter) *Chain {
	if f != nil {
		c.apply = append(c.apply, f)
	}
	return c
}

// ElectState runs the elect filters over the pending record and collects
// their follow-up states in filter order.
func (c *Chain) ElectState(job *jobs.Job, elected *jobs.StateRecord) []jobs.StateRecord {
	var followUps []jobs.StateRecord
	for _, f := range c.elect {
		more := c.runElect(f, job, elected)
		followUps = append(followUps, more...)
	}
	return followUps
}

func (c *Chain) runElect(f ElectStateFilter, job *jobs.Job, elected *jobs.StateRecord) (followUps []jobs.StateRecord) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn("Elect filter panicked, skipping",
				"job_id", job.ID.String(),
				"panic", r,
			)
			followUps = nil
		}
	}()
	return f.OnStateElection(job, elected)
}

// ApplyState notifies the apply filters that a transition was committed.
func (c *Chain) ApplyState(job *jobs.Job, prev, applied *jobs.StateRecord) {
	for _, f := range c.apply {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Warn("Apply filter panicked, skipping",
						"job_id", job.ID.String(),
						"panic", r,
					)
				}
			}()
			f.OnStateApplied(job, prev, applied)
		}()
	}
}
