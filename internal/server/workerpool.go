package server

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/yungbote/jobforge/internal/jobs"
)

/*
The worker pool executes claimed jobs with bounded parallelism.

Shape:
  - a fixed number of worker goroutines,
  - a submit channel with capacity equal to the worker count,
  - an in-flight counter.

The enqueued-poller sizes its claim by freeCapacity, so the pool never has
more than workerCount jobs queued plus workerCount running. Submit never
blocks; a full pool rejects and the caller leaves the job for the next
tick (or, in the claim path, for the orphan detector once the job's
updatedAt goes stale).

On context cancellation workers finish their current body cooperatively
and return; whatever is still sitting in the channel is drained by the
server's shutdown path and rescheduled.
*/
type workerPool struct {
	size     int
	queue    chan *jobs.Job
	inflight atomic.Int64
	wg       sync.WaitGroup
	run      func(ctx context.Context, j *jobs.Job)
}

func newWorkerPool(size int, run func(ctx context.Context, j *jobs.Job)) *workerPool {
	return &workerPool{
		size:  size,
		queue: make(chan *jobs.Job, size),
		run:   run,
	}
}

func (p *workerPool) start(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx)
	}
}

func (p *workerPool) workerLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.queue:
			p.inflight.Add(1)
			p.run(ctx, j)
			p.inflight.Add(-1)
		}
	}
}

// submit hands a job to the pool without blocking.
func (p *workerPool) submit(j *jobs.Job) bool {
	select {
	case p.queue <- j:
		return true
	default:
		return false
	}
}

// freeCapacity is how many more jobs the pool can absorb right now:
// workers minus running minus queued.
func (p *workerPool) freeCapacity() int {
	free := p.size - int(p.inflight.Load()) - len(p.queue)
	if free < 0 {
		free = 0
	}
	return free
}

// drain empties the submit channel after the workers have been stopped.
func (p *workerPool) drain() []*jobs.Job {
	var out []*jobs.Job
	for {
		select {
		case j := <-p.queue:
			out = append(out, j)
		default:
			return out
		}
	}
}

// wait blocks until every worker goroutine has returned.
func (p *workerPool) wait() {
	p.wg.Wait()
}
