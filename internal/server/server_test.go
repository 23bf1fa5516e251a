package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/jobforge/internal/client"
	"github.com/yungbote/jobforge/internal/execution"
	"github.com/yungbote/jobforge/internal/jobs"
	"github.com/yungbote/jobforge/internal/storage"
	"github.com/yungbote/jobforge/internal/storage/inmemory"
)

/*
Scenario tests for the whole control loop, run against the in-memory
provider with compressed intervals: 50ms poll, 25ms heartbeat, 200ms
server timeout. Every scenario ends in a state-history assertion.
*/

func testConfig() Config {
	return Config{
		WorkerPoolSize:                        2,
		PollInterval:                          50 * time.Millisecond,
		ServerTimeoutPollIntervalMultiplicand: 4,
		HeartbeatInterval:                     25 * time.Millisecond,
		MaxRetries:                            10,
		ScheduledBatchSize:                    100,
		DeleteSucceededJobsAfter:              time.Hour,
		PermanentlyDeleteDeletedJobsAfter:     time.Hour,
		StopGracePeriod:                       2 * time.Second,
	}
}

type probeService struct {
	mu          sync.Mutex
	runs        int
	failWith    error
	sleep       time.Duration
	honorCancel bool
}

func (p *probeService) Run(jc *execution.JobContext) error {
	p.mu.Lock()
	p.runs++
	failWith := p.failWith
	sleep := p.sleep
	honor := p.honorCancel
	p.mu.Unlock()

	if sleep > 0 {
		if honor {
			select {
			case <-time.After(sleep):
			case <-jc.Context().Done():
				return jc.Context().Err()
			}
		} else {
			time.Sleep(sleep)
		}
	}
	return failWith
}

func (p *probeService) Runs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runs
}

func startServer(t *testing.T, store storage.Provider, svc *probeService, cfg Config) *BackgroundJobServer {
	t.Helper()
	reg := execution.NewRegistry()
	if err := reg.RegisterInstance("test.Probe", svc); err != nil {
		t.Fatalf("register probe: %v", err)
	}
	srv := New(cfg, store, reg, nil)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Stop(context.Background())
	})
	return srv
}

func probeDescriptor(t *testing.T) jobs.JobDescriptor {
	t.Helper()
	d, err := jobs.NewJobDescriptor("test.Probe", "Run")
	if err != nil {
		t.Fatalf("NewJobDescriptor: %v", err)
	}
	return d
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func historyNames(j *jobs.Job) []jobs.StateName {
	out := make([]jobs.StateName, len(j.StateHistory))
	for i := range j.StateHistory {
		out[i] = j.StateHistory[i].Name
	}
	return out
}

func assertHistory(t *testing.T, j *jobs.Job, want ...jobs.StateName) {
	t.Helper()
	got := historyNames(j)
	if len(got) != len(want) {
		t.Fatalf("history: want=%v got=%v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("history: want=%v got=%v", want, got)
		}
	}
}

func TestSimpleEnqueueRunsToSuccess(t *testing.T) {
	store := inmemory.New(nil)
	svc := &probeService{}
	startServer(t, store, svc, testConfig())
	c := client.New(store, nil)
	ctx := context.Background()

	id, err := c.Enqueue(ctx, probeDescriptor(t))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 5*time.Second, "job success", func() bool {
		j, err := store.GetJobByID(ctx, id)
		return err == nil && j.State() == jobs.StateSucceeded
	})

	j, _ := store.GetJobByID(ctx, id)
	assertHistory(t, j, jobs.StateEnqueued, jobs.StateProcessing, jobs.StateSucceeded)
	if err := j.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if svc.Runs() != 1 {
		t.Fatalf("body ran %d times", svc.Runs())
	}
	final := j.CurrentState()
	if final.Duration < 0 || final.Latency < 0 {
		t.Fatalf("succeeded state missing timings: %+v", final)
	}
}

func TestScheduledJobWaitsThenRuns(t *testing.T) {
	store := inmemory.New(nil)
	svc := &probeService{}
	startServer(t, store, svc, testConfig())
	c := client.New(store, nil)
	ctx := context.Background()

	id, err := c.Schedule(ctx, probeDescriptor(t), time.Now().Add(700*time.Millisecond))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	// Well before the fire time the job must still be waiting.
	time.Sleep(300 * time.Millisecond)
	j, _ := store.GetJobByID(ctx, id)
	if j.State() != jobs.StateScheduled {
		t.Fatalf("job ran early: %s", j.State())
	}

	waitFor(t, 5*time.Second, "scheduled job success", func() bool {
		j, err := store.GetJobByID(ctx, id)
		return err == nil && j.State() == jobs.StateSucceeded
	})

	j, _ = store.GetJobByID(ctx, id)
	assertHistory(t, j, jobs.StateScheduled, jobs.StateEnqueued, jobs.StateProcessing, jobs.StateSucceeded)
}

func TestFailingJobIsRescheduledWithBackoff(t *testing.T) {
	store := inmemory.New(nil)
	svc := &probeService{failWith: errors.New("boom")}
	startServer(t, store, svc, testConfig())
	c := client.New(store, nil)
	ctx := context.Background()

	id, err := c.Enqueue(ctx, probeDescriptor(t))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 5*time.Second, "retry scheduled", func() bool {
		j, err := store.GetJobByID(ctx, id)
		return err == nil && j.State() == jobs.StateScheduled
	})

	j, _ := store.GetJobByID(ctx, id)
	assertHistory(t, j, jobs.StateEnqueued, jobs.StateProcessing, jobs.StateFailed, jobs.StateScheduled)

	failed := &j.StateHistory[2]
	if failed.Message != "boom" || failed.ExceptionType == "" {
		t.Fatalf("failure not captured: %+v", failed)
	}

	// First retry: 3s base plus jitter under 30s.
	at := j.CurrentScheduledAt()
	delay := at.Sub(failed.CreatedAt)
	if delay < 3*time.Second || delay > 34*time.Second {
		t.Fatalf("retry backoff out of bounds: %v", delay)
	}
}

func TestExhaustedRetriesStayFailed(t *testing.T) {
	store := inmemory.New(nil)
	svc := &probeService{failWith: errors.New("boom")}
	cfg := testConfig()
	cfg.MaxRetries = 0
	startServer(t, store, svc, cfg)
	c := client.New(store, nil)
	ctx := context.Background()

	id, _ := c.Enqueue(ctx, probeDescriptor(t))

	waitFor(t, 5*time.Second, "terminal failure", func() bool {
		j, err := store.GetJobByID(ctx, id)
		return err == nil && j.State() == jobs.StateFailed
	})
	j, _ := store.GetJobByID(ctx, id)
	assertHistory(t, j, jobs.StateEnqueued, jobs.StateProcessing, jobs.StateFailed)
}

func TestUnregisteredTypeFailsWithoutRetry(t *testing.T) {
	store := inmemory.New(nil)
	svc := &probeService{}
	startServer(t, store, svc, testConfig())
	c := client.New(store, nil)
	ctx := context.Background()

	d, _ := jobs.NewJobDescriptor("nobody.Home", "Run")
	id, _ := c.Enqueue(ctx, d)

	waitFor(t, 5*time.Second, "activation failure", func() bool {
		j, err := store.GetJobByID(ctx, id)
		return err == nil && j.State() == jobs.StateFailed
	})
	j, _ := store.GetJobByID(ctx, id)
	assertHistory(t, j, jobs.StateEnqueued, jobs.StateProcessing, jobs.StateFailed)
	if !j.CurrentState().DoNotRetry {
		t.Fatalf("activation failure is retryable: %+v", j.CurrentState())
	}
}

func TestAbandonedJobIsReclaimed(t *testing.T) {
	store := inmemory.New(nil)
	svc := &probeService{}
	startServer(t, store, svc, testConfig())
	ctx := context.Background()

	// Persist a job owned by a server that no longer exists, last touched
	// two minutes ago.
	j := jobs.NewJob(probeDescriptor(t))
	_ = j.MoveToState(jobs.EnqueuedState(time.Now().Add(-2 * time.Minute)))
	_ = j.MoveToState(jobs.ProcessingState(uuid.NewString(), time.Now().Add(-2*time.Minute)))
	j.UpdatedAt = time.Now().Add(-2 * time.Minute).UTC()
	if err := store.Save(ctx, j); err != nil {
		t.Fatalf("seed orphan: %v", err)
	}

	waitFor(t, 7*time.Second, "orphan reclaimed", func() bool {
		got, err := store.GetJobByID(ctx, j.ID)
		return err == nil && got.State() == jobs.StateScheduled
	})

	got, _ := store.GetJobByID(ctx, j.ID)
	assertHistory(t, got, jobs.StateEnqueued, jobs.StateProcessing, jobs.StateFailed, jobs.StateScheduled)
	if got.StateHistory[2].Message != "server timed out" {
		t.Fatalf("orphan failure message: %q", got.StateHistory[2].Message)
	}
}

func TestHeartbeatKeepsRunningJobFresh(t *testing.T) {
	store := inmemory.New(nil)
	svc := &probeService{sleep: 600 * time.Millisecond}
	startServer(t, store, svc, testConfig())
	c := client.New(store, nil)
	ctx := context.Background()

	id, _ := c.Enqueue(ctx, probeDescriptor(t))

	waitFor(t, 5*time.Second, "job processing", func() bool {
		j, err := store.GetJobByID(ctx, id)
		return err == nil && j.State() == jobs.StateProcessing
	})

	// While the body sleeps, updatedAt must track wall clock within a few
	// heartbeat intervals.
	for i := 0; i < 10; i++ {
		time.Sleep(30 * time.Millisecond)
		j, err := store.GetJobByID(ctx, id)
		if err != nil {
			t.Fatalf("GetJobByID: %v", err)
		}
		if j.State() != jobs.StateProcessing {
			break
		}
		if age := time.Since(j.UpdatedAt); age > 200*time.Millisecond {
			t.Fatalf("heartbeat stale: updatedAt is %v old", age)
		}
	}

	waitFor(t, 5*time.Second, "sleeping job success", func() bool {
		j, err := store.GetJobByID(ctx, id)
		return err == nil && j.State() == jobs.StateSucceeded
	})
}

func TestRecurringJobMaterializesOncePerFire(t *testing.T) {
	store := inmemory.New(nil)
	svc := &probeService{}
	startServer(t, store, svc, testConfig())
	c := client.New(store, nil)
	ctx := context.Background()

	recID, err := c.ScheduleRecurringly(ctx, "every-second", probeDescriptor(t), "* * * * * *", "UTC")
	if err != nil {
		t.Fatalf("ScheduleRecurringly: %v", err)
	}

	waitFor(t, 5*time.Second, "first recurring run", func() bool {
		return svc.Runs() >= 1
	})
	waitFor(t, 5*time.Second, "second recurring run", func() bool {
		return svc.Runs() >= 2
	})

	// One job per fire instant, ever.
	perFire := map[int64]int{}
	for _, state := range []jobs.StateName{
		jobs.StateScheduled, jobs.StateEnqueued, jobs.StateProcessing,
		jobs.StateSucceeded, jobs.StateFailed,
	} {
		list, err := store.GetJobs(ctx, state, storage.Ascending(0, 1000))
		if err != nil {
			t.Fatalf("GetJobs(%s): %v", state, err)
		}
		for _, j := range list {
			if j.RecurringJobID != recID {
				continue
			}
			fire := j.RecurringFireTime()
			if fire == nil {
				t.Fatalf("materialized job without fire time: %s", j.ID)
			}
			perFire[fire.UnixNano()]++
		}
	}
	if len(perFire) < 2 {
		t.Fatalf("expected at least two distinct fires, got %d", len(perFire))
	}
	for fire, n := range perFire {
		if n != 1 {
			t.Fatalf("fire %d materialized %d times", fire, n)
		}
	}

	// Deleting the definition stops further materialization.
	if err := c.DeleteRecurringly(ctx, recID); err != nil {
		t.Fatalf("DeleteRecurringly: %v", err)
	}
	time.Sleep(1500 * time.Millisecond) // let already-materialized fires drain
	before := svc.Runs()
	time.Sleep(2 * time.Second)
	if after := svc.Runs(); after != before {
		t.Fatalf("definition deleted but jobs kept coming: %d -> %d", before, after)
	}
}

func TestGracefulStopReschedulesCooperativeBody(t *testing.T) {
	store := inmemory.New(nil)
	svc := &probeService{sleep: 10 * time.Second, honorCancel: true}
	reg := execution.NewRegistry()
	if err := reg.RegisterInstance("test.Probe", svc); err != nil {
		t.Fatalf("register: %v", err)
	}
	srv := New(testConfig(), store, reg, nil)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c := client.New(store, nil)
	ctx := context.Background()

	id, _ := c.Enqueue(ctx, probeDescriptor(t))
	waitFor(t, 5*time.Second, "job processing", func() bool {
		j, err := store.GetJobByID(ctx, id)
		return err == nil && j.State() == jobs.StateProcessing
	})

	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	j, _ := store.GetJobByID(ctx, id)
	if j.State() != jobs.StateScheduled {
		t.Fatalf("interrupted job not rescheduled: %s (history %v)", j.State(), historyNames(j))
	}
	names := historyNames(j)
	if names[len(names)-2] != jobs.StateFailed {
		t.Fatalf("reschedule did not pass through FAILED: %v", names)
	}
}

func TestGracefulStopCommitsFinishingBody(t *testing.T) {
	store := inmemory.New(nil)
	svc := &probeService{sleep: 150 * time.Millisecond} // ignores cancellation
	reg := execution.NewRegistry()
	if err := reg.RegisterInstance("test.Probe", svc); err != nil {
		t.Fatalf("register: %v", err)
	}
	srv := New(testConfig(), store, reg, nil)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c := client.New(store, nil)
	ctx := context.Background()

	id, _ := c.Enqueue(ctx, probeDescriptor(t))
	waitFor(t, 5*time.Second, "job processing", func() bool {
		j, err := store.GetJobByID(ctx, id)
		return err == nil && j.State() == jobs.StateProcessing
	})

	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	j, _ := store.GetJobByID(ctx, id)
	if j.State() != jobs.StateSucceeded {
		t.Fatalf("finishing body not committed: %s (history %v)", j.State(), historyNames(j))
	}
}

func TestMasterHandoverOnStop(t *testing.T) {
	store := inmemory.New(nil)
	svc := &probeService{}
	reg := execution.NewRegistry()
	if err := reg.RegisterInstance("test.Probe", svc); err != nil {
		t.Fatalf("register: %v", err)
	}

	first := New(testConfig(), store, reg, nil)
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("start first: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	second := startServer(t, store, svc, testConfig())

	waitFor(t, 3*time.Second, "first server is master", func() bool {
		return first.IsMaster()
	})
	if second.IsMaster() {
		t.Fatalf("both servers consider themselves master")
	}

	if err := first.Stop(context.Background()); err != nil {
		t.Fatalf("stop first: %v", err)
	}
	waitFor(t, 3*time.Second, "second server takes over", func() bool {
		return second.IsMaster()
	})

	// The new master must run master duties: a scheduled job still fires.
	c := client.New(store, nil)
	id, _ := c.Schedule(context.Background(), probeDescriptor(t), time.Now().Add(100*time.Millisecond))
	waitFor(t, 5*time.Second, "job runs under new master", func() bool {
		j, err := store.GetJobByID(context.Background(), id)
		return err == nil && j.State() == jobs.StateSucceeded
	})
}

func TestVersionInvariantAcrossLifecycle(t *testing.T) {
	store := inmemory.New(nil)
	svc := &probeService{sleep: 200 * time.Millisecond}
	startServer(t, store, svc, testConfig())
	c := client.New(store, nil)
	ctx := context.Background()

	id, _ := c.Enqueue(ctx, probeDescriptor(t))
	waitFor(t, 5*time.Second, "job success", func() bool {
		j, err := store.GetJobByID(ctx, id)
		return err == nil && j.State() == jobs.StateSucceeded
	})

	j, _ := store.GetJobByID(ctx, id)
	// version == states + heartbeats: with a sleeping body at least one
	// heartbeat fired, so version must exceed the history length alone.
	if j.Version <= len(j.StateHistory) {
		t.Fatalf("version %d does not exceed history length %d", j.Version, len(j.StateHistory))
	}
	if err := j.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
