package inmemory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/jobforge/internal/jobs"
	"github.com/yungbote/jobforge/internal/storage"
)

func newEnqueuedJob(t *testing.T) *jobs.Job {
	t.Helper()
	d, err := jobs.NewJobDescriptor("svc.T", "M")
	if err != nil {
		t.Fatalf("NewJobDescriptor: %v", err)
	}
	j := jobs.NewJob(d)
	if err := j.MoveToState(jobs.EnqueuedState(time.Now())); err != nil {
		t.Fatalf("MoveToState: %v", err)
	}
	return j
}

func TestSaveAssignsVersionOnCreate(t *testing.T) {
	p := New(nil)
	ctx := context.Background()
	j := newEnqueuedJob(t)

	if err := p.Save(ctx, j); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if j.Version != 1 {
		t.Fatalf("version after create: want=1 got=%d", j.Version)
	}

	got, err := p.GetJobByID(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJobByID: %v", err)
	}
	if got.Version != 1 || got.State() != jobs.StateEnqueued {
		t.Fatalf("stored job: version=%d state=%s", got.Version, got.State())
	}
}

func TestSaveRejectsStaleVersion(t *testing.T) {
	p := New(nil)
	ctx := context.Background()
	j := newEnqueuedJob(t)
	if err := p.Save(ctx, j); err != nil {
		t.Fatalf("Save: %v", err)
	}

	stale := j.Clone()
	fresh := j.Clone()

	_ = fresh.MoveToState(jobs.ProcessingState("a", time.Now()))
	if err := p.Save(ctx, fresh); err != nil {
		t.Fatalf("fresh save: %v", err)
	}
	if fresh.Version != 2 {
		t.Fatalf("fresh version: want=2 got=%d", fresh.Version)
	}

	_ = stale.MoveToState(jobs.ProcessingState("b", time.Now()))
	err := p.Save(ctx, stale)
	if err == nil {
		t.Fatalf("stale save: expected conflict, got none")
	}
	if !storage.IsConcurrentModification(err) {
		t.Fatalf("stale save: want ConcurrentJobModificationError got %T (%v)", err, err)
	}

	// The loser must not have corrupted the stored record.
	got, _ := p.GetJobByID(ctx, j.ID)
	if got.ProcessingServerID() != "a" {
		t.Fatalf("stored owner: want=a got=%q", got.ProcessingServerID())
	}
}

func TestVersionCountsStatesAndHeartbeats(t *testing.T) {
	p := New(nil)
	ctx := context.Background()
	j := newEnqueuedJob(t)
	_ = p.Save(ctx, j)

	_ = j.MoveToState(jobs.ProcessingState("s", time.Now()))
	if err := p.Save(ctx, j); err != nil {
		t.Fatalf("processing save: %v", err)
	}

	heartbeats := 3
	for i := 0; i < heartbeats; i++ {
		j.Touch(time.Now())
		if err := p.Save(ctx, j); err != nil {
			t.Fatalf("heartbeat save %d: %v", i, err)
		}
	}

	_ = j.MoveToState(jobs.SucceededState(time.Millisecond, time.Millisecond))
	if err := p.Save(ctx, j); err != nil {
		t.Fatalf("succeeded save: %v", err)
	}

	want := len(j.StateHistory) + heartbeats
	if j.Version != want {
		t.Fatalf("version invariant: want=%d got=%d", want, j.Version)
	}
}

func TestConcurrentClaimsNeverOverlap(t *testing.T) {
	p := New(nil)
	ctx := context.Background()

	const total = 40
	for i := 0; i < total; i++ {
		if err := p.Save(ctx, newEnqueuedJob(t)); err != nil {
			t.Fatalf("seed save: %v", err)
		}
	}

	const servers = 4
	results := make([][]*jobs.Job, servers)
	var wg sync.WaitGroup
	for s := 0; s < servers; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			id := uuid.New()
			for {
				claimed, err := p.GetJobsToProcess(ctx, id, 5)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if len(claimed) == 0 {
					return
				}
				results[s] = append(results[s], claimed...)
			}
		}(s)
	}
	wg.Wait()

	seen := map[uuid.UUID]int{}
	claimed := 0
	for s := range results {
		for _, j := range results[s] {
			seen[j.ID]++
			claimed++
			if j.State() != jobs.StateProcessing {
				t.Fatalf("claimed job not PROCESSING: %s", j.State())
			}
		}
	}
	if claimed != total {
		t.Fatalf("claimed: want=%d got=%d", total, claimed)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}

func TestSaveAllFailsAtomicallyOnConflict(t *testing.T) {
	p := New(nil)
	ctx := context.Background()

	a := newEnqueuedJob(t)
	b := newEnqueuedJob(t)
	_ = p.Save(ctx, a)
	_ = p.Save(ctx, b)

	// Move b forward behind the batch's back.
	bFresh := b.Clone()
	_ = bFresh.MoveToState(jobs.ProcessingState("x", time.Now()))
	_ = p.Save(ctx, bFresh)

	aStale := a.Clone()
	bStale := b.Clone()
	_ = aStale.MoveToState(jobs.ProcessingState("y", time.Now()))
	_ = bStale.MoveToState(jobs.ProcessingState("y", time.Now()))

	err := p.SaveAll(ctx, []*jobs.Job{aStale, bStale})
	if !storage.IsConcurrentModification(err) {
		t.Fatalf("SaveAll: want conflict got %v", err)
	}

	// a must be untouched even though it preceded the conflicting b.
	got, _ := p.GetJobByID(ctx, a.ID)
	if got.State() != jobs.StateEnqueued {
		t.Fatalf("batch was not atomic: a moved to %s", got.State())
	}
}

func TestGetScheduledJobsFiltersByInstant(t *testing.T) {
	p := New(nil)
	ctx := context.Background()
	now := time.Now()

	mk := func(at time.Time) *jobs.Job {
		d, _ := jobs.NewJobDescriptor("svc.T", "M")
		j := jobs.NewJob(d)
		_ = j.MoveToState(jobs.ScheduledState(at))
		if err := p.Save(ctx, j); err != nil {
			t.Fatalf("save: %v", err)
		}
		return j
	}
	due := mk(now.Add(-time.Second))
	mk(now.Add(time.Hour))

	got, err := p.GetScheduledJobs(ctx, now, storage.Ascending(0, 100))
	if err != nil {
		t.Fatalf("GetScheduledJobs: %v", err)
	}
	if len(got) != 1 || got[0].ID != due.ID {
		t.Fatalf("overdue query: want exactly the due job, got %d jobs", len(got))
	}
}

func TestRecurringJobExistsMatchesFireInstant(t *testing.T) {
	p := New(nil)
	ctx := context.Background()
	fire := time.Now().Truncate(time.Second).Add(time.Minute)

	d, _ := jobs.NewJobDescriptor("svc.T", "M")
	def := &jobs.RecurringJob{ID: "r-1", Descriptor: d, CronExpression: "0 * * * * *", ZoneID: "UTC"}
	j := def.ToJob(fire, time.Now())
	if err := p.Save(ctx, j); err != nil {
		t.Fatalf("save: %v", err)
	}

	exists, err := p.RecurringJobExists(ctx, "r-1", fire)
	if err != nil {
		t.Fatalf("RecurringJobExists: %v", err)
	}
	if !exists {
		t.Fatalf("materialized fire not found")
	}

	exists, _ = p.RecurringJobExists(ctx, "r-1", fire.Add(time.Minute))
	if exists {
		t.Fatalf("next fire reported as existing")
	}
	exists, _ = p.RecurringJobExists(ctx, "r-other", fire)
	if exists {
		t.Fatalf("unrelated definition reported as existing")
	}
}

func TestServerRegistryElectionOrder(t *testing.T) {
	p := New(nil)
	ctx := context.Background()
	now := time.Now()

	oldest := jobs.ServerStatus{ID: uuid.New(), FirstHeartbeat: now.Add(-time.Hour), LastHeartbeat: now, Running: true}
	newer := jobs.ServerStatus{ID: uuid.New(), FirstHeartbeat: now, LastHeartbeat: now, Running: true}
	_ = p.Announce(ctx, newer)
	_ = p.Announce(ctx, oldest)

	id, err := p.GetLongestRunningServerID(ctx)
	if err != nil {
		t.Fatalf("GetLongestRunningServerID: %v", err)
	}
	if id != oldest.ID {
		t.Fatalf("election: want=%s got=%s", oldest.ID, id)
	}
}

func TestRemoveTimedOutServers(t *testing.T) {
	p := New(nil)
	ctx := context.Background()
	now := time.Now()

	dead := jobs.ServerStatus{ID: uuid.New(), FirstHeartbeat: now.Add(-time.Hour), LastHeartbeat: now.Add(-10 * time.Minute)}
	live := jobs.ServerStatus{ID: uuid.New(), FirstHeartbeat: now, LastHeartbeat: now}
	_ = p.Announce(ctx, dead)
	_ = p.Announce(ctx, live)

	timedOut, err := p.GetServersThatTimedOut(ctx, time.Minute)
	if err != nil {
		t.Fatalf("GetServersThatTimedOut: %v", err)
	}
	if len(timedOut) != 1 || timedOut[0].ID != dead.ID {
		t.Fatalf("timed out set wrong: %v", timedOut)
	}

	n, err := p.RemoveTimedOutServers(ctx, time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("RemoveTimedOutServers: n=%d err=%v", n, err)
	}
	left, _ := p.GetServers(ctx)
	if len(left) != 1 || left[0].ID != live.ID {
		t.Fatalf("live server removed")
	}
}
