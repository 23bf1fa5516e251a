package redisstore

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/jobforge/internal/jobs"
	"github.com/yungbote/jobforge/internal/storage"
)

/*
Integration tests against a live Redis. Enable with:

	REDIS_INTEGRATION=1 REDIS_ADDR=localhost:6379 go test ./internal/storage/redisstore/
*/

func integrationProvider(t *testing.T) *Provider {
	t.Helper()
	if strings.TrimSpace(os.Getenv("REDIS_INTEGRATION")) == "" {
		t.Skip("set REDIS_INTEGRATION=1 to run Redis integration tests")
	}
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		addr = "localhost:6379"
	}
	p, err := New(addr, nil)
	if err != nil {
		t.Fatalf("connect to redis: %v", err)
	}
	t.Cleanup(func() {
		// Leave no keys behind.
		ctx := context.Background()
		iter := p.rdb.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			_ = p.rdb.Del(ctx, iter.Val()).Err()
		}
		_ = p.Close()
	})
	return p
}

func integrationJob(t *testing.T) *jobs.Job {
	t.Helper()
	d, err := jobs.NewJobDescriptor("svc.T", "M", "payload")
	if err != nil {
		t.Fatalf("NewJobDescriptor: %v", err)
	}
	j := jobs.NewJob(d)
	if err := j.MoveToState(jobs.EnqueuedState(time.Now())); err != nil {
		t.Fatalf("MoveToState: %v", err)
	}
	return j
}

func TestIntegrationSaveLoadAndVersioning(t *testing.T) {
	p := integrationProvider(t)
	ctx := context.Background()

	j := integrationJob(t)
	if err := p.Save(ctx, j); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if j.Version != 1 {
		t.Fatalf("create version: want=1 got=%d", j.Version)
	}

	stale := j.Clone()
	_ = j.MoveToState(jobs.ProcessingState("winner", time.Now()))
	if err := p.Save(ctx, j); err != nil {
		t.Fatalf("winner save: %v", err)
	}

	_ = stale.MoveToState(jobs.ProcessingState("loser", time.Now()))
	if err := p.Save(ctx, stale); !storage.IsConcurrentModification(err) {
		t.Fatalf("stale save: want conflict got %v", err)
	}

	got, err := p.GetJobByID(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJobByID: %v", err)
	}
	if got.ProcessingServerID() != "winner" {
		t.Fatalf("stored owner: %q", got.ProcessingServerID())
	}
}

func TestIntegrationClaimMovesStateIndex(t *testing.T) {
	p := integrationProvider(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := p.Save(ctx, integrationJob(t)); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	claimed, err := p.GetJobsToProcess(ctx, uuid.New(), 2)
	if err != nil {
		t.Fatalf("GetJobsToProcess: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed: want=2 got=%d", len(claimed))
	}

	enq, _ := p.CountJobs(ctx, jobs.StateEnqueued)
	proc, _ := p.CountJobs(ctx, jobs.StateProcessing)
	if enq != 1 || proc != 2 {
		t.Fatalf("index counts after claim: enqueued=%d processing=%d", enq, proc)
	}
}

func TestIntegrationRecurringFireProbe(t *testing.T) {
	p := integrationProvider(t)
	ctx := context.Background()
	fire := time.Now().UTC().Truncate(time.Second).Add(time.Minute)

	d, _ := jobs.NewJobDescriptor("svc.T", "M")
	def := &jobs.RecurringJob{ID: "it-rec", Descriptor: d, CronExpression: "0 * * * * *", ZoneID: "UTC"}
	j := def.ToJob(fire, time.Now())
	if err := p.Save(ctx, j); err != nil {
		t.Fatalf("save: %v", err)
	}

	exists, err := p.RecurringJobExists(ctx, "it-rec", fire)
	if err != nil || !exists {
		t.Fatalf("probe after materialize: exists=%v err=%v", exists, err)
	}
	exists, _ = p.RecurringJobExists(ctx, "it-rec", fire.Add(time.Minute))
	if exists {
		t.Fatalf("probe found unmaterialized fire")
	}
}

func TestIntegrationServerRegistry(t *testing.T) {
	p := integrationProvider(t)
	ctx := context.Background()
	now := time.Now().UTC()

	oldest := jobs.ServerStatus{ID: uuid.New(), WorkerPoolSize: 4, PollInterval: 15 * time.Second, FirstHeartbeat: now.Add(-time.Hour), LastHeartbeat: now, Running: true}
	newest := jobs.ServerStatus{ID: uuid.New(), WorkerPoolSize: 4, PollInterval: 15 * time.Second, FirstHeartbeat: now, LastHeartbeat: now, Running: true}
	_ = p.Announce(ctx, newest)
	_ = p.Announce(ctx, oldest)

	master, err := p.GetLongestRunningServerID(ctx)
	if err != nil {
		t.Fatalf("GetLongestRunningServerID: %v", err)
	}
	if master != oldest.ID {
		t.Fatalf("election: want=%s got=%s", oldest.ID, master)
	}

	n, err := p.RemoveTimedOutServers(ctx, time.Nanosecond)
	if err != nil {
		t.Fatalf("RemoveTimedOutServers: %v", err)
	}
	if n == 0 {
		t.Fatalf("no servers removed with immediate timeout")
	}
}
