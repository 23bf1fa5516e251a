package server

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/jobforge/internal/execution"
	"github.com/yungbote/jobforge/internal/filters"
	"github.com/yungbote/jobforge/internal/jobs"
	"github.com/yungbote/jobforge/internal/platform/logger"
	"github.com/yungbote/jobforge/internal/storage"
)

/*
BackgroundJobServer is the control loop of the processor.

Each server owns:
  - one loop goroutine driving the pollers every PollInterval and keeping
    the server announcement fresh on the heartbeat cadence,
  - WorkerPoolSize worker goroutines executing claimed jobs.

Every server runs the enqueued-poller. The cluster-wide duties — promoting
overdue SCHEDULED jobs, materializing recurring definitions, reclaiming
orphans, retention GC — run only on the master: the live server with the
lowest firstHeartbeat. Election is a read over the server table each tick;
there is no coordination protocol to get wrong.

The server is infrastructure: it knows nothing about what jobs do. Bodies
are resolved through the activator and interact with the system only via
execution.JobContext.
*/
type BackgroundJobServer struct {
	id      uuid.UUID
	cfg     Config
	store   storage.Provider
	chain   *filters.Chain
	invoker *execution.Invoker
	log     *logger.Logger
	pool    *workerPool

	cancel context.CancelFunc
	loops  chan struct{}     // closed when poll+heartbeat loops have exited
	status jobs.ServerStatus // the announcement made at Start
	master atomic.Bool

	// lastRecurringTick is the base instant for cron fire computation; a
	// sliding look-back of one poll interval catches fires that passed
	// between ticks.
	lastRecurringTick time.Time
}

func New(cfg Config, store storage.Provider, activator execution.Activator, baseLog *logger.Logger) *BackgroundJobServer {
	if baseLog == nil {
		baseLog = logger.NewNop()
	}
	cfg = cfg.normalized()
	id := uuid.New()
	log := baseLog.With("component", "BackgroundJobServer", "server_id", id.String())

	chain := filters.NewChain(baseLog).
		AddElectFilter(filters.NewRetryFilter(cfg.MaxRetries))

	s := &BackgroundJobServer{
		id:      id,
		cfg:     cfg,
		store:   store,
		chain:   chain,
		invoker: execution.NewInvoker(activator, baseLog),
		log:     log,
	}
	s.pool = newWorkerPool(cfg.WorkerPoolSize, s.processJob)
	return s
}

func (s *BackgroundJobServer) ID() uuid.UUID { return s.id }

// AddElectFilter and AddApplyFilter are the user extension points; filters
// registered here see every transition this server commits.
func (s *BackgroundJobServer) AddElectFilter(f filters.ElectStateFilter) {
	s.chain.AddElectFilter(f)
}

func (s *BackgroundJobServer) AddApplyFilter(f filters.ApplyStateFilter) {
	s.chain.AddApplyFilter(f)
}

// Start announces the server and launches the pool, poll loop and
// heartbeat loop. It returns once everything is running.
func (s *BackgroundJobServer) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.loops = make(chan struct{})

	now := time.Now().UTC()
	status := jobs.ServerStatus{
		ID:             s.id,
		WorkerPoolSize: s.cfg.WorkerPoolSize,
		PollInterval:   s.cfg.PollInterval,
		FirstHeartbeat: now,
		LastHeartbeat:  now,
		Running:        true,
	}
	if err := s.store.Announce(runCtx, status); err != nil {
		cancel()
		return fmt.Errorf("announce server: %w", err)
	}
	s.status = status

	s.lastRecurringTick = now
	s.pool.start(runCtx)

	go func() {
		defer close(s.loops)
		s.runLoops(runCtx, status)
	}()

	s.log.Info("Background job server started",
		"worker_pool_size", s.cfg.WorkerPoolSize,
		"poll_interval", s.cfg.PollInterval.String(),
	)
	return nil
}

// runLoops drives the poll ticker and the heartbeat ticker from one
// goroutine. A failing tick is logged and the timer keeps going.
func (s *BackgroundJobServer) runLoops(ctx context.Context, status jobs.ServerStatus) {
	pollTicker := time.NewTicker(s.cfg.PollInterval)
	defer pollTicker.Stop()
	heartbeatTicker := time.NewTicker(s.cfg.heartbeatInterval())
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeatTicker.C:
			if err := s.store.SignalAlive(ctx, s.id, time.Now().UTC()); err != nil {
				// The announcement may have been removed by a peer's
				// cleanup while this server was unreachable; re-announce.
				s.log.Warn("Server heartbeat failed, re-announcing", "error", err)
				status.LastHeartbeat = time.Now().UTC()
				if err := s.store.Announce(ctx, status); err != nil {
					s.log.Error("Re-announce failed", "error", err)
				}
			}
		case <-pollTicker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one poll round: election first, then the per-server duties,
// then the master duties.
func (s *BackgroundJobServer) tick(ctx context.Context) {
	s.refreshMasterStatus(ctx)
	s.runEnqueuedPoller(ctx)
	if !s.master.Load() {
		return
	}
	s.runScheduledPoller(ctx)
	s.runRecurringPoller(ctx)
	s.runOrphanDetector(ctx)
	s.runRetention(ctx)
	if stats, err := s.store.GetJobStats(ctx); err == nil {
		s.log.Debug("Job stats",
			"scheduled", stats.Scheduled,
			"enqueued", stats.Enqueued,
			"processing", stats.Processing,
			"succeeded", stats.Succeeded,
			"failed", stats.Failed,
		)
	}
}

// refreshMasterStatus re-runs the election: the first entry of the server
// table (ordered by firstHeartbeat, then id) that is running and has a
// fresh heartbeat is master. A stopped or silent first server loses the
// seat immediately; no handover protocol is involved.
func (s *BackgroundJobServer) refreshMasterStatus(ctx context.Context) {
	servers, err := s.store.GetServers(ctx)
	if err != nil {
		s.log.Warn("Master election read failed", "error", err)
		s.master.Store(false)
		return
	}
	cutoff := time.Now().UTC().Add(-s.cfg.ServerTimeout())
	var masterID uuid.UUID
	for _, srv := range servers {
		if srv.Running && srv.LastHeartbeat.After(cutoff) {
			masterID = srv.ID
			break
		}
	}
	wasMaster := s.master.Swap(masterID == s.id)
	if s.master.Load() && !wasMaster {
		s.log.Info("Server is now master")
	}
}

// IsMaster reports whether this server currently owns the cluster-wide
// duties. Purely informational; the next tick may change the answer.
func (s *BackgroundJobServer) IsMaster() bool {
	return s.master.Load()
}

/*
processJob runs one claimed job on a worker goroutine. The job arrives
already in PROCESSING(this server). The run is bracketed by a per-job
heartbeat goroutine; on every exit path the terminal transition is routed
through the filter chain and persisted.
*/
func (s *BackgroundJobServer) processJob(ctx context.Context, j *jobs.Job) {
	jc := execution.NewJobContext(ctx, j, s.store, s.log)
	stopHeartbeat := s.startJobHeartbeat(ctx, jc)
	defer stopHeartbeat()

	started := time.Now()
	latency := enqueueLatency(j, started)

	runErr := s.invoker.Invoke(jc, j.Descriptor)
	duration := time.Since(started)

	var elected jobs.StateRecord
	switch {
	case runErr == nil:
		elected = jobs.SucceededState(latency, duration)
	default:
		elected = classifyFailure(runErr)
	}

	s.commitTransition(jc, elected)
}

func classifyFailure(runErr error) jobs.StateRecord {
	var actErr *execution.ActivationError
	if errors.As(runErr, &actErr) {
		return jobs.FailedStateNoRetry(actErr.Error(), "ActivationError")
	}
	var execErr *execution.ExecutionError
	if errors.As(runErr, &execErr) {
		return jobs.FailedState(execErr.Message, execErr.ExceptionType, execErr.StackTrace)
	}
	return jobs.FailedState(runErr.Error(), reflect.TypeOf(runErr).String(), "")
}

// commitTransition routes the elected record through the filter chain,
// appends it (plus any follow-ups) and persists, then notifies the apply
// filters. A version conflict here means another writer moved the job while
// it was running (the orphan detector reclaimed it, or a client deleted it);
// the local result is dropped.
func (s *BackgroundJobServer) commitTransition(jc *execution.JobContext, elected jobs.StateRecord) {
	var prev jobs.StateRecord
	err := jc.Mutate(func(j *jobs.Job) error {
		if cur := j.CurrentState(); cur != nil {
			prev = *cur
		}
		followUps := s.chain.ElectState(j, &elected)
		if err := j.MoveToState(elected); err != nil {
			return err
		}
		for i := range followUps {
			if err := j.MoveToState(followUps[i]); err != nil {
				s.log.Warn("Filter follow-up state rejected",
					"job_id", j.ID.String(),
					"state", string(followUps[i].Name),
					"error", err,
				)
			}
		}
		return nil
	})
	if err != nil {
		if storage.IsConcurrentModification(err) {
			s.log.Warn("Job was reclaimed while running, dropping local result",
				"job_id", jc.JobID().String(),
				"state", string(elected.Name),
			)
			return
		}
		s.log.Error("Persisting job transition failed",
			"job_id", jc.JobID().String(),
			"state", string(elected.Name),
			"error", err,
		)
		return
	}
	s.applyFilters(jc, prev, elected)
}

func (s *BackgroundJobServer) applyFilters(jc *execution.JobContext, prev, applied jobs.StateRecord) {
	// ApplyState is notification-only; no persistence here.
	jc.View(func(j *jobs.Job) {
		s.chain.ApplyState(j, &prev, &applied)
	})
}

// startJobHeartbeat refreshes the job's updatedAt on the heartbeat cadence
// so the orphan detector sees it as alive. Returns a stop function.
func (s *BackgroundJobServer) startJobHeartbeat(ctx context.Context, jc *execution.JobContext) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(s.cfg.heartbeatInterval())
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := jc.Heartbeat(time.Now()); err != nil {
					s.log.Warn("Job heartbeat failed",
						"job_id", jc.JobID().String(),
						"error", err,
					)
				}
			}
		}
	}()
	return func() { close(done) }
}

/*
Stop shuts the server down gracefully: pollers stop issuing claims, worker
bodies observe their cancellation context, and claimed jobs that never
started are rescheduled through the retry path. Jobs whose bodies complete
during the grace period are committed normally; bodies still running when
the grace period ends are left to the orphan detector.
*/
func (s *BackgroundJobServer) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.loops

	graceCtx, cancel := context.WithTimeout(context.Background(), s.cfg.StopGracePeriod)
	defer cancel()

	workersDone := make(chan struct{})
	go func() {
		s.pool.wait()
		close(workersDone)
	}()
	select {
	case <-workersDone:
	case <-graceCtx.Done():
		s.log.Warn("Workers did not finish within grace period; jobs will be reclaimed as orphans")
	}

	// Claimed but never started: send them back through the retry path.
	for _, j := range s.pool.drain() {
		s.requeueInterrupted(graceCtx, j)
	}

	status := s.status
	status.LastHeartbeat = time.Now().UTC()
	status.Running = false
	if err := s.store.Announce(context.WithoutCancel(ctx), status); err != nil {
		s.log.Warn("Final announcement failed", "error", err)
	}
	s.log.Info("Background job server stopped")
	s.cancel = nil
	return nil
}

// requeueInterrupted moves a PROCESSING job that never ran (or was cut
// short) back to SCHEDULED via FAILED + retry filter, keeping the state
// machine intact.
func (s *BackgroundJobServer) requeueInterrupted(ctx context.Context, j *jobs.Job) {
	elected := jobs.FailedState("server shutting down", "ServerStopped", "")
	followUps := s.chain.ElectState(j, &elected)
	if err := j.MoveToState(elected); err != nil {
		s.log.Warn("Requeue transition rejected", "job_id", j.ID.String(), "error", err)
		return
	}
	for i := range followUps {
		if err := j.MoveToState(followUps[i]); err != nil {
			s.log.Warn("Requeue follow-up rejected", "job_id", j.ID.String(), "error", err)
		}
	}
	if err := s.store.Save(ctx, j); err != nil {
		s.log.Warn("Persisting requeued job failed", "job_id", j.ID.String(), "error", err)
	}
}

// enqueueLatency measures queue wait: claim start minus the moment the job
// last entered ENQUEUED.
func enqueueLatency(j *jobs.Job, started time.Time) time.Duration {
	for i := len(j.StateHistory) - 1; i >= 0; i-- {
		rec := &j.StateHistory[i]
		if rec.Name == jobs.StateEnqueued && rec.EnqueuedAt != nil {
			return started.Sub(*rec.EnqueuedAt)
		}
	}
	return 0
}
