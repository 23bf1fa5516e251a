package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/jobforge/internal/jobs"
	"github.com/yungbote/jobforge/internal/platform/logger"
	"github.com/yungbote/jobforge/internal/storage"
)

/*
Key-value storage provider on Redis.

Layout (all keys under the "jobforge:" prefix):

	job:{id}             hash   version, state, document
	idx:state:{STATE}    zset   job id scored by updatedAt (unix nanos)
	idx:scheduled        zset   job id scored by the current scheduledAt
	recurring-fire:{recurringId}:{fireUnixNano}
	                     string job id, present while a materialized fire
	                            is in SCHEDULED/ENQUEUED/PROCESSING/SUCCEEDED
	recurring-jobs       hash   definition id -> JSON document
	server:{id}          string JSON announcement
	idx:servers          zset   server id scored by lastHeartbeat

Optimistic concurrency uses WATCH on the job key: the version field is
compared inside the watched section and the whole write (hash + indexes)
commits as one MULTI/EXEC. A concurrent writer aborts the EXEC and the
loser reports ConcurrentJobModification.
*/
type Provider struct {
	rdb *goredis.Client
	log *logger.Logger
}

const keyPrefix = "jobforge:"

// recurringFireTTL bounds how long a fire marker outlives its job; a day
// comfortably exceeds any reasonable duplicate-probe look-back window.
const recurringFireTTL = 24 * time.Hour

func New(addr string, logg *logger.Logger) (*Provider, error) {
	if logg == nil {
		logg = logger.NewNop()
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(rdb, logg), nil
}

// NewWithClient wraps an existing client; the caller keeps ownership of
// its lifecycle when constructed this way.
func NewWithClient(rdb *goredis.Client, logg *logger.Logger) *Provider {
	if logg == nil {
		logg = logger.NewNop()
	}
	return &Provider{rdb: rdb, log: logg.With("component", "RedisStorageProvider")}
}

func jobKey(id uuid.UUID) string             { return keyPrefix + "job:" + id.String() }
func stateKey(state jobs.StateName) string   { return keyPrefix + "idx:state:" + string(state) }
func scheduledKey() string                   { return keyPrefix + "idx:scheduled" }
func recurringJobsKey() string               { return keyPrefix + "recurring-jobs" }
func serverKey(id uuid.UUID) string          { return keyPrefix + "server:" + id.String() }
func serversIndexKey() string                { return keyPrefix + "idx:servers" }
func recurringFireKey(id string, fire time.Time) string {
	return keyPrefix + "recurring-fire:" + id + ":" + strconv.FormatInt(fire.UnixNano(), 10)
}

var allStates = []jobs.StateName{
	jobs.StateScheduled, jobs.StateEnqueued, jobs.StateProcessing,
	jobs.StateSucceeded, jobs.StateFailed, jobs.StateDeleted,
}

func (p *Provider) Save(ctx context.Context, job *jobs.Job) error {
	if job.Version == 0 {
		newV := len(job.StateHistory)
		if newV == 0 {
			newV = 1
		}
		job.Version = newV
		job.SavedStateCount = len(job.StateHistory)
		_, err := p.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			return p.writeJob(ctx, pipe, job, "")
		})
		if err != nil {
			job.Version = 0
			return storage.WrapError("save", err)
		}
		return nil
	}

	priorV := job.Version
	key := jobKey(job.ID)
	err := p.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return storage.ErrJobNotFound
		}
		storedV, _ := strconv.Atoi(fields["version"])
		if storedV != priorV {
			return &storage.ConcurrentJobModificationError{JobID: job.ID, Expected: priorV, Actual: storedV}
		}
		job.Version = storage.NewVersion(priorV, job.SavedStateCount, len(job.StateHistory))
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			return p.writeJob(ctx, pipe, job, jobs.StateName(fields["state"]))
		})
		return err
	}, key)
	if err != nil {
		job.Version = priorV
		if errors.Is(err, goredis.TxFailedErr) {
			return &storage.ConcurrentJobModificationError{JobID: job.ID, Expected: priorV, Actual: -1}
		}
		if errors.Is(err, storage.ErrJobNotFound) || storage.IsConcurrentModification(err) {
			return err
		}
		return storage.WrapError("save", err)
	}
	job.SavedStateCount = len(job.StateHistory)
	return nil
}

// writeJob queues the hash write and every index maintenance command.
// prevState "" means the job is new.
func (p *Provider) writeJob(ctx context.Context, pipe goredis.Pipeliner, job *jobs.Job, prevState jobs.StateName) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return err
	}
	key := jobKey(job.ID)
	state := job.State()

	pipe.HSet(ctx, key, map[string]interface{}{
		"version":  job.Version,
		"state":    string(state),
		"document": string(doc),
	})

	if prevState != "" && prevState != state {
		pipe.ZRem(ctx, stateKey(prevState), job.ID.String())
	}
	pipe.ZAdd(ctx, stateKey(state), goredis.Z{
		Score:  float64(job.UpdatedAt.UnixNano()),
		Member: job.ID.String(),
	})

	if at := job.CurrentScheduledAt(); at != nil {
		pipe.ZAdd(ctx, scheduledKey(), goredis.Z{Score: float64(at.Unix()), Member: job.ID.String()})
	} else {
		pipe.ZRem(ctx, scheduledKey(), job.ID.String())
	}

	if job.RecurringJobID != "" {
		if fire := job.RecurringFireTime(); fire != nil {
			fk := recurringFireKey(job.RecurringJobID, *fire)
			switch state {
			case jobs.StateScheduled, jobs.StateEnqueued, jobs.StateProcessing, jobs.StateSucceeded:
				pipe.Set(ctx, fk, job.ID.String(), recurringFireTTL)
			default:
				pipe.Del(ctx, fk)
			}
		}
	}
	return nil
}

func (p *Provider) SaveAll(ctx context.Context, list []*jobs.Job) error {
	// Saves run sequentially and stop at the first conflict. The batch is
	// not atomic: records before the failing one stay written, nothing
	// after it is written.
	for _, job := range list {
		if err := p.Save(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) loadJob(ctx context.Context, id string) (*jobs.Job, error) {
	fields, err := p.rdb.HGetAll(ctx, keyPrefix+"job:"+id).Result()
	if err != nil {
		return nil, storage.WrapError("load-job", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrJobNotFound
	}
	var j jobs.Job
	if err := json.Unmarshal([]byte(fields["document"]), &j); err != nil {
		return nil, storage.WrapError("decode-job", err)
	}
	j.Version, _ = strconv.Atoi(fields["version"])
	j.SavedStateCount = len(j.StateHistory)
	return &j, nil
}

func (p *Provider) GetJobByID(ctx context.Context, id uuid.UUID) (*jobs.Job, error) {
	return p.loadJob(ctx, id.String())
}

func (p *Provider) GetJobs(ctx context.Context, state jobs.StateName, page storage.PageRequest) ([]*jobs.Job, error) {
	stop := int64(-1)
	if page.Limit > 0 {
		stop = int64(page.Offset + page.Limit - 1)
	}
	var ids []string
	var err error
	if page.Order == storage.OrderUpdatedAtDesc {
		ids, err = p.rdb.ZRevRange(ctx, stateKey(state), int64(page.Offset), stop).Result()
	} else {
		ids, err = p.rdb.ZRange(ctx, stateKey(state), int64(page.Offset), stop).Result()
	}
	if err != nil {
		return nil, storage.WrapError("get-jobs", err)
	}
	return p.loadJobs(ctx, ids)
}

func (p *Provider) loadJobs(ctx context.Context, ids []string) ([]*jobs.Job, error) {
	out := make([]*jobs.Job, 0, len(ids))
	for _, id := range ids {
		j, err := p.loadJob(ctx, id)
		if errors.Is(err, storage.ErrJobNotFound) {
			// Index entry outlived the record; skip.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (p *Provider) CountJobs(ctx context.Context, state jobs.StateName) (int64, error) {
	n, err := p.rdb.ZCard(ctx, stateKey(state)).Result()
	return n, storage.WrapError("count-jobs", err)
}

func (p *Provider) DeletePermanently(ctx context.Context, id uuid.UUID) error {
	j, err := p.loadJob(ctx, id.String())
	if err != nil {
		return err
	}
	_, err = p.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, jobKey(id))
		for _, s := range allStates {
			pipe.ZRem(ctx, stateKey(s), id.String())
		}
		pipe.ZRem(ctx, scheduledKey(), id.String())
		if j.RecurringJobID != "" {
			if fire := j.RecurringFireTime(); fire != nil {
				pipe.Del(ctx, recurringFireKey(j.RecurringJobID, *fire))
			}
		}
		return nil
	})
	return storage.WrapError("delete-permanently", err)
}

func (p *Provider) DeleteJobsBefore(ctx context.Context, state jobs.StateName, cutoff time.Time) (int64, error) {
	ids, err := p.rdb.ZRangeByScore(ctx, stateKey(state), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixNano(), 10),
	}).Result()
	if err != nil {
		return 0, storage.WrapError("delete-jobs-before", err)
	}
	var n int64
	for _, id := range ids {
		jid, err := uuid.Parse(id)
		if err != nil {
			continue
		}
		if err := p.DeletePermanently(ctx, jid); err == nil {
			n++
		}
	}
	return n, nil
}

func (p *Provider) GetJobsToProcess(ctx context.Context, serverID uuid.UUID, limit int) ([]*jobs.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	// Read a few more candidates than requested; some will be lost to
	// concurrent claimers and skipped.
	ids, err := p.rdb.ZRange(ctx, stateKey(jobs.StateEnqueued), 0, int64(limit*2-1)).Result()
	if err != nil {
		return nil, storage.WrapError("get-jobs-to-process", err)
	}
	claimed := make([]*jobs.Job, 0, limit)
	now := time.Now()
	for _, id := range ids {
		if len(claimed) >= limit {
			break
		}
		j, err := p.loadJob(ctx, id)
		if err != nil {
			continue
		}
		if j.State() != jobs.StateEnqueued {
			continue
		}
		if err := j.MoveToState(jobs.ProcessingState(serverID.String(), now)); err != nil {
			continue
		}
		if err := p.Save(ctx, j); err != nil {
			if storage.IsConcurrentModification(err) {
				continue
			}
			return claimed, err
		}
		claimed = append(claimed, j)
	}
	return claimed, nil
}

func (p *Provider) GetScheduledJobs(ctx context.Context, before time.Time, page storage.PageRequest) ([]*jobs.Job, error) {
	rng := &goredis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(before.Unix(), 10),
		Offset: int64(page.Offset),
	}
	if page.Limit > 0 {
		rng.Count = int64(page.Limit)
	}
	ids, err := p.rdb.ZRangeByScore(ctx, scheduledKey(), rng).Result()
	if err != nil {
		return nil, storage.WrapError("get-scheduled-jobs", err)
	}
	out, err := p.loadJobs(ctx, ids)
	if err != nil {
		return nil, err
	}
	// The scheduled index may briefly lag a transition; re-check state.
	kept := out[:0]
	for _, j := range out {
		if j.State() == jobs.StateScheduled {
			kept = append(kept, j)
		}
	}
	return kept, nil
}

func (p *Provider) RecurringJobExists(ctx context.Context, recurringJobID string, fireTime time.Time) (bool, error) {
	n, err := p.rdb.Exists(ctx, recurringFireKey(recurringJobID, fireTime)).Result()
	if err != nil {
		return false, storage.WrapError("recurring-job-exists", err)
	}
	return n > 0, nil
}

func (p *Provider) GetJobStats(ctx context.Context) (storage.JobStats, error) {
	var stats storage.JobStats
	for _, s := range allStates {
		n, err := p.rdb.ZCard(ctx, stateKey(s)).Result()
		if err != nil {
			return storage.JobStats{}, storage.WrapError("job-stats", err)
		}
		switch s {
		case jobs.StateScheduled:
			stats.Scheduled = n
		case jobs.StateEnqueued:
			stats.Enqueued = n
		case jobs.StateProcessing:
			stats.Processing = n
		case jobs.StateSucceeded:
			stats.Succeeded = n
		case jobs.StateFailed:
			stats.Failed = n
		case jobs.StateDeleted:
			stats.Deleted = n
		}
		stats.Total += n
	}
	return stats, nil
}

func (p *Provider) SaveRecurringJob(ctx context.Context, r *jobs.RecurringJob) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return storage.WrapError("save-recurring", err)
	}
	err = p.rdb.HSet(ctx, recurringJobsKey(), r.ID, string(doc)).Err()
	return storage.WrapError("save-recurring", err)
}

func (p *Provider) GetRecurringJobs(ctx context.Context) ([]*jobs.RecurringJob, error) {
	fields, err := p.rdb.HGetAll(ctx, recurringJobsKey()).Result()
	if err != nil {
		return nil, storage.WrapError("get-recurring", err)
	}
	out := make([]*jobs.RecurringJob, 0, len(fields))
	for _, raw := range fields {
		var def jobs.RecurringJob
		if err := json.Unmarshal([]byte(raw), &def); err != nil {
			return nil, storage.WrapError("get-recurring", err)
		}
		out = append(out, &def)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (p *Provider) DeleteRecurringJob(ctx context.Context, id string) error {
	n, err := p.rdb.HDel(ctx, recurringJobsKey(), id).Result()
	if err != nil {
		return storage.WrapError("delete-recurring", err)
	}
	if n == 0 {
		return storage.ErrRecurringJobNotFound
	}
	return nil
}

func (p *Provider) Announce(ctx context.Context, status jobs.ServerStatus) error {
	doc, err := json.Marshal(status)
	if err != nil {
		return storage.WrapError("announce", err)
	}
	_, err = p.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, serverKey(status.ID), string(doc), 0)
		pipe.ZAdd(ctx, serversIndexKey(), goredis.Z{
			Score:  float64(status.LastHeartbeat.UnixNano()),
			Member: status.ID.String(),
		})
		return nil
	})
	return storage.WrapError("announce", err)
}

func (p *Provider) SignalAlive(ctx context.Context, serverID uuid.UUID, now time.Time) error {
	raw, err := p.rdb.Get(ctx, serverKey(serverID)).Result()
	if errors.Is(err, goredis.Nil) {
		return storage.WrapError("signal-alive", errors.New("server not announced"))
	}
	if err != nil {
		return storage.WrapError("signal-alive", err)
	}
	var status jobs.ServerStatus
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return storage.WrapError("signal-alive", err)
	}
	status.LastHeartbeat = now
	return p.Announce(ctx, status)
}

func (p *Provider) GetServers(ctx context.Context) ([]jobs.ServerStatus, error) {
	ids, err := p.rdb.ZRange(ctx, serversIndexKey(), 0, -1).Result()
	if err != nil {
		return nil, storage.WrapError("get-servers", err)
	}
	out := make([]jobs.ServerStatus, 0, len(ids))
	for _, id := range ids {
		raw, err := p.rdb.Get(ctx, keyPrefix+"server:"+id).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return nil, storage.WrapError("get-servers", err)
		}
		var s jobs.ServerStatus
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, storage.WrapError("get-servers", err)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].FirstHeartbeat.Equal(out[k].FirstHeartbeat) {
			return out[i].FirstHeartbeat.Before(out[k].FirstHeartbeat)
		}
		return out[i].ID.String() < out[k].ID.String()
	})
	return out, nil
}

func (p *Provider) GetLongestRunningServerID(ctx context.Context) (uuid.UUID, error) {
	servers, err := p.GetServers(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	if len(servers) == 0 {
		return uuid.Nil, storage.WrapError("longest-running-server", errors.New("no servers announced"))
	}
	return servers[0].ID, nil
}

func (p *Provider) GetServersThatTimedOut(ctx context.Context, timeout time.Duration) ([]jobs.ServerStatus, error) {
	cutoff := time.Now().Add(-timeout)
	servers, err := p.GetServers(ctx)
	if err != nil {
		return nil, err
	}
	var out []jobs.ServerStatus
	for _, s := range servers {
		if s.LastHeartbeat.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (p *Provider) RemoveTimedOutServers(ctx context.Context, timeout time.Duration) (int64, error) {
	timedOut, err := p.GetServersThatTimedOut(ctx, timeout)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, s := range timedOut {
		_, err := p.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, serverKey(s.ID))
			pipe.ZRem(ctx, serversIndexKey(), s.ID.String())
			return nil
		})
		if err != nil {
			return n, storage.WrapError("remove-timed-out-servers", err)
		}
		n++
	}
	return n, nil
}

func (p *Provider) Close() error {
	return p.rdb.Close()
}
