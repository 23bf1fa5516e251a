package server

import (
	"runtime"
	"time"
)

// MinPollInterval is the floor enforced on externally supplied
// configuration. Tests construct configs programmatically and may go lower.
const MinPollInterval = 5 * time.Second

const DefaultPollInterval = 15 * time.Second

/*
Config is the per-server tuning surface.

ServerTimeout is derived: PollInterval times the multiplicand. A PROCESSING
job whose updatedAt is older than the timeout is an orphan; a server whose
last heartbeat is older is dead. The heartbeat cadence defaults to half the
timeout, clamped to at least a second.
*/
type Config struct {
	WorkerPoolSize int
	PollInterval   time.Duration

	// ServerTimeoutPollIntervalMultiplicand scales PollInterval into the
	// liveness timeout.
	ServerTimeoutPollIntervalMultiplicand int

	// HeartbeatInterval overrides the derived cadence when non-zero.
	HeartbeatInterval time.Duration

	MaxRetries int

	// ScheduledBatchSize caps how many overdue SCHEDULED jobs one master
	// tick promotes; the next tick resumes where this one stopped.
	ScheduledBatchSize int

	DeleteSucceededJobsAfter          time.Duration
	PermanentlyDeleteDeletedJobsAfter time.Duration

	// StopGracePeriod bounds how long Stop waits for in-flight bodies.
	StopGracePeriod time.Duration
}

func DefaultConfig() Config {
	return Config{
		WorkerPoolSize:                        2 * runtime.NumCPU(),
		PollInterval:                          DefaultPollInterval,
		ServerTimeoutPollIntervalMultiplicand: 4,
		MaxRetries:                            10,
		ScheduledBatchSize:                    1000,
		DeleteSucceededJobsAfter:              36 * time.Hour,
		PermanentlyDeleteDeletedJobsAfter:     72 * time.Hour,
		StopGracePeriod:                       10 * time.Second,
	}
}

// normalized fills zero values with defaults. It does not clamp
// PollInterval; external configuration layers apply MinPollInterval before
// handing the config over.
func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = def.WorkerPoolSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.ServerTimeoutPollIntervalMultiplicand <= 0 {
		c.ServerTimeoutPollIntervalMultiplicand = def.ServerTimeoutPollIntervalMultiplicand
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.ScheduledBatchSize <= 0 {
		c.ScheduledBatchSize = def.ScheduledBatchSize
	}
	if c.DeleteSucceededJobsAfter <= 0 {
		c.DeleteSucceededJobsAfter = def.DeleteSucceededJobsAfter
	}
	if c.PermanentlyDeleteDeletedJobsAfter <= 0 {
		c.PermanentlyDeleteDeletedJobsAfter = def.PermanentlyDeleteDeletedJobsAfter
	}
	if c.StopGracePeriod <= 0 {
		c.StopGracePeriod = def.StopGracePeriod
	}
	return c
}

// ServerTimeout is the liveness window for both jobs and servers.
func (c Config) ServerTimeout() time.Duration {
	return c.PollInterval * time.Duration(c.ServerTimeoutPollIntervalMultiplicand)
}

func (c Config) heartbeatInterval() time.Duration {
	if c.HeartbeatInterval > 0 {
		return c.HeartbeatInterval
	}
	hb := c.ServerTimeout() / 2
	if hb < time.Second {
		hb = time.Second
	}
	return hb
}
