package filters

import (
	"math"
	"math/rand"
	"time"

	"github.com/yungbote/jobforge/internal/jobs"
)

// DefaultMaxRetries bounds how often a failing job is rescheduled before
// its FAILED state becomes terminal.
const DefaultMaxRetries = 10

const maxJitter = 30 * time.Second

/*
RetryFilter reschedules failed jobs with exponential backoff. When a
PROCESSING -> FAILED transition is elected and the job still has retries
left, the filter appends SCHEDULED(now + backoff) after the FAILED record,
so the history reads ... PROCESSING, FAILED, SCHEDULED and the job flows
back through the normal scheduled path.

Backoff for the n-th prior failure is 3^(n+1) seconds plus a uniformly
distributed jitter in [0, 30s), which spreads retry storms after an outage
across the half-minute.

Failures marked DoNotRetry (activation problems, explicit classification
by the body) stay terminal regardless of the budget.
*/
type RetryFilter struct {
	maxRetries int
}

func NewRetryFilter(maxRetries int) *RetryFilter {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	return &RetryFilter{maxRetries: maxRetries}
}

func (f *RetryFilter) OnStateElection(job *jobs.Job, elected *jobs.StateRecord) []jobs.StateRecord {
	if elected.Name != jobs.StateFailed || elected.DoNotRetry {
		return nil
	}
	priorFailures := job.FailureCount()
	if priorFailures >= f.maxRetries {
		return nil
	}
	return []jobs.StateRecord{jobs.ScheduledState(time.Now().Add(Backoff(priorFailures)))}
}

// Backoff returns the delay before retry number n (zero-based over prior
// failures): 3^(n+1) seconds plus jitter in [0, 30s).
func Backoff(n int) time.Duration {
	base := time.Duration(math.Pow(3, float64(n+1))) * time.Second
	return base + time.Duration(rand.Int63n(int64(maxJitter)))
}
