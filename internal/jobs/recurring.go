package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

/*
RecurringJob is a cron-driven template. The recurring-poller materializes
it into concrete jobs, one per fire instant; the definition itself never
executes. Saving a definition with an existing id replaces it.
*/
type RecurringJob struct {
	ID             string        `json:"id"`
	Descriptor     JobDescriptor `json:"jobDescriptor"`
	CronExpression string        `json:"cronExpression"`
	ZoneID         string        `json:"zoneId"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// DefaultRecurringID derives a stable id from the descriptor and the cron
// expression, used when the caller registers a recurring job without one.
func DefaultRecurringID(d JobDescriptor, cronExpression string) string {
	h := sha256.New()
	_, _ = h.Write([]byte(d.Hash()))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(cronExpression))
	return "recurring-" + hex.EncodeToString(h.Sum(nil))[:12]
}

// ToJob materializes the definition for one cron fire instant. The job
// always starts with SCHEDULED(fireTime); when the fire time has already
// passed it is additionally moved straight to ENQUEUED so it does not wait
// an extra poll tick. The first SCHEDULED record doubles as the duplicate
// probe key (see Job.RecurringFireTime).
func (r *RecurringJob) ToJob(fireTime, now time.Time) *Job {
	j := NewJob(r.Descriptor.clone())
	j.RecurringJobID = r.ID
	_ = j.MoveToState(ScheduledState(fireTime))
	if !fireTime.After(now) {
		_ = j.MoveToState(EnqueuedState(now))
	}
	return j
}
