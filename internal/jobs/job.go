package jobs

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

/*
Job is the central entity of the processor: a single unit of work plus its
complete, append-only state history.

Versioning:
  - Version is the optimistic-concurrency token. A job fresh out of
    NewJob carries Version 0; the first Save persists it at the number of
    accumulated state records. Every subsequent Save carries the predicate
    "stored version == job.Version" and bumps by the number of new history
    entries (minimum 1, so a pure heartbeat refresh also bumps).
  - A write that loses the race fails with ConcurrentJobModificationError
    and must be retried from a fresh read, or dropped.

Mutation happens exclusively through MoveToState / Touch / SetMetadata;
server components never rewrite prior history entries.
*/
type Job struct {
	ID             uuid.UUID         `json:"id"`
	Version        int               `json:"version"`
	Descriptor     JobDescriptor     `json:"jobDescriptor"`
	StateHistory   []StateRecord     `json:"stateHistory"`
	RecurringJobID string            `json:"recurringJobId,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`

	// SavedStateCount is provider bookkeeping: the history length at the
	// last load from or write to storage. It sizes the version bump of the
	// next save (new entries bump by one each, a bare refresh bumps by
	// one). Never serialized.
	SavedStateCount int `json:"-"`
}

func NewJob(d JobDescriptor) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:         uuid.New(),
		Version:    0,
		Descriptor: d,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// CurrentState returns the last history entry, or nil for a job that has
// not been given an initial state yet.
func (j *Job) CurrentState() *StateRecord {
	if len(j.StateHistory) == 0 {
		return nil
	}
	return &j.StateHistory[len(j.StateHistory)-1]
}

// State returns the current state tag, or "" before the initial state.
func (j *Job) State() StateName {
	if s := j.CurrentState(); s != nil {
		return s.Name
	}
	return ""
}

// MoveToState appends a state record after validating the transition
// against the state machine. It bumps UpdatedAt but not Version; the
// version moves when the job is saved.
func (j *Job) MoveToState(rec StateRecord) error {
	from := j.State()
	if !TransitionAllowed(from, rec.Name) {
		return &IllegalStateTransitionError{From: from, To: rec.Name}
	}
	j.StateHistory = append(j.StateHistory, rec)
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// Touch refreshes UpdatedAt without a state change. Saving a touched job
// is how the heartbeat keeps a PROCESSING record fresh.
func (j *Job) Touch(now time.Time) {
	j.UpdatedAt = now.UTC()
}

func (j *Job) SetMetadata(key, value string) {
	if j.Metadata == nil {
		j.Metadata = map[string]string{}
	}
	j.Metadata[key] = value
	j.UpdatedAt = time.Now().UTC()
}

// FailureCount counts FAILED records in the history. The retry filter uses
// it as the backoff exponent.
func (j *Job) FailureCount() int {
	n := 0
	for i := range j.StateHistory {
		if j.StateHistory[i].Name == StateFailed {
			n++
		}
	}
	return n
}

// ProcessingServerID returns the owner of the current PROCESSING record,
// or "" when the job is not processing.
func (j *Job) ProcessingServerID() string {
	s := j.CurrentState()
	if s == nil || s.Name != StateProcessing {
		return ""
	}
	return s.ServerID
}

// CurrentScheduledAt returns the fire time of the current SCHEDULED state,
// or nil when the job is not scheduled. The scheduled-poller keys on this.
func (j *Job) CurrentScheduledAt() *time.Time {
	s := j.CurrentState()
	if s == nil || s.Name != StateScheduled {
		return nil
	}
	return s.ScheduledAt
}

// RecurringFireTime returns the cron fire instant this job was materialized
// for: the ScheduledAt of the first history entry. It never changes after
// creation, so the recurring-poller's duplicate probe stays stable across
// retries. Nil for jobs that did not start in SCHEDULED.
func (j *Job) RecurringFireTime() *time.Time {
	if len(j.StateHistory) == 0 || j.StateHistory[0].Name != StateScheduled {
		return nil
	}
	return j.StateHistory[0].ScheduledAt
}

// Validate checks the structural invariants: non-empty history, a legal
// first state, and legal consecutive transitions.
func (j *Job) Validate() error {
	if len(j.StateHistory) == 0 {
		return fmt.Errorf("job %s has empty state history", j.ID)
	}
	prev := StateName("")
	for i := range j.StateHistory {
		name := j.StateHistory[i].Name
		if !TransitionAllowed(prev, name) {
			return &IllegalStateTransitionError{From: prev, To: name}
		}
		prev = name
	}
	return nil
}

// Clone returns a deep copy. Storage providers hand out clones so callers
// can never mutate the stored record in place.
func (j *Job) Clone() *Job {
	cp := *j
	cp.StateHistory = make([]StateRecord, len(j.StateHistory))
	copy(cp.StateHistory, j.StateHistory)
	if j.Metadata != nil {
		cp.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			cp.Metadata[k] = v
		}
	}
	cp.Descriptor = j.Descriptor.clone()
	return &cp
}
