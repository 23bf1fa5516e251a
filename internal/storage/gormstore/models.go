package gormstore

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/jobforge/internal/jobs"
)

/*
Row models. The job itself is persisted as one JSON document; the columns
next to it are the query keys the pollers need (state, fire times, owner,
version). The document and the columns are always written together, so the
columns never drift from the history inside the document.
*/

type jobRow struct {
	ID              string         `gorm:"type:uuid;primaryKey"`
	Version         int            `gorm:"not null"`
	StateCount      int            `gorm:"not null"`
	State           string         `gorm:"not null;index"`
	ScheduledAt     *time.Time     `gorm:"index"`
	RecurringJobID  string         `gorm:"index:idx_jobforge_recurring_fire"`
	RecurringFireAt *time.Time     `gorm:"index:idx_jobforge_recurring_fire"`
	ServerID        string         `gorm:"index"`
	Document        datatypes.JSON `gorm:"not null"`
	CreatedAt       time.Time      `gorm:"not null"`
	UpdatedAt       time.Time      `gorm:"not null;index"`
}

func (jobRow) TableName() string { return "jobforge_jobs" }

type recurringRow struct {
	ID        string         `gorm:"primaryKey"`
	Document  datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time      `gorm:"not null"`
}

func (recurringRow) TableName() string { return "jobforge_recurring_jobs" }

type serverRow struct {
	ID                  string    `gorm:"type:uuid;primaryKey"`
	WorkerPoolSize      int       `gorm:"not null"`
	PollIntervalSeconds int       `gorm:"not null"`
	FirstHeartbeat      time.Time `gorm:"not null;index"`
	LastHeartbeat       time.Time `gorm:"not null;index"`
	Running             bool      `gorm:"not null"`
}

func (serverRow) TableName() string { return "jobforge_servers" }

func rowFromJob(j *jobs.Job) (jobRow, error) {
	doc, err := json.Marshal(j)
	if err != nil {
		return jobRow{}, err
	}
	var serverID string
	if s := j.CurrentState(); s != nil && s.Name == jobs.StateProcessing {
		serverID = s.ServerID
	}
	return jobRow{
		ID:              j.ID.String(),
		Version:         j.Version,
		StateCount:      len(j.StateHistory),
		State:           string(j.State()),
		ScheduledAt:     j.CurrentScheduledAt(),
		RecurringJobID:  j.RecurringJobID,
		RecurringFireAt: j.RecurringFireTime(),
		ServerID:        serverID,
		Document:        datatypes.JSON(doc),
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
	}, nil
}

func jobFromRow(r *jobRow) (*jobs.Job, error) {
	var j jobs.Job
	if err := json.Unmarshal(r.Document, &j); err != nil {
		return nil, err
	}
	j.Version = r.Version
	j.SavedStateCount = len(j.StateHistory)
	return &j, nil
}

func rowFromRecurring(r *jobs.RecurringJob) (recurringRow, error) {
	doc, err := json.Marshal(r)
	if err != nil {
		return recurringRow{}, err
	}
	return recurringRow{ID: r.ID, Document: datatypes.JSON(doc), CreatedAt: r.CreatedAt}, nil
}

func recurringFromRow(r *recurringRow) (*jobs.RecurringJob, error) {
	var def jobs.RecurringJob
	if err := json.Unmarshal(r.Document, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

func rowFromServer(s jobs.ServerStatus) serverRow {
	return serverRow{
		ID:                  s.ID.String(),
		WorkerPoolSize:      s.WorkerPoolSize,
		PollIntervalSeconds: int(s.PollInterval / time.Second),
		FirstHeartbeat:      s.FirstHeartbeat,
		LastHeartbeat:       s.LastHeartbeat,
		Running:             s.Running,
	}
}

func serverFromRow(r *serverRow) (jobs.ServerStatus, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return jobs.ServerStatus{}, err
	}
	return jobs.ServerStatus{
		ID:             id,
		WorkerPoolSize: r.WorkerPoolSize,
		PollInterval:   time.Duration(r.PollIntervalSeconds) * time.Second,
		FirstHeartbeat: r.FirstHeartbeat,
		LastHeartbeat:  r.LastHeartbeat,
		Running:        r.Running,
	}, nil
}
