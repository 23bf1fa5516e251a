package gormstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/jobforge/internal/jobs"
	"github.com/yungbote/jobforge/internal/platform/logger"
	"github.com/yungbote/jobforge/internal/storage"
)

/*
Relational storage provider on GORM, serving the Postgres and SQLite
dialects. Optimistic concurrency is a version predicate on every update;
the claim query additionally takes FOR UPDATE SKIP LOCKED on Postgres so
concurrent servers skip past each other instead of serializing on row
locks. SQLite runs the same claim inside a transaction without the
locking clause; its single-writer model already serializes claimers.
*/
type Provider struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewPostgres connects, migrates and returns the provider.
func NewPostgres(dsn string, logg *logger.Logger) (*Provider, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: quietGormLogger()})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return newProvider(db, logg)
}

// NewSQLite opens (or creates) the database file and returns the provider.
// Use ":memory:" for a throwaway store.
func NewSQLite(path string, logg *logger.Logger) (*Provider, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: quietGormLogger()})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	return newProvider(db, logg)
}

func newProvider(db *gorm.DB, logg *logger.Logger) (*Provider, error) {
	if logg == nil {
		logg = logger.NewNop()
	}
	if err := db.AutoMigrate(&jobRow{}, &recurringRow{}, &serverRow{}); err != nil {
		return nil, fmt.Errorf("migrate job tables: %w", err)
	}
	return &Provider{db: db, log: logg.With("component", "GormStorageProvider")}, nil
}

// quietGormLogger suppresses "record not found" noise; polling loops hit
// empty results all day long.
func quietGormLogger() gormLogger.Interface {
	return gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

func (p *Provider) Save(ctx context.Context, job *jobs.Job) error {
	return p.saveTx(p.db.WithContext(ctx), job)
}

func (p *Provider) saveTx(tx *gorm.DB, job *jobs.Job) error {
	if job.Version == 0 {
		newV := len(job.StateHistory)
		if newV == 0 {
			newV = 1
		}
		job.Version = newV
		job.SavedStateCount = len(job.StateHistory)
		row, err := rowFromJob(job)
		if err != nil {
			return storage.WrapError("save", err)
		}
		if err := tx.Create(&row).Error; err != nil {
			job.Version = 0
			return storage.WrapError("save", err)
		}
		return nil
	}

	newV := storage.NewVersion(job.Version, job.SavedStateCount, len(job.StateHistory))
	priorV := job.Version
	job.Version = newV
	row, err := rowFromJob(job)
	if err != nil {
		job.Version = priorV
		return storage.WrapError("save", err)
	}

	res := tx.Model(&jobRow{}).
		Where("id = ? AND version = ?", row.ID, priorV).
		Updates(map[string]interface{}{
			"version":            row.Version,
			"state_count":        row.StateCount,
			"state":              row.State,
			"scheduled_at":       row.ScheduledAt,
			"recurring_job_id":   row.RecurringJobID,
			"recurring_fire_at":  row.RecurringFireAt,
			"server_id":          row.ServerID,
			"document":           row.Document,
			"updated_at":         row.UpdatedAt,
		})
	if res.Error != nil {
		job.Version = priorV
		return storage.WrapError("save", res.Error)
	}
	if res.RowsAffected == 0 {
		job.Version = priorV
		var cur jobRow
		err := tx.Select("version").Where("id = ?", row.ID).First(&cur).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return storage.ErrJobNotFound
		}
		if err != nil {
			return storage.WrapError("save", err)
		}
		return &storage.ConcurrentJobModificationError{JobID: job.ID, Expected: priorV, Actual: cur.Version}
	}
	job.SavedStateCount = len(job.StateHistory)
	return nil
}

func (p *Provider) SaveAll(ctx context.Context, list []*jobs.Job) error {
	if len(list) == 0 {
		return nil
	}
	prior := make([]int, len(list))
	for i, j := range list {
		prior[i] = j.Version
	}
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, j := range list {
			if err := p.saveTx(tx, j); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// The transaction rolled back; undo the in-memory version bumps.
		for i, j := range list {
			j.Version = prior[i]
		}
	}
	return err
}

func (p *Provider) GetJobByID(ctx context.Context, id uuid.UUID) (*jobs.Job, error) {
	var row jobRow
	err := p.db.WithContext(ctx).Where("id = ?", id.String()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrJobNotFound
	}
	if err != nil {
		return nil, storage.WrapError("get-job", err)
	}
	j, err := jobFromRow(&row)
	if err != nil {
		return nil, storage.WrapError("get-job", err)
	}
	return j, nil
}

func (p *Provider) GetJobs(ctx context.Context, state jobs.StateName, page storage.PageRequest) ([]*jobs.Job, error) {
	var rows []jobRow
	q := p.db.WithContext(ctx).Where("state = ?", string(state)).Order(orderClause(page))
	if page.Offset > 0 {
		q = q.Offset(page.Offset)
	}
	if page.Limit > 0 {
		q = q.Limit(page.Limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, storage.WrapError("get-jobs", err)
	}
	return jobsFromRows(rows)
}

func (p *Provider) CountJobs(ctx context.Context, state jobs.StateName) (int64, error) {
	var n int64
	err := p.db.WithContext(ctx).Model(&jobRow{}).Where("state = ?", string(state)).Count(&n).Error
	return n, storage.WrapError("count-jobs", err)
}

func (p *Provider) DeletePermanently(ctx context.Context, id uuid.UUID) error {
	res := p.db.WithContext(ctx).Where("id = ?", id.String()).Delete(&jobRow{})
	if res.Error != nil {
		return storage.WrapError("delete-permanently", res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrJobNotFound
	}
	return nil
}

func (p *Provider) DeleteJobsBefore(ctx context.Context, state jobs.StateName, cutoff time.Time) (int64, error) {
	res := p.db.WithContext(ctx).
		Where("state = ? AND updated_at < ?", string(state), cutoff).
		Delete(&jobRow{})
	return res.RowsAffected, storage.WrapError("delete-jobs-before", res.Error)
}

func (p *Provider) GetJobsToProcess(ctx context.Context, serverID uuid.UUID, limit int) ([]*jobs.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	var claimed []*jobs.Job
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		var rows []jobRow
		if err := q.
			Where("state = ?", string(jobs.StateEnqueued)).
			Order("updated_at ASC").
			Limit(limit).
			Find(&rows).Error; err != nil {
			return err
		}
		now := time.Now()
		for i := range rows {
			j, err := jobFromRow(&rows[i])
			if err != nil {
				return err
			}
			if err := j.MoveToState(jobs.ProcessingState(serverID.String(), now)); err != nil {
				continue
			}
			if err := p.saveTx(tx, j); err != nil {
				if storage.IsConcurrentModification(err) {
					// Lost the row to another server between read and write.
					continue
				}
				return err
			}
			claimed = append(claimed, j)
		}
		return nil
	})
	if err != nil {
		return nil, storage.WrapError("get-jobs-to-process", err)
	}
	return claimed, nil
}

func (p *Provider) GetScheduledJobs(ctx context.Context, before time.Time, page storage.PageRequest) ([]*jobs.Job, error) {
	var rows []jobRow
	q := p.db.WithContext(ctx).
		Where("state = ? AND scheduled_at <= ?", string(jobs.StateScheduled), before).
		Order(orderClause(page))
	if page.Offset > 0 {
		q = q.Offset(page.Offset)
	}
	if page.Limit > 0 {
		q = q.Limit(page.Limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, storage.WrapError("get-scheduled-jobs", err)
	}
	return jobsFromRows(rows)
}

func (p *Provider) RecurringJobExists(ctx context.Context, recurringJobID string, fireTime time.Time) (bool, error) {
	var n int64
	err := p.db.WithContext(ctx).Model(&jobRow{}).
		Where("recurring_job_id = ? AND recurring_fire_at = ? AND state IN ?",
			recurringJobID, fireTime,
			[]string{
				string(jobs.StateScheduled),
				string(jobs.StateEnqueued),
				string(jobs.StateProcessing),
				string(jobs.StateSucceeded),
			}).
		Count(&n).Error
	if err != nil {
		return false, storage.WrapError("recurring-job-exists", err)
	}
	return n > 0, nil
}

func (p *Provider) GetJobStats(ctx context.Context) (storage.JobStats, error) {
	type bucket struct {
		State string
		N     int64
	}
	var buckets []bucket
	err := p.db.WithContext(ctx).Model(&jobRow{}).
		Select("state, count(*) as n").
		Group("state").
		Scan(&buckets).Error
	if err != nil {
		return storage.JobStats{}, storage.WrapError("job-stats", err)
	}
	var stats storage.JobStats
	for _, b := range buckets {
		switch jobs.StateName(b.State) {
		case jobs.StateScheduled:
			stats.Scheduled = b.N
		case jobs.StateEnqueued:
			stats.Enqueued = b.N
		case jobs.StateProcessing:
			stats.Processing = b.N
		case jobs.StateSucceeded:
			stats.Succeeded = b.N
		case jobs.StateFailed:
			stats.Failed = b.N
		case jobs.StateDeleted:
			stats.Deleted = b.N
		}
		stats.Total += b.N
	}
	return stats, nil
}

func (p *Provider) SaveRecurringJob(ctx context.Context, r *jobs.RecurringJob) error {
	row, err := rowFromRecurring(r)
	if err != nil {
		return storage.WrapError("save-recurring", err)
	}
	err = p.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(&row).Error
	return storage.WrapError("save-recurring", err)
}

func (p *Provider) GetRecurringJobs(ctx context.Context) ([]*jobs.RecurringJob, error) {
	var rows []recurringRow
	if err := p.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, storage.WrapError("get-recurring", err)
	}
	out := make([]*jobs.RecurringJob, 0, len(rows))
	for i := range rows {
		def, err := recurringFromRow(&rows[i])
		if err != nil {
			return nil, storage.WrapError("get-recurring", err)
		}
		out = append(out, def)
	}
	return out, nil
}

func (p *Provider) DeleteRecurringJob(ctx context.Context, id string) error {
	res := p.db.WithContext(ctx).Where("id = ?", id).Delete(&recurringRow{})
	if res.Error != nil {
		return storage.WrapError("delete-recurring", res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrRecurringJobNotFound
	}
	return nil
}

func (p *Provider) Announce(ctx context.Context, status jobs.ServerStatus) error {
	row := rowFromServer(status)
	err := p.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(&row).Error
	return storage.WrapError("announce", err)
}

func (p *Provider) SignalAlive(ctx context.Context, serverID uuid.UUID, now time.Time) error {
	err := p.db.WithContext(ctx).Model(&serverRow{}).
		Where("id = ?", serverID.String()).
		Update("last_heartbeat", now).Error
	return storage.WrapError("signal-alive", err)
}

func (p *Provider) GetServers(ctx context.Context) ([]jobs.ServerStatus, error) {
	var rows []serverRow
	err := p.db.WithContext(ctx).Order("first_heartbeat ASC, id ASC").Find(&rows).Error
	if err != nil {
		return nil, storage.WrapError("get-servers", err)
	}
	out := make([]jobs.ServerStatus, 0, len(rows))
	for i := range rows {
		s, err := serverFromRow(&rows[i])
		if err != nil {
			return nil, storage.WrapError("get-servers", err)
		}
		out = append(out, s)
	}
	return out, nil
}

func (p *Provider) GetLongestRunningServerID(ctx context.Context) (uuid.UUID, error) {
	var row serverRow
	err := p.db.WithContext(ctx).Order("first_heartbeat ASC, id ASC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return uuid.Nil, storage.WrapError("longest-running-server", err)
	}
	if err != nil {
		return uuid.Nil, storage.WrapError("longest-running-server", err)
	}
	return uuid.Parse(row.ID)
}

func (p *Provider) GetServersThatTimedOut(ctx context.Context, timeout time.Duration) ([]jobs.ServerStatus, error) {
	cutoff := time.Now().Add(-timeout)
	var rows []serverRow
	err := p.db.WithContext(ctx).
		Where("last_heartbeat < ?", cutoff).
		Order("first_heartbeat ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, storage.WrapError("servers-timed-out", err)
	}
	out := make([]jobs.ServerStatus, 0, len(rows))
	for i := range rows {
		s, err := serverFromRow(&rows[i])
		if err != nil {
			return nil, storage.WrapError("servers-timed-out", err)
		}
		out = append(out, s)
	}
	return out, nil
}

func (p *Provider) RemoveTimedOutServers(ctx context.Context, timeout time.Duration) (int64, error) {
	cutoff := time.Now().Add(-timeout)
	res := p.db.WithContext(ctx).Where("last_heartbeat < ?", cutoff).Delete(&serverRow{})
	return res.RowsAffected, storage.WrapError("remove-timed-out-servers", res.Error)
}

func (p *Provider) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func orderClause(page storage.PageRequest) string {
	if page.Order == storage.OrderUpdatedAtDesc {
		return "updated_at DESC"
	}
	return "updated_at ASC"
}

func jobsFromRows(rows []jobRow) ([]*jobs.Job, error) {
	out := make([]*jobs.Job, 0, len(rows))
	for i := range rows {
		j, err := jobFromRow(&rows[i])
		if err != nil {
			return nil, storage.WrapError("decode-job", err)
		}
		out = append(out, j)
	}
	return out, nil
}
