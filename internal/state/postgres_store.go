package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// PostgresStore backs the engine with a shared relational database. Many
// orchestrator and worker processes may run against the same database;
// dequeue safety comes entirely from FOR UPDATE SKIP LOCKED.
type PostgresStore struct {
	db *gorm.DB
}

type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		cfg.Host, cfg.User, cfg.Password, cfg.DBName, cfg.Port, cfg.SSLMode)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&JobRecord{}, &JobEventRecord{}, &WorkerRecord{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already-open handle; integration tests use
// this to share a transaction-scoped connection.
func NewPostgresStoreFromDB(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateJob(ctx context.Context, job JobRecord, events ...JobEventRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&job).Error; err != nil {
			return err
		}
		return appendEventsTx(tx, events)
	})
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (JobRecord, bool, error) {
	var job JobRecord
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return JobRecord{}, false, nil
	}
	if err != nil {
		return JobRecord{}, false, err
	}
	return job, true, nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job JobRecord, events ...JobEventRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job.UpdatedAt = time.Now().UTC()
		if err := tx.Save(&job).Error; err != nil {
			return err
		}
		return appendEventsTx(tx, events)
	})
}

func (s *PostgresStore) DeleteJob(ctx context.Context, jobID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", jobID).Delete(&JobEventRecord{}).Error; err != nil {
			return err
		}
		return tx.Delete(&JobRecord{}, "id = ?", jobID).Error
	})
}

func (s *PostgresStore) DequeuePending(ctx context.Context) (JobRecord, bool, error) {
	var job JobRecord
	claimed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND retry_count < max_retries", StatusPending).
			Order("priority DESC").
			Order("created_at ASC").
			Limit(1).
			Find(&job)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		var err error
		job, err = markRunningTx(tx, job)
		if err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return JobRecord{}, false, err
	}
	return job, claimed, nil
}

func (s *PostgresStore) ClaimJob(ctx context.Context, jobID string) (JobRecord, bool, error) {
	var job JobRecord
	claimed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("id = ? AND status = ? AND retry_count < max_retries", jobID, StatusPending).
			Limit(1).
			Find(&job)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		var err error
		job, err = markRunningTx(tx, job)
		if err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return JobRecord{}, false, err
	}
	return job, claimed, nil
}

func markRunningTx(tx *gorm.DB, job JobRecord) (JobRecord, error) {
	now := time.Now().UTC()
	job.Status = StatusRunning
	job.StartedAt = &now
	job.UpdatedAt = now
	if err := tx.Save(&job).Error; err != nil {
		return JobRecord{}, err
	}
	ev := JobEventRecord{
		JobID:     job.ID,
		EventType: EventStarted,
		Data:      map[string]interface{}{"status": StatusRunning},
		CreatedAt: now,
	}
	if err := tx.Create(&ev).Error; err != nil {
		return JobRecord{}, err
	}
	return job, nil
}

func (s *PostgresStore) ListJobsByStatus(ctx context.Context, status string, limit int) ([]JobRecord, error) {
	var jobs []JobRecord
	q := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("priority DESC").
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *PostgresStore) CountJobsByStatus(ctx context.Context, status string) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&JobRecord{}).Where("status = ?", status).Count(&count).Error
	return int(count), err
}

func (s *PostgresStore) CountJobsByTenantStatus(ctx context.Context, tenantID, status string) (int, error) {
	var count int64
	q := s.db.WithContext(ctx).Model(&JobRecord{}).Where("tenant_id = ?", tenantID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Count(&count).Error
	return int(count), err
}

func (s *PostgresStore) AppendEvent(ctx context.Context, event JobEventRecord) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(&event).Error
}

func appendEventsTx(tx *gorm.DB, events []JobEventRecord) error {
	now := time.Now().UTC()
	for i := range events {
		if events[i].CreatedAt.IsZero() {
			events[i].CreatedAt = now
		}
		if err := tx.Create(&events[i]).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, jobID string) ([]JobEventRecord, error) {
	var events []JobEventRecord
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&events).Error
	return events, err
}

func (s *PostgresStore) ListEventsSince(ctx context.Context, jobID string, since time.Time) ([]JobEventRecord, error) {
	var events []JobEventRecord
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND created_at > ?", jobID, since).
		Order("created_at ASC").
		Order("id ASC").
		Find(&events).Error
	return events, err
}

func (s *PostgresStore) ListRecentEventsByType(ctx context.Context, eventType string, cutoff time.Time) ([]JobEventRecord, error) {
	var events []JobEventRecord
	err := s.db.WithContext(ctx).
		Where("event_type = ? AND created_at >= ?", eventType, cutoff).
		Order("created_at ASC").
		Find(&events).Error
	return events, err
}

func (s *PostgresStore) UpsertWorker(ctx context.Context, worker WorkerRecord) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&worker).Error
}

func (s *PostgresStore) GetWorker(ctx context.Context, workerID string) (WorkerRecord, bool, error) {
	var w WorkerRecord
	err := s.db.WithContext(ctx).First(&w, "id = ?", workerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return WorkerRecord{}, false, nil
	}
	if err != nil {
		return WorkerRecord{}, false, err
	}
	return w, true, nil
}

func (s *PostgresStore) ListWorkers(ctx context.Context) ([]WorkerRecord, error) {
	var workers []WorkerRecord
	err := s.db.WithContext(ctx).Order("id ASC").Find(&workers).Error
	return workers, err
}
