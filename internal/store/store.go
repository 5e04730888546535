// Package store implements the durable key/value-shaped State Store of
// spec §4.2 on top of an embedded SQLite database via gorm. Operations is
// the interface every caller depends on, with the job/part pair of spec §3
// as its schema.
//
// All writes go through gorm's default transaction wrapping (one
// transaction per Create/Save/Delete call) so a row is durable before the
// call returns, satisfying spec §4.2 ("All writes are durable before
// acknowledgment").
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrJobExists is returned by CreateUpload when upload_id is already present.
var ErrJobExists = errors.New("store: upload already exists")

// ErrETagMismatch is returned by MarkCompleted when a part is already
// completed with a different etag (spec §3 invariant 3).
var ErrETagMismatch = errors.New("store: part already completed with a different etag")

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("store: not found")

// Operations is the State Store contract consumed by the Supervisor and
// Worker Pool. Every method is safe for concurrent use; row-level updates
// for a given (upload_id, part_number) are serialized by the Store's write
// mutex (Store.mu below).
type Operations interface {
	CreateUpload(ctx context.Context, job UploadJob) error
	InitParts(ctx context.Context, uploadID string, parts []PartRow) error

	MarkUploading(ctx context.Context, uploadID string, partNumber int) error
	MarkCompleted(ctx context.Context, uploadID string, partNumber int, etag string) error
	MarkFailed(ctx context.Context, uploadID string, partNumber int) error

	GetPending(ctx context.Context, uploadID string, maxRetries int) ([]PartRow, error)
	GetCompleted(ctx context.Context, uploadID string) ([]PartRow, error)
	CountCompleted(ctx context.Context, uploadID string) (int, error)

	UpdateJobStatus(ctx context.Context, uploadID string, status JobStatus) error
	GetJob(ctx context.Context, uploadID string) (UploadJob, error)
	GetActiveJob(ctx context.Context) (UploadJob, error)

	DeleteJob(ctx context.Context, uploadID string) error

	Close() error
}

// Store is the concrete gorm-backed Operations implementation.
type Store struct {
	db *gorm.DB
	// mu serializes writes to a single row so MarkUploading/Completed/Failed
	// racing for the same (upload_id, part_number) observe a consistent
	// last-writer-wins order, per spec §5 ("State-store updates for a given
	// (upload_id, part_number) are serialized").
	mu sync.Mutex
}

// Open creates or attaches to the SQLite database file at path and runs the
// schema migration for both tables, mirroring db.NewDB's migrate-on-open
// convention.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	if err := db.AutoMigrate(&UploadJob{}, &PartRow{}); err != nil {
		return nil, fmt.Errorf("migrate state store: %w", err)
	}

	return &Store{db: db}, nil
}

// CreateUpload inserts one job row; fails with ErrJobExists if upload_id
// is already present.
func (s *Store) CreateUpload(ctx context.Context, job UploadJob) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&UploadJob{}).Where("upload_id = ?", job.UploadID).Count(&count).Error; err != nil {
		return fmt.Errorf("check existing job: %w", err)
	}
	if count > 0 {
		return ErrJobExists
	}

	if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// InitParts atomically batch-inserts all part rows for a job.
func (s *Store) InitParts(ctx context.Context, uploadID string, parts []PartRow) error {
	for i := range parts {
		parts[i].UploadID = uploadID
		if parts[i].Status == "" {
			parts[i].Status = PartPending
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(parts, 500).Error
	})
	if err != nil {
		return fmt.Errorf("init parts: %w", err)
	}
	return nil
}

// MarkUploading is an idempotent transition to PartUploading.
func (s *Store) MarkUploading(ctx context.Context, uploadID string, partNumber int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&PartRow{}).
		Where("upload_id = ? AND part_number = ?", uploadID, partNumber).
		Updates(map[string]interface{}{"status": PartUploading, "started_at": now})
	if res.Error != nil {
		return fmt.Errorf("mark uploading: %w", res.Error)
	}
	return nil
}

// MarkCompleted is an idempotent transition to PartCompleted. Refuses with
// ErrETagMismatch if the row is already completed with a different etag
// (spec §3 invariant 3: etag non-empty iff status=completed).
func (s *Store) MarkCompleted(ctx context.Context, uploadID string, partNumber int, etag string) error {
	if etag == "" {
		return fmt.Errorf("mark completed: etag must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var existing PartRow
	err := s.db.WithContext(ctx).
		Where("upload_id = ? AND part_number = ?", uploadID, partNumber).
		First(&existing).Error
	if err != nil {
		return fmt.Errorf("mark completed: load part: %w", err)
	}

	if existing.Status == PartCompleted {
		if existing.ETag != etag {
			return ErrETagMismatch
		}
		return nil
	}

	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&PartRow{}).
		Where("upload_id = ? AND part_number = ?", uploadID, partNumber).
		Updates(map[string]interface{}{"status": PartCompleted, "etag": etag, "finished_at": now})
	if res.Error != nil {
		return fmt.Errorf("mark completed: %w", res.Error)
	}
	return nil
}

// MarkFailed is an idempotent transition to PartFailed and bumps retry_count.
func (s *Store) MarkFailed(ctx context.Context, uploadID string, partNumber int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.db.WithContext(ctx).Model(&PartRow{}).
		Where("upload_id = ? AND part_number = ?", uploadID, partNumber).
		Updates(map[string]interface{}{
			"status":      PartFailed,
			"retry_count": gorm.Expr("retry_count + 1"),
		})
	if res.Error != nil {
		return fmt.Errorf("mark failed: %w", res.Error)
	}
	return nil
}

// GetPending returns rows with status in {pending, failed} and
// retry_count < maxRetries, ordered by part_number.
func (s *Store) GetPending(ctx context.Context, uploadID string, maxRetries int) ([]PartRow, error) {
	var rows []PartRow
	err := s.db.WithContext(ctx).
		Where("upload_id = ? AND status IN (?, ?) AND retry_count < ?", uploadID, PartPending, PartFailed, maxRetries).
		Order("part_number ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get pending: %w", err)
	}
	return rows, nil
}

// GetCompleted returns completed rows ordered by part_number.
func (s *Store) GetCompleted(ctx context.Context, uploadID string) ([]PartRow, error) {
	var rows []PartRow
	err := s.db.WithContext(ctx).
		Where("upload_id = ? AND status = ?", uploadID, PartCompleted).
		Order("part_number ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get completed: %w", err)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].PartNumber < rows[j].PartNumber })
	return rows, nil
}

// CountCompleted is a fast count used by the progress ticker.
func (s *Store) CountCompleted(ctx context.Context, uploadID string) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&PartRow{}).
		Where("upload_id = ? AND status = ?", uploadID, PartCompleted).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count completed: %w", err)
	}
	return int(count), nil
}

// UpdateJobStatus transitions a job's status column.
func (s *Store) UpdateJobStatus(ctx context.Context, uploadID string, status JobStatus) error {
	updates := map[string]interface{}{"status": status}
	if status == JobCompleted || status == JobFailed || status == JobCancelled {
		now := time.Now().UTC()
		updates["completed_at"] = now
	}

	res := s.db.WithContext(ctx).Model(&UploadJob{}).
		Where("upload_id = ?", uploadID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update job status: %w", res.Error)
	}
	return nil
}

// GetJob fetches a single job row.
func (s *Store) GetJob(ctx context.Context, uploadID string) (UploadJob, error) {
	var job UploadJob
	err := s.db.WithContext(ctx).Where("upload_id = ?", uploadID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return UploadJob{}, ErrNotFound
	}
	if err != nil {
		return UploadJob{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetActiveJob returns the job currently in {in-progress, paused}, if any
// (spec §3 invariant 6: at most one such job exists). Used by
// Supervisor.Bootstrap to discover a resumable job after a restart.
func (s *Store) GetActiveJob(ctx context.Context) (UploadJob, error) {
	var job UploadJob
	err := s.db.WithContext(ctx).
		Where("status IN (?, ?)", JobInProgress, JobPaused).
		Order("created_at DESC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return UploadJob{}, ErrNotFound
	}
	if err != nil {
		return UploadJob{}, fmt.Errorf("get active job: %w", err)
	}
	return job, nil
}

// DeleteJob removes a job row and all its part rows transactionally.
func (s *Store) DeleteJob(ctx context.Context, uploadID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("upload_id = ?", uploadID).Delete(&PartRow{}).Error; err != nil {
			return err
		}
		return tx.Where("upload_id = ?", uploadID).Delete(&UploadJob{}).Error
	})
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("close state store: %w", err)
	}
	return sqlDB.Close()
}
