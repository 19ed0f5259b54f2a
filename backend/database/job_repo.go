package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andi/xmlconv/backend/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrJobNotFound is returned when a job id is unknown
var ErrJobNotFound = errors.New("job not found")

// JobRepo handles conversion job history
type JobRepo struct {
	db *DB
}

// NewJobRepo creates a new job repository
func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

// Create inserts a new job
func (r *JobRepo) Create(ctx context.Context, job *models.ConversionJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	return r.db.conn.WithContext(ctx).Create(FromJob(job)).Error
}

// Save inserts or updates a job
func (r *JobRepo) Save(ctx context.Context, job *models.ConversionJob) error {
	if job.ID == "" {
		return r.Create(ctx, job)
	}
	return r.db.conn.WithContext(ctx).Save(FromJob(job)).Error
}

// GetByID retrieves a job by ID
func (r *JobRepo) GetByID(ctx context.Context, id string) (*models.ConversionJob, error) {
	var model JobModel
	err := r.db.conn.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return model.ToJob(), nil
}

func (r *JobRepo) filtered(ctx context.Context, filter models.JobFilter) *gorm.DB {
	query := r.db.conn.WithContext(ctx).Model(&JobModel{})
	if filter.DocumentID != "" {
		query = query.Where("document_id = ?", filter.DocumentID)
	}
	if filter.State != "" {
		query = query.Where("state = ?", filter.State)
	}
	return query
}

// List retrieves jobs with optional filters, newest first
func (r *JobRepo) List(ctx context.Context, filter models.JobFilter) ([]*models.ConversionJob, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var modelList []JobModel
	err := r.filtered(ctx, filter).
		Order("created_at DESC").
		Limit(limit).
		Offset(filter.Offset).
		Find(&modelList).Error
	if err != nil {
		return nil, err
	}

	jobs := make([]*models.ConversionJob, len(modelList))
	for i := range modelList {
		jobs[i] = modelList[i].ToJob()
	}
	return jobs, nil
}

// Count counts jobs with optional filters
func (r *JobRepo) Count(ctx context.Context, filter models.JobFilter) (int64, error) {
	var count int64
	err := r.filtered(ctx, filter).Count(&count).Error
	return count, err
}

// ListByDocument retrieves every job for a document
func (r *JobRepo) ListByDocument(ctx context.Context, documentID string) ([]*models.ConversionJob, error) {
	return r.List(ctx, models.JobFilter{DocumentID: documentID, Limit: 1000})
}

// MarkInterrupted fails jobs left pending or running by a previous process
func (r *JobRepo) MarkInterrupted(ctx context.Context) (int64, error) {
	now := time.Now()
	result := r.db.conn.WithContext(ctx).Model(&JobModel{}).
		Where("state IN ?", []string{string(models.JobStatePending), string(models.JobStateRunning)}).
		Updates(map[string]interface{}{
			"state":         string(models.JobStateFailed),
			"error_kind":    "interrupted",
			"error_message": "interrupted by restart",
			"finished_at":   now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to mark interrupted jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}
