package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/tutorbox/internal/storage"
)

// SubmissionRepository implements storage.SubmissionStore with GORM.
// Append-only: no Update or Delete methods exist on this type.
type SubmissionRepository struct {
	db *gorm.DB
}

// NewSubmissionRepository creates a SubmissionRepository.
func NewSubmissionRepository(db *gorm.DB) *SubmissionRepository {
	return &SubmissionRepository{db: db}
}

// AppendSubmission inserts one submission, assigning an ID if missing.
func (r *SubmissionRepository) AppendSubmission(ctx context.Context, rec *storage.SubmissionRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	model := toSubmissionModel(rec)
	err := withRetry(ctx, func() error {
		return r.db.WithContext(ctx).Create(&model).Error
	})
	if err != nil {
		return fmt.Errorf("appending submission: %w", err)
	}
	return nil
}

// ListSubmissions returns a flow's submissions, oldest first.
func (r *SubmissionRepository) ListSubmissions(ctx context.Context, flowID string, limit int) ([]storage.SubmissionRecord, error) {
	if limit <= 0 {
		limit = storage.DefaultHistoryLimit
	}

	var models []SubmissionModel
	if err := r.db.WithContext(ctx).
		Where("flow_id = ?", flowID).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing submissions for %s: %w", flowID, err)
	}

	recs := make([]storage.SubmissionRecord, len(models))
	for i := range models {
		recs[i] = toSubmissionDomain(&models[i])
	}
	return recs, nil
}
