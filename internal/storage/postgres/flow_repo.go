package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/tutorbox/internal/storage"
)

// FlowRepository implements storage.FlowStore with GORM.
type FlowRepository struct {
	db *gorm.DB
}

// NewFlowRepository creates a FlowRepository.
func NewFlowRepository(db *gorm.DB) *FlowRepository {
	return &FlowRepository{db: db}
}

func (r *FlowRepository) UpsertFlow(ctx context.Context, rec *storage.FlowRecord) error {
	model := toFlowModel(rec)
	err := withRetry(ctx, func() error {
		return r.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"sandbox_id", "cursor", "total", "completed", "end_reason", "updated_at", "ended_at",
				}),
			}).
			Create(&model).Error
	})
	if err != nil {
		return fmt.Errorf("upserting flow %s: %w", rec.FlowID, err)
	}
	return nil
}

func (r *FlowRepository) GetFlow(ctx context.Context, flowID string) (*storage.FlowRecord, error) {
	var model FlowModel
	err := r.db.WithContext(ctx).Where("id = ?", flowID).First(&model).Error
	if err != nil {
		return nil, notFound(err, "getting flow %s", flowID)
	}
	rec := toFlowDomain(&model)
	return &rec, nil
}

func (r *FlowRepository) LatestFlow(ctx context.Context, sessionID, slug string) (*storage.FlowRecord, error) {
	var model FlowModel
	err := r.db.WithContext(ctx).
		Scopes(SessionScope(sessionID)).
		Where("slug = ?", slug).
		Order("started_at DESC").
		First(&model).Error
	if err != nil {
		return nil, notFound(err, "getting latest flow %s/%s", sessionID, slug)
	}
	rec := toFlowDomain(&model)
	return &rec, nil
}

func (r *FlowRepository) ListFlows(ctx context.Context, sessionID string) ([]storage.FlowRecord, error) {
	var models []FlowModel
	if err := r.db.WithContext(ctx).
		Scopes(SessionScope(sessionID)).
		Order("started_at DESC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing flows for %s: %w", sessionID, err)
	}

	recs := make([]storage.FlowRecord, len(models))
	for i := range models {
		recs[i] = toFlowDomain(&models[i])
	}
	return recs, nil
}

// notFound maps gorm.ErrRecordNotFound to storage.ErrNotFound.
func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf(format+": %w", append(args, storage.ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
