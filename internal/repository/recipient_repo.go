package repository

import (
	"context"

	"github.com/kursadbilgin/newsletter-engine/internal/domain"
	"gorm.io/gorm"
)

type RecipientRepository interface {
	ListByBatch(ctx context.Context, batchID string, status *domain.RecipientStatus) ([]domain.EmailRecipient, error)
	ListFailedByEmail(ctx context.Context, emailID string, page, pageSize int) ([]domain.EmailRecipient, int64, error)
	CountByStatus(ctx context.Context, emailID string, status domain.RecipientStatus) (int64, error)
}

type GormRecipientRepo struct {
	db *gorm.DB
}

func NewGormRecipientRepo(db *gorm.DB) *GormRecipientRepo {
	return &GormRecipientRepo{db: db}
}

// ListByBatch returns the recipients of a batch ordered by member id. A nil
// status returns every recipient.
func (r *GormRecipientRepo) ListByBatch(ctx context.Context, batchID string, status *domain.RecipientStatus) ([]domain.EmailRecipient, error) {
	query := r.db.WithContext(ctx).Where("batch_id = ?", batchID)
	if status != nil {
		query = query.Where("status = ?", *status)
	}

	var models []EmailRecipientModel
	if err := query.Order("member_id ASC").Find(&models).Error; err != nil {
		return nil, err
	}

	recipients := make([]domain.EmailRecipient, 0, len(models))
	for i := range models {
		recipients = append(recipients, *recipientModelToDomain(&models[i]))
	}
	return recipients, nil
}

func (r *GormRecipientRepo) ListFailedByEmail(ctx context.Context, emailID string, page, pageSize int) ([]domain.EmailRecipient, int64, error) {
	query := r.db.WithContext(ctx).
		Model(&EmailRecipientModel{}).
		Where("email_id = ? AND status = ?", emailID, domain.RecipientStatusFailed)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page = max(page, 1)
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 500)

	var models []EmailRecipientModel
	err := query.
		Order("member_id ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	recipients := make([]domain.EmailRecipient, 0, len(models))
	for i := range models {
		recipients = append(recipients, *recipientModelToDomain(&models[i]))
	}
	return recipients, total, nil
}

func (r *GormRecipientRepo) CountByStatus(ctx context.Context, emailID string, status domain.RecipientStatus) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&EmailRecipientModel{}).
		Where("email_id = ? AND status = ?", emailID, status).
		Count(&total).Error
	return total, err
}
