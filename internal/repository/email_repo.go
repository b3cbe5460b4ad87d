package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/newsletter-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	batchInsertChunk     = 100
	recipientInsertChunk = 500
)

type ListParams struct {
	Status       *domain.EmailStatus
	NewsletterID *string
	Page         int
	PageSize     int
}

type EmailRepository interface {
	Create(ctx context.Context, e *domain.Email) error
	GetByID(ctx context.Context, id string) (*domain.Email, error)
	List(ctx context.Context, params ListParams) ([]domain.Email, int64, error)
	TransitionStatus(ctx context.Context, id string, from []domain.EmailStatus, to domain.EmailStatus) (bool, error)
	SetError(ctx context.Context, id string, message *string) error
	CreatePlan(ctx context.Context, emailID string, batches []domain.EmailBatch, recipients []domain.EmailRecipient) error
	Finalize(ctx context.Context, id string, status domain.EmailStatus, failedCount int, at time.Time) (bool, error)
	GetDueForSchedule(ctx context.Context, now time.Time, limit int) ([]domain.Email, error)
}

type GormEmailRepo struct {
	db *gorm.DB
}

func NewGormEmailRepo(db *gorm.DB) *GormEmailRepo {
	return &GormEmailRepo{db: db}
}

func (r *GormEmailRepo) Create(ctx context.Context, e *domain.Email) error {
	model := emailModelFromDomain(e)
	if model == nil {
		return fmt.Errorf("%w: email is required", domain.ErrValidation)
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	*e = *emailModelToDomain(model)
	return nil
}

func (r *GormEmailRepo) GetByID(ctx context.Context, id string) (*domain.Email, error) {
	var model EmailModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return emailModelToDomain(&model), nil
}

func (r *GormEmailRepo) List(ctx context.Context, params ListParams) ([]domain.Email, int64, error) {
	query := r.db.WithContext(ctx).Model(&EmailModel{})

	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.NewsletterID != nil {
		query = query.Where("newsletter_id = ?", *params.NewsletterID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []EmailModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	emails := make([]domain.Email, 0, len(models))
	for i := range models {
		emails = append(emails, *emailModelToDomain(&models[i]))
	}

	return emails, total, nil
}

// TransitionStatus moves the email to status "to" only when its current status
// is one of "from". It reports whether a row changed.
func (r *GormEmailRepo) TransitionStatus(ctx context.Context, id string, from []domain.EmailStatus, to domain.EmailStatus) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&EmailModel{}).
		Where("id = ? AND status IN ?", id, from).
		Update("status", to)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormEmailRepo) SetError(ctx context.Context, id string, message *string) error {
	result := r.db.WithContext(ctx).
		Model(&EmailModel{}).
		Where("id = ?", id).
		Update("error", message)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CreatePlan stores every batch and recipient of an email and moves the email to
// submitting in a single transaction.
func (r *GormEmailRepo) CreatePlan(
	ctx context.Context,
	emailID string,
	batches []domain.EmailBatch,
	recipients []domain.EmailRecipient,
) error {
	if len(batches) == 0 {
		return domain.ErrEmptyRecipientList
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var email EmailModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&email, "id = ?", emailID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}

		var existing int64
		if err := tx.Model(&EmailBatchModel{}).Where("email_id = ?", emailID).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return fmt.Errorf("%w: email %s is already planned", domain.ErrConflict, emailID)
		}

		batchModels := make([]EmailBatchModel, 0, len(batches))
		for i := range batches {
			batchModels = append(batchModels, *batchModelFromDomain(&batches[i]))
		}
		if err := tx.CreateInBatches(&batchModels, batchInsertChunk).Error; err != nil {
			return fmt.Errorf("failed to insert batches: %w", err)
		}

		recipientModels := make([]EmailRecipientModel, 0, len(recipients))
		for i := range recipients {
			recipientModels = append(recipientModels, *recipientModelFromDomain(&recipients[i]))
		}
		if len(recipientModels) > 0 {
			if err := tx.CreateInBatches(&recipientModels, recipientInsertChunk).Error; err != nil {
				return fmt.Errorf("failed to insert recipients: %w", err)
			}
		}

		result := tx.Model(&EmailModel{}).
			Where("id = ? AND status IN ?", emailID, []domain.EmailStatus{domain.EmailStatusPending, domain.EmailStatusSubmitting}).
			Updates(map[string]any{
				"status":      domain.EmailStatusSubmitting,
				"email_count": len(recipients),
				"error":       nil,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: email %s is %s", domain.ErrConflict, emailID, email.Status)
		}
		return nil
	})
}

// Finalize records the terminal status of an email that is still submitting.
func (r *GormEmailRepo) Finalize(ctx context.Context, id string, status domain.EmailStatus, failedCount int, at time.Time) (bool, error) {
	updates := map[string]any{
		"status":       status,
		"failed_count": failedCount,
	}
	if status == domain.EmailStatusSubmitted || status == domain.EmailStatusPartial {
		updates["submitted_at"] = at
	}
	if status == domain.EmailStatusSubmitted {
		updates["error"] = nil
	}

	result := r.db.WithContext(ctx).
		Model(&EmailModel{}).
		Where("id = ? AND status = ?", id, domain.EmailStatusSubmitting).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormEmailRepo) GetDueForSchedule(ctx context.Context, now time.Time, limit int) ([]domain.Email, error) {
	var models []EmailModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?", domain.EmailStatusPending, now).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	emails := make([]domain.Email, 0, len(models))
	for i := range models {
		emails = append(emails, *emailModelToDomain(&models[i]))
	}

	return emails, nil
}
