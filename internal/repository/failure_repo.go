package repository

import (
	"context"

	"github.com/kursadbilgin/newsletter-engine/internal/domain"
	"gorm.io/gorm"
)

// suppressionLookupChunk bounds the IN list of a single suppression query.
const suppressionLookupChunk = 1000

type FailureRepository interface {
	SuppressedMemberIDs(ctx context.Context, newsletterID string, memberIDs []string) (map[string]struct{}, error)
	ListByEmail(ctx context.Context, emailID string) ([]domain.EmailRecipientFailure, error)
}

type GormFailureRepo struct {
	db *gorm.DB
}

func NewGormFailureRepo(db *gorm.DB) *GormFailureRepo {
	return &GormFailureRepo{db: db}
}

// SuppressedMemberIDs returns which of memberIDs have a permanent failure
// recorded for the newsletter.
func (r *GormFailureRepo) SuppressedMemberIDs(ctx context.Context, newsletterID string, memberIDs []string) (map[string]struct{}, error) {
	suppressed := make(map[string]struct{})
	for start := 0; start < len(memberIDs); start += suppressionLookupChunk {
		end := min(start+suppressionLookupChunk, len(memberIDs))

		var ids []string
		err := r.db.WithContext(ctx).
			Model(&EmailRecipientFailureModel{}).
			Distinct("member_id").
			Where("newsletter_id = ? AND severity = ? AND member_id IN ?",
				newsletterID, domain.FailureSeverityPermanent, memberIDs[start:end]).
			Pluck("member_id", &ids).Error
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			suppressed[id] = struct{}{}
		}
	}
	return suppressed, nil
}

func (r *GormFailureRepo) ListByEmail(ctx context.Context, emailID string) ([]domain.EmailRecipientFailure, error) {
	var models []EmailRecipientFailureModel
	err := r.db.WithContext(ctx).
		Where("email_id = ?", emailID).
		Order("member_id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	failures := make([]domain.EmailRecipientFailure, 0, len(models))
	for i := range models {
		failures = append(failures, *failureModelToDomain(&models[i]))
	}
	return failures, nil
}
