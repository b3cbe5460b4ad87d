package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/newsletter-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const recipientUpdateChunk = 500

// RecipientUpdate is the final state of one recipient within a batch.
type RecipientUpdate struct {
	ID             string
	Status         domain.RecipientStatus
	FailureMessage *string
}

// BatchOutcome is everything the tracker persists for one terminal batch.
type BatchOutcome struct {
	BatchID     string
	EmailID     string
	BatchStatus domain.BatchStatus
	ProviderID  *string
	Error       *string
	Permanent   bool
	ProcessedAt time.Time
	Recipients  []RecipientUpdate
	Failures    []domain.EmailRecipientFailure
}

type OutcomeRepository interface {
	RecordOutcome(ctx context.Context, outcome BatchOutcome) error
}

type GormOutcomeRepo struct {
	db *gorm.DB
}

func NewGormOutcomeRepo(db *gorm.DB) *GormOutcomeRepo {
	return &GormOutcomeRepo{db: db}
}

type recipientGroupKey struct {
	status  domain.RecipientStatus
	message string
	hasMsg  bool
}

// RecordOutcome writes recipient states, permanent failures, the terminal batch
// row and the email failure count in one transaction. Applying the same
// outcome twice leaves the same rows behind.
func (r *GormOutcomeRepo) RecordOutcome(ctx context.Context, outcome BatchOutcome) error {
	if !outcome.BatchStatus.IsTerminal() {
		return fmt.Errorf("%w: batch outcome status %q is not terminal", domain.ErrValidation, outcome.BatchStatus)
	}

	groups := make(map[recipientGroupKey][]string)
	order := make([]recipientGroupKey, 0)
	for _, update := range outcome.Recipients {
		key := recipientGroupKey{status: update.Status}
		if update.FailureMessage != nil {
			key.message = *update.FailureMessage
			key.hasMsg = true
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], update.ID)
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, key := range order {
			var message *string
			if key.hasMsg {
				msg := key.message
				message = &msg
			}

			ids := groups[key]
			for start := 0; start < len(ids); start += recipientUpdateChunk {
				end := min(start+recipientUpdateChunk, len(ids))
				err := tx.Model(&EmailRecipientModel{}).
					Where("batch_id = ? AND id IN ?", outcome.BatchID, ids[start:end]).
					Updates(map[string]any{
						"status":          key.status,
						"failure_message": message,
						"processed_at":    outcome.ProcessedAt,
					}).Error
				if err != nil {
					return fmt.Errorf("failed to update recipients: %w", err)
				}
			}
		}

		if len(outcome.Failures) > 0 {
			failures := make([]EmailRecipientFailureModel, 0, len(outcome.Failures))
			for i := range outcome.Failures {
				failures = append(failures, *failureModelFromDomain(&outcome.Failures[i]))
			}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "email_id"}, {Name: "member_id"}},
				DoNothing: true,
			}).CreateInBatches(&failures, batchInsertChunk).Error
			if err != nil {
				return fmt.Errorf("failed to insert recipient failures: %w", err)
			}
		}

		result := tx.Model(&EmailBatchModel{}).
			Where("id = ? AND status IN ?", outcome.BatchID,
				[]domain.BatchStatus{domain.BatchStatusSubmitting, outcome.BatchStatus}).
			Updates(map[string]any{
				"status":        outcome.BatchStatus,
				"provider_id":   outcome.ProviderID,
				"error":         outcome.Error,
				"permanent":     outcome.Permanent,
				"next_retry_at": nil,
				"heartbeat_at":  nil,
				"processed_at":  outcome.ProcessedAt,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: batch %s is no longer submitting", domain.ErrConflict, outcome.BatchID)
		}

		var failed int64
		if err := tx.Model(&EmailRecipientModel{}).
			Where("email_id = ? AND status = ?", outcome.EmailID, domain.RecipientStatusFailed).
			Count(&failed).Error; err != nil {
			return err
		}

		return tx.Model(&EmailModel{}).
			Where("id = ?", outcome.EmailID).
			Update("failed_count", failed).Error
	})
}
