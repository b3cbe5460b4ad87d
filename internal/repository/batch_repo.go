package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/newsletter-engine/internal/domain"
	"gorm.io/gorm"
)

// BatchFailure describes a failed send attempt for a claimed batch.
type BatchFailure struct {
	Error       string
	Permanent   bool
	NextRetryAt *time.Time
	ProcessedAt time.Time
}

// PendingCancellation reports what cancelling the pending batches of an email
// did to them.
type PendingCancellation struct {
	// Deleted batches were never handed to the provider.
	Deleted int64
	// Failed batches went through a provider call with an unknown outcome and
	// were kept as permanent failures.
	Failed int64
}

type BatchRepository interface {
	GetByID(ctx context.Context, id string) (*domain.EmailBatch, error)
	ListByEmail(ctx context.Context, emailID string) ([]domain.EmailBatch, error)
	Claim(ctx context.Context, id string, now time.Time) (*domain.EmailBatch, error)
	Heartbeat(ctx context.Context, id string, at time.Time) error
	AwaitVerification(ctx context.Context, id string, verifyAfter time.Time) error
	MarkFailed(ctx context.Context, id string, failure BatchFailure) (bool, error)
	ResetToPending(ctx context.Context, id string, from domain.BatchStatus) (bool, error)
	ResetFailedForEmail(ctx context.Context, emailID string) (int64, error)
	CancelPendingForEmail(ctx context.Context, emailID string, reason string, at time.Time) (PendingCancellation, error)
	HaltRetriesForEmail(ctx context.Context, emailID string, reason string) (int64, error)
	CountByEmail(ctx context.Context, emailID string) (domain.BatchCounts, error)
	GetStaleSubmitting(ctx context.Context, heartbeatBefore, now time.Time, limit int) ([]domain.EmailBatch, error)
	GetPendingOlderThan(ctx context.Context, before time.Time, limit int) ([]domain.EmailBatch, error)
	MarkEnqueued(ctx context.Context, ids []string, at time.Time) error
	GetDueForRetry(ctx context.Context, now time.Time, limit int) ([]domain.EmailBatch, error)
}

type GormBatchRepo struct {
	db *gorm.DB
}

func NewGormBatchRepo(db *gorm.DB) *GormBatchRepo {
	return &GormBatchRepo{db: db}
}

func (r *GormBatchRepo) GetByID(ctx context.Context, id string) (*domain.EmailBatch, error) {
	var model EmailBatchModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return batchModelToDomain(&model), nil
}

func (r *GormBatchRepo) ListByEmail(ctx context.Context, emailID string) ([]domain.EmailBatch, error) {
	var models []EmailBatchModel
	err := r.db.WithContext(ctx).
		Where("email_id = ?", emailID).
		Order("sequence ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return batchesToDomain(models), nil
}

// Claim atomically moves a pending batch to submitting and counts the attempt.
// It returns domain.ErrConcurrencyConflict when the batch was not pending.
func (r *GormBatchRepo) Claim(ctx context.Context, id string, now time.Time) (*domain.EmailBatch, error) {
	result := r.db.WithContext(ctx).
		Model(&EmailBatchModel{}).
		Where("id = ? AND status = ?", id, domain.BatchStatusPending).
		Updates(map[string]any{
			"status":        domain.BatchStatusSubmitting,
			"claimed_at":    now,
			"heartbeat_at":  now,
			"next_retry_at": nil,
			"attempt_count": gorm.Expr("attempt_count + 1"),
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, domain.ErrConcurrencyConflict
	}
	return r.GetByID(ctx, id)
}

// Heartbeat refreshes heartbeat_at of a submitting batch.
func (r *GormBatchRepo) Heartbeat(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&EmailBatchModel{}).
		Where("id = ? AND status = ?", id, domain.BatchStatusSubmitting).
		Update("heartbeat_at", at).Error
}

// AwaitVerification clears the heartbeat of a submitting batch, handing it to
// verification, and stores in next_retry_at the earliest time the provider may
// be asked about it.
func (r *GormBatchRepo) AwaitVerification(ctx context.Context, id string, verifyAfter time.Time) error {
	return r.db.WithContext(ctx).
		Model(&EmailBatchModel{}).
		Where("id = ? AND status = ?", id, domain.BatchStatusSubmitting).
		Updates(map[string]any{
			"heartbeat_at":  nil,
			"next_retry_at": verifyAfter,
		}).Error
}

func (r *GormBatchRepo) MarkFailed(ctx context.Context, id string, failure BatchFailure) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&EmailBatchModel{}).
		Where("id = ? AND status = ?", id, domain.BatchStatusSubmitting).
		Updates(map[string]any{
			"status":        domain.BatchStatusFailed,
			"error":         failure.Error,
			"permanent":     failure.Permanent,
			"next_retry_at": failure.NextRetryAt,
			"heartbeat_at":  nil,
			"processed_at":  failure.ProcessedAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormBatchRepo) ResetToPending(ctx context.Context, id string, from domain.BatchStatus) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&EmailBatchModel{}).
		Where("id = ? AND status = ? AND permanent = ?", id, from, false).
		Updates(map[string]any{
			"status":        domain.BatchStatusPending,
			"heartbeat_at":  nil,
			"next_retry_at": nil,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ResetFailedForEmail puts every failed batch of an email back to pending with a
// fresh attempt budget, including batches flagged for manual intervention.
func (r *GormBatchRepo) ResetFailedForEmail(ctx context.Context, emailID string) (int64, error) {
	var affected int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&EmailBatchModel{}).
			Where("email_id = ? AND status = ?", emailID, domain.BatchStatusFailed).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		result := tx.Model(&EmailBatchModel{}).
			Where("id IN ? AND status = ?", ids, domain.BatchStatusFailed).
			Updates(map[string]any{
				"status":        domain.BatchStatusPending,
				"permanent":     false,
				"attempt_count": 0,
				"error":         nil,
				"next_retry_at": nil,
				"heartbeat_at":  nil,
				"processed_at":  nil,
			})
		if result.Error != nil {
			return result.Error
		}
		affected = result.RowsAffected

		return tx.Model(&EmailRecipientModel{}).
			Where("batch_id IN ? AND status = ?", ids, domain.RecipientStatusFailed).
			Updates(map[string]any{
				"status":          domain.RecipientStatusPending,
				"failure_message": nil,
				"processed_at":    nil,
			}).Error
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// CancelPendingForEmail removes pending batches that were never attempted.
// Their recipients go with them through the foreign key cascade. Pending
// batches with an earlier attempt may already have been delivered, so they are
// kept with their recipients and marked as permanent failures instead.
func (r *GormBatchRepo) CancelPendingForEmail(ctx context.Context, emailID string, reason string, at time.Time) (PendingCancellation, error) {
	var out PendingCancellation
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.
			Where("email_id = ? AND status = ? AND attempt_count = ?", emailID, domain.BatchStatusPending, 0).
			Delete(&EmailBatchModel{})
		if result.Error != nil {
			return result.Error
		}
		out.Deleted = result.RowsAffected

		result = tx.Model(&EmailBatchModel{}).
			Where("email_id = ? AND status = ? AND attempt_count > ?", emailID, domain.BatchStatusPending, 0).
			Updates(map[string]any{
				"status":        domain.BatchStatusFailed,
				"permanent":     true,
				"error":         reason,
				"next_retry_at": nil,
				"heartbeat_at":  nil,
				"processed_at":  at,
			})
		if result.Error != nil {
			return result.Error
		}
		out.Failed = result.RowsAffected
		return nil
	})
	if err != nil {
		return PendingCancellation{}, err
	}
	return out, nil
}

// HaltRetriesForEmail turns retryable failed batches of an email into
// permanent failures so no scanner picks them up again.
func (r *GormBatchRepo) HaltRetriesForEmail(ctx context.Context, emailID string, reason string) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&EmailBatchModel{}).
		Where("email_id = ? AND status = ? AND permanent = ?", emailID, domain.BatchStatusFailed, false).
		Updates(map[string]any{
			"permanent":     true,
			"next_retry_at": nil,
			"error":         reason,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

type batchCountRow struct {
	Status    domain.BatchStatus
	Permanent bool
	Total     int
}

func (r *GormBatchRepo) CountByEmail(ctx context.Context, emailID string) (domain.BatchCounts, error) {
	var rows []batchCountRow
	err := r.db.WithContext(ctx).
		Model(&EmailBatchModel{}).
		Select("status, permanent, COUNT(*) AS total").
		Where("email_id = ?", emailID).
		Group("status, permanent").
		Scan(&rows).Error
	if err != nil {
		return domain.BatchCounts{}, err
	}

	var counts domain.BatchCounts
	for _, row := range rows {
		switch row.Status {
		case domain.BatchStatusPending:
			counts.Pending += row.Total
		case domain.BatchStatusSubmitting:
			counts.Submitting += row.Total
		case domain.BatchStatusSubmitted:
			counts.Submitted += row.Total
		case domain.BatchStatusFailed:
			if row.Permanent {
				counts.FailedPermanent += row.Total
			} else {
				counts.FailedRetryable += row.Total
			}
		}
	}
	return counts, nil
}

// GetStaleSubmitting returns submitting batches without a live heartbeat whose
// verification is due.
func (r *GormBatchRepo) GetStaleSubmitting(ctx context.Context, heartbeatBefore, now time.Time, limit int) ([]domain.EmailBatch, error) {
	var models []EmailBatchModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?) AND (next_retry_at IS NULL OR next_retry_at <= ?)",
			domain.BatchStatusSubmitting, heartbeatBefore, now).
		Order("claimed_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return batchesToDomain(models), nil
}

func (r *GormBatchRepo) GetPendingOlderThan(ctx context.Context, before time.Time, limit int) ([]domain.EmailBatch, error) {
	var models []EmailBatchModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", domain.BatchStatusPending, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return batchesToDomain(models), nil
}

// MarkEnqueued stamps updated_at on pending batches whose send job was just
// queued again, so GetPendingOlderThan skips them until the next interval.
func (r *GormBatchRepo) MarkEnqueued(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&EmailBatchModel{}).
		Where("id IN ? AND status = ?", ids, domain.BatchStatusPending).
		Update("updated_at", at).Error
}

func (r *GormBatchRepo) GetDueForRetry(ctx context.Context, now time.Time, limit int) ([]domain.EmailBatch, error) {
	var models []EmailBatchModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND permanent = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?",
			domain.BatchStatusFailed, false, now).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return batchesToDomain(models), nil
}

func batchesToDomain(models []EmailBatchModel) []domain.EmailBatch {
	batches := make([]domain.EmailBatch, 0, len(models))
	for i := range models {
		batches = append(batches, *batchModelToDomain(&models[i]))
	}
	return batches
}
