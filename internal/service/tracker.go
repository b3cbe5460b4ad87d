package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/newsletter-engine/internal/domain"
	"github.com/kursadbilgin/newsletter-engine/internal/provider"
	"github.com/kursadbilgin/newsletter-engine/internal/repository"
	"go.uber.org/zap"
)

// Tracker persists batch outcomes and derives the email status from them.
type Tracker struct {
	outcomes   repository.OutcomeRepository
	batches    repository.BatchRepository
	recipients repository.RecipientRepository
	emails     repository.EmailRepository
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string
}

func NewTracker(
	outcomes repository.OutcomeRepository,
	batches repository.BatchRepository,
	recipients repository.RecipientRepository,
	emails repository.EmailRepository,
	logger *zap.Logger,
) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Tracker{
		outcomes:   outcomes,
		batches:    batches,
		recipients: recipients,
		emails:     emails,
		logger:     logger,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// RecordDelivery marks the batch submitted and applies the per-recipient
// verdicts of an accepted provider call. Recipients without a verdict were
// accepted. It returns the number of rejected recipients.
func (t *Tracker) RecordDelivery(
	ctx context.Context,
	email *domain.Email,
	batch *domain.EmailBatch,
	recipients []domain.EmailRecipient,
	result *provider.SendResult,
) (int, error) {
	verdicts := make(map[string]provider.RecipientResult)
	var providerID *string
	if result != nil {
		for _, r := range result.Recipients {
			verdicts[r.RecipientID] = r
		}
		if id := strings.TrimSpace(result.ProviderID); id != "" {
			providerID = &id
		}
	}

	now := t.now().UTC()
	outcome := repository.BatchOutcome{
		BatchID:     batch.ID,
		EmailID:     email.ID,
		BatchStatus: domain.BatchStatusSubmitted,
		ProviderID:  providerID,
		ProcessedAt: now,
		Recipients:  make([]repository.RecipientUpdate, 0, len(recipients)),
	}

	rejected := 0
	for _, r := range recipients {
		verdict, ok := verdicts[r.ID]
		if !ok || verdict.Accepted {
			outcome.Recipients = append(outcome.Recipients, repository.RecipientUpdate{
				ID:     r.ID,
				Status: domain.RecipientStatusSubmitted,
			})
			continue
		}

		rejected++
		message := rejectionMessage(verdict)
		outcome.Recipients = append(outcome.Recipients, repository.RecipientUpdate{
			ID:             r.ID,
			Status:         domain.RecipientStatusFailed,
			FailureMessage: &message,
		})

		if verdict.Permanent {
			outcome.Failures = append(outcome.Failures, domain.EmailRecipientFailure{
				ID:               t.newID(),
				EmailID:          email.ID,
				NewsletterID:     email.NewsletterID,
				MemberID:         r.MemberID,
				EmailRecipientID: r.ID,
				Code:             verdict.Code,
				Severity:         domain.FailureSeverityPermanent,
				Message:          verdict.Reason,
				CreatedAt:        now,
			})
		}
	}

	if err := t.outcomes.RecordOutcome(ctx, outcome); err != nil {
		return 0, fmt.Errorf("failed to record batch outcome: %w", err)
	}

	return rejected, nil
}

// RecordBatchFailure permanently fails the batch and all of its recipients.
// No suppression rows are written since the recipients were never judged.
func (t *Tracker) RecordBatchFailure(
	ctx context.Context,
	email *domain.Email,
	batch *domain.EmailBatch,
	recipients []domain.EmailRecipient,
	message string,
) error {
	outcome := repository.BatchOutcome{
		BatchID:     batch.ID,
		EmailID:     email.ID,
		BatchStatus: domain.BatchStatusFailed,
		Error:       &message,
		Permanent:   true,
		ProcessedAt: t.now().UTC(),
		Recipients:  make([]repository.RecipientUpdate, 0, len(recipients)),
	}
	for _, r := range recipients {
		outcome.Recipients = append(outcome.Recipients, repository.RecipientUpdate{
			ID:             r.ID,
			Status:         domain.RecipientStatusFailed,
			FailureMessage: &message,
		})
	}

	if err := t.outcomes.RecordOutcome(ctx, outcome); err != nil {
		return fmt.Errorf("failed to record batch failure: %w", err)
	}
	return nil
}

// FinalizeEmail moves the email to its terminal status once no batch can
// progress any more. It reports the derived status and whether it is terminal.
func (t *Tracker) FinalizeEmail(ctx context.Context, emailID string) (domain.EmailStatus, bool, error) {
	counts, err := t.batches.CountByEmail(ctx, emailID)
	if err != nil {
		return "", false, fmt.Errorf("failed to count batches: %w", err)
	}

	failed, err := t.recipients.CountByStatus(ctx, emailID, domain.RecipientStatusFailed)
	if err != nil {
		return "", false, fmt.Errorf("failed to count failed recipients: %w", err)
	}

	status, terminal := domain.FinalEmailStatus(counts, int(failed))
	if !terminal {
		return status, false, nil
	}

	updated, err := t.emails.Finalize(ctx, emailID, status, int(failed), t.now().UTC())
	if err != nil {
		return "", false, fmt.Errorf("failed to finalize email: %w", err)
	}
	if updated {
		t.logger.Info("email finalized",
			zap.String("emailId", emailID),
			zap.String("status", status.String()),
			zap.Int64("failedRecipients", failed),
		)
	}

	return status, true, nil
}

func rejectionMessage(r provider.RecipientResult) string {
	reason := strings.TrimSpace(r.Reason)
	if reason == "" {
		reason = "rejected by provider"
	}
	if r.Code == "" {
		return reason
	}
	return r.Code + ": " + reason
}
