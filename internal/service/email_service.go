package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/newsletter-engine/internal/domain"
	"github.com/kursadbilgin/newsletter-engine/internal/observability"
	"github.com/kursadbilgin/newsletter-engine/internal/queue"
	"github.com/kursadbilgin/newsletter-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultCancelPollInterval = 500 * time.Millisecond
	noRecipientsMessage       = "no recipients"
	cancelledBatchMessage     = "email cancelled"
	cancelledAmbiguousMessage = "cancelled after ambiguous send"
)

// CreateEmailCommand is the publishing flow's request to send a post.
type CreateEmailCommand struct {
	Post       domain.Post
	Newsletter domain.Newsletter
	// RecipientFilter overrides the newsletter's default audience when set.
	RecipientFilter *string
	ScheduledAt     *time.Time
}

// EmailPlanner is the planning step of an email.
type EmailPlanner interface {
	Plan(ctx context.Context, email *domain.Email) ([]domain.EmailBatch, error)
}

// EmailService orchestrates emails: creation, planning, cancellation and the
// ops retry and resend commands.
type EmailService struct {
	emails       repository.EmailRepository
	batches      repository.BatchRepository
	recipients   repository.RecipientRepository
	failures     repository.FailureRepository
	attempts     repository.AttemptRepository
	planner      EmailPlanner
	tracker      *Tracker
	jobs         JobEnqueuer
	logger       *zap.Logger
	now          func() time.Time
	pollInterval time.Duration
}

func NewEmailService(
	emails repository.EmailRepository,
	batches repository.BatchRepository,
	recipients repository.RecipientRepository,
	failures repository.FailureRepository,
	attempts repository.AttemptRepository,
	planner EmailPlanner,
	tracker *Tracker,
	jobs JobEnqueuer,
	logger *zap.Logger,
) (*EmailService, error) {
	if emails == nil || batches == nil || recipients == nil || failures == nil || attempts == nil {
		return nil, fmt.Errorf("repositories are required")
	}
	if planner == nil {
		return nil, fmt.Errorf("planner is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if jobs == nil {
		return nil, fmt.Errorf("job queue is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &EmailService{
		emails:       emails,
		batches:      batches,
		recipients:   recipients,
		failures:     failures,
		attempts:     attempts,
		planner:      planner,
		tracker:      tracker,
		jobs:         jobs,
		logger:       logger,
		now:          time.Now,
		pollInterval: defaultCancelPollInterval,
	}, nil
}

// CreateEmailForPost stores an email snapshot of the post and, unless it is
// scheduled for later, plans it and queues its batches. An empty audience
// leaves the email failed and returns domain.ErrEmptyRecipientList.
func (s *EmailService) CreateEmailForPost(ctx context.Context, cmd CreateEmailCommand) (*domain.Email, error) {
	if err := cmd.Newsletter.Validate(); err != nil {
		return nil, err
	}

	email := newEmailSnapshot(cmd)
	if err := email.Validate(); err != nil {
		return nil, err
	}

	if err := s.emails.Create(ctx, email); err != nil {
		return nil, fmt.Errorf("failed to store email: %w", err)
	}

	if !shouldSendImmediately(email.ScheduledAt, s.now()) {
		s.log(ctx).Info("email scheduled",
			zap.String("emailId", email.ID),
			zap.Time("scheduledAt", *email.ScheduledAt),
		)
		return email, nil
	}

	if err := s.StartSending(ctx, email); err != nil {
		return email, err
	}
	return email, nil
}

// StartSending plans a pending email and enqueues its batches. A planning
// failure marks the email failed with the reason.
func (s *EmailService) StartSending(ctx context.Context, email *domain.Email) error {
	batches, err := s.planner.Plan(ctx, email)
	if err != nil {
		message := err.Error()
		if errors.Is(err, domain.ErrEmptyRecipientList) {
			message = noRecipientsMessage
		}
		s.markPlanningFailed(ctx, email, message)
		return err
	}

	s.enqueuePending(ctx, email.ID, batches)
	return nil
}

func (s *EmailService) markPlanningFailed(ctx context.Context, email *domain.Email, message string) {
	if err := s.emails.SetError(ctx, email.ID, &message); err != nil {
		s.log(ctx).Error("failed to store planning error",
			zap.String("emailId", email.ID),
			zap.Error(err),
		)
	}

	updated, err := s.emails.TransitionStatus(ctx, email.ID,
		[]domain.EmailStatus{domain.EmailStatusPending}, domain.EmailStatusFailed)
	if err != nil {
		s.log(ctx).Error("failed to mark email failed after planning error",
			zap.String("emailId", email.ID),
			zap.Error(err),
		)
		return
	}
	if updated {
		email.Status = domain.EmailStatusFailed
		email.Error = &message
	}

	s.log(ctx).Warn("email planning failed",
		zap.String("emailId", email.ID),
		zap.String("reason", message),
	)
}

func (s *EmailService) enqueuePending(ctx context.Context, emailID string, batches []domain.EmailBatch) int {
	enqueued := 0
	for i := range batches {
		if batches[i].Status != domain.BatchStatusPending {
			continue
		}
		if err := s.jobs.Enqueue(ctx, queue.NewSendJob(batches[i].ID, emailID)); err != nil {
			// The recovery scanner re-enqueues pending batches.
			s.log(ctx).Error("failed to enqueue batch",
				zap.String("emailId", emailID),
				zap.String("batchId", batches[i].ID),
				zap.Error(err),
			)
			continue
		}
		enqueued++
	}
	return enqueued
}

// Cancel stops an email. Unclaimed batches are deleted and retries halted;
// batches already submitting are waited for so every provider call keeps a
// local record. Pending batches whose earlier send may have been delivered are
// kept as permanent failures. The email ends cancelled when nothing can have
// been sent, otherwise in its finalized status.
func (s *EmailService) Cancel(ctx context.Context, emailID string) (*domain.Email, error) {
	email, err := s.Get(ctx, emailID)
	if err != nil {
		return nil, err
	}
	if email.Status.IsTerminal() {
		return email, nil
	}

	if email.Status == domain.EmailStatusPending {
		updated, err := s.emails.TransitionStatus(ctx, email.ID,
			[]domain.EmailStatus{domain.EmailStatusPending}, domain.EmailStatusCancelled)
		if err != nil {
			return nil, err
		}
		if updated {
			return s.emails.GetByID(ctx, email.ID)
		}
	}

	cancelled, err := s.batches.CancelPendingForEmail(ctx, email.ID, cancelledAmbiguousMessage, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to cancel pending batches: %w", err)
	}
	halted, err := s.batches.HaltRetriesForEmail(ctx, email.ID, cancelledBatchMessage)
	if err != nil {
		return nil, fmt.Errorf("failed to halt batch retries: %w", err)
	}

	s.log(ctx).Info("cancelling email",
		zap.String("emailId", email.ID),
		zap.Int64("deletedBatches", cancelled.Deleted),
		zap.Int64("ambiguousBatches", cancelled.Failed),
		zap.Int64("haltedBatches", halted),
	)

	counts, ambiguous, err := s.waitForInFlight(ctx, email.ID)
	if err != nil {
		return nil, err
	}
	ambiguous += cancelled.Failed

	if ambiguous > 0 {
		message := cancelledAmbiguousMessage
		if err := s.emails.SetError(ctx, email.ID, &message); err != nil {
			s.log(ctx).Error("failed to surface cancellation on email",
				zap.String("emailId", email.ID),
				zap.Error(err),
			)
		}
	}

	if counts.Submitted == 0 && ambiguous == 0 {
		if _, err := s.emails.TransitionStatus(ctx, email.ID,
			[]domain.EmailStatus{domain.EmailStatusPending, domain.EmailStatusSubmitting},
			domain.EmailStatusCancelled); err != nil {
			return nil, err
		}
	} else if _, _, err := s.tracker.FinalizeEmail(ctx, email.ID); err != nil {
		return nil, err
	}

	return s.emails.GetByID(ctx, email.ID)
}

// waitForInFlight polls until no batch of the email is submitting. A batch
// that turns pending meanwhile is cancelled on the next round. It also returns
// how many batches were kept as ambiguous failures while waiting.
func (s *EmailService) waitForInFlight(ctx context.Context, emailID string) (domain.BatchCounts, int64, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var ambiguous int64
	for {
		counts, err := s.batches.CountByEmail(ctx, emailID)
		if err != nil {
			return domain.BatchCounts{}, 0, fmt.Errorf("failed to count batches: %w", err)
		}
		if counts.Pending > 0 {
			cancelled, err := s.batches.CancelPendingForEmail(ctx, emailID, cancelledAmbiguousMessage, s.now().UTC())
			if err != nil {
				return domain.BatchCounts{}, 0, fmt.Errorf("failed to cancel pending batches: %w", err)
			}
			ambiguous += cancelled.Failed
			continue
		}
		if counts.FailedRetryable > 0 {
			if _, err := s.batches.HaltRetriesForEmail(ctx, emailID, cancelledBatchMessage); err != nil {
				return domain.BatchCounts{}, 0, fmt.Errorf("failed to halt batch retries: %w", err)
			}
			continue
		}
		if counts.Submitting == 0 {
			return counts, ambiguous, nil
		}

		select {
		case <-ctx.Done():
			return domain.BatchCounts{}, 0, fmt.Errorf("waiting for in-flight batches: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// RetryFailedBatches resets every failed batch of an email to pending with a
// fresh attempt budget and queues all pending batches. Recipients already
// submitted are never sent again. It returns the number of batches reset.
func (s *EmailService) RetryFailedBatches(ctx context.Context, emailID string) (int64, error) {
	email, err := s.Get(ctx, emailID)
	if err != nil {
		return 0, err
	}
	if email.Status == domain.EmailStatusCancelled {
		return 0, fmt.Errorf("%w: email %s is cancelled", domain.ErrConflict, email.ID)
	}
	if email.Status == domain.EmailStatusPending {
		return 0, fmt.Errorf("%w: email %s has not been planned", domain.ErrConflict, email.ID)
	}

	reset, err := s.batches.ResetFailedForEmail(ctx, email.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed batches: %w", err)
	}

	if reset > 0 {
		if _, err := s.emails.TransitionStatus(ctx, email.ID,
			[]domain.EmailStatus{domain.EmailStatusFailed, domain.EmailStatusPartial},
			domain.EmailStatusSubmitting); err != nil {
			return 0, fmt.Errorf("failed to reopen email: %w", err)
		}
	}

	batches, err := s.batches.ListByEmail(ctx, email.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to list batches: %w", err)
	}
	enqueued := s.enqueuePending(ctx, email.ID, batches)

	s.log(ctx).Info("failed batches retried",
		zap.String("emailId", email.ID),
		zap.Int64("reset", reset),
		zap.Int("enqueued", enqueued),
	)

	return reset, nil
}

// Resend restarts a failed or partial email. An email whose planning failed is
// planned again; otherwise its failed batches are retried.
func (s *EmailService) Resend(ctx context.Context, emailID string) (*domain.Email, error) {
	email, err := s.Get(ctx, emailID)
	if err != nil {
		return nil, err
	}

	switch email.Status {
	case domain.EmailStatusFailed, domain.EmailStatusPartial:
	default:
		return nil, fmt.Errorf("%w: email %s is %s", domain.ErrConflict, email.ID, email.Status)
	}

	batches, err := s.batches.ListByEmail(ctx, email.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}

	if len(batches) == 0 {
		updated, err := s.emails.TransitionStatus(ctx, email.ID,
			[]domain.EmailStatus{domain.EmailStatusFailed}, domain.EmailStatusPending)
		if err != nil {
			return nil, err
		}
		if updated {
			if err := s.emails.SetError(ctx, email.ID, nil); err != nil {
				return nil, err
			}
			email.Status = domain.EmailStatusPending
			email.Error = nil
			if err := s.StartSending(ctx, email); err != nil {
				return nil, err
			}
		}
		return s.emails.GetByID(ctx, email.ID)
	}

	if _, err := s.RetryFailedBatches(ctx, email.ID); err != nil {
		return nil, err
	}
	return s.emails.GetByID(ctx, email.ID)
}

func (s *EmailService) Get(ctx context.Context, emailID string) (*domain.Email, error) {
	if strings.TrimSpace(emailID) == "" {
		return nil, fmt.Errorf("%w: email id is required", domain.ErrValidation)
	}
	return s.emails.GetByID(ctx, strings.TrimSpace(emailID))
}

func (s *EmailService) List(ctx context.Context, params repository.ListParams) ([]domain.Email, int64, error) {
	return s.emails.List(ctx, params)
}

func (s *EmailService) ListBatches(ctx context.Context, emailID string) ([]domain.EmailBatch, error) {
	email, err := s.Get(ctx, emailID)
	if err != nil {
		return nil, err
	}
	return s.batches.ListByEmail(ctx, email.ID)
}

// ListFailures returns the failed recipients of an email and the permanent
// failures recorded for it.
func (s *EmailService) ListFailures(
	ctx context.Context,
	emailID string,
	page int,
	pageSize int,
) ([]domain.EmailRecipient, int64, []domain.EmailRecipientFailure, error) {
	email, err := s.Get(ctx, emailID)
	if err != nil {
		return nil, 0, nil, err
	}

	recipients, total, err := s.recipients.ListFailedByEmail(ctx, email.ID, page, pageSize)
	if err != nil {
		return nil, 0, nil, err
	}

	failures, err := s.failures.ListByEmail(ctx, email.ID)
	if err != nil {
		return nil, 0, nil, err
	}

	return recipients, total, failures, nil
}

func (s *EmailService) ListAttempts(ctx context.Context, batchID string) ([]domain.EmailBatchAttempt, error) {
	if strings.TrimSpace(batchID) == "" {
		return nil, fmt.Errorf("%w: batch id is required", domain.ErrValidation)
	}
	batch, err := s.batches.GetByID(ctx, strings.TrimSpace(batchID))
	if err != nil {
		return nil, err
	}
	return s.attempts.ListByBatch(ctx, batch.ID)
}

func newEmailSnapshot(cmd CreateEmailCommand) *domain.Email {
	filter := cmd.Newsletter.RecipientFilter
	if cmd.RecipientFilter != nil {
		filter = strings.TrimSpace(*cmd.RecipientFilter)
	}

	subject := strings.TrimSpace(cmd.Post.EmailSubject)
	if subject == "" {
		subject = strings.TrimSpace(cmd.Post.Title)
	}

	format := cmd.Post.Format
	if format == "" {
		format = domain.SourceFormatHTML
	}

	var scheduledAt *time.Time
	if cmd.ScheduledAt != nil {
		at := cmd.ScheduledAt.UTC()
		scheduledAt = &at
	}

	return &domain.Email{
		ID:              uuid.NewString(),
		PostID:          strings.TrimSpace(cmd.Post.ID),
		NewsletterID:    strings.TrimSpace(cmd.Newsletter.ID),
		Status:          domain.EmailStatusPending,
		RecipientFilter: filter,
		Subject:         subject,
		PostTitle:       cmd.Post.Title,
		PostURL:         cmd.Post.URL,
		PostContent:     cmd.Post.Content,
		SourceFormat:    format,
		PostPublishedAt: cmd.Post.PublishedAt,
		NewsletterName:  cmd.Newsletter.Name,
		NewsletterSlug:  cmd.Newsletter.Slug,
		SenderName:      cmd.Newsletter.SenderName,
		SenderEmail:     strings.TrimSpace(cmd.Newsletter.SenderEmail),
		ReplyTo:         strings.TrimSpace(cmd.Newsletter.ReplyTo),
		FeedbackEnabled: cmd.Newsletter.FeedbackEnabled,
		ScheduledAt:     scheduledAt,
	}
}

func shouldSendImmediately(scheduledAt *time.Time, now time.Time) bool {
	if scheduledAt == nil {
		return true
	}
	return !scheduledAt.After(now)
}

func (s *EmailService) log(ctx context.Context) *zap.Logger {
	return observability.WithContextLogger(s.logger, ctx)
}
