package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/newsletter-engine/internal/domain"
	"github.com/kursadbilgin/newsletter-engine/internal/observability"
	"github.com/kursadbilgin/newsletter-engine/internal/provider"
	"github.com/kursadbilgin/newsletter-engine/internal/queue"
	"github.com/kursadbilgin/newsletter-engine/internal/ratelimit"
	"github.com/kursadbilgin/newsletter-engine/internal/render"
	"github.com/kursadbilgin/newsletter-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultProviderTimeout   = 30 * time.Second
	defaultVerifyDelay       = 2 * time.Minute
	defaultHeartbeatInterval = 10 * time.Second
	defaultStaleAfter        = 5 * time.Minute
	baseRetryDelay           = 30 * time.Second
	maxRetryDelay            = 30 * time.Minute
	maxRetryJitterMillis     = 1000
)

// BatchRenderer renders the shared content of a batch.
type BatchRenderer interface {
	RenderForBatch(email *domain.Email, recipients []domain.EmailRecipient, mergeTag render.MergeTagFormatter) (*render.RenderedBatch, error)
}

// JobEnqueuer schedules batch jobs.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) error
}

type SendingConfig struct {
	ProviderTimeout   time.Duration
	VerifyDelay       time.Duration
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	BaseRetryDelay    time.Duration
	MaxRetryDelay     time.Duration
	OpenTracking      bool
}

func (c SendingConfig) withDefaults() SendingConfig {
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = defaultProviderTimeout
	}
	if c.VerifyDelay <= 0 {
		c.VerifyDelay = defaultVerifyDelay
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaultStaleAfter
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = baseRetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = maxRetryDelay
	}
	return c
}

// BatchResult reports what a send or verify job did to a batch.
type BatchResult struct {
	BatchID string
	EmailID string
	Status  domain.BatchStatus
	Outcome domain.AttemptOutcome
	// Skipped is set when the batch was not in a state this job acts on.
	Skipped          bool
	FailedRecipients int
	EmailStatus      domain.EmailStatus
}

// SendingService submits one batch per provider call and classifies the
// outcome. A batch is only ever sent by the worker that claimed it.
type SendingService struct {
	batches     repository.BatchRepository
	emails      repository.EmailRepository
	recipients  repository.RecipientRepository
	attempts    repository.AttemptRepository
	tracker     *Tracker
	renderer    BatchRenderer
	provider    provider.Provider
	rateLimiter ratelimit.RateLimiter
	jobs        JobEnqueuer
	cfg         SendingConfig
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
	randIntn    func(n int) int
}

func NewSendingService(
	batches repository.BatchRepository,
	emails repository.EmailRepository,
	recipients repository.RecipientRepository,
	attempts repository.AttemptRepository,
	tracker *Tracker,
	renderer BatchRenderer,
	p provider.Provider,
	rateLimiter ratelimit.RateLimiter,
	jobs JobEnqueuer,
	cfg SendingConfig,
	logger *zap.Logger,
) (*SendingService, error) {
	if batches == nil || emails == nil || recipients == nil || attempts == nil {
		return nil, fmt.Errorf("repositories are required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if renderer == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if p == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if rateLimiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if jobs == nil {
		return nil, fmt.Errorf("job queue is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SendingService{
		batches:     batches,
		emails:      emails,
		recipients:  recipients,
		attempts:    attempts,
		tracker:     tracker,
		renderer:    renderer,
		provider:    p,
		rateLimiter: rateLimiter,
		jobs:        jobs,
		cfg:         cfg.withDefaults(),
		logger:      logger,
		now:         time.Now,
		randIntn:    rand.Intn,
	}, nil
}

func (s *SendingService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// SendBatch claims a pending batch and submits it. Batches in any other state
// are reported as skipped without a provider call.
func (s *SendingService) SendBatch(ctx context.Context, batchID string) (*BatchResult, error) {
	batch, err := s.batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status != domain.BatchStatusPending {
		return skippedResult(batch), nil
	}

	claimed, err := s.batches.Claim(ctx, batchID, s.now().UTC())
	if errors.Is(err, domain.ErrConcurrencyConflict) {
		s.logger.Debug("batch claimed by another worker", zap.String("batchId", batchID))
		return skippedResult(batch), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim batch: %w", err)
	}

	return s.sendClaimed(ctx, claimed)
}

func (s *SendingService) sendClaimed(ctx context.Context, batch *domain.EmailBatch) (*BatchResult, error) {
	ctx = observability.WithBatch(ctx, batch.EmailID, batch.ID)
	logger := observability.WithContextLogger(s.logger, ctx).With(
		zap.Int("attempt", batch.AttemptCount),
	)

	email, err := s.emails.GetByID(ctx, batch.EmailID)
	if err != nil {
		s.release(ctx, batch.ID, logger)
		return nil, fmt.Errorf("failed to load email: %w", err)
	}

	pending := domain.RecipientStatusPending
	recipients, err := s.recipients.ListByBatch(ctx, batch.ID, &pending)
	if err != nil {
		s.release(ctx, batch.ID, logger)
		return nil, fmt.Errorf("failed to load recipients: %w", err)
	}

	result := &BatchResult{BatchID: batch.ID, EmailID: email.ID}

	if len(recipients) == 0 {
		if _, err := s.tracker.RecordDelivery(ctx, email, batch, nil, nil); err != nil {
			return nil, err
		}
		result.Status = domain.BatchStatusSubmitted
		result.Outcome = domain.AttemptOutcomeAccepted
		return s.finalize(ctx, result)
	}

	rendered, err := s.renderer.RenderForBatch(email, recipients, render.MergeTagFormatter(s.provider.MergeTag))
	if err != nil {
		logger.Error("render failed", zap.Error(err))
		return s.failPermanently(ctx, email, batch, recipients, result, nil, fmt.Errorf("render failed: %w", err))
	}

	if err := s.rateLimiter.Wait(ctx, ratelimit.Key(s.provider.Name())); err != nil {
		s.release(ctx, batch.ID, logger)
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	msg := s.bulkMessage(email, batch, recipients, rendered)

	stopHeartbeat := s.startHeartbeat(ctx, batch.ID, logger)
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	start := s.now()
	sendResult, sendErr := s.provider.Send(sendCtx, msg)
	cancel()
	stopHeartbeat()
	s.metrics.ObserveBatchSendDuration(s.provider.Name(), s.now().Sub(start))

	// Record the outcome even if shutdown interrupted the call.
	ctx = context.WithoutCancel(ctx)

	switch {
	case sendErr == nil:
		return s.recordAccepted(ctx, email, batch, recipients, result, sendResult, logger)
	case provider.IsOutcomeUnknown(sendErr) || errors.Is(sendErr, context.Canceled):
		return s.awaitVerification(ctx, batch, result, sendErr, logger)
	case provider.IsTransient(sendErr):
		return s.scheduleRetry(ctx, email, batch, recipients, result, sendErr, logger)
	default:
		logger.Warn("provider rejected batch", zap.Error(sendErr))
		return s.failPermanently(ctx, email, batch, recipients, result, sendResult, sendErr)
	}
}

func (s *SendingService) bulkMessage(
	email *domain.Email,
	batch *domain.EmailBatch,
	recipients []domain.EmailRecipient,
	rendered *render.RenderedBatch,
) provider.BulkMessage {
	msg := provider.BulkMessage{
		Token:      batch.IdempotencyToken(),
		From:       email.From(),
		ReplyTo:    email.ReplyTo,
		Subject:    rendered.Subject,
		HTML:       rendered.HTML,
		Text:       rendered.Text,
		TrackOpens: s.cfg.OpenTracking,
		Recipients: make([]provider.Recipient, 0, len(recipients)),
	}
	if email.NewsletterSlug != "" {
		msg.Tags = append(msg.Tags, email.NewsletterSlug)
	}

	for _, r := range recipients {
		msg.Recipients = append(msg.Recipients, provider.Recipient{
			ID:        r.ID,
			Email:     r.MemberEmail,
			Name:      r.MemberName,
			Variables: rendered.PerRecipient[r.ID],
		})
	}
	return msg
}

func (s *SendingService) recordAccepted(
	ctx context.Context,
	email *domain.Email,
	batch *domain.EmailBatch,
	recipients []domain.EmailRecipient,
	result *BatchResult,
	sendResult *provider.SendResult,
	logger *zap.Logger,
) (*BatchResult, error) {
	rejected, err := s.tracker.RecordDelivery(ctx, email, batch, recipients, sendResult)
	if err != nil {
		return nil, err
	}

	result.Status = domain.BatchStatusSubmitted
	result.Outcome = domain.AttemptOutcomeAccepted
	result.FailedRecipients = rejected
	s.recordAttempt(ctx, batch, domain.AttemptOutcomeAccepted, sendResult, nil, logger)

	s.metrics.IncBatchSubmitted(s.provider.Name())
	s.metrics.AddRecipientsFailed(s.provider.Name(), rejected)
	logger.Info("batch submitted",
		zap.Int("recipients", len(recipients)),
		zap.Int("rejected", rejected),
	)

	return s.finalize(ctx, result)
}

// awaitVerification leaves the batch submitting and asks a later verify job
// to find out whether the provider accepted the call.
func (s *SendingService) awaitVerification(
	ctx context.Context,
	batch *domain.EmailBatch,
	result *BatchResult,
	sendErr error,
	logger *zap.Logger,
) (*BatchResult, error) {
	logger.Warn("provider outcome unknown, scheduling verification", zap.Error(sendErr))

	verifyAfter := s.now().UTC().Add(s.cfg.VerifyDelay)
	if err := s.batches.AwaitVerification(ctx, batch.ID, verifyAfter); err != nil {
		logger.Error("failed to hand batch to verification", zap.Error(err))
	}

	job := queue.NewVerifyJob(batch.ID, batch.EmailID, verifyAfter)
	if err := s.jobs.Enqueue(ctx, job); err != nil {
		// The recovery scanner verifies batches without a heartbeat.
		logger.Error("failed to enqueue verify job", zap.Error(err))
	}

	s.recordAttempt(ctx, batch, domain.AttemptOutcomeUnknown, nil, sendErr, logger)
	s.metrics.IncBatchFailed(s.provider.Name(), "outcome_unknown")

	result.Status = domain.BatchStatusSubmitting
	result.Outcome = domain.AttemptOutcomeUnknown
	return result, nil
}

func (s *SendingService) scheduleRetry(
	ctx context.Context,
	email *domain.Email,
	batch *domain.EmailBatch,
	recipients []domain.EmailRecipient,
	result *BatchResult,
	sendErr error,
	logger *zap.Logger,
) (*BatchResult, error) {
	if batch.MaxAttempts > 0 && batch.AttemptCount >= batch.MaxAttempts {
		logger.Warn("batch retry budget exhausted", zap.Error(sendErr))
		s.metrics.IncBatchFailed(s.provider.Name(), "retry_exhausted")
		err := fmt.Errorf("giving up after %d attempts: %w", batch.AttemptCount, sendErr)
		return s.failPermanently(ctx, email, batch, recipients, result, nil, err)
	}

	now := s.now().UTC()
	nextRetryAt := now.Add(s.computeRetryDelay(batch.AttemptCount))
	message := sendErr.Error()

	updated, err := s.batches.MarkFailed(ctx, batch.ID, repository.BatchFailure{
		Error:       message,
		NextRetryAt: &nextRetryAt,
		ProcessedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark batch for retry: %w", err)
	}
	if !updated {
		logger.Warn("batch left submitting before retry could be scheduled")
	}

	emailError := fmt.Sprintf("batch %d: %s", batch.Sequence, message)
	if err := s.emails.SetError(ctx, email.ID, &emailError); err != nil {
		logger.Error("failed to surface batch error on email", zap.Error(err))
	}

	s.recordAttempt(ctx, batch, domain.AttemptOutcomeTransient, nil, sendErr, logger)
	s.metrics.IncBatchFailed(s.provider.Name(), "transient_error")
	s.metrics.IncRetryScheduled(s.provider.Name())
	logger.Warn("batch send failed, retry scheduled",
		zap.Time("nextRetryAt", nextRetryAt),
		zap.Error(sendErr),
	)

	result.Status = domain.BatchStatusFailed
	result.Outcome = domain.AttemptOutcomeTransient
	return result, nil
}

func (s *SendingService) failPermanently(
	ctx context.Context,
	email *domain.Email,
	batch *domain.EmailBatch,
	recipients []domain.EmailRecipient,
	result *BatchResult,
	sendResult *provider.SendResult,
	cause error,
) (*BatchResult, error) {
	message := cause.Error()
	if err := s.tracker.RecordBatchFailure(ctx, email, batch, recipients, message); err != nil {
		return nil, err
	}

	emailError := fmt.Sprintf("batch %d: %s", batch.Sequence, message)
	if err := s.emails.SetError(ctx, email.ID, &emailError); err != nil {
		s.logger.Error("failed to surface batch error on email",
			zap.String("emailId", email.ID),
			zap.Error(err),
		)
	}

	s.recordAttempt(ctx, batch, domain.AttemptOutcomeRejected, sendResult, cause, s.logger)
	if provider.IsPermanent(cause) {
		s.metrics.IncBatchFailed(s.provider.Name(), "permanent_error")
	}
	s.metrics.AddRecipientsFailed(s.provider.Name(), len(recipients))

	result.Status = domain.BatchStatusFailed
	result.Outcome = domain.AttemptOutcomeRejected
	result.FailedRecipients = len(recipients)
	return s.finalize(ctx, result)
}

// VerifyBatch resolves a batch whose send outcome is unknown by asking the
// provider whether the call carrying the batch token was accepted.
func (s *SendingService) VerifyBatch(ctx context.Context, batchID string) (*BatchResult, error) {
	batch, err := s.batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status != domain.BatchStatusSubmitting {
		return skippedResult(batch), nil
	}

	now := s.now()
	if batch.HeartbeatAt != nil && now.Sub(*batch.HeartbeatAt) < s.cfg.StaleAfter {
		// A worker still holds the batch.
		return skippedResult(batch), nil
	}
	if !batch.VerifyDue(now) {
		// The provider may not have indexed the call yet. The recovery
		// scanner enqueues the batch again once it is due.
		return skippedResult(batch), nil
	}

	ctx = observability.WithBatch(ctx, batch.EmailID, batch.ID)
	logger := observability.WithContextLogger(s.logger, ctx).With(
		zap.Int("attempt", batch.AttemptCount),
	)

	email, err := s.emails.GetByID(ctx, batch.EmailID)
	if err != nil {
		return nil, fmt.Errorf("failed to load email: %w", err)
	}

	verifyCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	verdict, err := s.provider.Verify(verifyCtx, batch.IdempotencyToken())
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to verify batch: %w", err)
	}
	s.metrics.IncVerification(s.provider.Name(), string(verdict.Status))

	result := &BatchResult{BatchID: batch.ID, EmailID: email.ID}

	switch verdict.Status {
	case provider.VerifyAccepted:
		pending := domain.RecipientStatusPending
		recipients, err := s.recipients.ListByBatch(ctx, batch.ID, &pending)
		if err != nil {
			return nil, fmt.Errorf("failed to load recipients: %w", err)
		}

		sendResult := &provider.SendResult{ProviderID: verdict.ProviderID}
		if _, err := s.tracker.RecordDelivery(ctx, email, batch, recipients, sendResult); err != nil {
			return nil, err
		}
		s.recordAttempt(ctx, batch, domain.AttemptOutcomeVerifiedAccepted, sendResult, nil, logger)
		s.metrics.IncBatchSubmitted(s.provider.Name())
		logger.Info("verification found accepted batch")

		result.Status = domain.BatchStatusSubmitted
		result.Outcome = domain.AttemptOutcomeVerifiedAccepted
		return s.finalize(ctx, result)

	case provider.VerifyNotFound, provider.VerifyRetryable:
		s.recordAttempt(ctx, batch, domain.AttemptOutcomeVerifiedMissing, nil, nil, logger)

		if batch.MaxAttempts > 0 && batch.AttemptCount >= batch.MaxAttempts {
			pending := domain.RecipientStatusPending
			recipients, err := s.recipients.ListByBatch(ctx, batch.ID, &pending)
			if err != nil {
				return nil, fmt.Errorf("failed to load recipients: %w", err)
			}
			cause := fmt.Errorf("outcome unknown after %d attempts", batch.AttemptCount)
			return s.failPermanently(ctx, email, batch, recipients, result, nil, cause)
		}

		reset, err := s.batches.ResetToPending(ctx, batch.ID, domain.BatchStatusSubmitting)
		if err != nil {
			return nil, fmt.Errorf("failed to reset batch: %w", err)
		}
		if reset {
			if err := s.jobs.Enqueue(ctx, queue.NewSendJob(batch.ID, batch.EmailID)); err != nil {
				logger.Error("failed to enqueue send job", zap.Error(err))
			}
			logger.Info("verification did not find batch, resending",
				zap.String("verdict", string(verdict.Status)),
			)
		}

		result.Status = domain.BatchStatusPending
		result.Outcome = domain.AttemptOutcomeVerifiedMissing
		return result, nil

	default:
		pending := domain.RecipientStatusPending
		recipients, err := s.recipients.ListByBatch(ctx, batch.ID, &pending)
		if err != nil {
			return nil, fmt.Errorf("failed to load recipients: %w", err)
		}
		logger.Warn("provider cannot confirm delivery, batch needs manual review")
		cause := fmt.Errorf("delivery could not be confirmed with %s", s.provider.Name())
		return s.failPermanently(ctx, email, batch, recipients, result, nil, cause)
	}
}

func (s *SendingService) finalize(ctx context.Context, result *BatchResult) (*BatchResult, error) {
	status, _, err := s.tracker.FinalizeEmail(ctx, result.EmailID)
	if err != nil {
		return nil, err
	}
	result.EmailStatus = status
	return result, nil
}

// release hands a claimed batch back before anything was sent.
func (s *SendingService) release(ctx context.Context, batchID string, logger *zap.Logger) {
	if _, err := s.batches.ResetToPending(context.WithoutCancel(ctx), batchID, domain.BatchStatusSubmitting); err != nil {
		logger.Error("failed to release batch claim", zap.Error(err))
	}
}

func (s *SendingService) startHeartbeat(ctx context.Context, batchID string, logger *zap.Logger) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				now := s.now().UTC()
				if err := s.batches.Heartbeat(hbCtx, batchID, now); err != nil && hbCtx.Err() == nil {
					logger.Warn("heartbeat failed", zap.Error(err))
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (s *SendingService) computeRetryDelay(attemptNumber int) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}

	delay := s.cfg.BaseRetryDelay
	for i := 1; i < attemptNumber; i++ {
		delay *= 2
		if delay >= s.cfg.MaxRetryDelay {
			delay = s.cfg.MaxRetryDelay
			break
		}
	}

	jitterMillis := 0
	if s.randIntn != nil && maxRetryJitterMillis > 0 {
		jitterMillis = s.randIntn(maxRetryJitterMillis + 1)
	}

	return delay + time.Duration(jitterMillis)*time.Millisecond
}

func (s *SendingService) recordAttempt(
	ctx context.Context,
	batch *domain.EmailBatch,
	outcome domain.AttemptOutcome,
	sendResult *provider.SendResult,
	sendErr error,
	logger *zap.Logger,
) {
	var statusCode *int
	var providerID *string
	var attemptErr *string

	if sendResult != nil {
		if sendResult.StatusCode > 0 {
			value := sendResult.StatusCode
			statusCode = &value
		}
		if id := strings.TrimSpace(sendResult.ProviderID); id != "" {
			providerID = &id
		}
	}

	if sendErr != nil {
		value := sendErr.Error()
		attemptErr = &value

		var providerErr *provider.ProviderError
		if errors.As(sendErr, &providerErr) && providerErr.StatusCode > 0 && statusCode == nil {
			value := providerErr.StatusCode
			statusCode = &value
		}
	}

	attempt := &domain.EmailBatchAttempt{
		ID:            uuid.NewString(),
		BatchID:       batch.ID,
		AttemptNumber: batch.AttemptCount,
		Outcome:       outcome,
		StatusCode:    statusCode,
		ProviderID:    providerID,
		Error:         attemptErr,
		CreatedAt:     s.now().UTC(),
	}

	// Attempt rows are best effort.
	if err := s.attempts.Create(ctx, attempt); err != nil {
		logger.Error("failed to record attempt", zap.Error(err))
	}
}

func skippedResult(batch *domain.EmailBatch) *BatchResult {
	return &BatchResult{
		BatchID: batch.ID,
		EmailID: batch.EmailID,
		Status:  batch.Status,
		Skipped: true,
	}
}
