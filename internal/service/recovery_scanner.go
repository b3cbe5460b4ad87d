package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/newsletter-engine/internal/domain"
	"github.com/kursadbilgin/newsletter-engine/internal/observability"
	"github.com/kursadbilgin/newsletter-engine/internal/queue"
	"github.com/kursadbilgin/newsletter-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultRecoveryScanInterval = 15 * time.Second
	defaultRecoveryScanLimit    = 100
	defaultPendingRequeueAfter  = time.Minute
)

// Locker is a cluster-wide mutex. Acquire is re-entrant for the holder.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type RecoveryConfig struct {
	Interval time.Duration
	// StaleAfter is how long a submitting batch may go without a heartbeat
	// before it is verified.
	StaleAfter time.Duration
	// PendingAfter is how long a pending batch may wait before it is queued
	// again.
	PendingAfter time.Duration
	Limit        int
}

// RecoveryScanner finds batches whose jobs were lost: pending batches that
// nobody picked up, submitting batches whose worker stopped heart-beating and
// failed batches whose retry is due. Only the lock holder scans.
type RecoveryScanner struct {
	batches repository.BatchRepository
	jobs    JobEnqueuer
	lock    Locker
	cfg     RecoveryConfig
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

func NewRecoveryScanner(
	batches repository.BatchRepository,
	jobs JobEnqueuer,
	lock Locker,
	cfg RecoveryConfig,
	logger *zap.Logger,
) (*RecoveryScanner, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	if jobs == nil {
		return nil, fmt.Errorf("job queue is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultRecoveryScanInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.PendingAfter <= 0 {
		cfg.PendingAfter = defaultPendingRequeueAfter
	}
	if cfg.Limit <= 0 {
		cfg.Limit = defaultRecoveryScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RecoveryScanner{
		batches: batches,
		jobs:    jobs,
		lock:    lock,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}, nil
}

func (s *RecoveryScanner) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *RecoveryScanner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.releaseLock()

	if err := s.scan(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("recovery scanner initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.scan(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("recovery scanner scan failed", zap.Error(err))
			}
		}
	}
}

func (s *RecoveryScanner) scan(ctx context.Context) error {
	if s.lock != nil {
		held, err := s.lock.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("failed to acquire scanner lock: %w", err)
		}
		if !held {
			return nil
		}
	}

	now := s.now().UTC()

	if err := s.requeuePending(ctx, now); err != nil {
		return err
	}
	if err := s.verifyStale(ctx, now); err != nil {
		return err
	}
	return s.retryDue(ctx, now)
}

func (s *RecoveryScanner) requeuePending(ctx context.Context, now time.Time) error {
	batches, err := s.batches.GetPendingOlderThan(ctx, now.Add(-s.cfg.PendingAfter), s.cfg.Limit)
	if err != nil {
		return fmt.Errorf("failed to fetch pending batches: %w", err)
	}

	enqueued := make([]string, 0, len(batches))
	for i := range batches {
		if s.enqueue(ctx, queue.NewSendJob(batches[i].ID, batches[i].EmailID)) {
			enqueued = append(enqueued, batches[i].ID)
		}
	}
	if err := s.batches.MarkEnqueued(ctx, enqueued, now); err != nil {
		s.logger.Error("failed to mark pending batches enqueued",
			zap.Int("batches", len(enqueued)),
			zap.Error(err),
		)
	}
	s.metrics.AddRecoveredBatches("pending", len(enqueued))
	return nil
}

// verifyStale never resends a stale batch directly: the verify job decides.
func (s *RecoveryScanner) verifyStale(ctx context.Context, now time.Time) error {
	batches, err := s.batches.GetStaleSubmitting(ctx, now.Add(-s.cfg.StaleAfter), now, s.cfg.Limit)
	if err != nil {
		return fmt.Errorf("failed to fetch stale batches: %w", err)
	}

	enqueued := 0
	for i := range batches {
		batch := batches[i]
		if batch.HeartbeatAt != nil {
			s.logger.Warn("batch heartbeat is stale, verifying",
				zap.String("batchId", batch.ID),
				zap.Time("heartbeatAt", *batch.HeartbeatAt),
			)
		}
		var availableAt time.Time
		if batch.NextRetryAt != nil {
			availableAt = *batch.NextRetryAt
		}
		if s.enqueue(ctx, queue.NewVerifyJob(batch.ID, batch.EmailID, availableAt)) {
			enqueued++
		}
	}
	s.metrics.AddRecoveredBatches("stale", enqueued)
	return nil
}

func (s *RecoveryScanner) retryDue(ctx context.Context, now time.Time) error {
	batches, err := s.batches.GetDueForRetry(ctx, now, s.cfg.Limit)
	if err != nil {
		return fmt.Errorf("failed to fetch due retries: %w", err)
	}

	enqueued := 0
	for i := range batches {
		batch := batches[i]
		if !batch.CanRetry() {
			continue
		}

		reset, err := s.batches.ResetToPending(ctx, batch.ID, domain.BatchStatusFailed)
		if err != nil {
			s.logger.Error("failed to reset batch for retry",
				zap.String("batchId", batch.ID),
				zap.Error(err),
			)
			continue
		}
		if !reset {
			continue
		}

		if s.enqueue(ctx, queue.NewSendJob(batch.ID, batch.EmailID)) {
			enqueued++
		}
	}
	s.metrics.AddRecoveredBatches("retry", enqueued)
	return nil
}

func (s *RecoveryScanner) enqueue(ctx context.Context, job queue.Job) bool {
	if err := s.jobs.Enqueue(ctx, job); err != nil {
		s.logger.Error("failed to enqueue recovered batch",
			zap.String("jobId", job.ID),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (s *RecoveryScanner) releaseLock() {
	if s.lock == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.lock.Release(ctx); err != nil {
		s.logger.Warn("failed to release scanner lock", zap.Error(err))
	}
}
