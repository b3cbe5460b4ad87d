package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/kursadbilgin/newsletter-engine/internal/domain"
	"github.com/kursadbilgin/newsletter-engine/internal/observability"
	"github.com/kursadbilgin/newsletter-engine/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	minWorkerConcurrency = 1
	defaultPollInterval  = time.Second
	baseJobRetryDelay    = time.Second
	maxJobRetryDelay     = time.Minute
	maxJobJitterMillis   = 250
)

// BatchProcessor runs the batch operation a job names.
type BatchProcessor interface {
	SendBatch(ctx context.Context, batchID string) (*BatchResult, error)
	VerifyBatch(ctx context.Context, batchID string) (*BatchResult, error)
}

// WorkerPool pulls jobs from the queue with a fixed number of workers. Jobs
// that fail on infrastructure errors go back to the queue with backoff.
type WorkerPool struct {
	jobs         queue.JobQueue
	processor    BatchProcessor
	logger       *zap.Logger
	metrics      *observability.Metrics
	concurrency  int
	pollInterval time.Duration
	randIntn     func(n int) int
}

func NewWorkerPool(
	jobs queue.JobQueue,
	processor BatchProcessor,
	concurrency int,
	pollInterval time.Duration,
	logger *zap.Logger,
) (*WorkerPool, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job queue is required")
	}
	if processor == nil {
		return nil, fmt.Errorf("batch processor is required")
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkerPool{
		jobs:         jobs,
		processor:    processor,
		logger:       logger,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		randIntn:     rand.Intn,
	}, nil
}

func (p *WorkerPool) SetMetrics(metrics *observability.Metrics) {
	if p == nil {
		return
	}
	p.metrics = metrics
}

// Start runs the workers until context cancellation.
func (p *WorkerPool) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		workerID := i + 1

		g.Go(func() error {
			p.logger.Info("worker started", zap.Int("workerId", workerID))
			p.run(groupCtx, workerID)
			p.logger.Info("worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	return g.Wait()
}

func (p *WorkerPool) run(ctx context.Context, workerID int) {
	for ctx.Err() == nil {
		job, err := p.jobs.DequeueNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("dequeue failed",
				zap.Int("workerId", workerID),
				zap.Error(err),
			)
			waitFor(ctx, p.pollInterval)
			continue
		}
		if job == nil {
			waitFor(ctx, p.pollInterval)
			continue
		}

		p.handle(ctx, job)
	}
}

func (p *WorkerPool) handle(ctx context.Context, job *queue.Job) {
	ctx = observability.WithBatch(observability.WithCorrelationID(ctx, job.ID), job.EmailID, job.BatchID)
	logger := observability.WithContextLogger(p.logger, ctx).With(
		zap.String("kind", job.Kind.String()),
		zap.Int("delivery", job.Attempt),
	)

	p.metrics.IncWorkerInFlight(job.Kind.String())
	defer p.metrics.DecWorkerInFlight(job.Kind.String())

	result, err := p.process(ctx, job)

	// Settle the job even when shutdown cancelled the work.
	settleCtx := context.WithoutCancel(ctx)

	if err == nil || errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrValidation) {
		if err != nil {
			logger.Warn("dropping job", zap.Error(err))
		} else if result != nil && result.Skipped {
			logger.Debug("batch skipped", zap.String("status", result.Status.String()))
		}
		if ackErr := p.jobs.Ack(settleCtx, job.ID); ackErr != nil {
			logger.Error("failed to ack job", zap.Error(ackErr))
		}
		return
	}

	delay := p.computeRetryDelay(job.Attempt)
	logger.Warn("job failed, requeueing",
		zap.Duration("retryAfter", delay),
		zap.Error(err),
	)
	if nackErr := p.jobs.Nack(settleCtx, job.ID, delay); nackErr != nil {
		logger.Error("failed to nack job", zap.Error(nackErr))
	}
}

func (p *WorkerPool) process(ctx context.Context, job *queue.Job) (*BatchResult, error) {
	switch job.Kind {
	case queue.JobKindSend:
		return p.processor.SendBatch(ctx, job.BatchID)
	case queue.JobKindVerify:
		return p.processor.VerifyBatch(ctx, job.BatchID)
	default:
		return nil, fmt.Errorf("%w: unknown job kind %q", domain.ErrValidation, job.Kind)
	}
}

func (p *WorkerPool) computeRetryDelay(attemptNumber int) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}

	delay := baseJobRetryDelay
	for i := 1; i < attemptNumber; i++ {
		delay *= 2
		if delay >= maxJobRetryDelay {
			delay = maxJobRetryDelay
			break
		}
	}

	jitterMillis := 0
	if p.randIntn != nil && maxJobJitterMillis > 0 {
		jitterMillis = p.randIntn(maxJobJitterMillis + 1)
	}

	return delay + time.Duration(jitterMillis)*time.Millisecond
}

func waitFor(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
