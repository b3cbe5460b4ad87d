package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/newsletter-engine/internal/domain"
	"github.com/kursadbilgin/newsletter-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultScheduleScanInterval = 15 * time.Second
	defaultScheduleScanLimit    = 20
)

// EmailStarter plans a pending email and queues its batches.
type EmailStarter interface {
	StartSending(ctx context.Context, email *domain.Email) error
}

// ScheduleScanner starts scheduled emails once they are due.
type ScheduleScanner struct {
	emails   repository.EmailRepository
	starter  EmailStarter
	lock     Locker
	logger   *zap.Logger
	interval time.Duration
	limit    int
	now      func() time.Time
}

func NewScheduleScanner(
	emails repository.EmailRepository,
	starter EmailStarter,
	lock Locker,
	interval time.Duration,
	limit int,
	logger *zap.Logger,
) (*ScheduleScanner, error) {
	if emails == nil {
		return nil, fmt.Errorf("email repository is required")
	}
	if starter == nil {
		return nil, fmt.Errorf("email starter is required")
	}
	if interval <= 0 {
		interval = defaultScheduleScanInterval
	}
	if limit <= 0 {
		limit = defaultScheduleScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ScheduleScanner{
		emails:   emails,
		starter:  starter,
		lock:     lock,
		logger:   logger,
		interval: interval,
		limit:    limit,
		now:      time.Now,
	}, nil
}

func (s *ScheduleScanner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.scanDue(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("schedule scanner initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.scanDue(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("schedule scanner scan failed", zap.Error(err))
			}
		}
	}
}

func (s *ScheduleScanner) scanDue(ctx context.Context) error {
	if s.lock != nil {
		held, err := s.lock.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("failed to acquire scanner lock: %w", err)
		}
		if !held {
			return nil
		}
	}

	due, err := s.emails.GetDueForSchedule(ctx, s.now().UTC(), s.limit)
	if err != nil {
		return fmt.Errorf("failed to fetch due scheduled emails: %w", err)
	}

	for i := range due {
		email := due[i]
		if err := s.starter.StartSending(ctx, &email); err != nil {
			s.logger.Error("failed to start scheduled email",
				zap.String("emailId", email.ID),
				zap.Error(err),
			)
			continue
		}
		s.logger.Info("scheduled email started", zap.String("emailId", email.ID))
	}

	return nil
}
