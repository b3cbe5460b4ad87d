package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/newsletter-engine/internal/domain"
	"github.com/kursadbilgin/newsletter-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultBatchSize   = 1000
	defaultMaxAttempts = 5
)

// RecipientResolver resolves the members an email goes to.
type RecipientResolver interface {
	Resolve(ctx context.Context, newsletterID, filter string, includeSuppressed bool) ([]domain.Member, error)
}

// Planner splits an email's recipients into batches and stores the plan.
type Planner struct {
	emails      repository.EmailRepository
	batches     repository.BatchRepository
	resolver    RecipientResolver
	batchSize   int
	maxAttempts int
	logger      *zap.Logger
	now         func() time.Time
	newID       func() string
}

// NewPlanner caps batchSize at the provider's maximum batch size.
func NewPlanner(
	emails repository.EmailRepository,
	batches repository.BatchRepository,
	resolver RecipientResolver,
	batchSize int,
	providerMax int,
	maxAttempts int,
	logger *zap.Logger,
) (*Planner, error) {
	if emails == nil || batches == nil {
		return nil, fmt.Errorf("email and batch repositories are required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("recipient resolver is required")
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if providerMax > 0 && batchSize > providerMax {
		batchSize = providerMax
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Planner{
		emails:      emails,
		batches:     batches,
		resolver:    resolver,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         time.Now,
		newID:       uuid.NewString,
	}, nil
}

func (p *Planner) BatchSize() int { return p.batchSize }

// Plan resolves recipients and persists the batches of email. An email that
// already has batches keeps them.
func (p *Planner) Plan(ctx context.Context, email *domain.Email) ([]domain.EmailBatch, error) {
	if email == nil {
		return nil, fmt.Errorf("%w: email is required", domain.ErrValidation)
	}

	existing, err := p.batches.ListByEmail(ctx, email.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing batches: %w", err)
	}
	if len(existing) > 0 {
		return existing, nil
	}

	members, err := p.resolver.Resolve(ctx, email.NewsletterID, email.RecipientFilter, false)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, domain.ErrEmptyRecipientList
	}

	chunks := Partition(members, p.batchSize)
	now := p.now().UTC()

	batches := make([]domain.EmailBatch, 0, len(chunks))
	recipients := make([]domain.EmailRecipient, 0, len(members))
	for i, chunk := range chunks {
		batch := domain.EmailBatch{
			ID:             p.newID(),
			EmailID:        email.ID,
			Status:         domain.BatchStatusPending,
			MemberSegment:  MemberSegment(chunk),
			Sequence:       i + 1,
			RecipientCount: len(chunk),
			MaxAttempts:    p.maxAttempts,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		batches = append(batches, batch)

		for _, m := range chunk {
			recipients = append(recipients, domain.EmailRecipient{
				ID:          p.newID(),
				EmailID:     email.ID,
				BatchID:     batch.ID,
				MemberID:    m.ID,
				MemberUUID:  m.UUID,
				MemberEmail: m.Email,
				MemberName:  m.Name,
				Status:      domain.RecipientStatusPending,
			})
		}
	}

	if err := p.emails.CreatePlan(ctx, email.ID, batches, recipients); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Another planner stored the plan first.
			stored, listErr := p.batches.ListByEmail(ctx, email.ID)
			if listErr == nil && len(stored) > 0 {
				return stored, nil
			}
		}
		return nil, fmt.Errorf("failed to store plan: %w", err)
	}

	email.Status = domain.EmailStatusSubmitting
	email.EmailCount = len(recipients)
	email.Error = nil

	p.logger.Info("email planned",
		zap.String("emailId", email.ID),
		zap.Int("recipients", len(recipients)),
		zap.Int("batches", len(batches)),
	)

	return batches, nil
}

// Partition splits members into consecutive chunks of at most size. Chunk i
// holds members [i*size, (i+1)*size).
// MemberSegment returns the member filter selecting exactly the id range of
// chunk, for example id:>='m_0001'+id:<='m_1000'. Members are paged in id
// order, so the range holds no one outside the chunk.
func MemberSegment(chunk []domain.Member) string {
	if len(chunk) == 0 {
		return ""
	}
	first, last := chunk[0].ID, chunk[0].ID
	for _, m := range chunk[1:] {
		first = min(first, m.ID)
		last = max(last, m.ID)
	}
	return fmt.Sprintf("id:>='%s'+id:<='%s'", first, last)
}

func Partition(members []domain.Member, size int) [][]domain.Member {
	if size <= 0 || len(members) == 0 {
		return nil
	}

	chunks := make([][]domain.Member, 0, (len(members)+size-1)/size)
	for start := 0; start < len(members); start += size {
		end := min(start+size, len(members))
		chunks = append(chunks, members[start:end])
	}
	return chunks
}
