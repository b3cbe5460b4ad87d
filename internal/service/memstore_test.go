package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kursadbilgin/newsletter-engine/internal/domain"
	"github.com/kursadbilgin/newsletter-engine/internal/repository"
)

// memStore is an in-memory stand-in for the postgres repositories with the
// same conditional-update semantics.
type memStore struct {
	mu         sync.Mutex
	emails     map[string]*domain.Email
	batches    map[string]*domain.EmailBatch
	recipients map[string]*domain.EmailRecipient
	failures   map[string]domain.EmailRecipientFailure
	attempts   []domain.EmailBatchAttempt
}

func newMemStore() *memStore {
	return &memStore{
		emails:     make(map[string]*domain.Email),
		batches:    make(map[string]*domain.EmailBatch),
		recipients: make(map[string]*domain.EmailRecipient),
		failures:   make(map[string]domain.EmailRecipientFailure),
	}
}

func (m *memStore) emailRepo() *memEmailRepo         { return &memEmailRepo{m} }
func (m *memStore) batchRepo() *memBatchRepo         { return &memBatchRepo{m} }
func (m *memStore) recipientRepo() *memRecipientRepo { return &memRecipientRepo{m} }
func (m *memStore) failureRepo() *memFailureRepo     { return &memFailureRepo{m} }
func (m *memStore) attemptRepo() *memAttemptRepo     { return &memAttemptRepo{m} }
func (m *memStore) outcomeRepo() *memOutcomeRepo     { return &memOutcomeRepo{m} }

func (m *memStore) addEmail(e domain.Email) *domain.Email {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := e
	m.emails[e.ID] = &stored
	return &stored
}

func (m *memStore) email(id string) domain.Email {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.emails[id]
}

func (m *memStore) batch(id string) domain.EmailBatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.batches[id]
}

func (m *memStore) recipientCounts(emailID string) map[domain.RecipientStatus]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[domain.RecipientStatus]int)
	for _, r := range m.recipients {
		if r.EmailID == emailID {
			counts[r.Status]++
		}
	}
	return counts
}

func (m *memStore) failureCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.failures)
}

func (m *memStore) attemptList() []domain.EmailBatchAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.EmailBatchAttempt(nil), m.attempts...)
}

func (m *memStore) sortedBatches(emailID string) []domain.EmailBatch {
	var out []domain.EmailBatch
	for _, b := range m.batches {
		if b.EmailID == emailID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

type memEmailRepo struct{ m *memStore }

func (r *memEmailRepo) Create(_ context.Context, e *domain.Email) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	stored := *e
	r.m.emails[e.ID] = &stored
	return nil
}

func (r *memEmailRepo) GetByID(_ context.Context, id string) (*domain.Email, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	e, ok := r.m.emails[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *e
	return &copied, nil
}

func (r *memEmailRepo) List(_ context.Context, _ repository.ListParams) ([]domain.Email, int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []domain.Email
	for _, e := range r.m.emails {
		out = append(out, *e)
	}
	return out, int64(len(out)), nil
}

func (r *memEmailRepo) TransitionStatus(_ context.Context, id string, from []domain.EmailStatus, to domain.EmailStatus) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	e, ok := r.m.emails[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if e.Status == f {
			e.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (r *memEmailRepo) SetError(_ context.Context, id string, message *string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	e, ok := r.m.emails[id]
	if !ok {
		return domain.ErrNotFound
	}
	e.Error = message
	return nil
}

func (r *memEmailRepo) CreatePlan(_ context.Context, emailID string, batches []domain.EmailBatch, recipients []domain.EmailRecipient) error {
	if len(batches) == 0 {
		return domain.ErrEmptyRecipientList
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	e, ok := r.m.emails[emailID]
	if !ok {
		return domain.ErrNotFound
	}
	for _, b := range r.m.batches {
		if b.EmailID == emailID {
			return fmt.Errorf("%w: already planned", domain.ErrConflict)
		}
	}
	for i := range batches {
		b := batches[i]
		r.m.batches[b.ID] = &b
	}
	for i := range recipients {
		rec := recipients[i]
		r.m.recipients[rec.ID] = &rec
	}
	e.Status = domain.EmailStatusSubmitting
	e.EmailCount = len(recipients)
	e.Error = nil
	return nil
}

func (r *memEmailRepo) Finalize(_ context.Context, id string, status domain.EmailStatus, failedCount int, at time.Time) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	e, ok := r.m.emails[id]
	if !ok || e.Status != domain.EmailStatusSubmitting {
		return false, nil
	}
	e.Status = status
	e.FailedCount = failedCount
	if status == domain.EmailStatusSubmitted || status == domain.EmailStatusPartial {
		e.SubmittedAt = &at
	}
	if status == domain.EmailStatusSubmitted {
		e.Error = nil
	}
	return true, nil
}

func (r *memEmailRepo) GetDueForSchedule(_ context.Context, now time.Time, limit int) ([]domain.Email, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []domain.Email
	for _, e := range r.m.emails {
		if e.Status == domain.EmailStatusPending && e.ScheduledAt != nil && !e.ScheduledAt.After(now) {
			out = append(out, *e)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memBatchRepo struct{ m *memStore }

func (r *memBatchRepo) GetByID(_ context.Context, id string) (*domain.EmailBatch, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	b, ok := r.m.batches[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *b
	return &copied, nil
}

func (r *memBatchRepo) ListByEmail(_ context.Context, emailID string) ([]domain.EmailBatch, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.m.sortedBatches(emailID), nil
}

func (r *memBatchRepo) Claim(_ context.Context, id string, now time.Time) (*domain.EmailBatch, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	b, ok := r.m.batches[id]
	if !ok || b.Status != domain.BatchStatusPending {
		return nil, domain.ErrConcurrencyConflict
	}
	b.Status = domain.BatchStatusSubmitting
	b.ClaimedAt = &now
	b.HeartbeatAt = &now
	b.NextRetryAt = nil
	b.AttemptCount++
	copied := *b
	return &copied, nil
}

func (r *memBatchRepo) Heartbeat(_ context.Context, id string, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if b, ok := r.m.batches[id]; ok && b.Status == domain.BatchStatusSubmitting {
		b.HeartbeatAt = &at
	}
	return nil
}

func (r *memBatchRepo) AwaitVerification(_ context.Context, id string, verifyAfter time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if b, ok := r.m.batches[id]; ok && b.Status == domain.BatchStatusSubmitting {
		b.HeartbeatAt = nil
		b.NextRetryAt = &verifyAfter
	}
	return nil
}

func (r *memBatchRepo) MarkFailed(_ context.Context, id string, failure repository.BatchFailure) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	b, ok := r.m.batches[id]
	if !ok || b.Status != domain.BatchStatusSubmitting {
		return false, nil
	}
	msg := failure.Error
	b.Status = domain.BatchStatusFailed
	b.Error = &msg
	b.Permanent = failure.Permanent
	b.NextRetryAt = failure.NextRetryAt
	b.HeartbeatAt = nil
	at := failure.ProcessedAt
	b.ProcessedAt = &at
	return true, nil
}

func (r *memBatchRepo) ResetToPending(_ context.Context, id string, from domain.BatchStatus) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	b, ok := r.m.batches[id]
	if !ok || b.Status != from || b.Permanent {
		return false, nil
	}
	b.Status = domain.BatchStatusPending
	b.HeartbeatAt = nil
	b.NextRetryAt = nil
	return true, nil
}

func (r *memBatchRepo) ResetFailedForEmail(_ context.Context, emailID string) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var n int64
	reset := make(map[string]struct{})
	for _, b := range r.m.batches {
		if b.EmailID != emailID || b.Status != domain.BatchStatusFailed {
			continue
		}
		b.Status = domain.BatchStatusPending
		b.Permanent = false
		b.AttemptCount = 0
		b.Error = nil
		b.NextRetryAt = nil
		b.HeartbeatAt = nil
		b.ProcessedAt = nil
		reset[b.ID] = struct{}{}
		n++
	}
	for _, rec := range r.m.recipients {
		if _, ok := reset[rec.BatchID]; ok && rec.Status == domain.RecipientStatusFailed {
			rec.Status = domain.RecipientStatusPending
			rec.FailureMessage = nil
			rec.ProcessedAt = nil
		}
	}
	return n, nil
}

func (r *memBatchRepo) CancelPendingForEmail(_ context.Context, emailID string, reason string, at time.Time) (repository.PendingCancellation, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out repository.PendingCancellation
	for id, b := range r.m.batches {
		if b.EmailID != emailID || b.Status != domain.BatchStatusPending {
			continue
		}
		if b.AttemptCount > 0 {
			msg := reason
			processed := at
			b.Status = domain.BatchStatusFailed
			b.Permanent = true
			b.Error = &msg
			b.NextRetryAt = nil
			b.HeartbeatAt = nil
			b.ProcessedAt = &processed
			out.Failed++
			continue
		}
		delete(r.m.batches, id)
		for rid, rec := range r.m.recipients {
			if rec.BatchID == id {
				delete(r.m.recipients, rid)
			}
		}
		out.Deleted++
	}
	return out, nil
}

func (r *memBatchRepo) HaltRetriesForEmail(_ context.Context, emailID string, reason string) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var n int64
	for _, b := range r.m.batches {
		if b.EmailID == emailID && b.Status == domain.BatchStatusFailed && !b.Permanent {
			msg := reason
			b.Permanent = true
			b.NextRetryAt = nil
			b.Error = &msg
			n++
		}
	}
	return n, nil
}

func (r *memBatchRepo) CountByEmail(_ context.Context, emailID string) (domain.BatchCounts, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var c domain.BatchCounts
	for _, b := range r.m.batches {
		if b.EmailID != emailID {
			continue
		}
		switch b.Status {
		case domain.BatchStatusPending:
			c.Pending++
		case domain.BatchStatusSubmitting:
			c.Submitting++
		case domain.BatchStatusSubmitted:
			c.Submitted++
		case domain.BatchStatusFailed:
			if b.Permanent {
				c.FailedPermanent++
			} else {
				c.FailedRetryable++
			}
		}
	}
	return c, nil
}

func (r *memBatchRepo) GetStaleSubmitting(_ context.Context, heartbeatBefore, now time.Time, limit int) ([]domain.EmailBatch, error) {
	return r.filter(limit, func(b *domain.EmailBatch) bool {
		return (b.HeartbeatAt == nil || b.HeartbeatAt.Before(heartbeatBefore)) && b.VerifyDue(now)
	}), nil
}

func (r *memBatchRepo) GetPendingOlderThan(_ context.Context, before time.Time, limit int) ([]domain.EmailBatch, error) {
	return r.filter(limit, func(b *domain.EmailBatch) bool {
		return b.Status == domain.BatchStatusPending && b.UpdatedAt.Before(before)
	}), nil
}

func (r *memBatchRepo) MarkEnqueued(_ context.Context, ids []string, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, id := range ids {
		if b, ok := r.m.batches[id]; ok && b.Status == domain.BatchStatusPending {
			b.UpdatedAt = at
		}
	}
	return nil
}

func (r *memBatchRepo) GetDueForRetry(_ context.Context, now time.Time, limit int) ([]domain.EmailBatch, error) {
	return r.filter(limit, func(b *domain.EmailBatch) bool {
		return b.Status == domain.BatchStatusFailed && !b.Permanent && b.NextRetryAt != nil && !b.NextRetryAt.After(now)
	}), nil
}

func (r *memBatchRepo) filter(limit int, keep func(b *domain.EmailBatch) bool) []domain.EmailBatch {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []domain.EmailBatch
	for _, b := range r.m.batches {
		if keep(b) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

type memRecipientRepo struct{ m *memStore }

func (r *memRecipientRepo) ListByBatch(_ context.Context, batchID string, status *domain.RecipientStatus) ([]domain.EmailRecipient, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []domain.EmailRecipient
	for _, rec := range r.m.recipients {
		if rec.BatchID != batchID {
			continue
		}
		if status != nil && rec.Status != *status {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID < out[j].MemberID })
	return out, nil
}

func (r *memRecipientRepo) ListFailedByEmail(_ context.Context, emailID string, _, _ int) ([]domain.EmailRecipient, int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []domain.EmailRecipient
	for _, rec := range r.m.recipients {
		if rec.EmailID == emailID && rec.Status == domain.RecipientStatusFailed {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID < out[j].MemberID })
	return out, int64(len(out)), nil
}

func (r *memRecipientRepo) CountByStatus(_ context.Context, emailID string, status domain.RecipientStatus) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var n int64
	for _, rec := range r.m.recipients {
		if rec.EmailID == emailID && rec.Status == status {
			n++
		}
	}
	return n, nil
}

type memFailureRepo struct{ m *memStore }

func (r *memFailureRepo) SuppressedMemberIDs(_ context.Context, newsletterID string, memberIDs []string) (map[string]struct{}, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	wanted := make(map[string]struct{}, len(memberIDs))
	for _, id := range memberIDs {
		wanted[id] = struct{}{}
	}
	out := make(map[string]struct{})
	for _, f := range r.m.failures {
		if f.NewsletterID != newsletterID || f.Severity != domain.FailureSeverityPermanent {
			continue
		}
		if _, ok := wanted[f.MemberID]; ok {
			out[f.MemberID] = struct{}{}
		}
	}
	return out, nil
}

func (r *memFailureRepo) ListByEmail(_ context.Context, emailID string) ([]domain.EmailRecipientFailure, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []domain.EmailRecipientFailure
	for _, f := range r.m.failures {
		if f.EmailID == emailID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID < out[j].MemberID })
	return out, nil
}

type memAttemptRepo struct{ m *memStore }

func (r *memAttemptRepo) Create(_ context.Context, a *domain.EmailBatchAttempt) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.attempts = append(r.m.attempts, *a)
	return nil
}

func (r *memAttemptRepo) ListByBatch(_ context.Context, batchID string) ([]domain.EmailBatchAttempt, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []domain.EmailBatchAttempt
	for _, a := range r.m.attempts {
		if a.BatchID == batchID {
			out = append(out, a)
		}
	}
	return out, nil
}

type memOutcomeRepo struct{ m *memStore }

func (r *memOutcomeRepo) RecordOutcome(_ context.Context, o repository.BatchOutcome) error {
	if !o.BatchStatus.IsTerminal() {
		return fmt.Errorf("%w: not terminal", domain.ErrValidation)
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	b, ok := r.m.batches[o.BatchID]
	if !ok || (b.Status != domain.BatchStatusSubmitting && b.Status != o.BatchStatus) {
		return fmt.Errorf("%w: batch %s is no longer submitting", domain.ErrConflict, o.BatchID)
	}

	at := o.ProcessedAt
	for _, u := range o.Recipients {
		rec, ok := r.m.recipients[u.ID]
		if !ok || rec.BatchID != o.BatchID {
			continue
		}
		rec.Status = u.Status
		rec.FailureMessage = u.FailureMessage
		rec.ProcessedAt = &at
	}
	for _, f := range o.Failures {
		key := f.EmailID + "/" + f.MemberID
		if _, exists := r.m.failures[key]; !exists {
			r.m.failures[key] = f
		}
	}

	b.Status = o.BatchStatus
	b.ProviderID = o.ProviderID
	b.Error = o.Error
	b.Permanent = o.Permanent
	b.NextRetryAt = nil
	b.HeartbeatAt = nil
	b.ProcessedAt = &at

	failed := 0
	for _, rec := range r.m.recipients {
		if rec.EmailID == o.EmailID && rec.Status == domain.RecipientStatusFailed {
			failed++
		}
	}
	if e, ok := r.m.emails[o.EmailID]; ok {
		e.FailedCount = failed
	}
	return nil
}
