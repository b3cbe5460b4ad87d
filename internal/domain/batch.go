package domain

import (
	"fmt"
	"strings"
	"time"
)

// BatchStatus represents the processing state of an email batch.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusSubmitting BatchStatus = "submitting"
	BatchStatusSubmitted  BatchStatus = "submitted"
	BatchStatusFailed     BatchStatus = "failed"
)

func (s BatchStatus) String() string { return string(s) }

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchStatusPending, BatchStatusSubmitting, BatchStatusSubmitted, BatchStatusFailed:
		return true
	}
	return false
}

func (s BatchStatus) IsTerminal() bool {
	return s == BatchStatusSubmitted || s == BatchStatusFailed
}

func ParseBatchStatusFromString(s string) (BatchStatus, error) {
	st := BatchStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid batch status %q", ErrValidation, s)
	}
	return st, nil
}

// EmailBatch is one chunk of recipients sent in a single provider call.
type EmailBatch struct {
	ID             string
	EmailID        string
	ProviderID     *string
	Status         BatchStatus
	MemberSegment  string
	Sequence       int
	RecipientCount int
	AttemptCount   int
	MaxAttempts    int
	// Permanent marks a failed batch that needs manual intervention.
	Permanent bool
	Error     *string
	// NextRetryAt is when a failed batch may be retried. On a submitting
	// batch it is the earliest time its outcome may be verified.
	NextRetryAt *time.Time
	HeartbeatAt *time.Time
	ClaimedAt   *time.Time
	ProcessedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CanRetry reports whether the scheduler may reset the batch to pending.
func (b *EmailBatch) CanRetry() bool {
	if b == nil || b.Status != BatchStatusFailed || b.Permanent {
		return false
	}
	return b.MaxAttempts <= 0 || b.AttemptCount < b.MaxAttempts
}

// VerifyDue reports whether a submitting batch's outcome may be verified at now.
func (b *EmailBatch) VerifyDue(now time.Time) bool {
	if b == nil || b.Status != BatchStatusSubmitting {
		return false
	}
	return b.NextRetryAt == nil || !now.Before(*b.NextRetryAt)
}

// IdempotencyToken is the client-assigned token sent with every provider call
// for this batch. It is stable across attempts so verification can find an
// earlier accepted call.
func (b *EmailBatch) IdempotencyToken() string {
	if b == nil {
		return ""
	}
	return "batch-" + b.ID
}
