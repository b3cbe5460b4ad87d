package domain

import (
	"strings"
	"time"
)

// RecipientStatus is the delivery state of a single recipient in a batch.
type RecipientStatus string

const (
	RecipientStatusPending   RecipientStatus = "pending"
	RecipientStatusSubmitted RecipientStatus = "submitted"
	RecipientStatusFailed    RecipientStatus = "failed"
)

func (s RecipientStatus) String() string { return string(s) }

func (s RecipientStatus) IsValid() bool {
	switch s {
	case RecipientStatusPending, RecipientStatusSubmitted, RecipientStatusFailed:
		return true
	}
	return false
}

// EmailRecipient is the (batch, member) pair. Email and name are snapshots.
type EmailRecipient struct {
	ID             string
	EmailID        string
	BatchID        string
	MemberID       string
	MemberUUID     string
	MemberEmail    string
	MemberName     string
	Status         RecipientStatus
	FailureMessage *string
	ProcessedAt    *time.Time
}

// FirstName returns the first word of the member name.
func (r EmailRecipient) FirstName() string {
	fields := strings.Fields(r.MemberName)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
