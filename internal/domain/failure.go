package domain

import "time"

// FailureSeverity classifies a recipient failure reported by the provider.
type FailureSeverity string

const (
	FailureSeverityPermanent FailureSeverity = "permanent"
	FailureSeverityTemporary FailureSeverity = "temporary"
)

func (s FailureSeverity) String() string { return string(s) }

// EmailRecipientFailure records a hard bounce or permanent rejection. Members
// with a failure for a newsletter are suppressed from later sends to it.
type EmailRecipientFailure struct {
	ID               string
	EmailID          string
	NewsletterID     string
	MemberID         string
	EmailRecipientID string
	Code             string
	Severity         FailureSeverity
	Message          string
	CreatedAt        time.Time
}
