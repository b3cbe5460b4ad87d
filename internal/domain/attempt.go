package domain

import "time"

// AttemptOutcome is the classified result of one provider call for a batch.
type AttemptOutcome string

const (
	AttemptOutcomeAccepted         AttemptOutcome = "accepted"
	AttemptOutcomeRejected         AttemptOutcome = "rejected"
	AttemptOutcomeTransient        AttemptOutcome = "transient"
	AttemptOutcomeUnknown          AttemptOutcome = "unknown"
	AttemptOutcomeVerifiedAccepted AttemptOutcome = "verified_accepted"
	AttemptOutcomeVerifiedMissing  AttemptOutcome = "verified_missing"
)

func (o AttemptOutcome) String() string { return string(o) }

// EmailBatchAttempt records a single provider call (or verification) for a batch.
type EmailBatchAttempt struct {
	ID            string
	BatchID       string
	AttemptNumber int
	Outcome       AttemptOutcome
	StatusCode    *int
	ProviderID    *string
	Error         *string
	CreatedAt     time.Time
}
