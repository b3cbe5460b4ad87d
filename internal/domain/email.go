package domain

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// EmailStatus represents the lifecycle state of a newsletter email.
type EmailStatus string

const (
	EmailStatusPending    EmailStatus = "pending"
	EmailStatusSubmitting EmailStatus = "submitting"
	EmailStatusSubmitted  EmailStatus = "submitted"
	EmailStatusPartial    EmailStatus = "partial"
	EmailStatusFailed     EmailStatus = "failed"
	EmailStatusCancelled  EmailStatus = "cancelled"
)

func (s EmailStatus) String() string { return string(s) }

func (s EmailStatus) IsValid() bool {
	switch s {
	case EmailStatusPending, EmailStatusSubmitting, EmailStatusSubmitted,
		EmailStatusPartial, EmailStatusFailed, EmailStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further batch work is expected for the email.
func (s EmailStatus) IsTerminal() bool {
	switch s {
	case EmailStatusSubmitted, EmailStatusPartial, EmailStatusFailed, EmailStatusCancelled:
		return true
	}
	return false
}

// IsRetryable reports whether ops commands may reset the email back to submitting.
func (s EmailStatus) IsRetryable() bool {
	return s == EmailStatusFailed || s == EmailStatusPartial
}

func ParseEmailStatusFromString(s string) (EmailStatus, error) {
	st := EmailStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid email status %q", ErrValidation, s)
	}
	return st, nil
}

// SourceFormat describes how the post body is stored.
type SourceFormat string

const (
	SourceFormatHTML     SourceFormat = "html"
	SourceFormatMarkdown SourceFormat = "markdown"
)

func (f SourceFormat) String() string { return string(f) }

func (f SourceFormat) IsValid() bool {
	return f == SourceFormatHTML || f == SourceFormatMarkdown
}

func ParseSourceFormatFromString(s string) (SourceFormat, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	if normalized == "" {
		return SourceFormatHTML, nil
	}
	f := SourceFormat(normalized)
	if !f.IsValid() {
		return "", fmt.Errorf("%w: invalid source format %q", ErrValidation, s)
	}
	return f, nil
}

const (
	MaxSubjectLength = 998
	MaxContentBytes  = 5 << 20
)

// Email is one send of a post to a newsletter's recipients. Post and newsletter
// fields are snapshots taken when the email was created.
type Email struct {
	ID              string
	PostID          string
	NewsletterID    string
	Status          EmailStatus
	RecipientFilter string
	Subject         string

	PostTitle       string
	PostURL         string
	PostContent     string
	SourceFormat    SourceFormat
	PostPublishedAt *time.Time

	NewsletterName  string
	NewsletterSlug  string
	SenderName      string
	SenderEmail     string
	ReplyTo         string
	FeedbackEnabled bool

	Error       *string
	EmailCount  int
	FailedCount int
	ScheduledAt *time.Time
	SubmittedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (e *Email) Validate() error {
	if strings.TrimSpace(e.PostID) == "" {
		return fmt.Errorf("%w: post id is required", ErrValidation)
	}
	if strings.TrimSpace(e.NewsletterID) == "" {
		return fmt.Errorf("%w: newsletter id is required", ErrValidation)
	}
	if strings.TrimSpace(e.Subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrValidation)
	}
	if len(e.Subject) > MaxSubjectLength {
		return fmt.Errorf("%w: subject exceeds %d characters", ErrValidation, MaxSubjectLength)
	}
	if strings.TrimSpace(e.PostContent) == "" {
		return fmt.Errorf("%w: post content is required", ErrValidation)
	}
	if len(e.PostContent) > MaxContentBytes {
		return fmt.Errorf("%w: post content exceeds %d bytes", ErrValidation, MaxContentBytes)
	}
	if !e.SourceFormat.IsValid() {
		return fmt.Errorf("%w: invalid source format %q", ErrValidation, e.SourceFormat)
	}
	if _, err := mail.ParseAddress(e.SenderEmail); err != nil {
		return fmt.Errorf("%w: invalid sender email %q", ErrValidation, e.SenderEmail)
	}
	if e.ReplyTo != "" {
		if _, err := mail.ParseAddress(e.ReplyTo); err != nil {
			return fmt.Errorf("%w: invalid reply-to %q", ErrValidation, e.ReplyTo)
		}
	}
	return nil
}

// From returns the RFC 5322 sender address.
func (e *Email) From() string {
	addr := mail.Address{Name: e.SenderName, Address: e.SenderEmail}
	return addr.String()
}

// BatchCounts summarizes the batch states of one email.
type BatchCounts struct {
	Pending         int
	Submitting      int
	Submitted       int
	FailedRetryable int
	FailedPermanent int
}

func (c BatchCounts) Total() int {
	return c.Pending + c.Submitting + c.Submitted + c.FailedRetryable + c.FailedPermanent
}

// InFlight counts batches that may still change state without operator action.
func (c BatchCounts) InFlight() int {
	return c.Pending + c.Submitting + c.FailedRetryable
}

// FinalEmailStatus derives the email status from its batches. The second
// return value is false while any batch can still progress.
func FinalEmailStatus(counts BatchCounts, failedRecipients int) (EmailStatus, bool) {
	if counts.InFlight() > 0 {
		return EmailStatusSubmitting, false
	}
	if counts.Total() == 0 {
		return EmailStatusCancelled, true
	}
	if counts.FailedPermanent == counts.Total() {
		return EmailStatusFailed, true
	}
	if counts.FailedPermanent > 0 || failedRecipients > 0 {
		return EmailStatusPartial, true
	}
	return EmailStatusSubmitted, true
}
