package provider

import (
	"context"
	"net/mail"
	"strings"
)

// Provider is the outbound bulk email delivery port.
type Provider interface {
	Name() string
	// MaxBatchSize is the largest recipient count accepted by one Send call.
	MaxBatchSize() int
	// MergeTag returns the placeholder the provider substitutes per recipient.
	MergeTag(key string) string
	Send(ctx context.Context, msg BulkMessage) (*SendResult, error)
	// Verify asks whether an earlier Send carrying token was accepted.
	Verify(ctx context.Context, token string) (*VerifyResult, error)
}

// Recipient is one addressee of a bulk message. Variables are substituted for
// the provider merge tags found in the shared content.
type Recipient struct {
	ID        string
	Email     string
	Name      string
	Variables map[string]string
}

// BulkMessage is one provider call: shared content and many recipients.
type BulkMessage struct {
	Token      string
	From       string
	ReplyTo    string
	Subject    string
	HTML       string
	Text       string
	Tags       []string
	TrackOpens bool
	Recipients []Recipient
}

// RecipientResult is the per-recipient verdict of a provider call.
type RecipientResult struct {
	RecipientID string
	Accepted    bool
	Permanent   bool
	Code        string
	Reason      string
}

// SendResult stores provider call metadata for audit and persistence.
// Recipients omitted from Recipients were accepted.
type SendResult struct {
	ProviderID string
	StatusCode int
	Recipients []RecipientResult
}

type VerifyStatus string

const (
	VerifyAccepted     VerifyStatus = "accepted"
	VerifyNotFound     VerifyStatus = "not_found"
	VerifyUnverifiable VerifyStatus = "unverifiable"
	VerifyRetryable    VerifyStatus = "retryable"
)

type VerifyResult struct {
	Status     VerifyStatus
	ProviderID string
}

const codeInvalidAddress = "invalid_address"

// splitValidRecipients rejects recipients whose address cannot be parsed
// before anything is sent to the provider.
func splitValidRecipients(recipients []Recipient) ([]Recipient, []RecipientResult) {
	valid := make([]Recipient, 0, len(recipients))
	var rejected []RecipientResult
	for _, r := range recipients {
		addr, err := mail.ParseAddress(strings.TrimSpace(r.Email))
		if err != nil || addr.Address == "" {
			rejected = append(rejected, RecipientResult{
				RecipientID: r.ID,
				Permanent:   true,
				Code:        codeInvalidAddress,
				Reason:      "invalid email address",
			})
			continue
		}
		r.Email = addr.Address
		valid = append(valid, r)
	}
	return valid, rejected
}

func formatAddress(name, email string) string {
	if strings.TrimSpace(name) == "" {
		return email
	}
	return (&mail.Address{Name: name, Address: email}).String()
}
