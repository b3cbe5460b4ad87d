package domain

import (
	"fmt"
	"strings"
	"time"
)

// Member is a read-only view of a CMS member resolved for a send.
type Member struct {
	ID     string
	UUID   string
	Email  string
	Name   string
	Status string
}

// Post is the content handed over by the publishing flow.
type Post struct {
	ID           string
	Title        string
	URL          string
	Content      string
	Format       SourceFormat
	EmailSubject string
	PublishedAt  *time.Time
}

// Newsletter carries the sender identity and default audience of a newsletter.
type Newsletter struct {
	ID              string
	Name            string
	Slug            string
	SenderName      string
	SenderEmail     string
	ReplyTo         string
	RecipientFilter string
	FeedbackEnabled bool
}

func (n Newsletter) Validate() error {
	if strings.TrimSpace(n.ID) == "" {
		return fmt.Errorf("%w: newsletter id is required", ErrValidation)
	}
	if strings.TrimSpace(n.Slug) == "" {
		return fmt.Errorf("%w: newsletter slug is required", ErrValidation)
	}
	if strings.TrimSpace(n.SenderEmail) == "" {
		return fmt.Errorf("%w: newsletter sender email is required", ErrValidation)
	}
	return nil
}
