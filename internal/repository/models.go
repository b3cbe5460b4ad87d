package repository

import (
	"time"

	"github.com/kursadbilgin/newsletter-engine/internal/domain"
)

// EmailModel is the persistence model for the emails table.
type EmailModel struct {
	ID              string              `gorm:"type:uuid;primaryKey"`
	PostID          string              `gorm:"type:varchar(64);not null;index"`
	NewsletterID    string              `gorm:"type:varchar(64);not null"`
	Status          domain.EmailStatus  `gorm:"type:varchar(20);not null"`
	RecipientFilter string              `gorm:"type:text;not null;default:''"`
	Subject         string              `gorm:"type:varchar(998);not null"`
	PostTitle       string              `gorm:"type:varchar(255);not null;default:''"`
	PostURL         string              `gorm:"type:text;not null;default:''"`
	PostContent     string              `gorm:"type:text;not null"`
	SourceFormat    domain.SourceFormat `gorm:"type:varchar(16);not null"`
	PostPublishedAt *time.Time          `gorm:"type:timestamptz"`
	NewsletterName  string              `gorm:"type:varchar(255);not null;default:''"`
	NewsletterSlug  string              `gorm:"type:varchar(191);not null"`
	SenderName      string              `gorm:"type:varchar(255);not null;default:''"`
	SenderEmail     string              `gorm:"type:varchar(255);not null"`
	ReplyTo         string              `gorm:"type:varchar(255);not null;default:''"`
	FeedbackEnabled bool                `gorm:"not null;default:false"`
	Error           *string             `gorm:"type:text"`
	EmailCount      int                 `gorm:"not null;default:0"`
	FailedCount     int                 `gorm:"not null;default:0"`
	ScheduledAt     *time.Time          `gorm:"type:timestamptz"`
	SubmittedAt     *time.Time          `gorm:"type:timestamptz"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (EmailModel) TableName() string {
	return "emails"
}

// EmailBatchModel is the persistence model for email_batches.
type EmailBatchModel struct {
	ID             string             `gorm:"type:uuid;primaryKey"`
	EmailID        string             `gorm:"type:uuid;not null"`
	ProviderID     *string            `gorm:"type:varchar(255)"`
	Status         domain.BatchStatus `gorm:"type:varchar(20);not null"`
	MemberSegment  string             `gorm:"type:text;not null;default:''"`
	Sequence       int                `gorm:"not null"`
	RecipientCount int                `gorm:"not null"`
	AttemptCount   int                `gorm:"not null;default:0"`
	MaxAttempts    int                `gorm:"not null;default:5"`
	Permanent      bool               `gorm:"not null;default:false"`
	Error          *string            `gorm:"type:text"`
	NextRetryAt    *time.Time         `gorm:"type:timestamptz"`
	HeartbeatAt    *time.Time         `gorm:"type:timestamptz"`
	ClaimedAt      *time.Time         `gorm:"type:timestamptz"`
	ProcessedAt    *time.Time         `gorm:"type:timestamptz"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (EmailBatchModel) TableName() string {
	return "email_batches"
}

// EmailRecipientModel is the persistence model for email_recipients.
type EmailRecipientModel struct {
	ID             string                 `gorm:"type:uuid;primaryKey"`
	EmailID        string                 `gorm:"type:uuid;not null"`
	BatchID        string                 `gorm:"type:uuid;not null"`
	MemberID       string                 `gorm:"type:varchar(64);not null"`
	MemberUUID     string                 `gorm:"type:varchar(64);not null"`
	MemberEmail    string                 `gorm:"type:varchar(255);not null"`
	MemberName     string                 `gorm:"type:varchar(255);not null;default:''"`
	Status         domain.RecipientStatus `gorm:"type:varchar(20);not null"`
	FailureMessage *string                `gorm:"type:text"`
	ProcessedAt    *time.Time             `gorm:"type:timestamptz"`
}

func (EmailRecipientModel) TableName() string {
	return "email_recipients"
}

// EmailRecipientFailureModel is the persistence model for email_recipient_failures.
type EmailRecipientFailureModel struct {
	ID               string                 `gorm:"type:uuid;primaryKey"`
	EmailID          string                 `gorm:"type:uuid;not null"`
	NewsletterID     string                 `gorm:"type:varchar(64);not null"`
	MemberID         string                 `gorm:"type:varchar(64);not null"`
	EmailRecipientID string                 `gorm:"type:uuid;not null"`
	Code             string                 `gorm:"type:varchar(64);not null;default:''"`
	Severity         domain.FailureSeverity `gorm:"type:varchar(20);not null"`
	Message          string                 `gorm:"type:text;not null;default:''"`
	CreatedAt        time.Time
}

func (EmailRecipientFailureModel) TableName() string {
	return "email_recipient_failures"
}

// EmailBatchAttemptModel is the persistence model for email_batch_attempts.
type EmailBatchAttemptModel struct {
	ID            string                `gorm:"type:uuid;primaryKey"`
	BatchID       string                `gorm:"type:uuid;not null"`
	AttemptNumber int                   `gorm:"not null"`
	Outcome       domain.AttemptOutcome `gorm:"type:varchar(32);not null"`
	StatusCode    *int                  `gorm:"type:int"`
	ProviderID    *string               `gorm:"type:varchar(255)"`
	Error         *string               `gorm:"type:text"`
	CreatedAt     time.Time
}

func (EmailBatchAttemptModel) TableName() string {
	return "email_batch_attempts"
}

func emailModelFromDomain(e *domain.Email) *EmailModel {
	if e == nil {
		return nil
	}

	return &EmailModel{
		ID:              e.ID,
		PostID:          e.PostID,
		NewsletterID:    e.NewsletterID,
		Status:          e.Status,
		RecipientFilter: e.RecipientFilter,
		Subject:         e.Subject,
		PostTitle:       e.PostTitle,
		PostURL:         e.PostURL,
		PostContent:     e.PostContent,
		SourceFormat:    e.SourceFormat,
		PostPublishedAt: e.PostPublishedAt,
		NewsletterName:  e.NewsletterName,
		NewsletterSlug:  e.NewsletterSlug,
		SenderName:      e.SenderName,
		SenderEmail:     e.SenderEmail,
		ReplyTo:         e.ReplyTo,
		FeedbackEnabled: e.FeedbackEnabled,
		Error:           e.Error,
		EmailCount:      e.EmailCount,
		FailedCount:     e.FailedCount,
		ScheduledAt:     e.ScheduledAt,
		SubmittedAt:     e.SubmittedAt,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}
}

func emailModelToDomain(m *EmailModel) *domain.Email {
	if m == nil {
		return nil
	}

	return &domain.Email{
		ID:              m.ID,
		PostID:          m.PostID,
		NewsletterID:    m.NewsletterID,
		Status:          m.Status,
		RecipientFilter: m.RecipientFilter,
		Subject:         m.Subject,
		PostTitle:       m.PostTitle,
		PostURL:         m.PostURL,
		PostContent:     m.PostContent,
		SourceFormat:    m.SourceFormat,
		PostPublishedAt: m.PostPublishedAt,
		NewsletterName:  m.NewsletterName,
		NewsletterSlug:  m.NewsletterSlug,
		SenderName:      m.SenderName,
		SenderEmail:     m.SenderEmail,
		ReplyTo:         m.ReplyTo,
		FeedbackEnabled: m.FeedbackEnabled,
		Error:           m.Error,
		EmailCount:      m.EmailCount,
		FailedCount:     m.FailedCount,
		ScheduledAt:     m.ScheduledAt,
		SubmittedAt:     m.SubmittedAt,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func batchModelFromDomain(b *domain.EmailBatch) *EmailBatchModel {
	if b == nil {
		return nil
	}

	return &EmailBatchModel{
		ID:             b.ID,
		EmailID:        b.EmailID,
		ProviderID:     b.ProviderID,
		Status:         b.Status,
		MemberSegment:  b.MemberSegment,
		Sequence:       b.Sequence,
		RecipientCount: b.RecipientCount,
		AttemptCount:   b.AttemptCount,
		MaxAttempts:    b.MaxAttempts,
		Permanent:      b.Permanent,
		Error:          b.Error,
		NextRetryAt:    b.NextRetryAt,
		HeartbeatAt:    b.HeartbeatAt,
		ClaimedAt:      b.ClaimedAt,
		ProcessedAt:    b.ProcessedAt,
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
	}
}

func batchModelToDomain(m *EmailBatchModel) *domain.EmailBatch {
	if m == nil {
		return nil
	}

	return &domain.EmailBatch{
		ID:             m.ID,
		EmailID:        m.EmailID,
		ProviderID:     m.ProviderID,
		Status:         m.Status,
		MemberSegment:  m.MemberSegment,
		Sequence:       m.Sequence,
		RecipientCount: m.RecipientCount,
		AttemptCount:   m.AttemptCount,
		MaxAttempts:    m.MaxAttempts,
		Permanent:      m.Permanent,
		Error:          m.Error,
		NextRetryAt:    m.NextRetryAt,
		HeartbeatAt:    m.HeartbeatAt,
		ClaimedAt:      m.ClaimedAt,
		ProcessedAt:    m.ProcessedAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func recipientModelFromDomain(r *domain.EmailRecipient) *EmailRecipientModel {
	if r == nil {
		return nil
	}

	return &EmailRecipientModel{
		ID:             r.ID,
		EmailID:        r.EmailID,
		BatchID:        r.BatchID,
		MemberID:       r.MemberID,
		MemberUUID:     r.MemberUUID,
		MemberEmail:    r.MemberEmail,
		MemberName:     r.MemberName,
		Status:         r.Status,
		FailureMessage: r.FailureMessage,
		ProcessedAt:    r.ProcessedAt,
	}
}

func recipientModelToDomain(m *EmailRecipientModel) *domain.EmailRecipient {
	if m == nil {
		return nil
	}

	return &domain.EmailRecipient{
		ID:             m.ID,
		EmailID:        m.EmailID,
		BatchID:        m.BatchID,
		MemberID:       m.MemberID,
		MemberUUID:     m.MemberUUID,
		MemberEmail:    m.MemberEmail,
		MemberName:     m.MemberName,
		Status:         m.Status,
		FailureMessage: m.FailureMessage,
		ProcessedAt:    m.ProcessedAt,
	}
}

func failureModelFromDomain(f *domain.EmailRecipientFailure) *EmailRecipientFailureModel {
	if f == nil {
		return nil
	}

	return &EmailRecipientFailureModel{
		ID:               f.ID,
		EmailID:          f.EmailID,
		NewsletterID:     f.NewsletterID,
		MemberID:         f.MemberID,
		EmailRecipientID: f.EmailRecipientID,
		Code:             f.Code,
		Severity:         f.Severity,
		Message:          f.Message,
		CreatedAt:        f.CreatedAt,
	}
}

func failureModelToDomain(m *EmailRecipientFailureModel) *domain.EmailRecipientFailure {
	if m == nil {
		return nil
	}

	return &domain.EmailRecipientFailure{
		ID:               m.ID,
		EmailID:          m.EmailID,
		NewsletterID:     m.NewsletterID,
		MemberID:         m.MemberID,
		EmailRecipientID: m.EmailRecipientID,
		Code:             m.Code,
		Severity:         m.Severity,
		Message:          m.Message,
		CreatedAt:        m.CreatedAt,
	}
}

func attemptModelFromDomain(a *domain.EmailBatchAttempt) *EmailBatchAttemptModel {
	if a == nil {
		return nil
	}

	return &EmailBatchAttemptModel{
		ID:            a.ID,
		BatchID:       a.BatchID,
		AttemptNumber: a.AttemptNumber,
		Outcome:       a.Outcome,
		StatusCode:    a.StatusCode,
		ProviderID:    a.ProviderID,
		Error:         a.Error,
		CreatedAt:     a.CreatedAt,
	}
}

func attemptModelToDomain(m *EmailBatchAttemptModel) *domain.EmailBatchAttempt {
	if m == nil {
		return nil
	}

	return &domain.EmailBatchAttempt{
		ID:            m.ID,
		BatchID:       m.BatchID,
		AttemptNumber: m.AttemptNumber,
		Outcome:       m.Outcome,
		StatusCode:    m.StatusCode,
		ProviderID:    m.ProviderID,
		Error:         m.Error,
		CreatedAt:     m.CreatedAt,
	}
}
