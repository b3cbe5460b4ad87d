package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/newsletter-engine/internal/domain"
	"github.com/kursadbilgin/newsletter-engine/internal/repository"
	"github.com/kursadbilgin/newsletter-engine/internal/service"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

type EmailService interface {
	CreateEmailForPost(ctx context.Context, cmd service.CreateEmailCommand) (*domain.Email, error)
	Get(ctx context.Context, emailID string) (*domain.Email, error)
	List(ctx context.Context, params repository.ListParams) ([]domain.Email, int64, error)
	ListBatches(ctx context.Context, emailID string) ([]domain.EmailBatch, error)
	ListFailures(ctx context.Context, emailID string, page, pageSize int) ([]domain.EmailRecipient, int64, []domain.EmailRecipientFailure, error)
	ListAttempts(ctx context.Context, batchID string) ([]domain.EmailBatchAttempt, error)
	RetryFailedBatches(ctx context.Context, emailID string) (int64, error)
	Resend(ctx context.Context, emailID string) (*domain.Email, error)
	Cancel(ctx context.Context, emailID string) (*domain.Email, error)
}

type EmailHandler struct {
	service EmailService
}

func NewEmailHandler(service EmailService) (*EmailHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("email service is required")
	}
	return &EmailHandler{service: service}, nil
}

func RegisterEmailRoutes(router fiber.Router, service EmailService) error {
	h, err := NewEmailHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/emails", h.CreateEmail)
	v1.Get("/emails", h.ListEmails)
	v1.Get("/emails/:id", h.GetEmail)
	v1.Get("/emails/:id/batches", h.ListBatches)
	v1.Get("/emails/:id/failures", h.ListFailures)
	v1.Post("/emails/:id/retry", h.RetryEmail)
	v1.Post("/emails/:id/resend", h.ResendEmail)
	v1.Post("/emails/:id/cancel", h.CancelEmail)
	v1.Get("/batches/:batchId/attempts", h.ListAttempts)

	return nil
}

type postRequest struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	URL          string  `json:"url"`
	Content      string  `json:"content"`
	Format       string  `json:"format"`
	EmailSubject string  `json:"emailSubject"`
	PublishedAt  *string `json:"publishedAt"`
}

type newsletterRequest struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Slug            string `json:"slug"`
	SenderName      string `json:"senderName"`
	SenderEmail     string `json:"senderEmail"`
	ReplyTo         string `json:"replyTo"`
	RecipientFilter string `json:"recipientFilter"`
	FeedbackEnabled bool   `json:"feedbackEnabled"`
}

type createEmailRequest struct {
	Post            postRequest       `json:"post"`
	Newsletter      newsletterRequest `json:"newsletter"`
	RecipientFilter *string           `json:"recipientFilter,omitempty"`
	ScheduledAt     *string           `json:"scheduledAt,omitempty"`
}

type emailResponse struct {
	ID              string     `json:"id"`
	PostID          string     `json:"postId"`
	NewsletterID    string     `json:"newsletterId"`
	Status          string     `json:"status"`
	Subject         string     `json:"subject"`
	RecipientFilter string     `json:"recipientFilter"`
	EmailCount      int        `json:"emailCount"`
	FailedCount     int        `json:"failedCount"`
	Error           *string    `json:"error,omitempty"`
	ScheduledAt     *time.Time `json:"scheduledAt,omitempty"`
	SubmittedAt     *time.Time `json:"submittedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt,omitempty"`
}

type batchResponse struct {
	ID             string     `json:"id"`
	EmailID        string     `json:"emailId"`
	Sequence       int        `json:"sequence"`
	Status         string     `json:"status"`
	RecipientCount int        `json:"recipientCount"`
	AttemptCount   int        `json:"attemptCount"`
	MaxAttempts    int        `json:"maxAttempts"`
	Permanent      bool       `json:"permanent"`
	ProviderID     *string    `json:"providerId,omitempty"`
	Error          *string    `json:"error,omitempty"`
	NextRetryAt    *time.Time `json:"nextRetryAt,omitempty"`
	ProcessedAt    *time.Time `json:"processedAt,omitempty"`
}

type failedRecipientResponse struct {
	ID             string  `json:"id"`
	BatchID        string  `json:"batchId"`
	MemberID       string  `json:"memberId"`
	MemberEmail    string  `json:"memberEmail"`
	FailureMessage *string `json:"failureMessage,omitempty"`
}

type failureResponse struct {
	MemberID string `json:"memberId"`
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

type attemptResponse struct {
	AttemptNumber int       `json:"attemptNumber"`
	Outcome       string    `json:"outcome"`
	StatusCode    *int      `json:"statusCode,omitempty"`
	ProviderID    *string   `json:"providerId,omitempty"`
	Error         *string   `json:"error,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type listEmailsResponse struct {
	Data []emailResponse `json:"data"`
	Meta listMeta        `json:"meta"`
}

type listFailuresResponse struct {
	Recipients []failedRecipientResponse `json:"recipients"`
	Failures   []failureResponse         `json:"failures"`
	Meta       listMeta                  `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

func (h *EmailHandler) CreateEmail(c *fiber.Ctx) error {
	var req createEmailRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	cmd, err := requestToCommand(req)
	if err != nil {
		return err
	}

	email, err := h.service.CreateEmailForPost(c.UserContext(), cmd)
	if err != nil {
		if email != nil && errors.Is(err, domain.ErrEmptyRecipientList) {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
				"error": err.Error(),
				"email": toEmailResponse(email),
			})
		}
		return err
	}

	return c.Status(fiber.StatusAccepted).JSON(toEmailResponse(email))
}

func (h *EmailHandler) GetEmail(c *fiber.Ctx) error {
	email, err := h.service.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(toEmailResponse(email))
}

func (h *EmailHandler) ListEmails(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return err
	}

	emails, total, err := h.service.List(c.UserContext(), params)
	if err != nil {
		return err
	}

	data := make([]emailResponse, 0, len(emails))
	for i := range emails {
		data = append(data, toEmailResponse(&emails[i]))
	}

	return c.Status(fiber.StatusOK).JSON(listEmailsResponse{
		Data: data,
		Meta: listMeta{Page: params.Page, PageSize: params.PageSize, Total: total},
	})
}

func (h *EmailHandler) ListBatches(c *fiber.Ctx) error {
	batches, err := h.service.ListBatches(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}

	data := make([]batchResponse, 0, len(batches))
	for _, b := range batches {
		data = append(data, batchResponse{
			ID:             b.ID,
			EmailID:        b.EmailID,
			Sequence:       b.Sequence,
			Status:         b.Status.String(),
			RecipientCount: b.RecipientCount,
			AttemptCount:   b.AttemptCount,
			MaxAttempts:    b.MaxAttempts,
			Permanent:      b.Permanent,
			ProviderID:     b.ProviderID,
			Error:          b.Error,
			NextRetryAt:    b.NextRetryAt,
			ProcessedAt:    b.ProcessedAt,
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"data": data})
}

func (h *EmailHandler) ListFailures(c *fiber.Ctx) error {
	page, pageSize, err := parsePage(c)
	if err != nil {
		return err
	}

	recipients, total, failures, err := h.service.ListFailures(c.UserContext(), c.Params("id"), page, pageSize)
	if err != nil {
		return err
	}

	resp := listFailuresResponse{
		Recipients: make([]failedRecipientResponse, 0, len(recipients)),
		Failures:   make([]failureResponse, 0, len(failures)),
		Meta:       listMeta{Page: page, PageSize: pageSize, Total: total},
	}
	for _, r := range recipients {
		resp.Recipients = append(resp.Recipients, failedRecipientResponse{
			ID:             r.ID,
			BatchID:        r.BatchID,
			MemberID:       r.MemberID,
			MemberEmail:    r.MemberEmail,
			FailureMessage: r.FailureMessage,
		})
	}
	for _, f := range failures {
		resp.Failures = append(resp.Failures, failureResponse{
			MemberID: f.MemberID,
			Code:     f.Code,
			Severity: f.Severity.String(),
			Message:  f.Message,
		})
	}

	return c.Status(fiber.StatusOK).JSON(resp)
}

func (h *EmailHandler) ListAttempts(c *fiber.Ctx) error {
	attempts, err := h.service.ListAttempts(c.UserContext(), c.Params("batchId"))
	if err != nil {
		return err
	}

	data := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		data = append(data, attemptResponse{
			AttemptNumber: a.AttemptNumber,
			Outcome:       a.Outcome.String(),
			StatusCode:    a.StatusCode,
			ProviderID:    a.ProviderID,
			Error:         a.Error,
			CreatedAt:     a.CreatedAt,
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"data": data})
}

func (h *EmailHandler) RetryEmail(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	reset, err := h.service.RetryFailedBatches(c.UserContext(), id)
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"emailId":      id,
		"batchesReset": reset,
	})
}

func (h *EmailHandler) ResendEmail(c *fiber.Ctx) error {
	email, err := h.service.Resend(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(toEmailResponse(email))
}

func (h *EmailHandler) CancelEmail(c *fiber.Ctx) error {
	email, err := h.service.Cancel(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(toEmailResponse(email))
}

func parsePage(c *fiber.Ctx) (int, int, error) {
	page := c.QueryInt("page", defaultPage)
	pageSize := c.QueryInt("pageSize", defaultPageSize)

	if page < 1 {
		return 0, 0, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if pageSize < 1 || pageSize > maxPageSize {
		return 0, 0, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}
	return page, pageSize, nil
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	page, pageSize, err := parsePage(c)
	if err != nil {
		return repository.ListParams{}, err
	}
	params := repository.ListParams{Page: page, PageSize: pageSize}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseEmailStatusFromString(rawStatus)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Status = &status
	}

	if newsletterID := strings.TrimSpace(c.Query("newsletterId")); newsletterID != "" {
		params.NewsletterID = &newsletterID
	}

	return params, nil
}

func parseRFC3339(value *string, field string) (*time.Time, error) {
	if value == nil || strings.TrimSpace(*value) == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, strings.TrimSpace(*value))
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}

func requestToCommand(req createEmailRequest) (service.CreateEmailCommand, error) {
	format, err := domain.ParseSourceFormatFromString(req.Post.Format)
	if err != nil {
		return service.CreateEmailCommand{}, err
	}

	publishedAt, err := parseRFC3339(req.Post.PublishedAt, "post.publishedAt")
	if err != nil {
		return service.CreateEmailCommand{}, err
	}
	scheduledAt, err := parseRFC3339(req.ScheduledAt, "scheduledAt")
	if err != nil {
		return service.CreateEmailCommand{}, err
	}

	return service.CreateEmailCommand{
		Post: domain.Post{
			ID:           strings.TrimSpace(req.Post.ID),
			Title:        strings.TrimSpace(req.Post.Title),
			URL:          strings.TrimSpace(req.Post.URL),
			Content:      req.Post.Content,
			Format:       format,
			EmailSubject: req.Post.EmailSubject,
			PublishedAt:  publishedAt,
		},
		Newsletter: domain.Newsletter{
			ID:              strings.TrimSpace(req.Newsletter.ID),
			Name:            req.Newsletter.Name,
			Slug:            strings.TrimSpace(req.Newsletter.Slug),
			SenderName:      req.Newsletter.SenderName,
			SenderEmail:     req.Newsletter.SenderEmail,
			ReplyTo:         req.Newsletter.ReplyTo,
			RecipientFilter: strings.TrimSpace(req.Newsletter.RecipientFilter),
			FeedbackEnabled: req.Newsletter.FeedbackEnabled,
		},
		RecipientFilter: req.RecipientFilter,
		ScheduledAt:     scheduledAt,
	}, nil
}

func toEmailResponse(e *domain.Email) emailResponse {
	if e == nil {
		return emailResponse{}
	}

	return emailResponse{
		ID:              e.ID,
		PostID:          e.PostID,
		NewsletterID:    e.NewsletterID,
		Status:          e.Status.String(),
		Subject:         e.Subject,
		RecipientFilter: e.RecipientFilter,
		EmailCount:      e.EmailCount,
		FailedCount:     e.FailedCount,
		Error:           e.Error,
		ScheduledAt:     e.ScheduledAt,
		SubmittedAt:     e.SubmittedAt,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}
}
