package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/newsletter-engine/internal/domain"
	"github.com/kursadbilgin/newsletter-engine/internal/repository"
	"github.com/kursadbilgin/newsletter-engine/internal/service"
	"github.com/kursadbilgin/newsletter-engine/internal/transport"
	"go.uber.org/zap"
)

const validCreateBody = `{
	"post": {"id":"post-1","title":"Spring issue","content":"<p>hi</p>","format":"html","publishedAt":"2026-03-01T09:00:00Z"},
	"newsletter": {"id":"nl-1","name":"Weekly","slug":"weekly","senderName":"The Weekly","senderEmail":"news@example.com","recipientFilter":"status:free"}
}`

func TestEmailHandler_CreateEmail(t *testing.T) {
	t.Parallel()

	var got service.CreateEmailCommand
	svc := &stubEmailService{
		createFn: func(ctx context.Context, cmd service.CreateEmailCommand) (*domain.Email, error) {
			got = cmd
			return &domain.Email{ID: "e-1", PostID: cmd.Post.ID, NewsletterID: cmd.Newsletter.ID, Status: domain.EmailStatusSubmitting, EmailCount: 3}, nil
		},
	}
	app := newEmailTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodPost, "/v1/emails", validCreateBody)
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", resp.StatusCode, string(body))
	}

	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed["id"] != "e-1" || parsed["status"] != "submitting" || parsed["emailCount"] != float64(3) {
		t.Fatalf("response = %v", parsed)
	}

	if got.Post.Format != domain.SourceFormatHTML {
		t.Fatalf("format = %s", got.Post.Format)
	}
	if got.Post.PublishedAt == nil || !got.Post.PublishedAt.Equal(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("publishedAt = %v", got.Post.PublishedAt)
	}
	if got.Newsletter.RecipientFilter != "status:free" || got.RecipientFilter != nil {
		t.Fatalf("filters = %q / %v", got.Newsletter.RecipientFilter, got.RecipientFilter)
	}
}

func TestEmailHandler_CreateEmailErrors(t *testing.T) {
	t.Parallel()

	svc := &stubEmailService{
		createFn: func(ctx context.Context, cmd service.CreateEmailCommand) (*domain.Email, error) {
			if cmd.Post.ID == "empty" {
				return &domain.Email{ID: "e-empty", Status: domain.EmailStatusFailed}, domain.ErrEmptyRecipientList
			}
			if err := cmd.Newsletter.Validate(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("member source unavailable")
		},
	}
	app := newEmailTestApp(t, svc)

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "malformed json", body: `{"post":`, want: fiber.StatusBadRequest},
		{name: "bad format", body: `{"post":{"id":"p","format":"lexical"},"newsletter":{"id":"nl"}}`, want: fiber.StatusBadRequest},
		{name: "bad scheduledAt", body: `{"post":{"id":"p"},"newsletter":{"id":"nl"},"scheduledAt":"tomorrow"}`, want: fiber.StatusBadRequest},
		{name: "invalid newsletter", body: `{"post":{"id":"p"},"newsletter":{"id":"nl"}}`, want: fiber.StatusBadRequest},
		{name: "empty audience", body: `{"post":{"id":"empty"},"newsletter":{"id":"nl"}}`, want: fiber.StatusUnprocessableEntity},
		{name: "internal", body: validCreateBody, want: fiber.StatusInternalServerError},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resp, body := performRequest(t, app, http.MethodPost, "/v1/emails", tt.body)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d, body=%s", resp.StatusCode, tt.want, string(body))
			}
		})
	}
}

func TestEmailHandler_GetAndList(t *testing.T) {
	t.Parallel()

	var gotParams repository.ListParams
	svc := &stubEmailService{
		getFn: func(ctx context.Context, id string) (*domain.Email, error) {
			if id == "e-1" {
				return &domain.Email{ID: "e-1", Status: domain.EmailStatusPartial, FailedCount: 2}, nil
			}
			return nil, domain.ErrNotFound
		},
		listFn: func(ctx context.Context, params repository.ListParams) ([]domain.Email, int64, error) {
			gotParams = params
			return []domain.Email{{ID: "e-1", Status: domain.EmailStatusSubmitted}}, 7, nil
		},
	}
	app := newEmailTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodGet, "/v1/emails/e-1", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	resp, _ = performRequest(t, app, http.MethodGet, "/v1/emails/missing", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	resp, body = performRequest(t, app, http.MethodGet, "/v1/emails?page=2&pageSize=10&status=submitted&newsletterId=nl-1", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	if gotParams.Page != 2 || gotParams.PageSize != 10 {
		t.Fatalf("params = %+v", gotParams)
	}
	if gotParams.Status == nil || *gotParams.Status != domain.EmailStatusSubmitted {
		t.Fatalf("status filter = %v", gotParams.Status)
	}
	if gotParams.NewsletterID == nil || *gotParams.NewsletterID != "nl-1" {
		t.Fatalf("newsletter filter = %v", gotParams.NewsletterID)
	}

	var parsed listEmailsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed.Meta.Total != 7 || len(parsed.Data) != 1 {
		t.Fatalf("response = %+v", parsed)
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/emails?pageSize=500", "")
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for oversized page", resp.StatusCode)
	}
	resp, _ = performRequest(t, app, http.MethodGet, "/v1/emails?status=sent", "")
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for unknown status", resp.StatusCode)
	}
}

func TestEmailHandler_BatchesFailuresAttempts(t *testing.T) {
	t.Parallel()

	msg := "550: unknown user"
	code := 200
	svc := &stubEmailService{
		listBatchesFn: func(ctx context.Context, id string) ([]domain.EmailBatch, error) {
			return []domain.EmailBatch{{ID: "b-1", EmailID: id, Sequence: 1, Status: domain.BatchStatusSubmitted, RecipientCount: 1000}}, nil
		},
		listFailuresFn: func(ctx context.Context, id string, page, pageSize int) ([]domain.EmailRecipient, int64, []domain.EmailRecipientFailure, error) {
			return []domain.EmailRecipient{{ID: "r-1", BatchID: "b-1", MemberID: "m-1", MemberEmail: "a@example.com", FailureMessage: &msg}},
				1,
				[]domain.EmailRecipientFailure{{MemberID: "m-1", Code: "550", Severity: domain.FailureSeverityPermanent, Message: "unknown user"}},
				nil
		},
		listAttemptsFn: func(ctx context.Context, batchID string) ([]domain.EmailBatchAttempt, error) {
			if batchID != "b-1" {
				return nil, domain.ErrNotFound
			}
			return []domain.EmailBatchAttempt{{BatchID: "b-1", AttemptNumber: 1, Outcome: domain.AttemptOutcomeAccepted, StatusCode: &code}}, nil
		},
	}
	app := newEmailTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodGet, "/v1/emails/e-1/batches", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("batches status = %d, body=%s", resp.StatusCode, string(body))
	}

	resp, body = performRequest(t, app, http.MethodGet, "/v1/emails/e-1/failures", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("failures status = %d, body=%s", resp.StatusCode, string(body))
	}
	var failures listFailuresResponse
	if err := json.Unmarshal(body, &failures); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if len(failures.Recipients) != 1 || len(failures.Failures) != 1 || failures.Failures[0].Severity != "permanent" {
		t.Fatalf("failures = %+v", failures)
	}

	resp, body = performRequest(t, app, http.MethodGet, "/v1/batches/b-1/attempts", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("attempts status = %d, body=%s", resp.StatusCode, string(body))
	}
	resp, _ = performRequest(t, app, http.MethodGet, "/v1/batches/b-2/attempts", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("attempts status = %d, want 404", resp.StatusCode)
	}
}

func TestEmailHandler_OpsCommands(t *testing.T) {
	t.Parallel()

	svc := &stubEmailService{
		retryFn: func(ctx context.Context, id string) (int64, error) {
			if id == "cancelled" {
				return 0, fmt.Errorf("%w: email is cancelled", domain.ErrConflict)
			}
			return 2, nil
		},
		resendFn: func(ctx context.Context, id string) (*domain.Email, error) {
			return &domain.Email{ID: id, Status: domain.EmailStatusSubmitting}, nil
		},
		cancelFn: func(ctx context.Context, id string) (*domain.Email, error) {
			return &domain.Email{ID: id, Status: domain.EmailStatusCancelled}, nil
		},
	}
	app := newEmailTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodPost, "/v1/emails/e-1/retry", "")
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("retry status = %d, body=%s", resp.StatusCode, string(body))
	}
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed["batchesReset"] != float64(2) {
		t.Fatalf("batchesReset = %v, want 2", parsed["batchesReset"])
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/emails/cancelled/retry", "")
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("retry status = %d, want 409", resp.StatusCode)
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/emails/e-1/resend", "")
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("resend status = %d, want 202", resp.StatusCode)
	}

	resp, body = performRequest(t, app, http.MethodPost, "/v1/emails/e-1/cancel", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("cancel status = %d, want 200", resp.StatusCode)
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed["status"] != "cancelled" {
		t.Fatalf("status = %v, want cancelled", parsed["status"])
	}
}

type stubEmailService struct {
	createFn       func(ctx context.Context, cmd service.CreateEmailCommand) (*domain.Email, error)
	getFn          func(ctx context.Context, id string) (*domain.Email, error)
	listFn         func(ctx context.Context, params repository.ListParams) ([]domain.Email, int64, error)
	listBatchesFn  func(ctx context.Context, id string) ([]domain.EmailBatch, error)
	listFailuresFn func(ctx context.Context, id string, page, pageSize int) ([]domain.EmailRecipient, int64, []domain.EmailRecipientFailure, error)
	listAttemptsFn func(ctx context.Context, batchID string) ([]domain.EmailBatchAttempt, error)
	retryFn        func(ctx context.Context, id string) (int64, error)
	resendFn       func(ctx context.Context, id string) (*domain.Email, error)
	cancelFn       func(ctx context.Context, id string) (*domain.Email, error)
}

func (s *stubEmailService) CreateEmailForPost(ctx context.Context, cmd service.CreateEmailCommand) (*domain.Email, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return nil, fmt.Errorf("not implemented")
}

func (s *stubEmailService) Get(ctx context.Context, id string) (*domain.Email, error) {
	if s.getFn != nil {
		return s.getFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (s *stubEmailService) List(ctx context.Context, params repository.ListParams) ([]domain.Email, int64, error) {
	if s.listFn != nil {
		return s.listFn(ctx, params)
	}
	return nil, 0, nil
}

func (s *stubEmailService) ListBatches(ctx context.Context, id string) ([]domain.EmailBatch, error) {
	if s.listBatchesFn != nil {
		return s.listBatchesFn(ctx, id)
	}
	return nil, nil
}

func (s *stubEmailService) ListFailures(ctx context.Context, id string, page, pageSize int) ([]domain.EmailRecipient, int64, []domain.EmailRecipientFailure, error) {
	if s.listFailuresFn != nil {
		return s.listFailuresFn(ctx, id, page, pageSize)
	}
	return nil, 0, nil, nil
}

func (s *stubEmailService) ListAttempts(ctx context.Context, batchID string) ([]domain.EmailBatchAttempt, error) {
	if s.listAttemptsFn != nil {
		return s.listAttemptsFn(ctx, batchID)
	}
	return nil, nil
}

func (s *stubEmailService) RetryFailedBatches(ctx context.Context, id string) (int64, error) {
	if s.retryFn != nil {
		return s.retryFn(ctx, id)
	}
	return 0, nil
}

func (s *stubEmailService) Resend(ctx context.Context, id string) (*domain.Email, error) {
	if s.resendFn != nil {
		return s.resendFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (s *stubEmailService) Cancel(ctx context.Context, id string) (*domain.Email, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func newEmailTestApp(t *testing.T, svc EmailService) *fiber.App {
	t.Helper()

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(zap.NewNop()),
	})

	if err := RegisterEmailRoutes(app, svc); err != nil {
		t.Fatalf("RegisterEmailRoutes() error = %v", err)
	}

	return app
}

func performRequest(t *testing.T, app *fiber.App, method string, path string, body string) (*http.Response, []byte) {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	_ = resp.Body.Close()

	return resp, respBody
}
