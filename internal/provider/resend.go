package provider

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kursadbilgin/newsletter-engine/internal/render"
	"github.com/resend/resend-go/v2"
)

const (
	resendMaxBatchSize    = 100
	defaultResendTimeout  = 30 * time.Second
	resendMaxTagValueSize = 256
)

type ResendConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

type statusCodeKey struct{}

// statusRecorder stores the HTTP status of the response in the request
// context, since the client only surfaces rate limits as typed errors.
type statusRecorder struct {
	base http.RoundTripper
}

func (s statusRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := s.base.RoundTrip(req)
	if err == nil && resp != nil {
		if code, ok := req.Context().Value(statusCodeKey{}).(*int); ok {
			*code = resp.StatusCode
		}
	}
	return resp, err
}

// ResendProvider personalizes every message locally and submits the batch with
// an idempotency key, so a replay of the same token is deduplicated upstream.
type ResendProvider struct {
	client *resend.Client
}

func NewResendProvider(cfg ResendConfig) (*ResendProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("resend api key is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultResendTimeout
	}
	httpClient := &http.Client{
		Timeout:   timeout,
		Transport: statusRecorder{base: http.DefaultTransport},
	}

	client := resend.NewCustomClient(httpClient, cfg.APIKey)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		parsed, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("invalid resend base url: %w", err)
		}
		client.BaseURL = parsed
	}

	return &ResendProvider{client: client}, nil
}

func (p *ResendProvider) Name() string { return "resend" }

func (p *ResendProvider) MaxBatchSize() int { return resendMaxBatchSize }

// MergeTag returns a local placeholder that Send replaces per recipient.
func (p *ResendProvider) MergeTag(key string) string {
	return "{{" + key + "}}"
}

func (p *ResendProvider) Send(ctx context.Context, msg BulkMessage) (*SendResult, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if len(msg.Recipients) > resendMaxBatchSize {
		return nil, &ProviderError{Message: fmt.Sprintf("batch of %d exceeds resend limit %d", len(msg.Recipients), resendMaxBatchSize)}
	}

	valid, rejected := splitValidRecipients(msg.Recipients)
	if len(valid) == 0 {
		return &SendResult{Recipients: rejected}, nil
	}

	var tags []resend.Tag
	if msg.Token != "" && len(msg.Token) <= resendMaxTagValueSize {
		tags = append(tags, resend.Tag{Name: "batch", Value: msg.Token})
	}

	requests := make([]*resend.SendEmailRequest, 0, len(valid))
	for _, r := range valid {
		escaped := make(map[string]string, len(r.Variables))
		for k, v := range r.Variables {
			escaped[k] = html.EscapeString(v)
		}
		requests = append(requests, &resend.SendEmailRequest{
			From:    msg.From,
			To:      []string{formatAddress(r.Name, r.Email)},
			ReplyTo: msg.ReplyTo,
			Subject: render.Personalize(msg.Subject, r.Variables, p.MergeTag),
			Html:    render.Personalize(msg.HTML, escaped, p.MergeTag),
			Text:    render.Personalize(msg.Text, r.Variables, p.MergeTag),
			Tags:    tags,
		})
	}

	statusCode := new(int)
	callCtx := context.WithValue(ctx, statusCodeKey{}, statusCode)

	response, err := p.client.Batch.SendWithOptions(callCtx, requests, &resend.BatchSendEmailOptions{
		IdempotencyKey:  msg.Token,
		BatchValidation: resend.BatchValidationPermissive,
	})
	if err != nil {
		return nil, classifyResendError(err, *statusCode)
	}

	result := &SendResult{StatusCode: *statusCode, Recipients: rejected}
	if len(response.Data) > 0 {
		result.ProviderID = response.Data[0].Id
	}
	for _, batchErr := range response.Errors {
		if batchErr.Index < 0 || batchErr.Index >= len(valid) {
			continue
		}
		result.Recipients = append(result.Recipients, RecipientResult{
			RecipientID: valid[batchErr.Index].ID,
			Permanent:   true,
			Code:        "rejected",
			Reason:      batchErr.Message,
		})
	}

	return result, nil
}

// Verify reports that the batch can be replayed: the idempotency key makes a
// second submission of the same token a no-op upstream.
func (p *ResendProvider) Verify(context.Context, string) (*VerifyResult, error) {
	return &VerifyResult{Status: VerifyRetryable}, nil
}

func classifyResendError(err error, statusCode int) error {
	var rateLimitErr *resend.RateLimitError
	if errors.As(err, &rateLimitErr) {
		return &ProviderError{
			StatusCode: http.StatusTooManyRequests,
			Message:    rateLimitErr.Message,
			Transient:  true,
			Cause:      err,
		}
	}

	switch {
	case statusCode == 0:
		return transportError(err)
	case statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices:
		// Accepted upstream but the response could not be read.
		return &ProviderError{StatusCode: statusCode, Message: "unreadable provider response", Unknown: true, Cause: err}
	default:
		pe := statusError(statusCode, "")
		pe.Cause = err
		return pe
	}
}
