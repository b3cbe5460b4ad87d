package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/newsletter-engine/internal/render"
)

const (
	defaultMailgunBaseURL = "https://api.mailgun.net"
	defaultMailgunTimeout = 30 * time.Second
	mailgunMaxBatchSize   = 1000
	mailgunMaxTags        = 3
	// mailgunHTMLSuffix names the escaped copy of a variable used in the HTML body.
	mailgunHTMLSuffix = "_html"
)

type MailgunConfig struct {
	BaseURL string
	Domain  string
	APIKey  string
	Timeout time.Duration
}

type mailgunSendResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

type mailgunEventsResponse struct {
	Items []struct {
		Event   string `json:"event"`
		Message struct {
			Headers struct {
				MessageID string `json:"message-id"`
			} `json:"headers"`
		} `json:"message"`
	} `json:"items"`
}

// MailgunProvider sends batches through the Mailgun messages API using
// recipient variables for personalization.
type MailgunProvider struct {
	client *resty.Client
	domain string
}

func NewMailgunProvider(cfg MailgunConfig) (*MailgunProvider, error) {
	client := resty.New()
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultMailgunTimeout
	}
	client.SetTimeout(timeout)

	return NewMailgunProviderWithClient(cfg, client)
}

func NewMailgunProviderWithClient(cfg MailgunConfig, client *resty.Client) (*MailgunProvider, error) {
	domain := strings.TrimSpace(cfg.Domain)
	if domain == "" {
		return nil, fmt.Errorf("mailgun domain is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("mailgun api key is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultMailgunBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid mailgun base url: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultMailgunTimeout)
	}
	client.SetRetryCount(0)
	client.SetBaseURL(baseURL)
	client.SetBasicAuth("api", cfg.APIKey)

	return &MailgunProvider{
		client: client,
		domain: domain,
	}, nil
}

func (p *MailgunProvider) Name() string { return "mailgun" }

func (p *MailgunProvider) MaxBatchSize() int { return mailgunMaxBatchSize }

func (p *MailgunProvider) MergeTag(key string) string {
	return "%recipient." + key + "%"
}

func (p *MailgunProvider) Send(ctx context.Context, msg BulkMessage) (*SendResult, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if len(msg.Recipients) > mailgunMaxBatchSize {
		return nil, &ProviderError{Message: fmt.Sprintf("batch of %d exceeds mailgun limit %d", len(msg.Recipients), mailgunMaxBatchSize)}
	}

	valid, rejected := splitValidRecipients(msg.Recipients)
	if len(valid) == 0 {
		return &SendResult{Recipients: rejected}, nil
	}

	variables := make(map[string]map[string]string, len(valid))
	form := url.Values{}
	form.Set("from", msg.From)
	form.Set("subject", msg.Subject)
	form.Set("html", p.escapedPlaceholders(msg.HTML, valid))
	if msg.Text != "" {
		form.Set("text", msg.Text)
	}
	if msg.ReplyTo != "" {
		form.Set("h:Reply-To", msg.ReplyTo)
	}
	if msg.TrackOpens {
		form.Set("o:tracking-opens", "yes")
	} else {
		form.Set("o:tracking-opens", "no")
	}
	if msg.Token != "" {
		form.Set("v:batch-token", msg.Token)
		form.Add("o:tag", msg.Token)
	}
	for i, tag := range msg.Tags {
		if i+1 >= mailgunMaxTags {
			break
		}
		form.Add("o:tag", tag)
	}
	for _, r := range valid {
		form.Add("to", formatAddress(r.Name, r.Email))
		vars := make(map[string]string, 2*len(r.Variables)+1)
		for k, v := range r.Variables {
			vars[k] = v
			vars[k+mailgunHTMLSuffix] = html.EscapeString(v)
		}
		vars["recipient_id"] = r.ID
		variables[r.Email] = vars
	}

	encoded, err := json.Marshal(variables)
	if err != nil {
		return nil, fmt.Errorf("failed to encode recipient variables: %w", err)
	}
	form.Set("recipient-variables", string(encoded))

	var body mailgunSendResponse
	response, err := p.client.R().
		SetContext(ctx).
		SetFormDataFromValues(form).
		SetResult(&body).
		Post("/v3/" + p.domain + "/messages")
	if err != nil {
		return nil, transportError(err)
	}
	if response == nil {
		return nil, &ProviderError{Message: "provider returned empty response", Unknown: true}
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return &SendResult{
			ProviderID: strings.Trim(body.ID, "<>"),
			StatusCode: statusCode,
			Recipients: rejected,
		}, nil
	}

	return nil, statusError(statusCode, strings.TrimSpace(response.String()))
}

// escapedPlaceholders points the placeholders of body at the HTML-escaped
// copies of the recipient variables. Mailgun substitutes values verbatim, and
// the subject and text parts keep the raw ones.
func (p *MailgunProvider) escapedPlaceholders(body string, recipients []Recipient) string {
	escaped := make(map[string]string)
	for _, r := range recipients {
		for k := range r.Variables {
			escaped[k] = p.MergeTag(k + mailgunHTMLSuffix)
		}
	}
	return render.Personalize(body, escaped, p.MergeTag)
}

// Verify looks for an accepted event tagged with token.
func (p *MailgunProvider) Verify(ctx context.Context, token string) (*VerifyResult, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}

	var body mailgunEventsResponse
	response, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"event": "accepted",
			"tags":  token,
			"limit": "1",
		}).
		SetResult(&body).
		Get("/v3/" + p.domain + "/events")
	if err != nil {
		return nil, transportError(err)
	}

	statusCode := response.StatusCode()
	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		return nil, statusError(statusCode, strings.TrimSpace(response.String()))
	}

	if len(body.Items) == 0 {
		return &VerifyResult{Status: VerifyNotFound}, nil
	}

	return &VerifyResult{
		Status:     VerifyAccepted,
		ProviderID: body.Items[0].Message.Headers.MessageID,
	}, nil
}
