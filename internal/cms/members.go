package cms

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/newsletter-engine/internal/domain"
)

const defaultTimeout = 15 * time.Second

type MembersConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type membersResponse struct {
	Members []memberPayload `json:"members"`
}

type memberPayload struct {
	ID     string `json:"id"`
	UUID   string `json:"uuid"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

type errorResponse struct {
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// MembersClient reads subscribed members of a newsletter from the CMS members
// API. The filter expression is evaluated by the CMS.
type MembersClient struct {
	client *resty.Client
}

func NewMembersClient(cfg MembersConfig) (*MembersClient, error) {
	client := resty.New()
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client.SetTimeout(timeout)

	return NewMembersClientWithClient(cfg, client)
}

func NewMembersClientWithClient(cfg MembersConfig, client *resty.Client) (*MembersClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("cms members url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid cms members url: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	client.SetBaseURL(baseURL)
	client.SetRetryCount(2)
	client.SetRetryWaitTime(200 * time.Millisecond)
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err != nil || r.StatusCode() >= http.StatusInternalServerError
	})
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	return &MembersClient{client: client}, nil
}

// ListMembers returns up to limit members with an id greater than afterID,
// ordered by id.
func (c *MembersClient) ListMembers(
	ctx context.Context,
	newsletterID string,
	filter string,
	afterID string,
	limit int,
) ([]domain.Member, error) {
	params := map[string]string{
		"newsletter": newsletterID,
		"limit":      strconv.Itoa(limit),
		"order":      "id asc",
	}
	if filter != "" {
		params["filter"] = filter
	}
	if afterID != "" {
		params["after"] = afterID
	}

	var body membersResponse
	var failure errorResponse
	response, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&body).
		SetError(&failure).
		Get("/members")
	if err != nil {
		return nil, fmt.Errorf("members request failed: %w", err)
	}

	switch status := response.StatusCode(); {
	case status == http.StatusBadRequest:
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidFilter, failure.message(response.String()))
	case status == http.StatusNotFound:
		return nil, fmt.Errorf("%w: newsletter %s", domain.ErrNotFound, newsletterID)
	case status < http.StatusOK || status >= http.StatusMultipleChoices:
		return nil, fmt.Errorf("members request returned status %d: %s", status, failure.message(response.String()))
	}

	members := make([]domain.Member, 0, len(body.Members))
	for _, m := range body.Members {
		members = append(members, domain.Member{
			ID:     m.ID,
			UUID:   m.UUID,
			Email:  m.Email,
			Name:   m.Name,
			Status: m.Status,
		})
	}
	return members, nil
}

func (e errorResponse) message(fallback string) string {
	if len(e.Errors) > 0 && e.Errors[0].Message != "" {
		return e.Errors[0].Message
	}
	return strings.TrimSpace(fallback)
}
