package provider

import (
	"context"
	"fmt"
	"strings"
)

type Settings struct {
	Name    string
	Mailgun MailgunConfig
	SES     SESConfig
	Resend  ResendConfig
}

// New builds the provider selected by settings.Name.
func New(ctx context.Context, settings Settings) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(settings.Name)) {
	case "mailgun":
		return NewMailgunProvider(settings.Mailgun)
	case "ses":
		return NewSESProvider(ctx, settings.SES)
	case "resend":
		return NewResendProvider(settings.Resend)
	default:
		return nil, fmt.Errorf("unsupported provider %q", settings.Name)
	}
}
