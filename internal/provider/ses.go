package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
)

const sesMaxBatchSize = 50

type SESConfig struct {
	Region           string
	AccessKeyID      string
	SecretAccessKey  string
	ConfigurationSet string
}

// sesAPI is the subset of the SES v2 client used for bulk sends.
type sesAPI interface {
	SendBulkEmail(ctx context.Context, params *sesv2.SendBulkEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendBulkEmailOutput, error)
}

// SESProvider sends batches through SES SendBulkEmail with inline templates.
type SESProvider struct {
	client           sesAPI
	configurationSet string
}

func NewSESProvider(ctx context.Context, cfg SESConfig) (*SESProvider, error) {
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := sesv2.NewFromConfig(awsCfg, func(o *sesv2.Options) {
		// A resent bulk call would duplicate mail; the sending service retries.
		o.RetryMaxAttempts = 1
	})

	return NewSESProviderWithClient(client, cfg.ConfigurationSet), nil
}

func NewSESProviderWithClient(client sesAPI, configurationSet string) *SESProvider {
	return &SESProvider{client: client, configurationSet: strings.TrimSpace(configurationSet)}
}

func (p *SESProvider) Name() string { return "ses" }

func (p *SESProvider) MaxBatchSize() int { return sesMaxBatchSize }

func (p *SESProvider) MergeTag(key string) string {
	return "{{" + key + "}}"
}

func (p *SESProvider) Send(ctx context.Context, msg BulkMessage) (*SendResult, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if len(msg.Recipients) > sesMaxBatchSize {
		return nil, &ProviderError{Message: fmt.Sprintf("batch of %d exceeds ses limit %d", len(msg.Recipients), sesMaxBatchSize)}
	}

	valid, rejected := splitValidRecipients(msg.Recipients)
	if len(valid) == 0 {
		return &SendResult{Recipients: rejected}, nil
	}

	entries := make([]types.BulkEmailEntry, 0, len(valid))
	for _, r := range valid {
		data, err := json.Marshal(r.Variables)
		if err != nil {
			return nil, fmt.Errorf("failed to encode template data: %w", err)
		}
		entries = append(entries, types.BulkEmailEntry{
			Destination: &types.Destination{ToAddresses: []string{formatAddress(r.Name, r.Email)}},
			ReplacementEmailContent: &types.ReplacementEmailContent{
				ReplacementTemplate: &types.ReplacementTemplate{ReplacementTemplateData: aws.String(string(data))},
			},
		})
	}

	content := &types.EmailTemplateContent{
		Subject: aws.String(msg.Subject),
		Html:    aws.String(msg.HTML),
	}
	if msg.Text != "" {
		content.Text = aws.String(msg.Text)
	}

	input := &sesv2.SendBulkEmailInput{
		FromEmailAddress: aws.String(msg.From),
		DefaultContent: &types.BulkEmailContent{
			Template: &types.Template{
				TemplateContent: content,
				TemplateData:    aws.String("{}"),
			},
		},
		BulkEmailEntries: entries,
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	if p.configurationSet != "" {
		input.ConfigurationSetName = aws.String(p.configurationSet)
	}
	if msg.Token != "" {
		input.DefaultEmailTags = []types.MessageTag{{Name: aws.String("batch"), Value: aws.String(msg.Token)}}
	}

	output, err := p.client.SendBulkEmail(ctx, input)
	if err != nil {
		return nil, classifySESError(err)
	}

	result := &SendResult{Recipients: rejected}
	for i, entry := range output.BulkEmailEntryResults {
		if i >= len(valid) {
			break
		}
		status := string(entry.Status)
		if status == "SUCCESS" {
			if result.ProviderID == "" {
				result.ProviderID = aws.ToString(entry.MessageId)
			}
			continue
		}
		result.Recipients = append(result.Recipients, RecipientResult{
			RecipientID: valid[i].ID,
			Permanent:   !isTransientSESStatus(status),
			Code:        status,
			Reason:      aws.ToString(entry.Error),
		})
	}

	return result, nil
}

// Verify cannot look up earlier SendBulkEmail calls.
func (p *SESProvider) Verify(context.Context, string) (*VerifyResult, error) {
	return &VerifyResult{Status: VerifyUnverifiable}, nil
}

func isTransientSESStatus(status string) bool {
	switch status {
	case "TRANSIENT_FAILURE", "FAILED", "ACCOUNT_DAILY_QUOTA_EXCEEDED", "MAX_SENDING_RATE_EXCEEDED", "ACCOUNT_THROTTLED":
		return true
	}
	return false
}

func classifySESError(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return transportError(err)
	}

	pe := &ProviderError{Message: apiErr.ErrorCode() + ": " + apiErr.ErrorMessage(), Cause: err}
	switch apiErr.ErrorCode() {
	case "TooManyRequestsException", "LimitExceededException", "SendingPausedException", "InternalFailure", "ServiceUnavailable":
		pe.Transient = true
	default:
		pe.Transient = apiErr.ErrorFault() == smithy.FaultServer
	}
	return pe
}
