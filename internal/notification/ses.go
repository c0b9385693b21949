package notification

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"
)

// sesAPI is the slice of the SES v2 client the provider uses.
type sesAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESProvider sends mail through AWS SES v2.
type SESProvider struct {
	client sesAPI
	from   string
	logger *zap.Logger
}

// NewSESProvider loads the default AWS credential chain for region. A
// provider whose configuration fails to load reports IsConfigured false.
func NewSESProvider(ctx context.Context, region, from string, logger *zap.Logger) *SESProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		logger.Warn("Failed to load AWS config, SES provider unavailable", zap.Error(err))
		return &SESProvider{from: from, logger: logger}
	}
	return NewSESProviderWithClient(sesv2.NewFromConfig(cfg), from, logger)
}

// NewSESProviderWithClient wraps an existing SES client.
func NewSESProviderWithClient(client sesAPI, from string, logger *zap.Logger) *SESProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SESProvider{client: client, from: from, logger: logger}
}

func (p *SESProvider) Name() string { return "ses" }

func (p *SESProvider) IsConfigured() bool { return p.client != nil && p.from != "" }

func (p *SESProvider) SendEmail(ctx context.Context, to, subject, htmlBody string) error {
	if !p.IsConfigured() {
		return fmt.Errorf("ses provider not configured")
	}
	out, err := p.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(p.from),
		Destination:      &types.Destination{ToAddresses: []string{to}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(htmlBody), Charset: aws.String("UTF-8")},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ses send: %w", err)
	}
	p.logger.Info("Email sent via SES",
		zap.String("message_id", aws.ToString(out.MessageId)),
		zap.String("to", to),
	)
	return nil
}
