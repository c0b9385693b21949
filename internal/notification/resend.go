package notification

import (
	"context"
	"fmt"

	"github.com/resend/resend-go/v2"
	"go.uber.org/zap"
)

// ResendProvider sends mail through the Resend API.
type ResendProvider struct {
	client *resend.Client
	from   string
	logger *zap.Logger
}

// NewResendProvider creates a Resend provider. An empty apiKey leaves it
// unconfigured.
func NewResendProvider(apiKey, from string, logger *zap.Logger) *ResendProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &ResendProvider{from: from, logger: logger}
	if apiKey != "" {
		p.client = resend.NewClient(apiKey)
	}
	return p
}

func (p *ResendProvider) Name() string { return "resend" }

func (p *ResendProvider) IsConfigured() bool { return p.client != nil && p.from != "" }

func (p *ResendProvider) SendEmail(ctx context.Context, to, subject, htmlBody string) error {
	if !p.IsConfigured() {
		return fmt.Errorf("resend provider not configured")
	}
	sent, err := p.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    p.from,
		To:      []string{to},
		Subject: subject,
		Html:    htmlBody,
	})
	if err != nil {
		return fmt.Errorf("resend send: %w", err)
	}
	p.logger.Info("Email sent via Resend", zap.String("email_id", sent.Id), zap.String("to", to))
	return nil
}
