package adapters

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/sendgrid/rest"
	"go.uber.org/zap"
)

// emailCategory tags every message for SendGrid activity search
const emailCategory = "ledger-notification"

// EmailServiceConfig holds email service configuration
type EmailServiceConfig struct {
	Provider    string // "sendgrid" or "log"
	APIKey      string
	FromEmail   string
	FromName    string
	ReplyTo     string
	Environment string
}

// SendGridClient is the part of the sendgrid client the service uses
type SendGridClient interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// EmailService sends customer e-mail through SendGrid
type EmailService struct {
	logger *zap.Logger
	config EmailServiceConfig
	client SendGridClient
}

// NewEmailService creates a new email service
func NewEmailService(logger *zap.Logger, config EmailServiceConfig) (*EmailService, error) {
	provider := strings.ToLower(strings.TrimSpace(config.Provider))
	if provider == "" {
		return nil, fmt.Errorf("email provider is required")
	}

	var client SendGridClient
	switch provider {
	case "sendgrid":
		if strings.TrimSpace(config.APIKey) == "" {
			return nil, fmt.Errorf("sendgrid api key is required")
		}
		if strings.TrimSpace(config.FromEmail) == "" {
			return nil, fmt.Errorf("email from address is required")
		}
		client = sendgrid.NewSendClient(config.APIKey)
	case "log":
	default:
		return nil, fmt.Errorf("unsupported email provider: %s", provider)
	}

	config.Provider = provider
	return &EmailService{logger: logger, config: config, client: client}, nil
}

// sandboxed reports whether SendGrid should validate without delivering
func (e *EmailService) sandboxed() bool {
	switch strings.ToLower(e.config.Environment) {
	case "test", "sandbox":
		return true
	}
	return false
}

// NewEmailServiceWithClient wires a custom sendgrid client
func NewEmailServiceWithClient(logger *zap.Logger, config EmailServiceConfig, client SendGridClient) *EmailService {
	config.Provider = "sendgrid"
	return &EmailService{logger: logger, config: config, client: client}
}

// SendCustomEmail sends one e-mail with both html and text bodies
func (e *EmailService) SendCustomEmail(ctx context.Context, to, subject, htmlContent, textContent string) error {
	if e.config.Provider == "log" {
		e.logger.Info("Email (log provider)",
			zap.String("to", to),
			zap.String("subject", subject),
			zap.String("environment", e.config.Environment))
		return nil
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	from := mail.NewEmail(e.config.FromName, e.config.FromEmail)
	toEmail := mail.NewEmail("", to)
	message := mail.NewSingleEmail(from, subject, toEmail, textContent, htmlContent)

	if strings.TrimSpace(e.config.ReplyTo) != "" {
		message.SetReplyTo(mail.NewEmail(e.config.FromName, e.config.ReplyTo))
	}
	message.AddCategories(emailCategory)
	if e.sandboxed() {
		message.SetMailSettings(mail.NewMailSettings().SetSandboxMode(mail.NewSetting(true)))
	}

	response, err := e.client.SendWithContext(ctxWithTimeout, message)
	if err != nil {
		e.logger.Error("Failed to send email",
			zap.String("provider", "sendgrid"),
			zap.String("to", to),
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	if response.StatusCode >= 400 {
		e.logger.Error("Email service returned error",
			zap.String("provider", "sendgrid"),
			zap.String("to", to),
			zap.Int("status_code", response.StatusCode),
			zap.String("response_body", response.Body))
		return fmt.Errorf("email service error: status %d, body: %s", response.StatusCode, response.Body)
	}

	e.logger.Info("Email sent successfully",
		zap.String("provider", "sendgrid"),
		zap.String("to", to),
		zap.String("subject", subject),
		zap.Int("status_code", response.StatusCode))
	return nil
}
