// Package notification delivers customer e-mails and operator alerts.
// Every send runs in the background: a delivery failure is logged and
// counted, never returned to the workflow that triggered it.
package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	"github.com/rail-service/ledger_engine/pkg/logger"
	"github.com/rail-service/ledger_engine/pkg/metrics"
)

const sendTimeout = 30 * time.Second

// EmailSender delivers one e-mail
type EmailSender interface {
	SendCustomEmail(ctx context.Context, to, subject, htmlContent, textContent string) error
}

// AlertPublisher posts a message to the operator channel
type AlertPublisher interface {
	PublishAlert(ctx context.Context, subject, message string) error
}

// CustomerLookup resolves a customer's e-mail address
type CustomerLookup interface {
	GetCustomer(ctx context.Context, id uuid.UUID) (*entities.Customer, error)
}

// Config tunes the dispatcher
type Config struct {
	// AlertsPerMinute bounds operator alerts; excess alerts are dropped
	AlertsPerMinute int
	AlertBurst      int
}

// Service dispatches notifications in the background
type Service struct {
	email     EmailSender
	alerts    AlertPublisher
	customers CustomerLookup
	limiter   *rate.Limiter
	logger    *logger.Logger
	wg        sync.WaitGroup
}

// NewService creates the dispatcher. email and alerts may be nil, in which
// case that channel only logs.
func NewService(email EmailSender, alerts AlertPublisher, customers CustomerLookup, cfg Config, logger *logger.Logger) *Service {
	perMinute := cfg.AlertsPerMinute
	if perMinute <= 0 {
		perMinute = 30
	}
	burst := cfg.AlertBurst
	if burst <= 0 {
		burst = 5
	}
	return &Service{
		email:     email,
		alerts:    alerts,
		customers: customers,
		limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst),
		logger:    logger,
	}
}

// WithdrawalCode e-mails the out-of-band confirmation code for a withdrawal
func (s *Service) WithdrawalCode(ctx context.Context, entry *entities.LedgerEntry, code string, ttl time.Duration) {
	subject := "Confirm your withdrawal"
	text := fmt.Sprintf("Your confirmation code for withdrawing %s %s to %s is %s. It expires in %d minutes.",
		entry.Amount.String(), entry.CurrencyCode, entry.ToAddress, code, int(ttl.Minutes()))
	html := fmt.Sprintf("<p>Your confirmation code for withdrawing <b>%s %s</b> to <code>%s</code> is:</p><h2>%s</h2><p>It expires in %d minutes.</p>",
		entry.Amount.String(), entry.CurrencyCode, entry.ToAddress, code, int(ttl.Minutes()))
	s.emailCustomer(ctx, entry.CustomerID, subject, html, text)
}

// WithdrawalCompleted tells the customer their withdrawal settled on chain
func (s *Service) WithdrawalCompleted(ctx context.Context, entry *entities.LedgerEntry) {
	text := fmt.Sprintf("Your withdrawal of %s %s has been sent. Transaction: %s",
		entry.Amount.String(), entry.CurrencyCode, entry.ExternalTxHash)
	s.emailCustomer(ctx, entry.CustomerID, "Withdrawal completed", "<p>"+text+"</p>", text)
}

// WithdrawalRefunded tells the customer a withdrawal was canceled or failed
func (s *Service) WithdrawalRefunded(ctx context.Context, entry *entities.LedgerEntry, reason string) {
	text := fmt.Sprintf("Your withdrawal of %s %s was not completed (%s). The funds have been returned to your balance.",
		entry.Amount.String(), entry.CurrencyCode, reason)
	s.emailCustomer(ctx, entry.CustomerID, "Withdrawal not completed", "<p>"+text+"</p>", text)
}

// DepositCredited tells the customer a deposit was committed
func (s *Service) DepositCredited(ctx context.Context, entry *entities.LedgerEntry) {
	text := fmt.Sprintf("We received your deposit of %s %s.", entry.Amount.String(), entry.CurrencyCode)
	s.emailCustomer(ctx, entry.CustomerID, "Deposit received", "<p>"+text+"</p>", text)
}

// ApprovalRequired asks an operator to review a withdrawal
func (s *Service) ApprovalRequired(ctx context.Context, entry *entities.LedgerEntry, decision *entities.ApprovalDecision) {
	msg := fmt.Sprintf("Withdrawal %s needs approval: customer=%s amount=%s %s (%s USD) to=%s over_threshold=%t same_day_count=%d",
		entry.ID, entry.CustomerID, entry.Amount.String(), entry.CurrencyCode, entry.AmountUSD.StringFixed(2),
		entry.ToAddress, decision.OverThreshold, decision.SameDayCount)
	s.OperatorAlert(ctx, "Withdrawal approval required", msg)
}

// OperatorAlert posts to the operator channel, subject to the rate limit
func (s *Service) OperatorAlert(ctx context.Context, subject, message string) {
	if !s.limiter.Allow() {
		metrics.NotificationsTotal.WithLabelValues("alert", "dropped").Inc()
		s.logger.Warn("Operator alert dropped by rate limit", "subject", subject)
		return
	}
	s.dispatch(ctx, "alert", func(ctx context.Context) error {
		if s.alerts == nil {
			s.logger.Info("Operator alert", "subject", subject, "message", message)
			return nil
		}
		return s.alerts.PublishAlert(ctx, subject, message)
	})
}

func (s *Service) emailCustomer(ctx context.Context, customerID uuid.UUID, subject, html, text string) {
	s.dispatch(ctx, "email", func(ctx context.Context) error {
		customer, err := s.customers.GetCustomer(ctx, customerID)
		if err != nil {
			return fmt.Errorf("lookup customer: %w", err)
		}
		if customer.Email == "" {
			return fmt.Errorf("customer %s has no email", customerID)
		}
		if s.email == nil {
			s.logger.Info("Email", "to", customer.Email, "subject", subject)
			return nil
		}
		return s.email.SendCustomEmail(ctx, customer.Email, subject, html, text)
	})
}

// dispatch runs send detached from the caller's cancellation
func (s *Service) dispatch(ctx context.Context, channel string, send func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
		defer cancel()

		if err := send(sendCtx); err != nil {
			metrics.NotificationsTotal.WithLabelValues(channel, "failed").Inc()
			s.logger.Warn("Notification delivery failed", "channel", channel, "error", err)
			return
		}
		metrics.NotificationsTotal.WithLabelValues(channel, "sent").Inc()
	}()
}

// Wait blocks until all in-flight sends finish
func (s *Service) Wait() {
	s.wg.Wait()
}

// Shutdown waits for in-flight sends up to timeout
func (s *Service) Shutdown(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("notification dispatcher: in-flight sends did not finish within %s", timeout)
	}
}
