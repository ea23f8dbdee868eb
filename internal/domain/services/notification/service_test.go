package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	"github.com/rail-service/ledger_engine/internal/infrastructure/repositories/memory"
	"github.com/rail-service/ledger_engine/pkg/logger"
)

type sentEmail struct {
	to, subject, text string
}

type fakeEmail struct {
	mu   sync.Mutex
	sent []sentEmail
	err  error
}

func (f *fakeEmail) SendCustomEmail(ctx context.Context, to, subject, html, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentEmail{to: to, subject: subject, text: text})
	return nil
}

type fakeAlerts struct {
	mu       sync.Mutex
	subjects []string
}

func (f *fakeAlerts) PublishAlert(ctx context.Context, subject, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	return nil
}

func newCustomer(store *memory.CustomerStore) uuid.UUID {
	id := uuid.New()
	store.Put(&entities.Customer{ID: id, Email: "customer@example.com"})
	return id
}

func TestService_WithdrawalCodeEmail(t *testing.T) {
	customers := memory.NewCustomerStore()
	email := &fakeEmail{}
	svc := NewService(email, nil, customers, Config{}, logger.NewLogger(zap.NewNop()))

	entry := &entities.LedgerEntry{
		ID: uuid.New(), CustomerID: newCustomer(customers), CurrencyCode: "USDT",
		Amount: decimal.NewFromInt(25), ToAddress: "0xdest",
	}
	svc.WithdrawalCode(context.Background(), entry, "482913", 15*time.Minute)
	svc.Wait()

	require.Len(t, email.sent, 1)
	assert.Equal(t, "customer@example.com", email.sent[0].to)
	assert.Contains(t, email.sent[0].text, "482913")
	assert.Contains(t, email.sent[0].text, "15 minutes")
}

func TestService_FailuresDoNotPropagate(t *testing.T) {
	customers := memory.NewCustomerStore()
	email := &fakeEmail{err: errors.New("sendgrid down")}
	svc := NewService(email, nil, customers, Config{}, logger.NewLogger(zap.NewNop()))

	entry := &entities.LedgerEntry{CustomerID: newCustomer(customers), Amount: decimal.NewFromInt(1)}
	svc.DepositCredited(context.Background(), entry)
	svc.WithdrawalCompleted(context.Background(), &entities.LedgerEntry{CustomerID: uuid.New(), Amount: decimal.NewFromInt(1)})
	assert.NoError(t, svc.Shutdown(time.Second))
}

func TestService_OperatorAlertRateLimited(t *testing.T) {
	alerts := &fakeAlerts{}
	svc := NewService(nil, alerts, memory.NewCustomerStore(), Config{AlertsPerMinute: 1, AlertBurst: 2}, logger.NewLogger(zap.NewNop()))

	for i := 0; i < 5; i++ {
		svc.OperatorAlert(context.Background(), "alert", "body")
	}
	svc.Wait()
	assert.Len(t, alerts.subjects, 2)
}

func TestService_SendsSurviveCallerCancel(t *testing.T) {
	customers := memory.NewCustomerStore()
	email := &fakeEmail{}
	svc := NewService(email, nil, customers, Config{}, logger.NewLogger(zap.NewNop()))

	ctx, cancel := context.WithCancel(context.Background())
	svc.WithdrawalRefunded(ctx, &entities.LedgerEntry{CustomerID: newCustomer(customers), Amount: decimal.NewFromInt(3)}, "expired")
	cancel()
	svc.Wait()
	assert.Len(t, email.sent, 1)
}
