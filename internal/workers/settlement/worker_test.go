package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	"github.com/rail-service/ledger_engine/internal/infrastructure/adapters/blockchain"
	"github.com/rail-service/ledger_engine/pkg/logger"
)

type mockWithdrawals struct {
	mock.Mock
}

func (m *mockWithdrawals) Get(ctx context.Context, entryID uuid.UUID) (*entities.LedgerEntry, error) {
	args := m.Called(ctx, entryID)
	if e := args.Get(0); e != nil {
		return e.(*entities.LedgerEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockWithdrawals) Settle(ctx context.Context, entryID uuid.UUID, txHash string) (*entities.LedgerEntry, error) {
	args := m.Called(ctx, entryID, txHash)
	return nil, args.Error(1)
}

func (m *mockWithdrawals) Fail(ctx context.Context, entryID uuid.UUID, reason string) (*entities.LedgerEntry, error) {
	args := m.Called(ctx, entryID, reason)
	return nil, args.Error(1)
}

type mockChain struct {
	mock.Mock
}

func (m *mockChain) Transfer(ctx context.Context, req entities.TransferRequest) (*blockchain.TransferResult, error) {
	args := m.Called(ctx, req)
	if r := args.Get(0); r != nil {
		return r.(*blockchain.TransferResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func acceptedEntry() *entities.LedgerEntry {
	chain := "TRON"
	return &entities.LedgerEntry{
		ID:           uuid.New(),
		CustomerID:   uuid.New(),
		CurrencyCode: "USDT",
		ChainCode:    &chain,
		Action:       entities.ActionWithdraw,
		Amount:       decimal.NewFromInt(100),
		Status:       entities.EntryStatusAccepted,
		FromAddress:  "TFunding",
		ToAddress:    "TExternal",
	}
}

func payload(t *testing.T, id uuid.UUID) []byte {
	t.Helper()
	b, err := json.Marshal(entities.SettlementTask{EntryID: id})
	require.NoError(t, err)
	return b
}

func newWorker() (*Worker, *mockWithdrawals, *mockChain) {
	w := &mockWithdrawals{}
	c := &mockChain{}
	return NewWorker(w, c, logger.NewLogger(zap.NewNop())), w, c
}

func TestHandle_SettlesOnSuccess(t *testing.T) {
	worker, withdrawals, chain := newWorker()
	entry := acceptedEntry()

	withdrawals.On("Get", mock.Anything, entry.ID).Return(entry, nil)
	chain.On("Transfer", mock.Anything, mock.MatchedBy(func(req entities.TransferRequest) bool {
		return req.Reference == entry.ID.String() && req.ChainCode == "TRON" && req.Amount.Equal(entry.Amount)
	})).Return(&blockchain.TransferResult{TxHash: "0xhash", Status: blockchain.TransferStatusSubmitted}, nil)
	withdrawals.On("Settle", mock.Anything, entry.ID, "0xhash").Return(nil, nil)

	require.NoError(t, worker.Handle(context.Background(), payload(t, entry.ID)))
	withdrawals.AssertExpectations(t)
	chain.AssertExpectations(t)
}

func TestHandle_SkipsNonAccepted(t *testing.T) {
	worker, withdrawals, chain := newWorker()
	entry := acceptedEntry()
	entry.Status = entities.EntryStatusCompleted

	withdrawals.On("Get", mock.Anything, entry.ID).Return(entry, nil)

	require.NoError(t, worker.Handle(context.Background(), payload(t, entry.ID)))
	chain.AssertNotCalled(t, "Transfer", mock.Anything, mock.Anything)
}

func TestHandle_SkipsAwaitingApproval(t *testing.T) {
	worker, withdrawals, chain := newWorker()
	entry := acceptedEntry()
	entry.ApprovalRequired = true

	withdrawals.On("Get", mock.Anything, entry.ID).Return(entry, nil)

	require.NoError(t, worker.Handle(context.Background(), payload(t, entry.ID)))
	chain.AssertNotCalled(t, "Transfer", mock.Anything, mock.Anything)
}

func TestHandle_PermanentFailureFailsWithdrawal(t *testing.T) {
	worker, withdrawals, chain := newWorker()
	entry := acceptedEntry()

	withdrawals.On("Get", mock.Anything, entry.ID).Return(entry, nil)
	chain.On("Transfer", mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("transfer failed: %w", &blockchain.ErrorResponse{StatusCode: 422, Message: "bad address"}))
	withdrawals.On("Fail", mock.Anything, entry.ID, mock.Anything).Return(nil, nil)

	require.NoError(t, worker.Handle(context.Background(), payload(t, entry.ID)))
	withdrawals.AssertCalled(t, "Fail", mock.Anything, entry.ID, mock.Anything)
	withdrawals.AssertNotCalled(t, "Settle", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandle_TransientFailureIsRedelivered(t *testing.T) {
	worker, withdrawals, chain := newWorker()
	entry := acceptedEntry()
	transient := errors.New("connection reset")

	withdrawals.On("Get", mock.Anything, entry.ID).Return(entry, nil)
	chain.On("Transfer", mock.Anything, mock.Anything).Return(nil, transient)

	err := worker.Handle(context.Background(), payload(t, entry.ID))
	assert.ErrorIs(t, err, transient)
	withdrawals.AssertNotCalled(t, "Fail", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandle_MalformedPayloadDropped(t *testing.T) {
	worker, withdrawals, _ := newWorker()
	require.NoError(t, worker.Handle(context.Background(), []byte("{not json")))
	withdrawals.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

type stubCurrencies struct {
	attr *entities.CurrencyAttribute
}

func (s *stubCurrencies) FindByCode(ctx context.Context, code string) (*entities.Currency, error) {
	return &entities.Currency{Code: code}, nil
}

func (s *stubCurrencies) FindAttribute(ctx context.Context, currencyCode, chainCode string) (*entities.CurrencyAttribute, error) {
	return s.attr, nil
}

type mockFunder struct {
	mock.Mock
}

func (m *mockFunder) Balance(ctx context.Context, chain, currency, address string) (decimal.Decimal, error) {
	args := m.Called(ctx, chain, currency, address)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *mockFunder) TopUpFee(ctx context.Context, chain, address string, amount decimal.Decimal) (string, error) {
	args := m.Called(ctx, chain, address, amount)
	return args.String(0), args.Error(1)
}

func tronFeeAttribute() *entities.CurrencyAttribute {
	return &entities.CurrencyAttribute{
		CurrencyCode:     "USDT",
		ChainCode:        "TRON",
		WithdrawFeeChain: decimal.NewFromInt(2),
		NativeToken:      "TRX",
	}
}

func TestHandle_TopsUpNativeFeeBeforeTransfer(t *testing.T) {
	worker, withdrawals, chain := newWorker()
	funder := &mockFunder{}
	worker.SetFeeFunding(&stubCurrencies{attr: tronFeeAttribute()}, funder)
	entry := acceptedEntry()

	withdrawals.On("Get", mock.Anything, entry.ID).Return(entry, nil)
	funder.On("Balance", mock.Anything, "TRON", "TRX", "TFunding").Return(decimal.NewFromInt(1), nil)
	funder.On("TopUpFee", mock.Anything, "TRON", "TFunding", mock.MatchedBy(func(amount decimal.Decimal) bool {
		return amount.Equal(decimal.NewFromInt(9))
	})).Return("0xfee", nil)
	chain.On("Transfer", mock.Anything, mock.Anything).
		Return(&blockchain.TransferResult{TxHash: "0xhash"}, nil)
	withdrawals.On("Settle", mock.Anything, entry.ID, "0xhash").Return(nil, nil)

	require.NoError(t, worker.Handle(context.Background(), payload(t, entry.ID)))
	funder.AssertExpectations(t)
	chain.AssertExpectations(t)
}

func TestHandle_SkipsTopUpWhenFeeCovered(t *testing.T) {
	worker, withdrawals, chain := newWorker()
	funder := &mockFunder{}
	worker.SetFeeFunding(&stubCurrencies{attr: tronFeeAttribute()}, funder)
	entry := acceptedEntry()

	withdrawals.On("Get", mock.Anything, entry.ID).Return(entry, nil)
	funder.On("Balance", mock.Anything, "TRON", "TRX", "TFunding").Return(decimal.NewFromInt(3), nil)
	chain.On("Transfer", mock.Anything, mock.Anything).
		Return(&blockchain.TransferResult{TxHash: "0xhash"}, nil)
	withdrawals.On("Settle", mock.Anything, entry.ID, "0xhash").Return(nil, nil)

	require.NoError(t, worker.Handle(context.Background(), payload(t, entry.ID)))
	funder.AssertNotCalled(t, "TopUpFee", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandle_TopUpFailureIsRedelivered(t *testing.T) {
	worker, withdrawals, chain := newWorker()
	funder := &mockFunder{}
	worker.SetFeeFunding(&stubCurrencies{attr: tronFeeAttribute()}, funder)
	entry := acceptedEntry()
	unavailable := errors.New("gateway unavailable")

	withdrawals.On("Get", mock.Anything, entry.ID).Return(entry, nil)
	funder.On("Balance", mock.Anything, "TRON", "TRX", "TFunding").Return(decimal.Zero, nil)
	funder.On("TopUpFee", mock.Anything, "TRON", "TFunding", mock.Anything).Return("", unavailable)

	err := worker.Handle(context.Background(), payload(t, entry.ID))
	assert.ErrorIs(t, err, unavailable)
	chain.AssertNotCalled(t, "Transfer", mock.Anything, mock.Anything)
}
