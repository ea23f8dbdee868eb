// Package settlement executes accepted withdrawals on chain.
package settlement

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	domainerrors "github.com/rail-service/ledger_engine/internal/domain/errors"
	"github.com/rail-service/ledger_engine/internal/domain/repositories"
	"github.com/rail-service/ledger_engine/internal/domain/services/withdrawal"
	"github.com/rail-service/ledger_engine/internal/infrastructure/adapters/blockchain"
	"github.com/rail-service/ledger_engine/pkg/logger"
	"github.com/rail-service/ledger_engine/pkg/queue"
)

// Withdrawals is the state machine surface the worker drives
type Withdrawals interface {
	Get(ctx context.Context, entryID uuid.UUID) (*entities.LedgerEntry, error)
	Settle(ctx context.Context, entryID uuid.UUID, txHash string) (*entities.LedgerEntry, error)
	Fail(ctx context.Context, entryID uuid.UUID, reason string) (*entities.LedgerEntry, error)
}

// Transferrer submits transfers to the chain gateway
type Transferrer interface {
	Transfer(ctx context.Context, req entities.TransferRequest) (*blockchain.TransferResult, error)
}

// FeeFunder reads native balances and tops up network fees on the
// funding wallets
type FeeFunder interface {
	Balance(ctx context.Context, chain, currency, address string) (decimal.Decimal, error)
	TopUpFee(ctx context.Context, chain, address string, amount decimal.Decimal) (string, error)
}

// feeTopUpMultiple is how many withdrawals' worth of network fee a top-up
// leaves on the funding wallet
var feeTopUpMultiple = decimal.NewFromInt(5)

// Worker handles withdrawal.settle tasks
type Worker struct {
	withdrawals Withdrawals
	chain       Transferrer
	currencies  repositories.CurrencyDirectory
	funder      FeeFunder
	logger      *logger.Logger
}

// NewWorker creates a settlement worker
func NewWorker(withdrawals Withdrawals, chain Transferrer, logger *logger.Logger) *Worker {
	return &Worker{withdrawals: withdrawals, chain: chain, logger: logger}
}

// SetFeeFunding enables native fee top-ups before transfers on chains that
// charge a network fee
func (w *Worker) SetFeeFunding(currencies repositories.CurrencyDirectory, funder FeeFunder) {
	w.currencies = currencies
	w.funder = funder
}

// Register installs the task handler on q
func (w *Worker) Register(q queue.Queue) {
	q.OnTask(withdrawal.TaskSettle, w.Handle)
}

// Handle settles one withdrawal. The gateway deduplicates transfers on the
// entry id, so redelivery after a lost acknowledgement is safe.
func (w *Worker) Handle(ctx context.Context, payload []byte) error {
	var task entities.SettlementTask
	if err := queue.Decode(payload, &task); err != nil {
		w.logger.Error("Dropping malformed settlement task", "error", err)
		return nil
	}

	entry, err := w.withdrawals.Get(ctx, task.EntryID)
	if err != nil {
		if domainerrors.IsNotFound(err) {
			w.logger.Warn("Settlement task for unknown withdrawal", "entry_id", task.EntryID)
			return nil
		}
		return err
	}
	if entry.Status != entities.EntryStatusAccepted {
		w.logger.Info("Skipping settlement, withdrawal not accepted",
			"entry_id", entry.ID,
			"status", entry.Status)
		return nil
	}
	if withdrawal.AwaitingApproval(entry) {
		w.logger.Warn("Skipping settlement, withdrawal awaiting approval", "entry_id", entry.ID)
		return nil
	}

	if err := w.ensureFeeFunds(ctx, entry); err != nil {
		w.logger.Warn("Fee funding failed, settlement will be retried",
			"entry_id", entry.ID,
			"error", err)
		return err
	}

	result, err := w.chain.Transfer(ctx, entities.TransferRequest{
		Reference:    entry.ID.String(),
		CurrencyCode: entry.CurrencyCode,
		ChainCode:    entry.Chain(),
		FromAddress:  entry.FromAddress,
		ToAddress:    entry.ToAddress,
		Amount:       entry.Amount,
	})
	if err != nil {
		if blockchain.IsPermanent(err) {
			w.logger.Error("Transfer permanently rejected, failing withdrawal",
				"entry_id", entry.ID,
				"error", err)
			if _, failErr := w.withdrawals.Fail(ctx, entry.ID, err.Error()); failErr != nil {
				return failErr
			}
			return nil
		}
		w.logger.Warn("Transfer failed, settlement will be retried",
			"entry_id", entry.ID,
			"error", err)
		return err
	}

	if _, err := w.withdrawals.Settle(ctx, entry.ID, result.TxHash); err != nil {
		return err
	}
	return nil
}

// ensureFeeFunds tops up the funding wallet's native token when it cannot
// cover the chain fee of one transfer
func (w *Worker) ensureFeeFunds(ctx context.Context, entry *entities.LedgerEntry) error {
	if w.funder == nil || w.currencies == nil {
		return nil
	}

	attr, err := w.currencies.FindAttribute(ctx, entry.CurrencyCode, entry.Chain())
	if err != nil {
		return fmt.Errorf("load currency attribute: %w", err)
	}
	if !attr.HasChainFee() {
		return nil
	}

	balance, err := w.funder.Balance(ctx, entry.Chain(), attr.NativeToken, entry.FromAddress)
	if err != nil {
		return err
	}
	if balance.GreaterThanOrEqual(attr.WithdrawFeeChain) {
		return nil
	}

	amount := attr.WithdrawFeeChain.Mul(feeTopUpMultiple).Sub(balance)
	txHash, err := w.funder.TopUpFee(ctx, entry.Chain(), entry.FromAddress, amount)
	if err != nil {
		return err
	}
	w.logger.Info("Topped up network fee on funding wallet",
		"entry_id", entry.ID,
		"address", entry.FromAddress,
		"native_token", attr.NativeToken,
		"amount", amount.String(),
		"tx_hash", txHash)
	return nil
}
