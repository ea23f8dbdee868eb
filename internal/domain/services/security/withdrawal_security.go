package security

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rail-service/ledger_engine/internal/infrastructure/cache"
	"github.com/rail-service/ledger_engine/pkg/crypto"
)

const (
	withdrawalCodePrefix     = "withdrawal_oob:"
	withdrawalAttemptsPrefix = "withdrawal_oob_attempts:"
	codeDigits               = 6
	defaultCodeTTL           = 15 * time.Minute
	defaultMaxAttempts       = 5
)

// CodeCache is the subset of the cache the code store needs
type CodeCache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
	Del(ctx context.Context, key string) (bool, error)
	IncrWithin(ctx context.Context, key string, window time.Duration) (int64, error)
}

type storedCode struct {
	CustomerID string    `json:"customer_id"`
	Hash       string    `json:"hash"`
	IssuedAt   time.Time `json:"issued_at"`
}

// WithdrawalCodeService issues and checks out-of-band codes bound to a
// withdrawal entry. Codes are stored bcrypt-hashed and can be used once.
type WithdrawalCodeService struct {
	cache       CodeCache
	ttl         time.Duration
	maxAttempts int64
	logger      *zap.Logger
}

func NewWithdrawalCodeService(c CodeCache, ttl time.Duration, maxAttempts int, logger *zap.Logger) *WithdrawalCodeService {
	if ttl <= 0 {
		ttl = defaultCodeTTL
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &WithdrawalCodeService{
		cache:       c,
		ttl:         ttl,
		maxAttempts: int64(maxAttempts),
		logger:      logger,
	}
}

// TTL is how long an issued code stays valid
func (s *WithdrawalCodeService) TTL() time.Duration {
	return s.ttl
}

// Issue creates a fresh code for the entry, replacing any earlier one
func (s *WithdrawalCodeService) Issue(ctx context.Context, entryID, customerID uuid.UUID) (string, error) {
	code, err := crypto.GenerateNumericCode(codeDigits)
	if err != nil {
		return "", err
	}
	hash, err := crypto.HashCode(code)
	if err != nil {
		return "", err
	}

	err = s.cache.Set(ctx, withdrawalCodePrefix+entryID.String(), storedCode{
		CustomerID: customerID.String(),
		Hash:       hash,
		IssuedAt:   time.Now().UTC(),
	}, s.ttl)
	if err != nil {
		return "", fmt.Errorf("failed to store confirmation code: %w", err)
	}
	if _, err := s.cache.Del(ctx, withdrawalAttemptsPrefix+entryID.String()); err != nil {
		s.logger.Warn("Failed to reset code attempts", zap.String("entry_id", entryID.String()), zap.Error(err))
	}
	return code, nil
}

// Check validates code for the entry and consumes it on success. Too many
// wrong guesses invalidate the code.
func (s *WithdrawalCodeService) Check(ctx context.Context, entryID, customerID uuid.UUID, code string) (bool, error) {
	key := withdrawalCodePrefix + entryID.String()

	var stored storedCode
	if err := s.cache.Get(ctx, key, &stored); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load confirmation code: %w", err)
	}

	if stored.CustomerID != customerID.String() {
		s.logger.Warn("Withdrawal code customer mismatch",
			zap.String("entry_id", entryID.String()),
			zap.String("expected", stored.CustomerID),
			zap.String("got", customerID.String()))
		return false, nil
	}

	if !crypto.CompareCode(code, stored.Hash) {
		attemptsKey := withdrawalAttemptsPrefix + entryID.String()
		n, err := s.cache.IncrWithin(ctx, attemptsKey, s.ttl)
		if err != nil {
			return false, fmt.Errorf("failed to count attempts: %w", err)
		}
		if n >= s.maxAttempts {
			s.logger.Warn("Withdrawal code locked after failed attempts",
				zap.String("entry_id", entryID.String()),
				zap.Int64("attempts", n))
			_, _ = s.cache.Del(ctx, key)
		}
		return false, nil
	}

	// only the caller that removes the key wins a concurrent double submit
	deleted, err := s.cache.Del(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to consume confirmation code: %w", err)
	}
	return deleted, nil
}
