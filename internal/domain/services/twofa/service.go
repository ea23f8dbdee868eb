package twofa

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"github.com/rail-service/ledger_engine/pkg/crypto"
)

// ErrNotEnrolled is returned when the customer has no active 2FA secret
var ErrNotEnrolled = errors.New("2FA not enabled for this customer")

// Secret is the encrypted enrollment record of one customer
type Secret struct {
	CustomerID  uuid.UUID      `db:"customer_id"`
	Encrypted   string         `db:"secret_encrypted"`
	BackupCodes pq.StringArray `db:"backup_codes_encrypted"`
	Enabled     bool           `db:"is_enabled"`
}

// SecretStore loads and updates 2FA enrollment records
type SecretStore interface {
	Get(ctx context.Context, customerID uuid.UUID) (*Secret, error)
	UpdateBackupCodes(ctx context.Context, customerID uuid.UUID, codes []string) error
}

type Service struct {
	store         SecretStore
	logger        *zap.Logger
	encryptionKey string
}

func NewService(store SecretStore, logger *zap.Logger, encryptionKey string) *Service {
	return &Service{
		store:         store,
		logger:        logger,
		encryptionKey: encryptionKey,
	}
}

// Verify checks a TOTP code, falling back to an unused backup code.
// A matched backup code is consumed.
func (s *Service) Verify(ctx context.Context, customerID uuid.UUID, code string) (bool, error) {
	secret, err := s.store.Get(ctx, customerID)
	if err != nil {
		return false, err
	}
	if !secret.Enabled {
		return false, ErrNotEnrolled
	}

	plain, err := crypto.Decrypt(secret.Encrypted, s.encryptionKey)
	if err != nil {
		return false, fmt.Errorf("failed to decrypt secret: %w", err)
	}
	if totp.Validate(code, plain) {
		return true, nil
	}

	codes := []string(secret.BackupCodes)
	for i, encryptedCode := range codes {
		if encryptedCode == "" {
			continue
		}
		backupCode, err := crypto.Decrypt(encryptedCode, s.encryptionKey)
		if err != nil {
			continue
		}
		if backupCode == code {
			codes[i] = ""
			if err := s.store.UpdateBackupCodes(ctx, customerID, codes); err != nil {
				s.logger.Error("Failed to mark backup code as used", zap.Error(err))
			}
			return true, nil
		}
	}

	return false, nil
}

// IsEnabled reports whether the customer completed 2FA enrollment
func (s *Service) IsEnabled(ctx context.Context, customerID uuid.UUID) (bool, error) {
	secret, err := s.store.Get(ctx, customerID)
	if errors.Is(err, ErrNotEnrolled) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return secret.Enabled, nil
}

// SQLSecretStore reads the user_2fa table
type SQLSecretStore struct {
	db *sqlx.DB
}

func NewSQLSecretStore(db *sqlx.DB) *SQLSecretStore {
	return &SQLSecretStore{db: db}
}

func (s *SQLSecretStore) Get(ctx context.Context, customerID uuid.UUID) (*Secret, error) {
	var secret Secret
	err := s.db.GetContext(ctx, &secret,
		"SELECT customer_id, secret_encrypted, backup_codes_encrypted, is_enabled FROM user_2fa WHERE customer_id = $1",
		customerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotEnrolled
		}
		return nil, fmt.Errorf("failed to get 2FA data: %w", err)
	}
	return &secret, nil
}

func (s *SQLSecretStore) UpdateBackupCodes(ctx context.Context, customerID uuid.UUID, codes []string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE user_2fa SET backup_codes_encrypted = $1, updated_at = NOW() WHERE customer_id = $2",
		pq.Array(codes), customerID)
	if err != nil {
		return fmt.Errorf("failed to update backup codes: %w", err)
	}
	return nil
}
