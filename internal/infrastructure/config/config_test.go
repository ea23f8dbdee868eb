package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsAndOverrides(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("CHAIN_GATEWAY_URL", "http://gateway.local")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("SQS_QUEUE_URL", "https://sqs.local/queue")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/ledger?sslmode=disable")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://u:p@db:5432/ledger?sslmode=disable", cfg.Database.URL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "sqs", cfg.Queue.Driver)
	assert.Equal(t, 1800, cfg.Withdrawal.VerificationTTL)
	assert.Equal(t, 2023, cfg.Statistics.EpochYear)
	assert.Equal(t, 2, cfg.Statistics.EpochMonth)
	assert.Equal(t, 4, cfg.Commission.Concurrency)
	assert.Equal(t, "0.99", cfg.Deposit.CompensationRate)
}

func TestLoad_RequiresEncryptionKey(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "")
	t.Setenv("CHAIN_GATEWAY_URL", "http://gateway.local")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Storage:      StorageConfig{Driver: "memory"},
			Queue:        QueueConfig{Driver: "memory"},
			Security:     SecurityConfig{EncryptionKey: "k"},
			ChainGateway: ChainGatewayConfig{BaseURL: "http://gw"},
			Statistics:   StatisticsConfig{EpochYear: 2023, EpochMonth: 2},
		}
	}

	require.NoError(t, validate(base()))

	c := base()
	c.Storage.Driver = "mongo"
	assert.Error(t, validate(c))

	c = base()
	c.Queue.Driver = "sqs"
	assert.Error(t, validate(c), "sqs needs a queue url")

	c = base()
	c.Statistics.EpochMonth = 13
	assert.Error(t, validate(c))

	c = base()
	c.Deposit.CompensationPair = "USDT"
	assert.Error(t, validate(c))
}
