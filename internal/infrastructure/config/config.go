package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Environment  string             `mapstructure:"environment"`
	LogLevel     string             `mapstructure:"log_level"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	Queue        QueueConfig        `mapstructure:"queue"`
	ChainGateway ChainGatewayConfig `mapstructure:"chain_gateway"`
	Withdrawal   WithdrawalConfig   `mapstructure:"withdrawal"`
	Deposit      DepositConfig      `mapstructure:"deposit"`
	Statistics   StatisticsConfig   `mapstructure:"statistics"`
	Commission   CommissionConfig   `mapstructure:"commission"`
	Rewards      RewardsConfig      `mapstructure:"rewards"`
	Email        EmailConfig        `mapstructure:"email"`
	Notification NotificationConfig `mapstructure:"notification"`
	Security     SecurityConfig     `mapstructure:"security"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
}

// StorageConfig selects the repository backend: "postgres" or "memory"
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Host         string `mapstructure:"host"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	// OpsToken guards the operator endpoints; when empty every ops call is rejected
	OpsToken string `mapstructure:"ops_token"`
	// OpsRequestsPerMinute is the per-IP budget of the operator endpoints
	OpsRequestsPerMinute int `mapstructure:"ops_requests_per_minute"`
}

type DatabaseConfig struct {
	URL             string `mapstructure:"url"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string `mapstructure:"migrations_path"`
	AutoMigrate     bool   `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// CurrencyTTL is how long currency rows stay cached, in seconds
	CurrencyTTL int `mapstructure:"currency_ttl"`
}

// KafkaConfig configures the ledger event stream. No brokers disables it.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// QueueConfig selects the task queue backend: "sqs" or "memory"
type QueueConfig struct {
	Driver            string `mapstructure:"driver"`
	Region            string `mapstructure:"region"`
	QueueURL          string `mapstructure:"queue_url"`
	Workers           int    `mapstructure:"workers"`
	WaitTimeSeconds   int32  `mapstructure:"wait_time_seconds"`
	VisibilityTimeout int32  `mapstructure:"visibility_timeout"`
	MaxAttempts       int    `mapstructure:"max_attempts"`
}

type ChainGatewayConfig struct {
	BaseURL           string  `mapstructure:"base_url"`
	APIKey            string  `mapstructure:"api_key"`
	Timeout           int     `mapstructure:"timeout"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	ValidateAddresses bool    `mapstructure:"validate_addresses"`
}

type WithdrawalConfig struct {
	RequireKYC bool `mapstructure:"require_kyc"`
	// Durations below are in seconds
	SettlementDelay int    `mapstructure:"settlement_delay"`
	VerificationTTL int    `mapstructure:"verification_ttl"`
	SettlementGrace int    `mapstructure:"settlement_grace"`
	ExpirySchedule  string `mapstructure:"expiry_schedule"`
	RequeueSchedule string `mapstructure:"requeue_schedule"`
	CodeTTL         int    `mapstructure:"code_ttl"`
	CodeMaxAttempts int    `mapstructure:"code_max_attempts"`
}

type DepositConfig struct {
	CommitDelay       int    `mapstructure:"commit_delay"`
	ClaimLease        int    `mapstructure:"claim_lease"`
	StaleAfter        int    `mapstructure:"stale_after"`
	SweepInterval     int    `mapstructure:"sweep_interval"`
	FirstDepositBonus bool   `mapstructure:"first_deposit_bonus"`
	CompensationPair  string `mapstructure:"compensation_pair"` // CURRENCY/CHAIN
	CompensationRate  string `mapstructure:"compensation_rate"`
}

type StatisticsConfig struct {
	EpochYear  int `mapstructure:"epoch_year"`
	EpochMonth int `mapstructure:"epoch_month"`
}

type CommissionConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	MaxDepth    int `mapstructure:"max_depth"`
}

type RewardsConfig struct {
	Workers    int `mapstructure:"workers"`
	QueueSize  int `mapstructure:"queue_size"`
	JobTimeout int `mapstructure:"job_timeout"`
}

type EmailConfig struct {
	Provider    string `mapstructure:"provider"`
	APIKey      string `mapstructure:"api_key"`
	FromEmail   string `mapstructure:"from_email"`
	FromName    string `mapstructure:"from_name"`
	ReplyTo     string `mapstructure:"reply_to"`
	Environment string `mapstructure:"environment"`
}

type NotificationConfig struct {
	AlertTopicARN   string `mapstructure:"alert_topic_arn"`
	AlertRegion     string `mapstructure:"alert_region"`
	AlertsPerMinute int    `mapstructure:"alerts_per_minute"`
	AlertBurst      int    `mapstructure:"alert_burst"`
}

type SecurityConfig struct {
	// EncryptionKey seals TOTP secrets at rest (32 bytes, base64 or raw)
	EncryptionKey string `mapstructure:"encryption_key"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	CollectorURL string  `mapstructure:"collector_url"`
	SampleRate   float64 `mapstructure:"sample_rate"`
	Insecure     bool    `mapstructure:"insecure"`
}

// IsProduction reports whether the environment is production-like
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "staging"
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	// Load .env file if it exists (ignore errors if file doesn't exist)
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	overrideFromEnv(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Build database URL if not provided
	if config.Database.URL == "" {
		config.Database.URL = fmt.Sprintf(
			"postgres://%s:%s@%s:%d/%s?sslmode=%s",
			config.Database.User,
			config.Database.Password,
			config.Database.Host,
			config.Database.Port,
			config.Database.Name,
			config.Database.SSLMode,
		)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("storage.driver", "postgres")

	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.ops_requests_per_minute", 60)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "ledger_engine")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.auto_migrate", true)

	// Redis defaults
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.currency_ttl", 60)

	v.SetDefault("kafka.topic", "ledger.entries")

	// Queue defaults
	v.SetDefault("queue.driver", "memory")
	v.SetDefault("queue.region", "us-east-1")
	v.SetDefault("queue.workers", 2)
	v.SetDefault("queue.wait_time_seconds", 20)
	v.SetDefault("queue.visibility_timeout", 60)
	v.SetDefault("queue.max_attempts", 10)

	v.SetDefault("chain_gateway.timeout", 30)
	v.SetDefault("chain_gateway.requests_per_second", 20)
	v.SetDefault("chain_gateway.validate_addresses", true)

	// Withdrawal defaults
	v.SetDefault("withdrawal.require_kyc", false)
	v.SetDefault("withdrawal.settlement_delay", 0)
	v.SetDefault("withdrawal.verification_ttl", 1800) // 30 minutes
	v.SetDefault("withdrawal.settlement_grace", 1800)
	v.SetDefault("withdrawal.expiry_schedule", "*/5 * * * *")
	v.SetDefault("withdrawal.requeue_schedule", "*/15 * * * *")
	v.SetDefault("withdrawal.code_ttl", 900) // 15 minutes
	v.SetDefault("withdrawal.code_max_attempts", 5)

	// Deposit defaults
	v.SetDefault("deposit.commit_delay", 60)
	v.SetDefault("deposit.claim_lease", 300)
	v.SetDefault("deposit.stale_after", 900)
	v.SetDefault("deposit.sweep_interval", 300)
	v.SetDefault("deposit.first_deposit_bonus", true)
	v.SetDefault("deposit.compensation_rate", "0.99")

	v.SetDefault("statistics.epoch_year", 2023)
	v.SetDefault("statistics.epoch_month", 2)

	v.SetDefault("commission.concurrency", 4)
	v.SetDefault("commission.max_depth", 64)

	v.SetDefault("rewards.workers", 4)
	v.SetDefault("rewards.queue_size", 256)
	v.SetDefault("rewards.job_timeout", 30)

	// Email defaults
	v.SetDefault("email.provider", "log")
	v.SetDefault("email.from_email", "no-reply@ledger.local")
	v.SetDefault("email.from_name", "Ledger")
	v.SetDefault("email.environment", "development")

	v.SetDefault("notification.alert_region", "us-east-1")
	v.SetDefault("notification.alerts_per_minute", 30)
	v.SetDefault("notification.alert_burst", 5)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sample_rate", 0.1)
}

func overrideFromEnv(v *viper.Viper) {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			v.Set("server.port", p)
		}
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		v.Set("database.url", dbURL)
	}
	if encKey := os.Getenv("ENCRYPTION_KEY"); encKey != "" {
		v.Set("security.encryption_key", encKey)
	}
	if token := os.Getenv("OPS_TOKEN"); token != "" {
		v.Set("server.ops_token", token)
	}

	// Kafka
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		v.Set("kafka.brokers", splitList(brokers))
	}

	// Queue
	if queueURL := os.Getenv("SQS_QUEUE_URL"); queueURL != "" {
		v.Set("queue.queue_url", queueURL)
		v.Set("queue.driver", "sqs")
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		v.Set("queue.region", region)
		v.Set("notification.alert_region", region)
	}

	// Chain gateway
	if gwURL := os.Getenv("CHAIN_GATEWAY_URL"); gwURL != "" {
		v.Set("chain_gateway.base_url", gwURL)
	}
	if gwKey := os.Getenv("CHAIN_GATEWAY_API_KEY"); gwKey != "" {
		v.Set("chain_gateway.api_key", gwKey)
	}

	// Email Service
	if sendgridKey := os.Getenv("SENDGRID_API_KEY"); sendgridKey != "" {
		v.Set("email.api_key", sendgridKey)
		v.Set("email.provider", "sendgrid")
	}
	if fromEmail := os.Getenv("EMAIL_FROM_EMAIL"); fromEmail != "" {
		v.Set("email.from_email", fromEmail)
	}

	if topic := os.Getenv("ALERT_TOPIC_ARN"); topic != "" {
		v.Set("notification.alert_topic_arn", topic)
	}
	if otlp := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); otlp != "" {
		v.Set("tracing.collector_url", otlp)
		v.Set("tracing.enabled", true)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func validate(config *Config) error {
	switch config.Storage.Driver {
	case "postgres":
		if config.Database.URL == "" && (config.Database.Host == "" || config.Database.Name == "") {
			return fmt.Errorf("database configuration is incomplete")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported storage driver %q", config.Storage.Driver)
	}

	switch config.Queue.Driver {
	case "sqs":
		if config.Queue.QueueURL == "" {
			return fmt.Errorf("queue url is required for the sqs driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported queue driver %q", config.Queue.Driver)
	}

	if config.Security.EncryptionKey == "" {
		return fmt.Errorf("encryption key is required")
	}
	if config.ChainGateway.BaseURL == "" {
		return fmt.Errorf("chain gateway base url is required")
	}
	if config.Statistics.EpochMonth < 1 || config.Statistics.EpochMonth > 12 {
		return fmt.Errorf("statistics epoch month must be 1-12, got %d", config.Statistics.EpochMonth)
	}
	if config.Deposit.CompensationPair != "" && !strings.Contains(config.Deposit.CompensationPair, "/") {
		return fmt.Errorf("deposit compensation pair must look like CURRENCY/CHAIN")
	}
	return nil
}
