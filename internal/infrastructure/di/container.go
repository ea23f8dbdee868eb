package di

import (
	"context"
	"fmt"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rail-service/ledger_engine/internal/domain/services/commission"
	"github.com/rail-service/ledger_engine/internal/domain/services/deposit"
	"github.com/rail-service/ledger_engine/internal/domain/services/ledger"
	"github.com/rail-service/ledger_engine/internal/domain/services/limits"
	"github.com/rail-service/ledger_engine/internal/domain/services/notification"
	"github.com/rail-service/ledger_engine/internal/domain/services/security"
	"github.com/rail-service/ledger_engine/internal/domain/services/sponsor"
	"github.com/rail-service/ledger_engine/internal/domain/services/statistics"
	"github.com/rail-service/ledger_engine/internal/domain/services/twofa"
	"github.com/rail-service/ledger_engine/internal/domain/services/withdrawal"
	"github.com/rail-service/ledger_engine/internal/infrastructure/adapters"
	"github.com/rail-service/ledger_engine/internal/infrastructure/adapters/blockchain"
	"github.com/rail-service/ledger_engine/internal/infrastructure/adapters/events"
	"github.com/rail-service/ledger_engine/internal/infrastructure/cache"
	"github.com/rail-service/ledger_engine/internal/infrastructure/config"
	"github.com/rail-service/ledger_engine/internal/workers/deposit_commit"
	"github.com/rail-service/ledger_engine/internal/workers/rewards"
	"github.com/rail-service/ledger_engine/internal/workers/settlement"
	"github.com/rail-service/ledger_engine/internal/workers/withdrawal_expiry"
	"github.com/rail-service/ledger_engine/pkg/logger"
	"github.com/rail-service/ledger_engine/pkg/queue"
	"github.com/rail-service/ledger_engine/pkg/retry"
)

const (
	QueueDriverSQS    = "sqs"
	QueueDriverMemory = "memory"

	serviceName = "ledger-engine"
)

// TaskQueue is a queue backend with a lifecycle
type TaskQueue interface {
	queue.Queue
	Start(ctx context.Context)
	Shutdown(timeout time.Duration) error
}

// Container holds all application dependencies
type Container struct {
	Config *config.Config
	DB     *sqlx.DB
	Logger *logger.Logger
	ZapLog *zap.Logger

	Cache  cache.RedisClient
	Stores *Stores
	Queue  TaskQueue

	// Adapters; Events and Alerts are nil when not configured
	Events *events.Publisher
	Email  *adapters.EmailService
	Alerts *adapters.SNSAlertPublisher
	Chain  *blockchain.Client

	// Domain services
	Sponsors      *sponsor.Walker
	Limits        *limits.Service
	TwoFA         *twofa.Service
	Codes         *security.WithdrawalCodeService
	Notifications *notification.Service
	Ledger        *ledger.Service
	Deposits      *deposit.Service
	Withdrawals   *withdrawal.Service
	Commissions   *commission.Service
	Statistics    *statistics.Service

	// Workers
	Rewards          *rewards.Dispatcher
	DepositCommit    *deposit_commit.Worker
	Settlement       *settlement.Worker
	WithdrawalExpiry *withdrawal_expiry.Worker
}

// NewContainer creates a new dependency injection container. db may be nil
// when the memory storage driver is configured.
func NewContainer(cfg *config.Config, db *sqlx.DB, log *logger.Logger) (*Container, error) {
	c := &Container{
		Config: cfg,
		DB:     db,
		Logger: log,
		ZapLog: log.Zap(),
	}

	if err := c.initializeInfrastructure(); err != nil {
		return nil, err
	}
	if err := c.initializeAdapters(); err != nil {
		return nil, err
	}
	if err := c.initializeDomainServices(); err != nil {
		return nil, err
	}
	c.initializeWorkers()

	return c, nil
}

func (c *Container) initializeInfrastructure() error {
	if c.Config.Redis.Enabled {
		client, err := cache.NewRedisClient(&c.Config.Redis, c.ZapLog)
		if err != nil {
			return fmt.Errorf("failed to initialize redis: %w", err)
		}
		c.Cache = client
	} else {
		c.Logger.Warn("Redis disabled, using in-process cache")
		c.Cache = cache.NewMemoryClient()
	}

	stores, err := NewRepositoryBuilder(c.Config, c.DB, c.Cache, c.ZapLog).Build()
	if err != nil {
		return fmt.Errorf("failed to build repositories: %w", err)
	}
	c.Stores = stores

	q, err := c.buildQueue()
	if err != nil {
		return err
	}
	c.Queue = q
	return nil
}

func (c *Container) buildQueue() (TaskQueue, error) {
	qc := c.Config.Queue
	switch strings.ToLower(qc.Driver) {
	case QueueDriverSQS:
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(qc.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		return queue.NewSQSQueue(sqs.NewFromConfig(awsCfg), queue.SQSConfig{
			QueueURL:          qc.QueueURL,
			Workers:           qc.Workers,
			WaitTimeSeconds:   qc.WaitTimeSeconds,
			VisibilityTimeout: qc.VisibilityTimeout,
		}, c.Logger.With("component", "sqs_queue")), nil
	case QueueDriverMemory, "":
		memCfg := queue.DefaultMemoryConfig()
		if qc.MaxAttempts > 0 {
			memCfg.MaxAttempts = qc.MaxAttempts
		}
		return queue.NewMemoryQueue(memCfg, c.Logger.With("component", "memory_queue")), nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", qc.Driver)
	}
}

func (c *Container) initializeAdapters() error {
	if len(c.Config.Kafka.Brokers) > 0 {
		c.Events = events.NewPublisher(c.Config.Kafka.Brokers, c.Config.Kafka.Topic, c.ZapLog)
	}

	emailService, err := adapters.NewEmailService(c.ZapLog, adapters.EmailServiceConfig{
		Provider:    c.Config.Email.Provider,
		APIKey:      c.Config.Email.APIKey,
		FromEmail:   c.Config.Email.FromEmail,
		FromName:    c.Config.Email.FromName,
		ReplyTo:     c.Config.Email.ReplyTo,
		Environment: c.Config.Email.Environment,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize email service: %w", err)
	}
	c.Email = emailService

	if arn := c.Config.Notification.AlertTopicARN; arn != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(c.Config.Notification.AlertRegion))
		if err != nil {
			return fmt.Errorf("failed to load AWS config for alerts: %w", err)
		}
		c.Alerts = adapters.NewSNSAlertPublisher(sns.NewFromConfig(awsCfg), adapters.SNSAlertConfig{
			Region:   c.Config.Notification.AlertRegion,
			TopicARN: arn,
			Service:  serviceName,
		}, c.ZapLog)
	}

	gw := c.Config.ChainGateway
	c.Chain = blockchain.NewClient(blockchain.Config{
		BaseURL:           gw.BaseURL,
		APIKey:            gw.APIKey,
		Timeout:           seconds(gw.Timeout),
		RequestsPerSecond: gw.RequestsPerSecond,
		Retry:             retry.DefaultPolicy(),
	}, c.ZapLog)

	return nil
}

func (c *Container) initializeDomainServices() error {
	cfg := c.Config
	stores := c.Stores

	c.Sponsors = sponsor.NewWalker(stores.Customers, cfg.Commission.MaxDepth, c.Logger.With("service", "sponsor"))
	c.Limits = limits.NewService(stores.Ledger, c.Logger.With("service", "limits"))
	c.TwoFA = twofa.NewService(stores.Secrets, c.ZapLog, cfg.Security.EncryptionKey)
	c.Codes = security.NewWithdrawalCodeService(c.Cache, seconds(cfg.Withdrawal.CodeTTL), cfg.Withdrawal.CodeMaxAttempts, c.ZapLog)

	// Interface values stay nil when a channel is unconfigured
	var alerts notification.AlertPublisher
	if c.Alerts != nil {
		alerts = c.Alerts
	}
	c.Notifications = notification.NewService(c.Email, alerts, stores.Customers, notification.Config{
		AlertsPerMinute: cfg.Notification.AlertsPerMinute,
		AlertBurst:      cfg.Notification.AlertBurst,
	}, c.Logger.With("service", "notification"))

	c.Ledger = ledger.NewService(stores.Ledger, stores.Currencies, c.Logger.With("service", "ledger"))
	if c.Events != nil {
		c.Ledger.SetEventPublisher(c.Events)
	}

	compensation, err := feeCompensation(cfg.Deposit)
	if err != nil {
		return err
	}
	c.Deposits = deposit.NewService(c.Ledger, stores.PendingDeposits, stores.Wallets, stores.Currencies, c.Queue, deposit.Config{
		CommitDelay:       seconds(cfg.Deposit.CommitDelay),
		ClaimLease:        seconds(cfg.Deposit.ClaimLease),
		FeeCompensation:   compensation,
		FirstDepositBonus: cfg.Deposit.FirstDepositBonus,
	}, c.Logger.With("service", "deposit"))
	c.Deposits.SetNotifier(c.Notifications)

	c.Withdrawals = withdrawal.NewService(
		c.Ledger,
		stores.Customers,
		stores.Currencies,
		stores.Wallets,
		c.Limits,
		c.TwoFA,
		c.Codes,
		c.Notifications,
		c.Queue,
		withdrawal.Config{
			RequireKYC:      cfg.Withdrawal.RequireKYC,
			SettlementDelay: seconds(cfg.Withdrawal.SettlementDelay),
		},
		c.Logger.With("service", "withdrawal"),
	)
	if cfg.ChainGateway.ValidateAddresses {
		c.Withdrawals.SetAddressValidator(c.Chain)
	}

	c.Commissions = commission.NewService(c.Ledger, stores.CommissionRules, stores.Currencies, c.Sponsors, commission.Config{
		Concurrency: cfg.Commission.Concurrency,
	}, c.Logger.With("service", "commission"))

	c.Statistics = statistics.NewService(stores.Statistics, c.Sponsors, stores.Customers, statistics.Config{
		EpochYear:  cfg.Statistics.EpochYear,
		EpochMonth: cfg.Statistics.EpochMonth,
	}, c.Logger.With("service", "statistics"))

	c.Logger.Info("Domain services initialized",
		"storage_driver", cfg.Storage.Driver,
		"queue_driver", cfg.Queue.Driver,
		"events_enabled", c.Events != nil,
		"alerts_enabled", c.Alerts != nil)
	return nil
}

func (c *Container) initializeWorkers() {
	cfg := c.Config

	c.Rewards = rewards.NewDispatcher(c.Commissions, c.Statistics, rewards.Config{
		Workers:    cfg.Rewards.Workers,
		QueueSize:  cfg.Rewards.QueueSize,
		JobTimeout: seconds(cfg.Rewards.JobTimeout),
	}, c.Logger.With("worker", "rewards"))
	c.Deposits.SetBonusDispatcher(c.Rewards)
	c.Rewards.Register(c.Queue)

	commitCfg := deposit_commit.DefaultConfig()
	if cfg.Deposit.StaleAfter > 0 {
		commitCfg.StaleAfter = seconds(cfg.Deposit.StaleAfter)
	}
	if cfg.Deposit.SweepInterval > 0 {
		commitCfg.CheckInterval = seconds(cfg.Deposit.SweepInterval)
	}
	c.DepositCommit = deposit_commit.NewWorker(c.Deposits, commitCfg, c.Logger.With("worker", "deposit_commit"))
	c.DepositCommit.Register(c.Queue)

	c.Settlement = settlement.NewWorker(c.Withdrawals, c.Chain, c.Logger.With("worker", "settlement"))
	c.Settlement.SetFeeFunding(c.Stores.Currencies, c.Chain)
	c.Settlement.Register(c.Queue)

	c.WithdrawalExpiry = withdrawal_expiry.NewWorker(c.Withdrawals, withdrawal_expiry.Config{
		VerificationTTL: seconds(cfg.Withdrawal.VerificationTTL),
		SettlementGrace: seconds(cfg.Withdrawal.SettlementGrace),
		ExpirySchedule:  cfg.Withdrawal.ExpirySchedule,
		RequeueSchedule: cfg.Withdrawal.RequeueSchedule,
	}, c.ZapLog)
}

// feeCompensation parses the CURRENCY/CHAIN pair and its divisor
func feeCompensation(cfg config.DepositConfig) (deposit.FeeCompensation, error) {
	if cfg.CompensationPair == "" {
		return deposit.FeeCompensation{}, nil
	}
	currency, chain, ok := strings.Cut(cfg.CompensationPair, "/")
	if !ok || currency == "" || chain == "" {
		return deposit.FeeCompensation{}, fmt.Errorf("invalid deposit compensation pair %q", cfg.CompensationPair)
	}
	rate := deposit.DefaultCompensationRate
	if cfg.CompensationRate != "" {
		parsed, err := decimal.NewFromString(cfg.CompensationRate)
		if err != nil || !parsed.IsPositive() {
			return deposit.FeeCompensation{}, fmt.Errorf("invalid deposit compensation rate %q", cfg.CompensationRate)
		}
		rate = parsed
	}
	return deposit.FeeCompensation{
		CurrencyCode: strings.ToUpper(currency),
		ChainCode:    strings.ToUpper(chain),
		Rate:         rate,
	}, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
