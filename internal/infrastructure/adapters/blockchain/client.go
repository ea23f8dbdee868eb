package blockchain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	domainerrors "github.com/rail-service/ledger_engine/internal/domain/errors"
	"github.com/rail-service/ledger_engine/pkg/circuitbreaker"
	"github.com/rail-service/ledger_engine/pkg/retry"
)

const (
	defaultTimeout           = 30 * time.Second
	defaultRequestsPerSecond = 20
)

// Config represents chain gateway client configuration
type Config struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Retry             retry.Policy
	Breaker           circuitbreaker.Config
}

// Client talks to the custody gateway that signs and broadcasts transactions
type Client struct {
	config      Config
	httpClient  *http.Client
	breaker     *circuitbreaker.CircuitBreaker
	retrier     *retry.Retrier
	rateLimiter *rate.Limiter
	logger      *zap.Logger
}

// NewClient creates a new gateway client
func NewClient(config Config, logger *zap.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = defaultRequestsPerSecond
	}
	if config.Retry.MaxRetries == 0 && config.Retry.InitialDelay == 0 {
		config.Retry = retry.DefaultPolicy()
	}
	if config.Breaker.Name == "" {
		config.Breaker = circuitbreaker.DefaultConfig("chain-gateway")
	}
	config.Breaker.OnStateChange = func(name string, from, to gobreaker.State) {
		logger.Info("Chain gateway circuit breaker state changed",
			zap.String("name", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}

	return &Client{
		config:      config,
		httpClient:  &http.Client{Timeout: config.Timeout},
		breaker:     circuitbreaker.New(config.Breaker),
		retrier:     retry.NewRetrier(config.Retry, logger),
		rateLimiter: rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1),
		logger:      logger,
	}
}

// ValidateAddress checks the address format for the chain
func (c *Client) ValidateAddress(ctx context.Context, chain, address string) (bool, error) {
	var resp validateAddressResponse
	if err := c.doRequest(ctx, http.MethodPost, "/v1/addresses/validate", "", validateAddressRequest{Chain: chain, Address: address}, &resp); err != nil {
		return false, fmt.Errorf("validate address failed: %w", err)
	}
	return resp.Valid, nil
}

// Balance reads the on-chain balance of an address
func (c *Client) Balance(ctx context.Context, chain, currency, address string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("chain", chain)
	q.Set("currency", currency)
	q.Set("address", address)

	var resp balanceResponse
	if err := c.doRequest(ctx, http.MethodGet, "/v1/balances?"+q.Encode(), "", nil, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("get balance failed: %w", err)
	}
	return resp.Amount, nil
}

// Transfer submits a transfer keyed by req.Reference
func (c *Client) Transfer(ctx context.Context, req entities.TransferRequest) (*TransferResult, error) {
	body := transferRequest{
		Reference: req.Reference,
		Currency:  req.CurrencyCode,
		Chain:     req.ChainCode,
		From:      req.FromAddress,
		To:        req.ToAddress,
		Amount:    req.Amount,
	}

	var resp TransferResult
	if err := c.doRequest(ctx, http.MethodPost, "/v1/transfers", req.Reference, body, &resp); err != nil {
		return nil, fmt.Errorf("transfer failed: %w", err)
	}
	if resp.Status == TransferStatusRejected {
		return &resp, fmt.Errorf("%w: %s", ErrTransferRejected, resp.Reason)
	}
	if resp.TxHash == "" {
		return nil, fmt.Errorf("transfer %s accepted without tx hash", req.Reference)
	}

	c.logger.Info("Transfer submitted",
		zap.String("reference", req.Reference),
		zap.String("chain", req.ChainCode),
		zap.String("tx_hash", resp.TxHash))
	return &resp, nil
}

// TopUpFee sends native token for network fees and returns the tx hash
func (c *Client) TopUpFee(ctx context.Context, chain, address string, amount decimal.Decimal) (string, error) {
	var resp TransferResult
	if err := c.doRequest(ctx, http.MethodPost, "/v1/fee-topups", "", feeTopUpRequest{Chain: chain, Address: address, Amount: amount}, &resp); err != nil {
		return "", fmt.Errorf("fee top-up failed: %w", err)
	}
	return resp.TxHash, nil
}

// doRequest runs one logical call through the rate limiter, breaker and retrier.
// An open breaker surfaces as UpstreamUnavailable so the queue redelivers.
func (c *Client) doRequest(ctx context.Context, method, endpoint, idempotencyKey string, body, response interface{}) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	err := c.breaker.Execute(ctx, func() error {
		return c.retrier.Do(ctx, func(ctx context.Context) error {
			return c.doRequestInternal(ctx, method, endpoint, idempotencyKey, body, response)
		})
	})
	if err == circuitbreaker.ErrOpen {
		return domainerrors.UpstreamUnavailableError("chain-gateway", err)
	}
	return err
}

func (c *Client) doRequestInternal(ctx context.Context, method, endpoint, idempotencyKey string, body, response interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: marshal request: %v", retry.ErrNonRetryable, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("%w: create request: %v", retry.ErrNonRetryable, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode >= 400 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, errResp) != nil || errResp.Message == "" {
			errResp.Message = string(data)
		}
		errResp.StatusCode = resp.StatusCode
		return errResp
	}

	if response != nil && len(data) > 0 {
		if err := json.Unmarshal(data, response); err != nil {
			return fmt.Errorf("%w: unmarshal response: %v", retry.ErrNonRetryable, err)
		}
	}
	return nil
}
