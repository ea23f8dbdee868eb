package blockchain

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	domainerrors "github.com/rail-service/ledger_engine/internal/domain/errors"
	"github.com/rail-service/ledger_engine/pkg/circuitbreaker"
	"github.com/rail-service/ledger_engine/pkg/retry"
)

func testClient(url string, maxRetries int, threshold uint32) *Client {
	return NewClient(Config{
		BaseURL:           url,
		APIKey:            "secret",
		RequestsPerSecond: 1000,
		Retry: retry.Policy{
			MaxRetries:   maxRetries,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		},
		Breaker: circuitbreaker.Config{
			Name:             "chain-gateway-test",
			MaxRequests:      1,
			Timeout:          time.Minute,
			FailureThreshold: threshold,
		},
	}, zap.NewNop())
}

func transferReq() entities.TransferRequest {
	return entities.TransferRequest{
		Reference:    "entry-1",
		CurrencyCode: "USDT",
		ChainCode:    "TRON",
		FromAddress:  "TFrom",
		ToAddress:    "TTo",
		Amount:       decimal.RequireFromString("12.5"),
	}
}

func TestTransfer_SendsIdempotencyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/transfers", r.URL.Path)
		assert.Equal(t, "entry-1", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body transferRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "TRON", body.Chain)
		assert.True(t, body.Amount.Equal(decimal.RequireFromString("12.5")))

		_ = json.NewEncoder(w).Encode(TransferResult{Reference: body.Reference, TxHash: "0xabc", Status: TransferStatusSubmitted})
	}))
	defer srv.Close()

	res, err := testClient(srv.URL, 0, 5).Transfer(t.Context(), transferReq())
	require.NoError(t, err)
	assert.Equal(t, "0xabc", res.TxHash)
}

func TestTransfer_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(TransferResult{TxHash: "0xabc", Status: TransferStatusSubmitted})
	}))
	defer srv.Close()

	res, err := testClient(srv.URL, 3, 10).Transfer(t.Context(), transferReq())
	require.NoError(t, err)
	assert.Equal(t, "0xabc", res.TxHash)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestTransfer_ClientErrorIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"invalid_address","message":"bad destination"}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL, 3, 10).Transfer(t.Context(), transferReq())
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	var resp *ErrorResponse
	require.ErrorAs(t, err, &resp)
	assert.Equal(t, "invalid_address", resp.Code)
}

func TestTransfer_RejectedIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(TransferResult{Status: TransferStatusRejected, Reason: "sanctioned"})
	}))
	defer srv.Close()

	_, err := testClient(srv.URL, 0, 5).Transfer(t.Context(), transferReq())
	assert.ErrorIs(t, err, ErrTransferRejected)
	assert.True(t, IsPermanent(err))
}

func TestTransfer_OpenBreakerIsUpstreamUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := testClient(srv.URL, 0, 1)
	_, err := c.Transfer(t.Context(), transferReq())
	require.Error(t, err)
	assert.False(t, IsPermanent(err))

	_, err = c.Transfer(t.Context(), transferReq())
	assert.True(t, domainerrors.IsUpstreamUnavailable(err))
}

func TestBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "TRON", r.URL.Query().Get("chain"))
		assert.Equal(t, "TRX", r.URL.Query().Get("currency"))
		_, _ = w.Write([]byte(`{"chain":"TRON","currency":"TRX","address":"TAddr","amount":"42.000001"}`))
	}))
	defer srv.Close()

	amount, err := testClient(srv.URL, 0, 5).Balance(t.Context(), "TRON", "TRX", "TAddr")
	require.NoError(t, err)
	assert.Equal(t, "42.000001", amount.String())
}

func TestValidateAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req validateAddressRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(validateAddressResponse{Valid: req.Address == "TGood"})
	}))
	defer srv.Close()

	c := testClient(srv.URL, 0, 5)
	ok, err := c.ValidateAddress(t.Context(), "TRON", "TGood")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.ValidateAddress(t.Context(), "TRON", "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}
