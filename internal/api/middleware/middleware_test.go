package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/rail-service/ledger_engine/pkg/logger"
)

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(mw...)
	router.POST("/ops", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

func post(router *gin.Engine, remote, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/ops", nil)
	req.RemoteAddr = remote
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestOpsAuth(t *testing.T) {
	router := newRouter(OpsAuth("s3cret"))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic s3cret", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "Bearer s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(router, "10.0.0.1:1234", tt.header)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestOpsAuth_EmptyTokenRejectsEverything(t *testing.T) {
	router := newRouter(OpsAuth(""))
	w := post(router, "10.0.0.1:1234", "Bearer ")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequestID_EchoesOrGenerates(t *testing.T) {
	router := newRouter(RequestID())

	req := httptest.NewRequest(http.MethodPost, "/ops", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))

	w = post(router, "10.0.0.1:1234", "")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestOpsRateLimiter_BlocksExcessPerIP(t *testing.T) {
	limiter := NewOpsRateLimiter(2, time.Minute)
	defer limiter.Shutdown(time.Second)
	router := newRouter(limiter.Limit())

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, post(router, "192.168.1.1:1", "").Code)
	}
	w := post(router, "192.168.1.1:1", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")

	assert.Equal(t, http.StatusOK, post(router, "192.168.1.2:1", "").Code)
	assert.Equal(t, 2, limiter.Size())
}

func TestOpsRateLimiter_SweepsIdleEntries(t *testing.T) {
	limiter := NewOpsRateLimiter(10, time.Minute)
	defer limiter.Shutdown(time.Second)

	limiter.limiterFor("ip1")
	limiter.limiterFor("ip1")
	assert.Equal(t, 1, limiter.Size())

	limiter.sweep(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 0, limiter.Size())
}

func TestRecovery_ReturnsInternalError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestID(), Recovery(logger.Nop()))
	router.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}
