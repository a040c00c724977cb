package gate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/module/ledger"
	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/shared/config"
	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/shared/middleware"
)

func testConfig() *config.RateLimitConfig {
	return &config.RateLimitConfig{Requests: 10, Window: 60 * time.Second}
}

func TestRedisLimiterFixedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRedisLimiter(client, testConfig())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		allowed, err := limiter.Allow(ctx, "user-1")
		require.NoError(t, err)
		assert.True(t, allowed, "request %d within limit", i+1)
	}

	allowed, err := limiter.Allow(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, allowed, "11th request exceeds the window")

	// Another user has an independent counter.
	allowed, err = limiter.Allow(ctx, "user-2")
	require.NoError(t, err)
	assert.True(t, allowed)

	// The window expires and the counter resets.
	mr.FastForward(61 * time.Second)
	allowed, err = limiter.Allow(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestMemoryLimiterWindowReset(t *testing.T) {
	limiter := NewMemoryLimiter(testConfig())
	now := time.Now()
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		allowed, _ := limiter.Allow(ctx, "user-1")
		assert.True(t, allowed)
	}
	allowed, _ := limiter.Allow(ctx, "user-1")
	assert.False(t, allowed)

	now = now.Add(61 * time.Second)
	allowed, _ = limiter.Allow(ctx, "user-1")
	assert.True(t, allowed)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func TestFallbackLimiterDegradesToMemory(t *testing.T) {
	limiter := &FallbackLimiter{
		primary:  failingLimiter{},
		fallback: NewMemoryLimiter(&config.RateLimitConfig{Requests: 1, Window: time.Minute}),
		logger:   zap.NewNop(),
	}
	ctx := context.Background()

	allowed, err := limiter.Allow(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = limiter.Allow(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, allowed, "fallback counter still enforces the limit")
}

// --- Middleware ---

type stubEntitlements struct {
	ent *ledger.Entitlement
	err error
}

func (s *stubEntitlements) CheckEntitlement(context.Context, uuid.UUID, int64) (*ledger.Entitlement, error) {
	return s.ent, s.err
}

func setupGateRouter(limiter Limiter, ents EntitlementChecker, userID uuid.UUID) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/api/generate/stream",
		func(c *gin.Context) { c.Set(middleware.ContextUserIDKey, userID) },
		Middleware(limiter, ents, zap.NewNop()),
		func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) },
	)
	return r
}

func hitGate(router *gin.Engine) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/generate/stream", nil)
	router.ServeHTTP(w, req)
	return w
}

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRedisLimiter(client, testConfig())
	ents := &stubEntitlements{ent: &ledger.Entitlement{Allowed: true, Remaining: 5}}
	router := setupGateRouter(limiter, ents, uuid.New())

	for i := 0; i < 10; i++ {
		assert.Equal(t, http.StatusOK, hitGate(router).Code)
	}
	w := hitGate(router)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestMiddlewareRejectsWithoutCredits(t *testing.T) {
	limiter := NewMemoryLimiter(testConfig())
	ents := &stubEntitlements{ent: &ledger.Entitlement{
		Allowed:   false,
		Remaining: 0,
		Limit:     50,
		PlanType:  "monthly",
	}}
	router := setupGateRouter(limiter, ents, uuid.New())

	w := hitGate(router)
	require.Equal(t, http.StatusForbidden, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Insufficient credits", resp["error"])
	assert.Equal(t, float64(50), resp["monthly_limit"])
	assert.Equal(t, "monthly", resp["plan_type"])
}

func TestMiddlewareEntitlementErrorFailsOpen(t *testing.T) {
	limiter := NewMemoryLimiter(testConfig())
	ents := &stubEntitlements{err: errors.New("db down")}
	router := setupGateRouter(limiter, ents, uuid.New())

	// Advisory check only; the authoritative debit happens later.
	assert.Equal(t, http.StatusOK, hitGate(router).Code)
}

func TestMiddlewareRequiresAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/api/generate/stream",
		Middleware(NewMemoryLimiter(testConfig()), &stubEntitlements{}, zap.NewNop()),
		func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) },
	)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/generate/stream", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
