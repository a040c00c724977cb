package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/model"
	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/shared/metrics"
	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/shared/middleware"
)

// memStore implements Store with the same atomic contract as the
// database-backed store: balance check and append under one lock.
type memStore struct {
	mu      sync.Mutex
	subs    map[uuid.UUID]*model.Subscription
	grants  []model.CreditGrant
	records []model.UsageRecord
}

func newMemStore() *memStore {
	return &memStore{subs: make(map[uuid.UUID]*model.Subscription)}
}

func (m *memStore) snapshotLocked(userID uuid.UUID) (*Entitlement, *model.Subscription, int64) {
	sub := m.subs[userID]
	now := time.Now().UTC()
	periodStart, periodEnd := periodFor(sub, now)
	limit, planType, unlimited := limitFor(sub)

	// Grant balances are not period-scoped; unspent credits carry over.
	var granted int64
	for _, g := range m.grants {
		if g.UserID == userID {
			granted += g.Remaining
		}
	}

	var used int64
	for _, r := range m.records {
		if r.UserID == userID && !r.CreatedAt.Before(periodStart) && r.CreatedAt.Before(periodEnd) {
			used += r.TokensUsed
		}
	}

	subRemaining := limit - used
	if subRemaining < 0 {
		subRemaining = 0
	}
	remaining := subRemaining + granted
	return &Entitlement{
		Allowed:     unlimited || remaining > 0,
		Remaining:   remaining,
		Limit:       limit + granted,
		Used:        used,
		PlanType:    planType,
		Unlimited:   unlimited,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
	}, sub, granted
}

func (m *memStore) Snapshot(_ context.Context, userID uuid.UUID) (*Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ent, _, _ := m.snapshotLocked(userID)
	return ent, nil
}

func (m *memStore) Debit(_ context.Context, p DebitParams) (*DebitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ent, sub, granted := m.snapshotLocked(p.UserID)
	if !ent.Unlimited && ent.Remaining < p.Amount {
		return nil, &InsufficientCreditsError{Remaining: ent.Remaining, Limit: ent.Limit, PlanType: ent.PlanType}
	}

	if !ent.Unlimited {
		subRemaining := ent.Remaining - granted
		draw := p.Amount - subRemaining
		for i := range m.grants {
			if draw <= 0 {
				break
			}
			if m.grants[i].UserID != p.UserID || m.grants[i].Remaining == 0 {
				continue
			}
			take := m.grants[i].Remaining
			if take > draw {
				take = draw
			}
			m.grants[i].Remaining -= take
			draw -= take
		}
	}

	rec := newUsageRecord(p, sub)
	m.records = append(m.records, *rec)

	remaining := ent.Remaining - p.Amount
	if ent.Unlimited {
		remaining = ent.Remaining
	}
	return &DebitResult{
		UsageID:   rec.ID,
		Remaining: remaining,
		Limit:     ent.Limit,
		PlanType:  ent.PlanType,
		Unlimited: ent.Unlimited,
	}, nil
}

func (m *memStore) Append(_ context.Context, p DebitParams) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := newUsageRecord(p, m.subs[p.UserID])
	m.records = append(m.records, *rec)
	return rec.ID, nil
}

func (m *memStore) totalUsed(userID uuid.UUID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, r := range m.records {
		if r.UserID == userID {
			total += r.TokensUsed
		}
	}
	return total
}

func activeSubscription(userID uuid.UUID, limit int64) *model.Subscription {
	now := time.Now().UTC()
	return &model.Subscription{
		ID:                uuid.New(),
		UserID:            userID,
		PlanType:          "monthly",
		Status:            model.SubscriptionStatusActive,
		PeriodStart:       now.AddDate(0, 0, -1),
		PeriodEnd:         now.AddDate(0, 1, 0),
		MonthlyTokenLimit: limit,
	}
}

func newTestService(store Store) *Service {
	return NewService(store, zap.NewNop(), metrics.New(prometheus.NewRegistry()))
}

func TestConcurrentDebitsNeverOvershoot(t *testing.T) {
	const limit = 50
	const attempts = 80

	userID := uuid.New()
	store := newMemStore()
	store.subs[userID] = activeSubscription(userID, limit)
	svc := newTestService(store)

	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Debit(context.Background(), userID, 1, model.UsageTypeGeneration, "shopping cart", "modern")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, rejections int
	for err := range results {
		if err == nil {
			successes++
			continue
		}
		var insufficient *InsufficientCreditsError
		require.True(t, errors.As(err, &insufficient), "unexpected error: %v", err)
		rejections++
	}

	assert.Equal(t, limit, successes)
	assert.Equal(t, attempts-limit, rejections)
	assert.Equal(t, int64(limit), store.totalUsed(userID))
}

func TestDebitInsufficientCarriesPlanDetails(t *testing.T) {
	userID := uuid.New()
	store := newMemStore()
	store.subs[userID] = activeSubscription(userID, 0)
	svc := newTestService(store)

	_, err := svc.Debit(context.Background(), userID, 1, model.UsageTypeGeneration, "cat", "flat")
	var insufficient *InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(0), insufficient.Remaining)
	assert.Equal(t, "monthly", insufficient.PlanType)
}

func TestDebitUnlimitedPlanStillRecordsUsage(t *testing.T) {
	userID := uuid.New()
	store := newMemStore()
	sub := activeSubscription(userID, -1)
	sub.PlanType = "yearly"
	store.subs[userID] = sub
	svc := newTestService(store)

	for i := 0; i < 3; i++ {
		result, err := svc.Debit(context.Background(), userID, 1, model.UsageTypeGeneration, "rocket", "minimal")
		require.NoError(t, err)
		assert.True(t, result.Unlimited)
	}
	assert.Equal(t, int64(3), store.totalUsed(userID))
}

func TestNoSubscriptionMeansZeroCredits(t *testing.T) {
	userID := uuid.New()
	svc := newTestService(newMemStore())

	ent, err := svc.CheckEntitlement(context.Background(), userID, 1)
	require.NoError(t, err)
	assert.False(t, ent.Allowed)
	assert.Equal(t, int64(0), ent.Remaining)
	assert.Equal(t, "free", ent.PlanType)
}

func TestCreditGrantExtendsLimit(t *testing.T) {
	userID := uuid.New()
	store := newMemStore()
	store.grants = append(store.grants, model.CreditGrant{
		ID:         uuid.New(),
		UserID:     userID,
		PaymentRef: "pi_test_1",
		Credits:    25,
		Remaining:  25,
		CreatedAt:  time.Now().UTC(),
	})
	svc := newTestService(store)

	ent, err := svc.CheckEntitlement(context.Background(), userID, 1)
	require.NoError(t, err)
	assert.True(t, ent.Allowed)
	assert.Equal(t, int64(25), ent.Remaining)
}

func TestGrantCreditsCarryAcrossPeriods(t *testing.T) {
	userID := uuid.New()
	store := newMemStore()
	store.grants = append(store.grants, model.CreditGrant{
		ID:         uuid.New(),
		UserID:     userID,
		PaymentRef: "pi_old_pack",
		Credits:    25,
		Remaining:  25,
		CreatedAt:  time.Now().UTC().AddDate(0, 0, -40),
	})
	svc := newTestService(store)

	ent, err := svc.CheckEntitlement(context.Background(), userID, 1)
	require.NoError(t, err)
	assert.True(t, ent.Allowed)
	assert.Equal(t, int64(25), ent.Remaining, "purchased credits must not expire with the period")

	_, err = svc.Debit(context.Background(), userID, 1, model.UsageTypeGeneration, "cat", "flat")
	require.NoError(t, err)
	assert.Equal(t, int64(24), store.grants[0].Remaining)
}

func TestDebitSpendsSubscriptionBeforeGrants(t *testing.T) {
	userID := uuid.New()
	store := newMemStore()
	store.subs[userID] = activeSubscription(userID, 2)
	store.grants = append(store.grants, model.CreditGrant{
		ID:         uuid.New(),
		UserID:     userID,
		PaymentRef: "pi_pack",
		Credits:    5,
		Remaining:  5,
		CreatedAt:  time.Now().UTC(),
	})
	svc := newTestService(store)

	for i := 0; i < 3; i++ {
		_, err := svc.Debit(context.Background(), userID, 1, model.UsageTypeGeneration, "owl", "line")
		require.NoError(t, err)
	}

	assert.Equal(t, int64(4), store.grants[0].Remaining, "only the third debit draws the grant")
	assert.Equal(t, int64(3), store.totalUsed(userID))
}

func TestRecordFailureAppendsZeroTokens(t *testing.T) {
	userID := uuid.New()
	store := newMemStore()
	store.subs[userID] = activeSubscription(userID, 10)
	svc := newTestService(store)

	require.NoError(t, svc.RecordFailure(context.Background(), userID, model.UsageTypeGeneration, "dog", "flat"))

	ent, err := svc.CheckEntitlement(context.Background(), userID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), ent.Remaining, "failure records consume no credits")
	assert.Equal(t, int64(0), store.totalUsed(userID))
}

// --- Handler ---

func setupCreditsRouter(svc *Service, userID uuid.UUID) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	group := r.Group("/api/credits")
	group.Use(func(c *gin.Context) {
		c.Set(middleware.ContextUserIDKey, userID)
	})
	NewHandler(svc, zap.NewNop()).RegisterRoutes(group)
	return r
}

func TestDebitEndpointInsufficientCredits(t *testing.T) {
	userID := uuid.New()
	store := newMemStore()
	store.subs[userID] = activeSubscription(userID, 0)
	router := setupCreditsRouter(newTestService(store), userID)

	body := `{"prompt":"shopping cart","style":"modern","isImprovement":false}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/credits/debit", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Insufficient credits", resp["error"])
	assert.Equal(t, float64(0), resp["remaining_tokens"])
	assert.Equal(t, "monthly", resp["plan_type"])
}

func TestDebitEndpointSuccess(t *testing.T) {
	userID := uuid.New()
	store := newMemStore()
	store.subs[userID] = activeSubscription(userID, 50)
	router := setupCreditsRouter(newTestService(store), userID)

	body := `{"prompt":"shopping cart","style":"modern"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/credits/debit", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, float64(49), resp["remaining_tokens"])
	assert.NotEmpty(t, resp["usage_id"])
}

func TestDebitEndpointMissingFields(t *testing.T) {
	userID := uuid.New()
	router := setupCreditsRouter(newTestService(newMemStore()), userID)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/credits/debit", strings.NewReader(`{"prompt":"cat"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
