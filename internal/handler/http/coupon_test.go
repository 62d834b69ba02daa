package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kissanbandi/coupon-service/internal/event"
	"github.com/kissanbandi/coupon-service/internal/repository"
	"github.com/kissanbandi/coupon-service/internal/repository/memory"
	"github.com/kissanbandi/coupon-service/internal/service"
	"github.com/kissanbandi/coupon-service/pkg/health"
	"github.com/kissanbandi/coupon-service/pkg/httputil"
	"github.com/kissanbandi/coupon-service/pkg/middleware"
)

// ============================================================================
// Test setup
// ============================================================================

type testEnv struct {
	store  *memory.Store
	router http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithLockTimeout(t, 5*time.Second)
}

func newTestEnvWithLockTimeout(t *testing.T, lockTimeout time.Duration) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	store := memory.NewStore(lockTimeout)
	events := event.NewProducer(nil, logger)
	metrics := service.NewMetrics(prometheus.NewRegistry())

	h := NewCouponHandler(
		service.NewCouponService(store, events, nil, metrics, logger),
		service.NewReservationService(store, events, nil, nil, metrics, service.ReservationConfig{}, logger),
		service.NewLedgerService(store, events, nil, metrics, logger),
		service.NewStatsService(store, logger),
		logger,
	)
	router := NewRouter(h, health.NewHandler(), RouterConfig{
		CORS:           middleware.CORSConfig{AllowedOrigins: []string{"*"}},
		MetricsHandler: http.NotFoundHandler(),
	}, logger)

	return &testEnv{store: store, router: router}
}

type caller struct {
	id   string
	role string
}

var (
	admin  = caller{id: "admin-1", role: RoleAdmin}
	alice  = caller{id: "alice", role: "customer"}
	bob    = caller{id: "bob", role: "customer"}
	nobody = caller{}
)

func (e *testEnv) do(t *testing.T, c caller, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.id != "" {
		req.Header.Set(middleware.HeaderUserID, c.id)
		req.Header.Set(middleware.HeaderUserRole, c.role)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var resp struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp.Data
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp httputil.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	require.NotNil(t, resp.Error, rec.Body.String())
	return resp.Error.Code
}

func couponBody(code string) map[string]any {
	now := time.Now().UTC()
	return map[string]any{
		"code":           code,
		"title":          "Summer sale",
		"discount_type":  "percentage",
		"discount_value": 1000,
		"start_date":     now.Add(-time.Hour).Format(time.RFC3339),
		"end_date":       now.Add(24 * time.Hour).Format(time.RFC3339),
	}
}

func (e *testEnv) createCoupon(t *testing.T, body map[string]any) string {
	t.Helper()
	rec := e.do(t, admin, http.MethodPost, "/api/v1/coupons/", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeData[struct {
		ID string `json:"id"`
	}](t, rec).ID
}

// ============================================================================
// Administration
// ============================================================================

func TestCreateCoupon(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, admin, http.MethodPost, "/api/v1/coupons/", couponBody("summer10"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	got := decodeData[struct {
		Code      string `json:"code"`
		CreatedBy string `json:"created_by"`
	}](t, rec)
	assert.Equal(t, "SUMMER10", got.Code)
	assert.Equal(t, "admin-1", got.CreatedBy)

	rec = env.do(t, admin, http.MethodPost, "/api/v1/coupons/", couponBody("SUMMER10"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_EXISTS", errorCode(t, rec))
}

func TestCreateCoupon_Validation(t *testing.T) {
	env := newTestEnv(t)

	body := couponBody("SUMMER10")
	body["discount_type"] = "bogo"
	rec := env.do(t, admin, http.MethodPost, "/api/v1/coupons/", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, rec))

	body = couponBody("SUMMER10")
	body["start_date"] = "yesterday"
	rec = env.do(t, admin, http.MethodPost, "/api/v1/coupons/", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", errorCode(t, rec))

	body = couponBody("SUMMER10")
	body["discount_value"] = 20000
	rec = env.do(t, admin, http.MethodPost, "/api/v1/coupons/", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRoutes_RequireAdmin(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, alice, http.MethodPost, "/api/v1/coupons/", couponBody("SUMMER10"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, nobody, http.MethodGet, "/api/v1/coupons/", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListCoupons(t *testing.T) {
	env := newTestEnv(t)
	env.createCoupon(t, couponBody("AAA10"))
	env.createCoupon(t, couponBody("BBB10"))
	inactive := couponBody("CCC10")
	inactive["is_active"] = false
	env.createCoupon(t, inactive)

	rec := env.do(t, admin, http.MethodGet, "/api/v1/coupons/?status=active&sort_by=code&sort_order=asc&per_page=1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var page struct {
		Data []struct {
			Code   string `json:"code"`
			Status string `json:"status"`
		} `json:"data"`
		TotalCount int  `json:"total_count"`
		HasNext    bool `json:"has_next"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 2, page.TotalCount)
	assert.True(t, page.HasNext)
	require.Len(t, page.Data, 1)
	assert.Equal(t, "AAA10", page.Data[0].Code)
	assert.Equal(t, "active", page.Data[0].Status)

	rec = env.do(t, admin, http.MethodGet, "/api/v1/coupons/?status=paused", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUpdateToggleDelete(t *testing.T) {
	env := newTestEnv(t)
	id := env.createCoupon(t, couponBody("SUMMER10"))

	rec := env.do(t, admin, http.MethodGet, "/api/v1/coupons/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_PARAMETER", errorCode(t, rec))

	rec = env.do(t, admin, http.MethodGet, "/api/v1/coupons/7f1e4c1a-8a55-4e43-9f7d-0c1b2a3d4e5f", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, admin, http.MethodPut, "/api/v1/coupons/"+id, map[string]any{
		"title":           "Summer sale extended",
		"max_usage_count": 100,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decodeData[struct {
		Title         string `json:"title"`
		MaxUsageCount *int   `json:"max_usage_count"`
	}](t, rec)
	assert.Equal(t, "Summer sale extended", updated.Title)
	require.NotNil(t, updated.MaxUsageCount)
	assert.Equal(t, 100, *updated.MaxUsageCount)

	rec = env.do(t, admin, http.MethodPatch, "/api/v1/coupons/"+id+"/toggle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeData[struct {
		IsActive bool `json:"is_active"`
	}](t, rec).IsActive)

	rec = env.do(t, admin, http.MethodDelete, "/api/v1/coupons/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, admin, http.MethodGet, "/api/v1/coupons/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBulkStatus(t *testing.T) {
	env := newTestEnv(t)
	a := env.createCoupon(t, couponBody("AAA10"))
	b := env.createCoupon(t, couponBody("BBB10"))

	rec := env.do(t, admin, http.MethodPatch, "/api/v1/coupons/bulk/status", map[string]any{
		"coupon_ids": []string{a, b},
		"is_active":  false,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeData[bulkStatusResponse](t, rec)
	assert.ElementsMatch(t, []string{a, b}, got.Updated)
	assert.Equal(t, 2, got.Requested)

	rec = env.do(t, admin, http.MethodPatch, "/api/v1/coupons/bulk/status", map[string]any{
		"coupon_ids": []string{"nope"},
		"is_active":  true,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, rec))
}

func TestExportCoupons(t *testing.T) {
	env := newTestEnv(t)
	env.createCoupon(t, couponBody("SUMMER10"))

	rec := env.do(t, admin, http.MethodGet, "/api/v1/coupons/export?format=csv", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "id,code,title"))
	assert.Contains(t, lines[1], "SUMMER10")

	rec = env.do(t, admin, http.MethodGet, "/api/v1/coupons/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeData[[]map[string]any](t, rec), 1)

	rec = env.do(t, admin, http.MethodGet, "/api/v1/coupons/export?format=xml", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalyticsOverview(t *testing.T) {
	env := newTestEnv(t)
	env.createCoupon(t, couponBody("SUMMER10"))

	rec := env.do(t, admin, http.MethodGet, "/api/v1/coupons/analytics/overview?days=7", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeData[struct {
		Days         int `json:"days"`
		TotalCoupons int `json:"total_coupons"`
	}](t, rec)
	assert.Equal(t, 7, got.Days)
	assert.Equal(t, 1, got.TotalCoupons)

	rec = env.do(t, admin, http.MethodGet, "/api/v1/coupons/analytics/overview?days=week", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ============================================================================
// Public and quotes
// ============================================================================

func TestPublicRoutes(t *testing.T) {
	env := newTestEnv(t)
	env.createCoupon(t, couponBody("SUMMER10"))

	rec := env.do(t, nobody, http.MethodGet, "/api/v1/coupons/public/summer10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "public, max-age=60", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "SUMMER10", decodeData[struct {
		Code string `json:"code"`
	}](t, rec).Code)

	rec = env.do(t, nobody, http.MethodGet, "/api/v1/coupons/public/NOPE10", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, nobody, http.MethodGet, "/api/v1/coupons/active/public", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeData[[]map[string]any](t, rec), 1)
}

func TestValidateCoupon(t *testing.T) {
	env := newTestEnv(t)
	body := couponBody("SAVE10")
	body["min_order_value"] = 50000
	body["max_usage_count"] = 1
	env.createCoupon(t, body)

	rec := env.do(t, alice, http.MethodPost, "/api/v1/coupons/validate", map[string]any{
		"code":       "save10",
		"cart_total": 100000,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeData[service.ValidationResult](t, rec)
	assert.True(t, got.Eligible)
	assert.Equal(t, int64(10000), got.DiscountAmount)
	assert.Equal(t, int64(90000), got.FinalAmount)

	rec = env.do(t, alice, http.MethodPost, "/api/v1/coupons/validate", map[string]any{
		"code":       "SAVE10",
		"cart_total": 1000,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	got = decodeData[service.ValidationResult](t, rec)
	assert.False(t, got.Eligible)
	assert.Equal(t, "minimum order value of 500.00 required", got.Reason)

	rec = env.do(t, alice, http.MethodPost, "/api/v1/coupons/validate", map[string]any{
		"code":       "UNKNOWN1",
		"cart_total": 1000,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, nobody, http.MethodPost, "/api/v1/coupons/validate", map[string]any{"code": "SAVE10"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestValidateCoupon_CartItemsTotal(t *testing.T) {
	env := newTestEnv(t)
	env.createCoupon(t, couponBody("SAVE10"))

	rec := env.do(t, alice, http.MethodPost, "/api/v1/coupons/validate", map[string]any{
		"code": "SAVE10",
		"cart_items": []map[string]any{
			{"product_id": "p-1", "quantity": 2, "price": 15000},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeData[service.ValidationResult](t, rec)
	assert.Equal(t, int64(3000), got.DiscountAmount)
	assert.Equal(t, int64(27000), got.FinalAmount)
}

func TestSuggestionsAvailableCanUse(t *testing.T) {
	env := newTestEnv(t)
	env.createCoupon(t, couponBody("SAVE10"))
	big := couponBody("SAVE20")
	big["discount_value"] = 2000
	env.createCoupon(t, big)

	rec := env.do(t, alice, http.MethodPost, "/api/v1/coupons/suggestions", map[string]any{"cart_total": 50000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sug := decodeData[service.Suggestions](t, rec)
	assert.Equal(t, 2, sug.TotalSuggestions)
	require.NotNil(t, sug.BestCoupon)
	assert.Equal(t, "SAVE20", sug.BestCoupon.Code)

	rec = env.do(t, alice, http.MethodGet, "/api/v1/coupons/available?cart_total=50000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	avail := decodeData[availableResponse](t, rec)
	assert.Equal(t, "all", avail.UserGroup)
	assert.Len(t, avail.Coupons, 2)

	rec = env.do(t, alice, http.MethodGet, "/api/v1/coupons/available?cart_total=-5", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, alice, http.MethodGet, "/api/v1/coupons/can-use/save10?cart_total=50000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	canUse := decodeData[service.CanUse](t, rec)
	assert.True(t, canUse.CanUse)
	assert.Equal(t, int64(5000), canUse.DiscountAmount)
}

// ============================================================================
// Reservations and usage
// ============================================================================

func reserve(t *testing.T, env *testEnv, c caller, couponID string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	return env.do(t, c, http.MethodPost, "/api/v1/coupons/"+couponID+"/reserve", body)
}

func TestReserveReleaseConfirm(t *testing.T) {
	env := newTestEnv(t)
	body := couponBody("SAVE10")
	body["max_usage_count"] = 1
	id := env.createCoupon(t, body)

	rec := reserve(t, env, alice, id, map[string]any{"order_total": 100000, "discount_amount": 10000})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	res := decodeData[ReservationResponse](t, rec)
	assert.Equal(t, int64(10000), res.DiscountAmount)
	assert.Equal(t, "alice", res.UserID)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), res.ExpiresAt, 5*time.Second)

	rec = reserve(t, env, bob, id, map[string]any{"order_total": 100000})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "USAGE_LIMIT_REACHED", errorCode(t, rec))

	rec = env.do(t, bob, http.MethodGet, "/api/v1/coupons/reservations/"+res.ReservationID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, alice, http.MethodGet, "/api/v1/coupons/reservations/"+res.ReservationID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, alice, http.MethodPost, "/api/v1/coupons/"+id+"/usage", map[string]any{
		"reservation_id": res.ReservationID,
		"order_id":       "order-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	used := decodeData[struct {
		OrderID        string `json:"order_id"`
		DiscountAmount int64  `json:"discount_amount"`
	}](t, rec)
	assert.Equal(t, "order-1", used.OrderID)
	assert.Equal(t, int64(10000), used.DiscountAmount)

	rec = env.do(t, alice, http.MethodPost, "/api/v1/coupons/"+id+"/usage", map[string]any{
		"reservation_id": res.ReservationID,
		"order_id":       "order-1",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "RESERVATION_NOT_PENDING", errorCode(t, rec))

	// Release of a confirmed reservation is a successful no-op.
	rec = env.do(t, alice, http.MethodPost, "/api/v1/coupons/"+id+"/release", map[string]any{"reservation_id": res.ReservationID})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeData[okResponse](t, rec).OK)

	rec = env.do(t, admin, http.MethodGet, "/api/v1/coupons/"+id+"/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeData[struct {
		CurrentUsage   int   `json:"current_usage"`
		BudgetUtilized int64 `json:"budget_utilized"`
	}](t, rec)
	assert.Equal(t, 1, stats.CurrentUsage)
	assert.Equal(t, int64(10000), stats.BudgetUtilized)

	rec = env.do(t, alice, http.MethodGet, "/api/v1/coupons/user/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_count":1`)
}

func TestReserve_NotEligible(t *testing.T) {
	env := newTestEnv(t)
	body := couponBody("SAVE10")
	body["min_order_value"] = 50000
	id := env.createCoupon(t, body)

	rec := reserve(t, env, alice, id, map[string]any{"order_total": 1000})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "NOT_ELIGIBLE", errorCode(t, rec))

	var resp httputil.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "minimum order value of 500.00 required", resp.Error.Message)
}

func TestReserve_UserMismatch(t *testing.T) {
	env := newTestEnv(t)
	id := env.createCoupon(t, couponBody("SAVE10"))

	rec := reserve(t, env, alice, id, map[string]any{"user_id": "bob", "order_total": 1000})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = reserve(t, env, admin, id, map[string]any{"user_id": "bob", "order_total": 1000})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "bob", decodeData[ReservationResponse](t, rec).UserID)
}

func TestRelease_UnknownReservation(t *testing.T) {
	env := newTestEnv(t)
	id := env.createCoupon(t, couponBody("SAVE10"))

	for _, rid := range []string{"garbage", "7f1e4c1a-8a55-4e43-9f7d-0c1b2a3d4e5f"} {
		rec := env.do(t, alice, http.MethodPost, "/api/v1/coupons/"+id+"/release", map[string]any{"reservation_id": rid})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, decodeData[okResponse](t, rec).OK)
	}
}

func TestDirectUsage_DuplicateOrder(t *testing.T) {
	env := newTestEnv(t)
	body := couponBody("SAVE10")
	body["usage_per_user"] = 5
	id := env.createCoupon(t, body)

	usage := map[string]any{"order_id": "order-9", "order_total": 20000}
	rec := env.do(t, alice, http.MethodPost, "/api/v1/coupons/"+id+"/usage", usage)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, alice, http.MethodPost, "/api/v1/coupons/"+id+"/usage", usage)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CONFLICT", errorCode(t, rec))
}

func TestReserve_BusyCoupon(t *testing.T) {
	env := newTestEnvWithLockTimeout(t, 20*time.Millisecond)
	id := env.createCoupon(t, couponBody("SAVE10"))

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = env.store.WithCouponLock(context.Background(), id, func(context.Context, repository.CouponTx) error {
			close(held)
			<-done
			return nil
		})
	}()
	<-held
	defer close(done)

	rec := reserve(t, env, alice, id, map[string]any{"order_total": 1000})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "COUPON_BUSY", errorCode(t, rec))
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestContentTypeJSON(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/coupons/validate", strings.NewReader("code=SAVE10"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(middleware.HeaderUserID, "alice")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}
