package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kissanbandi/coupon-service/internal/auth"
	"github.com/kissanbandi/coupon-service/internal/config"
)

const testSecret = "coupon-test-secret"

func testConfig() *config.Config {
	return &config.Config{
		Environment:        "development",
		HTTPPort:           0,
		StoreBackend:       config.BackendMemory,
		KafkaEnabled:       false,
		IdempotencyTTL:     time.Hour,
		ReservationTimeout: 10 * time.Minute,
		LockTimeout:        time.Second,
		SweepInterval:      time.Hour,
		SweepBatchSize:     100,
		JWTSecret:          testSecret,
		CBFailureRatio:     0.5,
		CORSAllowedOrigins: []string{"http://localhost:3000"},
	}
}

func newTestApp(t *testing.T, cfg *config.Config) (*App, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	reg := prometheus.NewRegistry()

	a, err := newApp(cfg, logger, reg, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	require.NoError(t, err)

	srv := httptest.NewServer(a.httpServer.Handler)
	t.Cleanup(srv.Close)
	return a, srv
}

// testClient issues requests as one user, signing a token the way the user
// service does.
type testClient struct {
	t     *testing.T
	base  string
	token string
}

func newClient(t *testing.T, srv *httptest.Server, userID, role string) *testClient {
	t.Helper()
	token, err := auth.Sign(testSecret, userID, role, time.Hour)
	require.NoError(t, err)
	return &testClient{t: t, base: srv.URL, token: token}
}

func (c *testClient) do(method, path string, body any) (int, map[string]any) {
	c.t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	require.NoError(c.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(c.t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func dataField(t *testing.T, body map[string]any, field string) any {
	t.Helper()
	data, ok := body["data"].(map[string]any)
	require.True(t, ok, "response has no data object: %v", body)
	return data[field]
}

func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, "response has no error object: %v", body)
	return e["code"].(string)
}

func createCoupon(t *testing.T, admin *testClient, code string, maxUses int) string {
	t.Helper()
	now := time.Now().UTC()
	status, body := admin.do(http.MethodPost, "/api/v1/coupons/", map[string]any{
		"code":            code,
		"title":           "Checkout flow coupon",
		"discount_type":   "fixed",
		"discount_value":  5000,
		"min_order_value": 10000,
		"max_usage_count": maxUses,
		"start_date":      now.Add(-time.Hour).Format(time.RFC3339),
		"end_date":        now.Add(24 * time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, status, body)
	return dataField(t, body, "id").(string)
}

func TestCheckoutFlow(t *testing.T) {
	_, srv := newTestApp(t, testConfig())

	admin := newClient(t, srv, "admin-1", "admin")
	alice := newClient(t, srv, "alice", "customer")
	bob := newClient(t, srv, "bob", "customer")
	carol := newClient(t, srv, "carol", "customer")

	couponID := createCoupon(t, admin, "FLOW50", 2)
	order := map[string]any{"order_total": 40000}

	// Two holds fill the cap; a third shopper is turned away.
	status, aliceRes := alice.do(http.MethodPost, "/api/v1/coupons/"+couponID+"/reserve", order)
	require.Equal(t, http.StatusCreated, status, aliceRes)
	assert.EqualValues(t, 5000, dataField(t, aliceRes, "discount_amount"))

	status, bobRes := bob.do(http.MethodPost, "/api/v1/coupons/"+couponID+"/reserve", order)
	require.Equal(t, http.StatusCreated, status, bobRes)

	status, body := carol.do(http.MethodPost, "/api/v1/coupons/"+couponID+"/reserve", order)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "USAGE_LIMIT_REACHED", errorCode(t, body))

	// Bob abandons checkout; his hold goes back to the pool.
	status, _ = bob.do(http.MethodPost, "/api/v1/coupons/"+couponID+"/release", map[string]any{
		"reservation_id": dataField(t, bobRes, "reservation_id"),
	})
	require.Equal(t, http.StatusOK, status)

	status, carolRes := carol.do(http.MethodPost, "/api/v1/coupons/"+couponID+"/reserve", order)
	require.Equal(t, http.StatusCreated, status, carolRes)

	// Alice and Carol pay.
	for i, c := range []struct {
		client *testClient
		res    map[string]any
	}{{alice, aliceRes}, {carol, carolRes}} {
		status, body := c.client.do(http.MethodPost, "/api/v1/coupons/"+couponID+"/usage", map[string]any{
			"reservation_id": dataField(t, c.res, "reservation_id"),
			"order_id":       []string{"order-a", "order-c"}[i],
		})
		require.Equal(t, http.StatusCreated, status, body)
	}

	status, body = admin.do(http.MethodGet, "/api/v1/coupons/"+couponID+"/stats", nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.EqualValues(t, 2, dataField(t, body, "current_usage"))
	assert.EqualValues(t, 10000, dataField(t, body, "budget_utilized"))
	assert.EqualValues(t, 80000, dataField(t, body, "total_sales"))
	assert.EqualValues(t, 0, dataField(t, body, "pending_reservations"))
	assert.Equal(t, "usage_limit_reached", dataField(t, body, "status"))

	status, body = alice.do(http.MethodPost, "/api/v1/coupons/validate", map[string]any{
		"code":       "flow50",
		"cart_total": 40000,
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, dataField(t, body, "eligible"))
}

func TestAuthentication(t *testing.T) {
	_, srv := newTestApp(t, testConfig())

	anonymous := &testClient{t: t, base: srv.URL}
	status, _ := anonymous.do(http.MethodGet, "/api/v1/coupons/available", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	forged, err := auth.Sign("another-secret", "mallory", "admin", time.Hour)
	require.NoError(t, err)
	mallory := &testClient{t: t, base: srv.URL, token: forged}
	status, _ = mallory.do(http.MethodGet, "/api/v1/coupons/", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	customer := newClient(t, srv, "alice", "customer")
	status, _ = customer.do(http.MethodGet, "/api/v1/coupons/", nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = anonymous.do(http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestMetricsEndpoint(t *testing.T) {
	_, srv := newTestApp(t, testConfig())
	admin := newClient(t, srv, "admin-1", "admin")
	alice := newClient(t, srv, "alice", "customer")

	couponID := createCoupon(t, admin, "METRIC50", 5)
	status, _ := alice.do(http.MethodPost, "/api/v1/coupons/"+couponID+"/reserve", map[string]any{"order_total": 40000})
	require.Equal(t, http.StatusCreated, status)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `coupon_reservations_total{outcome="reserved"} 1`)
}

func TestRun_SweepsExpiredReservations(t *testing.T) {
	cfg := testConfig()
	cfg.ReservationTimeout = 50 * time.Millisecond
	cfg.SweepInterval = 20 * time.Millisecond
	a, srv := newTestApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	admin := newClient(t, srv, "admin-1", "admin")
	alice := newClient(t, srv, "alice", "customer")
	couponID := createCoupon(t, admin, "SWEEP50", 1)

	status, res := alice.do(http.MethodPost, "/api/v1/coupons/"+couponID+"/reserve", map[string]any{"order_total": 40000})
	require.Equal(t, http.StatusCreated, status, res)
	reservationID := dataField(t, res, "reservation_id").(string)

	assert.Eventually(t, func() bool {
		status, body := alice.do(http.MethodGet, "/api/v1/coupons/reservations/"+reservationID, nil)
		return status == http.StatusOK && dataField(t, body, "status") == "expired"
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
