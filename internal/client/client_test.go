package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kissanbandi/coupon-service/internal/domain"
	apperrors "github.com/kissanbandi/coupon-service/pkg/errors"
	"github.com/kissanbandi/coupon-service/pkg/httpclient"
)

func testDoer() *httpclient.Client {
	return httpclient.New(httpclient.Config{
		Timeout:         time.Second,
		MaxRetries:      0,
		RetryWaitMin:    time.Millisecond,
		RetryWaitMax:    time.Millisecond,
		MaxConnsPerHost: 4,
	})
}

func TestCartClient_GetCart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/cart", r.URL.Path)
		assert.Equal(t, "user-1", r.Header.Get("X-User-ID"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"data":{"items":[
			{"product_id":"p-1","category_id":"c-1","quantity":2,"price":25000},
			{"product_id":"p-2","quantity":1,"price":10000}
		]}}`)
	}))
	defer srv.Close()

	cart, err := NewCartClient(testDoer(), srv.URL+"/").GetCart(context.Background(), "user-1")
	require.NoError(t, err)

	assert.Equal(t, int64(60000), cart.Total)
	require.Len(t, cart.Items, 2)
	assert.Equal(t, domain.CartItem{ProductID: "p-1", CategoryID: "c-1", Quantity: 2, Price: 25000}, cart.Items[0])
}

func TestCartClient_KeepsReportedTotal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":{"items":[{"product_id":"p-1","quantity":1,"price":1000}],"total":900}}`)
	}))
	defer srv.Close()

	cart, err := NewCartClient(testDoer(), srv.URL).GetCart(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(900), cart.Total)
}

func TestCartClient_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"code":"NOT_FOUND","message":"cart not found"}}`)
	}))
	defer srv.Close()

	_, err := NewCartClient(testDoer(), srv.URL).GetCart(context.Background(), "user-1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestUserClient_Classify(t *testing.T) {
	profiles := map[string]string{
		"/api/v1/users/gold":    `{"data":{"membership_type":"Premium","order_count":12}}`,
		"/api/v1/users/fresh":   `{"data":{"membership_type":"standard","order_count":0}}`,
		"/api/v1/users/regular": `{"data":{"membership_type":"standard","order_count":3}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := profiles[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, body)
	}))
	defer srv.Close()

	users := NewUserClient(testDoer(), srv.URL)
	tests := []struct {
		id   string
		want string
	}{
		{"gold", domain.UserGroupPremium},
		{"fresh", domain.UserGroupNew},
		{"regular", domain.UserGroupAll},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got, err := users.Classify(context.Background(), tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := users.Classify(context.Background(), "ghost")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestUserClient_BadPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `not json`)
	}))
	defer srv.Close()

	_, err := NewUserClient(testDoer(), srv.URL).Classify(context.Background(), "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode user response")
}

func TestCircuitOpenFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := httpclient.DefaultCircuitBreakerConfig("cart-service-test")
	cfg.MinRequests = 1
	cfg.Timeout = time.Minute
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	doer := httpclient.NewCircuitBreakerClient(testDoer(), cfg, logger).WithFallback(CircuitOpenFallback)
	carts := NewCartClient(doer, srv.URL)

	_, err := carts.GetCart(context.Background(), "user-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperrors.ErrServiceUnavail)

	_, err = carts.GetCart(context.Background(), "user-1")
	assert.ErrorIs(t, err, apperrors.ErrServiceUnavail)
	assert.True(t, apperrors.IsRetryable(err))
}
