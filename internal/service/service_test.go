package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kissanbandi/coupon-service/internal/domain"
	"github.com/kissanbandi/coupon-service/internal/repository/memory"
	"github.com/kissanbandi/coupon-service/pkg/pagination"
)

// --- Mocks ---

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishCouponCreated(ctx context.Context, c *domain.Coupon) error {
	return m.Called(ctx, c).Error(0)
}

func (m *mockPublisher) PublishCouponUpdated(ctx context.Context, c *domain.Coupon) error {
	return m.Called(ctx, c).Error(0)
}

func (m *mockPublisher) PublishCouponDeleted(ctx context.Context, c *domain.Coupon) error {
	return m.Called(ctx, c).Error(0)
}

func (m *mockPublisher) PublishCouponReserved(ctx context.Context, r *domain.Reservation) error {
	return m.Called(ctx, r).Error(0)
}

func (m *mockPublisher) PublishCouponReleased(ctx context.Context, r *domain.Reservation) error {
	return m.Called(ctx, r).Error(0)
}

func (m *mockPublisher) PublishReservationExpired(ctx context.Context, r *domain.Reservation) error {
	return m.Called(ctx, r).Error(0)
}

func (m *mockPublisher) PublishCouponRedeemed(ctx context.Context, rec *domain.UsageRecord) error {
	return m.Called(ctx, rec).Error(0)
}

// newQuietPublisher accepts every event.
func newQuietPublisher() *mockPublisher {
	p := new(mockPublisher)
	for _, method := range []string{
		"PublishCouponCreated", "PublishCouponUpdated", "PublishCouponDeleted",
		"PublishCouponReserved", "PublishCouponReleased", "PublishReservationExpired",
		"PublishCouponRedeemed",
	} {
		p.On(method, mock.Anything, mock.Anything).Return(nil).Maybe()
	}
	return p
}

type mockCartProvider struct {
	mock.Mock
}

func (m *mockCartProvider) GetCart(ctx context.Context, userID string) (*domain.Cart, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Cart), args.Error(1)
}

type mockUserClassifier struct {
	mock.Mock
}

func (m *mockUserClassifier) Classify(ctx context.Context, userID string) (string, error) {
	args := m.Called(ctx, userID)
	return args.String(0), args.Error(1)
}

// --- Test Helpers ---

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	store        *memory.Store
	events       *mockPublisher
	metrics      *Metrics
	clock        *testClock
	coupons      *CouponService
	reservations *ReservationService
	ledger       *LedgerService
	stats        *StatsService
}

type fixtureOption func(*fixtureDeps)

type fixtureDeps struct {
	carts CartProvider
	users UserClassifier
}

func withCarts(c CartProvider) fixtureOption { return func(d *fixtureDeps) { d.carts = c } }
func withUsers(u UserClassifier) fixtureOption { return func(d *fixtureDeps) { d.users = u } }

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	var deps fixtureDeps
	for _, opt := range opts {
		opt(&deps)
	}

	logger := newTestLogger()
	store := memory.NewStore(5 * time.Second)
	events := newQuietPublisher()
	metrics := NewMetrics(prometheus.NewRegistry())
	clock := &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	f := &fixture{
		store:        store,
		events:       events,
		metrics:      metrics,
		clock:        clock,
		coupons:      NewCouponService(store, events, deps.users, metrics, logger),
		reservations: NewReservationService(store, events, deps.carts, deps.users, metrics, ReservationConfig{Timeout: 10 * time.Minute}, logger),
		ledger:       NewLedgerService(store, events, deps.users, metrics, logger),
		stats:        NewStatsService(store, logger),
	}
	f.coupons.now = clock.Now
	f.reservations.now = clock.Now
	f.ledger.now = clock.Now
	f.stats.now = clock.Now
	return f
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
func int64Ptr(i int64) *int64 { return &i }
func boolPtr(b bool) *bool    { return &b }

func paramsOf(page, perPage int) pagination.Params {
	return pagination.Params{Page: page, PerPage: perPage, Offset: (page - 1) * perPage}
}

// couponInput is a live 10% coupon with no caps.
func (f *fixture) couponInput(code string) CreateCouponInput {
	now := f.clock.Now()
	return CreateCouponInput{
		Code:          code,
		Title:         "Coupon " + code,
		DiscountType:  domain.DiscountTypePercentage,
		DiscountValue: 1000,
		StartDate:     now.Add(-time.Hour),
		EndDate:       now.Add(24 * time.Hour),
		CreatedBy:     "admin-1",
	}
}

func (f *fixture) createCoupon(t *testing.T, input CreateCouponInput) *domain.Coupon {
	t.Helper()
	c, err := f.coupons.CreateCoupon(context.Background(), input)
	require.NoError(t, err)
	return c
}

func shopper(id string) domain.User {
	return domain.User{ID: id, Group: domain.UserGroupAll}
}

func (f *fixture) reserve(userID, couponID string, total int64) (*domain.Reservation, error) {
	return f.reservations.Reserve(context.Background(), ReserveInput{
		CouponID: couponID,
		User:     shopper(userID),
		Cart:     domain.Cart{Total: total},
	})
}

func (f *fixture) coupon(t *testing.T, id string) *domain.Coupon {
	t.Helper()
	c, err := f.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	return c
}
