package redis

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kissanbandi/coupon-service/internal/domain"
	"github.com/kissanbandi/coupon-service/internal/repository"
	"github.com/kissanbandi/coupon-service/internal/repository/memory"
	apperrors "github.com/kissanbandi/coupon-service/pkg/errors"
)

func setupCache(t *testing.T) (*CachedStore, *memory.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	backing := memory.NewStore(time.Second)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return NewCachedStore(backing, client, 5*time.Minute, logger), backing, mr
}

func sampleCoupon() *domain.Coupon {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := &domain.Coupon{
		ID:            "c-001",
		Code:          "SAVE10",
		Title:         "Save ten",
		DiscountType:  domain.DiscountTypeFixed,
		DiscountValue: 1000,
		StartDate:     now,
		EndDate:       now.Add(24 * time.Hour),
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	c.ApplyDefaults()
	return c
}

func TestCachedStore_GetByIDFillsCache(t *testing.T) {
	cache, backing, mr := setupCache(t)
	c := sampleCoupon()
	require.NoError(t, backing.Create(context.Background(), c))

	got, err := cache.GetByID(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, "SAVE10", got.Code)

	assert.True(t, mr.Exists(couponKeyPrefix+c.ID))
	id, err := mr.Get(codeKeyPrefix + c.Code)
	require.NoError(t, err)
	assert.Equal(t, c.ID, id)
	assert.Equal(t, 5*time.Minute, mr.TTL(couponKeyPrefix+c.ID))
}

func TestCachedStore_ServesStaleUntilInvalidated(t *testing.T) {
	cache, backing, _ := setupCache(t)
	c := sampleCoupon()
	require.NoError(t, backing.Create(context.Background(), c))
	ctx := context.Background()

	_, err := cache.GetByCode(ctx, c.Code)
	require.NoError(t, err)

	// Writes that bypass the decorator are not seen.
	require.NoError(t, backing.WithCouponLock(ctx, c.ID, func(ctx context.Context, tx repository.CouponTx) error {
		next := tx.Coupon().Clone()
		next.Title = "Changed behind the cache"
		return tx.SaveCoupon(ctx, next)
	}))
	got, err := cache.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Save ten", got.Title)

	cache.Invalidate(ctx, c.ID)
	got, err = cache.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Changed behind the cache", got.Title)
}

func TestCachedStore_WithCouponLockInvalidatesOldAndNewCode(t *testing.T) {
	cache, backing, mr := setupCache(t)
	c := sampleCoupon()
	require.NoError(t, backing.Create(context.Background(), c))
	ctx := context.Background()

	_, err := cache.GetByCode(ctx, c.Code)
	require.NoError(t, err)

	require.NoError(t, cache.WithCouponLock(ctx, c.ID, func(ctx context.Context, tx repository.CouponTx) error {
		next := tx.Coupon().Clone()
		next.Code = "SAVE20"
		return tx.SaveCoupon(ctx, next)
	}))
	assert.False(t, mr.Exists(couponKeyPrefix+c.ID))
	assert.False(t, mr.Exists(codeKeyPrefix+"SAVE10"))

	_, err = cache.GetByCode(ctx, "SAVE10")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	got, err := cache.GetByCode(ctx, "SAVE20")
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
}

func TestCachedStore_FailedSectionKeepsCache(t *testing.T) {
	cache, backing, mr := setupCache(t)
	c := sampleCoupon()
	require.NoError(t, backing.Create(context.Background(), c))
	ctx := context.Background()

	_, err := cache.GetByID(ctx, c.ID)
	require.NoError(t, err)

	err = cache.WithCouponLock(ctx, c.ID, func(context.Context, repository.CouponTx) error {
		return domain.UsageLimitReachedError()
	})
	assert.ErrorIs(t, err, domain.ErrUsageLimitReached)
	assert.True(t, mr.Exists(couponKeyPrefix+c.ID))
}

func TestCachedStore_SetActiveInvalidates(t *testing.T) {
	cache, backing, mr := setupCache(t)
	c := sampleCoupon()
	require.NoError(t, backing.Create(context.Background(), c))
	ctx := context.Background()

	_, err := cache.GetByID(ctx, c.ID)
	require.NoError(t, err)

	changed, err := cache.SetActive(ctx, []string{c.ID}, false, "admin")
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID}, changed)
	assert.False(t, mr.Exists(couponKeyPrefix+c.ID))

	got, err := cache.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}

func TestCachedStore_RedisDownFallsBackToStore(t *testing.T) {
	cache, backing, mr := setupCache(t)
	c := sampleCoupon()
	require.NoError(t, backing.Create(context.Background(), c))

	mr.Close()

	got, err := cache.GetByID(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.Code, got.Code)
	assert.Error(t, cache.Ping(context.Background()))
}

func TestCachedStore_NotFoundIsNotCached(t *testing.T) {
	cache, _, mr := setupCache(t)

	_, err := cache.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.False(t, mr.Exists(couponKeyPrefix+"missing"))
}

func TestIdempotencyStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := NewIdempotencyStore(client, time.Hour)
	ctx := context.Background()

	seen, err := store.Contains(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, store.Add(ctx, "evt-1"))
	seen, err = store.Contains(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, seen)

	mr.FastForward(2 * time.Hour)
	seen, err = store.Contains(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)

	mr.Close()
	_, err = store.Contains(ctx, "evt-2")
	assert.Error(t, err)
}
