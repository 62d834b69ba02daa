package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/kissanbandi/coupon-service/internal/domain"
	"github.com/kissanbandi/coupon-service/internal/repository"
)

const (
	couponKeyPrefix = "coupon:id:"
	codeKeyPrefix   = "coupon:code:"
)

// CachedStore is a read-through cache in front of a repository.Store.
// Coupon lookups by id and code are served from Redis; everything else goes
// straight to the wrapped store. Successful critical sections and admin
// writes invalidate the affected keys. Redis failures fall back to the store.
type CachedStore struct {
	repository.Store

	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

// NewCachedStore wraps store with a Redis cache whose entries live for ttl.
func NewCachedStore(store repository.Store, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedStore {
	return &CachedStore{
		Store:  store,
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

// GetByID serves the coupon from cache, filling it on a miss. Concurrent
// misses for the same id share one store read.
func (s *CachedStore) GetByID(ctx context.Context, id string) (*domain.Coupon, error) {
	key := couponKeyPrefix + id

	data, err := s.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var c domain.Coupon
		if err := json.Unmarshal(data, &c); err == nil {
			return &c, nil
		}
		s.logger.WarnContext(ctx, "discarding undecodable cached coupon", slog.String("coupon_id", id))
	case !errors.Is(err, redis.Nil):
		s.logger.WarnContext(ctx, "coupon cache read failed", slog.String("coupon_id", id), slog.String("error", err.Error()))
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		c, err := s.Store.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		s.fill(ctx, c)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Coupon).Clone(), nil
}

// GetByCode resolves code to an id through the cache, then reads by id.
func (s *CachedStore) GetByCode(ctx context.Context, code string) (*domain.Coupon, error) {
	id, err := s.client.Get(ctx, codeKeyPrefix+code).Result()
	if err == nil {
		c, err := s.GetByID(ctx, id)
		if err == nil && c.Code == code {
			return c, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		s.logger.WarnContext(ctx, "coupon code cache read failed", slog.String("code", code), slog.String("error", err.Error()))
	}

	c, err := s.Store.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, c)
	return c, nil
}

// SetActive writes through and drops the changed coupons from the cache.
func (s *CachedStore) SetActive(ctx context.Context, ids []string, active bool, updatedBy string) ([]string, error) {
	changed, err := s.Store.SetActive(ctx, ids, active, updatedBy)
	if len(changed) > 0 {
		keys := make([]string, 0, len(changed))
		for _, id := range changed {
			keys = append(keys, couponKeyPrefix+id)
		}
		s.del(ctx, keys...)
	}
	return changed, err
}

// WithCouponLock runs the wrapped critical section and, once it commits,
// drops the coupon and any code it was known by.
func (s *CachedStore) WithCouponLock(ctx context.Context, couponID string, fn func(ctx context.Context, tx repository.CouponTx) error) error {
	var codes []string
	err := s.Store.WithCouponLock(ctx, couponID, func(ctx context.Context, tx repository.CouponTx) error {
		codes = append(codes, tx.Coupon().Code)
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if c := tx.Coupon(); c.Code != codes[0] {
			codes = append(codes, c.Code)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.Invalidate(ctx, couponID, codes...)
	return nil
}

// Invalidate drops a coupon and its code mappings.
func (s *CachedStore) Invalidate(ctx context.Context, couponID string, codes ...string) {
	keys := []string{couponKeyPrefix + couponID}
	for _, code := range codes {
		keys = append(keys, codeKeyPrefix+code)
	}
	s.del(ctx, keys...)
}

func (s *CachedStore) fill(ctx context.Context, c *domain.Coupon) {
	data, err := json.Marshal(c)
	if err != nil {
		return
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, couponKeyPrefix+c.ID, data, s.ttl)
		pipe.Set(ctx, codeKeyPrefix+c.Code, c.ID, s.ttl)
		return nil
	})
	if err != nil {
		s.logger.WarnContext(ctx, "coupon cache fill failed", slog.String("coupon_id", c.ID), slog.String("error", err.Error()))
	}
}

func (s *CachedStore) del(ctx context.Context, keys ...string) {
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		s.logger.WarnContext(ctx, "coupon cache invalidation failed",
			slog.Any("keys", keys), slog.String("error", err.Error()))
	}
}

// Ping checks both the store and Redis.
func (s *CachedStore) Ping(ctx context.Context) error {
	if err := s.Store.Ping(ctx); err != nil {
		return err
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

var _ repository.Store = (*CachedStore)(nil)
