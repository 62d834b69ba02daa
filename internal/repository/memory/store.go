// Package memory is an in-process repository.Store for development and
// tests. Each coupon's critical section is a one-slot semaphore; writes made
// inside it are staged and applied together when the callback succeeds.
package memory

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kissanbandi/coupon-service/internal/domain"
	"github.com/kissanbandi/coupon-service/internal/repository"
	apperrors "github.com/kissanbandi/coupon-service/pkg/errors"
)

// Store implements repository.Store in memory.
type Store struct {
	mu           sync.RWMutex
	coupons      map[string]*domain.Coupon
	codes        map[string]string
	reservations map[string]*domain.Reservation
	byCoupon     map[string][]string
	usages       []domain.UsageRecord
	usageKeys    map[string]struct{}
	userUsage    map[string]map[string]int

	locksMu     sync.Mutex
	locks       map[string]*semaphore.Weighted
	lockTimeout time.Duration
}

// NewStore creates an empty store. lockTimeout bounds the wait for a
// coupon's critical section.
func NewStore(lockTimeout time.Duration) *Store {
	return &Store{
		coupons:      make(map[string]*domain.Coupon),
		codes:        make(map[string]string),
		reservations: make(map[string]*domain.Reservation),
		byCoupon:     make(map[string][]string),
		usageKeys:    make(map[string]struct{}),
		userUsage:    make(map[string]map[string]int),
		locks:        make(map[string]*semaphore.Weighted),
		lockTimeout:  lockTimeout,
	}
}

func usageKey(couponID, orderID string) string {
	return couponID + "|" + orderID
}

// Create inserts a new coupon.
func (s *Store) Create(_ context.Context, c *domain.Coupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.codes[c.Code]; taken {
		return apperrors.AlreadyExists("coupon", "code", c.Code)
	}
	if _, taken := s.coupons[c.ID]; taken {
		return apperrors.AlreadyExists("coupon", "id", c.ID)
	}
	s.coupons[c.ID] = c.Clone()
	s.codes[c.Code] = c.ID
	return nil
}

// GetByID returns a copy of the coupon.
func (s *Store) GetByID(_ context.Context, id string) (*domain.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.coupons[id]
	if !ok {
		return nil, apperrors.NotFound("coupon", id)
	}
	return c.Clone(), nil
}

// GetByCode returns a copy of the coupon with the given code.
func (s *Store) GetByCode(_ context.Context, code string) (*domain.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.codes[code]
	if !ok {
		return nil, apperrors.NotFound("coupon", code)
	}
	return s.coupons[id].Clone(), nil
}

// List filters, sorts and pages the coupons.
func (s *Store) List(_ context.Context, filter repository.CouponFilter) ([]domain.Coupon, int, error) {
	search := strings.ToLower(strings.TrimSpace(filter.Search))

	s.mu.RLock()
	matched := make([]domain.Coupon, 0, len(s.coupons))
	for _, c := range s.coupons {
		if search != "" &&
			!strings.Contains(strings.ToLower(c.Code), search) &&
			!strings.Contains(strings.ToLower(c.Title), search) {
			continue
		}
		if filter.IsActive != nil && c.IsActive != *filter.IsActive {
			continue
		}
		if at := filter.LiveAt; at != nil && (!c.IsActive || at.Before(c.StartDate) || at.After(c.EndDate)) {
			continue
		}
		if filter.UserGroup != "" && !c.MatchesUserGroup(filter.UserGroup) {
			continue
		}
		matched = append(matched, *c.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(matched, func(a, b domain.Coupon) int {
		cmp := compareCoupons(a, b, filter.SortBy)
		if filter.SortDesc {
			cmp = -cmp
		}
		if cmp == 0 {
			cmp = strings.Compare(a.ID, b.ID)
		}
		return cmp
	})

	total := len(matched)
	if filter.Limit > 0 {
		matched = page(matched, filter.Offset, filter.Limit)
	}
	return matched, total, nil
}

func compareCoupons(a, b domain.Coupon, sortBy string) int {
	switch sortBy {
	case repository.SortByEndDate:
		return a.EndDate.Compare(b.EndDate)
	case repository.SortByCode:
		return strings.Compare(a.Code, b.Code)
	case repository.SortByUsage:
		return a.CurrentUsage - b.CurrentUsage
	default:
		return a.CreatedAt.Compare(b.CreatedAt)
	}
}

// SetActive flips is_active coupon by coupon, each inside its critical
// section so it never races a staged write.
func (s *Store) SetActive(ctx context.Context, ids []string, active bool, updatedBy string) ([]string, error) {
	changed := []string{}
	for _, id := range ids {
		err := s.WithCouponLock(ctx, id, func(ctx context.Context, tx repository.CouponTx) error {
			c := tx.Coupon()
			if c.IsActive == active {
				return nil
			}
			next := c.Clone()
			next.IsActive = active
			next.UpdatedBy = updatedBy
			next.UpdatedAt = time.Now().UTC()
			if err := tx.SaveCoupon(ctx, next); err != nil {
				return err
			}
			changed = append(changed, id)
			return nil
		})
		if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return changed, err
		}
	}
	return changed, nil
}

// UserUsageCount returns confirmed uses of a coupon by one user.
func (s *Store) UserUsageCount(_ context.Context, couponID, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userUsage[couponID][userID], nil
}

// UserUsageCounts returns a user's confirmed uses keyed by coupon ID.
func (s *Store) UserUsageCounts(_ context.Context, userID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for couponID, users := range s.userUsage {
		if n := users[userID]; n > 0 {
			counts[couponID] = n
		}
	}
	return counts, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
