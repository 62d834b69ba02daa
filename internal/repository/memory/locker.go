package memory

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kissanbandi/coupon-service/internal/domain"
	"github.com/kissanbandi/coupon-service/internal/repository"
	apperrors "github.com/kissanbandi/coupon-service/pkg/errors"
)

func (s *Store) couponLock(id string) *semaphore.Weighted {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[id]
	if !ok {
		l = semaphore.NewWeighted(1)
		s.locks[id] = l
	}
	return l
}

// WithCouponLock runs fn while holding couponID's semaphore. fn's staged
// writes are applied only if it returns nil.
func (s *Store) WithCouponLock(ctx context.Context, couponID string, fn func(ctx context.Context, tx repository.CouponTx) error) error {
	lock := s.couponLock(couponID)

	acquireCtx := ctx
	if s.lockTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, s.lockTimeout)
		defer cancel()
	}
	if err := lock.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return domain.CouponBusyError(couponID)
	}
	defer lock.Release(1)

	s.mu.RLock()
	c, ok := s.coupons[couponID]
	if ok {
		c = c.Clone()
	}
	s.mu.RUnlock()
	if !ok {
		return apperrors.NotFound("coupon", couponID)
	}

	tx := &couponTx{
		store:        s,
		coupon:       c,
		originalCode: c.Code,
		reservations: make(map[string]*domain.Reservation),
		userUsage:    make(map[string]int),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return s.commit(tx)
}

// commit applies a transaction's staged writes. The caller holds the
// coupon's semaphore.
func (s *Store) commit(tx *couponTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := tx.coupon.ID
	if tx.deleted {
		delete(s.coupons, id)
		delete(s.codes, tx.originalCode)
		for _, rid := range s.byCoupon[id] {
			delete(s.reservations, rid)
		}
		delete(s.byCoupon, id)
		return nil
	}

	if tx.coupon.Code != tx.originalCode {
		if owner, taken := s.codes[tx.coupon.Code]; taken && owner != id {
			return apperrors.AlreadyExists("coupon", "code", tx.coupon.Code)
		}
		delete(s.codes, tx.originalCode)
		s.codes[tx.coupon.Code] = id
	}
	s.coupons[id] = tx.coupon.Clone()

	for rid, r := range tx.reservations {
		if _, exists := s.reservations[rid]; !exists {
			s.byCoupon[id] = append(s.byCoupon[id], rid)
		}
		cp := *r
		s.reservations[rid] = &cp
	}

	for _, rec := range tx.usages {
		s.usages = append(s.usages, rec)
		s.usageKeys[usageKey(rec.CouponID, rec.OrderID)] = struct{}{}
	}
	if len(tx.userUsage) > 0 {
		users, ok := s.userUsage[id]
		if !ok {
			users = make(map[string]int)
			s.userUsage[id] = users
		}
		for userID, n := range tx.userUsage {
			users[userID] += n
		}
	}
	return nil
}

type couponTx struct {
	store        *Store
	coupon       *domain.Coupon
	originalCode string
	reservations map[string]*domain.Reservation
	usages       []domain.UsageRecord
	userUsage    map[string]int
	deleted      bool
}

func (t *couponTx) Coupon() *domain.Coupon { return t.coupon }

// reservationsView merges committed and staged reservations of the coupon.
func (t *couponTx) reservationsView() []*domain.Reservation {
	t.store.mu.RLock()
	ids := t.store.byCoupon[t.coupon.ID]
	view := make([]*domain.Reservation, 0, len(ids)+len(t.reservations))
	for _, rid := range ids {
		if _, staged := t.reservations[rid]; staged {
			continue
		}
		cp := *t.store.reservations[rid]
		view = append(view, &cp)
	}
	t.store.mu.RUnlock()

	for _, r := range t.reservations {
		cp := *r
		view = append(view, &cp)
	}
	return view
}

func (t *couponTx) ExpirePending(_ context.Context, now time.Time) ([]domain.Reservation, error) {
	var expired []domain.Reservation
	for _, r := range t.reservationsView() {
		if !r.IsOverdue(now) {
			continue
		}
		at := now
		r.Status = domain.ReservationExpired
		r.ResolvedAt = &at
		t.reservations[r.ID] = r
		expired = append(expired, *r)
	}
	return expired, nil
}

func (t *couponTx) PendingHolds(_ context.Context, now time.Time, userID string) (domain.PendingHolds, error) {
	var h domain.PendingHolds
	for _, r := range t.reservationsView() {
		if !r.IsPending() || !now.Before(r.ExpiresAt) {
			continue
		}
		h.Count++
		h.Amount += r.DiscountAmount
		if r.UserID == userID {
			h.UserCount++
		}
	}
	return h, nil
}

func (t *couponTx) UserUsageCount(ctx context.Context, userID string) (int, error) {
	n, err := t.store.UserUsageCount(ctx, t.coupon.ID, userID)
	if err != nil {
		return 0, err
	}
	return n + t.userUsage[userID], nil
}

func (t *couponTx) InsertReservation(_ context.Context, r *domain.Reservation) error {
	t.store.mu.RLock()
	_, exists := t.store.reservations[r.ID]
	t.store.mu.RUnlock()
	if _, staged := t.reservations[r.ID]; exists || staged {
		return apperrors.AlreadyExists("reservation", "id", r.ID)
	}
	cp := *r
	t.reservations[r.ID] = &cp
	return nil
}

func (t *couponTx) LockReservation(_ context.Context, id string) (*domain.Reservation, error) {
	if r, ok := t.reservations[id]; ok {
		cp := *r
		return &cp, nil
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	r, ok := t.store.reservations[id]
	if !ok || r.CouponID != t.coupon.ID {
		return nil, apperrors.NotFound("reservation", id)
	}
	cp := *r
	return &cp, nil
}

func (t *couponTx) UpdateReservationStatus(ctx context.Context, id string, status domain.ReservationStatus, at time.Time, orderID string) error {
	r, err := t.LockReservation(ctx, id)
	if err != nil {
		return err
	}
	if !r.IsPending() {
		return apperrors.Conflict("reservation " + id + " is no longer pending")
	}
	r.Status = status
	r.ResolvedAt = &at
	if orderID != "" {
		r.OrderID = orderID
	}
	t.reservations[id] = r
	return nil
}

func (t *couponTx) ApplyUsage(_ context.Context, rec *domain.UsageRecord) error {
	key := usageKey(rec.CouponID, rec.OrderID)
	t.store.mu.RLock()
	_, dup := t.store.usageKeys[key]
	t.store.mu.RUnlock()
	for _, staged := range t.usages {
		if usageKey(staged.CouponID, staged.OrderID) == key {
			dup = true
		}
	}
	if dup {
		return domain.DuplicateOrderError(rec.CouponID, rec.OrderID)
	}

	next := t.coupon.Clone()
	next.CurrentUsage++
	next.BudgetUtilized += rec.DiscountAmount
	next.TotalSales += rec.OrderTotal
	next.UpdatedAt = rec.UsedAt
	if remaining, ok := next.RemainingUsage(); ok && remaining < 0 {
		return domain.InvariantViolationError("coupon " + next.ID + " usage exceeds max_usage_count")
	}
	if remaining, ok := next.RemainingBudget(); ok && remaining < 0 {
		return domain.InvariantViolationError("coupon " + next.ID + " budget_utilized exceeds budget")
	}

	t.coupon = next
	t.usages = append(t.usages, *rec)
	t.userUsage[rec.UserID]++
	return nil
}

func (t *couponTx) SaveCoupon(_ context.Context, c *domain.Coupon) error {
	if c.Code != t.coupon.Code {
		t.store.mu.RLock()
		owner, taken := t.store.codes[c.Code]
		t.store.mu.RUnlock()
		if taken && owner != t.coupon.ID {
			return apperrors.AlreadyExists("coupon", "code", c.Code)
		}
	}

	saved := c.Clone()
	saved.ID = t.coupon.ID
	saved.CurrentUsage = t.coupon.CurrentUsage
	saved.BudgetUtilized = t.coupon.BudgetUtilized
	saved.TotalSales = t.coupon.TotalSales
	saved.CreatedBy = t.coupon.CreatedBy
	saved.CreatedAt = t.coupon.CreatedAt
	if remaining, ok := saved.RemainingUsage(); ok && remaining < 0 {
		return apperrors.Conflict("coupon limits are below current usage")
	}
	if remaining, ok := saved.RemainingBudget(); ok && remaining < 0 {
		return apperrors.Conflict("coupon limits are below current usage")
	}
	t.coupon = saved
	return nil
}

func (t *couponTx) DeleteCoupon(_ context.Context) error {
	t.store.mu.RLock()
	used := len(t.store.userUsage[t.coupon.ID]) > 0
	t.store.mu.RUnlock()
	if used || len(t.usages) > 0 {
		return apperrors.Conflict("coupon has recorded usage and cannot be deleted")
	}
	t.deleted = true
	return nil
}

var _ repository.Store = (*Store)(nil)
