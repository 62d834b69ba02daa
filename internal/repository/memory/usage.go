package memory

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kissanbandi/coupon-service/internal/domain"
	apperrors "github.com/kissanbandi/coupon-service/pkg/errors"
)

// GetReservation returns a copy of the reservation.
func (s *Store) GetReservation(_ context.Context, id string) (*domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reservations[id]
	if !ok {
		return nil, apperrors.NotFound("reservation", id)
	}
	cp := *r
	return &cp, nil
}

// ListOverdue returns lapsed pending reservations, oldest first.
func (s *Store) ListOverdue(_ context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	s.mu.RLock()
	var overdue []domain.Reservation
	for _, r := range s.reservations {
		if r.IsOverdue(now) {
			overdue = append(overdue, *r)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(overdue, func(a, b domain.Reservation) int {
		return a.ExpiresAt.Compare(b.ExpiresAt)
	})
	if limit > 0 && len(overdue) > limit {
		overdue = overdue[:limit]
	}
	return overdue, nil
}

// PendingHolds sums a coupon's live holds.
func (s *Store) PendingHolds(_ context.Context, couponID string, now time.Time) (domain.PendingHolds, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var h domain.PendingHolds
	for _, rid := range s.byCoupon[couponID] {
		r := s.reservations[rid]
		if r.IsPending() && now.Before(r.ExpiresAt) {
			h.Count++
			h.Amount += r.DiscountAmount
		}
	}
	return h, nil
}

// usagesWhere copies the usage records passing keep.
func (s *Store) usagesWhere(keep func(*domain.UsageRecord) bool) []domain.UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.UsageRecord
	for i := range s.usages {
		if keep(&s.usages[i]) {
			out = append(out, s.usages[i])
		}
	}
	return out
}

func newestFirst(a, b domain.UsageRecord) int {
	if c := b.UsedAt.Compare(a.UsedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// ListUsages pages through a coupon's usage records, newest first.
func (s *Store) ListUsages(_ context.Context, couponID string, offset, limit int) ([]domain.UsageRecord, int, error) {
	usages := s.usagesWhere(func(u *domain.UsageRecord) bool { return u.CouponID == couponID })
	slices.SortFunc(usages, newestFirst)
	return page(usages, offset, limit), len(usages), nil
}

// ListUserUsages pages through a user's usage records with coupon details.
func (s *Store) ListUserUsages(_ context.Context, userID string, offset, limit int) ([]domain.UserUsage, int, error) {
	usages := s.usagesWhere(func(u *domain.UsageRecord) bool { return u.UserID == userID })
	slices.SortFunc(usages, newestFirst)
	total := len(usages)
	usages = page(usages, offset, limit)

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.UserUsage, 0, len(usages))
	for _, u := range usages {
		uu := domain.UserUsage{UsageRecord: u}
		if c, ok := s.coupons[u.CouponID]; ok {
			uu.CouponCode = c.Code
			uu.CouponTitle = c.Title
		}
		out = append(out, uu)
	}
	return out, total, nil
}

// Summary aggregates usage for one coupon, or all when couponID is empty.
func (s *Store) Summary(_ context.Context, couponID string, since time.Time) (domain.UsageSummary, error) {
	usages := s.usagesWhere(func(u *domain.UsageRecord) bool {
		return (couponID == "" || u.CouponID == couponID) && !u.UsedAt.Before(since)
	})

	var sum domain.UsageSummary
	perUser := make(map[string]int)
	for _, u := range usages {
		sum.Uses++
		sum.TotalDiscount += u.DiscountAmount
		sum.TotalOrderValue += u.OrderTotal
		perUser[u.UserID]++
	}
	sum.UniqueUsers = len(perUser)
	for _, n := range perUser {
		if n > 1 {
			sum.RepeatUsers++
		}
	}
	if sum.Uses > 0 {
		uses := decimal.NewFromInt(int64(sum.Uses))
		sum.AverageOrderValue = decimal.NewFromInt(sum.TotalOrderValue).Div(uses)
		sum.AverageDiscount = decimal.NewFromInt(sum.TotalDiscount).Div(uses)
	}
	return sum, nil
}

// Daily buckets a coupon's usage by UTC day.
func (s *Store) Daily(_ context.Context, couponID string, since time.Time) ([]domain.DailyUsage, error) {
	usages := s.usagesWhere(func(u *domain.UsageRecord) bool {
		return u.CouponID == couponID && !u.UsedAt.Before(since)
	})

	byDay := make(map[string]*domain.DailyUsage)
	for _, u := range usages {
		day := u.UsedAt.UTC().Format(time.DateOnly)
		d, ok := byDay[day]
		if !ok {
			d = &domain.DailyUsage{Date: day}
			byDay[day] = d
		}
		d.Uses++
		d.Discount += u.DiscountAmount
	}

	days := make([]domain.DailyUsage, 0, len(byDay))
	for _, d := range byDay {
		days = append(days, *d)
	}
	slices.SortFunc(days, func(a, b domain.DailyUsage) int { return strings.Compare(a.Date, b.Date) })
	return days, nil
}

// TopCoupons ranks coupons by uses since the given time.
func (s *Store) TopCoupons(_ context.Context, since time.Time, limit int) ([]domain.TopCoupon, error) {
	usages := s.usagesWhere(func(u *domain.UsageRecord) bool { return !u.UsedAt.Before(since) })

	byCoupon := make(map[string]*domain.TopCoupon)
	for _, u := range usages {
		t, ok := byCoupon[u.CouponID]
		if !ok {
			t = &domain.TopCoupon{CouponID: u.CouponID}
			byCoupon[u.CouponID] = t
		}
		t.Uses++
		t.Discount += u.DiscountAmount
	}

	s.mu.RLock()
	top := make([]domain.TopCoupon, 0, len(byCoupon))
	for id, t := range byCoupon {
		if c, ok := s.coupons[id]; ok {
			t.Code = c.Code
			t.Title = c.Title
		}
		top = append(top, *t)
	}
	s.mu.RUnlock()

	slices.SortFunc(top, func(a, b domain.TopCoupon) int {
		if c := cmp.Compare(b.Uses, a.Uses); c != 0 {
			return c
		}
		return strings.Compare(a.Code, b.Code)
	})
	if limit > 0 && len(top) > limit {
		top = top[:limit]
	}
	return top, nil
}
