package service

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/kissanbandi/coupon-service/internal/domain"
	"github.com/kissanbandi/coupon-service/internal/eligibility"
	"github.com/kissanbandi/coupon-service/internal/repository"
	apperrors "github.com/kissanbandi/coupon-service/pkg/errors"
	"github.com/kissanbandi/coupon-service/pkg/slug"
)

// Advisory capacity reasons. Quotes ignore pending holds; Reserve enforces
// capacity authoritatively.
const (
	ReasonUsageLimitReached = "coupon usage limit reached"
	ReasonBudgetExhausted   = "coupon budget exhausted"
)

const (
	maxSuggestions   = 3
	maxPublicCoupons = 5
)

// CouponSummary is the shopper-facing part of a coupon.
type CouponSummary struct {
	ID            string    `json:"id"`
	Code          string    `json:"code"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	DiscountType  string    `json:"discount_type"`
	DiscountValue int64     `json:"discount_value"`
	MinOrderValue int64     `json:"min_order_value"`
	EndDate       time.Time `json:"end_date"`
}

func summarize(c *domain.Coupon) CouponSummary {
	return CouponSummary{
		ID:            c.ID,
		Code:          c.Code,
		Title:         c.Title,
		Description:   c.Description,
		DiscountType:  c.DiscountType,
		DiscountValue: c.DiscountValue,
		MinOrderValue: c.MinOrderValue,
		EndDate:       c.EndDate,
	}
}

// quote evaluates c and adds the advisory capacity checks.
func quote(c *domain.Coupon, cart domain.Cart, user domain.User, userUses int, now time.Time) eligibility.Result {
	res := eligibility.Evaluate(c, cart, user, userUses, now)
	if !res.Eligible {
		return res
	}
	if remaining, ok := c.RemainingUsage(); ok && remaining <= 0 {
		return eligibility.Result{Reason: ReasonUsageLimitReached}
	}
	if remaining, ok := c.RemainingBudget(); ok && remaining < res.DiscountAmount {
		return eligibility.Result{Reason: ReasonBudgetExhausted}
	}
	return res
}

// liveFor lists coupons live at now that target the user's group, highest
// discount value first.
func (s *CouponService) liveFor(ctx context.Context, group string, now time.Time) ([]domain.Coupon, error) {
	active := true
	coupons, _, err := s.store.List(ctx, repository.CouponFilter{
		IsActive:  &active,
		LiveAt:    &now,
		UserGroup: group,
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(coupons, func(a, b domain.Coupon) int {
		if c := cmp.Compare(b.DiscountValue, a.DiscountValue); c != 0 {
			return c
		}
		return strings.Compare(a.Code, b.Code)
	})
	return coupons, nil
}

// AvailableCoupon is a live coupon with the caller's eligibility for it.
type AvailableCoupon struct {
	CouponSummary
	CanUse         bool   `json:"can_use"`
	Reason         string `json:"reason,omitempty"`
	DiscountAmount int64  `json:"discount_amount"`
}

// AvailableCoupons lists the coupons live for the user's group and whether
// each applies to a cart of cartTotal.
func (s *CouponService) AvailableCoupons(ctx context.Context, user domain.User, cartTotal int64) ([]AvailableCoupon, string, error) {
	user = s.users.resolve(ctx, user)
	now := s.now()

	coupons, err := s.liveFor(ctx, user.Group, now)
	if err != nil {
		return nil, "", fmt.Errorf("list available coupons: %w", err)
	}
	uses, err := s.store.UserUsageCounts(ctx, user.ID)
	if err != nil {
		return nil, "", fmt.Errorf("list available coupons: %w", err)
	}

	out := make([]AvailableCoupon, 0, len(coupons))
	for i := range coupons {
		c := &coupons[i]
		res := quote(c, domain.Cart{Total: cartTotal}, user, uses[c.ID], now)
		out = append(out, AvailableCoupon{
			CouponSummary:  summarize(c),
			CanUse:         res.Eligible,
			Reason:         res.Reason,
			DiscountAmount: res.DiscountAmount,
		})
	}
	return out, user.Group, nil
}

// ValidationResult is the answer to a validate request. Ineligibility is a
// normal result, not an error.
type ValidationResult struct {
	Eligible       bool           `json:"eligible"`
	Reason         string         `json:"reason,omitempty"`
	DiscountAmount int64          `json:"discount_amount"`
	FinalAmount    int64          `json:"final_amount"`
	Coupon         *CouponSummary `json:"coupon,omitempty"`
}

// ValidateCoupon quotes the coupon with code against cart. An unknown code
// is NotFound.
func (s *CouponService) ValidateCoupon(ctx context.Context, code string, user domain.User, cart domain.Cart) (*ValidationResult, error) {
	c, err := s.store.GetByCode(ctx, slug.Normalize(code))
	if err != nil {
		return nil, fmt.Errorf("validate coupon: %w", err)
	}
	user = s.users.resolve(ctx, user)

	uses, err := s.store.UserUsageCount(ctx, c.ID, user.ID)
	if err != nil {
		return nil, fmt.Errorf("validate coupon: %w", err)
	}

	res := quote(c, cart, user, uses, s.now())
	summary := summarize(c)
	return &ValidationResult{
		Eligible:       res.Eligible,
		Reason:         res.Reason,
		DiscountAmount: res.DiscountAmount,
		FinalAmount:    cart.Total - res.DiscountAmount,
		Coupon:         &summary,
	}, nil
}

// Suggestion is an applicable coupon and what it saves.
type Suggestion struct {
	CouponSummary
	DiscountAmount int64 `json:"discount_amount"`
	NewTotal       int64 `json:"new_total"`
}

// Suggestions are the best applicable coupons for a cart.
type Suggestions struct {
	Suggestions      []Suggestion `json:"suggestions"`
	BestCoupon       *Suggestion  `json:"best_coupon"`
	TotalSuggestions int          `json:"total_suggestions"`
}

// SuggestCoupons ranks every applicable coupon by discount and returns the
// top three.
func (s *CouponService) SuggestCoupons(ctx context.Context, user domain.User, cart domain.Cart) (*Suggestions, error) {
	user = s.users.resolve(ctx, user)
	now := s.now()

	coupons, err := s.liveFor(ctx, user.Group, now)
	if err != nil {
		return nil, fmt.Errorf("suggest coupons: %w", err)
	}
	uses, err := s.store.UserUsageCounts(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("suggest coupons: %w", err)
	}

	all := make([]Suggestion, 0, len(coupons))
	for i := range coupons {
		c := &coupons[i]
		res := quote(c, cart, user, uses[c.ID], now)
		if !res.Eligible {
			continue
		}
		all = append(all, Suggestion{
			CouponSummary:  summarize(c),
			DiscountAmount: res.DiscountAmount,
			NewTotal:       cart.Total - res.DiscountAmount,
		})
	}
	slices.SortStableFunc(all, func(a, b Suggestion) int {
		return cmp.Compare(b.DiscountAmount, a.DiscountAmount)
	})

	out := &Suggestions{
		Suggestions:      pageOf(all, 0, maxSuggestions),
		TotalSuggestions: len(all),
	}
	if len(all) > 0 {
		best := all[0]
		out.BestCoupon = &best
	}
	return out, nil
}

// CanUse is the caller's eligibility for one coupon.
type CanUse struct {
	CanUse         bool                `json:"can_use"`
	Reason         string              `json:"reason,omitempty"`
	DiscountAmount int64               `json:"discount_amount"`
	Status         domain.CouponStatus `json:"status"`
}

// CanUseCoupon reports whether the user could apply code to a cart of
// cartTotal right now.
func (s *CouponService) CanUseCoupon(ctx context.Context, code string, user domain.User, cartTotal int64) (*CanUse, error) {
	c, err := s.store.GetByCode(ctx, slug.Normalize(code))
	if err != nil {
		return nil, fmt.Errorf("can use coupon: %w", err)
	}
	user = s.users.resolve(ctx, user)

	uses, err := s.store.UserUsageCount(ctx, c.ID, user.ID)
	if err != nil {
		return nil, fmt.Errorf("can use coupon: %w", err)
	}

	now := s.now()
	res := quote(c, domain.Cart{Total: cartTotal}, user, uses, now)
	return &CanUse{
		CanUse:         res.Eligible,
		Reason:         res.Reason,
		DiscountAmount: res.DiscountAmount,
		Status:         c.Status(now),
	}, nil
}

// PublicCoupon is the unauthenticated view of a live coupon.
type PublicCoupon struct {
	Code          string    `json:"code"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	DiscountType  string    `json:"discount_type"`
	DiscountValue int64     `json:"discount_value"`
	MinOrderValue int64     `json:"min_order_value"`
	ValidUntil    time.Time `json:"valid_until"`
}

func publicView(c *domain.Coupon) PublicCoupon {
	return PublicCoupon{
		Code:          c.Code,
		Title:         c.Title,
		Description:   c.Description,
		DiscountType:  c.DiscountType,
		DiscountValue: c.DiscountValue,
		MinOrderValue: c.MinOrderValue,
		ValidUntil:    c.EndDate,
	}
}

// PublicCouponInfo returns a coupon by code if it is live now. Inactive,
// scheduled and expired coupons are reported as not found.
func (s *CouponService) PublicCouponInfo(ctx context.Context, code string) (*PublicCoupon, error) {
	c, err := s.store.GetByCode(ctx, slug.Normalize(code))
	if err != nil {
		return nil, fmt.Errorf("public coupon info: %w", err)
	}
	now := s.now()
	if !c.IsActive || now.Before(c.StartDate) || now.After(c.EndDate) {
		return nil, fmt.Errorf("public coupon info: %w", apperrors.NotFound("coupon", c.Code))
	}
	v := publicView(c)
	return &v, nil
}

// ActivePublicCoupons lists up to five live coupons open to every user.
func (s *CouponService) ActivePublicCoupons(ctx context.Context) ([]PublicCoupon, error) {
	coupons, err := s.liveFor(ctx, domain.UserGroupAll, s.now())
	if err != nil {
		return nil, fmt.Errorf("list public coupons: %w", err)
	}
	out := make([]PublicCoupon, 0, min(len(coupons), maxPublicCoupons))
	for i := range coupons {
		if !slices.Contains(coupons[i].UserGroups, domain.UserGroupAll) {
			continue
		}
		out = append(out, publicView(&coupons[i]))
		if len(out) == maxPublicCoupons {
			break
		}
	}
	return out, nil
}
