// Package eligibility decides whether a coupon applies to a cart and what it
// is worth. It is pure: no I/O, no clock, no counters beyond those passed in.
package eligibility

import (
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kissanbandi/coupon-service/internal/domain"
)

// Reasons returned when a coupon does not apply, in check order.
const (
	ReasonInactive         = "coupon is inactive"
	ReasonNotYetActive     = "coupon is not yet active"
	ReasonExpired          = "coupon has expired"
	ReasonExcludedProducts = "cart contains excluded products"
	ReasonNoEligibleItems  = "no eligible products in cart"
	ReasonUserGroup        = "coupon not available for your user group"
	ReasonPerUserLimit     = "usage limit per user reached"
)

var basisPointsPerUnit = decimal.NewFromInt(domain.MaxPercentageBasisPoints)

// Result is the evaluator's advisory verdict.
type Result struct {
	Eligible       bool   `json:"eligible"`
	Reason         string `json:"reason,omitempty"`
	DiscountAmount int64  `json:"discount_amount"`
}

// MinOrderReason formats the minimum-order failure, rendering minor units
// as a two-decimal amount.
func MinOrderReason(minOrderValue int64) string {
	return fmt.Sprintf("minimum order value of %s required", decimal.New(minOrderValue, -2).StringFixed(2))
}

// Evaluate runs the checks in order and stops at the first failure.
// userUses is the count the per-user limit is compared against: confirmed
// uses for a quote, confirmed plus the user's own pending holds when
// reserving. Capacity is not checked here.
func Evaluate(c *domain.Coupon, cart domain.Cart, user domain.User, userUses int, now time.Time) Result {
	if !c.IsActive {
		return reject(ReasonInactive)
	}
	if now.Before(c.StartDate) {
		return reject(ReasonNotYetActive)
	}
	if now.After(c.EndDate) {
		return reject(ReasonExpired)
	}
	if cart.Total < c.MinOrderValue {
		return reject(MinOrderReason(c.MinOrderValue))
	}
	if reason := checkItems(c, cart.Items); reason != "" {
		return reject(reason)
	}
	if !c.MatchesUserGroup(user.Group) {
		return reject(ReasonUserGroup)
	}
	if userUses >= c.UsagePerUser {
		return reject(ReasonPerUserLimit)
	}
	return Result{Eligible: true, DiscountAmount: Discount(c, cart.Total)}
}

func checkItems(c *domain.Coupon, items []domain.CartItem) string {
	for _, it := range items {
		if slices.Contains(c.ExcludedProducts, it.ProductID) {
			return ReasonExcludedProducts
		}
	}

	if len(c.ApplicableProducts) == 0 && len(c.ApplicableCategories) == 0 {
		return ""
	}
	for _, it := range items {
		if slices.Contains(c.ApplicableProducts, it.ProductID) {
			return ""
		}
		if it.CategoryID != "" && slices.Contains(c.ApplicableCategories, it.CategoryID) {
			return ""
		}
	}
	return ReasonNoEligibleItems
}

// Discount computes the discount on total in minor units. Percentages round
// half away from zero; fixed amounts are clamped to the total.
func Discount(c *domain.Coupon, total int64) int64 {
	if total <= 0 {
		return 0
	}
	switch c.DiscountType {
	case domain.DiscountTypePercentage:
		d := decimal.NewFromInt(total).
			Mul(decimal.NewFromInt(c.DiscountValue)).
			Div(basisPointsPerUnit).
			Round(0).
			IntPart()
		return min(d, total)
	case domain.DiscountTypeFixed:
		return min(c.DiscountValue, total)
	}
	return 0
}

func reject(reason string) Result {
	return Result{Eligible: false, Reason: reason}
}
