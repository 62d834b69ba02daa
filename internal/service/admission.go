package service

import (
	"context"
	"time"

	"github.com/kissanbandi/coupon-service/internal/domain"
	"github.com/kissanbandi/coupon-service/internal/eligibility"
	"github.com/kissanbandi/coupon-service/internal/repository"
)

// admit is the authoritative admission check. It must run inside the
// coupon's critical section: the evaluator sees the user's confirmed uses
// plus their own live holds, and capacity is measured against confirmed
// counters minus every live hold. It returns the server-side discount.
func admit(ctx context.Context, tx repository.CouponTx, cart domain.Cart, user domain.User, now time.Time) (int64, error) {
	c := tx.Coupon()

	holds, err := tx.PendingHolds(ctx, now, user.ID)
	if err != nil {
		return 0, err
	}
	confirmed, err := tx.UserUsageCount(ctx, user.ID)
	if err != nil {
		return 0, err
	}

	res := eligibility.Evaluate(c, cart, user, confirmed+holds.UserCount, now)
	if !res.Eligible {
		return 0, domain.NotEligibleError(res.Reason)
	}

	if c.MaxUsageCount != nil && *c.MaxUsageCount-c.CurrentUsage-holds.Count < 1 {
		return 0, domain.UsageLimitReachedError()
	}
	if c.Budget != nil {
		remaining := *c.Budget - c.BudgetUtilized - holds.Amount
		if remaining < res.DiscountAmount {
			return 0, domain.InsufficientBudgetError(max(remaining, 0), res.DiscountAmount)
		}
	}
	return res.DiscountAmount, nil
}
