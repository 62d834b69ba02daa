package domain

import (
	"fmt"
	"regexp"
	"slices"
	"time"

	apperrors "github.com/kissanbandi/coupon-service/pkg/errors"
)

// Discount types.
const (
	DiscountTypePercentage = "percentage"
	DiscountTypeFixed      = "fixed"
)

// MaxPercentageBasisPoints is 100%.
const MaxPercentageBasisPoints = 10000

var codePattern = regexp.MustCompile(`^[A-Z0-9]{3,20}$`)

// Coupon is a coupon definition plus its running counters. Money fields are
// minor currency units; a percentage DiscountValue is in basis points.
type Coupon struct {
	ID                   string    `json:"id"`
	Code                 string    `json:"code"`
	Title                string    `json:"title"`
	Description          string    `json:"description"`
	DiscountType         string    `json:"discount_type"`
	DiscountValue        int64     `json:"discount_value"`
	MinOrderValue        int64     `json:"min_order_value"`
	MaxUsageCount        *int      `json:"max_usage_count,omitempty"`
	UsagePerUser         int       `json:"usage_per_user"`
	StartDate            time.Time `json:"start_date"`
	EndDate              time.Time `json:"end_date"`
	Budget               *int64    `json:"budget,omitempty"`
	IsActive             bool      `json:"is_active"`
	ApplicableProducts   []string  `json:"applicable_products"`
	ExcludedProducts     []string  `json:"excluded_products"`
	ApplicableCategories []string  `json:"applicable_categories"`
	UserGroups           []string  `json:"user_groups"`
	CurrentUsage         int       `json:"current_usage"`
	BudgetUtilized       int64     `json:"budget_utilized"`
	TotalSales           int64     `json:"total_sales"`
	CreatedBy            string    `json:"created_by,omitempty"`
	UpdatedBy            string    `json:"updated_by,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// ApplyDefaults fills the optional fields left zero by a create request.
func (c *Coupon) ApplyDefaults() {
	if c.UsagePerUser == 0 {
		c.UsagePerUser = 1
	}
	if len(c.UserGroups) == 0 {
		c.UserGroups = []string{UserGroupAll}
	}
	if c.ApplicableProducts == nil {
		c.ApplicableProducts = []string{}
	}
	if c.ExcludedProducts == nil {
		c.ExcludedProducts = []string{}
	}
	if c.ApplicableCategories == nil {
		c.ApplicableCategories = []string{}
	}
}

// Validate checks the definition rules. Counters are not inspected.
func (c *Coupon) Validate() error {
	if !codePattern.MatchString(c.Code) {
		return apperrors.InvalidInput("code must be 3-20 upper-case letters or digits")
	}
	if n := len([]rune(c.Title)); n < 3 || n > 100 {
		return apperrors.InvalidInput("title must be 3-100 characters")
	}
	if len([]rune(c.Description)) > 500 {
		return apperrors.InvalidInput("description must be at most 500 characters")
	}

	switch c.DiscountType {
	case DiscountTypePercentage:
		if c.DiscountValue <= 0 || c.DiscountValue > MaxPercentageBasisPoints {
			return apperrors.InvalidInput("percentage discount_value must be in (0, 10000] basis points")
		}
	case DiscountTypeFixed:
		if c.DiscountValue <= 0 {
			return apperrors.InvalidInput("fixed discount_value must be positive")
		}
	default:
		return apperrors.InvalidInput(fmt.Sprintf("invalid discount_type %q", c.DiscountType))
	}

	if c.MinOrderValue < 0 {
		return apperrors.InvalidInput("min_order_value must be non-negative")
	}
	if c.MaxUsageCount != nil && *c.MaxUsageCount <= 0 {
		return apperrors.InvalidInput("max_usage_count must be positive")
	}
	if c.UsagePerUser <= 0 {
		return apperrors.InvalidInput("usage_per_user must be positive")
	}
	if c.StartDate.IsZero() || c.EndDate.IsZero() {
		return apperrors.InvalidInput("start_date and end_date are required")
	}
	if !c.StartDate.Before(c.EndDate) {
		return apperrors.InvalidInput("start_date must be before end_date")
	}
	if c.Budget != nil && *c.Budget <= 0 {
		return apperrors.InvalidInput("budget must be positive")
	}
	for _, g := range c.UserGroups {
		if !IsValidUserGroup(g) {
			return apperrors.InvalidInput(fmt.Sprintf("invalid user group %q", g))
		}
	}
	return nil
}

// MatchesUserGroup reports whether a user classified as group may use the
// coupon. An empty group list, or one containing "all", matches everyone.
func (c *Coupon) MatchesUserGroup(group string) bool {
	if len(c.UserGroups) == 0 || slices.Contains(c.UserGroups, UserGroupAll) {
		return true
	}
	return slices.Contains(c.UserGroups, group)
}

// RemainingUsage returns confirmed headroom under MaxUsageCount, ignoring
// pending holds. ok is false for unlimited coupons.
func (c *Coupon) RemainingUsage() (remaining int, ok bool) {
	if c.MaxUsageCount == nil {
		return 0, false
	}
	return *c.MaxUsageCount - c.CurrentUsage, true
}

// RemainingBudget returns confirmed headroom under Budget, ignoring pending
// holds. ok is false for uncapped coupons.
func (c *Coupon) RemainingBudget() (remaining int64, ok bool) {
	if c.Budget == nil {
		return 0, false
	}
	return *c.Budget - c.BudgetUtilized, true
}

// Status derives the lifecycle status at now.
func (c *Coupon) Status(now time.Time) CouponStatus {
	switch {
	case !c.IsActive:
		return StatusInactive
	case now.Before(c.StartDate):
		return StatusScheduled
	case now.After(c.EndDate):
		return StatusExpired
	}
	if remaining, ok := c.RemainingBudget(); ok && remaining <= 0 {
		return StatusBudgetExhausted
	}
	if remaining, ok := c.RemainingUsage(); ok && remaining <= 0 {
		return StatusUsageLimitReached
	}
	return StatusActive
}

// Clone returns a deep copy.
func (c *Coupon) Clone() *Coupon {
	out := *c
	if c.MaxUsageCount != nil {
		v := *c.MaxUsageCount
		out.MaxUsageCount = &v
	}
	if c.Budget != nil {
		v := *c.Budget
		out.Budget = &v
	}
	out.ApplicableProducts = slices.Clone(c.ApplicableProducts)
	out.ExcludedProducts = slices.Clone(c.ExcludedProducts)
	out.ApplicableCategories = slices.Clone(c.ApplicableCategories)
	out.UserGroups = slices.Clone(c.UserGroups)
	return &out
}

// CouponStatus is derived, never stored.
type CouponStatus string

const (
	StatusInactive          CouponStatus = "inactive"
	StatusScheduled         CouponStatus = "scheduled"
	StatusExpired           CouponStatus = "expired"
	StatusBudgetExhausted   CouponStatus = "budget_exhausted"
	StatusUsageLimitReached CouponStatus = "usage_limit_reached"
	StatusActive            CouponStatus = "active"
)

// ValidStatuses lists the derived statuses in priority order.
func ValidStatuses() []CouponStatus {
	return []CouponStatus{
		StatusInactive,
		StatusScheduled,
		StatusExpired,
		StatusBudgetExhausted,
		StatusUsageLimitReached,
		StatusActive,
	}
}

// IsValidStatus reports whether s names a derived status.
func IsValidStatus(s string) bool {
	return slices.Contains(ValidStatuses(), CouponStatus(s))
}
