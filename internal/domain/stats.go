package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// UsageSummary aggregates usage records. Averages come back from the store
// as exact decimals and are rounded only when presented.
type UsageSummary struct {
	Uses              int
	UniqueUsers       int
	RepeatUsers       int
	TotalDiscount     int64
	TotalOrderValue   int64
	AverageOrderValue decimal.Decimal
	AverageDiscount   decimal.Decimal
}

// DailyUsage is one day of a usage trend.
type DailyUsage struct {
	Date     string `json:"date"`
	Uses     int    `json:"uses"`
	Discount int64  `json:"discount"`
}

// TopCoupon ranks a coupon by uses within a window.
type TopCoupon struct {
	CouponID string `json:"coupon_id"`
	Code     string `json:"code"`
	Title    string `json:"title"`
	Uses     int    `json:"uses"`
	Discount int64  `json:"discount"`
}

// CouponStats is the admin view of one coupon's counters and usage.
type CouponStats struct {
	CouponID            string         `json:"coupon_id"`
	Code                string         `json:"code"`
	Status              CouponStatus   `json:"status"`
	CurrentUsage        int            `json:"current_usage"`
	MaxUsageCount       *int           `json:"max_usage_count,omitempty"`
	RemainingUsage      *int           `json:"remaining_usage,omitempty"`
	UsagePercentage     float64        `json:"usage_percentage"`
	BudgetUtilized      int64          `json:"budget_utilized"`
	Budget              *int64         `json:"budget,omitempty"`
	RemainingBudget     *int64         `json:"remaining_budget,omitempty"`
	BudgetPercentage    float64        `json:"budget_percentage"`
	TotalSales          int64          `json:"total_sales"`
	PendingReservations int            `json:"pending_reservations"`
	PendingDiscount     int64          `json:"pending_discount"`
	Analytics           UsageAnalytics `json:"analytics"`
	Trends              UsageTrends    `json:"trends"`
	RecentUsages        []UsageRecord  `json:"recent_usages"`
	GeneratedAt         time.Time      `json:"generated_at"`
}

// UsageAnalytics are ratios derived from a UsageSummary.
type UsageAnalytics struct {
	UniqueUsers       int     `json:"unique_users"`
	AverageOrderValue int64   `json:"average_order_value"`
	AverageDiscount   int64   `json:"average_discount"`
	RepeatUsageRate   float64 `json:"repeat_usage_rate"`
	ConversionRate    float64 `json:"conversion_rate"`
}

// UsageTrends is the daily series over the stats window.
type UsageTrends struct {
	Daily   []DailyUsage `json:"daily"`
	PeakDay *DailyUsage  `json:"peak_day,omitempty"`
}

// AnalyticsOverview summarises every coupon over a window of days.
type AnalyticsOverview struct {
	Days            int                  `json:"days"`
	TotalCoupons    int                  `json:"total_coupons"`
	CouponsByStatus map[CouponStatus]int `json:"coupons_by_status"`
	Uses            int                  `json:"uses"`
	UniqueUsers     int                  `json:"unique_users"`
	Discount        int64                `json:"discount"`
	Sales           int64                `json:"sales"`
	TopCoupons      []TopCoupon          `json:"top_coupons"`
}
