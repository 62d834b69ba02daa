package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kissanbandi/coupon-service/internal/domain"
	"github.com/kissanbandi/coupon-service/internal/repository"
	apperrors "github.com/kissanbandi/coupon-service/pkg/errors"
)

const (
	trendDays          = 30
	recentUsageLimit   = 10
	topCouponsLimit    = 5
	defaultOverviewDay = 30
	maxOverviewDays    = 365
)

var hundred = decimal.NewFromInt(100)

// StatsService reports coupon counters and usage analytics. It must be
// given the uncached store so counters are never stale.
type StatsService struct {
	store  repository.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewStatsService creates a new stats service.
func NewStatsService(store repository.Store, logger *slog.Logger) *StatsService {
	return &StatsService{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CouponStats returns one coupon's counters, headroom, analytics, 30-day
// trend and most recent uses.
func (s *StatsService) CouponStats(ctx context.Context, couponID string) (*domain.CouponStats, error) {
	c, err := s.store.GetByID(ctx, couponID)
	if err != nil {
		return nil, fmt.Errorf("coupon stats: %w", err)
	}
	now := s.now()

	holds, err := s.store.PendingHolds(ctx, couponID, now)
	if err != nil {
		return nil, fmt.Errorf("coupon stats: %w", err)
	}
	summary, err := s.store.Summary(ctx, couponID, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("coupon stats: %w", err)
	}
	daily, err := s.store.Daily(ctx, couponID, now.AddDate(0, 0, -trendDays))
	if err != nil {
		return nil, fmt.Errorf("coupon stats: %w", err)
	}
	recent, _, err := s.store.ListUsages(ctx, couponID, 0, recentUsageLimit)
	if err != nil {
		return nil, fmt.Errorf("coupon stats: %w", err)
	}

	stats := &domain.CouponStats{
		CouponID:            c.ID,
		Code:                c.Code,
		Status:              c.Status(now),
		CurrentUsage:        c.CurrentUsage,
		MaxUsageCount:       c.MaxUsageCount,
		BudgetUtilized:      c.BudgetUtilized,
		Budget:              c.Budget,
		TotalSales:          c.TotalSales,
		PendingReservations: holds.Count,
		PendingDiscount:     holds.Amount,
		Analytics:           analytics(summary),
		Trends:              trends(daily),
		RecentUsages:        recent,
		GeneratedAt:         now,
	}
	if remaining, ok := c.RemainingUsage(); ok {
		stats.RemainingUsage = &remaining
		stats.UsagePercentage = percent(int64(c.CurrentUsage), int64(*c.MaxUsageCount))
	}
	if remaining, ok := c.RemainingBudget(); ok {
		stats.RemainingBudget = &remaining
		stats.BudgetPercentage = percent(c.BudgetUtilized, *c.Budget)
	}
	if stats.RecentUsages == nil {
		stats.RecentUsages = []domain.UsageRecord{}
	}

	s.logger.DebugContext(ctx, "coupon stats generated",
		slog.String("coupon_id", c.ID),
		slog.Int("uses", summary.Uses),
	)

	return stats, nil
}

// percent returns part/whole as a percentage rounded to two places.
func percent(part, whole int64) float64 {
	if whole == 0 {
		return 0
	}
	f, _ := decimal.NewFromInt(part).Mul(hundred).Div(decimal.NewFromInt(whole)).Round(2).Float64()
	return f
}

func analytics(sum domain.UsageSummary) domain.UsageAnalytics {
	a := domain.UsageAnalytics{
		UniqueUsers:       sum.UniqueUsers,
		AverageOrderValue: sum.AverageOrderValue.Round(0).IntPart(),
		AverageDiscount:   sum.AverageDiscount.Round(0).IntPart(),
	}
	a.RepeatUsageRate = percent(int64(sum.RepeatUsers), int64(sum.UniqueUsers))
	a.ConversionRate = percent(int64(sum.UniqueUsers), int64(sum.Uses))
	return a
}

func trends(daily []domain.DailyUsage) domain.UsageTrends {
	t := domain.UsageTrends{Daily: daily}
	if t.Daily == nil {
		t.Daily = []domain.DailyUsage{}
	}
	for i := range daily {
		if t.PeakDay == nil || daily[i].Uses > t.PeakDay.Uses {
			peak := daily[i]
			t.PeakDay = &peak
		}
	}
	return t
}

// Overview summarises every coupon over the last days days. Zero means 30.
func (s *StatsService) Overview(ctx context.Context, days int) (*domain.AnalyticsOverview, error) {
	if days == 0 {
		days = defaultOverviewDay
	}
	if days < 1 || days > maxOverviewDays {
		return nil, apperrors.InvalidInput(fmt.Sprintf("days must be between 1 and %d", maxOverviewDays))
	}
	now := s.now()
	since := now.AddDate(0, 0, -days)

	coupons, total, err := s.store.List(ctx, repository.CouponFilter{})
	if err != nil {
		return nil, fmt.Errorf("analytics overview: %w", err)
	}
	summary, err := s.store.Summary(ctx, "", since)
	if err != nil {
		return nil, fmt.Errorf("analytics overview: %w", err)
	}
	top, err := s.store.TopCoupons(ctx, since, topCouponsLimit)
	if err != nil {
		return nil, fmt.Errorf("analytics overview: %w", err)
	}

	byStatus := make(map[domain.CouponStatus]int, len(domain.ValidStatuses()))
	for _, st := range domain.ValidStatuses() {
		byStatus[st] = 0
	}
	for i := range coupons {
		byStatus[coupons[i].Status(now)]++
	}
	if top == nil {
		top = []domain.TopCoupon{}
	}

	return &domain.AnalyticsOverview{
		Days:            days,
		TotalCoupons:    total,
		CouponsByStatus: byStatus,
		Uses:            summary.Uses,
		UniqueUsers:     summary.UniqueUsers,
		Discount:        summary.TotalDiscount,
		Sales:           summary.TotalOrderValue,
		TopCoupons:      top,
	}, nil
}
