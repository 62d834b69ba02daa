package service

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/kissanbandi/coupon-service/internal/domain"
	"github.com/kissanbandi/coupon-service/internal/repository"
	apperrors "github.com/kissanbandi/coupon-service/pkg/errors"
)

var exportHeader = []string{
	"id", "code", "title", "discount_type", "discount_value", "min_order_value",
	"max_usage_count", "usage_per_user", "current_usage", "budget", "budget_utilized",
	"total_sales", "user_groups", "is_active", "status", "start_date", "end_date",
	"created_at", "created_by",
}

// ExportCoupons returns every coupon, newest first, optionally narrowed to
// one derived status.
func (s *CouponService) ExportCoupons(ctx context.Context, status string) ([]CouponView, error) {
	if status != "" && !domain.IsValidStatus(status) {
		return nil, apperrors.InvalidInput(fmt.Sprintf("invalid status %q", status))
	}
	coupons, _, err := s.store.List(ctx, repository.CouponFilter{
		SortBy:   repository.SortByCreatedAt,
		SortDesc: true,
	})
	if err != nil {
		return nil, fmt.Errorf("export coupons: %w", err)
	}
	return s.views(coupons, domain.CouponStatus(status)), nil
}

// WriteCouponsCSV writes views as CSV with a header row. Unlimited caps are
// left empty.
func WriteCouponsCSV(w io.Writer, views []CouponView) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for _, v := range views {
		c := v.Coupon
		row := []string{
			c.ID,
			c.Code,
			c.Title,
			c.DiscountType,
			strconv.FormatInt(c.DiscountValue, 10),
			strconv.FormatInt(c.MinOrderValue, 10),
			optional(c.MaxUsageCount),
			strconv.Itoa(c.UsagePerUser),
			strconv.Itoa(c.CurrentUsage),
			optional(c.Budget),
			strconv.FormatInt(c.BudgetUtilized, 10),
			strconv.FormatInt(c.TotalSales, 10),
			strings.Join(c.UserGroups, "|"),
			strconv.FormatBool(c.IsActive),
			string(v.Status),
			c.StartDate.UTC().Format(time.RFC3339),
			c.EndDate.UTC().Format(time.RFC3339),
			c.CreatedAt.UTC().Format(time.RFC3339),
			c.CreatedBy,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func optional[T int | int64](v *T) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(int64(*v), 10)
}
