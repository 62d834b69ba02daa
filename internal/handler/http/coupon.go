package http

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kissanbandi/coupon-service/internal/service"
	apperrors "github.com/kissanbandi/coupon-service/pkg/errors"
	"github.com/kissanbandi/coupon-service/pkg/httputil"
	"github.com/kissanbandi/coupon-service/pkg/middleware"
	"github.com/kissanbandi/coupon-service/pkg/pagination"
)

// CouponHandler handles HTTP requests for coupon endpoints.
type CouponHandler struct {
	coupons      *service.CouponService
	reservations *service.ReservationService
	ledger       *service.LedgerService
	stats        *service.StatsService
	logger       *slog.Logger
}

// NewCouponHandler creates a new coupon HTTP handler.
func NewCouponHandler(
	coupons *service.CouponService,
	reservations *service.ReservationService,
	ledger *service.LedgerService,
	stats *service.StatsService,
	logger *slog.Logger,
) *CouponHandler {
	return &CouponHandler{
		coupons:      coupons,
		reservations: reservations,
		ledger:       ledger,
		stats:        stats,
		logger:       logger,
	}
}

func (h *CouponHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	httputil.WriteError(w, r, err, h.logger)
}

// couponID reads and validates the {couponId} path parameter.
func couponID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "couponId"))
	if !ok {
		return "", false
	}
	return id.String(), true
}

// --- Admin handlers ---

// CreateCoupon handles POST /api/v1/coupons
func (h *CouponHandler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	var req CreateCouponRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	startDate, err := parseTime("start_date", req.StartDate)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	endDate, err := parseTime("end_date", req.EndDate)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	c, err := h.coupons.CreateCoupon(r.Context(), service.CreateCouponInput{
		Code:                 req.Code,
		Title:                req.Title,
		Description:          req.Description,
		DiscountType:         req.DiscountType,
		DiscountValue:        req.DiscountValue,
		MinOrderValue:        req.MinOrderValue,
		MaxUsageCount:        req.MaxUsageCount,
		UsagePerUser:         req.UsagePerUser,
		StartDate:            startDate,
		EndDate:              endDate,
		Budget:               req.Budget,
		IsActive:             req.IsActive,
		ApplicableProducts:   req.ApplicableProducts,
		ExcludedProducts:     req.ExcludedProducts,
		ApplicableCategories: req.ApplicableCategories,
		UserGroups:           req.UserGroups,
		CreatedBy:            middleware.UserIDFromContext(r.Context()),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteData(w, http.StatusCreated, c)
}

// ListCoupons handles GET /api/v1/coupons
func (h *CouponHandler) ListCoupons(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := pagination.FromRequest(r)

	input := service.ListCouponsInput{
		Search:   strings.TrimSpace(q.Get("search")),
		Status:   q.Get("status"),
		SortBy:   q.Get("sort_by"),
		SortDesc: !strings.EqualFold(q.Get("sort_order"), "asc"),
		Page:     params,
	}
	if v := q.Get("is_active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, r, apperrors.InvalidInput("is_active must be a boolean"))
			return
		}
		input.IsActive = &active
	}

	views, total, err := h.coupons.ListCoupons(r.Context(), input)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, pagination.NewResult(views, total, params))
}

// GetCoupon handles GET /api/v1/coupons/{couponId}
func (h *CouponHandler) GetCoupon(w http.ResponseWriter, r *http.Request) {
	id, ok := couponID(w, r)
	if !ok {
		return
	}

	view, err := h.coupons.GetCoupon(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteData(w, http.StatusOK, view)
}

// UpdateCoupon handles PUT /api/v1/coupons/{couponId}
func (h *CouponHandler) UpdateCoupon(w http.ResponseWriter, r *http.Request) {
	id, ok := couponID(w, r)
	if !ok {
		return
	}

	var req UpdateCouponRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	startDate, err := parseOptionalTime("start_date", req.StartDate)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	endDate, err := parseOptionalTime("end_date", req.EndDate)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	c, err := h.coupons.UpdateCoupon(r.Context(), id, service.UpdateCouponInput{
		Code:                 req.Code,
		Title:                req.Title,
		Description:          req.Description,
		DiscountType:         req.DiscountType,
		DiscountValue:        req.DiscountValue,
		MinOrderValue:        req.MinOrderValue,
		MaxUsageCount:        req.MaxUsageCount,
		ClearMaxUsageCount:   req.ClearMaxUsageCount,
		UsagePerUser:         req.UsagePerUser,
		StartDate:            startDate,
		EndDate:              endDate,
		Budget:               req.Budget,
		ClearBudget:          req.ClearBudget,
		IsActive:             req.IsActive,
		ApplicableProducts:   req.ApplicableProducts,
		ExcludedProducts:     req.ExcludedProducts,
		ApplicableCategories: req.ApplicableCategories,
		UserGroups:           req.UserGroups,
		UpdatedBy:            middleware.UserIDFromContext(r.Context()),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteData(w, http.StatusOK, c)
}

// DeleteCoupon handles DELETE /api/v1/coupons/{couponId}
func (h *CouponHandler) DeleteCoupon(w http.ResponseWriter, r *http.Request) {
	id, ok := couponID(w, r)
	if !ok {
		return
	}

	if err := h.coupons.DeleteCoupon(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ToggleCoupon handles PATCH /api/v1/coupons/{couponId}/toggle
func (h *CouponHandler) ToggleCoupon(w http.ResponseWriter, r *http.Request) {
	id, ok := couponID(w, r)
	if !ok {
		return
	}

	c, err := h.coupons.ToggleCoupon(r.Context(), id, middleware.UserIDFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteData(w, http.StatusOK, c)
}

// BulkUpdateStatus handles PATCH /api/v1/coupons/bulk/status
func (h *CouponHandler) BulkUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req BulkStatusRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	updated, err := h.coupons.BulkSetActive(r.Context(), req.CouponIDs, *req.IsActive, middleware.UserIDFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteData(w, http.StatusOK, bulkStatusResponse{Updated: updated, Requested: len(req.CouponIDs)})
}

// ExportCoupons handles GET /api/v1/coupons/export?format=json|csv&status=
func (h *CouponHandler) ExportCoupons(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		h.writeError(w, r, apperrors.InvalidInput("format must be json or csv"))
		return
	}

	views, err := h.coupons.ExportCoupons(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if format == "json" {
		httputil.WriteData(w, http.StatusOK, views)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="coupons.csv"`)
	w.WriteHeader(http.StatusOK)
	if err := service.WriteCouponsCSV(w, views); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to write coupon export",
			slog.String("error", err.Error()),
		)
	}
}

// CouponStats handles GET /api/v1/coupons/{couponId}/stats
func (h *CouponHandler) CouponStats(w http.ResponseWriter, r *http.Request) {
	id, ok := couponID(w, r)
	if !ok {
		return
	}

	stats, err := h.stats.CouponStats(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteData(w, http.StatusOK, stats)
}

// AnalyticsOverview handles GET /api/v1/coupons/analytics/overview?days=
func (h *CouponHandler) AnalyticsOverview(w http.ResponseWriter, r *http.Request) {
	days := 0
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, r, apperrors.InvalidInput("days must be an integer"))
			return
		}
		days = n
	}

	overview, err := h.stats.Overview(r.Context(), days)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteData(w, http.StatusOK, overview)
}

// UsageHistory handles GET /api/v1/coupons/{couponId}/usage-history
func (h *CouponHandler) UsageHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := couponID(w, r)
	if !ok {
		return
	}
	params := pagination.FromRequest(r)

	usages, total, err := h.ledger.UsageHistory(r.Context(), id, params)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, pagination.NewResult(usages, total, params))
}
