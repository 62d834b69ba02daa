package http

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kissanbandi/coupon-service/internal/service"
	apperrors "github.com/kissanbandi/coupon-service/pkg/errors"
	"github.com/kissanbandi/coupon-service/pkg/httputil"
	"github.com/kissanbandi/coupon-service/pkg/middleware"
	"github.com/kissanbandi/coupon-service/pkg/pagination"
)

type availableResponse struct {
	Coupons   []service.AvailableCoupon `json:"coupons"`
	UserGroup string                    `json:"user_group"`
	CartTotal int64                     `json:"cart_total"`
}

// cartTotalParam reads ?cart_total=, defaulting to zero.
func cartTotalParam(r *http.Request) (int64, error) {
	v := r.URL.Query().Get("cart_total")
	if v == "" {
		return 0, nil
	}
	total, err := strconv.ParseInt(v, 10, 64)
	if err != nil || total < 0 {
		return 0, apperrors.InvalidInput("cart_total must be a non-negative integer in minor units")
	}
	return total, nil
}

// AvailableCoupons handles GET /api/v1/coupons/available?cart_total=
func (h *CouponHandler) AvailableCoupons(w http.ResponseWriter, r *http.Request) {
	total, err := cartTotalParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	coupons, group, err := h.coupons.AvailableCoupons(r.Context(), callerFrom(r), total)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteData(w, http.StatusOK, availableResponse{Coupons: coupons, UserGroup: group, CartTotal: total})
}

// ValidateCoupon handles POST /api/v1/coupons/validate. An ineligible coupon
// is a normal 200 result.
func (h *CouponHandler) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	var req ValidateCouponRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	res, err := h.coupons.ValidateCoupon(r.Context(), req.Code, callerFrom(r), toCart(req.CartTotal, req.CartItems))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteData(w, http.StatusOK, res)
}

// SuggestCoupons handles POST /api/v1/coupons/suggestions
func (h *CouponHandler) SuggestCoupons(w http.ResponseWriter, r *http.Request) {
	var req SuggestionsRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	res, err := h.coupons.SuggestCoupons(r.Context(), callerFrom(r), toCart(req.CartTotal, req.CartItems))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteData(w, http.StatusOK, res)
}

// CanUseCoupon handles GET /api/v1/coupons/can-use/{code}?cart_total=
func (h *CouponHandler) CanUseCoupon(w http.ResponseWriter, r *http.Request) {
	total, err := cartTotalParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.coupons.CanUseCoupon(r.Context(), chi.URLParam(r, "code"), callerFrom(r), total)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteData(w, http.StatusOK, res)
}

// UserHistory handles GET /api/v1/coupons/user/history
func (h *CouponHandler) UserHistory(w http.ResponseWriter, r *http.Request) {
	params := pagination.FromRequest(r)

	usages, total, err := h.ledger.UserHistory(r.Context(), middleware.UserIDFromContext(r.Context()), params)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, pagination.NewResult(usages, total, params))
}

// --- Public handlers ---

// PublicCoupon handles GET /api/v1/coupons/public/{code}
func (h *CouponHandler) PublicCoupon(w http.ResponseWriter, r *http.Request) {
	info, err := h.coupons.PublicCouponInfo(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteData(w, http.StatusOK, info)
}

// ActivePublicCoupons handles GET /api/v1/coupons/active/public
func (h *CouponHandler) ActivePublicCoupons(w http.ResponseWriter, r *http.Request) {
	coupons, err := h.coupons.ActivePublicCoupons(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteData(w, http.StatusOK, coupons)
}
