package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kissanbandi/coupon-service/internal/domain"
	"github.com/kissanbandi/coupon-service/internal/service"
	apperrors "github.com/kissanbandi/coupon-service/pkg/errors"
	"github.com/kissanbandi/coupon-service/pkg/httputil"
)

// actingUser resolves whose behalf a reserve or usage request acts on. A
// body user_id must match the caller unless the caller is an admin.
func actingUser(r *http.Request, bodyUserID string) (domain.User, error) {
	caller := callerFrom(r)
	if bodyUserID == "" || bodyUserID == caller.ID {
		return caller, nil
	}
	if isAdmin(r) {
		return domain.User{ID: bodyUserID}, nil
	}
	return domain.User{}, apperrors.Forbidden("user_id does not match the authenticated user")
}

// ReserveCoupon handles POST /api/v1/coupons/{couponId}/reserve
func (h *CouponHandler) ReserveCoupon(w http.ResponseWriter, r *http.Request) {
	id, ok := couponID(w, r)
	if !ok {
		return
	}

	var req ReserveRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	user, err := actingUser(r, req.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	reservation, err := h.reservations.Reserve(r.Context(), service.ReserveInput{
		CouponID:       id,
		User:           user,
		Cart:           toCart(req.OrderTotal, req.CartItems),
		QuotedDiscount: req.DiscountAmount,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteData(w, http.StatusCreated, toReservationResponse(reservation))
}

// ReleaseReservation handles POST /api/v1/coupons/{couponId}/release. Unknown
// and already resolved reservations are released successfully.
func (h *CouponHandler) ReleaseReservation(w http.ResponseWriter, r *http.Request) {
	id, ok := couponID(w, r)
	if !ok {
		return
	}

	var req ReleaseRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	userID := callerFrom(r).ID
	if isAdmin(r) {
		userID = ""
	}
	if err := h.reservations.ReleaseReservation(r.Context(), id, req.ReservationID, userID); err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteData(w, http.StatusOK, okResponse{OK: true})
}

// ConfirmUsage handles POST /api/v1/coupons/{couponId}/usage
func (h *CouponHandler) ConfirmUsage(w http.ResponseWriter, r *http.Request) {
	id, ok := couponID(w, r)
	if !ok {
		return
	}

	var req UsageRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	user, err := actingUser(r, req.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	input := service.UsageInput{
		CouponID:       id,
		ReservationID:  req.ReservationID,
		OrderID:        req.OrderID,
		User:           user,
		Cart:           toCart(req.OrderTotal, req.CartItems),
		QuotedDiscount: req.DiscountAmount,
	}
	if req.UsedAt != nil {
		input.UsedAt = req.UsedAt.UTC()
	}
	if isAdmin(r) && req.UserID == "" && req.ReservationID != "" {
		// Admin confirmations of a reservation act for its owner.
		input.User = domain.User{}
	}

	rec, err := h.ledger.RecordUsage(r.Context(), input)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteData(w, http.StatusCreated, rec)
}

// GetReservation handles GET /api/v1/coupons/reservations/{reservationId}.
// Shoppers may only look up their own reservations.
func (h *CouponHandler) GetReservation(w http.ResponseWriter, r *http.Request) {
	reservation, err := h.reservations.GetReservation(r.Context(), chi.URLParam(r, "reservationId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !isAdmin(r) && reservation.UserID != callerFrom(r).ID {
		h.writeError(w, r, apperrors.NotFound("reservation", reservation.ID))
		return
	}

	httputil.WriteData(w, http.StatusOK, toReservationResponse(reservation))
}
