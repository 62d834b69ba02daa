package domain

import (
	"errors"
	"fmt"
	"net/http"

	apperrors "github.com/kissanbandi/coupon-service/pkg/errors"
)

// Sentinels for the admission-control failures. Every builder below wraps
// one of these together with the matching pkg/errors sentinel, so both
// errors.Is(err, ErrUsageLimitReached) and errors.Is(err, apperrors.ErrConflict)
// hold.
var (
	ErrNotEligible           = errors.New("coupon not eligible")
	ErrInsufficientBudget    = errors.New("insufficient coupon budget")
	ErrUsageLimitReached     = errors.New("coupon usage limit reached")
	ErrReservationExpired    = errors.New("reservation expired")
	ErrReservationNotPending = errors.New("reservation not pending")
	ErrCouponBusy            = errors.New("coupon busy")
	ErrInvariantViolation    = errors.New("coupon invariant violation")
	ErrDuplicateOrder        = errors.New("order already credited")
)

// Error codes rendered in the response envelope.
const (
	CodeNotEligible           = "NOT_ELIGIBLE"
	CodeInsufficientBudget    = "INSUFFICIENT_BUDGET"
	CodeUsageLimitReached     = "USAGE_LIMIT_REACHED"
	CodeReservationExpired    = "RESERVATION_EXPIRED"
	CodeReservationNotPending = "RESERVATION_NOT_PENDING"
	CodeCouponBusy            = "COUPON_BUSY"
)

// NotEligibleError carries the evaluator's reason as the message.
func NotEligibleError(reason string) *apperrors.AppError {
	return &apperrors.AppError{
		Code:    CodeNotEligible,
		Message: reason,
		Status:  http.StatusUnprocessableEntity,
		Err:     fmt.Errorf("%w: %w", ErrNotEligible, apperrors.ErrUnprocessable),
	}
}

func InsufficientBudgetError(remaining, requested int64) *apperrors.AppError {
	return &apperrors.AppError{
		Code:    CodeInsufficientBudget,
		Message: fmt.Sprintf("insufficient coupon budget: %d remaining, %d requested", remaining, requested),
		Status:  http.StatusConflict,
		Err:     fmt.Errorf("%w: %w", ErrInsufficientBudget, apperrors.ErrConflict),
	}
}

func UsageLimitReachedError() *apperrors.AppError {
	return &apperrors.AppError{
		Code:    CodeUsageLimitReached,
		Message: "coupon usage limit reached",
		Status:  http.StatusConflict,
		Err:     fmt.Errorf("%w: %w", ErrUsageLimitReached, apperrors.ErrConflict),
	}
}

func ReservationExpiredError(id string) *apperrors.AppError {
	return &apperrors.AppError{
		Code:    CodeReservationExpired,
		Message: fmt.Sprintf("reservation %s has expired", id),
		Status:  http.StatusGone,
		Err:     fmt.Errorf("%w: %w", ErrReservationExpired, apperrors.ErrGone),
	}
}

func ReservationNotPendingError(id string, status ReservationStatus) *apperrors.AppError {
	return &apperrors.AppError{
		Code:    CodeReservationNotPending,
		Message: fmt.Sprintf("reservation %s is %s", id, status),
		Status:  http.StatusConflict,
		Err:     fmt.Errorf("%w: %w", ErrReservationNotPending, apperrors.ErrConflict),
	}
}

// CouponBusyError is returned when the coupon lock could not be taken in
// time. Clients may retry the same request.
func CouponBusyError(couponID string) *apperrors.AppError {
	return &apperrors.AppError{
		Code:      CodeCouponBusy,
		Message:   fmt.Sprintf("coupon %s is busy, retry shortly", couponID),
		Status:    http.StatusServiceUnavailable,
		Retryable: true,
		Err:       fmt.Errorf("%w: %w", ErrCouponBusy, apperrors.ErrServiceUnavail),
	}
}

func DuplicateOrderError(couponID, orderID string) *apperrors.AppError {
	return &apperrors.AppError{
		Code:    "CONFLICT",
		Message: fmt.Sprintf("order %s already credited to coupon %s", orderID, couponID),
		Status:  http.StatusConflict,
		Err:     fmt.Errorf("%w: %w", ErrDuplicateOrder, apperrors.ErrConflict),
	}
}

// InvariantViolationError renders as a plain 500; detail is kept for logs.
func InvariantViolationError(detail string) *apperrors.AppError {
	return apperrors.Internal(fmt.Errorf("%w: %s", ErrInvariantViolation, detail))
}
