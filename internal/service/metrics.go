package service

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kissanbandi/coupon-service/internal/domain"
)

// Reservation outcomes recorded by coupon_reservations_total.
const (
	OutcomeReserved           = "reserved"
	OutcomeNotEligible        = "not_eligible"
	OutcomeUsageLimit         = "usage_limit_reached"
	OutcomeInsufficientBudget = "insufficient_budget"
	OutcomeBusy               = "busy"
	OutcomeError              = "error"
)

// Metrics are the coupon admission counters.
type Metrics struct {
	Reservations        *prometheus.CounterVec
	Redemptions         prometheus.Counter
	ReservationsExpired prometheus.Counter
	InvariantViolations prometheus.Counter
}

// NewMetrics registers the coupon counters with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Reservations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coupon_reservations_total",
			Help: "Coupon reservation attempts by outcome",
		}, []string{"outcome"}),
		Redemptions: f.NewCounter(prometheus.CounterOpts{
			Name: "coupon_redemptions_total",
			Help: "Coupon uses committed to the ledger",
		}),
		ReservationsExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "coupon_reservations_expired_total",
			Help: "Pending coupon reservations expired lazily or by the sweep",
		}),
		InvariantViolations: f.NewCounter(prometheus.CounterOpts{
			Name: "coupon_invariant_violations_total",
			Help: "Commits refused because a coupon cap would be exceeded",
		}),
	}
}

func reservationOutcome(err error) string {
	switch {
	case err == nil:
		return OutcomeReserved
	case errors.Is(err, domain.ErrNotEligible):
		return OutcomeNotEligible
	case errors.Is(err, domain.ErrUsageLimitReached):
		return OutcomeUsageLimit
	case errors.Is(err, domain.ErrInsufficientBudget):
		return OutcomeInsufficientBudget
	case errors.Is(err, domain.ErrCouponBusy):
		return OutcomeBusy
	}
	return OutcomeError
}
