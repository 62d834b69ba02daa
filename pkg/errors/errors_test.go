package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstructors_StatusAndSentinel(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		status   int
		code     string
		sentinel error
	}{
		{"not found", NotFound("coupon", "c-1"), http.StatusNotFound, "NOT_FOUND", ErrNotFound},
		{"already exists", AlreadyExists("coupon", "code", "SAVE10"), http.StatusConflict, "ALREADY_EXISTS", ErrAlreadyExists},
		{"invalid input", InvalidInput("bad"), http.StatusBadRequest, "INVALID_INPUT", ErrInvalidInput},
		{"unauthorized", Unauthorized("who"), http.StatusUnauthorized, "UNAUTHORIZED", ErrUnauthorized},
		{"forbidden", Forbidden("no"), http.StatusForbidden, "FORBIDDEN", ErrForbidden},
		{"conflict", Conflict("dup"), http.StatusConflict, "CONFLICT", ErrConflict},
		{"gone", Gone("late"), http.StatusGone, "GONE", ErrGone},
		{"unprocessable", Unprocessable("NOT_ELIGIBLE", "min order"), http.StatusUnprocessableEntity, "NOT_ELIGIBLE", ErrUnprocessable},
		{"unavailable", ServiceUnavailable("busy"), http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", ErrServiceUnavail},
		{"internal", Internal(fmt.Errorf("boom")), http.StatusInternalServerError, "INTERNAL_ERROR", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, tt.err.Status)
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.status, HTTPStatus(tt.err))
			if tt.sentinel != nil {
				assert.True(t, errors.Is(tt.err, tt.sentinel))
			}
		})
	}
}

func TestAppError_ErrorString(t *testing.T) {
	withInner := &AppError{Code: "INTERNAL_ERROR", Message: "something broke", Err: fmt.Errorf("db gone")}
	assert.Equal(t, "INTERNAL_ERROR: something broke: db gone", withInner.Error())

	bare := &AppError{Code: "NOT_FOUND", Message: "coupon not found"}
	assert.Equal(t, "NOT_FOUND: coupon not found", bare.Error())
}

func TestHTTPStatus_WrappedSentinels(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, HTTPStatus(fmt.Errorf("get: %w", ErrNotFound)))
	assert.Equal(t, http.StatusConflict, HTTPStatus(fmt.Errorf("insert: %w", ErrAlreadyExists)))
	assert.Equal(t, http.StatusGone, HTTPStatus(Wrap(ErrGone, "confirm")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("plain")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ServiceUnavailable("lock wait")))
	assert.True(t, IsRetryable(fmt.Errorf("cart: %w", ErrServiceUnavail)))
	assert.False(t, IsRetryable(Conflict("dup")))
	assert.False(t, IsRetryable(errors.New("plain")))
}
