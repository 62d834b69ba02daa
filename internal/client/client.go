// Package client calls the storefront services the coupon engine depends on.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	apperrors "github.com/kissanbandi/coupon-service/pkg/errors"
	"github.com/kissanbandi/coupon-service/pkg/httpclient"
)

// HTTPDoer executes HTTP requests.
// Both httpclient.Client and httpclient.CircuitBreakerClient satisfy this.
type HTTPDoer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// CircuitOpenFallback answers calls rejected by an open breaker with a
// retryable error instead of the raw ErrCircuitOpen.
func CircuitOpenFallback(_ context.Context, _ error) (*http.Response, error) {
	return nil, apperrors.ServiceUnavailable("downstream service is temporarily unavailable, please retry after 30 seconds")
}

// envelope is the {"data": ...} wrapper every storefront service responds with.
type envelope[T any] struct {
	Data T `json:"data"`
}

// getJSON issues a GET and decodes the data field of a 200 response.
func getJSON[T any](ctx context.Context, doer HTTPDoer, url, service string, header http.Header) (T, error) {
	var zero T

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return zero, fmt.Errorf("create %s request: %w", service, err)
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := doer.Do(ctx, req)
	if err != nil {
		return zero, fmt.Errorf("call %s service: %w", service, err)
	}
	if resp.StatusCode != http.StatusOK {
		return zero, httpclient.ParseResponseError(resp, service)
	}
	defer resp.Body.Close()

	var body envelope[T]
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return zero, fmt.Errorf("decode %s response: %w", service, err)
	}
	return body.Data, nil
}

func trimBase(url string) string {
	return strings.TrimRight(url, "/")
}
