package http

import (
	"net/http"
	"strings"

	"github.com/kissanbandi/coupon-service/internal/domain"
	"github.com/kissanbandi/coupon-service/pkg/middleware"
)

// HeaderUserGroup carries the caller's user group when the gateway knows it.
const HeaderUserGroup = "X-User-Group"

// RoleAdmin is the role allowed on coupon administration routes.
const RoleAdmin = "admin"

// ContentTypeJSON enforces that requests with a body have Content-Type: application/json.
func ContentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > 0 || r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			ct := r.Header.Get("Content-Type")
			if ct != "" && !strings.HasPrefix(ct, "application/json") {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnsupportedMediaType)
				_, _ = w.Write([]byte(`{"error":{"code":"UNSUPPORTED_MEDIA_TYPE","message":"Content-Type must be application/json"}}`))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// callerFrom returns the authenticated caller. The group comes from the
// gateway header and is resolved again by the services.
func callerFrom(r *http.Request) domain.User {
	return domain.User{
		ID:    middleware.UserIDFromContext(r.Context()),
		Group: strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderUserGroup))),
	}
}

func isAdmin(r *http.Request) bool {
	return middleware.RoleFromContext(r.Context()) == RoleAdmin
}
