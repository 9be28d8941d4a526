package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"scopegate/pkg/httpx"
	"scopegate/pkg/models"
	"scopegate/pkg/policy"
)

type contextKey string

const requestAuthKey contextKey = "scopegate.request_auth"

// RequestAuth is the per-request outcome of the validate+resolve chain. The
// scope is resolved exactly once here and never recomputed or cached across
// requests.
type RequestAuth struct {
	Identity Identity
	Scope    models.AccessScope
}

// Middleware validates the bearer token and resolves the caller's scope
// before any handler runs. Auth failures are fatal to the request and never
// downgraded to an empty result. onDeny, when non-nil, is called with the
// taxonomy code of every rejection so the server can meter and audit them.
func Middleware(validator *Validator, policies *policy.Store, onDeny func(code string)) func(http.Handler) http.Handler {
	deny := func(w http.ResponseWriter, status int, code, msg string) {
		if onDeny != nil {
			onDeny(code)
		}
		httpx.Error(w, status, code, msg)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
				deny(w, http.StatusUnauthorized, models.CodeAuthMalformed, "missing bearer token")
				return
			}
			token := strings.TrimSpace(header[len("Bearer "):])
			identity, err := validator.Validate(token, time.Now().UTC())
			if err != nil {
				code, status := models.CodeAuthMalformed, http.StatusUnauthorized
				var authErr *AuthError
				if errors.As(err, &authErr) {
					code = authErr.Code
					if code == models.CodeAuthUnknownRole {
						status = http.StatusForbidden
					}
				}
				deny(w, status, code, "token rejected")
				return
			}
			scope, err := policies.Active().ResolveScope(identity.Role)
			if err != nil {
				// Role disappeared between validation and resolution
				// (policy swap mid-flight). Fail closed.
				deny(w, http.StatusForbidden, models.CodeAuthUnknownRole, "role no longer recognized")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithRequestAuth(r.Context(), RequestAuth{
				Identity: identity,
				Scope:    scope,
			})))
		})
	}
}

func WithRequestAuth(ctx context.Context, ra RequestAuth) context.Context {
	return context.WithValue(ctx, requestAuthKey, ra)
}

func RequestAuthFromContext(ctx context.Context) (RequestAuth, bool) {
	ra, ok := ctx.Value(requestAuthKey).(RequestAuth)
	return ra, ok
}
