package session

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const ctxPrincipalKey contextKey = "principal"

// Require authenticates the bearer token and rejects requests whose role
// differs from role.
func Require(iss *Issuer, role Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				writeErr(w, http.StatusUnauthorized, "unauthorized", "missing or malformed Authorization header")
				return
			}
			p, err := iss.Parse(raw)
			if err != nil {
				writeErr(w, http.StatusUnauthorized, "unauthorized", "invalid or expired session")
				return
			}
			if p.Role != role {
				writeErr(w, http.StatusForbidden, "forbidden", "session role not allowed here")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxPrincipalKey, p)
}

func PrincipalFromCtx(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxPrincipalKey).(Principal)
	return p, ok
}

// LicenseFromCtx returns the license key of a license session, or "".
func LicenseFromCtx(ctx context.Context) string {
	p, ok := PrincipalFromCtx(ctx)
	if !ok || p.Role != RoleLicense {
		return ""
	}
	return p.Subject
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

func writeErr(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + code + `","message":"` + msg + `"}`))
}
