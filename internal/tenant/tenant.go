package tenant

/*
 * Tenant lives under internal so that only this module can import it: the
 * tenant of a request is resolved at the HTTP edge and carried in the context,
 * business packages receive it as a plain string.
 */

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Header carries the tenant of a request
const Header = "X-Tenant-ID"

// ErrMissing is returned when a request has no tenant
var ErrMissing = errors.New("missing " + Header + " header")

type ctxKey struct{}

// WithTenant stores id in ctx
func WithTenant(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the tenant stored by WithTenant
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// FromRequest reads the tenant header
func FromRequest(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get(Header))
	if id == "" {
		return "", ErrMissing
	}
	return id, nil
}

// Require resolves the tenant of every request, onMissing answers the ones without
func Require(onMissing func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := FromRequest(r)
			if err != nil {
				onMissing(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), id)))
		})
	}
}
