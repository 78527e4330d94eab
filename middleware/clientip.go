package middleware

import (
	"context"
	"net/http"

	"github.com/dmitrymomot/tokenbucket/pkg/clientip"
)

type clientIPContextKey struct{}

// ClientIP stores the real client address of each request in its context.
// Proxy headers are honored; see clientip.GetIP.
func ClientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientip.GetIP(r)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientIPContextKey{}, ip)))
	})
}

// GetClientIP returns the address stored by ClientIP.
func GetClientIP(ctx context.Context) (string, bool) {
	ip, ok := ctx.Value(clientIPContextKey{}).(string)
	return ip, ok
}

// ClientIPKey is the default rate limit key: the address stored by ClientIP,
// or one extracted from the request when the middleware did not run.
func ClientIPKey(r *http.Request) string {
	if ip, ok := GetClientIP(r.Context()); ok {
		return ip
	}
	return clientip.GetIP(r)
}
