package httpmw

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type clientIPKey struct{}

// ClientIP extracts the client address from the request and stores it in the
// context: the first entry of the X-Forwarded-For chain when present, else
// the socket peer address with the port stripped. Rate limit keys and
// security events both read this value.
//
// This trusts the leftmost forwarded-for entry unconditionally, which is only
// sound behind a proxy layer that always sets the header. Deployments exposed
// directly to the internet should strip X-Forwarded-For upstream.
func ClientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := extractClientAddr(r)
		ctx := WithClientIP(r.Context(), ip)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractClientAddr(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		parts := strings.Split(xf, ",")
		if candidate := strings.TrimSpace(parts[0]); candidate != "" {
			return candidate
		}
	}

	// should never happen
	if r.RemoteAddr == "" {
		return "0.0.0.0"
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// no port in RemoteAddr, use it as-is
		return r.RemoteAddr
	}
	return host
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
