package httpmw

import (
	"net/http"
	"strings"
)

// RequireHTTPS is a per-route guard: outside debug mode, requests that did
// not arrive over a secure transport are rejected with 400 before the wrapped
// handler runs. This is a guard, not a redirect - it never attempts to
// upgrade the connection.
func RequireHTTPS(debugMode bool, rep Reporter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if debugMode || isSecure(r) {
				next.ServeHTTP(w, r)
				return
			}

			if rep != nil {
				rep.Event(r, EventInsecureTransport, map[string]any{
					"scheme": schemeFromRequest(r),
				})
			}
			WriteJSONError(w, http.StatusBadRequest, "HTTPS required")
		})
	}
}

func isSecure(r *http.Request) bool {
	return schemeFromRequest(r) == "https"
}

func schemeFromRequest(r *http.Request) string {
	// X-Forwarded-Proto is what the proxy layer sets for TLS-terminated traffic
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		// take the first if multiple in chain
		parts := strings.Split(xf, ",")
		return strings.ToLower(strings.TrimSpace(parts[0]))
	}

	if r.TLS != nil {
		return "https"
	}
	return "http"
}
