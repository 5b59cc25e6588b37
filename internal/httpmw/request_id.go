package httpmw

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/calebmorton/perimeter-api/internal/log"
)

type requestIDKey struct{}

// requestIDLen is the length of a generated request ID in hex characters.
// Short on purpose: the ID is a log correlation token, not a security token,
// so collision probability is irrelevant.
const requestIDLen = 8

// WithRequestID attaches a request ID to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext gets the request ID from context, or "" if none.
func RequestIDFromContext(ctx context.Context) string {
	if v := ctx.Value(requestIDKey{}); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// RequestID middleware runs before any route logic:
// - generates a short random identifier for the request
// - stores it in context, where every guard and the security event
//   logger read it as the correlation key
// - echoes it back on the response
// - emits one informational log line with id, method, and path
func RequestID(headerName string) func(http.Handler) http.Handler {
	if headerName == "" {
		headerName = "X-Request-Id"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := newRequestID()

			ctx := WithRequestID(r.Context(), id)

			// include ID on the response too, for client-side correlation
			w.Header().Set(headerName, id)

			log.FromContext(ctx).Info(ctx, "request received",
				"request_id", id,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
			)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func newRequestID() string {
	var b [requestIDLen / 2]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Extremely unlikely; in worst case just return empty and logger will cope.
		return ""
	}
	return hex.EncodeToString(b[:])
}
