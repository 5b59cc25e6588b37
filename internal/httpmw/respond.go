package httpmw

import (
	"encoding/json"
	"net/http"
)

// Reporter receives security events emitted by guards when they reject a
// request. Implementations must never panic; rejection responses are written
// regardless of what the reporter does.
type Reporter interface {
	Event(r *http.Request, eventType string, details map[string]any)
}

// Security event types emitted by the guards in this package and by the
// rate limiter.
const (
	EventRateLimitExceeded  = "rate_limit_exceeded"
	EventInvalidContentType = "invalid_content_type"
	EventInsecureTransport  = "insecure_transport"
)

// WriteJSONError writes a machine-readable rejection body. Guards use this
// for every short-circuit response so clients always get the same shape.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
