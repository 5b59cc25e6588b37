// Package secevent builds and emits structured security events for
// audit and monitoring.
//
// Events are constructed from the current request context (client address,
// user agent, endpoint, method, request ID) plus a caller-supplied type and
// details map, logged at warning severity, and optionally shipped to S3 as
// signed JSON Lines batches. Emission never fails the request path: a details
// map that cannot be serialized degrades to a minimal event, and a full or
// stopped shipper drops the batch copy while the log line still goes out.
package secevent

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/calebmorton/perimeter-api/internal/httpmw"
)

// Event is an immutable audit record. Constructed on demand, handed to the
// sinks, and discarded; nothing mutates it after New returns.
type Event struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	Type          string         `json:"event_type"`
	ClientAddress string         `json:"client_address"`
	UserAgent     string         `json:"user_agent"`
	Endpoint      string         `json:"endpoint"`
	Method        string         `json:"method"`
	RequestID     string         `json:"request_id"`
	Details       map[string]any `json:"details,omitempty"`
}

// New builds an Event from the request's context and the caller's type and
// details. The request identifier and client address come from the values the
// middleware pipeline attached earlier in the request.
func New(r *http.Request, eventType string, details map[string]any) Event {
	ctx := r.Context()
	return Event{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Type:          eventType,
		ClientAddress: httpmw.ClientIPFromContext(ctx),
		UserAgent:     r.UserAgent(),
		Endpoint:      httpmw.Endpoint(r),
		Method:        r.Method,
		RequestID:     httpmw.RequestIDFromContext(ctx),
		Details:       details,
	}
}
