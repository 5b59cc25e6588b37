package secevent

import (
	"encoding/json"
	"net/http"

	"github.com/calebmorton/perimeter-api/internal/log"
)

// Sink receives a copy of every recorded event. Enqueue must not block.
type Sink interface {
	Enqueue(ev Event)
}

// Recorder is the process-wide security event emitter. It implements
// httpmw.Reporter so guards can hand it rejections directly.
type Recorder struct {
	L log.Logger

	// OnEvent is called per recorded event with its type, used for
	// incrementing the prometheus counter.
	OnEvent func(eventType string)

	// Sink, if set, gets a copy of each event for shipping. Optional.
	Sink Sink
}

func NewRecorder(L log.Logger) *Recorder {
	return &Recorder{L: L}
}

// Event builds a security event from the request and emits it at warning
// severity. It never panics past this boundary - a reject path must not be
// able to take the request down with it.
func (rec *Recorder) Event(r *http.Request, eventType string, details map[string]any) {
	defer func() {
		_ = recover()
	}()

	// Details that cannot be serialized degrade to a minimal event rather
	// than losing the log line.
	if _, err := json.Marshal(details); err != nil {
		details = map[string]any{"details_error": err.Error()}
	}

	ev := New(r, eventType, details)

	ctx := r.Context()
	rec.L.Warn(ctx, "security event",
		"event_id", ev.ID,
		"event_type", ev.Type,
		"client_address", ev.ClientAddress,
		"user_agent", ev.UserAgent,
		"endpoint", ev.Endpoint,
		"http.request.method", ev.Method,
		"request_id", ev.RequestID,
		"details", ev.Details,
	)

	if rec.OnEvent != nil {
		rec.OnEvent(ev.Type)
	}
	if rec.Sink != nil {
		rec.Sink.Enqueue(ev)
	}
}
