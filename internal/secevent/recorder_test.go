package secevent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/calebmorton/perimeter-api/internal/httpmw"
	"github.com/calebmorton/perimeter-api/internal/log"
)

// spyLogger captures Warn calls.
type spyLogger struct {
	log.Logger
	mu    sync.Mutex
	warns []spyWarn
}

type spyWarn struct {
	msg string
	kv  []any
}

func newSpyLogger() *spyLogger { return &spyLogger{Logger: log.Nop()} }

func (s *spyLogger) With(kv ...any) log.Logger { return s }

func (s *spyLogger) Warn(ctx context.Context, msg string, kv ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warns = append(s.warns, spyWarn{msg: msg, kv: kv})
}

func (s *spyLogger) lastWarn() (spyWarn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.warns) == 0 {
		return spyWarn{}, false
	}
	return s.warns[len(s.warns)-1], true
}

func (s *spyLogger) warnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.warns)
}

func kvValue(kv []any, key string) (any, bool) {
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok && k == key {
			return kv[i+1], true
		}
	}
	return nil, false
}

func requestWithIdentity(t *testing.T) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/documents", nil)
	r.Header.Set("User-Agent", "test-agent/1.0")
	ctx := httpmw.WithRequestID(r.Context(), "abcd1234")
	ctx = httpmw.WithClientIP(ctx, "198.51.100.4")
	return r.WithContext(ctx)
}

func TestNew_ReadsRequestContext(t *testing.T) {
	r := requestWithIdentity(t)

	ev := New(r, "rate_limit_exceeded", map[string]any{"limit": 100})

	if ev.Type != "rate_limit_exceeded" {
		t.Fatalf("Type = %q", ev.Type)
	}
	if ev.ClientAddress != "198.51.100.4" {
		t.Fatalf("ClientAddress = %q", ev.ClientAddress)
	}
	if ev.RequestID != "abcd1234" {
		t.Fatalf("RequestID = %q", ev.RequestID)
	}
	if ev.UserAgent != "test-agent/1.0" {
		t.Fatalf("UserAgent = %q", ev.UserAgent)
	}
	if ev.Method != http.MethodPost {
		t.Fatalf("Method = %q", ev.Method)
	}
	if ev.Endpoint != "/api/v1/documents" {
		t.Fatalf("Endpoint = %q", ev.Endpoint)
	}
	if ev.ID == "" || ev.Timestamp.IsZero() {
		t.Fatal("ID and Timestamp must be populated")
	}
}

func TestRecorder_EmitsWarnWithCorrelation(t *testing.T) {
	spy := newSpyLogger()
	rec := NewRecorder(spy)

	var counted string
	rec.OnEvent = func(et string) { counted = et }

	rec.Event(requestWithIdentity(t), "invalid_content_type", map[string]any{"content_type": "text/xml"})

	w, ok := spy.lastWarn()
	if !ok {
		t.Fatal("expected a warn-level security event")
	}
	if w.msg != "security event" {
		t.Fatalf("msg = %q", w.msg)
	}
	if v, _ := kvValue(w.kv, "request_id"); v != "abcd1234" {
		t.Fatalf("request_id = %v", v)
	}
	if v, _ := kvValue(w.kv, "client_address"); v != "198.51.100.4" {
		t.Fatalf("client_address = %v", v)
	}
	if counted != "invalid_content_type" {
		t.Fatalf("OnEvent got %q", counted)
	}
}

func TestRecorder_DegradesOnUnserializableDetails(t *testing.T) {
	spy := newSpyLogger()
	rec := NewRecorder(spy)

	// channels cannot be marshaled to JSON
	rec.Event(requestWithIdentity(t), "invalid_content_type", map[string]any{"bad": make(chan int)})

	w, ok := spy.lastWarn()
	if !ok {
		t.Fatal("the log line must survive a details serialization failure")
	}
	v, _ := kvValue(w.kv, "details")
	details, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("details = %T, want degraded map", v)
	}
	if _, ok := details["details_error"]; !ok {
		t.Fatalf("degraded details = %v, want details_error key", details)
	}
}

func TestRecorder_ForwardsToSink(t *testing.T) {
	spy := newSpyLogger()
	rec := NewRecorder(spy)

	got := make([]Event, 0, 1)
	rec.Sink = sinkFunc(func(ev Event) { got = append(got, ev) })

	rec.Event(requestWithIdentity(t), "insecure_transport", nil)

	if len(got) != 1 {
		t.Fatalf("sink got %d events, want 1", len(got))
	}
	if got[0].Type != "insecure_transport" {
		t.Fatalf("sink event type = %q", got[0].Type)
	}
}

type sinkFunc func(Event)

func (f sinkFunc) Enqueue(ev Event) { f(ev) }
