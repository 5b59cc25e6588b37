package httpmw

import (
	"net/http"
	"runtime"

	"github.com/calebmorton/perimeter-api/internal/log"
	"github.com/calebmorton/perimeter-api/internal/xerrors"
)

// Recover returns middleware that converts handler panics into a 500 response
// and an error-level log line. onPanic, if set, runs after logging (used to
// increment the panic counter).
func Recover(L log.Logger, onPanic func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// net/http uses this sentinel to abort a connection cleanly
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				err, ok := rec.(error)
				if !ok {
					err = xerrors.Newf("panic: %v", rec)
				}

				buf := make([]byte, 8192)
				n := runtime.Stack(buf, false)

				ctx := r.Context()
				L.Error(ctx, err, "panic in http handler",
					"request_id", RequestIDFromContext(ctx),
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"panic_stack", string(buf[:n]),
				)

				if onPanic != nil {
					onPanic()
				}

				// Headers may already be gone; best effort.
				WriteJSONError(w, http.StatusInternalServerError, "internal server error")
			}()

			next.ServeHTTP(w, r)
		})
	}
}
