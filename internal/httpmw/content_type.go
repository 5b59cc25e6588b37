package httpmw

import (
	"net/http"
	"strings"
)

// DefaultAllowedContentTypes is the allow-list applied when a validated route
// doesn't override it.
var DefaultAllowedContentTypes = []string{
	"application/json",
	"application/x-www-form-urlencoded",
	"multipart/form-data",
}

// ValidateContentType is a per-route guard: requests with mutating methods
// (POST, PUT, PATCH) must declare a content type whose media type is in the
// allow-list, or they are rejected with 400 and a security event. Parameters
// after ";" (charset, multipart boundary) are ignored. Non-mutating methods
// are never checked.
func ValidateContentType(allowed []string, rep Reporter) func(http.Handler) http.Handler {
	if len(allowed) == 0 {
		allowed = DefaultAllowedContentTypes
	}
	allowSet := make(map[string]struct{}, len(allowed))
	for _, ct := range allowed {
		allowSet[strings.ToLower(strings.TrimSpace(ct))] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch:
			default:
				next.ServeHTTP(w, r)
				return
			}

			declared := mediaType(r.Header.Get("Content-Type"))
			if _, ok := allowSet[declared]; !ok {
				if rep != nil {
					rep.Event(r, EventInvalidContentType, map[string]any{
						"content_type": declared,
					})
				}
				WriteJSONError(w, http.StatusBadRequest, "Unsupported content type")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// mediaType returns the lowercased main token of a Content-Type header,
// with any parameters after ";" stripped.
func mediaType(ct string) string {
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}
