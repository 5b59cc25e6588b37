package opshttp

import (
	"net"
	"net/http"

	"github.com/calebmorton/perimeter-api/internal/log"
)

// requireNonPublicNetwork rejects requests from public source addresses.
// The admin listener should only ever be reached over loopback, RFC1918
// space, or link-local; anything else gets a 403 and a warning.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !(ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()) {
			L.Warn(r.Context(), "admin request from non-private address rejected",
				"remote_addr", r.RemoteAddr, "path", r.URL.Path)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
