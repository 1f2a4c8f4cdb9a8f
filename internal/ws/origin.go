package ws

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// IsLoopbackOrigin reports whether origin names a page served from this
// machine: localhost or a loopback address.
func IsLoopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// AllowedOrigin accepts requests without an Origin header (native
// clients) and requests from loopback pages. Browsers always send Origin
// on cross-site websocket handshakes and POSTs.
func AllowedOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || IsLoopbackOrigin(origin)
}
