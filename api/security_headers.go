package api

import (
	"net/http"
	"strings"
)

// responseHeaders go on every reply. Session replies carry user data, so
// nothing may be cached, framed or sniffed.
var responseHeaders = [][2]string{
	{"Cache-Control", "no-store"},
	{"Pragma", "no-cache"},
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
}

// apiCSP locks down the JSON endpoints. The docs pages load their assets
// from a CDN and are left without a policy.
const apiCSP = "default-src 'none'; frame-ancestors 'none'"

const hstsValue = "max-age=63072000; includeSubDomains"

// SecurityHeaders hardens every response and adds HSTS when the request
// arrived over TLS.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, kv := range responseHeaders {
			h.Set(kv[0], kv[1])
		}
		if !isDocsPath(r.URL.Path) {
			h.Set("Content-Security-Policy", apiCSP)
		}
		if requestIsSecure(r) {
			h.Set("Strict-Transport-Security", hstsValue)
		}
		next.ServeHTTP(w, r)
	})
}

func isDocsPath(p string) bool {
	return strings.HasPrefix(p, "/docs") || strings.HasPrefix(p, "/redoc")
}
