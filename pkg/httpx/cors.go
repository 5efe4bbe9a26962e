package httpx

import (
	"net/http"
	"strings"
)

const (
	corsAllowMethods  = "GET,POST,PUT,DELETE,OPTIONS"
	corsDefaultHeader = "Authorization,Content-Type,X-Admin-Token,X-RateLimit-Bypass,X-Device-Fingerprint"
	corsExposeHeaders = "X-Decision-ID,X-RateLimit-Limit,X-RateLimit-Remaining,X-RateLimit-Reset,X-RateLimit-Cost-Remaining,X-Access-Mode,Retry-After"
)

type corsPolicy struct {
	any     bool
	origins map[string]bool
}

func parseCORS(list string) corsPolicy {
	p := corsPolicy{origins: map[string]bool{}}
	for _, o := range splitList(list) {
		if o == "*" {
			p.any = true
		} else {
			p.origins[o] = true
		}
	}
	return p
}

func (p corsPolicy) allows(origin string) bool {
	return p.any || p.origins[origin]
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != ""
}

// CORSMiddleware answers browsers from an explicit origin allowlist
// ("*" allows any). Requests without Origin pass through untouched; a
// preflight from an unlisted origin is refused with 403.
func CORSMiddleware(allowedOrigins string) func(http.Handler) http.Handler {
	policy := parseCORS(allowedOrigins)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			switch {
			case origin == "":
				next.ServeHTTP(w, r)
				return
			case !policy.allows(origin):
				if isPreflight(r) {
					http.Error(w, "origin not allowed", http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
			if !isPreflight(r) {
				next.ServeHTTP(w, r)
				return
			}
			h.Add("Vary", "Access-Control-Request-Method")
			h.Add("Vary", "Access-Control-Request-Headers")
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			reqHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
			if reqHeaders == "" {
				reqHeaders = corsDefaultHeader
			}
			h.Set("Access-Control-Allow-Headers", reqHeaders)
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
		})
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
