package httpserver

import (
	"log"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"

	"github.com/felixge/httpsnoop"
)

type originPolicy struct {
	allowed map[string]struct{}
	hosts   []string
}

func newOriginPolicy(origins []string) *originPolicy {
	policy := &originPolicy{allowed: make(map[string]struct{}, len(origins))}
	for _, origin := range origins {
		trimmed := strings.TrimRight(strings.TrimSpace(origin), "/")
		if trimmed == "" {
			continue
		}
		policy.allowed[trimmed] = struct{}{}
		if u, err := url.Parse(trimmed); err == nil && u.Host != "" {
			policy.hosts = append(policy.hosts, u.Host)
		}
	}
	return policy
}

func (p *originPolicy) allows(origin string) bool {
	_, ok := p.allowed[origin]
	return ok
}

// withCORS applies the origin allowlist. Requests without an Origin header are not
// browser cross-origin requests and pass through untouched.
func (s *httpServer) withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			handler.ServeHTTP(w, r)
			return
		}
		if !s.origins.allows(origin) {
			writeError(w, http.StatusForbidden, "Not allowed by CORS")
			return
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Add("Vary", "Origin")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func withAccessLog(logger *log.Logger, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(handler, w, r)
		logger.Printf("handled method=%s url=%s status=%d duration=%s bytes=%d",
			r.Method, r.URL.Path, m.Code, m.Duration, m.Written)
	})
}

// withRecovery turns a handler panic into a generic 500 response.
func withRecovery(logger *log.Logger, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Printf("panic serving %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
				writeError(w, http.StatusInternalServerError, "Something went wrong!")
			}
		}()
		handler.ServeHTTP(w, r)
	})
}
