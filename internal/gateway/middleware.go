package gateway

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/poslink/terminal-agent/internal/config"
)

// MakeCORSMiddleware returns CORS middleware using config origins.
// Matches the request's Origin header against exact origins and
// wildcard suffix patterns (e.g. "https://*.example.com").
func MakeCORSMiddleware(cfg *config.Config) mux.MiddlewareFunc {
	exact := make(map[string]bool, len(cfg.Server.CORSAllowOrigins))
	var wildcardSuffixes []string
	allowAll := false
	for _, o := range cfg.Server.CORSAllowOrigins {
		if o == "*" {
			allowAll = true
		} else if strings.Contains(o, "*") {
			wildcardSuffixes = append(wildcardSuffixes, strings.Replace(o, "*", "", 1))
		} else {
			exact[o] = true
		}
	}

	originAllowed := func(origin string) bool {
		if exact[origin] {
			return true
		}
		for _, suffix := range wildcardSuffixes {
			parts := strings.SplitN(suffix, "//", 2)
			if len(parts) == 2 {
				scheme := parts[0] + "//"
				if strings.HasPrefix(origin, scheme) && strings.HasSuffix(origin, parts[1]) {
					return true
				}
			} else if strings.HasSuffix(origin, suffix) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" && originAllowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, Accept")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// LoggingMiddleware logs each request with method, path, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
