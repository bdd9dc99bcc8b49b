package broker

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/farhan-ahmed1/tether/internal/logger"
)

// withAuth rejects /api requests without the shared secret before routing,
// so unknown paths and wrong methods under /api answer 401 too. No
// configured token means every request passes.
func (b *Broker) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.token == "" || !isAPIPath(r.URL.Path) || b.authorized(r) {
			next.ServeHTTP(w, r)
			return
		}

		b.metrics.AuthFailure()
		b.logger.Warn("Unauthorized request", logger.Fields{
			"path":   r.URL.Path,
			"remote": r.RemoteAddr,
		})
		writeError(w, http.StatusUnauthorized, "unauthorized")
	})
}

func isAPIPath(path string) bool {
	return path == apiPrefix || strings.HasPrefix(path, apiPrefix+"/")
}

func (b *Broker) authorized(r *http.Request) bool {
	if tokenMatches(r.Header.Get(TokenHeader), b.token) {
		return true
	}
	return tokenMatches(r.URL.Query().Get(TokenParam), b.token)
}

func tokenMatches(given, want string) bool {
	if given == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(given), []byte(want)) == 1
}

// withMetrics records latency per matched route
func (b *Broker) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		m := httpsnoop.CaptureMetrics(next, w, r)
		b.metrics.ObserveRequest(route, r.Method, m.Code, m.Duration)
	})
}

// withLogging logs all HTTP requests at debug level
func (b *Broker) withLogging(next http.Handler) http.Handler {
	if !b.logger.Enabled(logger.DEBUG) {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		code := http.StatusOK
		w = httpsnoop.Wrap(w, httpsnoop.Hooks{
			WriteHeader: func(next httpsnoop.WriteHeaderFunc) httpsnoop.WriteHeaderFunc {
				return func(c int) {
					code = c
					next(c)
				}
			},
		})
		next.ServeHTTP(w, r)
		b.logger.Debug("HTTP request", logger.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   code,
			"duration": time.Since(start).String(),
		})
	})
}

// withCORS adds CORS headers
func (b *Broker) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+TokenHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
