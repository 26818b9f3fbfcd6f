package httpapi

import (
	"crypto/subtle"
	"net"
	"net/http"
	"runtime"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

// DebugConfig mounts the Go profiler under /debug/pprof/.
//
// Binding the admin listener to a non-loopback address with no Token is
// refused by config validation.
type DebugConfig struct {
	Enabled bool
	Token   string

	// 0 keeps the Go default.
	MutexProfileFraction int
	BlockProfileRate     int
}

func (c DebugConfig) applyRuntimeRates() {
	if c.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(c.MutexProfileFraction)
	}
	if c.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(c.BlockProfileRate)
	}
}

func (s *Server) debugHandler() http.Handler {
	s.d.Debug.applyRuntimeRates()
	return requireToken(s.d.Debug.Token)(middleware.Profiler())
}

// requireToken accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func requireToken(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
					got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
				}
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IsLoopbackAddr reports whether a host:port binds only to the local host.
// An empty host means every interface.
func IsLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
