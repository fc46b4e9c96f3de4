package controller

import (
	"net"
	"net/http"
	"strings"

	"github.com/eclipsemd/botdeck/pkg/apperr"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"
)

var errTooManyRequests = apperr.New(apperr.KindInvalidState, "too many requests, slow down")

// KeyedLimiter keeps one token bucket per key (client IP or account id).
type KeyedLimiter struct {
	every   rate.Limit
	burst   int
	buckets *xsync.Map[string, *rate.Limiter]
}

func NewKeyedLimiter(every rate.Limit, burst int) *KeyedLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &KeyedLimiter{every: every, burst: burst, buckets: xsync.NewMap[string, *rate.Limiter]()}
}

// Allow reports whether key may proceed now.
func (l *KeyedLimiter) Allow(key string) bool {
	lim, _ := l.buckets.LoadOrStore(key, rate.NewLimiter(l.every, l.burst))
	return lim.Allow()
}

func (l *KeyedLimiter) wrap(next http.Handler, key func(*http.Request) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l != nil && !l.Allow(key(r)) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"message": errTooManyRequests.Message,
				"kind":    string(errTooManyRequests.Kind),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ByIP limits per client address, honouring the first X-Forwarded-For hop.
func (l *KeyedLimiter) ByIP(next http.Handler) http.Handler {
	return l.wrap(next, clientIP)
}

// ByAccount limits per authenticated account. It must run inside RequireAuth.
func (l *KeyedLimiter) ByAccount(next http.Handler) http.Handler {
	return l.wrap(next, accountID)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
