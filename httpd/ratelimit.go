package httpd

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter applies a per-client token bucket on the write-heavy public
// routes. Entries are dropped again after an idle period.
type rateLimiter struct {
	log       *slog.Logger
	perSecond rate.Limit
	burst     int

	mu       sync.Mutex
	visitors map[string]*rate.Limiter
}

func newRateLimiter(requestsPerMinute float64, burst int, log *slog.Logger) *rateLimiter {
	perSecond := requestsPerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{
		log:       log,
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		visitors:  make(map[string]*rate.Limiter),
	}
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := clientID(r)
		if !rl.obtain(id).Allow() {
			rl.log.Warn("rate limited", "client", id, "path", r.URL.Path)
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *rateLimiter) obtain(id string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if limiter, ok := rl.visitors[id]; ok {
		return limiter
	}
	limiter := rate.NewLimiter(rl.perSecond, rl.burst)
	rl.visitors[id] = limiter
	go rl.expire(id)
	return limiter
}

func (rl *rateLimiter) expire(id string) {
	time.Sleep(5 * time.Minute)
	rl.mu.Lock()
	delete(rl.visitors, id)
	rl.mu.Unlock()
}

func clientID(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if ff := r.Header.Get("X-Forwarded-For"); ff != "" {
		first := ff
		if comma := strings.IndexByte(ff, ','); comma > 0 {
			first = ff[:comma]
		}
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
		return ff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
