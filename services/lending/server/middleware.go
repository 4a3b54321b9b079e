package server

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"bobvault/observability"
)

// RateLimit bounds the request rate of a single caller.
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter hands out a token bucket per caller. Authenticated callers are
// keyed by address, everyone else by remote IP.
type RateLimiter struct {
	limit    RateLimit
	mu       sync.Mutex
	visitors map[string]*visitor
	now      func() time.Time
	idleTTL  time.Duration
}

// NewRateLimiter constructs a limiter. A non-positive rate disables limiting.
func NewRateLimiter(limit RateLimit) *RateLimiter {
	return &RateLimiter{
		limit:    limit,
		visitors: make(map[string]*visitor),
		now:      time.Now,
		idleTTL:  10 * time.Minute,
	}
}

// Middleware enforces the limit.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l == nil || l.limit.RequestsPerSecond <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		if !l.allow(clientID(r)) {
			observability.HTTP().RecordThrottle("client")
			writeError(w, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) allow(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	entry, ok := l.visitors[id]
	if !ok {
		burst := l.limit.Burst
		if burst <= 0 {
			burst = 1
		}
		entry = &visitor{limiter: rate.NewLimiter(rate.Limit(l.limit.RequestsPerSecond), burst)}
		l.visitors[id] = entry
		l.sweepLocked(now)
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// sweepLocked drops idle visitors. It runs when a new visitor arrives so the
// map stays bounded by the number of recently active callers.
func (l *RateLimiter) sweepLocked(now time.Time) {
	for id, entry := range l.visitors {
		if now.Sub(entry.lastSeen) > l.idleTTL && !entry.lastSeen.IsZero() {
			delete(l.visitors, id)
		}
	}
}

func clientID(r *http.Request) string {
	if caller, ok := CallerFrom(r.Context()); ok {
		return caller.Hex()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	body   []byte
	keep   bool
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	if s.keep {
		s.body = append(s.body, p...)
	}
	return s.ResponseWriter.Write(p)
}

// Hijack lets websocket upgrades pass through the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

// instrument records request counts and latency labelled by the matched
// route pattern.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)
		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		observability.HTTP().Observe(route, r.Method, status, time.Since(start))
	})
}
