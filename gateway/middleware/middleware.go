package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// RequestIDHeader carries the correlation id assigned to each request.
const RequestIDHeader = "X-Request-Id"

// RequestID assigns a correlation id to each request, propagating one
// supplied by the client.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// Logger emits one structured line per request.
func Logger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			log.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", recorder.status,
				"durationMs", time.Since(started).Milliseconds(),
				"requestId", w.Header().Get(RequestIDHeader),
			)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// RateLimit throttles per client IP using a token bucket. Buckets for idle
// clients are dropped after an hour.
func RateLimit(perSecond float64, burst int) func(http.Handler) http.Handler {
	limiter := &ipLimiter{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		clients:   map[string]*clientBucket{},
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.allow(clientIP(r)) {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type ipLimiter struct {
	mu        sync.Mutex
	perSecond rate.Limit
	burst     int
	clients   map[string]*clientBucket
	lastSweep time.Time
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastSweep) > time.Hour {
		for key, bucket := range l.clients {
			if now.Sub(bucket.lastSeen) > time.Hour {
				delete(l.clients, key)
			}
		}
		l.lastSweep = now
	}

	bucket, ok := l.clients[ip]
	if !ok {
		bucket = &clientBucket{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.clients[ip] = bucket
	}
	bucket.lastSeen = now
	return bucket.limiter.Allow()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
