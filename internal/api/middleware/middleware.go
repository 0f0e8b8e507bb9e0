package middleware

import (
	"bufio"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/samber/oops"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/danghamo/cozyfocus/internal/api/jsonrpcx"
	"github.com/danghamo/cozyfocus/pkg/logger"
)

// Middleware is a function that wraps an http.Handler
type Middleware func(http.Handler) http.Handler

// Chain applies middleware in order (first listed runs outermost)
func Chain(middlewares ...Middleware) Middleware {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// Logging logs one line per request
func Logging(log *logger.Logger) Middleware {
	l := log.WithComponent("logging-middleware")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			l.Info("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Int("status_code", wrapped.statusCode),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

// CORS allows any origin; the API only exposes the local peer's view
func CORS() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Cache-Control")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Recovery turns handler panics into a JSON-RPC internal error
func Recovery(log *logger.Logger) Middleware {
	l := log.WithComponent("recovery-middleware")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					l.Error("HTTP handler panic",
						zap.Any("error", rec),
						zap.String("path", r.URL.Path),
						zap.String("method", r.Method),
					)
					jsonrpcx.Failure(w, nil, jsonrpcx.InternalError, "Internal server error")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// ErrorAdapter writes the error response a handler attached with
// jsonrpcx.WithError
func ErrorAdapter(log *logger.Logger) Middleware {
	l := log.WithComponent("error-adapter-middleware")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)

			if resp, ok := jsonrpcx.ErrorFrom(r.Context()); ok {
				l.Debug("JSON-RPC error",
					zap.String("path", r.URL.Path),
					zap.Int("code", resp.Error.Code),
					zap.String("message", resp.Error.Message),
				)
				jsonrpcx.Write(w, *resp)
			}
		})
	}
}

// RateLimitConfig sets the per-client token bucket
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	IdleTTL           time.Duration
}

// DefaultRateLimitConfig allows 10 requests per second with bursts of 50
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 10, Burst: 50, IdleTTL: 3 * time.Minute}
}

// RateLimit throttles each client IP with its own token bucket. Idle
// buckets are swept during requests.
func RateLimit(log *logger.Logger, cfg RateLimitConfig) Middleware {
	l := log.WithComponent("ratelimit-middleware")
	if cfg.RequestsPerSecond <= 0 || cfg.Burst <= 0 {
		cfg = DefaultRateLimitConfig()
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 3 * time.Minute
	}

	type client struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}

	var (
		mu        sync.Mutex
		clients   = make(map[string]*client)
		lastSweep = time.Now()
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			now := time.Now()

			mu.Lock()
			if now.Sub(lastSweep) > time.Minute {
				for key, c := range clients {
					if now.Sub(c.lastSeen) > cfg.IdleTTL {
						delete(clients, key)
					}
				}
				lastSweep = now
			}
			c, ok := clients[ip]
			if !ok {
				c = &client{limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)}
				clients[ip] = c
			}
			c.lastSeen = now
			allowed := c.limiter.Allow()
			mu.Unlock()

			if !allowed {
				l.Warn("Rate limit exceeded",
					zap.String("ip", ip),
					zap.String("path", r.URL.Path),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"Rate limit exceeded"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// responseWriter captures the status code while preserving Flusher and Hijacker
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for the SSE stream
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, oops.In("middleware").Errorf("responseWriter does not implement http.Hijacker")
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
