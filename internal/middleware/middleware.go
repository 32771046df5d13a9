// Package middleware wraps the gate's handlers with per-client rate limiting
// and request logging.
package middleware

import (
	"encoding/json"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"captchify/internal/logging"
	"captchify/internal/ratelimit"
	"captchify/internal/utils"
)

type Middleware struct {
	Limiter ratelimit.Limiter
	Logger  *zap.Logger
}

func New(limiter ratelimit.Limiter, logger *zap.Logger) *Middleware {
	return &Middleware{
		Limiter: limiter,
		Logger:  logging.OrNop(logger),
	}
}

// RateLimiter rejects clients that exceed their allowance with 429.
func (m *Middleware) RateLimiter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		ip := utils.ClientIP(r)
		ok, err := m.Limiter.Allow(r.Context(), ip)
		if err != nil {
			m.Logger.Error("RateLimiter: check failed", zap.String("ip", ip), zap.Error(err))
			detail(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if !ok {
			m.Logger.Warn("RateLimiter: limit exceeded", zap.String("ip", ip))
			detail(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestLogger logs one line per request once it has been served.
func (m *Middleware) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("ip", utils.ClientIP(r)),
		}
		if id := chimw.GetReqID(r.Context()); id != "" {
			fields = append(fields, zap.String("request_id", id))
		}
		if status >= http.StatusInternalServerError {
			m.Logger.Error("request", fields...)
			return
		}
		m.Logger.Info("request", fields...)
	})
}

func detail(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": msg})
}
