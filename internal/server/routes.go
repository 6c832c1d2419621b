package server

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

func New(handler *Handler) http.Handler {
	if handler.Logger == nil {
		handler.Logger = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(accessLog(handler.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", handler.Health)
	r.Route("/v1", func(r chi.Router) {
		r.With(handler.rateLimit).Post("/validate", handler.Validate)
		r.With(handler.rateLimit).Post("/validate/batch", handler.ValidateBatch)

		r.Route("/audit", func(r chi.Router) {
			r.Get("/recent", handler.RecentEntries)
			r.Get("/verify", handler.VerifyAudit)
			r.Get("/summary", handler.ChainSummary)
			r.Get("/export", handler.ExportEntries)
			r.Get("/users", handler.PrivacyUserSummary)
			r.Get("/{requestID}", handler.AuditEntry)
		})

		r.Get("/stats", handler.Stats)
		r.Get("/policy", handler.PolicyInfo)
		r.Post("/policy/reload", handler.ReloadPolicy)
	})
	return r
}

func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

// rateLimit admits RateLimitPerMin validations per client address. A limiter
// error denies the request.
func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Limiter == nil || h.RateLimitPerMin <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		key := "validate:" + clientIP(r)
		d, err := h.Limiter.Allow(r.Context(), key, h.RateLimitPerMin)
		if err != nil {
			h.Logger.Warn("rate limiter unavailable, denying request", zap.Error(err))
			writeJSON(w, http.StatusTooManyRequests, errorPayload("rate limiter unavailable"))
			return
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.RateLimitPerMin))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			retry := int(time.Until(d.ResetAt).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeJSON(w, http.StatusTooManyRequests, errorPayload("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP is the connection's peer address. Forwarding headers are ignored
// since any client can set them.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
