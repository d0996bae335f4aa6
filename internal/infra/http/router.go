package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RouterConfig carries the knobs of NewRouter.
type RouterConfig struct {
	RequestTimeout time.Duration
	// PublicRateLimit caps order, callback and subscription calls per client per minute; 0 disables it.
	PublicRateLimit int
}

func NewRouter(h *Handler, auth *AuthManager, limiter RateLimiter, cfg RouterConfig, logger *zerolog.Logger) *chi.Mux {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestContext)
	r.Use(RequestLog(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// The gateway signs webhooks; they are never rate limited.
		r.Post("/webhooks/gateway", h.handleWebhook)

		r.Group(func(r chi.Router) {
			if cfg.PublicRateLimit > 0 {
				r.Use(RateLimit(limiter, "public", cfg.PublicRateLimit, time.Minute, logger))
			}
			r.Post("/payments/orders", h.handleCreateOrder)
			r.Post("/payments/callback", h.handleCallback)
			r.Post("/payments/{id}/checkout", h.handleCheckoutInvoice)
			r.Post("/subscriptions", h.handleSubscribe)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.AdminOnly)
			r.Get("/payments", h.handleListPayments)
			r.Get("/payments/stats", h.handleStats)
			r.Get("/payments/{id}", h.handleGetPayment)
			r.Post("/payments/{id}/refund", h.handleRefund)
			r.Post("/payments/{id}/offline", h.handleOffline)
			r.Post("/invoices/bulk", h.handleBulkInvoices)
			r.Post("/subscriptions/{id}/refresh", h.handleRefreshSubscription)
			r.Get("/users/{userID}/payments", h.handleUserPayments)
			r.Get("/users/{userID}/subscriptions", h.handleUserSubscriptions)
		})
	})
	return r
}
