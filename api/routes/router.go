package routes

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/storefront-fulfillment/api/controllers"
	ordercontrollers "github.com/angelmondragon/storefront-fulfillment/api/controllers/orders"
	paymentcontrollers "github.com/angelmondragon/storefront-fulfillment/api/controllers/payments"
	webhookcontrollers "github.com/angelmondragon/storefront-fulfillment/api/controllers/webhooks"
	"github.com/angelmondragon/storefront-fulfillment/api/middleware"
	"github.com/angelmondragon/storefront-fulfillment/internal/checkout"
	"github.com/angelmondragon/storefront-fulfillment/internal/orders"
	"github.com/angelmondragon/storefront-fulfillment/internal/payments"
	"github.com/angelmondragon/storefront-fulfillment/internal/reconciler"
	"github.com/angelmondragon/storefront-fulfillment/internal/shipping"
	"github.com/angelmondragon/storefront-fulfillment/pkg/config"
	"github.com/angelmondragon/storefront-fulfillment/pkg/enums"
	"github.com/angelmondragon/storefront-fulfillment/pkg/logger"
	"github.com/angelmondragon/storefront-fulfillment/pkg/metrics"
	pkgredis "github.com/angelmondragon/storefront-fulfillment/pkg/redis"
)

// Store backs idempotency replay and rate limiting.
type Store interface {
	pkgredis.IdempotencyStore
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
}

// PaymentReconciler handles provider deliveries and browser returns.
type PaymentReconciler interface {
	HandleWebhook(ctx context.Context, provider string, header http.Header, query url.Values, body []byte) (*reconciler.Result, error)
	HandleCallback(ctx context.Context, provider string, query url.Values) (*reconciler.Result, error)
}

// RouterParams wires every HTTP-facing dependency. Nil services answer 500
// from their controllers; a nil Store disables idempotency and rate limiting.
type RouterParams struct {
	Config      *config.Config
	Logger      *logger.Logger
	Store       Store
	Readiness   map[string]controllers.Pinger
	HTTPMetrics *metrics.HTTPMetrics
	Gatherer    prometheus.Gatherer

	Checkout   checkout.Service
	Orders     orders.Service
	Payments   payments.Service
	Reconciler PaymentReconciler
	Shipping   shipping.Dispatcher
}

func NewRouter(p RouterParams) http.Handler {
	cfg := p.Config
	logg := p.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.Metrics(p.HTTPMetrics),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	trackPolicy := middleware.NewRateLimitPolicy("track", cfg.RateLimit.TrackWindow, cfg.RateLimit.TrackIPLimit)
	limiterStore, idemStore := rateStore(p.Store), idempotencyStore(p.Store)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, p.Readiness))
	})
	r.Handle("/metrics", metrics.Handler(p.Gatherer))

	auth := middleware.Auth(cfg.JWT, logg)
	idempotent := middleware.Idempotency(idemStore, logg)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/orders", func(r chi.Router) {
			r.With(middleware.RateLimit(trackPolicy, limiterStore, logg)).
				Get("/track/{trackingNumber}", ordercontrollers.Track(p.Shipping, logg))

			r.Group(func(r chi.Router) {
				r.Use(auth)
				r.With(idempotent).Post("/", ordercontrollers.Checkout(p.Checkout, logg))
				r.Get("/{orderId}", ordercontrollers.Get(p.Orders, logg))

				r.Group(func(r chi.Router) {
					r.Use(middleware.RequireRole(string(enums.UserRoleAdmin), logg), idempotent)
					r.Patch("/{orderId}/status", ordercontrollers.AdminUpdateStatus(p.Orders, logg))
					r.Patch("/{orderId}/payment-status", ordercontrollers.AdminUpdatePaymentStatus(p.Orders, logg))
				})
			})
		})

		r.Route("/payments/{provider}", func(r chi.Router) {
			r.With(auth, idempotent).Post("/checkout", paymentcontrollers.CreateCheckoutSession(p.Payments, logg))
			r.Get("/callback", paymentcontrollers.Callback(p.Reconciler, paymentcontrollers.RedirectTargets{
				SuccessURL: cfg.Payments.SuccessURL,
				FailureURL: cfg.Payments.FailureURL,
			}, logg))
		})

		// Providers and carriers authenticate by signature, never by bearer token.
		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/shipments", webhookcontrollers.ShipmentWebhook(p.Shipping, logg))
			r.Post("/{provider}", webhookcontrollers.PaymentWebhook(p.Reconciler, logg))
		})
	})

	return r
}

func rateStore(s Store) interface {
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
} {
	if s == nil {
		return nil
	}
	return s
}

func idempotencyStore(s Store) pkgredis.IdempotencyStore {
	if s == nil {
		return nil
	}
	return s
}
