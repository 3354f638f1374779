// Package app assembles the fulfillment services shared by the API and the
// cron worker.
package app

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/storefront-fulfillment/internal/checkout"
	"github.com/angelmondragon/storefront-fulfillment/internal/inventory"
	"github.com/angelmondragon/storefront-fulfillment/internal/orders"
	"github.com/angelmondragon/storefront-fulfillment/internal/payments"
	"github.com/angelmondragon/storefront-fulfillment/internal/reconciler"
	"github.com/angelmondragon/storefront-fulfillment/internal/shipping"
	"github.com/angelmondragon/storefront-fulfillment/pkg/config"
	"github.com/angelmondragon/storefront-fulfillment/pkg/db"
	"github.com/angelmondragon/storefront-fulfillment/pkg/logger"
	"github.com/angelmondragon/storefront-fulfillment/pkg/metrics"
	"github.com/angelmondragon/storefront-fulfillment/pkg/outbox"
	pkgredis "github.com/angelmondragon/storefront-fulfillment/pkg/redis"
)

// Services is the wired domain graph.
type Services struct {
	OrdersRepo    orders.Repository
	ShipmentsRepo shipping.Repository
	Outbox        *outbox.Service
	OutboxRepo    *outbox.Repository
	Registry      *payments.Registry
	Orders        orders.Service
	Checkout      checkout.Service
	Payments      payments.Service
	Reconciler    *reconciler.Service
	Shipping      shipping.Dispatcher
}

type store interface {
	pkgredis.Counter
	pkgredis.IdempotencyStore
}

// Build wires every service over one database client. fm may be nil.
func Build(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, redisClient store, fm *metrics.FulfillmentMetrics) (*Services, error) {
	if cfg == nil || dbClient == nil || redisClient == nil {
		return nil, fmt.Errorf("config, database and redis are required")
	}
	conn := dbClient.DB()

	s := &Services{
		OrdersRepo:    orders.NewRepository(conn),
		ShipmentsRepo: shipping.NewRepository(conn),
		OutboxRepo:    outbox.NewRepository(conn),
	}
	s.Outbox = outbox.NewService(s.OutboxRepo, logg)

	registry, err := payments.RegistryFromConfig(cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("payment registry: %w", err)
	}
	s.Registry = registry

	s.Shipping, err = shipping.NewDispatcher(
		dbClient,
		s.ShipmentsRepo,
		s.OrdersRepo,
		shipping.NewSimulatedCarrier(cfg.Shipping.Carrier),
		s.Outbox,
		shipping.Config{
			CarrierTimeout: cfg.Shipping.Timeout,
			WebhookSecret:  cfg.Shipping.WebhookSecret,
			DevBypass:      cfg.Webhooks.DevBypass && cfg.App.IsDev(),
		},
		logg,
	)
	if err != nil {
		return nil, fmt.Errorf("shipment dispatcher: %w", err)
	}

	ledger := inventory.NewLedger(logg, fm)
	s.Orders, err = orders.NewService(dbClient, s.OrdersRepo, ledger, s.Outbox, s.Shipping, logg)
	if err != nil {
		return nil, fmt.Errorf("orders service: %w", err)
	}

	numbers, err := checkout.NewNumberAllocator(redisClient, s.OrdersRepo, cfg.Checkout.OrderNumberFloor)
	if err != nil {
		return nil, fmt.Errorf("order numbers: %w", err)
	}
	s.Checkout, err = checkout.NewService(
		dbClient,
		checkout.NewProductRepository(conn),
		s.OrdersRepo,
		s.Orders,
		ledger,
		registry,
		numbers,
		s.Outbox,
		fm,
		checkout.Config{
			TaxRate:                 decimal.NewFromFloat(cfg.Checkout.TaxRate),
			DefaultShippingProvider: cfg.Checkout.DefaultShippingCo,
		},
		logg,
	)
	if err != nil {
		return nil, fmt.Errorf("checkout service: %w", err)
	}

	s.Payments, err = payments.NewService(registry, s.OrdersRepo, cfg.Payments.ProviderTimeout, logg)
	if err != nil {
		return nil, fmt.Errorf("payments service: %w", err)
	}

	guard, err := reconciler.NewIdempotencyGuard(redisClient, cfg.Webhooks.IdempotencyTTL)
	if err != nil {
		return nil, fmt.Errorf("webhook guard: %w", err)
	}
	s.Reconciler, err = reconciler.NewService(
		registry,
		s.OrdersRepo,
		s.Orders,
		guard,
		fm,
		reconciler.Config{
			DevBypass:    cfg.Webhooks.DevBypass && cfg.App.IsDev(),
			FetchTimeout: cfg.Payments.ProviderTimeout,
		},
		logg,
	)
	if err != nil {
		return nil, fmt.Errorf("reconciler: %w", err)
	}
	return s, nil
}
