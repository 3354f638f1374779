package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/storefront-fulfillment/internal/orders"
	"github.com/angelmondragon/storefront-fulfillment/internal/payments"
	"github.com/angelmondragon/storefront-fulfillment/internal/reconciler"
	"github.com/angelmondragon/storefront-fulfillment/pkg/db/models"
	"github.com/angelmondragon/storefront-fulfillment/pkg/enums"
	"github.com/angelmondragon/storefront-fulfillment/pkg/logger"
)

const (
	pendingPaymentJobName  = "pending-payment-expiry"
	defaultPendingTTL      = 24 * time.Hour
	defaultBatchSize       = 100
	defaultProviderTimeout = 15 * time.Second
)

type staleOrderLister interface {
	ListStalePendingRedirect(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error)
}

type statusReconciler interface {
	Reconcile(ctx context.Context, order *models.Order, rawStatus, source string) (*reconciler.Result, error)
}

type paymentApplier interface {
	ApplyPaymentStatus(ctx context.Context, transition orders.PaymentTransition) (*orders.PaymentOutcome, error)
}

type PendingPaymentJobParams struct {
	Logger          *logger.Logger
	Orders          staleOrderLister
	Registry        *payments.Registry
	Reconciler      statusReconciler
	Applier         paymentApplier
	TTL             time.Duration
	BatchSize       int
	ProviderTimeout time.Duration
}

// NewPendingPaymentJob builds the sweeper for redirect orders whose buyer never
// came back. The provider is asked first; only a still-pending session expires.
func NewPendingPaymentJob(params PendingPaymentJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if params.Registry == nil {
		return nil, fmt.Errorf("payment registry required")
	}
	if params.Reconciler == nil {
		return nil, fmt.Errorf("reconciler required")
	}
	if params.Applier == nil {
		return nil, fmt.Errorf("payment applier required")
	}
	if params.TTL <= 0 {
		params.TTL = defaultPendingTTL
	}
	if params.BatchSize <= 0 {
		params.BatchSize = defaultBatchSize
	}
	if params.ProviderTimeout <= 0 {
		params.ProviderTimeout = defaultProviderTimeout
	}
	return &pendingPaymentJob{params: params, now: time.Now}, nil
}

type pendingPaymentJob struct {
	params PendingPaymentJobParams
	now    func() time.Time
}

func (j *pendingPaymentJob) Name() string { return pendingPaymentJobName }

func (j *pendingPaymentJob) Run(ctx context.Context) (int, error) {
	cutoff := j.now().UTC().Add(-j.params.TTL)
	stale, err := j.params.Orders.ListStalePendingRedirect(ctx, cutoff, j.params.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale pending orders: %w", err)
	}

	var (
		processed int
		errs      error
	)
	for i := range stale {
		order := &stale[i]
		changed, err := j.settle(ctx, order)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("order %d: %w", order.OrderNumber, err))
			continue
		}
		if changed {
			processed++
		}
	}
	return processed, errs
}

func (j *pendingPaymentJob) settle(ctx context.Context, order *models.Order) (bool, error) {
	logCtx := j.params.Logger.WithOrderID(ctx, order.ID.String())
	adapter, err := j.params.Registry.Lookup(order.PaymentMethod)
	if err != nil {
		return false, err
	}

	if order.PaymentSessionID != nil && *order.PaymentSessionID != "" {
		fetchCtx, cancel := context.WithTimeout(ctx, j.params.ProviderTimeout)
		raw, err := adapter.FetchStatus(fetchCtx, *order.PaymentSessionID)
		cancel()
		if err != nil {
			// An unreachable provider may still hold a captured payment.
			return false, fmt.Errorf("fetch provider status: %w", err)
		}
		status, ok := adapter.NormalizeCallback(raw)
		if !ok {
			j.params.Logger.Warn(j.params.Logger.WithField(logCtx, "raw_status", raw), "cron.pending_payment_unknown_status")
			return false, nil
		}
		if status != enums.PaymentStatusPending {
			result, err := j.params.Reconciler.Reconcile(ctx, order, raw, orders.SourceCron)
			if err != nil {
				return false, err
			}
			j.params.Logger.Info(j.params.Logger.WithField(logCtx, "raw_status", raw), "cron.pending_payment_reconciled")
			return result.Outcome == reconciler.OutcomeApplied, nil
		}
	}

	outcome, err := j.params.Applier.ApplyPaymentStatus(ctx, orders.PaymentTransition{
		OrderID: order.ID,
		Next:    enums.PaymentStatusExpired,
		Note:    fmt.Sprintf("payment window of %s elapsed", j.params.TTL),
		Source:  orders.SourceCron,
	})
	if err != nil {
		return false, err
	}
	if outcome.Applied {
		j.params.Logger.Info(logCtx, "cron.pending_payment_expired")
	}
	return outcome.Applied, nil
}
