package cron

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/angelmondragon/storefront-fulfillment/internal/orders"
	"github.com/angelmondragon/storefront-fulfillment/internal/shipping"
	"github.com/angelmondragon/storefront-fulfillment/pkg/db/models"
	"github.com/angelmondragon/storefront-fulfillment/pkg/logger"
)

const shipmentSyncJobName = "shipment-tracking-sync"

type inFlightLister interface {
	ListInFlight(ctx context.Context, limit int) ([]models.Shipment, error)
}

type shipmentSyncer interface {
	SyncShipment(ctx context.Context, shipment models.Shipment) (*shipping.EventResult, error)
}

type shipmentEventRecorder interface {
	ShipmentEvent(status, source string)
}

type ShipmentSyncJobParams struct {
	Logger     *logger.Logger
	Shipments  inFlightLister
	Dispatcher shipmentSyncer
	Metrics    shipmentEventRecorder
	BatchSize  int
}

// NewShipmentSyncJob polls the carrier for parcels that have not reached a
// final status, for carriers that do not push webhooks reliably.
func NewShipmentSyncJob(params ShipmentSyncJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Shipments == nil {
		return nil, fmt.Errorf("shipment repository required")
	}
	if params.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher required")
	}
	if params.BatchSize <= 0 {
		params.BatchSize = defaultBatchSize
	}
	return &shipmentSyncJob{params: params}, nil
}

type shipmentSyncJob struct {
	params ShipmentSyncJobParams
}

func (j *shipmentSyncJob) Name() string { return shipmentSyncJobName }

func (j *shipmentSyncJob) Run(ctx context.Context) (int, error) {
	shipments, err := j.params.Shipments.ListInFlight(ctx, j.params.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list in-flight shipments: %w", err)
	}

	var (
		processed int
		errs      error
	)
	for _, shipment := range shipments {
		result, err := j.params.Dispatcher.SyncShipment(ctx, shipment)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("shipment %s: %w", shipment.ID, err))
			continue
		}
		if result == nil || result.Duplicate {
			continue
		}
		processed++
		if j.params.Metrics != nil {
			j.params.Metrics.ShipmentEvent(string(result.ShipmentStatus), orders.SourceCron)
		}
		if result.OrderChanged {
			logCtx := j.params.Logger.WithFields(ctx, map[string]any{
				"order_id":     result.OrderID.String(),
				"order_status": string(result.OrderStatus),
			})
			j.params.Logger.Info(logCtx, "cron.shipment_order_advanced")
		}
	}
	return processed, errs
}
