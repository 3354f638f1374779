package cron

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/storefront-fulfillment/internal/shipping"
	"github.com/angelmondragon/storefront-fulfillment/pkg/db/models"
	"github.com/angelmondragon/storefront-fulfillment/pkg/enums"
)

type fakeInFlight struct {
	shipments []models.Shipment
}

func (f *fakeInFlight) ListInFlight(context.Context, int) ([]models.Shipment, error) {
	return f.shipments, nil
}

type scriptedSyncer struct {
	results map[uuid.UUID]*shipping.EventResult
	errs    map[uuid.UUID]error
	calls   int
}

func (s *scriptedSyncer) SyncShipment(_ context.Context, shipment models.Shipment) (*shipping.EventResult, error) {
	s.calls++
	return s.results[shipment.ID], s.errs[shipment.ID]
}

type shipmentCounter struct {
	events map[string]int
}

func (s *shipmentCounter) ShipmentEvent(status, source string) {
	s.events[status+":"+source]++
}

func TestShipmentSyncJobCountsChangedShipments(t *testing.T) {
	moved, unchanged, broken := uuid.New(), uuid.New(), uuid.New()
	syncer := &scriptedSyncer{
		results: map[uuid.UUID]*shipping.EventResult{
			moved: {ShipmentID: moved, ShipmentStatus: enums.ShipmentStatusDelivered, OrderStatus: enums.OrderStatusDelivered, OrderChanged: true},
		},
		errs: map[uuid.UUID]error{broken: errors.New("carrier 502")},
	}
	counter := &shipmentCounter{events: map[string]int{}}

	job, err := NewShipmentSyncJob(ShipmentSyncJobParams{
		Logger:     testLogger(),
		Shipments:  &fakeInFlight{shipments: []models.Shipment{{ID: moved}, {ID: unchanged}, {ID: broken}}},
		Dispatcher: syncer,
		Metrics:    counter,
	})
	require.NoError(t, err)
	require.Equal(t, "shipment-tracking-sync", job.Name())

	processed, err := job.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), broken.String())
	require.Equal(t, 1, processed)
	require.Equal(t, 3, syncer.calls)
	require.Equal(t, map[string]int{"delivered:cron": 1}, counter.events)
}
