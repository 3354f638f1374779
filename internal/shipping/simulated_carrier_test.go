package shipping

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/storefront-fulfillment/pkg/enums"
)

func TestSimulatedCarrierProgressesWithElapsedTime(t *testing.T) {
	created := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	cases := []struct {
		elapsed time.Duration
		want    enums.ShipmentStatus
		events  int
	}{
		{time.Hour, enums.ShipmentStatusCreated, 1},
		{6 * time.Hour, enums.ShipmentStatusPickedUp, 2},
		{30 * time.Hour, enums.ShipmentStatusInTransit, 3},
		{50 * time.Hour, enums.ShipmentStatusOutForDelivery, 4},
		{73 * time.Hour, enums.ShipmentStatusDelivered, 5},
	}
	for _, tc := range cases {
		now := created.Add(tc.elapsed)
		carrier := NewSimulatedCarrier("aramex", WithClock(func() time.Time { return now }))
		info, err := carrier.Track(context.Background(), "ARA1001X", created)
		require.NoError(t, err)
		assert.Equal(t, tc.want, info.Status, "elapsed %s", tc.elapsed)
		assert.Len(t, info.Events, tc.events)
		require.NotNil(t, info.EstimatedDelivery)
		assert.Equal(t, created.Add(72*time.Hour), *info.EstimatedDelivery)
	}
}

func TestSimulatedCarrierUsesCarrierThresholds(t *testing.T) {
	created := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	now := created.Add(50 * time.Hour)
	carrier := NewSimulatedCarrier("DHL", WithClock(func() time.Time { return now }))

	info, err := carrier.Track(context.Background(), "DHL1", created)
	require.NoError(t, err)
	assert.Equal(t, enums.ShipmentStatusDelivered, info.Status)
	assert.Equal(t, "dhl", carrier.Name())
}

func TestSimulatedCarrierCreateShipment(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	carrier := NewSimulatedCarrier("", WithClock(func() time.Time { return now }))

	booked, err := carrier.CreateShipment(context.Background(), CarrierRequest{OrderID: uuid.New(), OrderNumber: 1042, ShippingCostCents: 3000})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(booked.TrackingNumber, "ARA1042"))
	assert.Equal(t, "aramex", booked.Carrier)
	assert.Equal(t, int64(3000), booked.CostCents)
	assert.Equal(t, now.Add(72*time.Hour), *booked.EstimatedDelivery)

	_, err = carrier.CreateShipment(context.Background(), CarrierRequest{})
	assert.Error(t, err)
}
