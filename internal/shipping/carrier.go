package shipping

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-fulfillment/pkg/enums"
	"github.com/angelmondragon/storefront-fulfillment/pkg/types"
)

// CarrierRequest is what a carrier needs to book a parcel.
type CarrierRequest struct {
	OrderID           uuid.UUID
	OrderNumber       int64
	Address           types.ShippingAddress
	ServiceLevel      string
	ItemCount         int
	ShippingCostCents int64
}

// CarrierShipment is the carrier's booking confirmation.
type CarrierShipment struct {
	TrackingNumber    string
	Carrier           string
	EstimatedDelivery *time.Time
	CostCents         int64
}

// TrackingEvent is one checkpoint reported by the carrier.
type TrackingEvent struct {
	Status      enums.ShipmentStatus
	Location    string
	Description string
	OccurredAt  time.Time
}

// TrackingInfo is the carrier's current view of a parcel.
type TrackingInfo struct {
	Status            enums.ShipmentStatus
	Location          string
	EstimatedDelivery *time.Time
	Events            []TrackingEvent
}

// ShipmentCarrier books and tracks parcels. createdAt is passed to Track so
// stateless carriers can derive progress.
type ShipmentCarrier interface {
	Name() string
	CreateShipment(ctx context.Context, req CarrierRequest) (*CarrierShipment, error)
	Track(ctx context.Context, trackingNumber string, createdAt time.Time) (*TrackingInfo, error)
}
