package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-fulfillment/pkg/enums"
)

// OrderCreatedEvent is emitted when checkout persists a new order.
type OrderCreatedEvent struct {
	OrderID       uuid.UUID           `json:"order_id"`
	OrderNumber   int64               `json:"order_number"`
	UserID        uuid.UUID           `json:"user_id"`
	PaymentMethod enums.PaymentMethod `json:"payment_method"`
	TotalCents    int64               `json:"total_cents"`
	ItemCount     int                 `json:"item_count"`
}

// OrderConfirmedEvent is emitted when a cash-on-delivery order is confirmed at checkout.
type OrderConfirmedEvent struct {
	OrderID     uuid.UUID `json:"order_id"`
	OrderNumber int64     `json:"order_number"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// PaymentStatusEvent covers paid, failed and cancelled payment outcomes.
type PaymentStatusEvent struct {
	OrderID       uuid.UUID           `json:"order_id"`
	OrderNumber   int64               `json:"order_number"`
	PaymentMethod enums.PaymentMethod `json:"payment_method"`
	PaymentStatus enums.PaymentStatus `json:"payment_status"`
	OrderStatus   enums.OrderStatus   `json:"order_status"`
	RawStatus     string              `json:"raw_status,omitempty"`
	Source        string              `json:"source"`
	StockApplied  bool                `json:"stock_applied"`
}

// OrderStatusChangedEvent is emitted for admin or carrier driven fulfillment transitions.
type OrderStatusChangedEvent struct {
	OrderID     uuid.UUID         `json:"order_id"`
	OrderNumber int64             `json:"order_number"`
	From        enums.OrderStatus `json:"from"`
	To          enums.OrderStatus `json:"to"`
	Note        string            `json:"note,omitempty"`
	Source      string            `json:"source"`
}

// ShipmentCreatedEvent is emitted once the carrier accepted the parcel.
type ShipmentCreatedEvent struct {
	ShipmentID        uuid.UUID  `json:"shipment_id"`
	OrderID           uuid.UUID  `json:"order_id"`
	TrackingNumber    string     `json:"tracking_number"`
	Carrier           string     `json:"carrier"`
	EstimatedDelivery *time.Time `json:"estimated_delivery,omitempty"`
}

// ShipmentStatusChangedEvent is emitted for every applied carrier status update.
type ShipmentStatusChangedEvent struct {
	ShipmentID     uuid.UUID            `json:"shipment_id"`
	OrderID        uuid.UUID            `json:"order_id"`
	TrackingNumber string               `json:"tracking_number"`
	Status         enums.ShipmentStatus `json:"status"`
	OrderStatus    *enums.OrderStatus   `json:"order_status,omitempty"`
	Location       string               `json:"location,omitempty"`
}
