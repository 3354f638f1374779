package enums

import (
	"fmt"
	"strings"
)

// ShipmentStatus tracks a parcel as reported by the carrier.
type ShipmentStatus string

const (
	ShipmentStatusCreated        ShipmentStatus = "created"
	ShipmentStatusPending        ShipmentStatus = "pending"
	ShipmentStatusPickedUp       ShipmentStatus = "picked_up"
	ShipmentStatusInTransit      ShipmentStatus = "in_transit"
	ShipmentStatusOutForDelivery ShipmentStatus = "out_for_delivery"
	ShipmentStatusDelivered      ShipmentStatus = "delivered"
	ShipmentStatusFailed         ShipmentStatus = "failed"
	ShipmentStatusCancelled      ShipmentStatus = "cancelled"
	ShipmentStatusReturned       ShipmentStatus = "returned"
)

var validShipmentStatuses = []ShipmentStatus{
	ShipmentStatusCreated,
	ShipmentStatusPending,
	ShipmentStatusPickedUp,
	ShipmentStatusInTransit,
	ShipmentStatusOutForDelivery,
	ShipmentStatusDelivered,
	ShipmentStatusFailed,
	ShipmentStatusCancelled,
	ShipmentStatusReturned,
}

var shipmentToOrderStatus = map[ShipmentStatus]OrderStatus{
	ShipmentStatusPickedUp:       OrderStatusShipped,
	ShipmentStatusInTransit:      OrderStatusShipped,
	ShipmentStatusOutForDelivery: OrderStatusShipped,
	ShipmentStatusDelivered:      OrderStatusDelivered,
	ShipmentStatusFailed:         OrderStatusCancelled,
	ShipmentStatusReturned:       OrderStatusReturned,
}

// String implements fmt.Stringer.
func (s ShipmentStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known ShipmentStatus.
func (s ShipmentStatus) IsValid() bool {
	for _, candidate := range validShipmentStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsActive reports whether the shipment still counts as the order's live parcel.
func (s ShipmentStatus) IsActive() bool {
	switch s {
	case ShipmentStatusCancelled, ShipmentStatusReturned, ShipmentStatusFailed:
		return false
	}
	return true
}

// IsFinal reports whether the carrier will not report further progress.
func (s ShipmentStatus) IsFinal() bool {
	return !s.IsActive() || s == ShipmentStatusDelivered
}

// OrderStatus maps the carrier status onto the order lifecycle. ok is false
// when the carrier status leaves the order unchanged.
func (s ShipmentStatus) OrderStatus() (OrderStatus, bool) {
	status, ok := shipmentToOrderStatus[s]
	return status, ok
}

// ParseShipmentStatus converts carrier input into a ShipmentStatus. Carriers
// mix case and separators so both are normalized.
func ParseShipmentStatus(value string) (ShipmentStatus, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	normalized = strings.NewReplacer("-", "_", " ", "_").Replace(normalized)
	for _, candidate := range validShipmentStatuses {
		if string(candidate) == normalized {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid shipment status %q", value)
}
