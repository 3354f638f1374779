package enums

import (
	"fmt"
	"strings"
)

// OrderStatus is the single fulfillment status of an order.
type OrderStatus string

const (
	OrderStatusDraft      OrderStatus = "draft"
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusReturned   OrderStatus = "returned"
)

var validOrderStatuses = []OrderStatus{
	OrderStatusDraft,
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCancelled,
	OrderStatusReturned,
}

var orderStatusTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusDraft:      {OrderStatusPending, OrderStatusCancelled},
	OrderStatusPending:    {OrderStatusConfirmed, OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusConfirmed:  {OrderStatusProcessing, OrderStatusShipped, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered, OrderStatusReturned, OrderStatusCancelled},
	OrderStatusDelivered:  {OrderStatusReturned},
}

// legacy clients stored both "status" and "orderStatus" with a few spellings
var legacyOrderStatusAliases = map[string]OrderStatus{
	"canceled":   OrderStatusCancelled,
	"completed":  OrderStatusDelivered,
	"in_transit": OrderStatusShipped,
}

// String implements fmt.Stringer.
func (s OrderStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known OrderStatus.
func (s OrderStatus) IsValid() bool {
	for _, candidate := range validOrderStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed.
func (s OrderStatus) IsTerminal() bool {
	return len(orderStatusTransitions[s]) == 0
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, candidate := range orderStatusTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// ParseOrderStatus converts raw input into an OrderStatus.
func ParseOrderStatus(value string) (OrderStatus, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range validOrderStatuses {
		if string(candidate) == normalized {
			return candidate, nil
		}
	}
	if alias, ok := legacyOrderStatusAliases[normalized]; ok {
		return alias, nil
	}
	return "", fmt.Errorf("invalid order status %q", value)
}

// ParseLegacyOrderStatus collapses the legacy status/orderStatus pair into a
// single OrderStatus. orderStatus wins whenever it parses.
func ParseLegacyOrderStatus(status, orderStatus string) (OrderStatus, error) {
	if strings.TrimSpace(orderStatus) != "" {
		if parsed, err := ParseOrderStatus(orderStatus); err == nil {
			return parsed, nil
		}
	}
	return ParseOrderStatus(status)
}
