// Package registry maps outbox rows to their Pub/Sub topic and typed payload.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-fulfillment/pkg/config"
	"github.com/angelmondragon/storefront-fulfillment/pkg/db/models"
	"github.com/angelmondragon/storefront-fulfillment/pkg/enums"
	"github.com/angelmondragon/storefront-fulfillment/pkg/outbox"
	"github.com/angelmondragon/storefront-fulfillment/pkg/outbox/payloads"
)

// EventDescriptor is where an event type is published and how its data decodes.
type EventDescriptor struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	Topic         string
	decode        func(json.RawMessage) (any, error)
}

// ResolvedEvent is a validated outbox row.
type ResolvedEvent struct {
	Descriptor EventDescriptor
	Envelope   outbox.PayloadEnvelope
	Payload    any
}

// NonRetryableError marks rows that will never publish, however often retried.
type NonRetryableError struct {
	Err error
}

func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

func (e NonRetryableError) Unwrap() error { return e.Err }

func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}

func decodeAs[T any](data json.RawMessage) (any, error) {
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

// catalog lists every publishable event by aggregate. Order events share the
// orders topic and parcel events the fulfillment topic.
var catalog = map[enums.OutboxEventType]struct {
	aggregate enums.OutboxAggregateType
	decode    func(json.RawMessage) (any, error)
}{
	enums.EventOrderCreated:          {enums.AggregateOrder, decodeAs[payloads.OrderCreatedEvent]},
	enums.EventOrderConfirmed:        {enums.AggregateOrder, decodeAs[payloads.OrderConfirmedEvent]},
	enums.EventOrderPaid:             {enums.AggregateOrder, decodeAs[payloads.PaymentStatusEvent]},
	enums.EventPaymentFailed:         {enums.AggregateOrder, decodeAs[payloads.PaymentStatusEvent]},
	enums.EventOrderCancelled:        {enums.AggregateOrder, decodeAs[payloads.PaymentStatusEvent]},
	enums.EventOrderStatusChanged:    {enums.AggregateOrder, decodeAs[payloads.OrderStatusChangedEvent]},
	enums.EventShipmentCreated:       {enums.AggregateShipment, decodeAs[payloads.ShipmentCreatedEvent]},
	enums.EventShipmentStatusChanged: {enums.AggregateShipment, decodeAs[payloads.ShipmentStatusChangedEvent]},
}

// EventRegistry resolves outbox rows against the catalog.
type EventRegistry struct {
	entries map[enums.OutboxEventType]EventDescriptor
}

func NewEventRegistry(cfg config.PubSubConfig) (*EventRegistry, error) {
	topics := map[enums.OutboxAggregateType]string{
		enums.AggregateOrder:    cfg.OrdersTopic,
		enums.AggregateShipment: cfg.FulfillmentTopic,
	}
	if topics[enums.AggregateOrder] == "" {
		return nil, errors.New("orders topic is required")
	}
	if topics[enums.AggregateShipment] == "" {
		return nil, errors.New("fulfillment topic is required")
	}

	reg := &EventRegistry{entries: make(map[enums.OutboxEventType]EventDescriptor, len(catalog))}
	for eventType, entry := range catalog {
		reg.entries[eventType] = EventDescriptor{
			EventType:     eventType,
			AggregateType: entry.aggregate,
			Topic:         topics[entry.aggregate],
			decode:        entry.decode,
		}
	}
	return reg, nil
}

// Resolve checks the row against its descriptor and decodes the typed data.
// Every failure is non-retryable: the row is malformed, not the broker.
func (r *EventRegistry) Resolve(event models.OutboxEvent) (*ResolvedEvent, error) {
	desc, err := r.describe(event)
	if err != nil {
		return nil, NewNonRetryableError(err)
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(event.Payload, &envelope); err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("decode envelope: %w", err))
	}
	data := bytes.TrimSpace(envelope.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, NewNonRetryableError(fmt.Errorf("payload missing for %s", event.EventType))
	}
	payload, err := desc.decode(data)
	if err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("decode %s payload: %w", event.EventType, err))
	}
	return &ResolvedEvent{Descriptor: desc, Envelope: envelope, Payload: payload}, nil
}

func (r *EventRegistry) describe(event models.OutboxEvent) (EventDescriptor, error) {
	desc, ok := r.entries[event.EventType]
	switch {
	case !ok:
		return desc, fmt.Errorf("unsupported event type %s", event.EventType)
	case desc.AggregateType != event.AggregateType:
		return desc, fmt.Errorf("aggregate mismatch: expected %s got %s", desc.AggregateType, event.AggregateType)
	case event.AggregateID == uuid.Nil:
		return desc, errors.New("missing aggregate_id")
	}
	return desc, nil
}
