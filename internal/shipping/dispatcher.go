package shipping

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-fulfillment/internal/orders"
	pkgdb "github.com/angelmondragon/storefront-fulfillment/pkg/db"
	"github.com/angelmondragon/storefront-fulfillment/pkg/db/models"
	"github.com/angelmondragon/storefront-fulfillment/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-fulfillment/pkg/errors"
	"github.com/angelmondragon/storefront-fulfillment/pkg/logger"
	"github.com/angelmondragon/storefront-fulfillment/pkg/outbox"
	"github.com/angelmondragon/storefront-fulfillment/pkg/outbox/payloads"
	"github.com/angelmondragon/storefront-fulfillment/pkg/types"
)

const defaultCarrierTimeout = 10 * time.Second

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Dispatcher books parcels with the carrier and folds carrier progress back
// into the order lifecycle.
type Dispatcher interface {
	CreateShipment(ctx context.Context, order *models.Order) (*models.Shipment, error)
	TrackShipment(ctx context.Context, trackingNumber string) (*TrackingView, error)
	VerifySignature(body []byte, signature string) error
	ApplyCarrierEvent(ctx context.Context, event CarrierEvent) (*EventResult, error)
	SyncShipment(ctx context.Context, shipment models.Shipment) (*EventResult, error)
}

// Config tunes the dispatcher.
type Config struct {
	CarrierTimeout time.Duration
	WebhookSecret  string
	DevBypass      bool
}

// CarrierEvent is a status update pushed by the carrier or pulled by the sync job.
type CarrierEvent struct {
	TrackingNumber string
	Status         string
	Location       string
	Description    string
	OccurredAt     *time.Time
	Raw            map[string]any
	Source         string
}

// EventResult reports what a carrier event changed.
type EventResult struct {
	ShipmentID     uuid.UUID
	OrderID        uuid.UUID
	ShipmentStatus enums.ShipmentStatus
	OrderStatus    enums.OrderStatus
	OrderChanged   bool
	Duplicate      bool
}

type dispatcher struct {
	tx        txRunner
	repo      Repository
	orderRepo orders.Repository
	carrier   ShipmentCarrier
	outbox    outboxPublisher
	cfg       Config
	logg      *logger.Logger
	now       func() time.Time
}

func NewDispatcher(tx txRunner, repo Repository, orderRepo orders.Repository, carrier ShipmentCarrier, publisher outboxPublisher, cfg Config, logg *logger.Logger) (Dispatcher, error) {
	if tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if repo == nil {
		return nil, fmt.Errorf("shipment repository required")
	}
	if orderRepo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if carrier == nil {
		return nil, fmt.Errorf("shipment carrier required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if cfg.CarrierTimeout <= 0 {
		cfg.CarrierTimeout = defaultCarrierTimeout
	}
	return &dispatcher{
		tx:        tx,
		repo:      repo,
		orderRepo: orderRepo,
		carrier:   carrier,
		outbox:    publisher,
		cfg:       cfg,
		logg:      logg,
		now:       time.Now,
	}, nil
}

// CreateShipment is idempotent per order: an existing active shipment is
// returned as is. The carrier is called outside the transaction; a failure
// leaves the order untouched.
func (d *dispatcher) CreateShipment(ctx context.Context, order *models.Order) (*models.Shipment, error) {
	if order == nil || order.ID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order is required")
	}
	existing, err := d.repo.FindActiveByOrder(ctx, order.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load active shipment")
	}
	if existing != nil {
		return existing, nil
	}

	itemCount := 0
	for _, item := range order.Items {
		itemCount += item.Quantity
	}
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CarrierTimeout)
	booked, err := d.carrier.CreateShipment(callCtx, CarrierRequest{
		OrderID:           order.ID,
		OrderNumber:       order.OrderNumber,
		Address:           order.ShippingAddress,
		ServiceLevel:      order.ShippingProvider,
		ItemCount:         itemCount,
		ShippingCostCents: order.ShippingCents,
	})
	cancel()
	if err != nil {
		if pkgerrors.As(err) == nil {
			err = pkgerrors.Wrap(pkgerrors.CodeDependency, err, "carrier create shipment")
		}
		return nil, err
	}
	if booked == nil || strings.TrimSpace(booked.TrackingNumber) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "carrier returned no tracking number")
	}

	carrierName := booked.Carrier
	if carrierName == "" {
		carrierName = d.carrier.Name()
	}
	tracking := booked.TrackingNumber
	shipment := &models.Shipment{
		OrderID:           order.ID,
		TrackingNumber:    &tracking,
		Carrier:           carrierName,
		Status:            enums.ShipmentStatusCreated,
		ShippingCostCents: booked.CostCents,
		EstimatedDelivery: booked.EstimatedDelivery,
	}

	err = d.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := d.repo.WithTx(tx).Create(ctx, shipment); err != nil {
			return err
		}
		if err := d.orderRepo.WithTx(tx).SetTracking(ctx, order.ID, tracking, carrierName); err != nil {
			return err
		}
		return d.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventShipmentCreated,
			AggregateType: enums.AggregateShipment,
			AggregateID:   shipment.ID,
			Actor:         &outbox.ActorRef{Role: "dispatcher"},
			Data: payloads.ShipmentCreatedEvent{
				ShipmentID:        shipment.ID,
				OrderID:           order.ID,
				TrackingNumber:    tracking,
				Carrier:           carrierName,
				EstimatedDelivery: booked.EstimatedDelivery,
			},
		})
	})
	if err != nil {
		if pkgdb.IsUniqueViolation(err, "ux_shipments_active_order", "shipments.order_id") {
			// lost the race against a concurrent booking for the same order
			return d.repo.FindActiveByOrder(ctx, order.ID)
		}
		if pkgerrors.As(err) == nil {
			err = pkgerrors.Wrap(pkgerrors.CodeInternal, err, "persist shipment")
		}
		return nil, err
	}

	order.TrackingNumber = &tracking
	order.ShippingCompany = &carrierName
	if d.logg != nil {
		logCtx := d.logg.WithTrackingNumber(d.logg.WithOrderID(ctx, order.ID.String()), tracking)
		d.logg.Info(d.logg.WithField(logCtx, "carrier", carrierName), "shipment.created")
	}
	return shipment, nil
}

// VerifySignature checks the hex HMAC-SHA256 of the raw body.
func (d *dispatcher) VerifySignature(body []byte, signature string) error {
	if d.cfg.DevBypass {
		return nil
	}
	if d.cfg.WebhookSecret == "" {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "carrier webhook secret not configured")
	}
	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(provided) == 0 {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid carrier signature")
	}
	mac := hmac.New(sha256.New, []byte(d.cfg.WebhookSecret))
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid carrier signature")
	}
	return nil
}

// ApplyCarrierEvent records a carrier checkpoint and moves the order forward
// to the mapped status. Unknown tracking numbers mutate nothing.
func (d *dispatcher) ApplyCarrierEvent(ctx context.Context, event CarrierEvent) (*EventResult, error) {
	tracking := strings.TrimSpace(event.TrackingNumber)
	if tracking == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "tracking number required")
	}
	status, err := enums.ParseShipmentStatus(event.Status)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid shipment status")
	}
	source := event.Source
	if source == "" {
		source = orders.SourceCarrier
	}
	occurredAt := d.now().UTC()
	if event.OccurredAt != nil {
		occurredAt = event.OccurredAt.UTC()
	}

	result := &EventResult{ShipmentStatus: status}
	var statusEvent *payloads.ShipmentStatusChangedEvent
	err = d.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := d.repo.WithTx(tx)
		orderRepo := d.orderRepo.WithTx(tx)

		shipment, err := repo.FindByTrackingNumber(ctx, tracking)
		if err != nil {
			return err
		}
		order, err := orderRepo.FindByID(ctx, shipment.OrderID)
		if err != nil {
			return err
		}
		result.ShipmentID = shipment.ID
		result.OrderID = order.ID
		result.OrderStatus = order.Status

		if isDuplicate(shipment, status, event.Location) {
			result.Duplicate = true
			return nil
		}

		raw := types.JSONMap(event.Raw)
		if raw == nil {
			raw = types.JSONMap{}
		}
		if err := repo.AppendEvent(ctx, &models.ShipmentEvent{
			ShipmentID:  shipment.ID,
			Status:      status,
			Location:    optional(event.Location),
			Description: optional(event.Description),
			Raw:         raw,
			OccurredAt:  occurredAt,
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "append shipment event")
		}

		var deliveredAt *time.Time
		if status == enums.ShipmentStatusDelivered {
			deliveredAt = &occurredAt
		}
		if status != shipment.Status || deliveredAt != nil {
			if err := repo.UpdateStatus(ctx, shipment.ID, status, deliveredAt); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update shipment status")
			}
		}

		var changedTo *enums.OrderStatus
		if mapped, ok := status.OrderStatus(); ok {
			note := "carrier status: " + string(status)
			if event.Location != "" {
				note += "; location: " + event.Location
			}
			current := order.Status
			for _, next := range carrierPath(current, mapped) {
				moved, err := orderRepo.TransitionStatus(ctx, order.ID, current, next)
				if err != nil {
					return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update order status")
				}
				if !moved {
					break
				}
				if err := orderRepo.AppendHistory(ctx, &models.OrderStatusHistory{
					OrderID: order.ID,
					Status:  next,
					Note:    note,
					Source:  source,
				}); err != nil {
					return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "append order history")
				}
				current = next
				reached := next
				changedTo = &reached
				result.OrderStatus = next
				result.OrderChanged = true
			}
		}

		statusEvent = &payloads.ShipmentStatusChangedEvent{
			ShipmentID:     shipment.ID,
			OrderID:        order.ID,
			TrackingNumber: tracking,
			Status:         status,
			OrderStatus:    changedTo,
			Location:       event.Location,
		}
		return d.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventShipmentStatusChanged,
			AggregateType: enums.AggregateShipment,
			AggregateID:   shipment.ID,
			Actor:         &outbox.ActorRef{Role: source},
			Data:          statusEvent,
		})
	})
	if err != nil {
		return nil, err
	}

	if d.logg != nil && !result.Duplicate {
		logCtx := d.logg.WithTrackingNumber(d.logg.WithOrderID(ctx, result.OrderID.String()), tracking)
		logCtx = d.logg.WithFields(logCtx, map[string]any{
			"shipment_status": status,
			"order_status":    result.OrderStatus,
			"order_changed":   result.OrderChanged,
		})
		d.logg.Info(logCtx, "shipment.status_applied")
	}
	return result, nil
}

// SyncShipment pulls the carrier's view of an in-flight parcel and applies it
// when the status moved.
func (d *dispatcher) SyncShipment(ctx context.Context, shipment models.Shipment) (*EventResult, error) {
	if shipment.TrackingNumber == nil {
		return nil, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CarrierTimeout)
	info, err := d.carrier.Track(callCtx, *shipment.TrackingNumber, shipment.CreatedAt)
	cancel()
	if err != nil {
		if pkgerrors.As(err) == nil {
			err = pkgerrors.Wrap(pkgerrors.CodeDependency, err, "carrier track shipment")
		}
		return nil, err
	}
	if info == nil || info.Status == shipment.Status {
		return nil, nil
	}
	var occurredAt *time.Time
	if n := len(info.Events); n > 0 {
		at := info.Events[n-1].OccurredAt
		occurredAt = &at
	}
	return d.ApplyCarrierEvent(ctx, CarrierEvent{
		TrackingNumber: *shipment.TrackingNumber,
		Status:         string(info.Status),
		Location:       info.Location,
		Description:    "carrier sync",
		OccurredAt:     occurredAt,
		Source:         orders.SourceCron,
	})
}

// carrierPath returns the order statuses to walk from "from" to the carrier's
// mapped status. A parcel reported delivered or returned before the order was
// marked shipped passes through shipped first. Regressions yield nothing.
func carrierPath(from, to enums.OrderStatus) []enums.OrderStatus {
	if from == to {
		return nil
	}
	if from.CanTransitionTo(to) {
		return []enums.OrderStatus{to}
	}
	if from.CanTransitionTo(enums.OrderStatusShipped) && enums.OrderStatusShipped.CanTransitionTo(to) {
		return []enums.OrderStatus{enums.OrderStatusShipped, to}
	}
	return nil
}

func isDuplicate(shipment *models.Shipment, status enums.ShipmentStatus, location string) bool {
	if shipment.Status != status || len(shipment.Events) == 0 {
		return false
	}
	last := shipment.Events[len(shipment.Events)-1]
	lastLocation := ""
	if last.Location != nil {
		lastLocation = *last.Location
	}
	return last.Status == status && lastLocation == location
}

func optional(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
