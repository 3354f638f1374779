package orders

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-fulfillment/internal/inventory"
	"github.com/angelmondragon/storefront-fulfillment/pkg/db/models"
	"github.com/angelmondragon/storefront-fulfillment/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-fulfillment/pkg/errors"
	"github.com/angelmondragon/storefront-fulfillment/pkg/logger"
	"github.com/angelmondragon/storefront-fulfillment/pkg/outbox"
	"github.com/angelmondragon/storefront-fulfillment/pkg/outbox/payloads"
)

const (
	SourceCheckout = "checkout"
	SourceAdmin    = "admin"
	SourceCarrier  = "carrier"
	SourceCron     = "cron"
	SourceWebhook  = "webhook"
	SourceCallback = "callback"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// ShipmentCreator books a parcel for a confirmed order and stamps its tracking number.
type ShipmentCreator interface {
	CreateShipment(ctx context.Context, order *models.Order) (*models.Shipment, error)
}

// Service exposes order reads plus the admin and gateway driven transitions.
type Service interface {
	Get(ctx context.Context, userID, orderID uuid.UUID, isAdmin bool) (*OrderView, error)
	UpdateStatus(ctx context.Context, input UpdateStatusInput) (*OrderView, error)
	UpdatePaymentStatus(ctx context.Context, input UpdatePaymentStatusInput) (*OrderView, error)
	ApplyPaymentStatus(ctx context.Context, transition PaymentTransition) (*PaymentOutcome, error)
	EnsureShipment(ctx context.Context, order *models.Order, source string)
}

// UpdateStatusInput is the admin status change. OrderStatus is the legacy field
// and wins over Status when it parses.
type UpdateStatusInput struct {
	OrderID     uuid.UUID
	ActorID     *uuid.UUID
	Status      string
	OrderStatus string
	Note        string
	Restock     bool
}

type UpdatePaymentStatusInput struct {
	OrderID       uuid.UUID
	ActorID       *uuid.UUID
	PaymentStatus string
	Note          string
}

// PaymentTransition moves an order's payment status on behalf of a gateway,
// a cron job or an admin. Admin transitions may leave non-pending statuses.
type PaymentTransition struct {
	OrderID   uuid.UUID
	Next      enums.PaymentStatus
	RawStatus string
	Location  string
	Note      string
	Source    string
	Actor     *outbox.ActorRef
	Admin     bool
}

// PaymentOutcome reports what a transition actually changed.
type PaymentOutcome struct {
	Order        *models.Order
	Applied      bool
	StockApplied bool
}

type service struct {
	tx        txRunner
	repo      Repository
	ledger    inventory.Ledger
	outbox    outboxPublisher
	shipments ShipmentCreator
	logg      *logger.Logger
}

// NewService builds the orders service. shipments may be nil until the
// dispatcher is wired; shipment creation is then skipped.
func NewService(tx txRunner, repo Repository, ledger inventory.Ledger, publisher outboxPublisher, shipments ShipmentCreator, logg *logger.Logger) (Service, error) {
	if tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if ledger == nil {
		return nil, fmt.Errorf("inventory ledger required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	return &service{
		tx:        tx,
		repo:      repo,
		ledger:    ledger,
		outbox:    publisher,
		shipments: shipments,
		logg:      logg,
	}, nil
}

func (s *service) Get(ctx context.Context, userID, orderID uuid.UUID, isAdmin bool) (*OrderView, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !isAdmin && order.UserID != userID {
		return nil, notFound()
	}
	view := NewOrderView(order)
	return &view, nil
}

func (s *service) UpdateStatus(ctx context.Context, input UpdateStatusInput) (*OrderView, error) {
	if input.OrderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	next, err := enums.ParseLegacyOrderStatus(input.Status, input.OrderStatus)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid order status")
	}

	order, err := s.repo.FindByID(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}
	if order.Status == next {
		view := NewOrderView(order)
		return &view, nil
	}
	if !order.Status.CanTransitionTo(next) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order status transition not allowed").
			WithDetails(map[string]any{"from": order.Status, "to": next})
	}
	if input.Restock && next != enums.OrderStatusCancelled && next != enums.OrderStatusReturned {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "restock only applies to cancelled or returned orders")
	}

	if next == enums.OrderStatusShipped && order.TrackingNumber == nil {
		if s.shipments == nil {
			return nil, pkgerrors.New(pkgerrors.CodeDependency, "shipment dispatcher unavailable")
		}
		if _, err := s.shipments.CreateShipment(ctx, order); err != nil {
			if pkgerrors.As(err) == nil {
				err = pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create shipment")
			}
			return nil, err
		}
	}

	from := order.Status
	actor := &outbox.ActorRef{UserID: input.ActorID, Role: SourceAdmin}
	var updated *models.Order
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		ok, err := repo.TransitionStatus(ctx, order.ID, from, next)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update order status")
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeConflict, "order changed concurrently")
		}
		if input.Restock {
			if _, err := s.ledger.RestockForOrder(ctx, tx, order); err != nil {
				return err
			}
		}
		if err := repo.AppendHistory(ctx, &models.OrderStatusHistory{
			OrderID: order.ID,
			Status:  next,
			Note:    strings.TrimSpace(input.Note),
			Source:  SourceAdmin,
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "append order history")
		}
		if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderStatusChanged,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         actor,
			Data: payloads.OrderStatusChangedEvent{
				OrderID:     order.ID,
				OrderNumber: order.OrderNumber,
				From:        from,
				To:          next,
				Note:        strings.TrimSpace(input.Note),
				Source:      SourceAdmin,
			},
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "emit order status event")
		}
		updated, err = repo.FindByID(ctx, order.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if s.logg != nil {
		logCtx := s.logg.WithFields(s.logg.WithOrderID(ctx, order.ID.String()), map[string]any{
			"from": from,
			"to":   next,
		})
		s.logg.Info(logCtx, "order.status_updated")
	}
	view := NewOrderView(updated)
	return &view, nil
}

func (s *service) UpdatePaymentStatus(ctx context.Context, input UpdatePaymentStatusInput) (*OrderView, error) {
	if input.OrderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	next, err := enums.ParsePaymentStatus(strings.ToLower(strings.TrimSpace(input.PaymentStatus)))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid payment status")
	}
	outcome, err := s.ApplyPaymentStatus(ctx, PaymentTransition{
		OrderID: input.OrderID,
		Next:    next,
		Note:    input.Note,
		Source:  SourceAdmin,
		Actor:   &outbox.ActorRef{UserID: input.ActorID, Role: SourceAdmin},
		Admin:   true,
	})
	if err != nil {
		return nil, err
	}
	view := NewOrderView(outcome.Order)
	return &view, nil
}

// ApplyPaymentStatus is the single write path for payment_status. The current
// status is the concurrency token: a replay that lost the race applies nothing.
// Successful payments take stock in clamp mode because the money is already
// committed by the provider.
func (s *service) ApplyPaymentStatus(ctx context.Context, t PaymentTransition) (*PaymentOutcome, error) {
	if t.OrderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	if !t.Next.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid payment status")
	}

	outcome := &PaymentOutcome{}
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := repo.FindByID(ctx, t.OrderID)
		if err != nil {
			return err
		}
		outcome.Order = order

		current := order.PaymentStatus
		if current == t.Next {
			return nil
		}
		if !t.Admin && current != enums.PaymentStatusPending {
			return nil
		}

		nextStatus := orderStatusFor(order.Status, t.Next)
		ok, err := repo.TransitionPayment(ctx, order.ID, current, t.Next, nextStatus)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update payment status")
		}
		if !ok {
			return nil
		}
		outcome.Applied = true
		order.PaymentStatus = t.Next
		if nextStatus != nil {
			order.Status = *nextStatus
		}

		if t.Next.IsSuccess() && !order.StockUpdated && !holdsNoStock(order.Status) {
			applied, err := s.ledger.DecrementForOrder(ctx, tx, order, inventory.Clamp)
			if err != nil {
				return err
			}
			outcome.StockApplied = applied
		}

		paymentStatus := t.Next
		if err := repo.AppendHistory(ctx, &models.OrderStatusHistory{
			OrderID:       order.ID,
			Status:        order.Status,
			PaymentStatus: &paymentStatus,
			Note:          historyNote(t),
			Source:        t.Source,
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "append order history")
		}

		if eventType, ok := paymentEventType(t.Next); ok {
			if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
				EventType:     eventType,
				AggregateType: enums.AggregateOrder,
				AggregateID:   order.ID,
				Actor:         t.Actor,
				Data: payloads.PaymentStatusEvent{
					OrderID:       order.ID,
					OrderNumber:   order.OrderNumber,
					PaymentMethod: order.PaymentMethod,
					PaymentStatus: t.Next,
					OrderStatus:   order.Status,
					RawStatus:     t.RawStatus,
					Source:        t.Source,
					StockApplied:  outcome.StockApplied,
				},
			}); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "emit payment event")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if outcome.Applied {
		if s.logg != nil {
			logCtx := s.logg.WithFields(s.logg.WithOrderID(ctx, t.OrderID.String()), map[string]any{
				"payment_status": t.Next,
				"source":         t.Source,
				"stock_applied":  outcome.StockApplied,
			})
			s.logg.Info(logCtx, "order.payment_status_updated")
		}
		if t.Next.IsSuccess() && outcome.Order.Status == enums.OrderStatusConfirmed {
			s.EnsureShipment(ctx, outcome.Order, t.Source)
		}
	}
	return outcome, nil
}

// EnsureShipment asks the dispatcher for a parcel. It runs after the payment
// transaction committed, so a carrier failure only leaves a note for admins.
func (s *service) EnsureShipment(ctx context.Context, order *models.Order, source string) {
	if s.shipments == nil || order == nil || order.TrackingNumber != nil {
		return
	}
	if _, err := s.shipments.CreateShipment(ctx, order); err != nil {
		if s.logg != nil {
			s.logg.Warn(s.logg.WithField(s.logg.WithOrderID(ctx, order.ID.String()), "error", err.Error()), "order.shipment_creation_failed")
		}
		note := "shipment creation failed: " + err.Error()
		if appendErr := s.repo.AppendHistory(ctx, &models.OrderStatusHistory{
			OrderID: order.ID,
			Status:  order.Status,
			Note:    note,
			Source:  source,
		}); appendErr != nil && s.logg != nil {
			s.logg.Error(s.logg.WithOrderID(ctx, order.ID.String()), "order.history_append_failed", appendErr)
		}
	}
}

func orderStatusFor(current enums.OrderStatus, next enums.PaymentStatus) *enums.OrderStatus {
	var target enums.OrderStatus
	switch {
	case next.IsSuccess():
		target = enums.OrderStatusConfirmed
	case next.IsTerminal():
		target = enums.OrderStatusCancelled
	default:
		return nil
	}
	if current != enums.OrderStatusPending && current != enums.OrderStatusDraft {
		return nil
	}
	return &target
}

func holdsNoStock(status enums.OrderStatus) bool {
	return status == enums.OrderStatusCancelled || status == enums.OrderStatusReturned
}

func paymentEventType(next enums.PaymentStatus) (enums.OutboxEventType, bool) {
	switch {
	case next.IsSuccess():
		return enums.EventOrderPaid, true
	case next.IsFailure():
		return enums.EventPaymentFailed, true
	case next.IsTerminal():
		return enums.EventOrderCancelled, true
	}
	return "", false
}

func historyNote(t PaymentTransition) string {
	parts := make([]string, 0, 3)
	if note := strings.TrimSpace(t.Note); note != "" {
		parts = append(parts, note)
	}
	if t.RawStatus != "" {
		parts = append(parts, "provider status: "+t.RawStatus)
	}
	if t.Location != "" {
		parts = append(parts, "location: "+t.Location)
	}
	if len(parts) == 0 {
		return "payment " + string(t.Next)
	}
	return strings.Join(parts, "; ")
}
