package checkout

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-fulfillment/internal/inventory"
	"github.com/angelmondragon/storefront-fulfillment/internal/orders"
	"github.com/angelmondragon/storefront-fulfillment/internal/payments"
	pkgdb "github.com/angelmondragon/storefront-fulfillment/pkg/db"
	"github.com/angelmondragon/storefront-fulfillment/pkg/db/models"
	"github.com/angelmondragon/storefront-fulfillment/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-fulfillment/pkg/errors"
	"github.com/angelmondragon/storefront-fulfillment/pkg/logger"
	"github.com/angelmondragon/storefront-fulfillment/pkg/outbox"
	"github.com/angelmondragon/storefront-fulfillment/pkg/outbox/payloads"
	"github.com/angelmondragon/storefront-fulfillment/pkg/types"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type numberAllocator interface {
	Next(ctx context.Context) (int64, error)
}

type shipmentRequester interface {
	EnsureShipment(ctx context.Context, order *models.Order, source string)
}

// Recorder counts checkout outcomes per payment method.
type Recorder interface {
	CheckoutCompleted(method, outcome string)
}

// Service executes checkout orchestration.
type Service interface {
	Checkout(ctx context.Context, input CheckoutInput) (*Result, error)
}

// CheckoutInput is a validated request body plus the authenticated buyer.
type CheckoutInput struct {
	UserID           uuid.UUID
	Items            []LineInput
	ShippingAddress  types.ShippingAddress
	PaymentMethod    string
	ShippingCost     decimal.Decimal
	ShippingProvider string
	Notes            *string
}

type LineInput struct {
	ProductID uuid.UUID
	Quantity  int
	Options   orders.OptionSelection
}

// Result carries the persisted order. PaymentRequired is set for redirect
// methods whose session still has to be created.
type Result struct {
	Order           *orders.OrderView
	PaymentRequired bool
}

// Config holds the checkout knobs sourced from STOREFRONT_CHECKOUT_*.
type Config struct {
	TaxRate                 decimal.Decimal
	DefaultShippingProvider string
}

type service struct {
	tx        txRunner
	products  ProductReader
	orders    orders.Repository
	ordersSvc shipmentRequester
	ledger    inventory.Ledger
	registry  *payments.Registry
	numbers   numberAllocator
	outbox    outboxPublisher
	metrics   Recorder
	cfg       Config
	logg      *logger.Logger
	now       func() time.Time
}

// NewService builds the checkout service. metrics and logg may be nil.
func NewService(
	tx txRunner,
	products ProductReader,
	ordersRepo orders.Repository,
	ordersSvc shipmentRequester,
	ledger inventory.Ledger,
	registry *payments.Registry,
	numbers numberAllocator,
	publisher outboxPublisher,
	metrics Recorder,
	cfg Config,
	logg *logger.Logger,
) (Service, error) {
	if tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if products == nil {
		return nil, fmt.Errorf("product reader required")
	}
	if ordersRepo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if ordersSvc == nil {
		return nil, fmt.Errorf("orders service required")
	}
	if ledger == nil {
		return nil, fmt.Errorf("inventory ledger required")
	}
	if registry == nil {
		return nil, fmt.Errorf("payment registry required")
	}
	if numbers == nil {
		return nil, fmt.Errorf("order number allocator required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if strings.TrimSpace(cfg.DefaultShippingProvider) == "" {
		cfg.DefaultShippingProvider = "standard"
	}
	return &service{
		tx:        tx,
		products:  products,
		orders:    ordersRepo,
		ordersSvc: ordersSvc,
		ledger:    ledger,
		registry:  registry,
		numbers:   numbers,
		outbox:    publisher,
		metrics:   metrics,
		cfg:       cfg,
		logg:      logg,
		now:       time.Now,
	}, nil
}

func (s *service) Checkout(ctx context.Context, input CheckoutInput) (*Result, error) {
	result, err := s.checkout(ctx, input)
	s.record(input.PaymentMethod, err)
	return result, err
}

func (s *service) checkout(ctx context.Context, input CheckoutInput) (*Result, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	adapter, err := s.registry.Resolve(input.PaymentMethod)
	if err != nil {
		return nil, err
	}

	items, subtotal, err := s.buildItems(ctx, input.Items)
	if err != nil {
		return nil, err
	}

	commission := adapter.Commission()
	totals := orders.ComputeTotals(subtotal, orders.CentsFromAmount(input.ShippingCost), commission.Rate, s.cfg.TaxRate)

	number, err := s.numbers.Next(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "allocate order number")
	}

	provider := strings.TrimSpace(input.ShippingProvider)
	if provider == "" {
		provider = s.cfg.DefaultShippingProvider
	}

	order := &models.Order{
		ID:               uuid.New(),
		OrderNumber:      number,
		UserID:           input.UserID,
		Status:           enums.OrderStatusPending,
		PaymentMethod:    adapter.Method(),
		PaymentStatus:    enums.PaymentStatusPending,
		PaymentData:      types.JSONMap{},
		SubtotalCents:    totals.SubtotalCents,
		ShippingCents:    totals.ShippingCents,
		CommissionCents:  totals.CommissionCents,
		CommissionRate:   totals.CommissionRate,
		TaxCents:         totals.TaxCents,
		TotalCents:       totals.TotalCents,
		ShippingAddress:  input.ShippingAddress,
		ShippingProvider: provider,
		Notes:            input.Notes,
		Items:            items,
	}
	if commission.Label != "" && totals.CommissionCents > 0 {
		label := commission.Label
		order.CommissionLabel = &label
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.orders.WithTx(tx)
		if err := repo.Create(ctx, order); err != nil {
			if pkgdb.IsUniqueViolation(err, "ux_orders_order_number", "orders.order_number") {
				return pkgerrors.Wrap(pkgerrors.CodeOrderNumberCollision, err, "order number already taken").
					WithDetails(map[string]any{"orderNumber": number})
			}
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create order")
		}
		if err := repo.AppendHistory(ctx, &models.OrderStatusHistory{
			OrderID: order.ID,
			Status:  enums.OrderStatusPending,
			Note:    "order placed",
			Source:  orders.SourceCheckout,
		}); err != nil {
			return err
		}
		if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderCreated,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         &outbox.ActorRef{UserID: &input.UserID, Role: "buyer"},
			Data: payloads.OrderCreatedEvent{
				OrderID:       order.ID,
				OrderNumber:   order.OrderNumber,
				UserID:        order.UserID,
				PaymentMethod: order.PaymentMethod,
				TotalCents:    order.TotalCents,
				ItemCount:     len(order.Items),
			},
		}); err != nil {
			return fmt.Errorf("emit order_created: %w", err)
		}

		if !adapter.Synchronous() {
			return nil
		}
		return s.confirmSynchronous(ctx, tx, repo, order)
	})
	if err != nil {
		return nil, err
	}
	confirmed := order.Status == enums.OrderStatusConfirmed

	ctx = s.logCtx(ctx, order)
	if s.logg != nil {
		s.logg.Info(ctx, "checkout.order_created")
	}

	if confirmed {
		s.ordersSvc.EnsureShipment(ctx, order, orders.SourceCheckout)
	}

	persisted, err := s.orders.FindByID(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	view := orders.NewOrderView(persisted)
	return &Result{
		Order:           &view,
		PaymentRequired: !adapter.Synchronous(),
	}, nil
}

// confirmSynchronous settles a cash-on-delivery order inside the checkout
// transaction. A strict ledger failure rolls back the whole order.
func (s *service) confirmSynchronous(ctx context.Context, tx *gorm.DB, repo orders.Repository, order *models.Order) error {
	if _, err := s.ledger.DecrementForOrder(ctx, tx, order, inventory.Strict); err != nil {
		return err
	}
	moved, err := repo.TransitionStatus(ctx, order.ID, enums.OrderStatusPending, enums.OrderStatusConfirmed)
	if err != nil {
		return err
	}
	if !moved {
		return pkgerrors.New(pkgerrors.CodeConflict, "order changed during checkout")
	}
	order.Status = enums.OrderStatusConfirmed
	if err := repo.AppendHistory(ctx, &models.OrderStatusHistory{
		OrderID: order.ID,
		Status:  enums.OrderStatusConfirmed,
		Note:    "cash on delivery confirmed",
		Source:  orders.SourceCheckout,
	}); err != nil {
		return err
	}
	if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventOrderConfirmed,
		AggregateType: enums.AggregateOrder,
		AggregateID:   order.ID,
		Data: payloads.OrderConfirmedEvent{
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			ConfirmedAt: s.now().UTC(),
		},
	}); err != nil {
		return fmt.Errorf("emit order_confirmed: %w", err)
	}
	return nil
}

// buildItems loads each product, runs the advisory stock check and snapshots
// price plus options. The authoritative check is the ledger decrement.
func (s *service) buildItems(ctx context.Context, lines []LineInput) ([]models.OrderItem, int64, error) {
	ids := make([]uuid.UUID, 0, len(lines))
	requested := make(map[uuid.UUID]int, len(lines))
	for _, line := range lines {
		if _, seen := requested[line.ProductID]; !seen {
			ids = append(ids, line.ProductID)
		}
		requested[line.ProductID] += line.Quantity
	}

	products, err := s.products.FindByIDs(ctx, ids)
	if err != nil {
		return nil, 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load products")
	}
	for _, id := range ids {
		product, ok := products[id]
		if !ok {
			return nil, 0, pkgerrors.New(pkgerrors.CodeProductNotFound, "product not found").
				WithDetails(map[string]any{"productId": id.String()})
		}
		if product.Stock < requested[id] {
			return nil, 0, pkgerrors.New(pkgerrors.CodeOutOfStock, "insufficient stock").
				WithDetails(map[string]any{
					"productId": id.String(),
					"requested": requested[id],
					"available": product.Stock,
				})
		}
	}

	items := make([]models.OrderItem, 0, len(lines))
	var subtotal int64
	for _, line := range lines {
		product := products[line.ProductID]
		selected, err := orders.ResolveOptions(product, line.Options)
		if err != nil {
			return nil, 0, err
		}
		unit := product.BasePriceCents + selected.SurchargeCents()
		items = append(items, models.OrderItem{
			ProductID:       product.ID,
			Name:            product.Name,
			UnitPriceCents:  unit,
			Quantity:        line.Quantity,
			Image:           product.ImageURL,
			SelectedOptions: selected,
		})
		subtotal += unit * int64(line.Quantity)
	}
	return items, subtotal, nil
}

func validateInput(input CheckoutInput) error {
	if input.UserID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "user required")
	}
	if len(input.Items) == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "at least one item is required")
	}
	for i, line := range input.Items {
		if line.ProductID == uuid.Nil {
			return pkgerrors.New(pkgerrors.CodeValidation, "product id required").
				WithDetails(map[string]any{"index": i})
		}
		if line.Quantity <= 0 {
			return pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive").
				WithDetails(map[string]any{"index": i, "productId": line.ProductID.String()})
		}
	}
	if missing := input.ShippingAddress.MissingFields(); len(missing) > 0 {
		return pkgerrors.New(pkgerrors.CodeInvalidShippingAddress, "shipping address incomplete").
			WithDetails(map[string]any{"missing": missing})
	}
	if input.ShippingCost.IsNegative() {
		return pkgerrors.New(pkgerrors.CodeValidation, "shipping cost cannot be negative")
	}
	return nil
}

func (s *service) record(method string, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "created"
	if err != nil {
		outcome = "error"
		if typed := pkgerrors.As(err); typed != nil {
			outcome = strings.ToLower(string(typed.Code()))
		}
	}
	label := strings.ToLower(strings.TrimSpace(method))
	if _, lookupErr := s.registry.Resolve(label); lookupErr != nil {
		label = "unknown"
	}
	s.metrics.CheckoutCompleted(label, outcome)
}

func (s *service) logCtx(ctx context.Context, order *models.Order) context.Context {
	if s.logg == nil {
		return ctx
	}
	ctx = s.logg.WithOrderID(ctx, order.ID.String())
	return s.logg.WithFields(ctx, map[string]any{
		"order_number":   order.OrderNumber,
		"payment_method": string(order.PaymentMethod),
		"total_cents":    order.TotalCents,
	})
}
