package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-fulfillment/pkg/db/models"
	pkgerrors "github.com/angelmondragon/storefront-fulfillment/pkg/errors"
	"github.com/angelmondragon/storefront-fulfillment/pkg/logger"
)

// Mode selects how the ledger reacts when stock cannot cover an item.
type Mode int

const (
	// Strict fails with OUT_OF_STOCK and lets the caller roll back. Used at
	// cash-on-delivery checkout where the buyer can still be told.
	Strict Mode = iota
	// Clamp floors stock at zero and records the oversell. Used when a
	// provider already captured the buyer's money.
	Clamp
)

func (m Mode) String() string {
	if m == Clamp {
		return "clamp"
	}
	return "strict"
}

// Ledger owns every stock/sales mutation. All methods run inside the caller's transaction.
type Ledger interface {
	DecrementForOrder(ctx context.Context, tx *gorm.DB, order *models.Order, mode Mode) (bool, error)
	RestockForOrder(ctx context.Context, tx *gorm.DB, order *models.Order) (bool, error)
	Increment(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error
	AvailableStock(ctx context.Context, db *gorm.DB, productID uuid.UUID) (int, error)
}

// DecrementRecorder is notified for each applied decrement.
type DecrementRecorder interface {
	StockDecremented(mode string, oversold bool)
}

type ledger struct {
	logg    *logger.Logger
	metrics DecrementRecorder
}

// NewLedger builds the inventory ledger. metrics may be nil.
func NewLedger(logg *logger.Logger, metrics DecrementRecorder) Ledger {
	return &ledger{logg: logg, metrics: metrics}
}

// DecrementForOrder flips orders.stock_updated and moves stock for each item in
// one transaction. It returns false without touching products when the flag
// was already set.
func (l *ledger) DecrementForOrder(ctx context.Context, tx *gorm.DB, order *models.Order, mode Mode) (bool, error) {
	if tx == nil {
		return false, errors.New("transaction required")
	}
	if order == nil || order.ID == uuid.Nil {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "order is required")
	}

	flip := tx.WithContext(ctx).Exec(
		`UPDATE orders SET stock_updated = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND stock_updated = ?`,
		true, order.ID, false,
	)
	if flip.Error != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, flip.Error, "mark stock updated")
	}
	if flip.RowsAffected == 0 {
		return false, nil
	}

	for _, item := range order.Items {
		if item.Quantity <= 0 {
			return false, pkgerrors.New(pkgerrors.CodeValidation, "item quantity must be positive")
		}
		switch mode {
		case Strict:
			if err := l.decrementStrict(ctx, tx, item); err != nil {
				return false, err
			}
		case Clamp:
			if err := l.decrementClamped(ctx, tx, order, item); err != nil {
				return false, err
			}
		default:
			return false, fmt.Errorf("unknown ledger mode %d", mode)
		}
	}

	order.StockUpdated = true
	return true, nil
}

func (l *ledger) decrementStrict(ctx context.Context, tx *gorm.DB, item models.OrderItem) error {
	res := tx.WithContext(ctx).Exec(
		`UPDATE products SET stock = stock - ?, sales = sales + ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND stock >= ?`,
		item.Quantity, item.Quantity, item.ProductID, item.Quantity,
	)
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, res.Error, "decrement stock")
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeOutOfStock, "insufficient stock").
			WithDetails(map[string]any{"productId": item.ProductID.String(), "requested": item.Quantity})
	}
	l.record(Strict, false)
	return nil
}

func (l *ledger) decrementClamped(ctx context.Context, tx *gorm.DB, order *models.Order, item models.OrderItem) error {
	var before int
	if err := tx.WithContext(ctx).Raw(`SELECT stock FROM products WHERE id = ?`, item.ProductID).Scan(&before).Error; err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "read stock")
	}

	res := tx.WithContext(ctx).Exec(
		`UPDATE products
		 SET stock = CASE WHEN stock >= ? THEN stock - ? ELSE 0 END,
		     sales = sales + ?,
		     updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		item.Quantity, item.Quantity, item.Quantity, item.ProductID,
	)
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, res.Error, "decrement stock")
	}
	if res.RowsAffected == 0 {
		// product deleted after the order was placed; nothing to move
		l.warn(ctx, order, item, "inventory.product_missing")
		return nil
	}

	oversold := before < item.Quantity
	if oversold {
		l.warn(ctx, order, item, "inventory.oversold")
	}
	l.record(Clamp, oversold)
	return nil
}

// RestockForOrder returns the order's quantities to stock once. Orders whose
// stock was never taken are a no-op.
func (l *ledger) RestockForOrder(ctx context.Context, tx *gorm.DB, order *models.Order) (bool, error) {
	if tx == nil {
		return false, errors.New("transaction required")
	}
	if order == nil || order.ID == uuid.Nil {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "order is required")
	}

	flip := tx.WithContext(ctx).Exec(
		`UPDATE orders SET stock_restored = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND stock_updated = ? AND stock_restored = ?`,
		true, order.ID, true, false,
	)
	if flip.Error != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, flip.Error, "mark stock restored")
	}
	if flip.RowsAffected == 0 {
		return false, nil
	}

	for _, item := range order.Items {
		if err := l.Increment(ctx, tx, item.ProductID, item.Quantity); err != nil {
			return false, err
		}
	}
	order.StockRestored = true
	return true, nil
}

func (l *ledger) Increment(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if qty <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}
	res := tx.WithContext(ctx).Exec(
		`UPDATE products SET stock = stock + ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		qty, productID,
	)
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, res.Error, "increment stock")
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeProductNotFound, "product not found").
			WithDetails(map[string]any{"productId": productID.String()})
	}
	return nil
}

// AvailableStock is an advisory read; the decrement itself is the authority.
func (l *ledger) AvailableStock(ctx context.Context, db *gorm.DB, productID uuid.UUID) (int, error) {
	var product models.Product
	err := db.WithContext(ctx).Select("id", "stock").Where("id = ?", productID).First(&product).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, pkgerrors.New(pkgerrors.CodeProductNotFound, "product not found").
			WithDetails(map[string]any{"productId": productID.String()})
	}
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load product stock")
	}
	return product.Stock, nil
}

func (l *ledger) record(mode Mode, oversold bool) {
	if l.metrics != nil {
		l.metrics.StockDecremented(mode.String(), oversold)
	}
}

func (l *ledger) warn(ctx context.Context, order *models.Order, item models.OrderItem, msg string) {
	if l.logg == nil {
		return
	}
	ctx = l.logg.WithFields(ctx, map[string]any{
		"order_id":   order.ID.String(),
		"product_id": item.ProductID.String(),
		"quantity":   item.Quantity,
	})
	l.logg.Warn(ctx, msg)
}
