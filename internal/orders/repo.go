package orders

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-fulfillment/pkg/db/models"
	"github.com/angelmondragon/storefront-fulfillment/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-fulfillment/pkg/errors"
	"github.com/angelmondragon/storefront-fulfillment/pkg/types"
)

// Repository defines persistence operations for orders and their history.
// Items and history rows are never updated once written.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, order *models.Order) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindBySessionID(ctx context.Context, provider enums.PaymentMethod, sessionID string) (*models.Order, error)
	FindByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Order, error)
	MaxOrderNumber(ctx context.Context) (int64, error)
	AppendHistory(ctx context.Context, entry *models.OrderStatusHistory) error
	ListHistory(ctx context.Context, orderID uuid.UUID) ([]models.OrderStatusHistory, error)
	TransitionPayment(ctx context.Context, id uuid.UUID, expected, next enums.PaymentStatus, status *enums.OrderStatus) (bool, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, expected, next enums.OrderStatus) (bool, error)
	SetPaymentSession(ctx context.Context, id uuid.UUID, sessionID string, data map[string]any) error
	SetTracking(ctx context.Context, id uuid.UUID, trackingNumber, company string) error
	ListStalePendingRedirect(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds an orders repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, order *models.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return r.findOne(ctx, "id = ?", id)
}

func (r *repository) FindBySessionID(ctx context.Context, provider enums.PaymentMethod, sessionID string) (*models.Order, error) {
	if sessionID == "" {
		return nil, notFound()
	}
	return r.findOne(ctx, "payment_session_id = ? AND payment_method = ?", sessionID, provider)
}

func (r *repository) FindByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Order, error) {
	if trackingNumber == "" {
		return nil, notFound()
	}
	return r.findOne(ctx, "tracking_number = ?", trackingNumber)
}

func (r *repository) findOne(ctx context.Context, query string, args ...any) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC, id ASC") }).
		Preload("History", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC, id ASC") }).
		Where(query, args...).
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound()
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load order")
	}
	return &order, nil
}

func (r *repository) MaxOrderNumber(ctx context.Context) (int64, error) {
	var max *int64
	if err := r.db.WithContext(ctx).Model(&models.Order{}).Select("MAX(order_number)").Scan(&max).Error; err != nil {
		return 0, err
	}
	if max == nil {
		return 0, nil
	}
	return *max, nil
}

func (r *repository) AppendHistory(ctx context.Context, entry *models.OrderStatusHistory) error {
	if entry == nil || entry.OrderID == uuid.Nil {
		return errors.New("history entry requires order id")
	}
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *repository) ListHistory(ctx context.Context, orderID uuid.UUID) ([]models.OrderStatusHistory, error) {
	var rows []models.OrderStatusHistory
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	return rows, err
}

// TransitionPayment moves payment_status from expected to next. The expected
// value is the concurrency token: a concurrent writer that already moved the
// row makes this a no-op returning false.
func (r *repository) TransitionPayment(ctx context.Context, id uuid.UUID, expected, next enums.PaymentStatus, status *enums.OrderStatus) (bool, error) {
	updates := map[string]any{
		"payment_status": next,
		"updated_at":     time.Now().UTC(),
	}
	if status != nil {
		updates["status"] = *status
	}
	res := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND payment_status = ?", id, expected).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) TransitionStatus(ctx context.Context, id uuid.UUID, expected, next enums.OrderStatus) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(map[string]any{"status": next, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) SetPaymentSession(ctx context.Context, id uuid.UUID, sessionID string, data map[string]any) error {
	updates := map[string]any{
		"payment_session_id": sessionID,
		"updated_at":         time.Now().UTC(),
	}
	if data != nil {
		updates["payment_data"] = types.JSONMap(data)
	}
	res := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND payment_status = ?", id, enums.PaymentStatusPending).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "order payment is no longer pending")
	}
	return nil
}

func (r *repository) SetTracking(ctx context.Context, id uuid.UUID, trackingNumber, company string) error {
	res := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"tracking_number":  trackingNumber,
			"shipping_company": company,
			"updated_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound()
	}
	return nil
}

// ListStalePendingRedirect returns redirect-method orders still awaiting payment since before cutoff.
func (r *repository) ListStalePendingRedirect(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error) {
	var rows []models.Order
	err := r.db.WithContext(ctx).
		Where("payment_status = ? AND payment_method <> ? AND created_at < ?", enums.PaymentStatusPending, enums.PaymentMethodCOD, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func notFound() error {
	return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
}
