package shipping

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-fulfillment/pkg/db/models"
	"github.com/angelmondragon/storefront-fulfillment/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-fulfillment/pkg/errors"
)

var inactiveStatuses = []enums.ShipmentStatus{
	enums.ShipmentStatusCancelled,
	enums.ShipmentStatusReturned,
	enums.ShipmentStatusFailed,
}

var finalStatuses = []enums.ShipmentStatus{
	enums.ShipmentStatusCancelled,
	enums.ShipmentStatusReturned,
	enums.ShipmentStatusFailed,
	enums.ShipmentStatusDelivered,
}

// Repository persists shipments and their append-only carrier events.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, shipment *models.Shipment) error
	FindActiveByOrder(ctx context.Context, orderID uuid.UUID) (*models.Shipment, error)
	FindByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Shipment, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status enums.ShipmentStatus, deliveredAt *time.Time) error
	AppendEvent(ctx context.Context, event *models.ShipmentEvent) error
	ListInFlight(ctx context.Context, limit int) ([]models.Shipment, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, shipment *models.Shipment) error {
	return r.db.WithContext(ctx).Create(shipment).Error
}

// FindActiveByOrder returns nil without error when the order has no live shipment.
func (r *repository) FindActiveByOrder(ctx context.Context, orderID uuid.UUID) (*models.Shipment, error) {
	var shipment models.Shipment
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND status NOT IN ?", orderID, inactiveStatuses).
		Order("created_at DESC").
		First(&shipment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &shipment, nil
}

func (r *repository) FindByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Shipment, error) {
	if trackingNumber == "" {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "shipment not found")
	}
	var shipment models.Shipment
	err := r.db.WithContext(ctx).
		Preload("Events", func(db *gorm.DB) *gorm.DB { return db.Order("occurred_at ASC, created_at ASC") }).
		Where("tracking_number = ?", trackingNumber).
		First(&shipment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "shipment not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load shipment")
	}
	return &shipment, nil
}

func (r *repository) UpdateStatus(ctx context.Context, id uuid.UUID, status enums.ShipmentStatus, deliveredAt *time.Time) error {
	updates := map[string]any{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if deliveredAt != nil {
		updates["actual_delivery"] = deliveredAt.UTC()
	}
	return r.db.WithContext(ctx).Model(&models.Shipment{}).Where("id = ?", id).Updates(updates).Error
}

func (r *repository) AppendEvent(ctx context.Context, event *models.ShipmentEvent) error {
	if event == nil || event.ShipmentID == uuid.Nil {
		return errors.New("shipment event requires shipment id")
	}
	return r.db.WithContext(ctx).Create(event).Error
}

// ListInFlight returns shipments the carrier may still report progress on.
func (r *repository) ListInFlight(ctx context.Context, limit int) ([]models.Shipment, error) {
	var rows []models.Shipment
	err := r.db.WithContext(ctx).
		Where("status NOT IN ? AND tracking_number IS NOT NULL", finalStatuses).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
