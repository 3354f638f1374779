package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-fulfillment/pkg/enums"
	"github.com/angelmondragon/storefront-fulfillment/pkg/types"
)

// Shipment is the carrier-side record of a parcel for one order.
type Shipment struct {
	ID                uuid.UUID            `gorm:"column:id;type:uuid;primaryKey"`
	OrderID           uuid.UUID            `gorm:"column:order_id;type:uuid;not null"`
	TrackingNumber    *string              `gorm:"column:tracking_number"`
	Carrier           string               `gorm:"column:carrier;not null"`
	Status            enums.ShipmentStatus `gorm:"column:status;not null"`
	ShippingCostCents int64                `gorm:"column:shipping_cost_cents;not null;default:0"`
	EstimatedDelivery *time.Time           `gorm:"column:estimated_delivery"`
	ActualDelivery    *time.Time           `gorm:"column:actual_delivery"`
	Events            []ShipmentEvent      `gorm:"foreignKey:ShipmentID"`
	CreatedAt         time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}

func (s *Shipment) BeforeCreate(*gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// ShipmentEvent is one append-only entry of the carrier webhook history.
type ShipmentEvent struct {
	ID          uuid.UUID            `gorm:"column:id;type:uuid;primaryKey"`
	ShipmentID  uuid.UUID            `gorm:"column:shipment_id;type:uuid;not null"`
	Status      enums.ShipmentStatus `gorm:"column:status;not null"`
	Location    *string              `gorm:"column:location"`
	Description *string              `gorm:"column:description"`
	Raw         types.JSONMap        `gorm:"column:raw;type:jsonb;not null"`
	OccurredAt  time.Time            `gorm:"column:occurred_at;not null"`
	CreatedAt   time.Time            `gorm:"column:created_at;autoCreateTime"`
}

func (e *ShipmentEvent) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Raw == nil {
		e.Raw = types.JSONMap{}
	}
	return nil
}
