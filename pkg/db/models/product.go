package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-fulfillment/pkg/types"
)

// Product is the catalog entry the ledger decrements. Catalog management lives
// elsewhere; this service only reads it and moves stock/sales.
type Product struct {
	ID             uuid.UUID            `gorm:"column:id;type:uuid;primaryKey"`
	Name           string               `gorm:"column:name;not null"`
	BasePriceCents int64                `gorm:"column:base_price_cents;not null"`
	ImageURL       *string              `gorm:"column:image_url"`
	Stock          int                  `gorm:"column:stock;not null;default:0"`
	Sales          int                  `gorm:"column:sales;not null;default:0"`
	Options        types.ProductOptions `gorm:"column:options;type:jsonb;not null"`
	CreatedAt      time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}

func (p *Product) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
