package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-fulfillment/pkg/enums"
	"github.com/angelmondragon/storefront-fulfillment/pkg/types"
)

// Order is the aggregate root for checkout, payment and fulfillment.
// Money is stored in minor units; totals are fixed at creation.
type Order struct {
	ID          uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	OrderNumber int64     `gorm:"column:order_number;not null;uniqueIndex:ux_orders_order_number"`
	UserID      uuid.UUID `gorm:"column:user_id;type:uuid;not null"`

	Status enums.OrderStatus `gorm:"column:status;not null"`

	PaymentMethod    enums.PaymentMethod `gorm:"column:payment_method;not null"`
	PaymentStatus    enums.PaymentStatus `gorm:"column:payment_status;not null"`
	PaymentSessionID *string             `gorm:"column:payment_session_id"`
	PaymentData      types.JSONMap       `gorm:"column:payment_data;type:jsonb;not null"`

	SubtotalCents   int64           `gorm:"column:subtotal_cents;not null"`
	ShippingCents   int64           `gorm:"column:shipping_cents;not null"`
	CommissionCents int64           `gorm:"column:commission_cents;not null;default:0"`
	CommissionRate  decimal.Decimal `gorm:"column:commission_rate;type:numeric(6,4);not null;default:0"`
	CommissionLabel *string         `gorm:"column:commission_label"`
	TaxCents        int64           `gorm:"column:tax_cents;not null"`
	TotalCents      int64           `gorm:"column:total_cents;not null"`

	ShippingAddress  types.ShippingAddress `gorm:"column:shipping_address;type:jsonb;not null"`
	ShippingProvider string                `gorm:"column:shipping_provider;not null"`
	TrackingNumber   *string               `gorm:"column:tracking_number"`
	ShippingCompany  *string               `gorm:"column:shipping_company"`
	Notes            *string               `gorm:"column:notes"`

	StockUpdated  bool `gorm:"column:stock_updated;not null;default:false"`
	StockRestored bool `gorm:"column:stock_restored;not null;default:false"`

	Items   []OrderItem          `gorm:"foreignKey:OrderID"`
	History []OrderStatusHistory `gorm:"foreignKey:OrderID"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (o *Order) BeforeCreate(*gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.PaymentData == nil {
		o.PaymentData = types.JSONMap{}
	}
	return nil
}

// OrderItem is an immutable price/option snapshot taken at checkout.
type OrderItem struct {
	ID              uuid.UUID            `gorm:"column:id;type:uuid;primaryKey"`
	OrderID         uuid.UUID            `gorm:"column:order_id;type:uuid;not null"`
	ProductID       uuid.UUID            `gorm:"column:product_id;type:uuid;not null"`
	Name            string               `gorm:"column:name;not null"`
	UnitPriceCents  int64                `gorm:"column:unit_price_cents;not null"`
	Quantity        int                  `gorm:"column:quantity;not null"`
	Image           *string              `gorm:"column:image"`
	SelectedOptions types.ProductOptions `gorm:"column:selected_options;type:jsonb;not null"`
	CreatedAt       time.Time            `gorm:"column:created_at;autoCreateTime"`
}

func (i *OrderItem) BeforeCreate(*gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

// LineTotalCents is unit price times quantity.
func (i OrderItem) LineTotalCents() int64 {
	return i.UnitPriceCents * int64(i.Quantity)
}

// OrderStatusHistory rows are append-only.
type OrderStatusHistory struct {
	ID            uuid.UUID            `gorm:"column:id;type:uuid;primaryKey"`
	OrderID       uuid.UUID            `gorm:"column:order_id;type:uuid;not null"`
	Status        enums.OrderStatus    `gorm:"column:status;not null"`
	PaymentStatus *enums.PaymentStatus `gorm:"column:payment_status"`
	Note          string               `gorm:"column:note;not null"`
	Source        string               `gorm:"column:source;not null"`
	CreatedAt     time.Time            `gorm:"column:created_at;autoCreateTime"`
}

func (OrderStatusHistory) TableName() string { return "order_status_history" }

func (h *OrderStatusHistory) BeforeCreate(*gorm.DB) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	return nil
}
