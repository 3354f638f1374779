package orders

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/storefront-fulfillment/internal/checkout"
	internalorders "github.com/angelmondragon/storefront-fulfillment/internal/orders"
	"github.com/angelmondragon/storefront-fulfillment/pkg/types"
)

type checkoutRequest struct {
	Items []checkoutItemRequest `json:"items" validate:"required,min=1,max=100,dive"`
	// Address completeness is checked by checkout so the error carries the
	// missing field list.
	ShippingAddress  types.ShippingAddress `json:"shippingAddress" validate:"-"`
	PaymentMethod    string                `json:"paymentMethod" validate:"required,max=32"`
	ShippingCost     decimal.Decimal       `json:"shippingCost"`
	ShippingProvider string                `json:"shippingProvider" validate:"max=64"`
	Notes            *string               `json:"notes,omitempty" validate:"omitempty,max=1000"`
}

type checkoutItemRequest struct {
	ProductID       uuid.UUID                            `json:"productId" validate:"required"`
	Quantity        int                                  `json:"quantity" validate:"gt=0,max=1000"`
	SelectedOptions []internalorders.SelectedOptionInput `json:"selectedOptions,omitempty" validate:"omitempty,max=10,dive"`
	SelectedColor   *string                              `json:"selectedColor,omitempty" validate:"omitempty,max=64"`
	SelectedStorage *string                              `json:"selectedStorage,omitempty" validate:"omitempty,max=64"`

	// Storefront carts echo their display snapshot; prices always come from
	// the catalog.
	Name  string           `json:"name,omitempty"`
	Price *decimal.Decimal `json:"price,omitempty"`
	Image *string          `json:"image,omitempty"`
}

func (req checkoutRequest) toInput(userID uuid.UUID) checkout.CheckoutInput {
	items := make([]checkout.LineInput, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, checkout.LineInput{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Options: internalorders.OptionSelection{
				Selected: item.SelectedOptions,
				Color:    item.SelectedColor,
				Storage:  item.SelectedStorage,
			},
		})
	}
	return checkout.CheckoutInput{
		UserID:           userID,
		Items:            items,
		ShippingAddress:  req.ShippingAddress,
		PaymentMethod:    req.PaymentMethod,
		ShippingCost:     req.ShippingCost,
		ShippingProvider: req.ShippingProvider,
		Notes:            req.Notes,
	}
}

type checkoutResponse struct {
	Order           *internalorders.OrderView `json:"order"`
	PaymentRequired bool                      `json:"paymentRequired"`
}

// updateStatusRequest accepts orderStatus from older admin panels.
type updateStatusRequest struct {
	Status      string `json:"status" validate:"required_without=OrderStatus,max=32"`
	OrderStatus string `json:"orderStatus" validate:"max=32"`
	Note        string `json:"note" validate:"max=500"`
	Restock     bool   `json:"restock"`
}

type updatePaymentStatusRequest struct {
	PaymentStatus string `json:"paymentStatus" validate:"required,max=32"`
	Note          string `json:"note" validate:"max=500"`
}
