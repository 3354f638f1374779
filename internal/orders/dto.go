package orders

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/storefront-fulfillment/pkg/db/models"
	"github.com/angelmondragon/storefront-fulfillment/pkg/enums"
	"github.com/angelmondragon/storefront-fulfillment/pkg/types"
)

// OrderView is the API representation of an order. Amounts are rendered in
// major units.
type OrderView struct {
	ID               uuid.UUID             `json:"id"`
	OrderNumber      int64                 `json:"orderNumber"`
	UserID           uuid.UUID             `json:"userId"`
	Status           enums.OrderStatus     `json:"status"`
	PaymentMethod    enums.PaymentMethod   `json:"paymentMethod"`
	PaymentStatus    enums.PaymentStatus   `json:"paymentStatus"`
	PaymentSessionID *string               `json:"paymentSessionId,omitempty"`
	Subtotal         decimal.Decimal       `json:"subtotal"`
	ShippingCost     decimal.Decimal       `json:"shippingCost"`
	Commission       decimal.Decimal       `json:"commission"`
	CommissionRate   decimal.Decimal       `json:"commissionRate"`
	CommissionLabel  *string               `json:"commissionLabel,omitempty"`
	Tax              decimal.Decimal       `json:"tax"`
	Total            decimal.Decimal       `json:"total"`
	ShippingAddress  types.ShippingAddress `json:"shippingAddress"`
	ShippingProvider string                `json:"shippingProvider"`
	TrackingNumber   *string               `json:"trackingNumber,omitempty"`
	ShippingCompany  *string               `json:"shippingCompany,omitempty"`
	Notes            *string               `json:"notes,omitempty"`
	StockUpdated     bool                  `json:"stockUpdated"`
	Items            []OrderItemView       `json:"items"`
	History          []HistoryView         `json:"statusHistory"`
	CreatedAt        time.Time             `json:"createdAt"`
	UpdatedAt        time.Time             `json:"updatedAt"`
}

type OrderItemView struct {
	ProductID       uuid.UUID            `json:"productId"`
	Name            string               `json:"name"`
	UnitPrice       decimal.Decimal      `json:"price"`
	Quantity        int                  `json:"quantity"`
	LineTotal       decimal.Decimal      `json:"lineTotal"`
	Image           *string              `json:"image,omitempty"`
	SelectedOptions types.ProductOptions `json:"selectedOptions"`
}

type HistoryView struct {
	Status        enums.OrderStatus    `json:"status"`
	PaymentStatus *enums.PaymentStatus `json:"paymentStatus,omitempty"`
	Note          string               `json:"note,omitempty"`
	Source        string               `json:"source"`
	CreatedAt     time.Time            `json:"createdAt"`
}

// NewOrderView maps the persisted aggregate onto its API shape.
func NewOrderView(order *models.Order) OrderView {
	if order == nil {
		return OrderView{}
	}
	view := OrderView{
		ID:               order.ID,
		OrderNumber:      order.OrderNumber,
		UserID:           order.UserID,
		Status:           order.Status,
		PaymentMethod:    order.PaymentMethod,
		PaymentStatus:    order.PaymentStatus,
		PaymentSessionID: order.PaymentSessionID,
		Subtotal:         AmountFromCents(order.SubtotalCents),
		ShippingCost:     AmountFromCents(order.ShippingCents),
		Commission:       AmountFromCents(order.CommissionCents),
		CommissionRate:   order.CommissionRate,
		CommissionLabel:  order.CommissionLabel,
		Tax:              AmountFromCents(order.TaxCents),
		Total:            AmountFromCents(order.TotalCents),
		ShippingAddress:  order.ShippingAddress,
		ShippingProvider: order.ShippingProvider,
		TrackingNumber:   order.TrackingNumber,
		ShippingCompany:  order.ShippingCompany,
		Notes:            order.Notes,
		StockUpdated:     order.StockUpdated,
		Items:            make([]OrderItemView, 0, len(order.Items)),
		History:          make([]HistoryView, 0, len(order.History)),
		CreatedAt:        order.CreatedAt,
		UpdatedAt:        order.UpdatedAt,
	}
	for _, item := range order.Items {
		options := item.SelectedOptions
		if options == nil {
			options = types.ProductOptions{}
		}
		view.Items = append(view.Items, OrderItemView{
			ProductID:       item.ProductID,
			Name:            item.Name,
			UnitPrice:       AmountFromCents(item.UnitPriceCents),
			Quantity:        item.Quantity,
			LineTotal:       AmountFromCents(item.LineTotalCents()),
			Image:           item.Image,
			SelectedOptions: options,
		})
	}
	for _, entry := range order.History {
		view.History = append(view.History, HistoryView{
			Status:        entry.Status,
			PaymentStatus: entry.PaymentStatus,
			Note:          entry.Note,
			Source:        entry.Source,
			CreatedAt:     entry.CreatedAt,
		})
	}
	return view
}
