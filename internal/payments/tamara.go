package payments

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/angelmondragon/storefront-fulfillment/internal/orders"
	"github.com/angelmondragon/storefront-fulfillment/pkg/db/models"
	"github.com/angelmondragon/storefront-fulfillment/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-fulfillment/pkg/errors"
	"github.com/angelmondragon/storefront-fulfillment/pkg/tamara"
)

var tamaraStatuses = map[string]enums.PaymentStatus{
	"approved":       enums.PaymentStatusApproved,
	"authorised":     enums.PaymentStatusAuthorized,
	"fully_captured": enums.PaymentStatusPaid,
	"declined":       enums.PaymentStatusDeclined,
	"expired":        enums.PaymentStatusExpired,
	"canceled":       enums.PaymentStatusCancelled,
	"refunded":       enums.PaymentStatusRefunded,
	"fully_refunded": enums.PaymentStatusRefunded,
	"new":            enums.PaymentStatusPending,
}

type tamaraAPI interface {
	CreateCheckout(ctx context.Context, req tamara.CheckoutRequest) (*tamara.CheckoutSession, error)
	GetOrder(ctx context.Context, orderID string) (*tamara.Order, error)
}

// TamaraAdapter sells through Tamara installments.
type TamaraAdapter struct {
	client            tamaraAPI
	notificationToken string
	currency          string
	commission        Commission
	urls              URLs
}

type TamaraOptions struct {
	NotificationToken string
	Currency          string
	CommissionRate    float64
	CommissionLabel   string
	URLs              URLs
}

func NewTamaraAdapter(client tamaraAPI, opts TamaraOptions) (*TamaraAdapter, error) {
	if client == nil {
		return nil, fmt.Errorf("tamara client required")
	}
	return &TamaraAdapter{
		client:            client,
		notificationToken: opts.NotificationToken,
		currency:          opts.Currency,
		commission:        newCommission(opts.CommissionRate, opts.CommissionLabel),
		urls:              opts.URLs,
	}, nil
}

func (a *TamaraAdapter) Method() enums.PaymentMethod { return enums.PaymentMethodTamara }
func (a *TamaraAdapter) Synchronous() bool           { return false }
func (a *TamaraAdapter) Commission() Commission      { return a.commission }

func (a *TamaraAdapter) CreateSession(ctx context.Context, order *models.Order) (*Session, error) {
	first, last := splitName(order.ShippingAddress.FullName)
	money := func(cents int64) tamara.Money {
		return tamara.Money{Amount: orders.AmountFromCents(cents), Currency: a.currency}
	}
	items := make([]tamara.Item, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, tamara.Item{
			ReferenceID: item.ID.String(),
			Type:        "Physical",
			Name:        item.Name,
			SKU:         item.ProductID.String(),
			Quantity:    item.Quantity,
			TotalAmount: money(item.LineTotalCents()),
		})
	}
	callback := a.urls.Callback
	session, err := a.client.CreateCheckout(ctx, tamara.CheckoutRequest{
		OrderReferenceID: order.ID.String(),
		OrderNumber:      fmt.Sprintf("%d", order.OrderNumber),
		TotalAmount:      money(order.TotalCents),
		ShippingAmount:   money(order.ShippingCents),
		TaxAmount:        money(order.TaxCents),
		Description:      fmt.Sprintf("Order #%d", order.OrderNumber),
		CountryCode:      order.ShippingAddress.Country,
		Locale:           "en_US",
		Items:            items,
		Consumer: tamara.Consumer{
			FirstName:   first,
			LastName:    last,
			PhoneNumber: order.ShippingAddress.Phone,
			Email:       stringOrEmpty(order.ShippingAddress.Email),
		},
		ShippingAddress: tamara.Address{
			FirstName:   first,
			LastName:    last,
			Line1:       order.ShippingAddress.Line1,
			Line2:       stringOrEmpty(order.ShippingAddress.Line2),
			City:        order.ShippingAddress.City,
			CountryCode: order.ShippingAddress.Country,
			PhoneNumber: order.ShippingAddress.Phone,
		},
		MerchantURL: tamara.MerchantURL{
			Success:      callback,
			Failure:      callback,
			Cancel:       callback,
			Notification: a.urls.Webhook,
		},
	})
	if err != nil {
		return nil, err
	}
	if session.OrderID == "" || session.CheckoutURL == "" {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "tamara returned an incomplete checkout")
	}
	return &Session{
		SessionID:   session.OrderID,
		RedirectURL: session.CheckoutURL,
		Raw: map[string]any{
			"provider":    string(enums.PaymentMethodTamara),
			"orderId":     session.OrderID,
			"checkoutId":  session.CheckoutID,
			"status":      session.Status,
			"redirectUrl": session.CheckoutURL,
		},
	}, nil
}

func (a *TamaraAdapter) NormalizeCallback(raw string) (enums.PaymentStatus, bool) {
	return normalize(tamaraStatuses, raw, strings.ToLower)
}

func (a *TamaraAdapter) VerifyWebhook(header http.Header, query url.Values, _ []byte) error {
	if err := tamara.VerifyNotificationToken(tamara.TokenFromRequest(header, query), a.notificationToken); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid tamara token")
	}
	return nil
}

func (a *TamaraAdapter) ParseWebhook(body []byte) (*Notification, error) {
	n, err := tamara.ParseNotification(body)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid tamara webhook payload")
	}
	eventID := n.OrderID + ":" + n.EventType
	if n.EventType == "" {
		eventID = n.OrderID + ":" + n.OrderStatus
	}
	return &Notification{
		EventID:   eventID,
		SessionID: n.OrderID,
		OrderID:   n.OrderReferenceID,
		RawStatus: n.OrderStatus,
		Raw: map[string]any{
			"orderId":   n.OrderID,
			"eventType": n.EventType,
			"status":    n.OrderStatus,
			"reference": n.OrderReferenceID,
		},
	}, nil
}

func (a *TamaraAdapter) FetchStatus(ctx context.Context, sessionID string) (string, error) {
	order, err := a.client.GetOrder(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return order.Status, nil
}

func (a *TamaraAdapter) CallbackSessionID(query url.Values) string {
	return strings.TrimSpace(query.Get("orderId"))
}
