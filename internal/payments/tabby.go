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
	"github.com/angelmondragon/storefront-fulfillment/pkg/tabby"
)

var tabbyStatuses = map[string]enums.PaymentStatus{
	"CREATED":    enums.PaymentStatusPending,
	"AUTHORIZED": enums.PaymentStatusAuthorized,
	"CLOSED":     enums.PaymentStatusPaid,
	"REJECTED":   enums.PaymentStatusDeclined,
	"EXPIRED":    enums.PaymentStatusExpired,
}

type tabbyAPI interface {
	CreateSession(ctx context.Context, req tabby.SessionRequest) (*tabby.Session, error)
	GetPayment(ctx context.Context, paymentID string) (*tabby.PaymentStatus, error)
}

// TabbyAdapter sells through Tabby pay-later.
type TabbyAdapter struct {
	client        tabbyAPI
	webhookHeader string
	webhookSecret string
	currency      string
	commission    Commission
	urls          URLs
}

type TabbyOptions struct {
	WebhookHeader   string
	WebhookSecret   string
	Currency        string
	CommissionRate  float64
	CommissionLabel string
	URLs            URLs
}

func NewTabbyAdapter(client tabbyAPI, opts TabbyOptions) (*TabbyAdapter, error) {
	if client == nil {
		return nil, fmt.Errorf("tabby client required")
	}
	header := opts.WebhookHeader
	if header == "" {
		header = "X-Tabby-Signature"
	}
	return &TabbyAdapter{
		client:        client,
		webhookHeader: header,
		webhookSecret: opts.WebhookSecret,
		currency:      opts.Currency,
		commission:    newCommission(opts.CommissionRate, opts.CommissionLabel),
		urls:          opts.URLs,
	}, nil
}

func (a *TabbyAdapter) Method() enums.PaymentMethod { return enums.PaymentMethodTabby }
func (a *TabbyAdapter) Synchronous() bool           { return false }
func (a *TabbyAdapter) Commission() Commission      { return a.commission }

func (a *TabbyAdapter) CreateSession(ctx context.Context, order *models.Order) (*Session, error) {
	items := make([]tabby.OrderItem, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, tabby.OrderItem{
			Title:       item.Name,
			Quantity:    item.Quantity,
			UnitPrice:   orders.AmountFromCents(item.UnitPriceCents),
			ReferenceID: item.ProductID.String(),
			Category:    "general",
		})
	}
	address := order.ShippingAddress.Line1
	if line2 := stringOrEmpty(order.ShippingAddress.Line2); line2 != "" {
		address += ", " + line2
	}
	req := tabby.SessionRequest{
		Payment: tabby.Payment{
			Amount:      orders.AmountFromCents(order.TotalCents),
			Currency:    a.currency,
			Description: fmt.Sprintf("Order #%d", order.OrderNumber),
			Buyer: tabby.Buyer{
				Name:  order.ShippingAddress.FullName,
				Email: stringOrEmpty(order.ShippingAddress.Email),
				Phone: order.ShippingAddress.Phone,
			},
			ShippingAddress: tabby.ShippingAddress{
				City:    order.ShippingAddress.City,
				Address: address,
				Zip:     stringOrEmpty(order.ShippingAddress.PostalCode),
			},
			Order: tabby.Order{
				ReferenceID:    order.ID.String(),
				TaxAmount:      orders.AmountFromCents(order.TaxCents),
				ShippingAmount: orders.AmountFromCents(order.ShippingCents),
				Items:          items,
			},
		},
		MerchantURLs: tabby.MerchantURLs{
			Success: a.urls.Callback,
			Cancel:  a.urls.Callback,
			Failure: a.urls.Callback,
		},
	}
	session, err := a.client.CreateSession(ctx, req)
	if err != nil {
		return nil, err
	}
	if session.PaymentID == "" || session.WebURL == "" {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "tabby returned an incomplete session")
	}
	return &Session{
		SessionID:   session.PaymentID,
		RedirectURL: session.WebURL,
		Raw: map[string]any{
			"provider":    string(enums.PaymentMethodTabby),
			"sessionId":   session.ID,
			"paymentId":   session.PaymentID,
			"status":      session.Status,
			"redirectUrl": session.WebURL,
		},
	}, nil
}

func (a *TabbyAdapter) NormalizeCallback(raw string) (enums.PaymentStatus, bool) {
	return normalize(tabbyStatuses, raw, strings.ToUpper)
}

func (a *TabbyAdapter) VerifyWebhook(header http.Header, _ url.Values, _ []byte) error {
	if !tabby.VerifyHeader(a.webhookSecret, header.Get(a.webhookHeader)) {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid tabby webhook header")
	}
	return nil
}

func (a *TabbyAdapter) ParseWebhook(body []byte) (*Notification, error) {
	payment, err := tabby.ParsePayment(body)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid tabby webhook payload")
	}
	return &Notification{
		EventID:   payment.ID + ":" + strings.ToUpper(payment.Status),
		SessionID: payment.ID,
		OrderID:   payment.Order.ReferenceID,
		RawStatus: payment.Status,
		Raw: map[string]any{
			"paymentId": payment.ID,
			"status":    payment.Status,
			"reference": payment.Order.ReferenceID,
		},
	}, nil
}

func (a *TabbyAdapter) FetchStatus(ctx context.Context, sessionID string) (string, error) {
	payment, err := a.client.GetPayment(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return payment.Status, nil
}

func (a *TabbyAdapter) CallbackSessionID(query url.Values) string {
	return strings.TrimSpace(query.Get("payment_id"))
}
