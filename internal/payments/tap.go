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
	"github.com/angelmondragon/storefront-fulfillment/pkg/tap"
)

var tapStatuses = map[string]enums.PaymentStatus{
	"CAPTURED":    enums.PaymentStatusPaid,
	"AUTHORIZED":  enums.PaymentStatusAuthorized,
	"DECLINED":    enums.PaymentStatusDeclined,
	"RESTRICTED":  enums.PaymentStatusDeclined,
	"FAILED":      enums.PaymentStatusFailed,
	"CANCELLED":   enums.PaymentStatusCancelled,
	"VOID":        enums.PaymentStatusCancelled,
	"ABANDONED":   enums.PaymentStatusExpired,
	"TIMEDOUT":    enums.PaymentStatusExpired,
	"INITIATED":   enums.PaymentStatusPending,
	"IN_PROGRESS": enums.PaymentStatusPending,
	"REFUNDED":    enums.PaymentStatusRefunded,
}

type tapAPI interface {
	CreateCharge(ctx context.Context, req tap.ChargeRequest) (*tap.Charge, error)
	GetCharge(ctx context.Context, chargeID string) (*tap.Charge, error)
}

// TapAdapter takes card payments through Tap hosted charges.
type TapAdapter struct {
	client        tapAPI
	webhookSecret string
	currency      string
	commission    Commission
	urls          URLs
}

type TapOptions struct {
	WebhookSecret   string
	Currency        string
	CommissionRate  float64
	CommissionLabel string
	URLs            URLs
}

func NewTapAdapter(client tapAPI, opts TapOptions) (*TapAdapter, error) {
	if client == nil {
		return nil, fmt.Errorf("tap client required")
	}
	return &TapAdapter{
		client:        client,
		webhookSecret: opts.WebhookSecret,
		currency:      opts.Currency,
		commission:    newCommission(opts.CommissionRate, opts.CommissionLabel),
		urls:          opts.URLs,
	}, nil
}

func (a *TapAdapter) Method() enums.PaymentMethod { return enums.PaymentMethodTap }
func (a *TapAdapter) Synchronous() bool           { return false }
func (a *TapAdapter) Commission() Commission      { return a.commission }

func (a *TapAdapter) CreateSession(ctx context.Context, order *models.Order) (*Session, error) {
	code, number := splitPhone(order.ShippingAddress.Phone)
	charge, err := a.client.CreateCharge(ctx, tap.ChargeRequest{
		Amount:      orders.AmountFromCents(order.TotalCents),
		Currency:    a.currency,
		OrderID:     order.ID.String(),
		OrderNumber: order.OrderNumber,
		Description: fmt.Sprintf("Order #%d", order.OrderNumber),
		Customer: tap.Customer{
			FirstName: order.ShippingAddress.FullName,
			Email:     stringOrEmpty(order.ShippingAddress.Email),
			Phone:     tap.Phone{CountryCode: code, Number: number},
		},
		RedirectURL: a.urls.Callback,
		PostURL:     a.urls.Webhook,
	})
	if err != nil {
		return nil, err
	}
	if charge.ID == "" || charge.Transaction.URL == "" {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "tap returned an incomplete charge")
	}
	return &Session{
		SessionID:   charge.ID,
		RedirectURL: charge.Transaction.URL,
		Raw: map[string]any{
			"provider":    string(enums.PaymentMethodTap),
			"chargeId":    charge.ID,
			"status":      charge.Status,
			"redirectUrl": charge.Transaction.URL,
		},
	}, nil
}

func (a *TapAdapter) NormalizeCallback(raw string) (enums.PaymentStatus, bool) {
	return normalize(tapStatuses, raw, strings.ToUpper)
}

func (a *TapAdapter) VerifyWebhook(header http.Header, _ url.Values, body []byte) error {
	if !tap.VerifySignature(a.webhookSecret, body, header.Get(tap.SignatureHeader)) {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid tap signature")
	}
	return nil
}

func (a *TapAdapter) ParseWebhook(body []byte) (*Notification, error) {
	charge, err := tap.ParseCharge(body)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid tap webhook payload")
	}
	return &Notification{
		EventID:   charge.ID + ":" + strings.ToUpper(charge.Status),
		SessionID: charge.ID,
		OrderID:   charge.OrderID(),
		RawStatus: charge.Status,
		Raw: map[string]any{
			"chargeId":     charge.ID,
			"status":       charge.Status,
			"responseCode": charge.Response.Code,
		},
	}, nil
}

func (a *TapAdapter) FetchStatus(ctx context.Context, sessionID string) (string, error) {
	charge, err := a.client.GetCharge(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return charge.Status, nil
}

func (a *TapAdapter) CallbackSessionID(query url.Values) string {
	return strings.TrimSpace(query.Get("tap_id"))
}
