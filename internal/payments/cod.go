package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/angelmondragon/storefront-fulfillment/pkg/db/models"
	"github.com/angelmondragon/storefront-fulfillment/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-fulfillment/pkg/errors"
)

// CourierSignatureHeader carries the courier's hex HMAC-SHA256 of the body.
const CourierSignatureHeader = "X-Carrier-Signature"

var codStatuses = map[string]enums.PaymentStatus{
	"collected": enums.PaymentStatusPaid,
	"paid":      enums.PaymentStatusPaid,
	"refused":   enums.PaymentStatusDeclined,
	"cancelled": enums.PaymentStatusCancelled,
}

// CODAdapter settles at checkout. Cash collection is reported later by the
// courier, signed with the carrier webhook secret.
type CODAdapter struct {
	courierSecret string
}

func NewCODAdapter(courierSecret string) *CODAdapter {
	return &CODAdapter{courierSecret: courierSecret}
}

func (a *CODAdapter) Method() enums.PaymentMethod { return enums.PaymentMethodCOD }
func (a *CODAdapter) Synchronous() bool           { return true }
func (a *CODAdapter) Commission() Commission      { return Commission{} }

func (a *CODAdapter) CreateSession(context.Context, *models.Order) (*Session, error) {
	return nil, pkgerrors.New(pkgerrors.CodeValidation, "cash on delivery has no payment session")
}

func (a *CODAdapter) NormalizeCallback(raw string) (enums.PaymentStatus, bool) {
	return normalize(codStatuses, raw, strings.ToLower)
}

func (a *CODAdapter) VerifyWebhook(header http.Header, _ url.Values, body []byte) error {
	provided, err := hex.DecodeString(strings.TrimSpace(header.Get(CourierSignatureHeader)))
	if a.courierSecret == "" || err != nil || len(provided) == 0 {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid courier signature")
	}
	mac := hmac.New(sha256.New, []byte(a.courierSecret))
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid courier signature")
	}
	return nil
}

type codCollection struct {
	EventID        string `json:"eventId"`
	OrderID        string `json:"orderId"`
	TrackingNumber string `json:"trackingNumber"`
	Status         string `json:"status"`
	Location       string `json:"location"`
}

func (a *CODAdapter) ParseWebhook(body []byte) (*Notification, error) {
	var payload codCollection
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid collection payload")
	}
	if payload.OrderID == "" && payload.TrackingNumber == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "collection payload needs orderId or trackingNumber")
	}
	eventID := payload.EventID
	if eventID == "" {
		eventID = payload.OrderID + payload.TrackingNumber + ":" + strings.ToLower(payload.Status)
	}
	return &Notification{
		EventID:        eventID,
		OrderID:        payload.OrderID,
		TrackingNumber: payload.TrackingNumber,
		RawStatus:      payload.Status,
		Location:       payload.Location,
		Raw: map[string]any{
			"status":         payload.Status,
			"trackingNumber": payload.TrackingNumber,
			"location":       payload.Location,
		},
	}, nil
}

func (a *CODAdapter) FetchStatus(context.Context, string) (string, error) {
	return "", pkgerrors.New(pkgerrors.CodeUnsupportedPaymentMethod, "cash on delivery has no provider status")
}

func (a *CODAdapter) CallbackSessionID(url.Values) string { return "" }
