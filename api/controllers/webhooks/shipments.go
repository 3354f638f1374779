package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/angelmondragon/storefront-fulfillment/api/responses"
	"github.com/angelmondragon/storefront-fulfillment/internal/shipping"
	pkgerrors "github.com/angelmondragon/storefront-fulfillment/pkg/errors"
	"github.com/angelmondragon/storefront-fulfillment/pkg/logger"
)

// CarrierSignatureHeader carries the hex HMAC-SHA256 of the raw body.
const CarrierSignatureHeader = "X-Carrier-Signature"

type carrierEvents interface {
	VerifySignature(body []byte, signature string) error
	ApplyCarrierEvent(ctx context.Context, event shipping.CarrierEvent) (*shipping.EventResult, error)
}

type carrierEventPayload struct {
	TrackingNumber string     `json:"trackingNumber"`
	Status         string     `json:"status"`
	Location       string     `json:"location"`
	Description    string     `json:"description"`
	Timestamp      *time.Time `json:"timestamp"`
}

type shipmentAck struct {
	Received       bool   `json:"received"`
	ShipmentStatus string `json:"shipmentStatus"`
	OrderStatus    string `json:"orderStatus"`
	OrderChanged   bool   `json:"orderChanged"`
	Duplicate      bool   `json:"duplicate"`
}

// ShipmentWebhook applies a carrier status push. The signature is checked on
// the raw bytes before anything is parsed.
func ShipmentWebhook(dispatcher carrierEvents, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if dispatcher == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "shipment dispatcher unavailable"))
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}
		if err := dispatcher.VerifySignature(body, r.Header.Get(CarrierSignatureHeader)); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var payload carrierEventPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid carrier payload"))
			return
		}
		raw := map[string]any{}
		_ = json.Unmarshal(body, &raw)
		if logg != nil {
			ctx = logg.WithTrackingNumber(ctx, payload.TrackingNumber)
		}

		result, err := dispatcher.ApplyCarrierEvent(ctx, shipping.CarrierEvent{
			TrackingNumber: payload.TrackingNumber,
			Status:         payload.Status,
			Location:       payload.Location,
			Description:    payload.Description,
			OccurredAt:     payload.Timestamp,
			Raw:            raw,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, shipmentAck{
			Received:       true,
			ShipmentStatus: string(result.ShipmentStatus),
			OrderStatus:    string(result.OrderStatus),
			OrderChanged:   result.OrderChanged,
			Duplicate:      result.Duplicate,
		})
	}
}
