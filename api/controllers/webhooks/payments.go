package webhooks

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/angelmondragon/storefront-fulfillment/api/responses"
	"github.com/angelmondragon/storefront-fulfillment/api/validators"
	"github.com/angelmondragon/storefront-fulfillment/internal/reconciler"
	pkgerrors "github.com/angelmondragon/storefront-fulfillment/pkg/errors"
	"github.com/angelmondragon/storefront-fulfillment/pkg/logger"
)

const (
	maxWebhookBody = 1 << 20
	maxProviderLen = 32
)

type paymentReconciler interface {
	HandleWebhook(ctx context.Context, provider string, header http.Header, query url.Values, body []byte) (*reconciler.Result, error)
}

type ackResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome,omitempty"`
}

// PaymentWebhook acknowledges provider notifications. Replays ack with 200 so
// the provider stops retrying; authenticity failures are 401.
func PaymentWebhook(rec paymentReconciler, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if rec == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook reconciler unavailable"))
			return
		}
		provider, err := validators.StringParam(r, "provider", maxProviderLen)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if logg != nil {
			ctx = logg.WithProvider(ctx, provider)
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}

		result, err := rec.HandleWebhook(ctx, provider, r.Header, r.URL.Query(), body)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, ackResponse{Received: true, Outcome: result.Outcome})
	}
}
