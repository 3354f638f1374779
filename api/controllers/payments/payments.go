package payments

import (
	"context"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-fulfillment/api/middleware"
	"github.com/angelmondragon/storefront-fulfillment/api/responses"
	"github.com/angelmondragon/storefront-fulfillment/api/validators"
	internalpayments "github.com/angelmondragon/storefront-fulfillment/internal/payments"
	"github.com/angelmondragon/storefront-fulfillment/internal/reconciler"
	"github.com/angelmondragon/storefront-fulfillment/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-fulfillment/pkg/errors"
	"github.com/angelmondragon/storefront-fulfillment/pkg/logger"
)

const maxProviderLen = 32

type sessionService interface {
	CreateCheckoutSession(ctx context.Context, userID, orderID uuid.UUID, provider string) (*internalpayments.SessionView, error)
}

type callbackReconciler interface {
	HandleCallback(ctx context.Context, provider string, query url.Values) (*reconciler.Result, error)
}

// RedirectTargets are the storefront pages the buyer lands on after a callback.
type RedirectTargets struct {
	SuccessURL string
	FailureURL string
}

type createSessionRequest struct {
	OrderID uuid.UUID `json:"orderId" validate:"required"`
}

// CreateCheckoutSession opens (or returns the existing) provider session for
// a pending order.
func CreateCheckoutSession(svc sessionService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}
		userID, ok := middleware.UserUUIDFromContext(r.Context())
		if !ok {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing"))
			return
		}
		provider, err := validators.StringParam(r, "provider", maxProviderLen)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload createSessionRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		session, err := svc.CreateCheckoutSession(r.Context(), userID, payload.OrderID, provider)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, session)
	}
}

// Callback is where the provider sends the buyer's browser back. The query
// string is only used to find the session; the status is fetched from the
// provider before the order changes.
func Callback(rec callbackReconciler, targets RedirectTargets, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		provider, err := validators.StringParam(r, "provider", maxProviderLen)
		if err != nil || rec == nil {
			http.Redirect(w, r, withQuery(targets.FailureURL, url.Values{"reason": {"invalid_callback"}}), http.StatusFound)
			return
		}
		if logg != nil {
			ctx = logg.WithProvider(ctx, provider)
		}

		result, err := rec.HandleCallback(ctx, provider, r.URL.Query())
		if err != nil {
			code := pkgerrors.CodeInternal
			if typed := pkgerrors.As(err); typed != nil {
				code = typed.Code()
			}
			if logg != nil {
				logg.Warn(logg.WithField(ctx, "error", err.Error()), "payments.callback_failed")
			}
			http.Redirect(w, r, withQuery(targets.FailureURL, url.Values{"reason": {string(code)}}), http.StatusFound)
			return
		}

		params := url.Values{
			"orderId":       {result.OrderID.String()},
			"paymentStatus": {string(result.PaymentStatus)},
		}
		target := targets.FailureURL
		if result.PaymentStatus.IsSuccess() || result.PaymentStatus == enums.PaymentStatusPending {
			target = targets.SuccessURL
		}
		http.Redirect(w, r, withQuery(target, params), http.StatusFound)
	}
}

func withQuery(base string, params url.Values) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	for key, values := range params {
		for _, v := range values {
			q.Add(key, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
