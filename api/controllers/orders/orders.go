package orders

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-fulfillment/api/middleware"
	"github.com/angelmondragon/storefront-fulfillment/api/responses"
	"github.com/angelmondragon/storefront-fulfillment/api/validators"
	"github.com/angelmondragon/storefront-fulfillment/internal/checkout"
	internalorders "github.com/angelmondragon/storefront-fulfillment/internal/orders"
	"github.com/angelmondragon/storefront-fulfillment/internal/shipping"
	"github.com/angelmondragon/storefront-fulfillment/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-fulfillment/pkg/errors"
	"github.com/angelmondragon/storefront-fulfillment/pkg/logger"
)

const maxTrackingNumberLen = 64

type checkoutService interface {
	Checkout(ctx context.Context, input checkout.CheckoutInput) (*checkout.Result, error)
}

type orderService interface {
	Get(ctx context.Context, userID, orderID uuid.UUID, isAdmin bool) (*internalorders.OrderView, error)
	UpdateStatus(ctx context.Context, input internalorders.UpdateStatusInput) (*internalorders.OrderView, error)
	UpdatePaymentStatus(ctx context.Context, input internalorders.UpdatePaymentStatusInput) (*internalorders.OrderView, error)
}

type trackingService interface {
	TrackShipment(ctx context.Context, trackingNumber string) (*shipping.TrackingView, error)
}

// Checkout places an order for the authenticated buyer.
func Checkout(svc checkoutService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "checkout service unavailable"))
			return
		}
		userID, ok := middleware.UserUUIDFromContext(r.Context())
		if !ok {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing"))
			return
		}

		var payload checkoutRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Checkout(r.Context(), payload.toInput(userID))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, checkoutResponse{
			Order:           result.Order,
			PaymentRequired: result.PaymentRequired,
		})
	}
}

// Get returns one order with items and history. Buyers only see their own.
func Get(svc orderService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}
		userID, ok := middleware.UserUUIDFromContext(r.Context())
		if !ok {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing"))
			return
		}
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		isAdmin := middleware.RoleFromContext(r.Context()) == string(enums.UserRoleAdmin)
		view, err := svc.Get(r.Context(), userID, orderID, isAdmin)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}

// Track is the public shipment lookup by tracking number.
func Track(svc trackingService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "shipping service unavailable"))
			return
		}
		trackingNumber, err := validators.StringParam(r, "trackingNumber", maxTrackingNumberLen)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		view, err := svc.TrackShipment(r.Context(), trackingNumber)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}

func AdminUpdateStatus(svc orderService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload updateStatusRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		view, err := svc.UpdateStatus(r.Context(), internalorders.UpdateStatusInput{
			OrderID:     orderID,
			ActorID:     actorID(r.Context()),
			Status:      payload.Status,
			OrderStatus: payload.OrderStatus,
			Note:        payload.Note,
			Restock:     payload.Restock,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}

func AdminUpdatePaymentStatus(svc orderService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload updatePaymentStatusRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		view, err := svc.UpdatePaymentStatus(r.Context(), internalorders.UpdatePaymentStatusInput{
			OrderID:       orderID,
			ActorID:       actorID(r.Context()),
			PaymentStatus: payload.PaymentStatus,
			Note:          payload.Note,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}

func actorID(ctx context.Context) *uuid.UUID {
	id, ok := middleware.UserUUIDFromContext(ctx)
	if !ok {
		return nil
	}
	return &id
}
