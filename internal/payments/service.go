package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-fulfillment/internal/orders"
	pkgdb "github.com/angelmondragon/storefront-fulfillment/pkg/db"
	"github.com/angelmondragon/storefront-fulfillment/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-fulfillment/pkg/errors"
	"github.com/angelmondragon/storefront-fulfillment/pkg/logger"
)

const defaultProviderTimeout = 15 * time.Second

// Service opens provider checkout sessions for pending redirect orders.
type Service interface {
	CreateCheckoutSession(ctx context.Context, userID, orderID uuid.UUID, provider string) (*SessionView, error)
}

// SessionView is returned to the storefront, which redirects the buyer.
type SessionView struct {
	OrderID     uuid.UUID           `json:"orderId"`
	Provider    enums.PaymentMethod `json:"provider"`
	SessionID   string              `json:"sessionId"`
	RedirectURL string              `json:"redirectUrl"`
}

type service struct {
	registry *Registry
	repo     orders.Repository
	timeout  time.Duration
	logg     *logger.Logger
}

func NewService(registry *Registry, repo orders.Repository, timeout time.Duration, logg *logger.Logger) (Service, error) {
	if registry == nil {
		return nil, fmt.Errorf("payment registry required")
	}
	if repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	return &service{registry: registry, repo: repo, timeout: timeout, logg: logg}, nil
}

// CreateCheckoutSession is safe to repeat: an order that already holds a
// session gets the same redirect back without a provider call.
func (s *service) CreateCheckoutSession(ctx context.Context, userID, orderID uuid.UUID, provider string) (*SessionView, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	adapter, err := s.registry.Resolve(provider)
	if err != nil {
		return nil, err
	}
	if adapter.Synchronous() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment method does not use checkout sessions")
	}

	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	if order.PaymentMethod != adapter.Method() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "provider does not match the order payment method").
			WithDetails(map[string]any{"paymentMethod": order.PaymentMethod, "provider": adapter.Method()})
	}
	if order.PaymentStatus != enums.PaymentStatusPending {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order is not awaiting payment").
			WithDetails(map[string]any{"paymentStatus": order.PaymentStatus})
	}
	if order.PaymentSessionID != nil {
		if redirect, ok := order.PaymentData["redirectUrl"].(string); ok && redirect != "" {
			return &SessionView{OrderID: order.ID, Provider: adapter.Method(), SessionID: *order.PaymentSessionID, RedirectURL: redirect}, nil
		}
	}

	ctx = s.logCtx(ctx, order.ID, adapter.Method())
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	session, err := adapter.CreateSession(callCtx, order)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || pkgerrors.As(err) == nil {
			err = pkgerrors.Wrap(pkgerrors.CodeDependency, err, "payment provider unavailable")
		}
		if s.logg != nil {
			s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "payments.session_failed")
		}
		return nil, err
	}

	data := map[string]any{}
	for k, v := range session.Raw {
		data[k] = v
	}
	data["redirectUrl"] = session.RedirectURL
	if err := s.repo.SetPaymentSession(ctx, order.ID, session.SessionID, data); err != nil {
		if pkgdb.IsUniqueViolation(err, "ux_orders_payment_session_id", "orders.payment_session_id") {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "payment session already bound to another order")
		}
		if pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "store payment session")
	}

	if s.logg != nil {
		s.logg.Info(s.logg.WithField(ctx, "session_id", session.SessionID), "payments.session_created")
	}
	return &SessionView{
		OrderID:     order.ID,
		Provider:    adapter.Method(),
		SessionID:   session.SessionID,
		RedirectURL: strings.TrimSpace(session.RedirectURL),
	}, nil
}

func (s *service) logCtx(ctx context.Context, orderID uuid.UUID, method enums.PaymentMethod) context.Context {
	if s.logg == nil {
		return ctx
	}
	return s.logg.WithProvider(s.logg.WithOrderID(ctx, orderID.String()), string(method))
}
