package reconciler

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-fulfillment/internal/orders"
	"github.com/angelmondragon/storefront-fulfillment/internal/payments"
	"github.com/angelmondragon/storefront-fulfillment/pkg/db/models"
	"github.com/angelmondragon/storefront-fulfillment/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-fulfillment/pkg/errors"
	"github.com/angelmondragon/storefront-fulfillment/pkg/logger"
	"github.com/angelmondragon/storefront-fulfillment/pkg/outbox"
)

const (
	OutcomeApplied   = "applied"
	OutcomeNoop      = "noop"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeRejected  = "rejected"
	OutcomeNotFound  = "not_found"
	OutcomeError     = "error"
)

const defaultFetchTimeout = 15 * time.Second

type paymentApplier interface {
	ApplyPaymentStatus(ctx context.Context, transition orders.PaymentTransition) (*orders.PaymentOutcome, error)
}

// Recorder counts processed provider deliveries.
type Recorder interface {
	WebhookEvent(provider, outcome string)
}

// Result describes what a delivery did to its order.
type Result struct {
	OrderID       uuid.UUID
	PaymentMethod enums.PaymentMethod
	PaymentStatus enums.PaymentStatus
	OrderStatus   enums.OrderStatus
	Outcome       string
}

// Config tunes the reconciler. DevBypass skips authenticity checks and is
// only honoured outside production.
type Config struct {
	DevBypass    bool
	FetchTimeout time.Duration
}

// Service reconciles provider webhooks and browser callbacks into payment
// transitions. Every path ends in orders.Service.ApplyPaymentStatus.
type Service struct {
	registry *payments.Registry
	orders   orders.Repository
	applier  paymentApplier
	guard    *IdempotencyGuard
	metrics  Recorder
	cfg      Config
	logg     *logger.Logger
}

// NewService builds the reconciler. guard and metrics may be nil.
func NewService(
	registry *payments.Registry,
	ordersRepo orders.Repository,
	applier paymentApplier,
	guard *IdempotencyGuard,
	metrics Recorder,
	cfg Config,
	logg *logger.Logger,
) (*Service, error) {
	if registry == nil {
		return nil, fmt.Errorf("payment registry required")
	}
	if ordersRepo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if applier == nil {
		return nil, fmt.Errorf("payment applier required")
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	return &Service{
		registry: registry,
		orders:   ordersRepo,
		applier:  applier,
		guard:    guard,
		metrics:  metrics,
		cfg:      cfg,
		logg:     logg,
	}, nil
}

// HandleWebhook verifies, parses and applies one provider delivery.
func (s *Service) HandleWebhook(ctx context.Context, provider string, header http.Header, query url.Values, body []byte) (result *Result, err error) {
	label := strings.ToLower(strings.TrimSpace(provider))
	defer func() { s.record(label, result, err) }()

	adapter, err := s.registry.Resolve(provider)
	if err != nil {
		return nil, err
	}
	label = string(adapter.Method())
	if s.logg != nil {
		ctx = s.logg.WithProvider(ctx, label)
	}

	if s.cfg.DevBypass {
		if s.logg != nil {
			s.logg.Warn(ctx, "webhook.signature_bypassed")
		}
	} else if err := adapter.VerifyWebhook(header, query, body); err != nil {
		if s.logg != nil {
			s.logg.Warn(ctx, "webhook.signature_rejected")
		}
		if pkgerrors.As(err) == nil {
			err = pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid webhook signature")
		}
		return nil, err
	}

	notification, err := adapter.ParseWebhook(body)
	if err != nil {
		return nil, err
	}

	if s.guard != nil && notification.EventID != "" {
		seen, markErr := s.guard.CheckAndMark(ctx, label, notification.EventID)
		if markErr != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, markErr, "webhook idempotency check")
		}
		if seen {
			if s.logg != nil {
				s.logg.Info(s.logg.WithField(ctx, "event_id", notification.EventID), "webhook.duplicate_delivery")
			}
			return &Result{PaymentMethod: adapter.Method(), Outcome: OutcomeDuplicate}, nil
		}
		defer func() {
			if err == nil {
				return
			}
			if delErr := s.guard.Delete(ctx, label, notification.EventID); delErr != nil && s.logg != nil {
				s.logg.Error(ctx, "webhook.idempotency_release_failed", delErr)
			}
		}()
	}

	order, err := s.resolveOrder(ctx, adapter.Method(), notification)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, adapter, order, notification.RawStatus, notification.Location, orders.SourceWebhook)
}

// HandleCallback handles the buyer's redirect back from a provider. The query
// status is never trusted; the session is re-read from the provider.
func (s *Service) HandleCallback(ctx context.Context, provider string, query url.Values) (result *Result, err error) {
	label := strings.ToLower(strings.TrimSpace(provider))
	defer func() { s.record(label+"_callback", result, err) }()

	adapter, err := s.registry.Resolve(provider)
	if err != nil {
		return nil, err
	}
	label = string(adapter.Method())
	if adapter.Synchronous() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment method has no redirect callback")
	}
	sessionID := strings.TrimSpace(adapter.CallbackSessionID(query))
	if sessionID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment session id missing")
	}
	if s.logg != nil {
		ctx = s.logg.WithProvider(ctx, label)
	}

	order, err := s.orders.FindBySessionID(ctx, adapter.Method(), sessionID)
	if err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()
	raw, err := adapter.FetchStatus(fetchCtx, sessionID)
	if err != nil {
		if pkgerrors.As(err) == nil {
			err = pkgerrors.Wrap(pkgerrors.CodeDependency, err, "fetch payment status")
		}
		return nil, err
	}
	return s.apply(ctx, adapter, order, raw, "", orders.SourceCallback)
}

// Reconcile applies a provider status obtained out of band, e.g. by the
// pending payment sweeper.
func (s *Service) Reconcile(ctx context.Context, order *models.Order, rawStatus, source string) (*Result, error) {
	adapter, err := s.registry.Lookup(order.PaymentMethod)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, adapter, order, rawStatus, "", source)
}

func (s *Service) apply(ctx context.Context, adapter payments.Adapter, order *models.Order, rawStatus, location, source string) (*Result, error) {
	if s.logg != nil {
		ctx = s.logg.WithOrderID(ctx, order.ID.String())
	}
	result := &Result{
		OrderID:       order.ID,
		PaymentMethod: order.PaymentMethod,
		PaymentStatus: order.PaymentStatus,
		OrderStatus:   order.Status,
	}

	next, ok := adapter.NormalizeCallback(rawStatus)
	if !ok {
		if s.logg != nil {
			s.logg.Warn(s.logg.WithField(ctx, "raw_status", rawStatus), "payment.unknown_provider_status")
		}
		result.Outcome = OutcomeIgnored
		return result, nil
	}

	outcome, err := s.applier.ApplyPaymentStatus(ctx, orders.PaymentTransition{
		OrderID:   order.ID,
		Next:      next,
		RawStatus: rawStatus,
		Location:  location,
		Source:    source,
		Actor:     &outbox.ActorRef{Role: string(adapter.Method())},
	})
	if err != nil {
		return nil, err
	}
	if outcome.Order != nil {
		result.PaymentStatus = outcome.Order.PaymentStatus
		result.OrderStatus = outcome.Order.Status
	}
	result.Outcome = OutcomeNoop
	if outcome.Applied {
		result.Outcome = OutcomeApplied
	}
	return result, nil
}

// resolveOrder finds exactly one order for the notification, preferring our
// order id, then the provider session id, then the tracking number.
func (s *Service) resolveOrder(ctx context.Context, method enums.PaymentMethod, n *payments.Notification) (*models.Order, error) {
	var (
		order *models.Order
		err   error
	)
	if id, parseErr := uuid.Parse(strings.TrimSpace(n.OrderID)); parseErr == nil {
		order, err = s.orders.FindByID(ctx, id)
	} else if n.SessionID != "" {
		order, err = s.orders.FindBySessionID(ctx, method, n.SessionID)
	} else if n.TrackingNumber != "" {
		order, err = s.orders.FindByTrackingNumber(ctx, n.TrackingNumber)
	} else {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "notification does not reference an order")
	}
	if err != nil {
		return nil, err
	}
	if order.PaymentMethod != method {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	return order, nil
}

func (s *Service) record(provider string, result *Result, err error) {
	if s.metrics == nil {
		return
	}
	outcome := OutcomeError
	switch {
	case err == nil && result != nil:
		outcome = result.Outcome
	case pkgerrors.IsCode(err, pkgerrors.CodeUnauthorized):
		outcome = OutcomeRejected
	case pkgerrors.IsCode(err, pkgerrors.CodeNotFound):
		outcome = OutcomeNotFound
	}
	s.metrics.WebhookEvent(provider, outcome)
}
