package payments

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/storefront-fulfillment/pkg/db/models"
	"github.com/angelmondragon/storefront-fulfillment/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-fulfillment/pkg/errors"
)

// Commission is the surcharge a payment method adds on top of subtotal+shipping.
type Commission struct {
	Rate  decimal.Decimal
	Label string
}

// Session is a provider checkout session the buyer is redirected to.
type Session struct {
	SessionID   string
	RedirectURL string
	Raw         map[string]any
}

// Notification is a provider webhook reduced to what reconciliation needs.
// Any of OrderID, SessionID and TrackingNumber may be empty.
type Notification struct {
	EventID        string
	SessionID      string
	OrderID        string
	TrackingNumber string
	RawStatus      string
	Location       string
	Raw            map[string]any
}

// Adapter hides one payment provider behind a common contract.
type Adapter interface {
	Method() enums.PaymentMethod
	// Synchronous methods settle at checkout without a redirect.
	Synchronous() bool
	Commission() Commission
	CreateSession(ctx context.Context, order *models.Order) (*Session, error)
	NormalizeCallback(rawStatus string) (enums.PaymentStatus, bool)
	VerifyWebhook(header http.Header, query url.Values, body []byte) error
	ParseWebhook(body []byte) (*Notification, error)
	FetchStatus(ctx context.Context, sessionID string) (string, error)
	CallbackSessionID(query url.Values) string
}

// Registry resolves adapters by payment method.
type Registry struct {
	adapters map[enums.PaymentMethod]Adapter
}

func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[enums.PaymentMethod]Adapter, len(adapters))}
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		method := adapter.Method()
		if _, exists := r.adapters[method]; exists {
			return nil, fmt.Errorf("payment adapter %q registered twice", method)
		}
		r.adapters[method] = adapter
	}
	return r, nil
}

// Lookup returns the adapter for method or UNSUPPORTED_PAYMENT_METHOD.
func (r *Registry) Lookup(method enums.PaymentMethod) (Adapter, error) {
	if r != nil {
		if adapter, ok := r.adapters[method]; ok {
			return adapter, nil
		}
	}
	return nil, pkgerrors.New(pkgerrors.CodeUnsupportedPaymentMethod, "payment method not supported").
		WithDetails(map[string]any{"paymentMethod": string(method)})
}

// Resolve parses a raw provider name and looks it up.
func (r *Registry) Resolve(raw string) (Adapter, error) {
	method, err := enums.ParsePaymentMethod(raw)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnsupportedPaymentMethod, "payment method not supported").
			WithDetails(map[string]any{"paymentMethod": strings.TrimSpace(raw)})
	}
	return r.Lookup(method)
}

func (r *Registry) Methods() []enums.PaymentMethod {
	if r == nil {
		return nil
	}
	out := make([]enums.PaymentMethod, 0, len(r.adapters))
	for method := range r.adapters {
		out = append(out, method)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// URLs are the merchant endpoints handed to providers.
type URLs struct {
	Success  string
	Failure  string
	Callback string
	Webhook  string
}

// URLsFor derives the per-provider callback and webhook URLs from their bases.
func URLsFor(successURL, failureURL, callbackBase, webhookBase string, method enums.PaymentMethod) URLs {
	return URLs{
		Success:  successURL,
		Failure:  failureURL,
		Callback: strings.TrimRight(callbackBase, "/") + "/" + string(method) + "/callback",
		Webhook:  strings.TrimRight(webhookBase, "/") + "/" + string(method),
	}
}

func newCommission(rate float64, label string) Commission {
	c := Commission{Rate: decimal.NewFromFloat(rate)}
	if rate > 0 {
		c.Label = label
	}
	return c
}

func normalize(table map[string]enums.PaymentStatus, raw string, fold func(string) string) (enums.PaymentStatus, bool) {
	status, ok := table[fold(strings.TrimSpace(raw))]
	return status, ok
}

// splitPhone separates a leading international prefix; Saudi numbers are the default.
func splitPhone(phone string) (string, string) {
	digits := strings.TrimSpace(phone)
	digits = strings.TrimPrefix(digits, "+")
	digits = strings.TrimPrefix(digits, "00")
	if strings.HasPrefix(digits, "966") {
		return "966", strings.TrimPrefix(digits, "966")
	}
	return "966", strings.TrimPrefix(digits, "0")
}

func splitName(full string) (string, string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], parts[0]
	}
	return parts[0], strings.Join(parts[1:], " ")
}

func stringOrEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
