// Package tamara is a client for the Tamara installments API.
package tamara

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	pkgerrors "github.com/angelmondragon/storefront-fulfillment/pkg/errors"
)

const (
	defaultBaseURL              = "https://api.tamara.co"
	responseBodyReadLimit int64 = 1024
	// TokenQueryParam is where Tamara puts the notification JWT.
	TokenQueryParam = "tamaraToken"
)

var errAPITokenRequired = errors.New("tamara api token is required")

type Client struct {
	httpClient *http.Client
	baseURL    string
	apiToken   string
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		trimmed := strings.TrimSpace(baseURL)
		if trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

func NewClient(apiToken string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(apiToken)
	if trimmed == "" {
		return nil, errAPITokenRequired
	}
	client := &Client{
		apiToken:   trimmed,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type Item struct {
	ReferenceID string `json:"reference_id"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	SKU         string `json:"sku"`
	Quantity    int    `json:"quantity"`
	TotalAmount Money  `json:"total_amount"`
}

type Consumer struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	PhoneNumber string `json:"phone_number"`
	Email       string `json:"email,omitempty"`
}

type Address struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Line1       string `json:"line1"`
	Line2       string `json:"line2,omitempty"`
	City        string `json:"city"`
	CountryCode string `json:"country_code"`
	PhoneNumber string `json:"phone_number"`
}

type MerchantURL struct {
	Success      string `json:"success"`
	Failure      string `json:"failure"`
	Cancel       string `json:"cancel"`
	Notification string `json:"notification"`
}

// CheckoutRequest creates a hosted Tamara checkout.
type CheckoutRequest struct {
	OrderReferenceID string      `json:"order_reference_id"`
	OrderNumber      string      `json:"order_number"`
	TotalAmount      Money       `json:"total_amount"`
	ShippingAmount   Money       `json:"shipping_amount"`
	TaxAmount        Money       `json:"tax_amount"`
	Description      string      `json:"description"`
	CountryCode      string      `json:"country_code"`
	PaymentType      string      `json:"payment_type"`
	Locale           string      `json:"locale"`
	Items            []Item      `json:"items"`
	Consumer         Consumer    `json:"consumer"`
	ShippingAddress  Address     `json:"shipping_address"`
	MerchantURL      MerchantURL `json:"merchant_url"`
}

type CheckoutSession struct {
	OrderID     string `json:"order_id"`
	CheckoutID  string `json:"checkout_id"`
	CheckoutURL string `json:"checkout_url"`
	Status      string `json:"status"`
}

// Order is Tamara's view of the order.
type Order struct {
	OrderID          string `json:"order_id"`
	OrderReferenceID string `json:"order_reference_id"`
	Status           string `json:"status"`
}

// Notification is the webhook body Tamara posts on status changes.
type Notification struct {
	OrderID          string `json:"order_id"`
	OrderReferenceID string `json:"order_reference_id"`
	OrderStatus      string `json:"order_status"`
	EventType        string `json:"event_type"`
}

func (c *Client) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "tamara client not configured")
	}
	if req.OrderReferenceID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order reference is required")
	}
	if req.PaymentType == "" {
		req.PaymentType = "PAY_BY_INSTALMENTS"
	}
	var session CheckoutSession
	if err := c.do(ctx, http.MethodPost, "checkout", req, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "tamara client not configured")
	}
	trimmed := strings.TrimSpace(orderID)
	if trimmed == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "tamara order id is required")
	}
	var order Order
	if err := c.do(ctx, http.MethodGet, "orders/"+url.PathEscape(trimmed), nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "marshal tamara request")
		}
		reader = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.buildURL(path), reader)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build tamara request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiToken)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute tamara request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
		return pkgerrors.Wrap(pkgerrors.CodeDependency, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))), "tamara request failed")
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode tamara response")
	}
	return nil
}

func (c *Client) buildURL(path string) string {
	return fmt.Sprintf("%s/%s", strings.TrimRight(c.baseURL, "/"), strings.TrimLeft(path, "/"))
}

// VerifyNotificationToken validates the HS256 JWT Tamara attaches to each
// notification, signed with the merchant notification key.
func VerifyNotificationToken(tokenString, notificationKey string) error {
	if strings.TrimSpace(tokenString) == "" {
		return errors.New("tamara token missing")
	}
	if notificationKey == "" {
		return errors.New("tamara notification key not configured")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(notificationKey), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return err
	}
	if !token.Valid {
		return errors.New("tamara token invalid")
	}
	return nil
}

// TokenFromRequest reads the notification token from the query string or a bearer header.
func TokenFromRequest(header http.Header, query url.Values) string {
	if token := strings.TrimSpace(query.Get(TokenQueryParam)); token != "" {
		return token
	}
	auth := strings.TrimSpace(header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func ParseNotification(body []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, err
	}
	if n.OrderID == "" && n.OrderReferenceID == "" {
		return nil, errors.New("tamara notification missing order identifiers")
	}
	return &n, nil
}
