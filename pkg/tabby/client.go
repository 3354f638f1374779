// Package tabby is a client for the Tabby buy-now-pay-later API.
package tabby

import (
	"bytes"
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	pkgerrors "github.com/angelmondragon/storefront-fulfillment/pkg/errors"
)

const (
	defaultBaseURL              = "https://api.tabby.ai/api/v2"
	responseBodyReadLimit int64 = 1024
)

var errSecretKeyRequired = errors.New("tabby secret key is required")

type Client struct {
	httpClient   *http.Client
	baseURL      string
	secretKey    string
	merchantCode string
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

func NewClient(secretKey, merchantCode string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(secretKey)
	if trimmed == "" {
		return nil, errSecretKeyRequired
	}
	client := &Client{
		secretKey:    trimmed,
		merchantCode: strings.TrimSpace(merchantCode),
		baseURL:      defaultBaseURL,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

type Buyer struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone"`
}

type ShippingAddress struct {
	City    string `json:"city"`
	Address string `json:"address"`
	Zip     string `json:"zip,omitempty"`
}

type OrderItem struct {
	Title       string          `json:"title"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	ReferenceID string          `json:"reference_id"`
	Category    string          `json:"category"`
}

type Order struct {
	ReferenceID    string          `json:"reference_id"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	ShippingAmount decimal.Decimal `json:"shipping_amount"`
	Items          []OrderItem     `json:"items"`
}

type Payment struct {
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Description     string          `json:"description,omitempty"`
	Buyer           Buyer           `json:"buyer"`
	ShippingAddress ShippingAddress `json:"shipping_address"`
	Order           Order           `json:"order"`
}

type MerchantURLs struct {
	Success string `json:"success"`
	Cancel  string `json:"cancel"`
	Failure string `json:"failure"`
}

// SessionRequest creates a Tabby checkout session.
type SessionRequest struct {
	Payment      Payment      `json:"payment"`
	Lang         string       `json:"lang"`
	MerchantCode string       `json:"merchant_code"`
	MerchantURLs MerchantURLs `json:"merchant_urls"`
}

// Session is the reduced checkout session response. PaymentID is what later
// webhooks and status lookups refer to.
type Session struct {
	ID        string
	Status    string
	PaymentID string
	WebURL    string
}

// PaymentStatus is Tabby's payment resource as seen by webhooks and lookups.
type PaymentStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Order  struct {
		ReferenceID string `json:"reference_id"`
	} `json:"order"`
}

func (c *Client) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "tabby client not configured")
	}
	if req.Payment.Order.ReferenceID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order reference is required")
	}
	if req.MerchantCode == "" {
		req.MerchantCode = c.merchantCode
	}
	if req.Lang == "" {
		req.Lang = "en"
	}

	var apiResp struct {
		ID      string `json:"id"`
		Status  string `json:"status"`
		Payment struct {
			ID string `json:"id"`
		} `json:"payment"`
		Configuration struct {
			AvailableProducts struct {
				Installments []struct {
					WebURL string `json:"web_url"`
				} `json:"installments"`
			} `json:"available_products"`
		} `json:"configuration"`
	}
	if err := c.do(ctx, http.MethodPost, "checkout", req, &apiResp); err != nil {
		return nil, err
	}
	session := &Session{ID: apiResp.ID, Status: apiResp.Status, PaymentID: apiResp.Payment.ID}
	if products := apiResp.Configuration.AvailableProducts.Installments; len(products) > 0 {
		session.WebURL = products[0].WebURL
	}
	if session.WebURL == "" && strings.EqualFold(session.Status, "rejected") {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "tabby rejected the checkout")
	}
	return session, nil
}

func (c *Client) GetPayment(ctx context.Context, paymentID string) (*PaymentStatus, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "tabby client not configured")
	}
	trimmed := strings.TrimSpace(paymentID)
	if trimmed == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "tabby payment id is required")
	}
	var payment PaymentStatus
	if err := c.do(ctx, http.MethodGet, "payments/"+url.PathEscape(trimmed), nil, &payment); err != nil {
		return nil, err
	}
	return &payment, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "marshal tabby request")
		}
		reader = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.buildURL(path), reader)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build tabby request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.secretKey)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute tabby request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
		return pkgerrors.Wrap(pkgerrors.CodeDependency, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))), "tabby request failed")
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode tabby response")
	}
	return nil
}

func (c *Client) buildURL(path string) string {
	return fmt.Sprintf("%s/%s", strings.TrimRight(c.baseURL, "/"), strings.TrimLeft(path, "/"))
}

// VerifyHeader compares the shared webhook header value in constant time.
func VerifyHeader(expected, provided string) bool {
	if expected == "" || provided == "" {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(provided)))
}

func ParsePayment(body []byte) (*PaymentStatus, error) {
	var payment PaymentStatus
	if err := json.Unmarshal(body, &payment); err != nil {
		return nil, err
	}
	if payment.ID == "" {
		return nil, errors.New("tabby payment id missing")
	}
	return &payment, nil
}
