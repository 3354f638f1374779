// Package tap is a thin client for the Tap card payments API.
package tap

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
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
	defaultBaseURL              = "https://api.tap.company/v2"
	responseBodyReadLimit int64 = 1024
	// SignatureHeader carries the hex HMAC-SHA256 of the webhook body.
	SignatureHeader = "hashstring"
)

var errSecretKeyRequired = errors.New("tap secret key is required")

// Client calls the Tap charges API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	secretKey  string
}

// Option configures optional client behavior.
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

func NewClient(secretKey string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(secretKey)
	if trimmed == "" {
		return nil, errSecretKeyRequired
	}
	client := &Client{
		secretKey:  trimmed,
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

// ChargeRequest describes a hosted card charge.
type ChargeRequest struct {
	Amount      decimal.Decimal
	Currency    string
	OrderID     string
	OrderNumber int64
	Description string
	Customer    Customer
	RedirectURL string
	PostURL     string
}

type Customer struct {
	FirstName string `json:"first_name"`
	Email     string `json:"email,omitempty"`
	Phone     Phone  `json:"phone"`
}

type Phone struct {
	CountryCode string `json:"country_code"`
	Number      string `json:"number"`
}

// Charge is Tap's charge resource, reduced to the fields reconciliation needs.
type Charge struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Reference   Reference       `json:"reference"`
	Metadata    map[string]any  `json:"metadata"`
	Transaction struct {
		URL string `json:"url"`
	} `json:"transaction"`
	Response struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"response"`
}

type Reference struct {
	Transaction string `json:"transaction"`
	Order       string `json:"order"`
}

// OrderID returns our order id echoed back by Tap.
func (c Charge) OrderID() string {
	if v, ok := c.Metadata["orderId"].(string); ok && v != "" {
		return v
	}
	return c.Reference.Order
}

func (c *Client) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "tap client not configured")
	}
	if req.OrderID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	if !req.Amount.IsPositive() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "charge amount must be positive")
	}

	payload := map[string]any{
		"amount":               req.Amount,
		"currency":             req.Currency,
		"threeDSecure":         true,
		"save_card":            false,
		"description":          req.Description,
		"customer":             req.Customer,
		"source":               map[string]string{"id": "src_all"},
		"reference":            Reference{Transaction: req.OrderID, Order: fmt.Sprintf("%d", req.OrderNumber)},
		"metadata":             map[string]string{"orderId": req.OrderID},
		"redirect":             map[string]string{"url": req.RedirectURL},
		"post":                 map[string]string{"url": req.PostURL},
		"customer_initiated":   true,
		"statement_descriptor": "storefront",
	}
	var charge Charge
	if err := c.do(ctx, http.MethodPost, "charges", payload, &charge); err != nil {
		return nil, err
	}
	return &charge, nil
}

func (c *Client) GetCharge(ctx context.Context, chargeID string) (*Charge, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "tap client not configured")
	}
	trimmed := strings.TrimSpace(chargeID)
	if trimmed == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "charge id is required")
	}
	var charge Charge
	if err := c.do(ctx, http.MethodGet, "charges/"+url.PathEscape(trimmed), nil, &charge); err != nil {
		return nil, err
	}
	return &charge, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "marshal tap request")
		}
		reader = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.buildURL(path), reader)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build tap request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.secretKey)
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute tap request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
		return pkgerrors.Wrap(pkgerrors.CodeDependency, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))), "tap request failed")
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode tap response")
	}
	return nil
}

func (c *Client) buildURL(path string) string {
	return fmt.Sprintf("%s/%s", strings.TrimRight(c.baseURL, "/"), strings.TrimLeft(path, "/"))
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares the provided hashstring with the expected one in constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}

// ParseCharge decodes a webhook body.
func ParseCharge(body []byte) (*Charge, error) {
	var charge Charge
	if err := json.Unmarshal(body, &charge); err != nil {
		return nil, err
	}
	if charge.ID == "" {
		return nil, errors.New("tap charge id missing")
	}
	return &charge, nil
}
