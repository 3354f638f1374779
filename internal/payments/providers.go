package payments

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/angelmondragon/storefront-fulfillment/pkg/config"
	"github.com/angelmondragon/storefront-fulfillment/pkg/enums"
	"github.com/angelmondragon/storefront-fulfillment/pkg/tabby"
	"github.com/angelmondragon/storefront-fulfillment/pkg/tamara"
	"github.com/angelmondragon/storefront-fulfillment/pkg/tap"
)

// RegistryFromConfig always registers cash on delivery. A redirect provider
// is registered only when its credentials are configured, so checkout rejects
// it as unsupported otherwise.
func RegistryFromConfig(cfg *config.Config, httpClient *http.Client) (*Registry, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Payments.ProviderTimeout}
	}
	urls := func(method enums.PaymentMethod) URLs {
		p := cfg.Payments
		return URLsFor(p.SuccessURL, p.FailureURL, p.CallbackBaseURL, p.WebhookBaseURL, method)
	}

	adapters := []Adapter{NewCODAdapter(cfg.Shipping.WebhookSecret)}

	if strings.TrimSpace(cfg.Tap.SecretKey) != "" {
		client, err := tap.NewClient(cfg.Tap.SecretKey, tap.WithBaseURL(cfg.Tap.BaseURL), tap.WithHTTPClient(httpClient))
		if err != nil {
			return nil, fmt.Errorf("tap client: %w", err)
		}
		adapter, err := NewTapAdapter(client, TapOptions{
			WebhookSecret:   cfg.Tap.WebhookSecret,
			Currency:        cfg.Payments.Currency,
			CommissionRate:  cfg.Tap.CommissionRate,
			CommissionLabel: cfg.Tap.CommissionLabel,
			URLs:            urls(enums.PaymentMethodTap),
		})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}

	if strings.TrimSpace(cfg.Tamara.APIToken) != "" {
		client, err := tamara.NewClient(cfg.Tamara.APIToken, tamara.WithBaseURL(cfg.Tamara.BaseURL), tamara.WithHTTPClient(httpClient))
		if err != nil {
			return nil, fmt.Errorf("tamara client: %w", err)
		}
		adapter, err := NewTamaraAdapter(client, TamaraOptions{
			NotificationToken: cfg.Tamara.NotificationToken,
			Currency:          cfg.Payments.Currency,
			CommissionRate:    cfg.Tamara.CommissionRate,
			CommissionLabel:   cfg.Tamara.CommissionLabel,
			URLs:              urls(enums.PaymentMethodTamara),
		})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}

	if strings.TrimSpace(cfg.Tabby.SecretKey) != "" {
		client, err := tabby.NewClient(cfg.Tabby.SecretKey, cfg.Tabby.MerchantCode, tabby.WithBaseURL(cfg.Tabby.BaseURL), tabby.WithHTTPClient(httpClient))
		if err != nil {
			return nil, fmt.Errorf("tabby client: %w", err)
		}
		adapter, err := NewTabbyAdapter(client, TabbyOptions{
			WebhookHeader:   cfg.Tabby.WebhookHeader,
			WebhookSecret:   cfg.Tabby.WebhookSecret,
			Currency:        cfg.Payments.Currency,
			CommissionRate:  cfg.Tabby.CommissionRate,
			CommissionLabel: cfg.Tabby.CommissionLabel,
			URLs:            urls(enums.PaymentMethodTabby),
		})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}

	return NewRegistry(adapters...)
}
