package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix = "STOREFRONT"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv            = "STOREFRONT_APP_ENV"
	EnvPort              = "STOREFRONT_APP_PORT"
	EnvDBDSN             = "STOREFRONT_DB_DSN"
	EnvDBHost            = "STOREFRONT_DB_HOST"
	EnvDBUser            = "STOREFRONT_DB_USER"
	EnvDBName            = "STOREFRONT_DB_NAME"
	EnvRedisURL          = "STOREFRONT_REDIS_URL"
	EnvJWTSecret         = "STOREFRONT_JWT_SECRET"
	EnvJWTIssuer         = "STOREFRONT_JWT_ISSUER"
	EnvGCPProjectID      = "STOREFRONT_GCP_PROJECT_ID"
	EnvPubSubOrders      = "STOREFRONT_PUBSUB_ORDERS_TOPIC"
	EnvPubSubFulfillment = "STOREFRONT_PUBSUB_FULFILLMENT_TOPIC"
	EnvTaxRate           = "STOREFRONT_CHECKOUT_TAX_RATE"
	EnvWebhookDevBypass  = "STOREFRONT_WEBHOOK_DEV_BYPASS"
	EnvTapCommission     = "STOREFRONT_TAP_COMMISSION_RATE"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

type Config struct {
	App          AppConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
	Checkout     CheckoutConfig
	Payments     PaymentsConfig
	Tap          TapConfig
	Tamara       TamaraConfig
	Tabby        TabbyConfig
	Webhooks     WebhooksConfig
	Shipping     ShippingConfig
	Cron         CronConfig
	RateLimit    RateLimitConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Webhooks.DevBypass && !c.App.IsDev() {
		return fmt.Errorf("%s is only allowed when %s=%s", EnvWebhookDevBypass, EnvAppEnv, AppEnvDev)
	}
	if c.Checkout.TaxRate < 0 || c.Checkout.TaxRate >= 1 {
		return fmt.Errorf("%s must be in [0,1), got %v", EnvTaxRate, c.Checkout.TaxRate)
	}
	for name, rate := range map[string]float64{
		"tap":    c.Tap.CommissionRate,
		"tamara": c.Tamara.CommissionRate,
		"tabby":  c.Tabby.CommissionRate,
	} {
		if rate < 0 || rate >= 1 {
			return fmt.Errorf("%s commission rate must be in [0,1), got %v", name, rate)
		}
	}
	return nil
}

type AppConfig struct {
	Env          string `envconfig:"STOREFRONT_APP_ENV" required:"true"`
	Port         string `envconfig:"STOREFRONT_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"STOREFRONT_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"STOREFRONT_LOG_WARN_STACK" default:"false"`
	// CORSOrigins lists storefront origins allowed to call the API from a browser.
	CORSOrigins []string `envconfig:"STOREFRONT_CORS_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd) || strings.EqualFold(a.Env, "production")
}

type DBConfig struct {
	DSN    string `envconfig:"STOREFRONT_DB_DSN"`
	Driver string `envconfig:"STOREFRONT_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"STOREFRONT_DB_HOST"`
	LegacyPort     int    `envconfig:"STOREFRONT_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"STOREFRONT_DB_USER"`
	LegacyPassword string `envconfig:"STOREFRONT_DB_PASSWORD"`
	LegacyName     string `envconfig:"STOREFRONT_DB_NAME"`
	LegacySSLMode  string `envconfig:"STOREFRONT_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"STOREFRONT_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"STOREFRONT_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"STOREFRONT_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"STOREFRONT_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"STOREFRONT_REDIS_URL" required:"true"`
	Address      string        `envconfig:"STOREFRONT_REDIS_ADDR"`
	Password     string        `envconfig:"STOREFRONT_REDIS_PASSWORD"`
	DB           int           `envconfig:"STOREFRONT_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"STOREFRONT_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"STOREFRONT_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"STOREFRONT_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"STOREFRONT_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"STOREFRONT_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// JWTConfig only covers verification; tokens are minted by the identity service.
type JWTConfig struct {
	Secret string `envconfig:"STOREFRONT_JWT_SECRET" required:"true"`
	Issuer string `envconfig:"STOREFRONT_JWT_ISSUER" required:"true"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"STOREFRONT_AUTO_MIGRATE" default:"false"`
}

type GCPConfig struct {
	ProjectID       string `envconfig:"STOREFRONT_GCP_PROJECT_ID" required:"true"`
	CredentialsJSON string `envconfig:"STOREFRONT_GCP_CREDENTIALS_JSON"`
}

type PubSubConfig struct {
	OrdersTopic      string `envconfig:"STOREFRONT_PUBSUB_ORDERS_TOPIC" required:"true"`
	FulfillmentTopic string `envconfig:"STOREFRONT_PUBSUB_FULFILLMENT_TOPIC" required:"true"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"STOREFRONT_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"STOREFRONT_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"STOREFRONT_OUTBOX_MAX_ATTEMPTS" default:"10"`
}

type CheckoutConfig struct {
	TaxRate           float64 `envconfig:"STOREFRONT_CHECKOUT_TAX_RATE" default:"0.15"`
	OrderNumberFloor  int64   `envconfig:"STOREFRONT_CHECKOUT_ORDER_NUMBER_FLOOR" default:"1000"`
	DefaultShippingCo string  `envconfig:"STOREFRONT_CHECKOUT_DEFAULT_SHIPPING_PROVIDER" default:"standard"`
}

type PaymentsConfig struct {
	ProviderTimeout time.Duration `envconfig:"STOREFRONT_PAYMENT_PROVIDER_TIMEOUT" default:"15s"`
	SuccessURL      string        `envconfig:"STOREFRONT_PAYMENT_SUCCESS_URL" default:"http://localhost:3000/checkout/success"`
	FailureURL      string        `envconfig:"STOREFRONT_PAYMENT_FAILURE_URL" default:"http://localhost:3000/checkout/failure"`
	CallbackBaseURL string        `envconfig:"STOREFRONT_PAYMENT_CALLBACK_BASE_URL" default:"http://localhost:8080/api/v1/payments"`
	WebhookBaseURL  string        `envconfig:"STOREFRONT_PAYMENT_WEBHOOK_BASE_URL" default:"http://localhost:8080/api/v1/webhooks"`
	Currency        string        `envconfig:"STOREFRONT_PAYMENT_CURRENCY" default:"SAR"`
}

type TapConfig struct {
	BaseURL         string  `envconfig:"STOREFRONT_TAP_BASE_URL" default:"https://api.tap.company/v2"`
	SecretKey       string  `envconfig:"STOREFRONT_TAP_SECRET_KEY"`
	WebhookSecret   string  `envconfig:"STOREFRONT_TAP_WEBHOOK_SECRET"`
	CommissionRate  float64 `envconfig:"STOREFRONT_TAP_COMMISSION_RATE" default:"0"`
	CommissionLabel string  `envconfig:"STOREFRONT_TAP_COMMISSION_LABEL" default:"card processing fee"`
}

type TamaraConfig struct {
	BaseURL           string  `envconfig:"STOREFRONT_TAMARA_BASE_URL" default:"https://api.tamara.co"`
	APIToken          string  `envconfig:"STOREFRONT_TAMARA_API_TOKEN"`
	NotificationToken string  `envconfig:"STOREFRONT_TAMARA_NOTIFICATION_TOKEN"`
	CommissionRate    float64 `envconfig:"STOREFRONT_TAMARA_COMMISSION_RATE" default:"0"`
	CommissionLabel   string  `envconfig:"STOREFRONT_TAMARA_COMMISSION_LABEL" default:"installment fee"`
}

type TabbyConfig struct {
	BaseURL         string  `envconfig:"STOREFRONT_TABBY_BASE_URL" default:"https://api.tabby.ai/api/v2"`
	SecretKey       string  `envconfig:"STOREFRONT_TABBY_SECRET_KEY"`
	MerchantCode    string  `envconfig:"STOREFRONT_TABBY_MERCHANT_CODE"`
	WebhookHeader   string  `envconfig:"STOREFRONT_TABBY_WEBHOOK_HEADER" default:"X-Tabby-Signature"`
	WebhookSecret   string  `envconfig:"STOREFRONT_TABBY_WEBHOOK_SECRET"`
	CommissionRate  float64 `envconfig:"STOREFRONT_TABBY_COMMISSION_RATE" default:"0"`
	CommissionLabel string  `envconfig:"STOREFRONT_TABBY_COMMISSION_LABEL" default:"installment fee"`
}

type WebhooksConfig struct {
	DevBypass      bool          `envconfig:"STOREFRONT_WEBHOOK_DEV_BYPASS" default:"false"`
	IdempotencyTTL time.Duration `envconfig:"STOREFRONT_WEBHOOK_IDEMPOTENCY_TTL" default:"720h"`
}

type ShippingConfig struct {
	Carrier       string        `envconfig:"STOREFRONT_SHIPPING_CARRIER" default:"aramex"`
	WebhookSecret string        `envconfig:"STOREFRONT_SHIPPING_WEBHOOK_SECRET"`
	Timeout       time.Duration `envconfig:"STOREFRONT_SHIPPING_CARRIER_TIMEOUT" default:"10s"`
}

type CronConfig struct {
	Interval          time.Duration `envconfig:"STOREFRONT_CRON_INTERVAL" default:"5m"`
	PendingPaymentTTL time.Duration `envconfig:"STOREFRONT_CRON_PENDING_PAYMENT_TTL" default:"24h"`
	BatchSize         int           `envconfig:"STOREFRONT_CRON_BATCH_SIZE" default:"100"`
}

// RateLimitConfig throttles the public tracking lookup, which is unauthenticated.
type RateLimitConfig struct {
	TrackWindow  time.Duration `envconfig:"STOREFRONT_RATE_LIMIT_TRACK_WINDOW" default:"1m"`
	TrackIPLimit int           `envconfig:"STOREFRONT_RATE_LIMIT_TRACK_IP_LIMIT" default:"60"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
