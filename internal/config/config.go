// Package config defines the process configuration for the creditgate
// gateway and ledger worker. Configuration is loaded once at startup and is
// immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or an invalid format fails startup.
package config

import (
	"fmt"
	"time"

	"creditgate/internal/types"
)

// SecretString is an alias for types.SecretString so config consumers do not
// need to import types for it.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the sections they need.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"creditgate"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	IsTestMode  bool   `envconfig:"IS_TEST_MODE" default:"false"`

	Server        ServerConfig
	Platform      PlatformConfig
	Ledger        LedgerConfig
	Store         StoreConfig
	Queue         QueueConfig
	AWS           AWSConfig
	Quota         QuotaConfig
	Catalog       CatalogConfig
	Products      ProductConfig
	Auth          AuthConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// UsesStubs reports whether external clients should be replaced by stubs.
func (c *Config) UsesStubs() bool {
	return c.IsTestMode || c.Environment == localEnv
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"20s"`
}

// PlatformConfig holds the purchase platform credentials.
type PlatformConfig struct {
	BaseURL       string        `envconfig:"PLATFORM_BASE_URL" validate:"omitempty,url"`
	APIKey        SecretString  `envconfig:"PLATFORM_API_KEY"`
	Timeout       time.Duration `envconfig:"PLATFORM_TIMEOUT" default:"10s"`
	MaxRetries    int           `envconfig:"PLATFORM_MAX_RETRIES" default:"2" validate:"gte=0,lte=5"`
	WebhookSecret SecretString  `envconfig:"PLATFORM_WEBHOOK_SECRET"`
	// WebhookTolerance bounds how old a signed push may be.
	WebhookTolerance time.Duration `envconfig:"PLATFORM_WEBHOOK_TOLERANCE" default:"5m"`
}

// LedgerConfig holds the backend ledger endpoint.
type LedgerConfig struct {
	BaseURL      string        `envconfig:"LEDGER_BASE_URL" validate:"omitempty,url"`
	ServiceToken SecretString  `envconfig:"LEDGER_SERVICE_TOKEN"`
	Timeout      time.Duration `envconfig:"LEDGER_TIMEOUT" default:"10s"`
	MaxRetries   int           `envconfig:"LEDGER_MAX_RETRIES" default:"2" validate:"gte=0,lte=5"`
}

// Quota store drivers.
const (
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreMemory   = "memory"
)

// StoreConfig selects and tunes the durable quota store.
type StoreConfig struct {
	Driver      string       `envconfig:"QUOTA_STORE" default:"postgres" validate:"oneof=postgres redis memory"`
	DatabaseURL SecretString `envconfig:"DATABASE_URL" validate:"required_if=Driver postgres"`
	RedisURL    SecretString `envconfig:"REDIS_URL" validate:"required_if=Driver redis"`
	RedisPrefix string       `envconfig:"REDIS_KEY_PREFIX" default:"creditgate:quota:"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"1"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout  time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
}

// Purchase notifier transports.
const (
	NotifierHTTP = "http"
	NotifierSQS  = "sqs"
)

// QueueConfig selects how purchase notifications reach the ledger.
type QueueConfig struct {
	Notifier         string `envconfig:"PURCHASE_NOTIFIER" default:"http" validate:"oneof=http sqs"`
	PurchaseQueueURL string `envconfig:"SQS_PURCHASE_NOTIFICATIONS" validate:"required_if=Notifier sqs,omitempty,url"`
}

// AWSConfig holds AWS regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// QuotaConfig holds the daily quota calendar and engine timeouts.
type QuotaConfig struct {
	// Timezone is the IANA zone whose calendar day bounds the free quota.
	Timezone       string        `envconfig:"QUOTA_TIMEZONE" default:"UTC"`
	RefreshTimeout time.Duration `envconfig:"REFRESH_TIMEOUT" default:"5s"`
	FetchTimeout   time.Duration `envconfig:"FETCH_TIMEOUT" default:"10s"`
	NotifyTimeout  time.Duration `envconfig:"NOTIFY_TIMEOUT" default:"15s"`
	// EngineIdleTTL is how long an unused per-user engine stays loaded.
	// Zero keeps engines until shutdown.
	EngineIdleTTL  time.Duration `envconfig:"ENGINE_IDLE_TTL" default:"30m" validate:"gte=0"`
}

// Location resolves Timezone.
func (q QuotaConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(q.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid QUOTA_TIMEZONE %q: %w", q.Timezone, err)
	}
	return loc, nil
}

// CatalogConfig controls catalog selection and retries.
type CatalogConfig struct {
	OfferingID  string        `envconfig:"CATALOG_OFFERING_ID"`
	MaxAttempts int           `envconfig:"CATALOG_MAX_ATTEMPTS" default:"3" validate:"gte=1,lte=10"`
	BaseWait    time.Duration `envconfig:"CATALOG_BASE_WAIT" default:"1s"`
}

// ProductConfig maps product kinds and entitlements to store identifiers.
type ProductConfig struct {
	MonthlyID string `envconfig:"PRODUCT_MONTHLY_ID" default:"premium_monthly"`
	YearlyID  string `envconfig:"PRODUCT_YEARLY_ID" default:"premium_yearly"`
	// EntitlementTiers maps entitlement id to tier, e.g.
	// "premium_monthly:premium_monthly,premium_yearly:premium_yearly".
	EntitlementTiers map[string]string `envconfig:"ENTITLEMENT_TIERS" default:"premium_monthly:premium_monthly,premium_yearly:premium_yearly"`
}

// Tiers converts EntitlementTiers into typed tiers, rejecting unknown ones.
func (p ProductConfig) Tiers() (map[string]types.Tier, error) {
	out := make(map[string]types.Tier, len(p.EntitlementTiers))
	for id, raw := range p.EntitlementTiers {
		t := types.Tier(raw)
		if !t.Valid() || t == types.TierFree {
			return nil, fmt.Errorf("entitlement %q maps to unknown premium tier %q", id, raw)
		}
		out[id] = t
	}
	return out, nil
}

// AuthConfig holds the gateway's caller authentication.
type AuthConfig struct {
	// APIKeyHash is the bcrypt hash of the API key callers present as a
	// Bearer token.
	APIKeyHash SecretString `envconfig:"API_KEY_HASH" validate:"required"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"CreditGate"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"true"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
