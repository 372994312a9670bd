// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

// Config holds every knob the server recognizes. All values come from the
// environment; there is no configuration file.
type Config struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	ObjectRoot  string `envconfig:"OBJECT_ROOT" default:"data/objects"`
	RedisURL    string `envconfig:"REDIS_URL"`

	AuthSigningSecret string `envconfig:"AUTH_SIGNING_SECRET" required:"true"`

	// Money
	MinimumWithdrawal string `envconfig:"MINIMUM_WITHDRAWAL" default:"10.00"`
	CommissionRate    string `envconfig:"COMMISSION_RATE" default:"0.20"`

	// Payment gateways
	GatewayAClientID      string `envconfig:"GATEWAY_A_CLIENT_ID"`
	GatewayASecret        string `envconfig:"GATEWAY_A_SECRET"`
	GatewayABaseURL       string `envconfig:"GATEWAY_A_BASE_URL"`
	GatewayBAccessToken   string `envconfig:"GATEWAY_B_ACCESS_TOKEN"`
	GatewayBBaseURL       string `envconfig:"GATEWAY_B_BASE_URL"`
	WebhookSigningSecretA string `envconfig:"WEBHOOK_SIGNING_SECRET_A"`
	WebhookSigningSecretB string `envconfig:"WEBHOOK_SIGNING_SECRET_B"`
	GatewayBRegions       []string `envconfig:"GATEWAY_B_REGIONS" default:"AR,BR,CL,CO,MX,PE,UY"`

	// External mod catalog
	ModCatalogBaseURL string  `envconfig:"MOD_CATALOG_BASE_URL" default:"https://api.curseforge.com"`
	ModCatalogAPIKey  string  `envconfig:"MOD_CATALOG_API_KEY"`
	ModCatalogRate    float64 `envconfig:"MOD_CATALOG_RATE" default:"8"`

	// Import pipeline
	ParallelDownloadDefault int           `envconfig:"PARALLEL_DOWNLOAD_DEFAULT" default:"5"`
	ImportWallClockMax      time.Duration `envconfig:"IMPORT_WALL_CLOCK_MAX" default:"30m"`

	// Caches and sweeps
	MembershipCacheTTL time.Duration `envconfig:"MEMBERSHIP_CACHE_TTL" default:"30s"`
	AccessCacheTTL     time.Duration `envconfig:"ACCESS_CACHE_TTL" default:"60s"`
	GCGrace            time.Duration `envconfig:"GC_GRACE" default:"24h"`
	GCInterval         time.Duration `envconfig:"GC_INTERVAL" default:"1h"`

	// Tracing (no-op when empty)
	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load reads configuration from the environment and validates the pieces
// that are parsed beyond envconfig's reach.
func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if _, err := c.MinWithdrawal(); err != nil {
		return nil, fmt.Errorf("config: MINIMUM_WITHDRAWAL: %w", err)
	}
	rate, err := c.Commission()
	if err != nil {
		return nil, fmt.Errorf("config: COMMISSION_RATE: %w", err)
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("config: COMMISSION_RATE %s outside [0,1]", rate)
	}
	if c.ParallelDownloadDefault < 1 || c.ParallelDownloadDefault > 10 {
		return nil, fmt.Errorf("config: PARALLEL_DOWNLOAD_DEFAULT %d outside 1..10", c.ParallelDownloadDefault)
	}
	return &c, nil
}

// MinWithdrawal parses the minimum withdrawal amount.
func (c *Config) MinWithdrawal() (decimal.Decimal, error) {
	return decimal.NewFromString(c.MinimumWithdrawal)
}

// Commission parses the platform commission rate.
func (c *Config) Commission() (decimal.Decimal, error) {
	return decimal.NewFromString(c.CommissionRate)
}
