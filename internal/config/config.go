// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML or TOML files with ${VAR} expansion, RELAY_* overrides and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is left empty.
const (
	DefaultHTTPAddr            = "0.0.0.0:8080"
	DefaultWebhookPath         = "/webhook"
	DefaultChannelValidityDays = 7
	DefaultProvisionTimeout    = 120 * time.Second
	DefaultPollInterval        = 2 * time.Second
	DefaultRequestTimeout      = 15 * time.Second
	DefaultDedupeTTL           = 10 * time.Minute
	DefaultDedupeSize          = 10000
	DefaultMaxBodyBytes        = 1 << 20
	DefaultHistoryLimit        = 20
	DefaultMaxTokens           = 1024
	DefaultEventsExchange      = "coven-relay.events"
)

// Config represents the complete coven-relay configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Tailscale  TailscaleConfig  `yaml:"tailscale" toml:"tailscale"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Auth       AuthConfig       `yaml:"auth" toml:"auth"`
	Gateway    GatewayConfig    `yaml:"gateway" toml:"gateway"`
	Webhook    WebhookConfig    `yaml:"webhook" toml:"webhook"`
	Completion CompletionConfig `yaml:"completion" toml:"completion"`
	Events     EventsConfig     `yaml:"events" toml:"events"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr" env:"RELAY_HTTP_ADDR"`
	// PublicURL is the externally reachable base URL; the webhook callback is
	// registered as PublicURL + webhook.path.
	PublicURL string `yaml:"public_url" toml:"public_url" env:"RELAY_PUBLIC_URL"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled" env:"RELAY_TAILSCALE_ENABLED"`
	Hostname  string `yaml:"hostname" toml:"hostname" env:"RELAY_TAILSCALE_HOSTNAME"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key" env:"RELAY_TAILSCALE_AUTH_KEY"`
	StateDir  string `yaml:"state_dir" toml:"state_dir" env:"RELAY_TAILSCALE_STATE_DIR"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel" env:"RELAY_TAILSCALE_FUNNEL"` // public ingress for gateway webhooks
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path" env:"RELAY_DATABASE_PATH"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret" env:"RELAY_JWT_SECRET"`
}

// GatewayConfig configures the messaging gateway client and provisioning.
type GatewayConfig struct {
	ManagerURL          string `yaml:"manager_url" toml:"manager_url" env:"RELAY_GATEWAY_MANAGER_URL"`
	GateURL             string `yaml:"gate_url" toml:"gate_url" env:"RELAY_GATEWAY_GATE_URL"`
	PartnerToken        string `yaml:"partner_token" toml:"partner_token" env:"RELAY_GATEWAY_PARTNER_TOKEN"`
	ChannelValidityDays int    `yaml:"channel_validity_days" toml:"channel_validity_days"`

	ProvisionTimeout time.Duration `yaml:"-" toml:"-"`
	PollInterval     time.Duration `yaml:"-" toml:"-"`
	RequestTimeout   time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ProvisionTimeoutRaw string `yaml:"provision_timeout" toml:"provision_timeout" env:"RELAY_GATEWAY_PROVISION_TIMEOUT"`
	PollIntervalRaw     string `yaml:"poll_interval" toml:"poll_interval"`
	RequestTimeoutRaw   string `yaml:"request_timeout" toml:"request_timeout"`
}

// WebhookConfig configures the inbound webhook endpoint.
type WebhookConfig struct {
	Path         string        `yaml:"path" toml:"path" env:"RELAY_WEBHOOK_PATH"`
	DedupeTTL    time.Duration `yaml:"-" toml:"-"`
	DedupeSize   int           `yaml:"dedupe_size" toml:"dedupe_size"`
	MaxBodyBytes int64         `yaml:"max_body_bytes" toml:"max_body_bytes"`

	DedupeTTLRaw string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// CompletionConfig selects the completion provider.
type CompletionConfig struct {
	Provider     string `yaml:"provider" toml:"provider" env:"RELAY_COMPLETION_PROVIDER"` // anthropic, openai
	APIKey       string `yaml:"api_key" toml:"api_key" env:"RELAY_COMPLETION_API_KEY"`
	BaseURL      string `yaml:"base_url" toml:"base_url" env:"RELAY_COMPLETION_BASE_URL"`
	Model        string `yaml:"model" toml:"model" env:"RELAY_COMPLETION_MODEL"`
	MaxTokens    int    `yaml:"max_tokens" toml:"max_tokens"`
	HistoryLimit int    `yaml:"history_limit" toml:"history_limit"`
}

// EventsConfig configures domain event publishing. Empty AMQPURL disables it.
type EventsConfig struct {
	AMQPURL  string `yaml:"amqp_url" toml:"amqp_url" env:"RELAY_EVENTS_AMQP_URL"`
	Exchange string `yaml:"exchange" toml:"exchange" env:"RELAY_EVENTS_EXCHANGE"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" env:"RELAY_LOG_LEVEL"`
	Format string `yaml:"format" toml:"format" env:"RELAY_LOG_FORMAT"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are read as TOML, anything else as YAML. Environment
// variables in the format ${VAR_NAME} are expanded, then RELAY_* variables
// override individual fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Gateway.ChannelValidityDays == 0 {
		c.Gateway.ChannelValidityDays = DefaultChannelValidityDays
	}
	if c.Gateway.ProvisionTimeout == 0 {
		c.Gateway.ProvisionTimeout = DefaultProvisionTimeout
	}
	if c.Gateway.PollInterval == 0 {
		c.Gateway.PollInterval = DefaultPollInterval
	}
	if c.Gateway.RequestTimeout == 0 {
		c.Gateway.RequestTimeout = DefaultRequestTimeout
	}
	if c.Webhook.Path == "" {
		c.Webhook.Path = DefaultWebhookPath
	}
	if !strings.HasPrefix(c.Webhook.Path, "/") {
		c.Webhook.Path = "/" + c.Webhook.Path
	}
	if c.Webhook.DedupeTTL == 0 {
		c.Webhook.DedupeTTL = DefaultDedupeTTL
	}
	if c.Webhook.DedupeSize == 0 {
		c.Webhook.DedupeSize = DefaultDedupeSize
	}
	if c.Webhook.MaxBodyBytes == 0 {
		c.Webhook.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.Completion.Provider == "" {
		c.Completion.Provider = "anthropic"
	}
	if c.Completion.MaxTokens == 0 {
		c.Completion.MaxTokens = DefaultMaxTokens
	}
	if c.Completion.HistoryLimit == 0 {
		c.Completion.HistoryLimit = DefaultHistoryLimit
	}
	if c.Events.Exchange == "" {
		c.Events.Exchange = DefaultEventsExchange
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// WebhookURL is the callback registered with the gateway, or "" when the
// relay has no public URL.
func (c *Config) WebhookURL() string {
	if c.Server.PublicURL == "" {
		return ""
	}
	return strings.TrimSuffix(c.Server.PublicURL, "/") + c.Webhook.Path
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}
	if c.Server.PublicURL != "" {
		u, err := url.Parse(c.Server.PublicURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("server.public_url %q must be an absolute URL", c.Server.PublicURL)
		}
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Gateway.ManagerURL == "" {
		return fmt.Errorf("gateway.manager_url is required")
	}
	if c.Gateway.GateURL == "" {
		return fmt.Errorf("gateway.gate_url is required")
	}
	if c.Gateway.ChannelValidityDays < 0 {
		return fmt.Errorf("gateway.channel_validity_days must not be negative")
	}

	switch strings.ToLower(c.Completion.Provider) {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("completion.provider %q is not one of anthropic, openai", c.Completion.Provider)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"gateway.provision_timeout", cfg.Gateway.ProvisionTimeoutRaw, &cfg.Gateway.ProvisionTimeout},
		{"gateway.poll_interval", cfg.Gateway.PollIntervalRaw, &cfg.Gateway.PollInterval},
		{"gateway.request_timeout", cfg.Gateway.RequestTimeoutRaw, &cfg.Gateway.RequestTimeout},
		{"webhook.dedupe_ttl", cfg.Webhook.DedupeTTLRaw, &cfg.Webhook.DedupeTTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}
