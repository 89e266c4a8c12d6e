// Package config loads and validates desk runtime configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML accepts values like "30s" or "250ms".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("config: duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration in Go notation.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

func seconds(n int) Duration { return Duration{time.Duration(n) * time.Second} }

// Config is the root configuration tree for the desk daemon.
type Config struct {
	Environment string           `yaml:"environment"`
	Listen      string           `yaml:"listen"`
	Backend     BackendConfig    `yaml:"backend"`
	UserStream  UserStreamConfig `yaml:"userStream"`
	Ticker      TickerConfig     `yaml:"ticker"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
}

// BackendConfig describes the trading backend endpoint and credentials.
type BackendConfig struct {
	BaseURL     string   `yaml:"baseUrl"`
	Token       string   `yaml:"token"`
	HTTPTimeout Duration `yaml:"httpTimeout"`
}

// UserStreamConfig tunes the user-stream transport and reconciliation knobs.
type UserStreamConfig struct {
	ReconnectInterval       Duration `yaml:"reconnectInterval"`
	MaxReconnectInterval    Duration `yaml:"maxReconnectInterval"`
	MaxReconnectAttempts    int      `yaml:"maxReconnectAttempts"`
	HeartbeatInterval       Duration `yaml:"heartbeatInterval"`
	HeartbeatTimeout        Duration `yaml:"heartbeatTimeout"`
	ConnectDebounce         Duration `yaml:"connectDebounce"`
	ResnapshotWait          Duration `yaml:"resnapshotWait"`
	PendingOrderTimeout     Duration `yaml:"pendingOrderTimeout"`
	OptimisticCancelTimeout Duration `yaml:"optimisticCancelTimeout"`
}

// TickerConfig tunes the direct exchange market-data connection.
type TickerConfig struct {
	WSURL              string   `yaml:"wsUrl"`
	SubscriptionBudget int      `yaml:"subscriptionBudget"`
	PreferredQuotes    []string `yaml:"preferredQuotes"`
	CoalesceWindow     Duration `yaml:"coalesceWindow"`
	RefreshInterval    Duration `yaml:"refreshInterval"`
}

// TelemetryConfig controls the OTLP metrics exporter.
type TelemetryConfig struct {
	EnableMetrics bool   `yaml:"enableMetrics"`
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	ServiceName   string `yaml:"serviceName"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML configuration file, fills defaults, applies environment
// overrides, and validates the result. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "prod"
	}
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = "127.0.0.1:8787"
	}
	if c.Backend.HTTPTimeout.Duration <= 0 {
		c.Backend.HTTPTimeout = seconds(10)
	}

	us := &c.UserStream
	if us.ReconnectInterval.Duration <= 0 {
		us.ReconnectInterval = seconds(3)
	}
	if us.MaxReconnectInterval.Duration <= 0 {
		us.MaxReconnectInterval = seconds(30)
	}
	if us.MaxReconnectAttempts <= 0 {
		us.MaxReconnectAttempts = 10
	}
	if us.HeartbeatInterval.Duration <= 0 {
		us.HeartbeatInterval = seconds(15)
	}
	if us.HeartbeatTimeout.Duration <= 0 {
		us.HeartbeatTimeout = seconds(10)
	}
	if us.ConnectDebounce.Duration <= 0 {
		us.ConnectDebounce = Duration{50 * time.Millisecond}
	}
	if us.ResnapshotWait.Duration <= 0 {
		us.ResnapshotWait = seconds(2)
	}
	if us.PendingOrderTimeout.Duration <= 0 {
		us.PendingOrderTimeout = seconds(10)
	}
	if us.OptimisticCancelTimeout.Duration <= 0 {
		us.OptimisticCancelTimeout = seconds(5)
	}

	tk := &c.Ticker
	if strings.TrimSpace(tk.WSURL) == "" {
		tk.WSURL = "wss://stream.binance.com:9443"
	}
	if tk.SubscriptionBudget <= 0 {
		tk.SubscriptionBudget = 60
	}
	if len(tk.PreferredQuotes) == 0 {
		tk.PreferredQuotes = []string{"USDT", "USDC", "BTC"}
	}
	if tk.CoalesceWindow.Duration <= 0 {
		tk.CoalesceWindow = Duration{300 * time.Millisecond}
	}
	if tk.RefreshInterval.Duration <= 0 {
		tk.RefreshInterval = Duration{5 * time.Minute}
	}

	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		c.Telemetry.ServiceName = "marketdesk"
	}
}

func (c *Config) applyEnvOverrides() {
	if v, ok := os.LookupEnv("DESK_ENV"); ok && strings.TrimSpace(v) != "" {
		c.Environment = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("DESK_BACKEND_BASE_URL"); ok && strings.TrimSpace(v) != "" {
		c.Backend.BaseURL = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("DESK_BACKEND_TOKEN"); ok && strings.TrimSpace(v) != "" {
		c.Backend.Token = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("DESK_TICKER_WS_URL"); ok && strings.TrimSpace(v) != "" {
		c.Ticker.WSURL = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("DESK_TICKER_BUDGET"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			c.Ticker.SubscriptionBudget = n
		}
	}
	if v, ok := os.LookupEnv("DESK_OTLP_ENDPOINT"); ok && strings.TrimSpace(v) != "" {
		c.Telemetry.OTLPEndpoint = strings.TrimSpace(v)
		c.Telemetry.EnableMetrics = true
	}
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	switch strings.ToLower(c.Environment) {
	case "dev", "staging", "prod":
	default:
		return fmt.Errorf("config: unsupported environment %q", c.Environment)
	}
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		return fmt.Errorf("config: backend.baseUrl is required")
	}
	if _, err := c.Backend.UserStreamURL(); err != nil {
		return err
	}
	if c.UserStream.MaxReconnectInterval.Duration < c.UserStream.ReconnectInterval.Duration {
		return fmt.Errorf("config: userStream.maxReconnectInterval must be >= reconnectInterval")
	}
	if c.Ticker.SubscriptionBudget <= 0 {
		return fmt.Errorf("config: ticker.subscriptionBudget must be positive")
	}
	if c.Telemetry.EnableMetrics && strings.TrimSpace(c.Telemetry.OTLPEndpoint) == "" {
		return fmt.Errorf("config: telemetry.otlpEndpoint is required when metrics are enabled")
	}
	return nil
}
