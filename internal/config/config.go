// Package config handles application-level configuration: the process-wide
// bootstrap settings a Supervisor needs before it can load any bot from the
// store (master key, store DSN, event bus address, proxy pool, telemetry).
// Per-bot trading parameters are not configured here — they are persisted
// rows loaded through internal/core.IStore, per the data model.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration structure.
type Config struct {
	App         AppConfig         `yaml:"app"`
	Store       StoreConfig       `yaml:"store"`
	EventBus    EventBusConfig    `yaml:"event_bus"`
	Analyzer    AnalyzerConfig    `yaml:"analyzer"`
	Timing      TimingConfig      `yaml:"timing"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	ProxyPool   ProxyPoolConfig   `yaml:"proxy_pool"`
	Geo         GeoConfig         `yaml:"geo"`
}

// AppConfig contains process-level settings.
type AppConfig struct {
	LogLevel      string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	MasterKey     Secret `yaml:"master_key" validate:"required"`
	DefaultTestnet bool  `yaml:"default_testnet"`
}

// StoreConfig configures the relational persistence layer.
type StoreConfig struct {
	Driver string `yaml:"driver" validate:"required,oneof=sqlite3"`
	DSN    string `yaml:"dsn" validate:"required"`
}

// EventBusConfig configures the kill-switch / trade-event bus.
type EventBusConfig struct {
	Addr             string `yaml:"addr"`
	KillSwitchTopic  string `yaml:"kill_switch_topic"`
	TradeEventsTopic string `yaml:"trade_events_topic"`
}

// AnalyzerConfig contains market analyzer settings.
type AnalyzerConfig struct {
	Enabled           bool     `yaml:"enabled"`
	MonitorSymbols    []string `yaml:"monitor_symbols" validate:"required,min=1,max=50"`
	CandleInterval    string   `yaml:"candle_interval" validate:"required,oneof=1m 3m 5m 15m"`
	ConfirmationCount int      `yaml:"confirmation_count" validate:"required,min=1,max=20"`
	CoolingCandles    int      `yaml:"cooling_candles" validate:"required,min=1,max=100"`
}

// TimingConfig contains timing-related settings, including the stream
// watchdog deadlines from the exchange client contract.
type TimingConfig struct {
	WebsocketReconnectDelaySec int `yaml:"websocket_reconnect_delay_sec" validate:"min=1,max=300"`
	MarketStreamDeadlineSec    int `yaml:"market_stream_deadline_sec" validate:"required,min=1,max=600"`
	UserStreamDeadlineSec      int `yaml:"user_stream_deadline_sec" validate:"required,min=1,max=600"`
	ListenKeyKeepaliveSec      int `yaml:"listen_key_keepalive_sec" validate:"min=1,max=3600"`
	ReconcileIntervalSec       int `yaml:"reconcile_interval_sec" validate:"required,min=1,max=3600"`
}

// ConcurrencyConfig contains worker pool settings.
type ConcurrencyConfig struct {
	AggregatorPoolSize   int `yaml:"aggregator_pool_size" validate:"min=1,max=100"`
	AggregatorPoolBuffer int `yaml:"aggregator_pool_buffer" validate:"min=1,max=10000"`
	AnalyzerPoolSize     int `yaml:"analyzer_pool_size" validate:"min=1,max=100"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ProxyPoolConfig lists egress proxies a bot may be routed through.
type ProxyPoolConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Addresses []string `yaml:"addresses"`
}

// GeoConfig controls the geo-compliance gate.
type GeoConfig struct {
	BypassEnabled    bool     `yaml:"bypass_enabled"`
	ProhibitedRegions []string `yaml:"prohibited_regions"`
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment
// variable expansion.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateAppConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateStoreConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateAnalyzerConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateTimingConfig(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateAppConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.App.LogLevel)) {
		return ValidationError{Field: "app.log_level", Value: c.App.LogLevel, Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", "))}
	}
	if c.App.MasterKey == "" {
		return ValidationError{Field: "app.master_key", Message: "master key is required to decrypt exchange credentials"}
	}
	return nil
}

func (c *Config) validateStoreConfig() error {
	if c.Store.DSN == "" {
		return ValidationError{Field: "store.dsn", Message: "store DSN is required"}
	}
	if c.Store.Driver != "sqlite3" {
		return ValidationError{Field: "store.driver", Value: c.Store.Driver, Message: "only sqlite3 is supported"}
	}
	return nil
}

func (c *Config) validateAnalyzerConfig() error {
	if !c.Analyzer.Enabled {
		return nil
	}
	if len(c.Analyzer.MonitorSymbols) == 0 {
		return ValidationError{Field: "analyzer.monitor_symbols", Message: "at least one monitor symbol required when the analyzer is enabled"}
	}
	return nil
}

func (c *Config) validateTimingConfig() error {
	if c.Timing.MarketStreamDeadlineSec == 0 {
		return ValidationError{Field: "timing.market_stream_deadline_sec", Message: "must be set"}
	}
	if c.Timing.UserStreamDeadlineSec == 0 {
		return ValidationError{Field: "timing.user_stream_deadline_sec", Message: "must be set"}
	}
	return nil
}

// String returns a string representation of the configuration with
// sensitive data redacted via Secret's MarshalYAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(*c)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		value := os.Getenv(key)
		if value == "" && isCriticalEnvVar(key) {
			return ""
		}
		return value
	})
}

// isCriticalEnvVar checks if an environment variable is critical for operation.
func isCriticalEnvVar(key string) bool {
	criticalVars := []string{"GRIDENGINE_MASTER_KEY", "GRIDENGINE_STORE_DSN"}
	return contains(criticalVars, key)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns a default configuration for testing.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			LogLevel:       "INFO",
			MasterKey:      "test_master_key_0123456789abcdef",
			DefaultTestnet: true,
		},
		Store: StoreConfig{
			Driver: "sqlite3",
			DSN:    "gridengine.db",
		},
		EventBus: EventBusConfig{
			KillSwitchTopic:  "global:kill_switch",
			TradeEventsTopic: "user:trade_events",
		},
		Analyzer: AnalyzerConfig{
			Enabled:           true,
			MonitorSymbols:    []string{"BTCUSDT", "ETHUSDT"},
			CandleInterval:    "5m",
			ConfirmationCount: 3,
			CoolingCandles:    5,
		},
		Timing: TimingConfig{
			WebsocketReconnectDelaySec: 5,
			MarketStreamDeadlineSec:    10,
			UserStreamDeadlineSec:      180,
			ListenKeyKeepaliveSec:      1800,
			ReconcileIntervalSec:       60,
		},
		Concurrency: ConcurrencyConfig{
			AggregatorPoolSize:   10,
			AggregatorPoolBuffer: 100,
			AnalyzerPoolSize:     5,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9464,
			EnableMetrics: true,
		},
		Geo: GeoConfig{
			ProhibitedRegions: []string{},
		},
	}
}
