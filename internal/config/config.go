package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oriys/kvcache/internal/connector"
	"github.com/oriys/kvcache/internal/store"
)

// StoreConfig holds backing store connection settings. URI and Database
// have no defaults; the connector reports them as missing.
type StoreConfig struct {
	Driver              string   `json:"driver" yaml:"driver"`
	URI                 string   `json:"uri" yaml:"uri"`
	Database            string   `json:"database" yaml:"database"`
	Collection          string   `json:"collection" yaml:"collection"`
	Strategy            string   `json:"strategy" yaml:"strategy"`
	ConnectTimeout      Duration `json:"connect_timeout" yaml:"connect_timeout"`
	CloseTimeout        Duration `json:"close_timeout" yaml:"close_timeout"`
	OperationTimeout    Duration `json:"operation_timeout" yaml:"operation_timeout"`
	HealthCheckInterval Duration `json:"health_check_interval" yaml:"health_check_interval"`
	ConnectRetries      int      `json:"connect_retries" yaml:"connect_retries"`
	EnsureIndex         bool     `json:"ensure_index" yaml:"ensure_index"`
}

// DaemonConfig holds daemon-specific settings
type DaemonConfig struct {
	HTTPAddr string `json:"http_addr" yaml:"http_addr"`
	// LogLevel overrides observability.logging.level when set.
	LogLevel        string   `json:"log_level" yaml:"log_level"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// HTTPConfig holds request handling limits
type HTTPConfig struct {
	MaxValueBytes int64 `json:"max_value_bytes" yaml:"max_value_bytes"`
	AccessLog     bool  `json:"access_log" yaml:"access_log"`
	// AccessLogFile additionally writes access log entries as JSON lines.
	AccessLogFile string `json:"access_log_file" yaml:"access_log_file"`
}

// GRPCConfig holds the optional gRPC health server settings
type GRPCConfig struct {
	HealthAddr string `json:"health_addr" yaml:"health_addr"`
}

// LoggingConfig holds operational logger settings
type LoggingConfig struct {
	Format string `json:"format" yaml:"format"` // text, json
	Level  string `json:"level" yaml:"level"`
}

// TracingConfig holds OpenTelemetry tracing settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Exporter    string  `json:"exporter" yaml:"exporter"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled          bool      `json:"enabled" yaml:"enabled"`
	Namespace        string    `json:"namespace" yaml:"namespace"`
	HistogramBuckets []float64 `json:"histogram_buckets" yaml:"histogram_buckets"`
}

// ObservabilityConfig groups logging, tracing and metrics
type ObservabilityConfig struct {
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// Config is the central configuration struct embedding all component configs
type Config struct {
	Store         StoreConfig         `json:"store" yaml:"store"`
	Daemon        DaemonConfig        `json:"daemon" yaml:"daemon"`
	HTTP          HTTPConfig          `json:"http" yaml:"http"`
	GRPC          GRPCConfig          `json:"grpc" yaml:"grpc"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Driver:              store.DriverMongo,
			Collection:          store.DefaultCollection,
			Strategy:            connector.StrategyPerRequest,
			ConnectTimeout:      Duration(5 * time.Second),
			CloseTimeout:        Duration(5 * time.Second),
			OperationTimeout:    Duration(10 * time.Second),
			HealthCheckInterval: Duration(10 * time.Second),
			ConnectRetries:      5,
			EnsureIndex:         true,
		},
		Daemon: DaemonConfig{
			HTTPAddr:        ":8080",
			ShutdownTimeout: Duration(15 * time.Second),
		},
		HTTP: HTTPConfig{
			MaxValueBytes: 16 << 20,
			AccessLog:     true,
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Format: "text",
				Level:  "info",
			},
			Tracing: TracingConfig{
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "kvcache",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "kvcache",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML (.yaml, .yml) or JSON file
// on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("KVCACHE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := firstEnv("KVCACHE_STORE_URI", "MONGO_URI"); v != "" {
		cfg.Store.URI = v
	}
	if v := firstEnv("KVCACHE_STORE_DB", "MONGO_DB"); v != "" {
		cfg.Store.Database = v
	}
	if v := os.Getenv("KVCACHE_STORE_COLLECTION"); v != "" {
		cfg.Store.Collection = v
	}
	if v := os.Getenv("KVCACHE_STORE_STRATEGY"); v != "" {
		cfg.Store.Strategy = v
	}
	if v := os.Getenv("KVCACHE_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("KVCACHE_GRPC_HEALTH_ADDR"); v != "" {
		cfg.GRPC.HealthAddr = v
	}
	if v := os.Getenv("KVCACHE_LOG_LEVEL"); v != "" {
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("KVCACHE_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
	if v := os.Getenv("KVCACHE_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Enabled = true
		cfg.Observability.Tracing.Endpoint = v
	}
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// Validate checks structural settings. Missing connection settings are
// left to the connector, which reports them as a ConfigError.
func (c *Config) Validate() error {
	if _, err := store.Open(c.Store.Driver); err != nil {
		return err
	}
	switch c.Store.Strategy {
	case connector.StrategyPerRequest, connector.StrategyPooled:
	default:
		return fmt.Errorf("unknown store strategy: %q", c.Store.Strategy)
	}
	if isBolt(c.Store.Driver) && c.Store.Strategy != connector.StrategyPooled {
		// bbolt holds an exclusive file lock per open handle.
		return fmt.Errorf("store driver %s requires the %s strategy", c.Store.Driver, connector.StrategyPooled)
	}
	if c.Store.ConnectTimeout <= 0 {
		return fmt.Errorf("store.connect_timeout must be positive")
	}
	if c.Store.CloseTimeout <= 0 {
		return fmt.Errorf("store.close_timeout must be positive")
	}
	if c.Store.OperationTimeout <= 0 {
		return fmt.Errorf("store.operation_timeout must be positive")
	}
	if c.Store.Strategy == connector.StrategyPooled && c.Store.HealthCheckInterval <= 0 {
		return fmt.Errorf("store.health_check_interval must be positive")
	}
	if c.HTTP.MaxValueBytes <= 0 {
		return fmt.Errorf("http.max_value_bytes must be positive")
	}
	if s := c.Observability.Tracing.SampleRate; s < 0 || s > 1 {
		return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
	}
	return nil
}

// ConnectorSettings returns the connector settings derived from the store
// section.
func (c *Config) ConnectorSettings() connector.Settings {
	return connector.Settings{
		URI:            c.Store.URI,
		Database:       c.Store.Database,
		Collection:     c.Store.Collection,
		ConnectTimeout: c.Store.ConnectTimeout.Std(),
		CloseTimeout:   c.Store.CloseTimeout.Std(),
	}
}

// LogLevel returns the effective operational log level.
func (c *Config) LogLevel() string {
	if c.Daemon.LogLevel != "" {
		return c.Daemon.LogLevel
	}
	return c.Observability.Logging.Level
}

func isBolt(driver string) bool {
	return driver == store.DriverBolt || driver == "bbolt"
}
