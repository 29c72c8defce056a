package domain

import (
	"fmt"
	"time"
)

// Config holds the complete service configuration.
type Config struct {
	// Server settings
	Server ServerConfig `mapstructure:"server" json:"server"`

	// Tier determines which backends are wired by default
	Tier Tier `mapstructure:"tier" json:"tier"`

	// Component configurations
	Repository RepositoryConfig `mapstructure:"repository" json:"repository"`
	Cache      CacheConfig      `mapstructure:"cache" json:"cache"`
	EventBus   EventBusConfig   `mapstructure:"eventbus" json:"eventBus"`

	// Scoring artifacts and enrichment
	Model     ModelConfig     `mapstructure:"model" json:"model"`
	GeoIP     GeoIPConfig     `mapstructure:"geoip" json:"geoip"`
	Refresher RefresherConfig `mapstructure:"refresher" json:"refresher"`
	Worker    WorkerConfig    `mapstructure:"worker" json:"worker"`

	// Observability
	Logging LoggingConfig `mapstructure:"logging" json:"logging"`
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `mapstructure:"host" json:"host"`
	Port         int    `mapstructure:"port" json:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout" json:"readTimeout"`   // seconds
	WriteTimeout int    `mapstructure:"write_timeout" json:"writeTimeout"` // seconds

	// APIKey guards every route except health and metrics when set.
	APIKey string `mapstructure:"api_key" json:"-"`
}

// ModelConfig points at the trained anomaly-scorer and encoder artifacts.
type ModelConfig struct {
	ForestPath  string `mapstructure:"forest_path" json:"forestPath"`
	EncoderPath string `mapstructure:"encoder_path" json:"encoderPath"`
}

// GeoIPConfig enables country resolution from network addresses.
type GeoIPConfig struct {
	// DatabasePath is a MaxMind City or Country database; empty disables lookup.
	DatabasePath string `mapstructure:"database_path" json:"databasePath"`
}

// RefresherConfig controls the batch profile refresher.
type RefresherConfig struct {
	Interval    time.Duration `mapstructure:"interval" json:"interval"`
	Concurrency int           `mapstructure:"concurrency" json:"concurrency"`
}

// WorkerConfig controls the asynchronous scoring worker.
type WorkerConfig struct {
	Enabled     bool `mapstructure:"enabled" json:"enabled"`
	WorkerCount int  `mapstructure:"worker_count" json:"workerCount"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" json:"enabled"`
	ServiceName string `mapstructure:"service_name" json:"serviceName"`

	// OTLPEndpoint is a gRPC collector address; empty keeps the no-op provider.
	OTLPEndpoint string `mapstructure:"otlp_endpoint" json:"otlpEndpoint"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, an in-process cache and Go channels.
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS.
	TierPro Tier = "pro"
)

// DefaultConfig returns the community tier configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./ueba.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			ProfileTTL:   5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Model: ModelConfig{
			ForestPath:  "./model/forest.json",
			EncoderPath: "./model/encoder.json",
		},
		Refresher: RefresherConfig{
			Interval:    time.Hour,
			Concurrency: 4,
		},
		Worker: WorkerConfig{
			WorkerCount: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "ueba",
		},
	}
}

// ProConfig returns a configuration for the pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "ueba",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		ProfileTTL:     5 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Worker.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: invalid server port %d", ErrConfiguration, c.Server.Port)
	}
	switch c.Repository.Driver {
	case "sqlite":
		if c.Repository.SQLitePath == "" {
			return fmt.Errorf("%w: sqlite path is required", ErrConfiguration)
		}
	case "postgres":
		if c.Repository.PostgresHost == "" {
			return fmt.Errorf("%w: postgres host is required", ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unsupported driver %q", ErrConfiguration, c.Repository.Driver)
	}
	if c.Model.ForestPath == "" || c.Model.EncoderPath == "" {
		return fmt.Errorf("%w: model artifact paths are required", ErrConfiguration)
	}
	if c.Refresher.Concurrency < 1 {
		return fmt.Errorf("%w: refresher concurrency must be at least 1", ErrConfiguration)
	}
	if c.Worker.Enabled && c.Worker.WorkerCount < 1 {
		return fmt.Errorf("%w: worker count must be at least 1", ErrConfiguration)
	}
	return nil
}
