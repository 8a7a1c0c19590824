package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Lease        LeaseConfig        `mapstructure:"lease"`
	Requeue      RequeueConfig      `mapstructure:"requeue"`
	Expiration   ExpirationConfig   `mapstructure:"expiration"`
	Crash        CrashConfig        `mapstructure:"crash"`
	Heartbeat    HeartbeatConfig    `mapstructure:"heartbeat"`
	Partition    PartitionConfig    `mapstructure:"partition"`
	Buffer       BufferConfig       `mapstructure:"buffer"`
	ControlPlane ControlPlaneConfig `mapstructure:"control_plane"`
	Events       EventsConfig       `mapstructure:"events"`
	Security     SecurityConfig     `mapstructure:"security"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Audit        AuditConfig        `mapstructure:"audit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Host            string        `mapstructure:"host"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	// Backend is postgres, or memory for a single process without durable
	// lease state
	Backend         string        `mapstructure:"backend"`
	URL             string        `mapstructure:"url"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Format  string `mapstructure:"format"`
	NoColor bool   `mapstructure:"no_color"`
}

// LeaseConfig holds lease issuance and validation tuning
type LeaseConfig struct {
	TokenSecret    string        `mapstructure:"token_secret"`
	TokenIssuer    string        `mapstructure:"token_issuer"`
	GracePeriod    time.Duration `mapstructure:"grace_period"`
	DurationLow    time.Duration `mapstructure:"duration_low"`
	DurationMedium time.Duration `mapstructure:"duration_medium"`
	DurationHigh   time.Duration `mapstructure:"duration_high"`
}

// RequeueConfig holds retry and backoff tuning
type RequeueConfig struct {
	BaseBackoff       time.Duration `mapstructure:"base_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	DefaultMaxRetries int           `mapstructure:"default_max_retries"`
}

// ExpirationConfig holds expiration monitor tuning
type ExpirationConfig struct {
	ScanInterval   time.Duration `mapstructure:"scan_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	UpcomingWindow time.Duration `mapstructure:"upcoming_window"`
}

// CrashConfig holds crash detector tuning
type CrashConfig struct {
	Threshold     time.Duration `mapstructure:"threshold"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// HeartbeatConfig selects where peer heartbeats are tracked
type HeartbeatConfig struct {
	Backend       string `mapstructure:"backend"` // memory or redis
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	KeyPrefix     string `mapstructure:"key_prefix"`
}

// PartitionConfig holds control plane probing tuning
type PartitionConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
}

// BufferConfig holds result buffer configuration
type BufferConfig struct {
	Path             string        `mapstructure:"path"`
	Capacity         int           `mapstructure:"capacity"`
	MaxRetryAttempts int           `mapstructure:"max_retry_attempts"`
	FlushInterval    time.Duration `mapstructure:"flush_interval"`
	FlushBatchSize   int           `mapstructure:"flush_batch_size"`
}

// ControlPlaneConfig holds the control plane client configuration
type ControlPlaneConfig struct {
	URL               string        `mapstructure:"url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

// EventsConfig selects the event sink
type EventsConfig struct {
	Backend       string `mapstructure:"backend"` // nats, log or none
	NATSURL       string `mapstructure:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// SecurityConfig holds API authentication settings
type SecurityConfig struct {
	InternalAPIKey string `mapstructure:"internal_api_key"`
	// PeerKeys maps peer ids to base64 Ed25519 public keys. Empty disables
	// peer signature checks.
	PeerKeys     map[string]string `mapstructure:"peer_keys"`
	MaxClockSkew time.Duration     `mapstructure:"max_clock_skew"`
}

// RateLimitConfig holds inbound rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

// AuditConfig holds audit retention configuration
type AuditConfig struct {
	RetentionDays   int           `mapstructure:"retention_days"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
}

// Load loads the configuration from file, .env, and environment variables
// and validates it
func Load(configPath string) (*Config, error) {
	cfg, err := Read(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read loads the configuration like Load without validating it, for tools
// that use only part of it
func Read(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := loadEnvFile(); err != nil {
		// .env is optional
		log.Debug().Err(err).Msg(".env file not loaded")
	}

	v.SetEnvPrefix("SWARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects configurations the services cannot run with
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Backend {
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, fmt.Errorf("database.url is required for the postgres backend"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("database.backend must be postgres or memory, got %q", c.Database.Backend))
	}
	if c.Lease.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("lease.grace_period must not be negative"))
	}
	if c.Lease.DurationLow <= 0 || c.Lease.DurationMedium <= 0 || c.Lease.DurationHigh <= 0 {
		errs = append(errs, fmt.Errorf("lease durations must be positive"))
	}
	if c.Requeue.BaseBackoff <= 0 || c.Requeue.MaxBackoff < c.Requeue.BaseBackoff {
		errs = append(errs, fmt.Errorf("requeue.base_backoff must be positive and not exceed requeue.max_backoff"))
	}
	if c.Crash.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("crash.threshold must be positive"))
	}
	if c.Buffer.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("buffer.capacity must be positive"))
	}
	switch c.Heartbeat.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("heartbeat.backend must be memory or redis, got %q", c.Heartbeat.Backend))
	}
	switch c.Events.Backend {
	case "nats", "log", "none":
	default:
		errs = append(errs, fmt.Errorf("events.backend must be nats, log or none, got %q", c.Events.Backend))
	}
	return errors.Join(errs...)
}

// loadEnvFile loads the first .env file found into the process environment
func loadEnvFile() error {
	for _, path := range []string{".", "./config"} {
		envFile := fmt.Sprintf("%s/.env", path)
		if _, err := os.Stat(envFile); err == nil {
			return loadDotEnvFile(envFile)
		}
	}
	return fmt.Errorf("no .env file found")
}

// loadDotEnvFile reads KEY=VALUE lines. Variables already set win.
func loadDotEnvFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), "\"'")
		if _, set := os.LookupEnv(key); !set {
			os.Setenv(key, value)
		}
	}
	return scanner.Err()
}

// bindEnvVars binds the conventional unprefixed variables
func bindEnvVars(v *viper.Viper) {
	v.BindEnv("database.url", "DATABASE_URL")
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.host", "HOST")
	v.BindEnv("logging.level", "LOG_LEVEL")
	v.BindEnv("lease.token_secret", "LEASE_TOKEN_SECRET")
	v.BindEnv("control_plane.url", "CONTROL_PLANE_URL")
	v.BindEnv("events.nats_url", "NATS_URL")
	v.BindEnv("heartbeat.redis_addr", "REDIS_ADDR")
	v.BindEnv("buffer.path", "BUFFER_PATH")
	v.BindEnv("security.internal_api_key", "INTERNAL_API_KEY")
	v.BindEnv("telemetry.otlp_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.backend", "postgres")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 2)
	v.SetDefault("database.max_conn_lifetime", 1*time.Hour)
	v.SetDefault("database.max_conn_idle_time", 30*time.Minute)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.no_color", false)

	v.SetDefault("lease.token_issuer", "swarm-lease-coordinator")
	v.SetDefault("lease.grace_period", 2*time.Second)
	v.SetDefault("lease.duration_low", 5*time.Minute)
	v.SetDefault("lease.duration_medium", 10*time.Minute)
	v.SetDefault("lease.duration_high", 15*time.Minute)

	v.SetDefault("requeue.base_backoff", 30*time.Second)
	v.SetDefault("requeue.max_backoff", 3600*time.Second)
	v.SetDefault("requeue.default_max_retries", 3)

	v.SetDefault("expiration.scan_interval", 10*time.Second)
	v.SetDefault("expiration.batch_size", 500)
	v.SetDefault("expiration.upcoming_window", 60*time.Second)

	v.SetDefault("crash.threshold", 60*time.Second)
	v.SetDefault("crash.check_interval", 10*time.Second)

	v.SetDefault("heartbeat.backend", "memory")
	v.SetDefault("heartbeat.redis_addr", "localhost:6379")
	v.SetDefault("heartbeat.key_prefix", "swarm:heartbeat")

	v.SetDefault("partition.probe_interval", 5*time.Second)
	v.SetDefault("partition.probe_timeout", 3*time.Second)

	v.SetDefault("buffer.path", "./data/result-buffer.db")
	v.SetDefault("buffer.capacity", 10000)
	v.SetDefault("buffer.max_retry_attempts", 5)
	v.SetDefault("buffer.flush_interval", 30*time.Second)
	v.SetDefault("buffer.flush_batch_size", 200)

	v.SetDefault("control_plane.timeout", 10*time.Second)
	v.SetDefault("control_plane.max_retries", 3)
	v.SetDefault("control_plane.initial_backoff", 200*time.Millisecond)
	v.SetDefault("control_plane.max_backoff", 5*time.Second)
	v.SetDefault("control_plane.requests_per_second", 50.0)

	v.SetDefault("events.backend", "log")
	v.SetDefault("events.nats_url", "nats://localhost:4222")
	v.SetDefault("events.subject_prefix", "swarm")

	v.SetDefault("security.max_clock_skew", 30*time.Second)

	v.SetDefault("rate_limit.requests_per_second", 200.0)
	v.SetDefault("rate_limit.burst", 400)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "swarm-lease-coordinator")

	v.SetDefault("audit.retention_days", 30)
	v.SetDefault("audit.cleanup_interval", 24*time.Hour)
	v.SetDefault("audit.batch_size", 1000)
}

// Address returns host:port for the HTTP listener
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DurationFor returns the lease duration for a complexity tier name
func (l LeaseConfig) DurationFor(complexity string) time.Duration {
	switch complexity {
	case "LOW":
		return l.DurationLow
	case "HIGH":
		return l.DurationHigh
	default:
		return l.DurationMedium
	}
}
