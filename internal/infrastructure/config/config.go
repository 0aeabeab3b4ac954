package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Provider names known to the gateway.
const (
	ProviderOrangeMoney = "orange-money"
	ProviderMTNMoMo     = "mtn-momo"
	ProviderCards       = "cards"
)

type Config struct {
	Server        ServerConfig              `mapstructure:"server"`
	Database      DatabaseConfig            `mapstructure:"database"`
	Redis         RedisConfig               `mapstructure:"redis"`
	Payment       PaymentConfig             `mapstructure:"payment"`
	Providers     map[string]ProviderConfig `mapstructure:"providers"`
	Webhooks      WebhooksConfig            `mapstructure:"webhooks"`
	API           APIConfig                 `mapstructure:"api"`
	Worker        WorkerConfig              `mapstructure:"worker"`
	Observability ObservabilityConfig       `mapstructure:"observability"`
	Logging       LoggingConfig             `mapstructure:"logging"`
	Notifications NotificationsConfig       `mapstructure:"notifications"`
	InstanceID    string                    `mapstructure:"instance_id"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	SSLMode         string        `mapstructure:"ssl_mode"`
}

type RedisConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	DB                int           `mapstructure:"db"`
	Password          string        `mapstructure:"password"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

type PaymentConfig struct {
	DefaultProvider   string               `mapstructure:"default_provider"`
	Timeout           time.Duration        `mapstructure:"timeout"`
	ReferenceAttempts int                  `mapstructure:"reference_attempts"`
	IdempotencyTTL    time.Duration        `mapstructure:"idempotency_ttl"`
	CircuitBreaker    CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	MaxRequests  uint32        `mapstructure:"max_requests"`
	MinRequests  uint32        `mapstructure:"min_requests"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type ProviderConfig struct {
	Enabled       bool            `mapstructure:"enabled"`
	Sandbox       bool            `mapstructure:"sandbox"`
	APIURL        string          `mapstructure:"api_url"`
	APIKey        string          `mapstructure:"api_key"`
	APISecret     string          `mapstructure:"api_secret"`
	WebhookSecret string          `mapstructure:"webhook_secret"`
	Timeout       time.Duration   `mapstructure:"timeout"`
	Currencies    []string        `mapstructure:"currencies"`
	MinAmount     int64           `mapstructure:"min_amount"`
	MaxAmount     int64           `mapstructure:"max_amount"`
	Simulator     SimulatorConfig `mapstructure:"simulator"`
}

// SimulatorConfig tunes the in-process provider used when sandbox is on and no api_url is set.
type SimulatorConfig struct {
	Latency      time.Duration `mapstructure:"latency"`
	FailureRate  float64       `mapstructure:"failure_rate"`
	TimeoutRate  float64       `mapstructure:"timeout_rate"`
	SettleAfter  time.Duration `mapstructure:"settle_after"`
	SettleStatus string        `mapstructure:"settle_status"`
}

type WebhooksConfig struct {
	VerifySignatures bool            `mapstructure:"verify_signatures"`
	MaxRetryAttempts int             `mapstructure:"max_retry_attempts"`
	RetryDelay       time.Duration   `mapstructure:"retry_delay"`
	RetrySchedule    []time.Duration `mapstructure:"retry_schedule"`
	IgnoredEvents    []string        `mapstructure:"ignored_events"`
	Tolerance        time.Duration   `mapstructure:"tolerance"`
	RateLimit        int             `mapstructure:"rate_limit"`
	RetentionDays    int             `mapstructure:"retention_days"`
}

type APIConfig struct {
	RateLimit       int           `mapstructure:"rate_limit"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	KeyPepper       string        `mapstructure:"key_pepper"`
}

type WorkerConfig struct {
	BatchSize          int64         `mapstructure:"batch_size"`
	BlockDuration      time.Duration `mapstructure:"block_duration"`
	OutboxPollInterval time.Duration `mapstructure:"outbox_poll_interval"`
	RetryInterval      time.Duration `mapstructure:"retry_interval"`
	ExpiryInterval     time.Duration `mapstructure:"expiry_interval"`
	SyncInterval       time.Duration `mapstructure:"sync_interval"`
	ConsumerGroup      string        `mapstructure:"consumer_group"`
	LockTTL            time.Duration `mapstructure:"lock_ttl"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
	EnableMetrics  bool   `mapstructure:"enable_metrics"`
	EnableTracing  bool   `mapstructure:"enable_tracing"`
}

type LoggingConfig struct {
	SensitiveFields []string `mapstructure:"sensitive_fields"`
}

type NotificationsConfig struct {
	SigningSecret string        `mapstructure:"signing_secret"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
}

func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// PAYGATE_PROVIDERS_ORANGE_MONEY_API_KEY -> providers.orange-money.api_key
	v.SetEnvPrefix("PAYGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/paygate")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// IsProduction reads ENV the same way Validate does.
func IsProduction() bool {
	env := os.Getenv("ENV")
	return env == "production" || env == "prod"
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.read_timeout must be positive"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.write_timeout must be positive"))
	}
	if c.Database.Host == "" {
		errs = append(errs, fmt.Errorf("database.host is required"))
	}
	if c.Database.Port <= 0 {
		errs = append(errs, fmt.Errorf("database.port must be positive"))
	}
	if c.Redis.Port <= 0 {
		errs = append(errs, fmt.Errorf("redis.port must be positive"))
	}
	switch strings.ToLower(c.Observability.LogFormat) {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("observability.log_format must be json or console, got %q", c.Observability.LogFormat))
	}
	if c.Payment.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("payment.timeout must be positive"))
	}
	if c.Payment.ReferenceAttempts <= 0 {
		errs = append(errs, fmt.Errorf("payment.reference_attempts must be positive"))
	}
	if c.Payment.DefaultProvider != "" {
		if p, ok := c.Providers[c.Payment.DefaultProvider]; !ok || !p.Enabled {
			errs = append(errs, fmt.Errorf("payment.default_provider %q is not an enabled provider", c.Payment.DefaultProvider))
		}
	}
	if c.Webhooks.MaxRetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("webhooks.max_retry_attempts must be positive"))
	}
	if c.Webhooks.RetryDelay <= 0 && len(c.Webhooks.RetrySchedule) == 0 {
		errs = append(errs, fmt.Errorf("webhooks.retry_delay or webhooks.retry_schedule is required"))
	}
	for i := 1; i < len(c.Webhooks.RetrySchedule); i++ {
		if c.Webhooks.RetrySchedule[i] < c.Webhooks.RetrySchedule[i-1] {
			errs = append(errs, fmt.Errorf("webhooks.retry_schedule must be non-decreasing"))
			break
		}
	}
	if c.API.RateLimit <= 0 || c.API.RateLimitWindow <= 0 {
		errs = append(errs, fmt.Errorf("api.rate_limit and api.rate_limit_window must be positive"))
	}
	if c.Worker.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("worker.batch_size must be positive"))
	}
	if c.Worker.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("worker.lock_ttl must be positive"))
	}

	for _, name := range c.EnabledProviders() {
		p := c.Providers[name]
		if p.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("providers.%s.timeout must be positive", name))
		}
		if p.MaxAmount > 0 && p.MinAmount > p.MaxAmount {
			errs = append(errs, fmt.Errorf("providers.%s.min_amount exceeds max_amount", name))
		}
		if !p.Sandbox && p.APIURL == "" {
			errs = append(errs, fmt.Errorf("providers.%s.api_url is required outside sandbox", name))
		}
	}

	if IsProduction() {
		if c.Database.Password == "" {
			errs = append(errs, fmt.Errorf("database.password required in production"))
		}
		if c.API.KeyPepper == "" {
			errs = append(errs, fmt.Errorf("api.key_pepper required in production"))
		}
		if !c.Webhooks.VerifySignatures {
			errs = append(errs, fmt.Errorf("webhooks.verify_signatures cannot be disabled in production"))
		}
		for _, name := range c.EnabledProviders() {
			if c.Providers[name].WebhookSecret == "" {
				errs = append(errs, fmt.Errorf("providers.%s.webhook_secret required in production", name))
			}
		}
	}

	return errors.Join(errs...)
}

// EnabledProviders returns enabled provider names in a stable order.
func (c *Config) EnabledProviders() []string {
	names := make([]string, 0, len(c.Providers))
	for name, p := range c.Providers {
		if p.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.cors.allowed_origins", []string{"*"})
	v.SetDefault("server.cors.allow_credentials", false)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "paygate")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "paygate")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.ssl_mode", "disable")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.connect_retries", 5)
	v.SetDefault("redis.connect_retry_delay", "1s")

	// Payment defaults
	v.SetDefault("payment.default_provider", ProviderOrangeMoney)
	v.SetDefault("payment.timeout", "30m")
	v.SetDefault("payment.reference_attempts", 5)
	v.SetDefault("payment.idempotency_ttl", "24h")
	v.SetDefault("payment.circuit_breaker.max_requests", 10)
	v.SetDefault("payment.circuit_breaker.min_requests", 10)
	v.SetDefault("payment.circuit_breaker.failure_ratio", 0.6)
	v.SetDefault("payment.circuit_breaker.interval", "60s")
	v.SetDefault("payment.circuit_breaker.timeout", "30s")

	// Provider defaults; every key must be known to viper for env overrides to apply.
	providerDefaults := map[string][]string{
		ProviderOrangeMoney: {"XOF", "XAF"},
		ProviderMTNMoMo:     {"XOF", "XAF"},
		ProviderCards:       {"XAF", "XOF", "EUR", "USD"},
	}
	for name, currencies := range providerDefaults {
		prefix := "providers." + name + "."
		v.SetDefault(prefix+"enabled", true)
		v.SetDefault(prefix+"sandbox", true)
		v.SetDefault(prefix+"api_url", "")
		v.SetDefault(prefix+"api_key", "")
		v.SetDefault(prefix+"api_secret", "")
		v.SetDefault(prefix+"webhook_secret", "")
		v.SetDefault(prefix+"timeout", "30s")
		v.SetDefault(prefix+"currencies", currencies)
		v.SetDefault(prefix+"min_amount", 100)
		v.SetDefault(prefix+"max_amount", 100000000)
		v.SetDefault(prefix+"simulator.latency", "100ms")
		v.SetDefault(prefix+"simulator.failure_rate", 0.0)
		v.SetDefault(prefix+"simulator.timeout_rate", 0.0)
		v.SetDefault(prefix+"simulator.settle_after", "0s")
		v.SetDefault(prefix+"simulator.settle_status", "SUCCESS")
	}

	// Webhook defaults
	v.SetDefault("webhooks.verify_signatures", true)
	v.SetDefault("webhooks.max_retry_attempts", 5)
	v.SetDefault("webhooks.retry_delay", "5m")
	v.SetDefault("webhooks.retry_schedule", []time.Duration{})
	v.SetDefault("webhooks.ignored_events", []string{})
	v.SetDefault("webhooks.tolerance", "5m")
	v.SetDefault("webhooks.rate_limit", 300)
	v.SetDefault("webhooks.retention_days", 90)

	// API defaults
	v.SetDefault("api.rate_limit", 1000)
	v.SetDefault("api.rate_limit_window", "1h")
	v.SetDefault("api.key_pepper", "")

	// Worker defaults
	v.SetDefault("worker.batch_size", 50)
	v.SetDefault("worker.block_duration", "1s")
	v.SetDefault("worker.outbox_poll_interval", "2s")
	v.SetDefault("worker.retry_interval", "1m")
	v.SetDefault("worker.expiry_interval", "1m")
	v.SetDefault("worker.sync_interval", "5m")
	v.SetDefault("worker.consumer_group", "paygate-notifiers")
	v.SetDefault("worker.lock_ttl", "30s")

	// Observability defaults
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "json")
	v.SetDefault("observability.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.enable_tracing", false)

	v.SetDefault("logging.sensitive_fields", []string{"api_key", "secret", "token", "password", "pin"})

	v.SetDefault("notifications.signing_secret", "")
	v.SetDefault("notifications.timeout", "10s")
	v.SetDefault("notifications.max_attempts", 5)

	v.SetDefault("instance_id", "paygate-1")
}

func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// DatabaseURL is the URL form golang-migrate expects.
func (c *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
