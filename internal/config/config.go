// Package config loads service configuration from a YAML file and
// TOKENKEEPER_* environment variables.
package config

import (
	stderrors "errors"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/carlossalguero/tokenkeeper/internal/oauth"
	"github.com/carlossalguero/tokenkeeper/internal/provider"
	"github.com/carlossalguero/tokenkeeper/internal/refresher"
	"github.com/carlossalguero/tokenkeeper/internal/shared/cache"
	"github.com/carlossalguero/tokenkeeper/internal/shared/consul"
	"github.com/carlossalguero/tokenkeeper/internal/shared/errors"
	"github.com/carlossalguero/tokenkeeper/internal/shared/events"
	"github.com/carlossalguero/tokenkeeper/internal/shared/logger"
	"github.com/carlossalguero/tokenkeeper/internal/shared/metrics"
	"github.com/carlossalguero/tokenkeeper/internal/shared/tls"
	"github.com/carlossalguero/tokenkeeper/internal/shared/tracing"
	"github.com/carlossalguero/tokenkeeper/internal/token/postgres"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TOKENKEEPER"

// Config is the complete service configuration.
type Config struct {
	Environment string `mapstructure:"environment"`

	HTTP struct {
		Host              string        `mapstructure:"host"`
		Port              int           `mapstructure:"port"`
		ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
		ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
		TLS               tls.Config    `mapstructure:"tls"`
	} `mapstructure:"http"`

	// SiteURL and CallbackPath build redirect URIs for providers
	// without an explicit redirect_url.
	SiteURL      string `mapstructure:"site_url"`
	CallbackPath string `mapstructure:"callback_path"`

	OAuth oauth.Config `mapstructure:"oauth"`
	// ProviderTLS applies to every call to a provider endpoint.
	ProviderTLS tls.Config `mapstructure:"provider_tls"`

	Store struct {
		Driver string `mapstructure:"driver"`
	} `mapstructure:"store"`

	Database postgres.Config  `mapstructure:"database"`
	Redis    cache.Config     `mapstructure:"redis"`
	NATS     events.Config    `mapstructure:"nats"`
	Consul   consul.Config    `mapstructure:"consul"`
	Refresh  refresher.Config `mapstructure:"refresh"`
	Log      logger.Config    `mapstructure:"log"`
	Tracing  tracing.Config   `mapstructure:"tracing"`
	Metrics  metrics.Config   `mapstructure:"metrics"`

	Providers map[string]provider.Config `mapstructure:"providers"`
}

// Load reads configuration. An empty path searches tokenkeeper.yaml in
// ".", "./configs" and "/etc/tokenkeeper"; a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tokenkeeper")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/tokenkeeper")
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !stderrors.As(err, &notFound) {
			return nil, errors.Wrap(errors.CodeConfiguration, "reading config file", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(errors.CodeConfiguration, "decoding config", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverRedis:
	case DriverPostgres:
		if c.Database.URL == "" {
			return errors.Configuration("database.url is required for the postgres store")
		}
	default:
		return errors.Configuration("unknown store driver " + c.Store.Driver)
	}

	if c.HTTP.Port <= 0 {
		return errors.Configuration("http.port must be positive")
	}
	if (c.HTTP.TLS.CertFile == "") != (c.HTTP.TLS.KeyFile == "") {
		return errors.Configuration("http.tls needs both cert_file and key_file")
	}
	if c.Refresh.Enabled && c.Refresh.Schedule == "" {
		return errors.Configuration("refresh.schedule is required when refresh is enabled")
	}
	if c.Consul.Enabled && c.Consul.Address == "" {
		return errors.Configuration("consul.address is required when consul is enabled")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_header_timeout", "10s")
	v.SetDefault("http.shutdown_timeout", "30s")
	v.SetDefault("http.tls.cert_file", "")
	v.SetDefault("http.tls.key_file", "")
	v.SetDefault("http.tls.ca_file", "")
	v.SetDefault("http.tls.min_version", "1.2")

	v.SetDefault("provider_tls.ca_file", "")
	v.SetDefault("provider_tls.cert_file", "")
	v.SetDefault("provider_tls.key_file", "")
	v.SetDefault("provider_tls.min_version", "1.2")
	v.SetDefault("provider_tls.insecure_skip_verify", false)

	v.SetDefault("site_url", "")
	v.SetDefault("callback_path", oauth.DefaultCallbackPath)

	o := oauth.DefaultConfig()
	v.SetDefault("oauth.timeout", o.Timeout)
	v.SetDefault("oauth.rate_limit", o.RateLimit)
	v.SetDefault("oauth.burst", o.Burst)
	v.SetDefault("oauth.breaker.enabled", o.Breaker.Enabled)
	v.SetDefault("oauth.breaker.failure_threshold", o.Breaker.FailureThreshold)
	v.SetDefault("oauth.breaker.success_threshold", o.Breaker.SuccessThreshold)
	v.SetDefault("oauth.breaker.timeout", o.Breaker.Timeout)
	v.SetDefault("oauth.breaker.max_half_open_requests", o.Breaker.MaxHalfOpenRequests)

	v.SetDefault("store.driver", DriverMemory)

	db := postgres.DefaultConfig()
	v.SetDefault("database.url", db.URL)
	v.SetDefault("database.max_conns", db.MaxConns)
	v.SetDefault("database.min_conns", db.MinConns)
	v.SetDefault("database.max_conn_lifetime", db.MaxConnLifetime)
	v.SetDefault("database.max_conn_idle_time", db.MaxConnIdleTime)
	v.SetDefault("database.migrate", db.Migrate)

	rd := cache.DefaultConfig()
	v.SetDefault("redis.address", rd.Address)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", rd.PoolSize)
	v.SetDefault("redis.min_idle_conns", rd.MinIdleConns)
	v.SetDefault("redis.dial_timeout", rd.DialTimeout)
	v.SetDefault("redis.read_timeout", rd.ReadTimeout)
	v.SetDefault("redis.write_timeout", rd.WriteTimeout)
	v.SetDefault("redis.max_retries", rd.MaxRetries)
	v.SetDefault("redis.key_prefix", rd.KeyPrefix)

	n := events.DefaultConfig()
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", n.URL)
	v.SetDefault("nats.name", n.Name)
	v.SetDefault("nats.max_reconnects", n.MaxReconnects)
	v.SetDefault("nats.reconnect_wait", n.ReconnectWait)
	v.SetDefault("nats.timeout", n.Timeout)
	v.SetDefault("nats.drain_timeout", n.DrainTimeout)
	v.SetDefault("nats.enable_jetstream", false)
	v.SetDefault("nats.stream", n.Stream)

	c := consul.DefaultConfig()
	v.SetDefault("consul.enabled", false)
	v.SetDefault("consul.address", c.Address)
	v.SetDefault("consul.token", "")
	v.SetDefault("consul.datacenter", "")
	v.SetDefault("consul.key_prefix", c.KeyPrefix)
	v.SetDefault("consul.providers_key", c.ProvidersKey)
	v.SetDefault("consul.watch", true)
	v.SetDefault("consul.wait_time", c.WaitTime)

	r := refresher.DefaultConfig()
	v.SetDefault("refresh.enabled", r.Enabled)
	v.SetDefault("refresh.schedule", r.Schedule)
	v.SetDefault("refresh.lookahead", r.Lookahead)
	v.SetDefault("refresh.batch_size", r.BatchSize)
	v.SetDefault("refresh.lock_ttl", r.LockTTL)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.service_name", "tokenkeeper")
	v.SetDefault("log.environment", "development")

	t := tracing.DefaultConfig()
	v.SetDefault("tracing.enabled", t.Enabled)
	v.SetDefault("tracing.service_name", t.ServiceName)
	v.SetDefault("tracing.service_version", t.ServiceVersion)
	v.SetDefault("tracing.environment", t.Environment)
	v.SetDefault("tracing.endpoint", t.Endpoint)
	v.SetDefault("tracing.insecure", t.Insecure)
	v.SetDefault("tracing.sample_rate", t.SampleRate)

	v.SetDefault("metrics.service_name", "tokenkeeper")
	v.SetDefault("metrics.namespace", "tokenkeeper")
}
