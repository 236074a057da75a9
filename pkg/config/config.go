// Package config loads application configuration from YAML and
// environment variables via viper.
package config

import "time"

type Config struct {
	App            AppConfig            `mapstructure:"app"`
	HTTP           HTTPConfig           `mapstructure:"http"`
	OCPP           OCPPConfig           `mapstructure:"ocpp"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Queue          QueueConfig          `mapstructure:"queue"`
	JWT            JWTConfig            `mapstructure:"jwt"`
	OIDC           OIDCConfig           `mapstructure:"oidc"`
	Tenancy        TenancyConfig        `mapstructure:"tenancy"`
	Sessions       SessionsConfig       `mapstructure:"sessions"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Prometheus     PrometheusConfig     `mapstructure:"prometheus"`
	OpenTelemetry  OpenTelemetryConfig  `mapstructure:"opentelemetry"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	CORS           CORSConfig           `mapstructure:"cors"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// OCPPConfig tunes the station-facing websocket gateway.
type OCPPConfig struct {
	Port              int           `mapstructure:"port"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// OfflineAfter marks a station disconnected when no message arrived
	// for this long; the reaper closes the socket.
	OfflineAfter time.Duration `mapstructure:"offline_after"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
	TLS          TLSConfig     `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertPath string `mapstructure:"cert_path"`
	KeyPath  string `mapstructure:"key_path"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	// URL empty means the in-memory cache is used instead.
	URL string `mapstructure:"url"`
}

// QueueConfig selects the event bus backend: nats, rabbitmq or none.
type QueueConfig struct {
	Backend     string `mapstructure:"backend"`
	NATSURL     string `mapstructure:"nats_url"`
	RabbitMQURL string `mapstructure:"rabbitmq_url"`
}

type JWTConfig struct {
	Secret               string        `mapstructure:"secret"`
	AccessTokenDuration  time.Duration `mapstructure:"access_token_duration"`
	RefreshTokenDuration time.Duration `mapstructure:"refresh_token_duration"`
}

// OIDCConfig registers social-login providers. A provider with an empty
// client id is disabled.
type OIDCConfig struct {
	Providers map[string]OIDCProviderConfig `mapstructure:"providers"`
}

type OIDCProviderConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURL  string `mapstructure:"redirect_url"`
}

type TenancyConfig struct {
	// DefaultTenant serves single-tenant deployments; empty forces
	// explicit tenant identification on every request.
	DefaultTenant string `mapstructure:"default_tenant"`
	// DomainStrategy enables subdomain and custom-domain resolution.
	DomainStrategy bool `mapstructure:"domain_strategy"`
}

type SessionsConfig struct {
	// StaleAfter is how long a session may go without an update before
	// the reaper fails it.
	StaleAfter   time.Duration `mapstructure:"stale_after"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
	// ReservationSweepInterval drives expired-reservation release.
	ReservationSweepInterval time.Duration `mapstructure:"reservation_sweep_interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type PrometheusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type OpenTelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

type CircuitBreakerConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
	ExposeHeaders  []string `mapstructure:"expose_headers"`
	MaxAge         int      `mapstructure:"max_age"`
	Credentials    bool     `mapstructure:"credentials"`
}
