package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")
	v.AddConfigPath("/app/configs")

	v.SetEnvPrefix("CSMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Common env vars without the CSMS_ prefix for container deploys.
	v.BindEnv("http.port", "HTTP_PORT", "CSMS_HTTP_PORT")
	v.BindEnv("ocpp.port", "OCPP_PORT", "CSMS_OCPP_PORT")
	v.BindEnv("database.url", "DATABASE_URL", "CSMS_DATABASE_URL")
	v.BindEnv("redis.url", "REDIS_URL", "CSMS_REDIS_URL")
	v.BindEnv("queue.nats_url", "NATS_URL", "CSMS_QUEUE_NATS_URL")
	v.BindEnv("queue.rabbitmq_url", "RABBITMQ_URL", "CSMS_QUEUE_RABBITMQ_URL")
	v.BindEnv("jwt.secret", "JWT_SECRET", "CSMS_JWT_SECRET")
	v.BindEnv("app.environment", "APP_ENVIRONMENT")
	v.BindEnv("logging.level", "LOG_LEVEL")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// No file: run on defaults and environment only.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.JWT.Secret == "" {
		return nil, fmt.Errorf("jwt.secret is required")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "csms")
	v.SetDefault("app.environment", "development")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.idle_timeout", time.Minute)

	v.SetDefault("ocpp.port", 9000)
	v.SetDefault("ocpp.call_timeout", 30*time.Second)
	v.SetDefault("ocpp.heartbeat_interval", 300*time.Second)
	v.SetDefault("ocpp.offline_after", 10*time.Minute)
	v.SetDefault("ocpp.reap_interval", time.Minute)

	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("queue.backend", "none")

	v.SetDefault("jwt.access_token_duration", 24*time.Hour)
	v.SetDefault("jwt.refresh_token_duration", 7*24*time.Hour)

	v.SetDefault("tenancy.default_tenant", "")
	v.SetDefault("tenancy.domain_strategy", true)

	v.SetDefault("sessions.stale_after", 24*time.Hour)
	v.SetDefault("sessions.reap_interval", 10*time.Minute)
	v.SetDefault("sessions.reservation_sweep_interval", time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("prometheus.enabled", true)
	v.SetDefault("prometheus.path", "/metrics")

	v.SetDefault("circuit_breaker.enabled", true)
}
