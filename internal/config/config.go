// Package config loads the configuration of the execution server from YAML and EXECUTION_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/Aidin1998/pincex_execution/internal/administration"
	"github.com/Aidin1998/pincex_execution/internal/compliance"
	"github.com/Aidin1998/pincex_execution/internal/definitions"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "EXECUTION"

// Config is the configuration of the execution server.
type Config struct {
	LogLevel    string                `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	Server      ServerConfig          `mapstructure:"server"`
	Auth        AuthConfig            `mapstructure:"auth"`
	Database    DatabaseConfig        `mapstructure:"database"`
	Redis       RedisConfig           `mapstructure:"redis"`
	Kafka       KafkaConfig           `mapstructure:"kafka"`
	Compliance  ComplianceConfig      `mapstructure:"compliance"`
	Directory   administration.Config `mapstructure:"directory"`
	Definitions DefinitionsConfig     `mapstructure:"definitions"`
	Session     SessionConfig         `mapstructure:"session"`
	Tracing     TracingConfig         `mapstructure:"tracing"`
}

// ServerConfig configures the HTTP and gRPC health listeners.
type ServerConfig struct {
	HTTPAddr       string        `mapstructure:"http_addr" validate:"required"`
	GRPCHealthAddr string        `mapstructure:"grpc_health_addr"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	SendBuffer     int           `mapstructure:"send_buffer" validate:"gte=1"`
}

// AuthConfig configures account tokens.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret" validate:"required,min=16"`
	Issuer    string        `mapstructure:"issuer" validate:"required"`
	TokenTTL  time.Duration `mapstructure:"token_ttl" validate:"gt=0"`
}

// DatabaseConfig selects the order store.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=memory sqlite postgres"`
	DSN    string `mapstructure:"dsn" validate:"required_unless=Driver memory"`
}

// RedisConfig enables Redis-backed order ids.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address" validate:"required_if=Enabled true"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	UIDKey   string `mapstructure:"uid_key" validate:"required_if=Enabled true"`
}

// KafkaConfig enables the outbound execution feed.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers" validate:"required_if=Enabled true"`
	Topic   string   `mapstructure:"topic" validate:"required_if=Enabled true"`
}

// ComplianceConfig configures the compliance rule set.
type ComplianceConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// TradingGroups names the parent directories an account inherits rules from. Empty selects
	// the traders and managers directories.
	TradingGroups []string `mapstructure:"trading_groups"`
	// BadgerPath stores rule entries in memory when empty.
	BadgerPath string     `mapstructure:"badger_path"`
	AuditDSN   string     `mapstructure:"audit_dsn"`
	Rules      []SeedRule `mapstructure:"rules" validate:"dive"`
}

// SeedRule attaches a rule to an account or a directory at startup.
type SeedRule struct {
	Account   string            `mapstructure:"account" validate:"required_without=Directory"`
	Directory string            `mapstructure:"directory" validate:"required_without=Account"`
	State     compliance.State  `mapstructure:"state" validate:"oneof=ACTIVE PASSIVE DISABLED"`
	Schema    compliance.Schema `mapstructure:"schema"`
}

// DefinitionsConfig lists the markets orders can be routed to.
type DefinitionsConfig struct {
	Markets []definitions.Market `mapstructure:"markets" validate:"dive"`
}

// SessionConfig bounds the orders reloaded at startup.
type SessionConfig struct {
	// Start is the UTC time of day the trading session starts, as "15:04".
	Start string `mapstructure:"start"`
}

// TracingConfig enables OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Metrics     bool   `mapstructure:"metrics"`
	ServiceName string `mapstructure:"service_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.grpc_health_addr", ":8081")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.send_buffer", 256)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "execution-server")
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.dsn", "")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.uid_key", "execution:next_order_id")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "execution.events")

	v.SetDefault("compliance.enabled", true)
	v.SetDefault("compliance.badger_path", "")
	v.SetDefault("compliance.audit_dsn", "")

	v.SetDefault("session.start", "00:00")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.metrics", false)
	v.SetDefault("tracing.service_name", "execution-server")
}

// Load reads the configuration file at path, or ./config.yaml when path is empty, applies
// environment overrides and validates the result. A missing ./config.yaml is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		decimalHook(),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := cfg.Session.StartOn(time.Now()); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// decimalHook decodes strings and numbers into decimal.Decimal.
func decimalHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(decimal.Decimal{})
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != target {
			return data, nil
		}
		switch value := data.(type) {
		case string:
			return decimal.NewFromString(value)
		case int:
			return decimal.NewFromInt(int64(value)), nil
		case int64:
			return decimal.NewFromInt(value), nil
		case float64:
			return decimal.NewFromFloat(value), nil
		}
		return data, nil
	}
}

// StartOn returns the session start on the UTC day of now.
func (c SessionConfig) StartOn(now time.Time) (time.Time, error) {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if c.Start == "" {
		return midnight, nil
	}
	clock, err := time.Parse("15:04", c.Start)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse session start %q: %w", c.Start, err)
	}
	return midnight.Add(time.Duration(clock.Hour())*time.Hour + time.Duration(clock.Minute())*time.Minute), nil
}
