// internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the dispatch core.
// The mapstructure tags are used by Viper to unmarshal the data, every key
// can be overridden by its upper-cased environment variable.
type Config struct {
	RedisAddr     string `mapstructure:"redis_addr" validate:"required"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" validate:"gte=0"`

	UpstreamChannel  string `mapstructure:"upstream_channel" validate:"required"`
	BacklogStream    string `mapstructure:"backlog_stream" validate:"required"`
	DeadLetterStream string `mapstructure:"dead_letter_stream" validate:"required"`
	RebalanceChannel string `mapstructure:"rebalance_channel" validate:"required"`
	OutcomeChannel   string `mapstructure:"outcome_channel" validate:"required"`
	KeyPrefix        string `mapstructure:"key_prefix" validate:"required"`

	DispatchInterval     time.Duration `mapstructure:"dispatch_interval" validate:"gt=0"`
	TimeoutCheckInterval time.Duration `mapstructure:"timeout_check_interval" validate:"gt=0"`
	VisibilityTimeout    time.Duration `mapstructure:"visibility_timeout" validate:"gt=0"`
	ClaimTTL             time.Duration `mapstructure:"claim_ttl" validate:"gtfield=VisibilityTimeout"`
	BatchSize            int           `mapstructure:"batch_size" validate:"gt=0"`
	MaxRetries           int           `mapstructure:"max_retries" validate:"gte=0"`

	MaxVerifiers          int           `mapstructure:"max_verifiers" validate:"gt=0"`
	HeartbeatTTL          time.Duration `mapstructure:"heartbeat_ttl" validate:"gt=0"`
	HeartbeatInterval     time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0,ltfield=HeartbeatTTL"`
	DefaultMaxConcurrency int           `mapstructure:"default_max_concurrency" validate:"gt=0"`
	EnforceCapacity       bool          `mapstructure:"enforce_capacity"`
	ForwardBlock          time.Duration `mapstructure:"forward_block" validate:"gt=0"`

	// Enabled gates the tap and the dispatcher, a disabled deployment idles.
	Enabled bool `mapstructure:"enabled"`

	JWTSecret         string `mapstructure:"jwt_secret"`
	GatewayListenAddr string `mapstructure:"gateway_listen_addr" validate:"required"`
	HttpListenAddr    string `mapstructure:"http_listen_addr" validate:"required"`

	EtcdEndpoints     []string      `mapstructure:"etcd_endpoints"`
	EtcdTimeout       time.Duration `mapstructure:"etcd_timeout"`
	LeaderElectionTTL time.Duration `mapstructure:"leader_election_ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)

	v.SetDefault("upstream_channel", "tasks:new")
	v.SetDefault("backlog_stream", "verify:backlog")
	v.SetDefault("dead_letter_stream", "verify:deadletter")
	v.SetDefault("rebalance_channel", "verify:rebalance")
	v.SetDefault("outcome_channel", "verify:outcomes")
	v.SetDefault("key_prefix", "verify")

	v.SetDefault("dispatch_interval", "2s")
	v.SetDefault("timeout_check_interval", "5s")
	v.SetDefault("visibility_timeout", "5m")
	v.SetDefault("claim_ttl", "15m")
	v.SetDefault("batch_size", 50)
	v.SetDefault("max_retries", 3)

	v.SetDefault("max_verifiers", 100)
	v.SetDefault("heartbeat_ttl", "10s")
	v.SetDefault("heartbeat_interval", "3s")
	v.SetDefault("default_max_concurrency", 1)
	v.SetDefault("enforce_capacity", true)
	v.SetDefault("forward_block", "5s")
	v.SetDefault("enabled", true)

	v.SetDefault("jwt_secret", "")
	v.SetDefault("gateway_listen_addr", ":8090")
	v.SetDefault("http_listen_addr", ":8080")

	v.SetDefault("etcd_endpoints", []string{})
	v.SetDefault("etcd_timeout", "5s")
	v.SetDefault("leader_election_ttl", "10s")
}

// Load loads configuration from an optional .env file, an optional config
// file and environment variables, then validates it.
func Load() (*Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the struct tags of the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
