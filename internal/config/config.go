// Package config loads the alpha server configuration from a YAML file and
// ALPHA_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/fortressi/alpha"
	"github.com/fortressi/alpha/internal/logger"
)

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverBolt   = "bolt"
	DriverSQL    = "sql"
)

type Config struct {
	GRPC     GRPC          `yaml:"grpc"`
	HTTP     HTTP          `yaml:"http"`
	Storage  Storage       `yaml:"storage"`
	Dispatch Dispatch      `yaml:"dispatch"`
	Log      logger.Config `yaml:"log"`
	// LockStripes is the number of per-global-transaction lock stripes.
	LockStripes int `yaml:"lock_stripes" validate:"gte=1"`
}

type GRPC struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`
	// SendQueueSize bounds the commands queued per connection.
	SendQueueSize int `yaml:"send_queue_size" validate:"gte=1"`
}

type HTTP struct {
	Addr            string        `yaml:"addr" validate:"required,hostname_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

type Storage struct {
	Driver   string  `yaml:"driver" validate:"oneof=memory bolt sql"`
	BoltPath string  `yaml:"bolt_path" validate:"required_if=Driver bolt"`
	DSN      string  `yaml:"dsn" validate:"required_if=Driver sql"`
	Breaker  Breaker `yaml:"breaker"`
}

type Breaker struct {
	Enabled             bool          `yaml:"enabled"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
}

type Dispatch struct {
	MaxDeliveryAttempts   int           `yaml:"max_delivery_attempts" validate:"gte=1"`
	InitialBackoff        time.Duration `yaml:"initial_backoff" validate:"gt=0"`
	MaxBackoff            time.Duration `yaml:"max_backoff" validate:"gtefield=InitialBackoff"`
	SendTimeout           time.Duration `yaml:"send_timeout" validate:"gt=0"`
	SweepInterval         time.Duration `yaml:"sweep_interval" validate:"gt=0"`
	RedeliveriesPerSecond float64       `yaml:"redeliveries_per_second" validate:"gt=0"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		GRPC: GRPC{
			Addr:          "0.0.0.0:8080",
			SendQueueSize: 64,
		},
		HTTP: HTTP{
			Addr:            "0.0.0.0:8090",
			ReadTimeout:     10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: Storage{
			Driver:   DriverMemory,
			BoltPath: "alpha.db",
			Breaker: Breaker{
				ConsecutiveFailures: 5,
				OpenTimeout:         10 * time.Second,
			},
		},
		Dispatch: Dispatch{
			MaxDeliveryAttempts:   10,
			InitialBackoff:        200 * time.Millisecond,
			MaxBackoff:            30 * time.Second,
			SendTimeout:           5 * time.Second,
			SweepInterval:         time.Second,
			RedeliveriesPerSecond: 100,
		},
		Log: logger.Config{
			Level:  "info",
			Format: "json",
		},
		LockStripes: 256,
	}
}

// Load reads the YAML file at path, if any, on top of the defaults, then
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.GRPC.Addr = getEnv("ALPHA_GRPC_ADDR", c.GRPC.Addr)
	c.HTTP.Addr = getEnv("ALPHA_HTTP_ADDR", c.HTTP.Addr)
	c.Storage.Driver = getEnv("ALPHA_STORAGE_DRIVER", c.Storage.Driver)
	c.Storage.BoltPath = getEnv("ALPHA_BOLT_PATH", c.Storage.BoltPath)
	c.Storage.DSN = getEnv("ALPHA_DATABASE_DSN", c.Storage.DSN)
	c.Log.Level = getEnv("ALPHA_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("ALPHA_LOG_FORMAT", c.Log.Format)

	var err error
	if c.Storage.Breaker.Enabled, err = getEnvBool("ALPHA_BREAKER_ENABLED", c.Storage.Breaker.Enabled); err != nil {
		return err
	}
	if c.Dispatch.MaxDeliveryAttempts, err = getEnvInt("ALPHA_MAX_DELIVERY_ATTEMPTS", c.Dispatch.MaxDeliveryAttempts); err != nil {
		return err
	}
	if c.Dispatch.SendTimeout, err = getEnvDuration("ALPHA_SEND_TIMEOUT", c.Dispatch.SendTimeout); err != nil {
		return err
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// DispatcherConfig returns the command delivery settings.
func (c *Config) DispatcherConfig() alpha.DispatcherConfig {
	return alpha.DispatcherConfig{
		MaxDeliveryAttempts:   c.Dispatch.MaxDeliveryAttempts,
		InitialBackoff:        c.Dispatch.InitialBackoff,
		MaxBackoff:            c.Dispatch.MaxBackoff,
		SendTimeout:           c.Dispatch.SendTimeout,
		SweepInterval:         c.Dispatch.SweepInterval,
		RedeliveriesPerSecond: c.Dispatch.RedeliveriesPerSecond,
	}
}

// CoordinatorConfig returns the coordinator settings.
func (c *Config) CoordinatorConfig() alpha.CoordinatorConfig {
	return alpha.CoordinatorConfig{
		LockStripes: c.LockStripes,
		Dispatcher:  c.DispatcherConfig(),
	}
}

// BreakerSettings returns the storage circuit breaker settings.
func (c *Config) BreakerSettings() alpha.BreakerSettings {
	return alpha.BreakerSettings{
		ConsecutiveFailures: c.Storage.Breaker.ConsecutiveFailures,
		OpenTimeout:         c.Storage.Breaker.OpenTimeout,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
