// Package config loads worker and CLI settings from a YAML file and
// DAZZLE_-prefixed environment variables, validating the result before it
// reaches the application.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// DatabaseSettings selects and addresses the backing store.
type DatabaseSettings struct {
	// URL is the connection string; the scheme selects the dialect
	// (sqlite://, postgres://, mysql://).
	URL string `mapstructure:"url" validate:"required"`
}

// BrokerSettings addresses the message broker.
type BrokerSettings struct {
	// Type is "memory" or "amqp".
	Type string `mapstructure:"type" validate:"required,oneof=memory amqp"`
	// URL is the broker connection string (required for amqp).
	URL string `mapstructure:"url" validate:"required_if=Type amqp"`
	// Exchange is the AMQP exchange events publish to.
	Exchange string `mapstructure:"exchange"`
}

// WorkerSettings tunes the run-executing worker.
type WorkerSettings struct {
	ID           string        `mapstructure:"id"`
	Concurrency  int           `mapstructure:"concurrency" validate:"omitempty,min=1"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// Listen enables PostgreSQL LISTEN/NOTIFY wakeups.
	Listen bool `mapstructure:"listen"`
}

// OutboxSettings tunes the outbox relayer.
type OutboxSettings struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size" validate:"omitempty,min=1"`
	MaxRetries   int           `mapstructure:"max_retries" validate:"omitempty,min=1"`
}

// Settings is the full worker/CLI configuration.
type Settings struct {
	Database DatabaseSettings `mapstructure:"database"`
	Broker   BrokerSettings   `mapstructure:"broker"`
	Worker   WorkerSettings   `mapstructure:"worker"`
	Outbox   OutboxSettings   `mapstructure:"outbox"`
}

// Validate checks the settings against their struct tags.
func (s *Settings) Validate() error {
	return validator.New().Struct(s)
}

// Defaults returns settings with every tunable at its default.
func Defaults() *Settings {
	return &Settings{
		Broker: BrokerSettings{Type: "memory"},
		Worker: WorkerSettings{
			Concurrency:  16,
			PollInterval: 2 * time.Second,
		},
		Outbox: OutboxSettings{
			PollInterval: time.Second,
			BatchSize:    100,
			MaxRetries:   5,
		},
	}
}

// Load reads dazzle.yaml from the given directories (falling back to the
// current one), overlays DAZZLE_-prefixed environment variables, and
// validates the result. A missing config file is fine when the environment
// carries everything required.
func Load(paths ...string) (*Settings, error) {
	v := viper.New()
	v.SetConfigName("dazzle")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("DAZZLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{
		"database.url",
		"broker.type", "broker.url", "broker.exchange",
		"worker.id", "worker.concurrency", "worker.poll_interval", "worker.listen",
		"outbox.poll_interval", "outbox.batch_size", "outbox.max_retries",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := Defaults()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
