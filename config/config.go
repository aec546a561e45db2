// Package config holds the configuration structures for connection factories,
// transports, storage and logging, and loads them from YAML plus environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override, e.g.
// CARROT_JMS_TRANSPORT_TYPE or CARROT_JMS_DESTINATIONS_CLIENT_ID.
const EnvPrefix = "CARROT_JMS"

// Config is the root configuration of a connection factory
type Config struct {
	Transport    TransportConfig   `yaml:"transport" split_words:"true"`
	Destinations DestinationConfig `yaml:"destinations" split_words:"true"`
	Consumer     ConsumerConfig    `yaml:"consumer" split_words:"true"`
	Storage      StorageConfig     `yaml:"storage" split_words:"true"`
	Logging      LoggingConfig     `yaml:"logging" split_words:"true"`
}

// ConsumerConfig controls redelivery pacing for negatively acknowledged messages
type ConsumerConfig struct {
	// NegativeAckDelay is the first redelivery delay; it doubles per attempt
	NegativeAckDelay time.Duration `yaml:"negative_ack_delay" split_words:"true"`
	// MaxNegativeAckDelay caps the redelivery delay
	MaxNegativeAckDelay time.Duration `yaml:"max_negative_ack_delay" split_words:"true"`
}

// Default returns the configuration used when nothing is specified:
// in-process transport, no persistence, "jms-queue" as the queue
// subscription, and info-level JSON logs to stdout.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			Type: TransportTypeMemory,
			Redis: RedisConfig{
				Addr:          "localhost:6379",
				StreamPrefix:  "jms:",
				BlockInterval: time.Second,
			},
		},
		Destinations: DestinationConfig{
			QueueSubscriptionName:      DefaultQueueSubscriptionName,
			PrecreateQueueSubscription: true,
		},
		Storage: StorageConfig{Type: StorageTypeNone},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
	}
}

// Load reads configuration from a YAML file (optional) layered over Default,
// applies environment overrides, and validates the result.
// Environment variables take precedence over file configuration.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := loadFromFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)

	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks every section and reports all problems at once
func (c *Config) Validate() error {
	var err error
	err = multierr.Append(err, c.Transport.Validate())
	err = multierr.Append(err, c.Destinations.Validate())
	err = multierr.Append(err, c.Storage.Validate())
	err = multierr.Append(err, c.Logging.Validate())
	if c.Consumer.NegativeAckDelay < 0 || c.Consumer.MaxNegativeAckDelay < 0 {
		err = multierr.Append(err, fmt.Errorf("negative ack delays must not be negative"))
	}
	if c.Consumer.MaxNegativeAckDelay > 0 && c.Consumer.MaxNegativeAckDelay < c.Consumer.NegativeAckDelay {
		err = multierr.Append(err, fmt.Errorf("max negative ack delay %s is below negative ack delay %s",
			c.Consumer.MaxNegativeAckDelay, c.Consumer.NegativeAckDelay))
	}
	return err
}
