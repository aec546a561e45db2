package config

import (
	"fmt"
	"time"
)

type TransportType string

const (
	TransportTypeMemory TransportType = "memory" // In-process broker
	TransportTypeRedis  TransportType = "redis"  // Redis Streams
)

// TransportConfig selects and configures the broker transport
type TransportConfig struct {
	Type  TransportType `yaml:"type" split_words:"true"`
	Redis RedisConfig   `yaml:"redis" split_words:"true"`
}

// RedisConfig configures the Redis Streams transport
type RedisConfig struct {
	Addr     string `yaml:"addr" split_words:"true"`
	Username string `yaml:"username" split_words:"true"`
	Password string `yaml:"password" split_words:"true"`
	DB       int    `yaml:"db" split_words:"true"`

	// StreamPrefix is prepended to every topic to form the stream key
	StreamPrefix string `yaml:"stream_prefix" split_words:"true"`

	// BlockInterval bounds a single XREADGROUP block; longer waits loop
	BlockInterval time.Duration `yaml:"block_interval" split_words:"true"`
}

// Validate ensures the transport configuration is valid
func (tc TransportConfig) Validate() error {
	switch tc.Type {
	case TransportTypeMemory:
		return nil

	case TransportTypeRedis:
		if tc.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for redis transport")
		}
		if tc.Redis.BlockInterval < 0 {
			return fmt.Errorf("redis block interval must not be negative")
		}
		return nil

	case "":
		return fmt.Errorf("transport type not specified")

	default:
		return fmt.Errorf("unknown transport type: %s", tc.Type)
	}
}
