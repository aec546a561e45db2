package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aleybovich/carrot-jms/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "carrot-jms.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, TransportTypeMemory, cfg.Transport.Type)
	assert.Equal(t, DefaultQueueSubscriptionName, cfg.Destinations.QueueSubscriptionName)
	assert.True(t, cfg.Destinations.PrecreateQueueSubscription)
	assert.Equal(t, StorageTypeNone, cfg.Storage.Type)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFileThenEnvironment(t *testing.T) {
	path := writeConfig(t, `
transport:
  type: redis
  redis:
    addr: redis.local:6380
    stream_prefix: "orders:"
destinations:
  namespace: public/default
  client_id: billing
consumer:
  negative_ack_delay: 50ms
  max_negative_ack_delay: 1s
storage:
  type: buntdb
  buntdb:
    path: /tmp/jms.db
logging:
  level: debug
  format: console
`)
	t.Setenv("CARROT_JMS_TRANSPORT_REDIS_ADDR", "redis.override:6379")
	t.Setenv("CARROT_JMS_DESTINATIONS_QUEUE_SUBSCRIPTION_NAME", "billing-queue")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, TransportTypeRedis, cfg.Transport.Type)
	assert.Equal(t, "redis.override:6379", cfg.Transport.Redis.Addr)
	assert.Equal(t, "orders:", cfg.Transport.Redis.StreamPrefix)
	assert.Equal(t, time.Second, cfg.Transport.Redis.BlockInterval)
	assert.Equal(t, "public/default", cfg.Destinations.Namespace)
	assert.Equal(t, "billing", cfg.Destinations.ClientID)
	assert.Equal(t, "billing-queue", cfg.Destinations.QueueSubscriptionName)
	assert.Equal(t, 50*time.Millisecond, cfg.Consumer.NegativeAckDelay)
	assert.Equal(t, StorageTypeBuntDB, cfg.Storage.Type)
	require.NotNil(t, cfg.Storage.BuntDB)
	assert.Equal(t, "/tmp/jms.db", cfg.Storage.BuntDB.Path)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "transport:\n  kind: memory\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Transport.Type = "kafka"
	cfg.Destinations.QueueSubscriptionName = ""
	cfg.Storage.Type = "etcd"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transport type: kafka")
	assert.Contains(t, err.Error(), "queue subscription name is required")
	assert.Contains(t, err.Error(), "unknown storage type: etcd")
}

func TestStorageConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     StorageConfig
		wantErr bool
	}{
		{"none", StorageConfig{Type: StorageTypeNone}, false},
		{"memory", StorageConfig{Type: StorageTypeMemory}, false},
		{"buntdb without config", StorageConfig{Type: StorageTypeBuntDB}, true},
		{"buntdb", StorageConfig{Type: StorageTypeBuntDB, BuntDB: &BuntDBConfig{Path: "x.db"}}, false},
		{"empty", StorageConfig{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoggingConfigBuild(t *testing.T) {
	l, err := LoggingConfig{DisableLogging: true}.Build()
	require.NoError(t, err)
	assert.IsType(t, &logger.NilLogger{}, l)

	custom := &logger.NilLogger{}
	l, err = LoggingConfig{CustomLogger: custom}.Build()
	require.NoError(t, err)
	assert.Same(t, custom, l)

	assert.Error(t, LoggingConfig{DisableLogging: true, CustomLogger: custom}.Validate())
}
