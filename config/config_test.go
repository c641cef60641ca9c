package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults fill missing sections", func(t *testing.T) {
		path := writeConfig(t, "server:\n  port: 9090\n")

		cfg, err := LoadConfig(path)
		require.NoError(t, err)

		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, QueueVariantStream, cfg.Seckill.QueueVariant)
		assert.Equal(t, "stream.orders", cfg.Seckill.StreamKey)
		assert.Equal(t, int64(5), cfg.Seckill.MaxDeliveries)
		assert.Equal(t, 10*time.Second, cfg.Seckill.LockLease)
		assert.Equal(t, 1, cfg.Seckill.BatchSize)
		assert.Equal(t, int64(100), cfg.Seckill.ReclaimBatch, "pending scan page is independent of claim batch")
		assert.Equal(t, "/graphql", cfg.GraphQL.Path)
	})

	t.Run("file values override defaults", func(t *testing.T) {
		path := writeConfig(t, `
seckill:
  queue_variant: memory
  queue_capacity: 16
  workers: 4
  lock_lease: 3s
  reclaim_batch: 25
kafka:
  brokers: ["k1:9092", "k2:9092"]
`)

		cfg, err := LoadConfig(path)
		require.NoError(t, err)

		assert.Equal(t, QueueVariantMemory, cfg.Seckill.QueueVariant)
		assert.Equal(t, 16, cfg.Seckill.QueueCapacity)
		assert.Equal(t, 4, cfg.Seckill.Workers)
		assert.Equal(t, 3*time.Second, cfg.Seckill.LockLease)
		assert.Equal(t, int64(25), cfg.Seckill.ReclaimBatch)
		assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		path := writeConfig(t, "seckill:\n  consumer_name: c1\n")
		t.Setenv("SECKILL_SECKILL_CONSUMER_NAME", "c7")

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "c7", cfg.Seckill.ConsumerName)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
	})

	t.Run("unknown queue variant rejected", func(t *testing.T) {
		path := writeConfig(t, "seckill:\n  queue_variant: carrier-pigeon\n")
		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "queue_variant")
	})

	t.Run("etcd backend requires endpoints", func(t *testing.T) {
		path := writeConfig(t, "seckill:\n  lock_backend: etcd\n")
		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "etcd.endpoints")
	})

	t.Run("non-positive reclaim batch rejected", func(t *testing.T) {
		path := writeConfig(t, "seckill:\n  reclaim_batch: 0\n")
		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reclaim_batch")
	})
}
