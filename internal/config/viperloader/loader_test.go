package viperloader

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/gatekeeper/internal/config"
	"github.com/ahrav/gatekeeper/pkg/common/logger"
)

const baseConfig = `
targets:
  - name: local
    host: 192.168.1.50
    port: 8050
    transport: udp
  - name: remote
    host: broker.example.com
    port: 8883
    transport: mqtt
    auth_ref: Broker
credentials:
  entries:
    Broker:
      username: gate
engine:
  udp_budget: 1500ms
`

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "gatekeeper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestViperLoader_Load(t *testing.T) {
	path := writeConfig(t, t.TempDir(), baseConfig)

	cfg, err := NewViperLoader(path, logger.Noop()).Load(context.Background())
	require.NoError(t, err)

	require.Len(t, cfg.Targets, 2)
	assert.Equal(t, 1500*time.Millisecond, cfg.Engine.UDPBudget)
	assert.Equal(t, 5*time.Second, cfg.Engine.MQTTBudget, "defaults fill missing keys")
	assert.Equal(t, "auto", cfg.Probe.Mode)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)

	// Map keys come back lowercased; auth refs are normalized to match.
	assert.Equal(t, "broker", cfg.Targets[1].AuthRef)
	assert.Contains(t, cfg.Credentials.Entries, "broker")
}

func TestViperLoader_EnvOverrides(t *testing.T) {
	path := writeConfig(t, t.TempDir(), baseConfig)
	t.Setenv("GATEKEEPER_API_ADDR", ":7070")
	t.Setenv("GATEKEEPER_ENGINE_UDP_BUDGET", "750ms")
	t.Setenv("GATEKEEPER_EVENT_BUS_KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("GATEKEEPER_ENGINE_CHECK_ON_START", "false")

	cfg, err := NewViperLoader(path, logger.Noop()).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.API.Addr)
	assert.Equal(t, 750*time.Millisecond, cfg.Engine.UDPBudget)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.EventBus.Kafka.Brokers)
	assert.False(t, cfg.Engine.CheckOnStart)
}

func TestViperLoader_Invalid(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "targets:\n  - name: x\n    transport: carrier-pigeon\n")

	_, err := NewViperLoader(path, logger.Noop()).Load(context.Background())
	assert.ErrorContains(t, err, "invalid config")

	_, err = NewViperLoader(filepath.Join(t.TempDir(), "absent.yaml"), logger.Noop()).Load(context.Background())
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestViperLoader_Watch(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, baseConfig)

	loader := NewViperLoader(path, logger.Noop())
	_, err := loader.Load(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu      sync.Mutex
		changes []*config.Config
	)
	require.NoError(t, loader.Watch(ctx, func(cfg *config.Config) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, cfg)
	}))

	updated := baseConfig + "\napi:\n  addr: \":6060\"\n"
	writeConfig(t, dir, updated)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) > 0 && changes[len(changes)-1].API.Addr == ":6060"
	}, 5*time.Second, 20*time.Millisecond)

	assert.Error(t, loader.Watch(ctx, nil))
}
