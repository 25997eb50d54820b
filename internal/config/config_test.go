package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
buses:
  - name: i2c0
    transport: i2c
    poll_loop_interval: 20ms
device_types:
  - name: ACC10
    poll_interval_ms: 100
    payload_size: 7
    timestamp_bytes: 2
    timestamp_resolution_us: 1000
    offline_max_entries: 256
    poll_requests:
      - write_hex: "0x28"
        read_len: 7
offline_buffer:
  max_per_publish: 16
  ram_budget_bytes: 65536
  persist_enabled: true
  persist_path: /var/lib/sensorbus/blobs.db
publish:
  nats_url: nats://localhost:4222
  subject_prefix: sensorbus
  interval: 500ms
api:
  listen_addr: ":8092"
`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Len(t, cfg.Buses, 1)
	assert.Equal(t, "i2c0", cfg.Buses[0].Name)
	d, err := cfg.Buses[0].LoopInterval()
	require.NoError(t, err)
	assert.Equal(t, "20ms", d.String())

	require.Len(t, cfg.DeviceTypes, 1)
	dt := cfg.DeviceTypes[0]
	assert.Equal(t, uint32(7), dt.PayloadSize)
	assert.Equal(t, uint32(2), dt.TimestampBytes)
	require.Len(t, dt.PollRequests, 1)
	assert.Equal(t, uint32(7), dt.PollRequests[0].ReadLen)

	assert.Equal(t, uint32(16), cfg.OfflineBuffer.MaxPerPublish)
	assert.True(t, cfg.OfflineBuffer.PersistEnabled)
	assert.Equal(t, "nats://localhost:4222", cfg.Publish.NATSURL)
	assert.Equal(t, ":8092", cfg.API.ListenAddr)
}

func TestLoadConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("buses: []\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(32), cfg.OfflineBuffer.MaxPerPublish)
	assert.Equal(t, uint32(256*1024), cfg.OfflineBuffer.RAMBudgetBytes)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestBusLoopIntervalValidation(t *testing.T) {
	b := BusDef{Name: "i2c0"}
	d, err := b.LoopInterval()
	require.NoError(t, err)
	assert.Equal(t, "10ms", d.String())

	b.PollLoopInterval = "bogus"
	_, err = b.LoopInterval()
	assert.Error(t, err)
}
