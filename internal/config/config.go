package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BusDef defines a single bus to be scanned and polled.
type BusDef struct {
	Name             string         `yaml:"name"`
	Transport        string         `yaml:"transport"`
	PollLoopInterval string         `yaml:"poll_loop_interval"`
	SimDevices       []SimDeviceDef `yaml:"sim_devices"`
}

// SimDeviceDef places one simulated device on a bus using the "sim"
// transport. Addr accepts hex (0x-prefixed) or decimal.
type SimDeviceDef struct {
	Addr string `yaml:"addr"`
	Type string `yaml:"type"`
}

// PollRequestDef defines one fragment of a device type's ident poll.
type PollRequestDef struct {
	WriteHex         string `yaml:"write_hex"`
	ReadLen          uint32 `yaml:"read_len"`
	PauseAfterSendMs uint32 `yaml:"pause_after_send_ms"`
}

// DeviceTypeDef defines defaults for one device type attached to a bus.
type DeviceTypeDef struct {
	Name                  string           `yaml:"name"`
	PollIntervalMs        uint32           `yaml:"poll_interval_ms"`
	PayloadSize           uint32           `yaml:"payload_size"`
	TimestampBytes        uint32           `yaml:"timestamp_bytes"`
	TimestampResolutionUs uint32           `yaml:"timestamp_resolution_us"`
	OfflineMaxEntries     uint32           `yaml:"offline_max_entries"`
	PollRequests          []PollRequestDef `yaml:"poll_requests"`
}

// OfflineBufferConfig holds buffering and persistence settings.
type OfflineBufferConfig struct {
	MaxPerPublish  uint32 `yaml:"max_per_publish"`
	RAMBudgetBytes uint32 `yaml:"ram_budget_bytes"`
	PersistEnabled bool   `yaml:"persist_enabled"`
	PersistPath    string `yaml:"persist_path"`
}

// PublishConfig holds the NATS publish channel settings.
type PublishConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Interval      string `yaml:"interval"`
}

// ClickHouseConfig holds the connection settings for the archive database.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ArchiveConfig holds the drained-sample archive settings.
type ArchiveConfig struct {
	Enabled    bool             `yaml:"enabled"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// APIConfig holds the REST control surface settings.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Buses         []BusDef            `yaml:"buses"`
	DeviceTypes   []DeviceTypeDef     `yaml:"device_types"`
	OfflineBuffer OfflineBufferConfig `yaml:"offline_buffer"`
	Publish       PublishConfig       `yaml:"publish"`
	Archive       ArchiveConfig       `yaml:"archive"`
	API           APIConfig           `yaml:"api"`
}

// LoadConfig reads the configuration from a YAML file and returns a Config struct.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	if cfg.OfflineBuffer.MaxPerPublish == 0 {
		cfg.OfflineBuffer.MaxPerPublish = 32
	}
	if cfg.OfflineBuffer.RAMBudgetBytes == 0 {
		cfg.OfflineBuffer.RAMBudgetBytes = 256 * 1024
	}

	return &cfg, nil
}

// LoopInterval parses the bus poll loop interval, defaulting to 10ms.
func (b *BusDef) LoopInterval() (time.Duration, error) {
	if b.PollLoopInterval == "" {
		return 10 * time.Millisecond, nil
	}
	d, err := time.ParseDuration(b.PollLoopInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid poll_loop_interval for bus %s: %w", b.Name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("poll_loop_interval for bus %s must be positive", b.Name)
	}
	return d, nil
}
