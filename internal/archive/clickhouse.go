package archive

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"sensorbus/internal/config"
	"sensorbus/internal/model"
	"sensorbus/internal/publish"
)

const createTableStatement = `
CREATE TABLE IF NOT EXISTS sample_archive (
    ArchivedAt  DateTime,
    Bus         String,
    Addr        String,
    DeviceType  String,
    Seq         UInt32,
    SampleTime  DateTime64(3),
    PayloadHex  String
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(ArchivedAt)
ORDER BY (Bus, Addr, Seq);
`

// ClickHouseWriter archives drained sample batches into ClickHouse. It is
// plugged into the publish loop as its sink.
type ClickHouseWriter struct {
	conn driver.Conn
}

// NewClickHouseWriter connects to ClickHouse and ensures the archive
// table exists.
func NewClickHouseWriter(cfg config.ClickHouseConfig) (*ClickHouseWriter, error) {
	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	if err := conn.Exec(context.Background(), createTableStatement); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	log.Println("Successfully connected to ClickHouse and ensured archive table exists.")

	return &ClickHouseWriter{conn: conn}, nil
}

func connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// WriteBatch inserts one device's drained samples.
func (w *ClickHouseWriter) WriteBatch(bus string, addr model.Addr, typeName string, samples []publish.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	batch, err := w.conn.PrepareBatch(context.Background(), "INSERT INTO sample_archive")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	now := time.Now()
	addrStr := fmt.Sprintf("0x%X", uint32(addr))
	for _, s := range samples {
		err = batch.Append(
			now,
			bus,
			addrStr,
			typeName,
			s.Seq,
			time.UnixMilli(int64(s.TsMs)),
			s.Hex,
		)
		if err != nil {
			return fmt.Errorf("failed to append sample to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// Close closes the ClickHouse connection.
func (w *ClickHouseWriter) Close() error {
	return w.conn.Close()
}
