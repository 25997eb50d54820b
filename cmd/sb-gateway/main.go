package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sensorbus/internal/api"
	"sensorbus/internal/archive"
	"sensorbus/internal/config"
	"sensorbus/internal/device"
	"sensorbus/internal/drain"
	"sensorbus/internal/persist"
	"sensorbus/internal/publish"
	_ "sensorbus/internal/transport/sim" // registers the "sim" transport
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig("configs/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if len(cfg.Buses) == 0 {
		log.Fatalf("No buses configured")
	}

	// Static type table from config
	types := device.NewTypeTable(cfg.DeviceTypes)

	// Persistent blob store (shared, one bucket per device)
	var blobStore *persist.BoltStore
	if cfg.OfflineBuffer.PersistEnabled {
		blobStore, err = persist.OpenBoltStore(cfg.OfflineBuffer.PersistPath)
		if err != nil {
			log.Fatalf("Failed to open blob store: %v", err)
		}
		defer blobStore.Close()
	}

	reg := device.NewRegistry()
	ctrl := drain.NewController(reg, cfg.OfflineBuffer.RAMBudgetBytes, cfg.OfflineBuffer.MaxPerPublish)

	// Optional archive sink for drained batches
	var sink publish.Sink
	if cfg.Archive.Enabled {
		chWriter, err := archive.NewClickHouseWriter(cfg.Archive.ClickHouse)
		if err != nil {
			log.Fatalf("Failed to create archive writer: %v", err)
		}
		defer chWriter.Close()
		sink = chWriter
	}

	publishInterval := 500 * time.Millisecond
	if cfg.Publish.Interval != "" {
		publishInterval, err = time.ParseDuration(cfg.Publish.Interval)
		if err != nil {
			log.Fatalf("Invalid publish interval: %v", err)
		}
	}

	// Bus loops are built first (the publisher needs them for the bus
	// ident timestamps) but started only once the live hook exists.
	var buses []*device.Loop
	for _, busDef := range cfg.Buses {
		transport, err := device.NewTransport(busDef, types)
		if err != nil {
			log.Fatalf("Failed to create transport: %v", err)
		}
		interval, err := busDef.LoopInterval()
		if err != nil {
			log.Fatalf("Invalid bus config: %v", err)
		}
		opts := device.LoopOptions{Interval: interval}
		if blobStore != nil {
			opts.Persist = blobStore
		}
		buses = append(buses, device.NewLoop(busDef.Name, transport, reg, types, opts))
	}

	publisher, err := publish.NewPublisher(cfg.Publish.NATSURL, cfg.Publish.SubjectPrefix,
		publishInterval, reg, ctrl, buses, sink)
	if err != nil {
		log.Fatalf("Failed to connect publish channel: %v", err)
	}
	defer publisher.Close()

	liveAgg := publisher.NewLiveAggregator(cfg.Publish.SubjectPrefix)
	for _, b := range buses {
		b.SetAggregator(liveAgg)
		b.Start()
	}
	defer func() {
		for _, b := range buses {
			b.Stop()
		}
	}()

	publisher.Start()

	// REST control surface
	apiServer := api.NewServer(cfg.API.ListenAddr, reg, ctrl, types, buses)
	apiServer.Start()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Gateway shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		log.Printf("API server forced to shutdown: %v", err)
	}
	log.Println("Gateway exited.")
}
