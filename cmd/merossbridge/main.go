// Meross Bridge - LAN gateway for Meross smart-home devices
//
// This is the main entry point for the bridge. It drives Meross devices
// over local HTTP and MQTT without any cloud dependency:
//   - Signed JSON protocol codec (md5 envelope signatures)
//   - Dual-transport failover per device
//   - Adaptive per-namespace polling with push short-circuits
//   - REST/WebSocket API for clients and automation
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/nerrad567/gray-logic-meross/migrations"

	"github.com/nerrad567/gray-logic-meross/internal/api"
	"github.com/nerrad567/gray-logic-meross/internal/device"
	"github.com/nerrad567/gray-logic-meross/internal/engine"
	"github.com/nerrad567/gray-logic-meross/internal/eventlog"
	"github.com/nerrad567/gray-logic-meross/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-meross/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-meross/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-meross/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-meross/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-meross/internal/trace"
	"github.com/nerrad567/gray-logic-meross/internal/transport"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Meross bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Initialise device registry
	deviceRepo := device.NewSQLiteRepository(db.DB)
	registry := device.NewRegistry(deviceRepo)
	registry.SetLogger(log)

	if refreshErr := registry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}
	log.Info("device registry initialised", "devices", registry.Count())

	// Reconcile configured devices into the registry
	if err := syncConfiguredDevices(ctx, cfg, registry); err != nil {
		return fmt.Errorf("syncing configured devices: %w", err)
	}

	// Connect to MQTT broker (optional; devices fall back to HTTP-only)
	var mqttClient *mqtt.Client
	var mqttAdapter *transport.MQTTAdapter
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", cfg.BrokerAddr(),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		//nolint:gosec // QoS validated to 0..2 in config.Validate
		mqttAdapter = transport.NewMQTTAdapter(mqttClient, byte(cfg.MQTT.QoS), cfg.Engine.MQTTTimeout, log)

		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		// Fail in-flight MQTT requests immediately instead of letting
		// them run out their timeouts.
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
			mqttAdapter.HandleDisconnect(err)
		})
	} else {
		log.Info("MQTT disabled, driving all devices over HTTP")
	}

	// Connect to InfluxDB (optional protocol trace + telemetry sink)
	var influxClient *influxdb.Client
	tracer := trace.Discard
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		tracer = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Local protocol event log: bounded, queryable diagnostics window.
	eventRepo := eventlog.NewSQLiteRepository(db.DB)
	eventSink := eventlog.NewSink(eventRepo, log, eventlog.SinkConfig{})
	defer func() {
		log.Info("closing protocol event log")
		if closeErr := eventSink.Close(); closeErr != nil {
			log.Error("error closing event log", "error", closeErr)
		}
	}()
	tracer = trace.Tee(tracer, eventSink)

	// WebSocket hub doubles as the engine's state sink; telemetry rides
	// along when InfluxDB is up.
	hub := api.NewHub(cfg.WebSocket, log)
	sink := newStateSink(hub, influxClient, log)

	// Assemble the engine
	eng, err := engine.New(engine.Config{
		HTTP:     transport.NewHTTPAdapter(cfg.Engine.HTTPTimeout, log),
		MQTT:     mqttAdapter,
		Registry: registry,
		Sink:     sink,
		Tracer:   tracer,
		Logger:   log,
		Tunables: engine.Tunables{
			PollInterval:        cfg.Engine.PollInterval,
			SmartFreshness:      cfg.Engine.SmartFreshness,
			SignValidity:        cfg.Engine.SignValidity,
			FailureThreshold:    cfg.Engine.FailureThreshold,
			RecentSuccessWindow: cfg.Engine.RecentSuccessWindow,
			RetryBackoffMin:     cfg.Engine.RetryBackoffMin,
			RetryBackoffMax:     cfg.Engine.RetryBackoffMax,
		},
	})
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	defer func() {
		log.Info("stopping engine")
		eng.Close()
	}()

	// Drive every known device
	started := 0
	for _, dev := range registry.List() {
		d := dev
		if addErr := eng.AddDevice(&d); addErr != nil {
			log.Error("device not started", "uuid", d.UUID, "error", addErr)
			continue
		}
		started++
	}
	log.Info("engine started", "devices", started)

	// Start the API server
	apiServer, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Security: cfg.Security,
		Logger:   log,
		Registry: registry,
		Engine:   eng,
		Hub:      hub,
		Events:   eventRepo,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := apiServer.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	// Verify infrastructure connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server
	// 2. Engine (stops all device drivers)
	// 3. Event log sink (drains queued records)
	// 4. InfluxDB (if enabled)
	// 5. MQTT (if enabled)
	// 6. Database

	log.Info("Meross bridge stopped")
	return nil
}

// syncConfiguredDevices reconciles config-file devices into the registry.
// Connection settings from the config win; learned info (abilities,
// firmware) is carried over from the stored row.
func syncConfiguredDevices(ctx context.Context, cfg *config.Config, registry *device.Registry) error {
	for _, dc := range cfg.Devices {
		dev := dc.Device()

		existing, err := registry.Get(dev.UUID)
		if err != nil {
			if createErr := registry.Create(ctx, dev); createErr != nil {
				return fmt.Errorf("creating device %s: %w", dev.UUID, createErr)
			}
			continue
		}

		dev.Model = existing.Model
		dev.FirmwareVersion = existing.FirmwareVersion
		dev.HardwareVersion = existing.HardwareVersion
		dev.MACAddress = existing.MACAddress
		dev.Abilities = existing.Abilities
		dev.CreatedAt = existing.CreatedAt
		if updateErr := registry.Update(ctx, dev); updateErr != nil {
			return fmt.Errorf("updating device %s: %w", dev.UUID, updateErr)
		}
	}
	return nil
}

// getConfigPath returns the configuration file path.
// Uses MEROSSBRIDGE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("MEROSSBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
// MQTT and InfluxDB clients may be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
