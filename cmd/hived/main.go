// Hive Core - device notification and command hub.
//
// hived accepts device notifications and client commands over REST,
// WebSocket and MQTT, stores them in SQLite and fans them out to subscribed
// WebSocket sessions. With Redis enabled, several hived nodes share one
// event stream.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/nerrad567/hive-core/migrations"

	"github.com/nerrad567/hive-core/internal/api"
	"github.com/nerrad567/hive-core/internal/audit"
	"github.com/nerrad567/hive-core/internal/auth"
	"github.com/nerrad567/hive-core/internal/command"
	"github.com/nerrad567/hive-core/internal/device"
	"github.com/nerrad567/hive-core/internal/distribution"
	"github.com/nerrad567/hive-core/internal/infrastructure/config"
	"github.com/nerrad567/hive-core/internal/infrastructure/database"
	"github.com/nerrad567/hive-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/hive-core/internal/infrastructure/logging"
	"github.com/nerrad567/hive-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/hive-core/internal/ingest"
	"github.com/nerrad567/hive-core/internal/notification"
	"github.com/nerrad567/hive-core/internal/relay"
	"github.com/nerrad567/hive-core/internal/subscription"
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

// engineDrainTimeout bounds how long shutdown waits for queued deliveries.
const engineDrainTimeout = 5 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting hived",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version).With("node", cfg.Node.ID)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(ctx, database.Config{
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

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	devices := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	devices.SetLogger(log.Component("device"))
	if refreshErr := devices.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}
	log.Info("device registry initialised", "devices", devices.GetDeviceCount())

	authenticator, err := auth.NewAuthenticator(cfg.Security, devices)
	if err != nil {
		return fmt.Errorf("configuring authentication: %w", err)
	}

	// The hub is the engine's transport; the server later wires the hub's
	// close callback back to the engine.
	hub := api.NewHub(cfg.WebSocket, log.Component("websocket"))
	notifSubs := subscription.NewRegistry(cfg.Distribution.Shards)
	commandSubs := subscription.NewRegistry(cfg.Distribution.Shards)
	engine := distribution.NewEngine(notifSubs, commandSubs, hub, distribution.Options{
		QueueSize:   cfg.Distribution.QueueSize,
		SendTimeout: cfg.GetSendTimeout(),
		MaxRetries:  cfg.Distribution.MaxRetries,
	})
	engine.SetLogger(log.Component("distribution"))
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), engineDrainTimeout)
		defer cancel()
		if closeErr := engine.Close(drainCtx); closeErr != nil {
			log.Warn("distribution engine did not drain", "error", closeErr)
		}
	}()

	service := ingest.New(ingest.Deps{
		Notifications:    notification.NewSQLiteRepository(db.DB),
		Commands:         command.NewSQLiteRepository(db.DB),
		Devices:          devices,
		Engine:           engine,
		NotificationSubs: notifSubs,
		CommandSubs:      commandSubs,
	})
	service.SetLogger(log.Component("ingest"))

	checks := map[string]api.HealthChecker{"database": db}

	influxClient, err := connectInfluxDB(cfg, log)
	if err != nil {
		return err
	}
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		service.SetTelemetry(influxClient)
		engine.SetMetrics(influxClient)
		checks["influxdb"] = influxClient
	}

	redisClient, eventRelay, err := startRelay(ctx, cfg, service, log)
	if err != nil {
		return err
	}
	if eventRelay != nil {
		defer func() {
			log.Info("stopping cluster relay")
			if closeErr := eventRelay.Close(); closeErr != nil {
				log.Error("error closing relay", "error", closeErr)
			}
			if closeErr := redisClient.Close(); closeErr != nil {
				log.Error("error closing Redis", "error", closeErr)
			}
		}()
		service.SetFanout(eventRelay)
		checks["redis"] = redisHealth{redisClient}
	}

	var mqttStatus api.ConnectionStatus
	if cfg.MQTT.Enabled {
		mqttClient, gateway, gwErr := startDeviceGateway(cfg, service, log)
		if gwErr != nil {
			return gwErr
		}
		defer func() {
			gateway.Stop()
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttStatus = mqttClient
		checks["mqtt"] = mqttClient
	} else {
		log.Info("MQTT device gateway disabled")
	}

	server, err := api.New(api.Deps{
		Config:           cfg.API,
		WS:               cfg.WebSocket,
		Logger:           log.Component("api"),
		Auth:             authenticator,
		Service:          service,
		Devices:          devices,
		Engine:           engine,
		Hub:              hub,
		NodeID:           cfg.Node.ID,
		Version:          version,
		NotificationSubs: notifSubs,
		CommandSubs:      commandSubs,
		DB:               db.DB,
		MQTT:             mqttStatus,
		Checks:           checks,
		Audit:            audit.NewSQLiteRepository(db.DB),
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, checks); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order: API server (sessions
	// first), MQTT, relay, InfluxDB, engine drain, database.
	log.Info("hived stopped")
	return nil
}

// getConfigPath returns HIVE_CONFIG if set, otherwise the default path.
func getConfigPath() string {
	if path := os.Getenv("HIVE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck returns the first failing dependency.
func healthCheck(ctx context.Context, checks map[string]api.HealthChecker) error {
	for name, c := range checks {
		if err := c.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// connectInfluxDB returns nil when telemetry is disabled.
func connectInfluxDB(cfg *config.Config, log *logging.Logger) (*influxdb.Client, error) {
	if !cfg.InfluxDB.Enabled {
		log.Info("InfluxDB disabled")
		return nil, nil
	}

	client, err := influxdb.Connect(cfg.InfluxDB)
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected",
		"url", cfg.InfluxDB.URL,
		"org", cfg.InfluxDB.Org,
		"bucket", cfg.InfluxDB.Bucket,
	)
	return client, nil
}

// startRelay connects to Redis and subscribes this node to the shared
// event channel. Its sink is the service's local fanout, so every node,
// this one included, distributes each relayed event exactly once.
func startRelay(ctx context.Context, cfg *config.Config, service *ingest.Service, log *logging.Logger) (*redis.Client, *relay.Relay, error) {
	if !cfg.Redis.Enabled {
		log.Info("cluster relay disabled")
		return nil, nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck // Already failing
		return nil, nil, fmt.Errorf("connecting to Redis: %w", err)
	}

	r := relay.New(client, cfg.Redis.Channel, cfg.Node.ID, service.Local())
	r.SetLogger(log.Component("relay"))
	if err := r.Start(ctx); err != nil {
		client.Close() //nolint:errcheck // Already failing
		return nil, nil, fmt.Errorf("starting relay: %w", err)
	}
	log.Info("cluster relay started", "addr", cfg.Redis.Addr, "channel", cfg.Redis.Channel)
	return client, r, nil
}

// startDeviceGateway connects to the broker and subscribes to device topics.
func startDeviceGateway(cfg *config.Config, service *ingest.Service, log *logging.Logger) (*mqtt.Client, *ingest.DeviceGateway, error) {
	client, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log.Component("mqtt"))
	client.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	//nolint:gosec // G115: QoS validated to 0-2 by config
	gateway := ingest.NewDeviceGateway(client, service, byte(cfg.MQTT.QoS))
	gateway.SetLogger(log.Component("gateway"))
	if err := gateway.Start(); err != nil {
		client.Close() //nolint:errcheck // Already failing
		return nil, nil, fmt.Errorf("starting MQTT device gateway: %w", err)
	}
	log.Info("MQTT device gateway started",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)
	return client, gateway, nil
}

// redisHealth adapts a Redis client to api.HealthChecker.
type redisHealth struct {
	client *redis.Client
}

func (h redisHealth) HealthCheck(ctx context.Context) error {
	return h.client.Ping(ctx).Err()
}
