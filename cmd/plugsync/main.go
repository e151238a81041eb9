// PlugSync Core - smart plug synchronisation service
//
// This is the main entry point for the plug synchronisation core. It keeps
// an authoritative in-memory copy of every clinic-assigned smart plug's
// state, fed by the cloud relay's event stream and corrected by periodic
// reconciliation against the provider's status API, and serves that state to
// the clinic application over HTTP and WebSocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/nerrad567/plugsync-core/migrations"

	"github.com/nerrad567/plugsync-core/internal/aggregate"
	"github.com/nerrad567/plugsync-core/internal/api"
	"github.com/nerrad567/plugsync-core/internal/assignment"
	"github.com/nerrad567/plugsync-core/internal/command"
	"github.com/nerrad567/plugsync-core/internal/device"
	"github.com/nerrad567/plugsync-core/internal/infrastructure/cloudapi"
	"github.com/nerrad567/plugsync-core/internal/infrastructure/config"
	"github.com/nerrad567/plugsync-core/internal/infrastructure/database"
	"github.com/nerrad567/plugsync-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/plugsync-core/internal/infrastructure/logging"
	"github.com/nerrad567/plugsync-core/internal/reconcile"
	"github.com/nerrad567/plugsync-core/internal/relay"
	"github.com/nerrad567/plugsync-core/internal/session"
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
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting PlugSync Core",
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

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open the assignment mirror and bring its schema up to date
	db, err := database.Open(cfg.Database)
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

	// Device state store: the single authoritative cache everything else
	// writes to and reads from.
	store := device.NewStore()
	store.SetLogger(log)
	defer func() {
		log.Info("closing device store")
		store.Close()
	}()

	// Session mapper: deviceID <-> transient cloud session ID
	mapper := session.NewMapper()

	// Assignment cache: loads the clinic registry mirror and controls store
	// membership. The initial load must succeed before anything starts.
	assignRepo := assignment.NewSQLiteRepository(db)
	assignments, err := assignment.NewCache(assignRepo, store, mapper, cfg.Assignments, log)
	if err != nil {
		return fmt.Errorf("creating assignment cache: %w", err)
	}
	if startErr := assignments.Start(ctx); startErr != nil {
		return fmt.Errorf("starting assignment cache: %w", startErr)
	}
	defer func() {
		log.Info("stopping assignment cache")
		assignments.Close()
	}()
	log.Info("assignments loaded", "devices", assignments.Len())

	// Cloud API client: commands and authoritative status fetches
	cloud := cloudapi.New(cfg.CloudAPI)
	cloud.SetLogger(log)

	// Reconciliation scheduler: periodic sweeps, reconnect refreshes and
	// post-command confirmations
	scheduler, err := reconcile.NewScheduler(reconcile.Deps{
		Config:      cfg.Reconcile,
		Store:       store,
		Fetcher:     cloud,
		Assignments: assignments,
		Logger:      log,
	})
	if err != nil {
		return fmt.Errorf("creating reconciliation scheduler: %w", err)
	}
	scheduler.Start(ctx)
	defer func() {
		log.Info("stopping reconciliation scheduler")
		scheduler.Close()
	}()

	// Relay manager: one connection per cloud account credential. The
	// scheduler listens for connect transitions to refresh missed state.
	relayMgr, err := relay.NewManager(relay.Deps{
		Config:      cfg.Relay,
		Store:       store,
		Mapper:      mapper,
		Assignments: assignments,
		Listener:    scheduler,
		Logger:      log,
	})
	if err != nil {
		return fmt.Errorf("creating relay manager: %w", err)
	}
	relayMgr.Start(ctx)
	defer func() {
		log.Info("stopping relay manager")
		relayMgr.Close()
	}()

	// Command executor: optimistic toggles with rollback
	executor, err := command.NewExecutor(command.Deps{
		Store:          store,
		Sessions:       mapper,
		Sender:         cloud,
		Confirmer:      scheduler,
		CommandTimeout: cfg.CloudAPI.Timeout,
		Logger:         log,
	})
	if err != nil {
		return fmt.Errorf("creating command executor: %w", err)
	}

	// Telemetry history (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			if errors.Is(err, influxdb.ErrDisabled) {
				influxClient = nil
			} else {
				return fmt.Errorf("connecting to InfluxDB: %w", err)
			}
		}
	}
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("telemetry history disabled")
	}

	// WebSocket hub is shared between the API server and the aggregate
	// notifier, so it is created here and injected into both.
	hub := api.NewHub(cfg.WebSocket, log)
	go hub.Run(ctx)

	notifier := aggregate.NewNotifier(store, hub, cfg.Service.PowerEpsilon)
	defer notifier.Close()

	// HTTP/WebSocket API server
	health := map[string]api.HealthChecker{
		"database":    db,
		"assignments": assignments,
		"relay":       relayMgr,
	}
	if influxClient != nil {
		health["influxdb"] = influxClient
	}

	serverDeps := api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Security:    cfg.Security,
		Service:     cfg.Service,
		Logger:      log,
		Store:       store,
		Toggler:     executor,
		Resyncer:    scheduler,
		Aggregates:  notifier,
		Health:      health,
		ExternalHub: hub,
		Version:     version,
	}
	if influxClient != nil {
		serverDeps.Telemetry = influxClient
	}

	server, err := api.New(serverDeps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started", "address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port))

	// Verify infrastructure is healthy. Relay connections dial in the
	// background and are intentionally excluded here; their state surfaces
	// on /healthz once established.
	if err := healthCheck(ctx, db, assignments, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// API server, aggregate notifier, InfluxDB, relay manager, scheduler,
	// assignment cache, device store, database.

	log.Info("PlugSync Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses PLUGSYNC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("PLUGSYNC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies infrastructure connections at startup.
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, assignments *assignment.Cache, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := assignments.HealthCheck(ctx); err != nil {
		return fmt.Errorf("assignments: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
