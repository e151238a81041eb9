// Package api provides the HTTP REST API and WebSocket server for the plug
// synchronisation core.
//
// It exposes cached device state, per-clinic aggregates and toggle/resync
// operations to the clinic application, and pushes state and aggregate
// changes to WebSocket subscribers.
//
// The server follows the same lifecycle pattern as the other components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/plugsync-core/internal/aggregate"
	"github.com/nerrad567/plugsync-core/internal/device"
	"github.com/nerrad567/plugsync-core/internal/infrastructure/config"
	"github.com/nerrad567/plugsync-core/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Toggler executes relay toggle commands.
type Toggler interface {
	Toggle(ctx context.Context, deviceID string, desiredOn bool) error
}

// Resyncer forces an immediate authoritative refresh of one device.
type Resyncer interface {
	Resync(ctx context.Context, deviceID string) error
}

// AggregateReader serves the current rollup for a clinic.
type AggregateReader interface {
	Snapshot(clinicID string) aggregate.Aggregate
}

// TelemetrySink records device samples for history. May be nil.
type TelemetrySink interface {
	WriteTelemetry(d device.Device, at time.Time)
}

// HealthChecker is implemented by every component surfaced on /healthz.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	WS         config.WebSocketConfig
	Security   config.SecurityConfig
	Service    config.ServiceConfig
	Logger     *logging.Logger
	Store      *device.Store
	Toggler    Toggler
	Resyncer   Resyncer
	Aggregates AggregateReader
	Telemetry  TelemetrySink // optional
	Health     map[string]HealthChecker

	ExternalHub *Hub // If set, the server uses this hub instead of creating its own
	Version     string
}

// Server is the HTTP API server for the plug synchronisation core.
//
// It manages the HTTP listener, routes, middleware and WebSocket hub, and
// relays committed state store mutations to WebSocket clients and the
// telemetry sink.
type Server struct {
	cfg        config.APIConfig
	wsCfg      config.WebSocketConfig
	secCfg     config.SecurityConfig
	svcCfg     config.ServiceConfig
	logger     *logging.Logger
	store      *device.Store
	toggler    Toggler
	resyncer   Resyncer
	aggregates AggregateReader
	telemetry  TelemetrySink
	health     map[string]HealthChecker
	version    string

	server      *http.Server
	hub         *Hub
	externalHub bool
	cancel      context.CancelFunc
	unsubscribe func()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("device store is required")
	}
	if deps.Toggler == nil {
		return nil, fmt.Errorf("command executor is required")
	}
	if deps.Resyncer == nil {
		return nil, fmt.Errorf("reconciliation scheduler is required")
	}
	if deps.Aggregates == nil {
		return nil, fmt.Errorf("aggregate reader is required")
	}

	s := &Server{
		cfg:        deps.Config,
		wsCfg:      deps.WS,
		secCfg:     deps.Security,
		svcCfg:     deps.Service,
		logger:     deps.Logger,
		store:      deps.Store,
		toggler:    deps.Toggler,
		resyncer:   deps.Resyncer,
		aggregates: deps.Aggregates,
		telemetry:  deps.Telemetry,
		health:     deps.Health,
		version:    deps.Version,
	}

	// Use an externally-provided hub if available (needed when the aggregate
	// notifier also broadcasts through it).
	if deps.ExternalHub != nil {
		s.hub = deps.ExternalHub
		s.externalHub = true
	}

	return s, nil
}

// Start begins listening for HTTP connections.
//
// It subscribes to state store mutations for WebSocket broadcast and
// telemetry recording, builds the router and launches the HTTP listener in a
// background goroutine. The server is stopped with Close().
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
		go s.hub.Run(srvCtx)
	}

	s.subscribeStoreUpdates()

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// subscribeStoreUpdates relays committed store mutations to WebSocket
// clients on the "device.updated" channel and to the telemetry sink.
// The callback runs on the store's dispatch goroutine, so it only marshals
// and hands off; slow WebSocket clients are skipped by the hub.
func (s *Server) subscribeStoreUpdates() {
	s.unsubscribe = s.store.Subscribe(func(u device.Update) {
		now := time.Now().UTC()

		s.hub.Broadcast("device.updated", deviceUpdatedPayload{
			Device:  device.NewView(u.Device, now, s.svcCfg.StalenessWindow),
			Changed: u.Changed,
			Source:  string(u.Source),
		})

		if s.telemetry != nil && recordsHistory(u.Source, u.Changed) {
			s.telemetry.WriteTelemetry(u.Device, now)
		}
	})
}

// recordsHistory reports whether a mutation earns a history point. Only
// ground truth goes to the time series: optimistic writes are provisional
// and may be rolled back, and assignment metadata churn is not telemetry.
func recordsHistory(source device.Source, changed []string) bool {
	if source == device.SourceOptimistic {
		return false
	}
	for _, field := range changed {
		switch field {
		case device.FieldOnline, device.FieldRelayOn,
			device.FieldPower, device.FieldVoltage, device.FieldTemperature:
			return true
		}
	}
	return false
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
