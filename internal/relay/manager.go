package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/nerrad567/plugsync-core/internal/device"
	"github.com/nerrad567/plugsync-core/internal/infrastructure/config"
	"github.com/nerrad567/plugsync-core/internal/session"
)

// Logger defines the logging interface used by the relay manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Listener receives connection-health signals.
//
// Connected fires on every (re)connect after subscriptions are in place, so
// the reconciliation scheduler can refresh all devices bound to the account
// and recover state missed while disconnected. AuthFailed is reported once
// per credential, not per attempt.
type Listener interface {
	Connected(accountID string)
	Disconnected(accountID string, err error)
	AuthFailed(accountID string, err error)
}

// Assignments gatekeeps which device IDs are admitted into the state store.
// Events for devices the clinic mapping has never declared are dropped.
type Assignments interface {
	Known(deviceID string) bool
}

// Deps holds the dependencies required by the relay manager.
type Deps struct {
	Config      config.RelayConfig
	Store       *device.Store
	Mapper      *session.Mapper
	Assignments Assignments
	Listener    Listener
	Logger      Logger
}

// Manager owns one logical relay subscription per configured credential.
//
// Each connection runs an explicit Disconnected → Connecting → Connected
// state machine with self-driven exponential backoff and jitter. The paho
// auto-reconnect machinery is deliberately disabled: reconnection timing is
// what drives post-reconnect reconciliation, so it has to be observable.
//
// Thread Safety: all methods are safe for concurrent use.
type Manager struct {
	cfg    config.RelayConfig
	conns  []*connection
	logger Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a relay manager for the configured accounts.
//
// Returns an error if required dependencies are missing. A configuration
// with zero accounts is valid (the core then serves cached/reconciled state
// only) but is logged loudly.
func NewManager(deps Deps) (*Manager, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("device store is required")
	}
	if deps.Mapper == nil {
		return nil, fmt.Errorf("session mapper is required")
	}
	if deps.Assignments == nil {
		return nil, fmt.Errorf("assignment lookup is required")
	}
	if deps.Listener == nil {
		return nil, fmt.Errorf("connection listener is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	m := &Manager{
		cfg:    deps.Config,
		logger: logger,
	}

	for _, acct := range deps.Config.Accounts {
		m.conns = append(m.conns, newConnection(acct, deps.Config, connectionDeps{
			store:       deps.Store,
			mapper:      deps.Mapper,
			assignments: deps.Assignments,
			listener:    deps.Listener,
			logger:      logger,
		}))
	}

	if len(m.conns) == 0 {
		logger.Warn("no relay accounts configured; live device events disabled")
	}

	return m, nil
}

// Start launches the connection state machines and their traffic watchdogs.
// It returns immediately; connections dial in the background.
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for _, conn := range m.conns {
		m.wg.Add(2)
		go func(c *connection) {
			defer m.wg.Done()
			c.run(runCtx)
		}(conn)
		go func(c *connection) {
			defer m.wg.Done()
			c.watchdog(runCtx)
		}(conn)
	}

	m.logger.Info("relay manager started", "accounts", len(m.conns))
}

// Close stops all connections and waits for their goroutines to exit.
// In-flight inbound events finish being applied; no new dials are made.
func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("relay manager stopped")
}

// States returns the current connection state per account, for diagnostics.
func (m *Manager) States() map[string]State {
	states := make(map[string]State, len(m.conns))
	for _, c := range m.conns {
		states[c.acct.ID] = c.currentState()
	}
	return states
}

// HealthCheck verifies that every configured relay connection is live.
//
// Returns:
//   - error: nil if all connections are Connected, error naming the first
//     account that is not
func (m *Manager) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("relay health check: %w", ctx.Err())
	default:
	}

	for _, c := range m.conns {
		if state := c.currentState(); state != StateConnected {
			return fmt.Errorf("%w: account %s is %s", ErrNotConnected, c.acct.ID, state)
		}
	}
	return nil
}
