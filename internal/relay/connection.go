package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/plugsync-core/internal/device"
	"github.com/nerrad567/plugsync-core/internal/infrastructure/config"
	"github.com/nerrad567/plugsync-core/internal/session"
)

// State is the connection state machine position for one credential.
type State string

// Connection states.
const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for one dial attempt.
	defaultConnectTimeout = 10 * time.Second

	// defaultKeepAlive is the MQTT keepalive interval. The heartbeat window
	// in config must exceed this or healthy connections get force-closed.
	defaultKeepAlive = 60 * time.Second

	// defaultDisconnectQuiesce is the time allowed for pending operations
	// when closing a connection, in milliseconds.
	defaultDisconnectQuiesce = 250

	// minWatchdogTick bounds how often the traffic watchdog wakes up.
	minWatchdogTick = time.Second

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// connectionDeps holds the collaborators shared by all connections.
type connectionDeps struct {
	store       *device.Store
	mapper      *session.Mapper
	assignments Assignments
	listener    Listener
	logger      Logger
}

// connection is the state machine for one credential's relay subscription.
type connection struct {
	acct config.RelayAccountConfig
	cfg  config.RelayConfig
	connectionDeps

	client pahomqtt.Client

	stateMu sync.RWMutex
	state   State

	// lastTraffic is the unix-nano time of the last inbound packet,
	// including keepalives. Read by the watchdog.
	lastTraffic atomic.Int64

	// lost is signalled (once per connect attempt) when the connection
	// drops, whether by broker close or watchdog force-close.
	lost     chan error
	lostOnce *sync.Once

	authReported bool
}

func newConnection(acct config.RelayAccountConfig, cfg config.RelayConfig, deps connectionDeps) *connection {
	return &connection{
		acct:           acct,
		cfg:            cfg,
		connectionDeps: deps,
		state:          StateDisconnected,
	}
}

// run drives the Disconnected → Connecting → Connected state machine until
// the context is cancelled. Backoff is exponential with jitter, reset on
// every successful connection.
func (c *connection) run(ctx context.Context) {
	initial := time.Duration(c.cfg.Reconnect.InitialDelay) * time.Second
	if initial <= 0 {
		initial = time.Second
	}
	maxDelay := time.Duration(c.cfg.Reconnect.MaxDelay) * time.Second
	if maxDelay < initial {
		maxDelay = initial
	}
	backoff := initial

	for {
		if ctx.Err() != nil {
			return
		}

		c.setState(StateConnecting)
		if err := c.connect(ctx); err != nil {
			c.setState(StateDisconnected)

			if isAuthError(err) {
				if !c.authReported {
					c.authReported = true
					c.logger.Error("relay credential rejected", "account", c.acct.ID, "error", err)
					c.listener.AuthFailed(c.acct.ID, err)
				}
			} else {
				c.logger.Warn("relay connect failed",
					"account", c.acct.ID,
					"error", err,
					"retry_in", backoff,
				)
			}

			if !sleepCtx(ctx, withJitter(backoff)) {
				return
			}
			backoff = backoff * 2
			if backoff > maxDelay {
				backoff = maxDelay
			}
			continue
		}

		backoff = initial
		c.authReported = false
		c.markTraffic()
		c.setState(StateConnected)
		c.logger.Info("relay connected", "account", c.acct.ID)
		c.listener.Connected(c.acct.ID)

		select {
		case err := <-c.lost:
			c.setState(StateDisconnected)
			c.logger.Warn("relay connection lost", "account", c.acct.ID, "error", err)
			c.listener.Disconnected(c.acct.ID, err)
			// Devices are NOT marked offline here: a dropped relay link
			// says nothing about the plugs themselves. Reconciliation and
			// staleness handling cover the gap until reconnect.
			if !sleepCtx(ctx, withJitter(initial)) {
				return
			}
		case <-ctx.Done():
			c.disconnect()
			c.setState(StateDisconnected)
			return
		}
	}
}

// connect performs one dial attempt and sets up the event subscription.
func (c *connection) connect(ctx context.Context) error {
	c.lost = make(chan error, 1)
	c.lostOnce = &sync.Once{}

	opts := c.buildClientOptions()
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.signalLost(err)
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		client.Disconnect(0)
		return fmt.Errorf("%w: timeout after %v", ErrConnectFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	if ctx.Err() != nil {
		client.Disconnect(defaultDisconnectQuiesce)
		return ctx.Err()
	}

	// Subscribe to everything the account's relay publishes: device events
	// and keepalives. Wildcard depth covers both topic shapes.
	topic := fmt.Sprintf("%s/%s/#", c.cfg.TopicRoot, c.acct.ID)
	subToken := client.Subscribe(topic, byte(c.cfg.QoS), c.handleMessage) // #nosec G115 -- QoS validated by config
	if !subToken.WaitTimeout(defaultConnectTimeout) {
		client.Disconnect(defaultDisconnectQuiesce)
		return fmt.Errorf("%w: subscribe timeout on %q", ErrConnectFailed, topic)
	}
	if err := subToken.Error(); err != nil {
		client.Disconnect(defaultDisconnectQuiesce)
		return fmt.Errorf("%w: subscribing to %q: %w", ErrConnectFailed, topic, err)
	}

	c.client = client
	return nil
}

// buildClientOptions creates paho options for this credential.
//
// Auto-reconnect and connect-retry are disabled: run() owns reconnection so
// that the Connected transition (which triggers reconciliation) is explicit.
func (c *connection) buildClientOptions() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if c.acct.Broker.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, c.acct.Broker.Host, c.acct.Broker.Port))

	clientID := c.acct.Broker.ClientID
	if clientID == "" {
		clientID = "plugsync-" + c.acct.ID
	}
	opts.SetClientID(clientID)

	if c.acct.Auth.Username != "" {
		opts.SetUsername(c.acct.Auth.Username)
		opts.SetPassword(c.acct.Auth.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if c.acct.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	return opts
}

// disconnect closes the underlying client if present.
func (c *connection) disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(defaultDisconnectQuiesce)
	}
}

// watchdog force-closes the connection when no traffic (events or
// keepalives) has been observed within the configured heartbeat window.
// The forced close feeds the normal lost/reconnect path in run().
func (c *connection) watchdog(ctx context.Context) {
	window := c.cfg.HeartbeatWindow
	if window <= 0 {
		return
	}
	tick := window / 4
	if tick < minWatchdogTick {
		tick = minWatchdogTick
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.currentState() != StateConnected {
				continue
			}
			silence := time.Since(time.Unix(0, c.lastTraffic.Load()))
			if silence > window {
				c.logger.Warn("relay heartbeat timeout, forcing reconnect",
					"account", c.acct.ID,
					"silence", silence,
					"window", window,
				)
				c.disconnect()
				c.signalLost(fmt.Errorf("%w: no traffic for %v", ErrHeartbeatTimeout, silence))
			}
		}
	}
}

// handleMessage processes one inbound relay packet.
func (c *connection) handleMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("relay handler panic recovered",
				"account", c.acct.ID,
				"topic", msg.Topic(),
				"panic", r,
			)
		}
	}()

	c.markTraffic()

	kind, sessionID, ok := c.parseTopic(msg.Topic())
	if !ok {
		c.logger.Debug("unrecognised relay topic", "account", c.acct.ID, "topic", msg.Topic())
		return
	}

	switch kind {
	case topicKeepalive:
		// Liveness only; markTraffic above is the whole point.
	case topicDeviceEvent:
		c.handleEvent(sessionID, msg.Payload())
	}
}

// markTraffic records the arrival time of an inbound packet.
func (c *connection) markTraffic() {
	c.lastTraffic.Store(time.Now().UnixNano())
}

// signalLost delivers the lost signal at most once per connect attempt.
func (c *connection) signalLost(err error) {
	once := c.lostOnce
	if once == nil {
		return
	}
	once.Do(func() {
		select {
		case c.lost <- err:
		default:
		}
	})
}

func (c *connection) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

func (c *connection) currentState() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// isAuthError reports whether a connect failure is a credential rejection.
// paho surfaces broker CONNACK refusals as opaque errors, so this matches on
// the reason strings the broker returns.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "bad user name or password") ||
		strings.Contains(msg, "not authorized") ||
		strings.Contains(msg, "not authorised")
}

// withJitter spreads a backoff delay across [d, 1.5d) so reconnecting
// accounts don't thundering-herd the relay after an outage.
func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + rand.N(d/2) //nolint:gosec // jitter needs no cryptographic strength
}

// sleepCtx sleeps for d, returning false if the context was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
