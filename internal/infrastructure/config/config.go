package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the plug synchronisation core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Service     ServiceConfig     `yaml:"service"`
	Database    DatabaseConfig    `yaml:"database"`
	Relay       RelayConfig       `yaml:"relay"`
	CloudAPI    CloudAPIConfig    `yaml:"cloud_api"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Assignments AssignmentsConfig `yaml:"assignments"`
	API         APIConfig         `yaml:"api"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	Logging     LoggingConfig     `yaml:"logging"`
	Security    SecurityConfig    `yaml:"security"`
}

// ServiceConfig contains service-level identification and tuning.
type ServiceConfig struct {
	Name string `yaml:"name"`

	// StalenessWindow is how long a device may go without a confirming
	// signal while online before consumers must render it as stale.
	StalenessWindow time.Duration `yaml:"staleness_window"`

	// PowerEpsilon is the noise floor (watts) below which a power sample
	// does not count as consumption.
	PowerEpsilon float64 `yaml:"power_epsilon"`
}

// DatabaseConfig contains SQLite settings for the local assignment mirror.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// RelayConfig contains cloud relay connection settings.
// One connection is maintained per configured account.
type RelayConfig struct {
	Accounts  []RelayAccountConfig `yaml:"accounts"`
	QoS       int                  `yaml:"qos"`
	Reconnect RelayReconnectConfig `yaml:"reconnect"`

	// HeartbeatWindow is the maximum silence (no events, no keepalives)
	// tolerated before a connection is force-closed and redialled.
	HeartbeatWindow time.Duration `yaml:"heartbeat_window"`

	// TopicRoot is the first topic segment used by the relay broker.
	TopicRoot string `yaml:"topic_root"`
}

// RelayAccountConfig identifies one relay credential.
type RelayAccountConfig struct {
	ID     string           `yaml:"id"`
	Broker RelayBrokerConfig `yaml:"broker"`
	Auth   RelayAuthConfig   `yaml:"auth"`
}

// RelayBrokerConfig contains broker connection details for one account.
type RelayBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// RelayAuthConfig contains relay authentication credentials.
type RelayAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// RelayReconnectConfig contains reconnection backoff settings (seconds).
type RelayReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// CloudAPIConfig contains settings for the cloud command/status HTTP boundary.
type CloudAPIConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Token      string        `yaml:"token"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retry_count"`
}

// ReconcileConfig contains reconciliation scheduler settings.
type ReconcileConfig struct {
	// SweepInterval is the period of the full per-clinic refresh.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// ConfirmDelay is how long after a successful toggle command the
	// confirmation fetch is scheduled.
	ConfirmDelay time.Duration `yaml:"confirm_delay"`

	// FailureThreshold is the consecutive fetch-failure count after which
	// the failure is escalated from debug to warning logs.
	FailureThreshold int `yaml:"failure_threshold"`
}

// AssignmentsConfig contains settings for the clinic assignment mirror.
type AssignmentsConfig struct {
	// RefreshInterval is how often the device→clinic mapping is re-read.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings for telemetry history.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token validation settings.
// Tokens are issued by the clinic application; this core only validates them.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: PLUGSYNC_SECTION_KEY
// For example: PLUGSYNC_DATABASE_PATH, PLUGSYNC_CLOUD_API_TOKEN
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "plugsync",
			StalenessWindow: 90 * time.Second,
			PowerEpsilon:    0.1,
		},
		Database: DatabaseConfig{
			Path:        "./data/plugsync.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Relay: RelayConfig{
			QoS: 1,
			Reconnect: RelayReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			HeartbeatWindow: 75 * time.Second,
			TopicRoot:       "relay/v1",
		},
		CloudAPI: CloudAPIConfig{
			Timeout:    10 * time.Second,
			RetryCount: 2,
		},
		Reconcile: ReconcileConfig{
			SweepInterval:    60 * time.Second,
			ConfirmDelay:     4 * time.Second,
			FailureThreshold: 3,
		},
		Assignments: AssignmentsConfig{
			RefreshInterval: 5 * time.Minute,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: PLUGSYNC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("PLUGSYNC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Cloud API
	if v := os.Getenv("PLUGSYNC_CLOUD_API_URL"); v != "" {
		cfg.CloudAPI.BaseURL = v
	}
	if v := os.Getenv("PLUGSYNC_CLOUD_API_TOKEN"); v != "" {
		cfg.CloudAPI.Token = v
	}

	// API
	if v := os.Getenv("PLUGSYNC_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("PLUGSYNC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security - JWT secret (IMPORTANT: always override in production)
	if v := os.Getenv("PLUGSYNC_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// Relay validation
	if c.Relay.QoS < 0 || c.Relay.QoS > 2 {
		errs = append(errs, "relay.qos must be 0, 1, or 2")
	}
	if c.Relay.HeartbeatWindow <= 0 {
		errs = append(errs, "relay.heartbeat_window must be positive")
	}
	seen := make(map[string]struct{}, len(c.Relay.Accounts))
	for i, acct := range c.Relay.Accounts {
		if acct.ID == "" {
			errs = append(errs, fmt.Sprintf("relay.accounts[%d].id is required", i))
			continue
		}
		if _, dup := seen[acct.ID]; dup {
			errs = append(errs, fmt.Sprintf("relay.accounts[%d].id %q is duplicated", i, acct.ID))
		}
		seen[acct.ID] = struct{}{}
		if acct.Broker.Host == "" {
			errs = append(errs, fmt.Sprintf("relay.accounts[%d].broker.host is required", i))
		}
	}

	// Cloud API validation
	if c.CloudAPI.BaseURL == "" {
		errs = append(errs, "cloud_api.base_url is required (set PLUGSYNC_CLOUD_API_URL)")
	}

	// Reconcile validation
	if c.Reconcile.SweepInterval <= 0 {
		errs = append(errs, "reconcile.sweep_interval must be positive")
	}
	if c.Reconcile.ConfirmDelay <= 0 {
		errs = append(errs, "reconcile.confirm_delay must be positive")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Security validation - JWT secret is REQUIRED
	// The API fronts physical power relays in clinical rooms; weak secrets
	// would let an attacker forge tokens and switch equipment circuits.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set PLUGSYNC_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
