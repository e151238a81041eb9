package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

// writeConfig writes YAML content to a temp file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

// minimalConfig is the smallest valid configuration.
const minimalConfig = `
cloud_api:
  base_url: https://api.example.com
security:
  jwt:
    secret: "0123456789abcdef0123456789abcdef"
`

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Service.StalenessWindow != 90*time.Second {
		t.Errorf("StalenessWindow = %v, want 90s", cfg.Service.StalenessWindow)
	}
	if cfg.Service.PowerEpsilon != 0.1 {
		t.Errorf("PowerEpsilon = %v, want 0.1", cfg.Service.PowerEpsilon)
	}
	if cfg.Relay.HeartbeatWindow != 75*time.Second {
		t.Errorf("HeartbeatWindow = %v, want 75s", cfg.Relay.HeartbeatWindow)
	}
	if cfg.Relay.TopicRoot != "relay/v1" {
		t.Errorf("TopicRoot = %q, want relay/v1", cfg.Relay.TopicRoot)
	}
	if cfg.Reconcile.ConfirmDelay != 4*time.Second {
		t.Errorf("ConfirmDelay = %v, want 4s", cfg.Reconcile.ConfirmDelay)
	}
	if cfg.API.Port != 8090 {
		t.Errorf("API.Port = %d, want 8090", cfg.API.Port)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %s/%s, want info/json", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
service:
  staleness_window: 2m
cloud_api:
  base_url: https://api.example.com
relay:
  qos: 2
  accounts:
    - id: acct-1
      broker:
        host: broker.example.com
        port: 8883
        tls: true
      auth:
        username: clinic
        password: hunter22
security:
  jwt:
    secret: "0123456789abcdef0123456789abcdef"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Service.StalenessWindow != 2*time.Minute {
		t.Errorf("StalenessWindow = %v, want 2m", cfg.Service.StalenessWindow)
	}
	if cfg.Relay.QoS != 2 {
		t.Errorf("QoS = %d, want 2", cfg.Relay.QoS)
	}
	if len(cfg.Relay.Accounts) != 1 {
		t.Fatalf("Accounts = %d, want 1", len(cfg.Relay.Accounts))
	}
	acct := cfg.Relay.Accounts[0]
	if acct.ID != "acct-1" || acct.Broker.Host != "broker.example.com" || !acct.Broker.TLS {
		t.Errorf("account = %+v, want acct-1/broker.example.com/tls", acct)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("PLUGSYNC_DATABASE_PATH", "/var/lib/plugsync/env.db")
	t.Setenv("PLUGSYNC_CLOUD_API_TOKEN", "env-token")
	t.Setenv("PLUGSYNC_JWT_SECRET", strings.Repeat("e", 32))

	cfg, err := Load(writeConfig(t, `
database:
  path: /var/lib/plugsync/file.db
cloud_api:
  base_url: https://api.example.com
  token: file-token
security:
  jwt:
    secret: "0123456789abcdef0123456789abcdef"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/var/lib/plugsync/env.db" {
		t.Errorf("Database.Path = %q, want env override", cfg.Database.Path)
	}
	if cfg.CloudAPI.Token != "env-token" {
		t.Errorf("CloudAPI.Token = %q, want env-token", cfg.CloudAPI.Token)
	}
	if cfg.Security.JWT.Secret != strings.Repeat("e", 32) {
		t.Error("JWT secret not taken from environment")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() error = nil for missing file")
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := defaultConfig()
		cfg.CloudAPI.BaseURL = "https://api.example.com"
		cfg.Security.JWT.Secret = testJWTSecret
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config passes",
			mutate: func(*Config) {},
		},
		{
			name:    "missing jwt secret",
			mutate:  func(c *Config) { c.Security.JWT.Secret = "" },
			wantErr: "security.jwt.secret is required",
		},
		{
			name:    "short jwt secret",
			mutate:  func(c *Config) { c.Security.JWT.Secret = "too-short" },
			wantErr: "at least 32 characters",
		},
		{
			name:    "qos out of range",
			mutate:  func(c *Config) { c.Relay.QoS = 3 },
			wantErr: "relay.qos",
		},
		{
			name:    "missing cloud api url",
			mutate:  func(c *Config) { c.CloudAPI.BaseURL = "" },
			wantErr: "cloud_api.base_url",
		},
		{
			name: "duplicate account ids",
			mutate: func(c *Config) {
				c.Relay.Accounts = []RelayAccountConfig{
					{ID: "acct-1", Broker: RelayBrokerConfig{Host: "a.example.com"}},
					{ID: "acct-1", Broker: RelayBrokerConfig{Host: "b.example.com"}},
				}
			},
			wantErr: "duplicated",
		},
		{
			name: "account without broker host",
			mutate: func(c *Config) {
				c.Relay.Accounts = []RelayAccountConfig{{ID: "acct-1"}}
			},
			wantErr: "broker.host is required",
		},
		{
			name:    "zero heartbeat window",
			mutate:  func(c *Config) { c.Relay.HeartbeatWindow = 0 },
			wantErr: "heartbeat_window",
		},
		{
			name:    "invalid api port",
			mutate:  func(c *Config) { c.API.Port = 0 },
			wantErr: "api.port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() error = nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_TimeoutGetters(t *testing.T) {
	cfg := &Config{API: APIConfig{Timeouts: APITimeoutConfig{Read: 15, Write: 20, Idle: 90}}}

	if got := cfg.GetReadTimeout(); got != 15*time.Second {
		t.Errorf("GetReadTimeout() = %v, want 15s", got)
	}
	if got := cfg.GetWriteTimeout(); got != 20*time.Second {
		t.Errorf("GetWriteTimeout() = %v, want 20s", got)
	}
	if got := cfg.GetIdleTimeout(); got != 90*time.Second {
		t.Errorf("GetIdleTimeout() = %v, want 90s", got)
	}
}
