package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-meross/internal/device"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

// writeConfig writes a temporary config file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const minimalConfig = `
security:
  jwt:
    secret: "0123456789abcdef0123456789abcdef"
`

// =============================================================================
// Loading and Defaults
// =============================================================================

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Database.Path != "./data/merossbridge.db" {
		t.Errorf("database.path = %q, want default", cfg.Database.Path)
	}
	if cfg.API.Port != 8080 {
		t.Errorf("api.port = %d, want 8080", cfg.API.Port)
	}
	if cfg.MQTT.QoS != 1 {
		t.Errorf("mqtt.qos = %d, want 1", cfg.MQTT.QoS)
	}
	if cfg.Engine.PollInterval != 30*time.Second {
		t.Errorf("engine.poll_interval = %v, want 30s", cfg.Engine.PollInterval)
	}
	if cfg.Engine.FailureThreshold != 2 {
		t.Errorf("engine.failure_threshold = %d, want 2", cfg.Engine.FailureThreshold)
	}
}

func TestLoadParsesDevices(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
security:
  jwt:
    secret: "0123456789abcdef0123456789abcdef"
devices:
  - uuid: "2301151234567890"
    name: "desk plug"
    host: "192.168.1.50"
    key: "sharedkey"
    transport: "http"
    poll_interval: 45s
  - uuid: "2301159876543210"
    host: "192.168.1.51"
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.Devices) != 2 {
		t.Fatalf("len(devices) = %d, want 2", len(cfg.Devices))
	}

	dev := cfg.Devices[0].Device()
	if dev.Transport != device.TransportHTTP {
		t.Errorf("transport = %q, want http", dev.Transport)
	}
	if dev.PollInterval != 45*time.Second {
		t.Errorf("poll_interval = %v, want 45s", dev.PollInterval)
	}

	// An omitted transport means auto.
	if got := cfg.Devices[1].Device().Transport; got != device.TransportAuto {
		t.Errorf("default transport = %q, want auto", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load of missing file succeeded, want error")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "devices: [unterminated")); err == nil {
		t.Error("Load of malformed yaml succeeded, want error")
	}
}

// =============================================================================
// Environment Overrides
// =============================================================================

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MEROSSBRIDGE_DATABASE_PATH", "/var/lib/bridge.db")
	t.Setenv("MEROSSBRIDGE_JWT_SECRET", strings.Repeat("s", 40))
	t.Setenv("MEROSSBRIDGE_DEVICE_KEY", "fleet-key")

	cfg, err := Load(writeConfig(t, `
devices:
  - uuid: "u1"
    host: "h1"
  - uuid: "u2"
    host: "h2"
    key: "own-key"
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Database.Path != "/var/lib/bridge.db" {
		t.Errorf("database.path = %q, want env override", cfg.Database.Path)
	}
	if cfg.Security.JWT.Secret != strings.Repeat("s", 40) {
		t.Error("jwt secret env override not applied")
	}
	if cfg.Devices[0].Key != "fleet-key" {
		t.Errorf("devices[0].key = %q, want fleet key from env", cfg.Devices[0].Key)
	}
	if cfg.Devices[1].Key != "own-key" {
		t.Errorf("devices[1].key = %q, want its own key preserved", cfg.Devices[1].Key)
	}
}

// =============================================================================
// Validation
// =============================================================================

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := defaultConfig()
		cfg.Security.JWT.Secret = testJWTSecret
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(*Config) {},
		},
		{
			name:    "missing jwt secret",
			mutate:  func(c *Config) { c.Security.JWT.Secret = "" },
			wantErr: "jwt.secret is required",
		},
		{
			name:    "short jwt secret",
			mutate:  func(c *Config) { c.Security.JWT.Secret = "short" },
			wantErr: "at least 32 characters",
		},
		{
			name:    "bad qos",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.API.Port = 0 },
			wantErr: "api.port",
		},
		{
			name: "device without host",
			mutate: func(c *Config) {
				c.Devices = []DeviceConfig{{UUID: "u1"}}
			},
			wantErr: "devices[0].host is required",
		},
		{
			name: "duplicate device uuid",
			mutate: func(c *Config) {
				c.Devices = []DeviceConfig{
					{UUID: "u1", Host: "h1"},
					{UUID: "u1", Host: "h2"},
				}
			},
			wantErr: "duplicates",
		},
		{
			name: "bogus transport",
			mutate: func(c *Config) {
				c.Devices = []DeviceConfig{{UUID: "u1", Host: "h1", Transport: "zigbee"}}
			},
			wantErr: "transport must be",
		},
		{
			name: "mqtt transport without broker",
			mutate: func(c *Config) {
				c.MQTT.Enabled = false
				c.Devices = []DeviceConfig{{UUID: "u1", Host: "h1", Transport: "mqtt"}}
			},
			wantErr: "mqtt is disabled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

// =============================================================================
// Derived Values
// =============================================================================

func TestBrokerAddr(t *testing.T) {
	cfg := defaultConfig()
	if got, want := cfg.BrokerAddr(), "tcp://localhost:1883"; got != want {
		t.Errorf("BrokerAddr() = %q, want %q", got, want)
	}
	cfg.MQTT.Broker.TLS = true
	if got, want := cfg.BrokerAddr(), "ssl://localhost:1883"; got != want {
		t.Errorf("BrokerAddr() with tls = %q, want %q", got, want)
	}
}

func TestTimeoutAccessors(t *testing.T) {
	cfg := defaultConfig()
	if got := cfg.GetReadTimeout(); got != 30*time.Second {
		t.Errorf("GetReadTimeout() = %v, want 30s", got)
	}
	if got := cfg.GetIdleTimeout(); got != 60*time.Second {
		t.Errorf("GetIdleTimeout() = %v, want 60s", got)
	}
}
