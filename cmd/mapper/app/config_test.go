package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
settings:
  logLevel: debug
receivers:
  - name: rooftop
    port: /dev/ttyUSB0
    baudRate: 115200
    enabled: true
  - name: spare
    port: /dev/ttyUSB1
    enabled: false
relay:
  enabled: true
  url: nats://mesh.local:4222
tracker:
  staleTimeout: 90s
  purgeTimeout: 30m
  maxPathLength: 4096
lookup:
  ttl: 12h
server:
  listen: ":9090"
`)

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if config.Settings.LogLevel != "debug" {
		t.Errorf("Expected logLevel debug, got %q", config.Settings.LogLevel)
	}
	if len(config.Receivers) != 2 {
		t.Fatalf("Expected two receivers, got %d", len(config.Receivers))
	}
	if config.Receivers[0].Port != "/dev/ttyUSB0" || !config.Receivers[0].Enabled {
		t.Errorf("Unexpected first receiver: %+v", config.Receivers[0])
	}
	if got := config.Tracker.StaleTimeout.Std(); got != 90*time.Second {
		t.Errorf("Expected staleTimeout 90s, got %s", got)
	}
	if got := config.Tracker.PurgeTimeout.Std(); got != 30*time.Minute {
		t.Errorf("Expected purgeTimeout 30m, got %s", got)
	}
	if got := config.Lookup.TTL.Std(); got != 12*time.Hour {
		t.Errorf("Expected ttl 12h, got %s", got)
	}
	if config.Server.Listen != ":9090" {
		t.Errorf("Expected listen :9090, got %q", config.Server.Listen)
	}

	// Defaults fill in what the file left out.
	if config.Relay.Subject != defaultRelaySubject {
		t.Errorf("Expected default relay subject, got %q", config.Relay.Subject)
	}
	if config.Lookup.Endpoint != defaultLookupURL {
		t.Errorf("Expected default lookup endpoint, got %q", config.Lookup.Endpoint)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"nothing enabled", `
receivers:
  - name: rooftop
    port: /dev/ttyUSB0
    enabled: false
`},
		{"enabled receiver without port", `
receivers:
  - name: rooftop
    enabled: true
`},
		{"relay without url", `
relay:
  enabled: true
`},
		{"bad duration", `
receivers:
  - name: rooftop
    port: /dev/ttyUSB0
    enabled: true
tracker:
  staleTimeout: sixty seconds
`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, tc.content)); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Expected error for missing file, got nil")
	}
}
