package app

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dronewatch/meshmapper/internal/health"
	"github.com/dronewatch/meshmapper/internal/tracker"
)

const (
	defaultListen       = ":8080"
	defaultLookupURL    = "https://uasdoc.faa.gov/api/v1/serialNumbers"
	defaultRelaySubject = "meshmapper.detections"
)

// Duration wraps time.Duration so config values read as "60s" or "10m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the main application configuration
type Config struct {
	Settings  Settings         `yaml:"settings"`
	Receivers []ReceiverConfig `yaml:"receivers"`
	Relay     RelayConfig      `yaml:"relay"`
	Tracker   TrackerConfig    `yaml:"tracker"`
	Lookup    LookupConfig     `yaml:"lookup"`
	Webhook   WebhookConfig    `yaml:"webhook"`
	Server    ServerConfig     `yaml:"server"`
	Storage   StorageConfig    `yaml:"storage"`
	Health    HealthConfig     `yaml:"health"`
}

// Settings represents global application settings
type Settings struct {
	LogLevel string `yaml:"logLevel"`
}

// ReceiverConfig is one directly-attached receiver on a serial port.
type ReceiverConfig struct {
	Name     string `yaml:"name"`
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baudRate"`
	Enabled  bool   `yaml:"enabled"`
}

// RelayConfig is the mesh relay subscription.
type RelayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Name    string `yaml:"name"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// TrackerConfig tunes the registry lifecycle.
type TrackerConfig struct {
	StaleTimeout  Duration `yaml:"staleTimeout"`
	PurgeTimeout  Duration `yaml:"purgeTimeout"`
	MaxPathLength int      `yaml:"maxPathLength"`
	DedupeEpsilon float64  `yaml:"dedupeEpsilon"`
}

// LookupConfig tunes the registration lookup cache.
type LookupConfig struct {
	Endpoint string   `yaml:"endpoint"`
	TTL      Duration `yaml:"ttl"`
}

// WebhookConfig is the initial notification target; it may be changed at
// runtime from the API.
type WebhookConfig struct {
	URL string `yaml:"url"`
}

// ServerConfig is the HTTP API listener.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// StorageConfig represents storage settings
type StorageConfig struct {
	DataDirectory string `yaml:"dataDirectory"`
}

// HealthConfig tunes the ingestion liveness monitor.
type HealthConfig struct {
	LivenessWindow Duration `yaml:"livenessWindow"`
}

// LoadConfig reads and validates the YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}

	var config Config
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	config.applyDefaults()
	return &config, config.validate()
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = defaultListen
	}
	if c.Lookup.Endpoint == "" {
		c.Lookup.Endpoint = defaultLookupURL
	}
	if c.Relay.Subject == "" {
		c.Relay.Subject = defaultRelaySubject
	}
	if c.Relay.Name == "" {
		c.Relay.Name = "mesh-relay"
	}
	if c.Tracker.StaleTimeout <= 0 {
		c.Tracker.StaleTimeout = Duration(tracker.DefaultStaleTimeout)
	}
	if c.Tracker.PurgeTimeout <= 0 {
		c.Tracker.PurgeTimeout = Duration(tracker.DefaultPurgeTimeout)
	}
	if c.Health.LivenessWindow <= 0 {
		c.Health.LivenessWindow = Duration(health.DefaultLivenessWindow)
	}
}

func (c *Config) validate() error {
	enabled := c.Relay.Enabled
	for _, r := range c.Receivers {
		if r.Enabled && r.Port == "" {
			return fmt.Errorf("receiver %q has no serial port", r.Name)
		}
		enabled = enabled || r.Enabled
	}
	if !enabled {
		return fmt.Errorf("no receivers or relay enabled")
	}

	if c.Relay.Enabled && c.Relay.URL == "" {
		return fmt.Errorf("relay is enabled but has no URL")
	}
	return nil
}
