// Package config loads the engine configuration from a JSON or YAML file
// with optional environment overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/openfleet/carsim/core/metrics"
	"github.com/openfleet/carsim/core/motion"
	"github.com/openfleet/carsim/infra/mqtt"
	"github.com/openfleet/carsim/infra/routing"
)

// Config is the engine configuration document.
type Config struct {
	Server  ServerConfig   `json:"server"`
	MQTT    mqtt.Config    `json:"mqtt"`
	Routing routing.Config `json:"routing"`
	Session SessionConfig  `json:"session"`
	Motion  motion.Config  `json:"motion"`
	Metrics metrics.Config `json:"metrics"`
}

// ServerConfig holds the HTTP listener settings. The REST API and the
// websocket control channels share one listener.
type ServerConfig struct {
	Addr string `json:"addr"`
}

// SetDefaults applies sane defaults.
func (c *ServerConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
}

// SessionConfig holds session lifecycle settings.
type SessionConfig struct {
	// TTLMinutes is how long a session lives without being touched.
	TTLMinutes int `json:"ttl_minutes"`
	// SweepMinutes is the garbage-collection period.
	SweepMinutes int `json:"sweep_minutes"`
	// GraceSeconds is how long the control channel lingers after a
	// termination broadcast.
	GraceSeconds int `json:"grace_seconds"`
	// ConnectRetryCap bounds consecutive device connect failures.
	ConnectRetryCap int `json:"connect_retry_cap"`
}

// SetDefaults applies sane defaults.
func (c *SessionConfig) SetDefaults() {
	if c.TTLMinutes <= 0 {
		c.TTLMinutes = 30
	}
	if c.SweepMinutes <= 0 {
		c.SweepMinutes = 5
	}
	if c.GraceSeconds <= 0 {
		c.GraceSeconds = 2
	}
	if c.ConnectRetryCap <= 0 {
		c.ConnectRetryCap = 5
	}
}

// TTL returns the session lifetime as a duration.
func (c SessionConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// Sweep returns the garbage-collection period as a duration.
func (c SessionConfig) Sweep() time.Duration {
	return time.Duration(c.SweepMinutes) * time.Minute
}

// Grace returns the control channel grace delay as a duration.
func (c SessionConfig) Grace() time.Duration {
	return time.Duration(c.GraceSeconds) * time.Second
}

// SetDefaults applies defaults to every section.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.MQTT.SetDefaults()
	c.Routing.SetDefaults()
	c.Session.SetDefaults()
	c.Motion.SetDefaults()
	c.Metrics.SetDefaults()
}

// Load reads the configuration file, applies CARSIM_ environment overrides
// (CARSIM_MQTT__BROKER maps to mqtt.broker) and fills in defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	if err := k.Load(env.Provider("CARSIM_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "carsim_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	return &cfg, nil
}
