package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Transport kinds accepted in [transport] kind.
const (
	TransportUDPClient = "udp-client"
	TransportUDPServer = "udp-server"
	TransportTCPClient = "tcp-client"
	TransportTCPServer = "tcp-server"
	TransportSerial    = "serial"
)

type DaemonConfig struct {
	Name              string
	SystemID          uint8
	ComponentID       uint8
	Heartbeat         bool
	HeartbeatInterval time.Duration
	// Schemas are dialect fragments merged in order after the built-in one.
	Schemas   []string
	Transport TransportConfig
	Signing   SigningConfig
	Admin     AdminConfig
}

type TransportConfig struct {
	Kind               string
	Address            string
	Device             string
	Baud               int
	FlowControl        bool
	MaxConnectAttempts int
}

type SigningConfig struct {
	Enabled bool
	LinkID  uint8
	// Passphrase is hashed into the key when Key is empty.
	Passphrase string
	// Key is 64 hex characters.
	Key string
}

type AdminConfig struct {
	// Addr empty disables the admin server.
	Addr        string
	CorsOrigins []string
	// TapRate caps messages per second per websocket subscriber.
	TapRate float64
	// Token guards message injection when set.
	Token string
}

func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		Name:              "mavctl",
		SystemID:          97,
		ComponentID:       97,
		Heartbeat:         true,
		HeartbeatInterval: time.Second,
		Schemas:           []string{},
		Transport: TransportConfig{
			Kind:               TransportUDPServer,
			Address:            ":14550",
			Baud:               57600,
			MaxConnectAttempts: 5,
		},
		Admin: AdminConfig{
			Addr:        "127.0.0.1:7080",
			CorsOrigins: []string{"http://localhost:3000"},
			TapRate:     50,
		},
	}
}

type fileConfig struct {
	Name              string            `toml:"name"`
	SystemID          int               `toml:"system_id"`
	ComponentID       int               `toml:"component_id"`
	Heartbeat         bool              `toml:"heartbeat"`
	HeartbeatInterval string            `toml:"heartbeat_interval"`
	Schemas           []string          `toml:"schemas"`
	Transport         fileTransport     `toml:"transport"`
	Signing           fileSigningConfig `toml:"signing"`
	Admin             fileAdminConfig   `toml:"admin"`
}

type fileTransport struct {
	Kind               string `toml:"kind"`
	Address            string `toml:"address"`
	Device             string `toml:"device"`
	Baud               int    `toml:"baud"`
	FlowControl        bool   `toml:"flow_control"`
	MaxConnectAttempts int    `toml:"max_connect_attempts"`
}

type fileSigningConfig struct {
	Enabled    bool   `toml:"enabled"`
	LinkID     int    `toml:"link_id"`
	Passphrase string `toml:"passphrase"`
	Key        string `toml:"key"`
}

type fileAdminConfig struct {
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
	TapRate     float64  `toml:"tap_rate"`
	Token       string   `toml:"token"`
}

// LoadDaemonConfig overlays the keys present in path onto the defaults and
// validates the result. An empty path yields the defaults.
func LoadDaemonConfig(path string) (DaemonConfig, error) {
	cfg := DefaultDaemonConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, ValidateDaemonConfig(cfg)
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return DaemonConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return DaemonConfig{}, fmt.Errorf("config parse failed (%s): unknown key %s", path, undecoded[0])
	}

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Name = name
		}
	}
	if meta.IsDefined("system_id") {
		id, err := mavID("system_id", raw.SystemID)
		if err != nil {
			return DaemonConfig{}, err
		}
		cfg.SystemID = id
	}
	if meta.IsDefined("component_id") {
		id, err := mavID("component_id", raw.ComponentID)
		if err != nil {
			return DaemonConfig{}, err
		}
		cfg.ComponentID = id
	}
	if meta.IsDefined("heartbeat") {
		cfg.Heartbeat = raw.Heartbeat
	}
	if meta.IsDefined("heartbeat_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HeartbeatInterval))
		if err != nil {
			return DaemonConfig{}, fmt.Errorf("parse heartbeat_interval: %w", err)
		}
		cfg.HeartbeatInterval = d
	}
	if meta.IsDefined("schemas") {
		cfg.Schemas = normalizeList(raw.Schemas)
	}

	if meta.IsDefined("transport", "kind") {
		cfg.Transport.Kind = strings.ToLower(strings.TrimSpace(raw.Transport.Kind))
	}
	if meta.IsDefined("transport", "address") {
		cfg.Transport.Address = strings.TrimSpace(raw.Transport.Address)
	}
	if meta.IsDefined("transport", "device") {
		cfg.Transport.Device = strings.TrimSpace(raw.Transport.Device)
	}
	if meta.IsDefined("transport", "baud") {
		cfg.Transport.Baud = raw.Transport.Baud
	}
	if meta.IsDefined("transport", "flow_control") {
		cfg.Transport.FlowControl = raw.Transport.FlowControl
	}
	if meta.IsDefined("transport", "max_connect_attempts") {
		cfg.Transport.MaxConnectAttempts = raw.Transport.MaxConnectAttempts
	}

	if meta.IsDefined("signing", "enabled") {
		cfg.Signing.Enabled = raw.Signing.Enabled
	}
	if meta.IsDefined("signing", "link_id") {
		id, err := mavID("signing.link_id", raw.Signing.LinkID)
		if err != nil {
			return DaemonConfig{}, err
		}
		cfg.Signing.LinkID = id
	}
	if meta.IsDefined("signing", "passphrase") {
		cfg.Signing.Passphrase = raw.Signing.Passphrase
	}
	if meta.IsDefined("signing", "key") {
		cfg.Signing.Key = strings.TrimSpace(raw.Signing.Key)
	}

	if meta.IsDefined("admin", "addr") {
		cfg.Admin.Addr = strings.TrimSpace(raw.Admin.Addr)
	}
	if meta.IsDefined("admin", "cors_origins") {
		cfg.Admin.CorsOrigins = normalizeList(raw.Admin.CorsOrigins)
	}
	if meta.IsDefined("admin", "tap_rate") {
		cfg.Admin.TapRate = raw.Admin.TapRate
	}
	if meta.IsDefined("admin", "token") {
		cfg.Admin.Token = strings.TrimSpace(raw.Admin.Token)
	}

	if err := ValidateDaemonConfig(cfg); err != nil {
		return DaemonConfig{}, err
	}
	return cfg, nil
}

func mavID(key string, v int) (uint8, error) {
	if v < 0 || v > 255 {
		return 0, fmt.Errorf("%s out of range: %d", key, v)
	}
	return uint8(v), nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func ValidateDaemonConfig(cfg DaemonConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("daemon config missing name")
	}
	if cfg.SystemID == 0 {
		return fmt.Errorf("system_id 0 is reserved for broadcast")
	}
	if cfg.Heartbeat && cfg.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if err := ValidateTransport(cfg.Transport); err != nil {
		return fmt.Errorf("transport invalid: %w", err)
	}
	if cfg.Signing.Enabled {
		if _, err := cfg.Signing.SecretKey(); err != nil {
			return fmt.Errorf("signing invalid: %w", err)
		}
	}
	if cfg.Admin.TapRate < 0 {
		return fmt.Errorf("admin tap_rate must not be negative")
	}
	return nil
}

func ValidateTransport(cfg TransportConfig) error {
	switch cfg.Kind {
	case TransportUDPClient, TransportUDPServer, TransportTCPClient, TransportTCPServer:
		if strings.TrimSpace(cfg.Address) == "" {
			return fmt.Errorf("address is required for %s", cfg.Kind)
		}
	case TransportSerial:
		if strings.TrimSpace(cfg.Device) == "" {
			return fmt.Errorf("device is required for serial")
		}
		if cfg.Baud <= 0 {
			return fmt.Errorf("baud must be positive")
		}
	default:
		return fmt.Errorf("unknown kind %q", cfg.Kind)
	}
	if (cfg.Kind == TransportUDPClient || cfg.Kind == TransportTCPClient) && strings.HasPrefix(cfg.Address, ":") {
		return fmt.Errorf("host required when %s address is a port", cfg.Kind)
	}
	return nil
}
