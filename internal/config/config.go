// Package config loads the host configuration from a JSON5 file with
// environment overrides and hot-reloads the parts that can change live.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// Duration is a time.Duration that reads "45s" style strings or seconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json5.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(x * float64(time.Second)))
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(time.Duration(d).String())), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root of ~/.deskpilot/config.json5.
type Config struct {
	Name      string          `json:"name,omitempty"` // shown in discovery and to devices
	DataDir   string          `json:"data_dir,omitempty"`
	Gateway   GatewayConfig   `json:"gateway"`
	Pairing   PairingConfig   `json:"pairing"`
	Sessions  SessionsConfig  `json:"sessions"`
	Control   ControlConfig   `json:"control"`
	Stream    StreamConfig    `json:"stream"`
	Power     PowerConfig     `json:"power"`
	Discovery DiscoveryConfig `json:"discovery"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Tailscale TailscaleConfig `json:"tailscale"`
}

type GatewayConfig struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	PortFallbacks int    `json:"port_fallbacks"` // extra ports tried before asking the OS
	RateLimitRPM  int    `json:"rate_limit_rpm"` // per-IP requests per minute on the public API, 0 disables
	TLSCert       string `json:"tls_cert,omitempty"`
	TLSKey        string `json:"tls_key,omitempty"`
}

// TLSEnabled reports whether both certificate and key are configured.
func (g GatewayConfig) TLSEnabled() bool { return g.TLSCert != "" && g.TLSKey != "" }

type PairingConfig struct {
	Disabled    bool     `json:"disabled,omitempty"` // refuse new handshakes
	FixedPIN    string   `json:"fixed_pin,omitempty"`
	UseKeyring  bool     `json:"use_keyring"`
	MaxAttempts int      `json:"max_attempts"`
	Window      Duration `json:"window"`
	RotateCron  string   `json:"rotate_cron,omitempty"`
}

type SessionsConfig struct {
	DefaultRights    []string `json:"default_rights"`
	HeartbeatTimeout Duration `json:"heartbeat_timeout"`
	ControlPolicy    string   `json:"control_policy"` // "concurrent" or "single"
	Persist          bool     `json:"persist"`
	Store            string   `json:"store"` // "sqlite" or "file"
	DBPath           string   `json:"db_path,omitempty"`
}

type ControlConfig struct {
	IdleTimeout     Duration `json:"idle_timeout"`
	MaxMessageBytes int64    `json:"max_message_bytes"`
	SendBuffer      int      `json:"send_buffer"`
	EventQueue      int      `json:"event_queue"`
	Coalesce        bool     `json:"coalesce_moves"`
}

type StreamConfig struct {
	Platform       string   `json:"platform,omitempty"` // force a platform class
	Encoder        string   `json:"encoder"`            // ffmpeg binary
	EncoderArgs    string   `json:"encoder_args,omitempty"`
	Bridge         string   `json:"bridge"` // gst-launch-1.0 binary
	BridgeArgs     string   `json:"bridge_args,omitempty"`
	PipeWireNode   string   `json:"pipewire_node,omitempty"`
	FPS            int      `json:"fps"`
	JPEGQuality    int      `json:"jpeg_quality"`
	ViewerQueue    int      `json:"viewer_queue"`
	StallTimeout   Duration `json:"stall_timeout"`
	ProbeTTL       Duration `json:"probe_ttl"`
	AutoSetup      bool     `json:"auto_setup"`
	DefaultMaxW    int      `json:"default_max_w,omitempty"`
	DisableCapture bool     `json:"disable_capture,omitempty"`
}

type PowerConfig struct {
	LockCommand     string `json:"lock_command,omitempty"`
	SleepCommand    string `json:"sleep_command,omitempty"`
	ShutdownCommand string `json:"shutdown_command,omitempty"`
	RestartCommand  string `json:"restart_command,omitempty"`
}

type DiscoveryConfig struct {
	Enabled     bool     `json:"enabled"`
	Port        int      `json:"port"`
	Interval    Duration `json:"interval"`
	Peers       []string `json:"peers,omitempty"` // extra unicast targets
	MDNS        bool     `json:"mdns"`
	ServiceType string   `json:"service_type"`
}

type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"`
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	SampleRatio float64           `json:"sample_ratio,omitempty"`
}

type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`
	AuthKey   string `json:"-"` // env only
	StateDir  string `json:"state_dir,omitempty"`
	Ephemeral bool   `json:"ephemeral,omitempty"`
	EnableTLS bool   `json:"enable_tls,omitempty"`
}

// Control policies.
const (
	PolicyConcurrent = "concurrent"
	PolicySingle     = "single"
)

// Default returns a config with every field set to its default.
func Default() *Config {
	host, _ := os.Hostname()
	return &Config{
		Name:    NormalizeInstanceName(host),
		DataDir: defaultDataDir(),
		Gateway: GatewayConfig{
			Host:          "0.0.0.0",
			Port:          8765,
			PortFallbacks: 20,
			RateLimitRPM:  600,
		},
		Pairing: PairingConfig{
			MaxAttempts: 5,
			Window:      Duration(time.Minute),
		},
		Sessions: SessionsConfig{
			DefaultRights:    []string{"input", "stream_view"},
			HeartbeatTimeout: Duration(45 * time.Second),
			ControlPolicy:    PolicyConcurrent,
			Persist:          true,
			Store:            "sqlite",
		},
		Control: ControlConfig{
			IdleTimeout:     Duration(2 * time.Minute),
			MaxMessageBytes: 64 * 1024,
			SendBuffer:      64,
			EventQueue:      256,
			Coalesce:        true,
		},
		Stream: StreamConfig{
			Encoder:      "ffmpeg",
			Bridge:       "gst-launch-1.0",
			FPS:          30,
			JPEGQuality:  70,
			ViewerQueue:  8,
			StallTimeout: Duration(5 * time.Second),
			ProbeTTL:     Duration(30 * time.Second),
		},
		Discovery: DiscoveryConfig{
			Enabled:     true,
			Port:        50050,
			Interval:    Duration(2 * time.Second),
			MDNS:        true,
			ServiceType: "_deskpilot._tcp",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".deskpilot"
	}
	return filepath.Join(home, ".deskpilot")
}

// DefaultPath is where the CLI looks for the config file.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.json5")
}

// Load reads path over the defaults, then applies environment overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json5.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays DESKPILOT_* variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("DESKPILOT_PIN"); v != "" {
		c.Pairing.FixedPIN = v
	}
	if v := getenv("DESKPILOT_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Gateway.Port = p
		}
	}
	if v := getenv("DESKPILOT_HOST"); v != "" {
		c.Gateway.Host = v
	}
	if v := getenv("DESKPILOT_AUTO_SETUP"); v != "" {
		c.Stream.AutoSetup = parseBool(v)
	}
	if v := getenv("DESKPILOT_PIPEWIRE_NODE"); v != "" {
		c.Stream.PipeWireNode = v
	}
	if v := getenv("DESKPILOT_PLATFORM"); v != "" {
		c.Stream.Platform = v
	}
	if v := getenv("DESKPILOT_DB"); v != "" {
		c.Sessions.DBPath = v
	}
	if v := getenv("DESKPILOT_CONTROL_POLICY"); v != "" {
		c.Sessions.ControlPolicy = v
	}
	if v := getenv("DESKPILOT_DISCOVERY"); v != "" {
		c.Discovery.Enabled = parseBool(v)
	}
	if v := getenv("DESKPILOT_TSNET_HOSTNAME"); v != "" {
		c.Tailscale.Hostname = v
	}
	if v := getenv("DESKPILOT_TSNET_AUTH_KEY"); v != "" {
		c.Tailscale.AuthKey = v
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Validate rejects values the rest of the host cannot run with.
func (c *Config) Validate() error {
	if c.Pairing.FixedPIN != "" && !ValidPIN(c.Pairing.FixedPIN) {
		return fmt.Errorf("pairing.fixed_pin must be exactly 4 digits")
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port out of range: %d", c.Gateway.Port)
	}
	if c.Gateway.TLSCert != "" && c.Gateway.TLSKey == "" || c.Gateway.TLSCert == "" && c.Gateway.TLSKey != "" {
		return fmt.Errorf("gateway.tls_cert and gateway.tls_key must be set together")
	}
	switch c.Sessions.ControlPolicy {
	case PolicyConcurrent, PolicySingle:
	default:
		return fmt.Errorf("sessions.control_policy must be %q or %q", PolicyConcurrent, PolicySingle)
	}
	switch c.Sessions.Store {
	case "sqlite", "file":
	default:
		return fmt.Errorf("sessions.store must be \"sqlite\" or \"file\"")
	}
	if c.Pairing.MaxAttempts <= 0 {
		return fmt.Errorf("pairing.max_attempts must be positive")
	}
	if c.Stream.ViewerQueue <= 0 {
		return fmt.Errorf("stream.viewer_queue must be positive")
	}
	return nil
}

// ValidPIN reports whether pin is exactly four ASCII digits.
func ValidPIN(pin string) bool {
	if len(pin) != 4 {
		return false
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return false
		}
	}
	return true
}

// SessionsDBPath resolves the session database location.
func (c *Config) SessionsDBPath() string {
	if c.Sessions.DBPath != "" {
		return c.Sessions.DBPath
	}
	if c.Sessions.Store == "file" {
		return filepath.Join(c.DataDir, "sessions.json")
	}
	return filepath.Join(c.DataDir, "sessions.db")
}
