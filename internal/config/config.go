package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// ServerConfig - websocket front-end settings
type ServerConfig struct {
	Port           string   `json:"port"`
	WebFilesDir    string   `json:"web_files_dir"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// BLEConfig - Bluetooth Low Energy scanning and write settings
type BLEConfig struct {
	ScanTimeout       string  `json:"scan_timeout"`
	ConnectTimeout    string  `json:"connect_timeout"`
	HeartbeatInterval string  `json:"heartbeat_interval"`
	RetryDelay        string  `json:"retry_delay"`
	RateLimit         float64 `json:"command_rate_limit"`
	RateBurst         int     `json:"command_rate_burst"`
	// HandshakeTimeout bounds device identification. Empty means no bound
	// beyond shutdown.
	HandshakeTimeout string `json:"handshake_timeout"`
}

// MQTTConfig - MQTT bridge settings
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	Broker      string `json:"broker"` // tcp://IP:PORT
	Username    string `json:"username"`
	Password    string `json:"password"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// Config - top-level configuration
type Config struct {
	Server ServerConfig `json:"server"`
	BLE    BLEConfig    `json:"ble"`
	MQTT   MQTTConfig   `json:"mqtt"`

	// DevicesFile optionally replaces the built-in device database.
	DevicesFile string `json:"devices_file"`

	// File system settings
	PatternsDir   string `json:"patterns_dir"`
	SchedulesFile string `json:"schedules_file"`
}

// Durations holds the parsed BLE durations.
type Durations struct {
	Scan      time.Duration
	Connect   time.Duration
	Heartbeat time.Duration
	Retry     time.Duration
	Handshake time.Duration
}

// Load reads the file, decodes JSON and applies defaults and validation. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := &Config{}
			cfg.setDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to open config file '%s': %w", path, err)
	}
	defer file.Close()

	cfg := &Config{}
	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode json: %w", err)
	}

	cfg.sanitize()
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) sanitize() {
	c.Server.Port = strings.TrimSpace(c.Server.Port)
	c.Server.WebFilesDir = strings.TrimSpace(c.Server.WebFilesDir)
	c.DevicesFile = strings.TrimSpace(c.DevicesFile)
	c.PatternsDir = strings.TrimSpace(c.PatternsDir)
	c.SchedulesFile = strings.TrimSpace(c.SchedulesFile)
	c.BLE.HandshakeTimeout = strings.TrimSpace(c.BLE.HandshakeTimeout)
	c.MQTT.TopicPrefix = strings.TrimSuffix(strings.TrimSpace(c.MQTT.TopicPrefix), "/")
}

func (c *Config) setDefaults() {
	// Server Defaults
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.WebFilesDir == "" {
		c.Server.WebFilesDir = "./web"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"http://localhost:8080"}
	}

	// BLE Defaults
	if c.BLE.ScanTimeout == "" {
		c.BLE.ScanTimeout = "30s"
	}
	if c.BLE.ConnectTimeout == "" {
		c.BLE.ConnectTimeout = "7s"
	}
	if c.BLE.HeartbeatInterval == "" {
		c.BLE.HeartbeatInterval = "60s"
	}
	if c.BLE.RetryDelay == "" {
		c.BLE.RetryDelay = "5s"
	}
	if c.BLE.RateLimit == 0 {
		c.BLE.RateLimit = 25.0
	}
	if c.BLE.RateBurst <= 0 {
		c.BLE.RateBurst = 25
	}

	// File Defaults
	if c.PatternsDir == "" {
		c.PatternsDir = "patterns"
	}
	if c.SchedulesFile == "" {
		c.SchedulesFile = "schedules.json"
	}

	// MQTT Defaults
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = "tcp://localhost:1883"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "haptic-controller"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "haptic"
	}
}

func (c *Config) validate() error {
	if c.BLE.RateLimit < 0 {
		return fmt.Errorf("config error: 'command_rate_limit' must be positive")
	}
	if _, err := c.Durations(); err != nil {
		return err
	}
	return nil
}

// Durations parses the BLE duration strings.
func (c *Config) Durations() (Durations, error) {
	var d Durations
	fields := []struct {
		name string
		val  string
		dst  *time.Duration
	}{
		{"scan_timeout", c.BLE.ScanTimeout, &d.Scan},
		{"connect_timeout", c.BLE.ConnectTimeout, &d.Connect},
		{"heartbeat_interval", c.BLE.HeartbeatInterval, &d.Heartbeat},
		{"retry_delay", c.BLE.RetryDelay, &d.Retry},
		{"handshake_timeout", c.BLE.HandshakeTimeout, &d.Handshake},
	}
	for _, f := range fields {
		if f.val == "" {
			continue
		}
		v, err := time.ParseDuration(f.val)
		if err != nil {
			return Durations{}, fmt.Errorf("config error: '%s': %w", f.name, err)
		}
		if v < 0 {
			return Durations{}, fmt.Errorf("config error: '%s' must not be negative", f.name)
		}
		*f.dst = v
	}
	return d, nil
}
