package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Process-wide defaults
const (
	DefaultActuatorPin      = 2
	DefaultButtonPin        = 15
	DefaultDispenseDuration = 4000 * time.Millisecond
	DefaultWiFiInterval     = 5 * time.Second
	DefaultButtonInterval   = 10 * time.Second
	DefaultPortalTimeout    = 30 * time.Second
	DefaultJoinAttempts     = 5
	DefaultIdle             = 10 * time.Millisecond
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultHostnamePrefix   = "Gumball_"
)

// Environment overrides for secrets
const (
	EnvOTAPasswordHash = "GUMBALL_OTA_PASSWORD_HASH"
	EnvMQTTPassword    = "GUMBALL_MQTT_PASSWORD"
	EnvPortalPassword  = "GUMBALL_PORTAL_PASSWORD"
	EnvWiFiSSID        = "GUMBALL_WIFI_SSID"
	EnvWiFiPassword    = "GUMBALL_WIFI_PASSWORD"
)

// Config is the root configuration structure loaded from YAML
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	WiFi     WiFiConfig     `yaml:"wifi"`
	Socket   SocketConfig   `yaml:"socket"`
	Dispense DispenseConfig `yaml:"dispense"`
	Timing   TimingConfig   `yaml:"timing"`
	Portal   PortalConfig   `yaml:"portal"`
	HTTP     HTTPConfig     `yaml:"http"`
	OTA      OTAConfig      `yaml:"ota"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Log      LogConfig      `yaml:"log"`
}

// DeviceConfig defines the GPIO wiring and identity of the dispenser
type DeviceConfig struct {
	Chip             string `yaml:"chip"`              // GPIO chip device (e.g., "gpiochip0")
	ActuatorPin      int    `yaml:"actuator_pin"`      // Motor driver input
	ActuatorInverted bool   `yaml:"actuator_inverted"` // If true, LOW=ON
	ButtonPin        int    `yaml:"button_pin"`        // Config button, active-low with pull-up
	LEDPin           int    `yaml:"led_pin"`           // Status LED, -1 disables it
	HostnamePrefix   string `yaml:"hostname_prefix"`
}

// WiFiConfig defines the network interface managed by NetworkManager
type WiFiConfig struct {
	Interface string `yaml:"interface"` // e.g., "wlan0"
	SSID      string `yaml:"ssid"`      // Optional seed credentials
	Password  string `yaml:"password"`
}

// SocketConfig defines the remote command socket
type SocketConfig struct {
	URL              string        `yaml:"url"` // e.g., "wss://example.com/wsconnect"
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// DispenseConfig defines actuator behaviour
type DispenseConfig struct {
	DefaultDuration time.Duration `yaml:"default_duration"` // Used when a command omits duration
}

// TimingConfig defines the scheduler intervals
type TimingConfig struct {
	ButtonInterval time.Duration `yaml:"button_interval"`
	WiFiInterval   time.Duration `yaml:"wifi_interval"`
	PortalTimeout  time.Duration `yaml:"portal_timeout"`
	JoinAttempts   int           `yaml:"join_attempts"` // Retry budget before falling back to the portal
	Idle           time.Duration `yaml:"idle"`          // Pause between loop iterations
}

// PortalConfig defines the configuration portal
type PortalConfig struct {
	Listen   string `yaml:"listen"`
	Password string `yaml:"password"` // Access point passphrase
}

// HTTPConfig defines the status server
type HTTPConfig struct {
	Listen    string `yaml:"listen"`
	StaticDir string `yaml:"static_dir"` // Holds index.html
}

// OTAConfig defines the firmware update endpoint
type OTAConfig struct {
	User         string `yaml:"user"`
	PasswordHash string `yaml:"password_hash"` // bcrypt hash
	ImagePath    string `yaml:"image_path"`
}

// MQTTConfig defines MQTT broker connection settings; empty broker disables telemetry
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // MQTT broker URL (e.g., "tcp://localhost:1883")
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// LogConfig defines logging
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg, _ := Parse(nil)
	return cfg
}

// Load reads the YAML file at path, overlays secrets from the environment
// (and an optional .env file) and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("ignoring unreadable .env file")
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML data and applies defaults, without touching the environment
func Parse(data []byte) (*Config, error) {
	// Pin numbers are preset because 0 is a valid line offset
	cfg := Config{Device: DeviceConfig{
		ActuatorPin: DefaultActuatorPin,
		ButtonPin:   DefaultButtonPin,
		LEDPin:      -1,
	}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Device.Chip == "" {
		c.Device.Chip = "gpiochip0"
	}
	if c.Device.HostnamePrefix == "" {
		c.Device.HostnamePrefix = DefaultHostnamePrefix
	}
	if c.WiFi.Interface == "" {
		c.WiFi.Interface = "wlan0"
	}
	if c.Socket.URL == "" {
		c.Socket.URL = "wss://localhost/wsconnect"
	}
	if c.Socket.HandshakeTimeout == 0 {
		c.Socket.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Dispense.DefaultDuration == 0 {
		c.Dispense.DefaultDuration = DefaultDispenseDuration
	}
	if c.Timing.ButtonInterval == 0 {
		c.Timing.ButtonInterval = DefaultButtonInterval
	}
	if c.Timing.WiFiInterval == 0 {
		c.Timing.WiFiInterval = DefaultWiFiInterval
	}
	if c.Timing.PortalTimeout == 0 {
		c.Timing.PortalTimeout = DefaultPortalTimeout
	}
	if c.Timing.JoinAttempts == 0 {
		c.Timing.JoinAttempts = DefaultJoinAttempts
	}
	if c.Timing.Idle == 0 {
		c.Timing.Idle = DefaultIdle
	}
	if c.Portal.Listen == "" {
		c.Portal.Listen = ":8081"
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":80"
	}
	if c.HTTP.StaticDir == "" {
		c.HTTP.StaticDir = "/usr/share/gumball/www"
	}
	if c.OTA.User == "" {
		c.OTA.User = "admin"
	}
	if c.OTA.ImagePath == "" {
		c.OTA.ImagePath = "/var/lib/gumball/firmware.bin"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "gumball"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) applyEnv() {
	overlay := map[string]*string{
		EnvOTAPasswordHash: &c.OTA.PasswordHash,
		EnvMQTTPassword:    &c.MQTT.Password,
		EnvPortalPassword:  &c.Portal.Password,
		EnvWiFiSSID:        &c.WiFi.SSID,
		EnvWiFiPassword:    &c.WiFi.Password,
	}
	for key, field := range overlay {
		if v, ok := os.LookupEnv(key); ok {
			*field = v
		}
	}
}

// Validate rejects configurations the agent cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.Device.ActuatorPin < 0 {
		errs = append(errs, fmt.Errorf("device.actuator_pin %d is negative", c.Device.ActuatorPin))
	}
	if c.Device.ButtonPin < 0 {
		errs = append(errs, fmt.Errorf("device.button_pin %d is negative", c.Device.ButtonPin))
	}
	if c.Device.ActuatorPin == c.Device.ButtonPin {
		errs = append(errs, fmt.Errorf("device.actuator_pin and device.button_pin share pin %d", c.Device.ButtonPin))
	}
	if c.Device.LEDPin >= 0 && (c.Device.LEDPin == c.Device.ActuatorPin || c.Device.LEDPin == c.Device.ButtonPin) {
		errs = append(errs, fmt.Errorf("device.led_pin %d is already in use", c.Device.LEDPin))
	}
	if c.Dispense.DefaultDuration <= 0 {
		errs = append(errs, errors.New("dispense.default_duration must be positive"))
	}
	if c.Timing.JoinAttempts < 1 {
		errs = append(errs, errors.New("timing.join_attempts must be at least 1"))
	}
	if c.Timing.ButtonInterval < 0 || c.Timing.WiFiInterval < 0 || c.Timing.PortalTimeout < 0 {
		errs = append(errs, errors.New("timing intervals must not be negative"))
	}
	if p := c.Portal.Password; p != "" && (len(p) < 8 || len(p) > 63) {
		errs = append(errs, errors.New("portal.password must be 8 to 63 characters"))
	}
	return errors.Join(errs...)
}
