package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/mgutz/logxi/v1"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/sounddoctrine-de/sdo-devicekit/bluetooth"
)

// DefaultPath is read by the daemon when no --config flag is given.
const DefaultPath = "/etc/sdo-devicekit/config.yaml"

// Config represents the complete configuration for the device kit host
type Config struct {
	Bluetooth BluetoothConfig `yaml:"bluetooth"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
}

// BluetoothConfig holds the adapter and command channel settings
type BluetoothConfig struct {
	Adapter              string        `yaml:"adapter"`
	ServiceUUID          string        `yaml:"serviceUuid"`
	CharacteristicUUID   string        `yaml:"characteristicUuid"`
	StepTimeout          time.Duration `yaml:"stepTimeout"`
	WriteWithoutResponse bool          `yaml:"writeWithoutResponse"`
	AutoScan             bool          `yaml:"autoScan"`
}

// HTTPConfig holds HTTP server settings
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// LogConfig holds log level and rotation settings
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// Load reads the YAML file at path over the defaults, applies SDO_* environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, errors.Wrapf(err, "load config %s", path)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}
	return cfg, nil
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Bluetooth: BluetoothConfig{
			Adapter:            bluetooth.DEFAULT_ADAPTER_NAME,
			ServiceUUID:        bluetooth.DefaultServiceUUIDString,
			CharacteristicUUID: bluetooth.DefaultCharacteristicUUIDString,
			StepTimeout:        bluetooth.DefaultStepTimeout,
			AutoScan:           true,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Port:    8080,
		},
		Log: LogConfig{
			Level:      "info",
			File:       "/var/log/sdo-devicekit.log",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(data, cfg)
}

// applyEnvOverrides applies environment variable overrides. A malformed
// duration or port is an error rather than a silent fallback.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("SDO_ADAPTER"); v != "" {
		cfg.Bluetooth.Adapter = v
	}
	if v := os.Getenv("SDO_SERVICE_UUID"); v != "" {
		cfg.Bluetooth.ServiceUUID = v
	}
	if v := os.Getenv("SDO_CHARACTERISTIC_UUID"); v != "" {
		cfg.Bluetooth.CharacteristicUUID = v
	}
	if v := os.Getenv("SDO_STEP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, "SDO_STEP_TIMEOUT")
		}
		cfg.Bluetooth.StepTimeout = d
	}
	if v := os.Getenv("SDO_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "SDO_HTTP_PORT")
		}
		cfg.HTTP.Port = port
	}
	if v := os.Getenv("SDO_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v, ok := os.LookupEnv("SDO_LOG_FILE"); ok {
		cfg.Log.File = v
	}
	return nil
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Bluetooth.Adapter) == "" {
		return errors.New("bluetooth adapter name is required")
	}
	if _, err := bluetooth.ParseUUID(c.Bluetooth.ServiceUUID); err != nil {
		return errors.Wrap(err, "bluetooth.serviceUuid")
	}
	if _, err := bluetooth.ParseUUID(c.Bluetooth.CharacteristicUUID); err != nil {
		return errors.Wrap(err, "bluetooth.characteristicUuid")
	}
	// Zero disables the step timeout.
	if c.Bluetooth.StepTimeout < 0 {
		return errors.Errorf("step timeout %v must not be negative", c.Bluetooth.StepTimeout)
	}
	if c.HTTP.Enabled && (c.HTTP.Port <= 0 || c.HTTP.Port > 65535) {
		return errors.Errorf("http port %d is outside range [1, 65535]", c.HTTP.Port)
	}
	if _, err := c.Log.LevelValue(); err != nil {
		return err
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		return errors.New("log rotation limits must not be negative")
	}
	return nil
}

// ChannelConfig converts the bluetooth section into a client configuration.
func (c *Config) ChannelConfig() (bluetooth.ChannelConfig, error) {
	svc, err := bluetooth.ParseUUID(c.Bluetooth.ServiceUUID)
	if err != nil {
		return bluetooth.ChannelConfig{}, err
	}
	char, err := bluetooth.ParseUUID(c.Bluetooth.CharacteristicUUID)
	if err != nil {
		return bluetooth.ChannelConfig{}, err
	}
	return bluetooth.ChannelConfig{
		ServiceUUID:          svc,
		CharacteristicUUID:   char,
		StepTimeout:          c.Bluetooth.StepTimeout,
		WriteWithoutResponse: c.Bluetooth.WriteWithoutResponse,
	}, nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return c.HTTP.Host + ":" + strconv.Itoa(c.HTTP.Port)
}

// LevelValue maps the configured level name to a logxi level.
func (l LogConfig) LevelValue() (int, error) {
	level, ok := log.LevelAtoi[strings.ToLower(strings.TrimSpace(l.Level))]
	if !ok {
		return 0, errors.Errorf("unknown log level %q", l.Level)
	}
	return level, nil
}
