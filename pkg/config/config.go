package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Serial      SerialConfig      `yaml:"serial"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Log         LogConfig         `yaml:"log"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Mock        MockConfig        `yaml:"mock"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// SerialConfig contains serial port configuration.
type SerialConfig struct {
	PortFilter string        `yaml:"port_filter"` // Substring a port name must contain to be listed by a scan
	Settle     time.Duration `yaml:"settle"`      // Wait between writing a command and draining the reply
	DrainPoll  time.Duration `yaml:"drain_poll"`  // Read timeout used while draining the reply
}

// CalibrationConfig contains calibration source configuration.
type CalibrationConfig struct {
	Dir           string  `yaml:"dir"`
	DefaultSource string  `yaml:"default_source"`
	MappingFile   string  `yaml:"mapping_file"`
	Frequency     float64 `yaml:"frequency"` // Initial operating frequency (MHz)
	Watch         bool    `yaml:"watch"`     // Reload tables on filesystem events in addition to mtime polling
}

// LogConfig contains logging configuration.
type LogConfig struct {
	Level string `yaml:"level"`
}

// MQTTConfig contains event publishing configuration. Publishing is disabled
// when Broker is empty.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      byte   `yaml:"qos"`
}

// MockConfig contains simulated device configuration.
type MockConfig struct {
	Ports []MockPort `yaml:"ports"`
}

// MockPort describes one simulated attenuator.
type MockPort struct {
	Name         string `yaml:"name"`
	SerialNumber string `yaml:"serial_number"`
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen: "0.0.0.0:8000",
		},
		Serial: SerialConfig{
			PortFilter: "ACM",
			Settle:     500 * time.Millisecond,
			DrainPoll:  100 * time.Millisecond,
		},
		Calibration: CalibrationConfig{
			Dir:           "compensation_files",
			DefaultSource: "1.json",
			MappingFile:   "device_serial_mapping.json",
			Frequency:     1000,
		},
		Log: LogConfig{
			Level: "info",
		},
		MQTT: MQTTConfig{
			Topic: "rfatt",
		},
		Mock: MockConfig{
			Ports: []MockPort{
				{Name: "/dev/ttyACM0", SerialNumber: "MOCK0001"},
				{Name: "/dev/ttyACM1", SerialNumber: "MOCK0002"},
			},
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Server.Listen == "" {
		c.Server.Listen = def.Server.Listen
	}

	if c.Serial.PortFilter == "" {
		c.Serial.PortFilter = def.Serial.PortFilter
	}
	if c.Serial.Settle == 0 {
		c.Serial.Settle = def.Serial.Settle
	}
	if c.Serial.DrainPoll == 0 {
		c.Serial.DrainPoll = def.Serial.DrainPoll
	}

	if c.Calibration.Dir == "" {
		c.Calibration.Dir = def.Calibration.Dir
	}
	if c.Calibration.DefaultSource == "" {
		c.Calibration.DefaultSource = def.Calibration.DefaultSource
	}
	if c.Calibration.MappingFile == "" {
		c.Calibration.MappingFile = def.Calibration.MappingFile
	}
	if c.Calibration.Frequency <= 0 {
		c.Calibration.Frequency = def.Calibration.Frequency
	}

	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}

	if c.MQTT.Topic == "" {
		c.MQTT.Topic = def.MQTT.Topic
	}

	if len(c.Mock.Ports) == 0 {
		c.Mock.Ports = def.Mock.Ports
	}
}
