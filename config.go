package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/FlUxIuS/nfc-laboratory/nfc"
)

// Config represents the application configuration
type Config struct {
	Input      InputConfig      `yaml:"input"`
	Decoder    DecoderConfig    `yaml:"decoder"`
	Server     ServerConfig     `yaml:"server"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
}

// InputConfig selects the sample source
type InputConfig struct {
	Path       string `yaml:"path"`        // capture file: raw float32, .zst framed, or WAV
	Format     string `yaml:"format"`      // "raw", "wav", "zst" or "" for by-extension
	SampleRate int    `yaml:"sample_rate"` // Hz, required for raw and zst inputs
	BlockSize  int    `yaml:"block_size"`  // samples per block handed to the decoder
}

// DecoderConfig contains the baseband decoder settings
type DecoderConfig struct {
	CarrierFrequency    float64  `yaml:"carrier_frequency"`
	PowerLevelThreshold float64  `yaml:"power_level_threshold"`
	SignalLowThreshold  float64  `yaml:"signal_low_threshold"`
	SignalHighThreshold float64  `yaml:"signal_high_threshold"`
	Technologies        []string `yaml:"technologies"`       // subset of A, B, F, V
	DebugCapturePath    string   `yaml:"debug_capture_path"` // directory for the WAV capture, empty disables
}

// ServerConfig contains the frame streaming endpoint settings
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // host:port for the websocket frame stream
}

// PrometheusConfig contains the metrics endpoint settings
type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// MQTTConfig contains MQTT frame publishing settings
type MQTTConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Broker      string        `yaml:"broker"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	TopicPrefix string        `yaml:"topic_prefix"`
	TLS         MQTTTLSConfig `yaml:"tls"`
}

// MQTTTLSConfig contains TLS settings for the MQTT connection
type MQTTTLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// DefaultConfig returns the standard configuration
func DefaultConfig() *Config {
	return &Config{
		Input: InputConfig{
			BlockSize: 65536,
		},
		Decoder: DecoderConfig{
			CarrierFrequency:    nfc.CarrierFrequency,
			PowerLevelThreshold: 0.01,
			SignalLowThreshold:  0.009,
			SignalHighThreshold: 0.011,
			Technologies:        []string{"A", "B", "F", "V"},
		},
		Server: ServerConfig{
			Listen: ":8073",
		},
		Prometheus: PrometheusConfig{
			Listen: ":9090",
		},
		MQTT: MQTTConfig{
			TopicPrefix: "nfc",
		},
	}
}

// LoadConfig reads and validates a YAML configuration file, applying
// defaults for everything left unset
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Decoder.CarrierFrequency != nfc.CarrierFrequency {
		return fmt.Errorf("carrier frequency must be %.0f Hz", float64(nfc.CarrierFrequency))
	}
	if c.Decoder.SignalLowThreshold >= c.Decoder.SignalHighThreshold {
		return fmt.Errorf("signal_low_threshold %g must stay below signal_high_threshold %g",
			c.Decoder.SignalLowThreshold, c.Decoder.SignalHighThreshold)
	}
	if len(c.Decoder.Technologies) == 0 {
		return fmt.Errorf("at least one technology must be enabled")
	}
	for _, tech := range c.Decoder.Technologies {
		switch strings.ToUpper(tech) {
		case "A", "B", "F", "V":
		default:
			return fmt.Errorf("unknown technology %q (want A, B, F or V)", tech)
		}
	}
	if c.Input.BlockSize <= 0 {
		return fmt.Errorf("input block_size must be positive")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt enabled without a broker")
	}
	return nil
}

// TechEnabled reports whether a technology letter is configured
func (c *Config) TechEnabled(letter string) bool {
	for _, tech := range c.Decoder.Technologies {
		if strings.EqualFold(tech, letter) {
			return true
		}
	}
	return false
}

// DecoderSettings builds the nfc decoder configuration for a sample rate
func (c *Config) DecoderSettings(sampleRate uint32, debug *nfc.SignalDebug) nfc.Config {
	return nfc.Config{
		SampleRate:          sampleRate,
		PowerLevelThreshold: float32(c.Decoder.PowerLevelThreshold),
		SignalLowThreshold:  float32(c.Decoder.SignalLowThreshold),
		SignalHighThreshold: float32(c.Decoder.SignalHighThreshold),
		EnableA:             c.TechEnabled("A"),
		EnableB:             c.TechEnabled("B"),
		EnableF:             c.TechEnabled("F"),
		EnableV:             c.TechEnabled("V"),
		Debug:               debug,
	}
}
