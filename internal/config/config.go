// Package config loads the dvscapture YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/dvs-fusion/capture"
	"github.com/e7canasta/dvs-fusion/eventframe"
)

// Config represents the complete dvscapture configuration
type Config struct {
	SessionName      string           `yaml:"session_name"`
	ShutdownTimeoutS int              `yaml:"shutdown_timeout_s"` // graceful shutdown timeout in seconds (default: 5)
	Source           SourceConfig     `yaml:"source"`
	Sensor           SensorConfig     `yaml:"sensor"`
	Rates            RatesConfig      `yaml:"rates"`
	Accumulate       AccumulateConfig `yaml:"accumulate"`
	Pipeline         PipelineConfig   `yaml:"pipeline"`
	Sinks            SinksConfig      `yaml:"sinks"`
}

// SourceConfig selects the streaming source
type SourceConfig struct {
	Device    string          `yaml:"device"` // streaming char device, or a recorded unit dump
	Synthetic SyntheticConfig `yaml:"synthetic"`
}

// SyntheticConfig configures the generated source (-synthetic)
type SyntheticConfig struct {
	Pattern string `yaml:"pattern"` // bar, idle
	Paced   bool   `yaml:"paced"`   // emit units at rates.capture
}

// SensorConfig describes the sensor geometry and raster layout
type SensorConfig struct {
	Width         int `yaml:"width"`
	Height        int `yaml:"height"`
	BytesPerPixel int `yaml:"bytes_per_pixel"` // 1 mono, 3 color
}

// RatesConfig holds transfer unit and display rates
type RatesConfig struct {
	Capture int `yaml:"capture"` // units per second
	Display int `yaml:"display"` // frames per second
}

// AccumulateConfig selects the fold policy
type AccumulateConfig struct {
	Policy    string `yaml:"policy"`     // mono, color
	ColorStep int    `yaml:"color_step"` // 1..255
}

// PipelineConfig selects the handoff topology
type PipelineConfig struct {
	Topology       string `yaml:"topology"` // handoff, latest
	Buffers        int    `yaml:"buffers"`
	Readers        int    `yaml:"readers"`
	Pollers        int    `yaml:"pollers"`
	PollIntervalMS int    `yaml:"poll_interval_ms"`
	WarmupUnits    *int   `yaml:"warmup_units"` // nil = default, 0 disables
}

// SinksConfig lists the enabled consumers
type SinksConfig struct {
	Display  DisplayConfig  `yaml:"display"`
	LogEvery int            `yaml:"log_every"` // 0 disables the frame log
	Record   RecordConfig   `yaml:"record"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Video    VideoConfig    `yaml:"video"`
	GStream  GStreamConfig  `yaml:"gstreamer"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
}

// DisplayConfig configures the OpenCV window
type DisplayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Title   string `yaml:"title"`
	Scale   int    `yaml:"scale"`
}

// RecordConfig configures the msgpack frame recorder
type RecordConfig struct {
	Path string `yaml:"path"`
}

// SnapshotConfig keeps the latest frame and writes it as an image on exit
type SnapshotConfig struct {
	Path string `yaml:"path"` // .png, .jpg, .bmp, .pgm or .ppm
}

// VideoConfig configures the OpenCV video writer
type VideoConfig struct {
	Path  string `yaml:"path"`
	Codec string `yaml:"codec"` // FourCC, default MJPG
}

// GStreamConfig configures the GStreamer encoder
type GStreamConfig struct {
	Path    string `yaml:"path"`
	Encoder string `yaml:"encoder"`
	Muxer   string `yaml:"muxer"`
}

// MQTTConfig configures frame telemetry
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      int    `yaml:"qos"`
	Every    int    `yaml:"every"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used with -synthetic and no -config.
func Default() *Config {
	cfg := &Config{
		Sensor: SensorConfig{Width: 128, Height: 128},
		Rates:  RatesConfig{Capture: 2000, Display: 20},
		Source: SourceConfig{Synthetic: SyntheticConfig{Pattern: "bar", Paced: true}},
		Sinks:  SinksConfig{LogEvery: 20},
	}
	// Defaults only, cannot fail
	_ = Validate(cfg)
	return cfg
}

// Capture converts to the pipeline configuration.
func (c *Config) Capture() capture.Config {
	policy, _ := eventframe.ParsePolicy(c.Accumulate.Policy)
	topology, _ := capture.ParseTopology(c.Pipeline.Topology)

	warmup := 0
	if c.Pipeline.WarmupUnits != nil {
		warmup = *c.Pipeline.WarmupUnits
	}

	name := c.SessionName
	if name == "" {
		name = c.Source.Device
	}

	return capture.Config{
		Width:         c.Sensor.Width,
		Height:        c.Sensor.Height,
		BytesPerPixel: c.Sensor.BytesPerPixel,
		CaptureRate:   c.Rates.Capture,
		DisplayRate:   c.Rates.Display,
		Policy:        policy,
		ColorStep:     uint8(c.Accumulate.ColorStep),
		Buffers:       c.Pipeline.Buffers,
		Topology:      topology,
		Readers:       c.Pipeline.Readers,
		WarmupUnits:   warmup,
		SourceName:    name,
	}
}

// PollInterval returns the poller tick.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Pipeline.PollIntervalMS) * time.Millisecond
}

// ShutdownTimeout returns the graceful shutdown bound.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}
