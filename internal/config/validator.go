package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/e7canasta/dvs-fusion/capture"
	"github.com/e7canasta/dvs-fusion/eventframe"
)

const (
	defaultWarmupUnits    = 200
	defaultPollIntervalMS = 100
	defaultShutdownS      = 5
	defaultMQTTTopic      = "dvs/frames"
	defaultVideoCodec     = "MJPG"
)

// Validate applies defaults and checks the configuration
func Validate(cfg *Config) error {
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = defaultShutdownS
	}

	// Sensor
	if cfg.Sensor.Width <= 0 || cfg.Sensor.Height <= 0 {
		return fmt.Errorf("sensor.width and sensor.height must be > 0, got %dx%d",
			cfg.Sensor.Width, cfg.Sensor.Height)
	}
	if cfg.Sensor.BytesPerPixel == 0 {
		cfg.Sensor.BytesPerPixel = 1
	}
	if cfg.Sensor.BytesPerPixel != 1 && cfg.Sensor.BytesPerPixel != 3 {
		return fmt.Errorf("sensor.bytes_per_pixel must be 1 or 3, got %d", cfg.Sensor.BytesPerPixel)
	}

	// Rates
	if _, err := eventframe.GroupSize(cfg.Rates.Capture, cfg.Rates.Display); err != nil {
		return fmt.Errorf("rates: %w", err)
	}

	// Accumulate
	if cfg.Accumulate.Policy == "" {
		cfg.Accumulate.Policy = "mono"
		if cfg.Sensor.BytesPerPixel == 3 {
			cfg.Accumulate.Policy = "color"
		}
	}
	policy, err := eventframe.ParsePolicy(cfg.Accumulate.Policy)
	if err != nil {
		return fmt.Errorf("accumulate.policy: %w", err)
	}
	switch policy {
	case eventframe.AccumulateMono:
	case eventframe.AccumulateColor:
		if cfg.Sensor.BytesPerPixel != 3 {
			return fmt.Errorf("accumulate.policy color requires sensor.bytes_per_pixel 3")
		}
	default:
		return fmt.Errorf("accumulate.policy must be 'mono' or 'color', got %q", cfg.Accumulate.Policy)
	}
	if cfg.Accumulate.ColorStep == 0 {
		cfg.Accumulate.ColorStep = int(eventframe.DefaultColorStep)
	}
	if cfg.Accumulate.ColorStep < 1 || cfg.Accumulate.ColorStep > 255 {
		return fmt.Errorf("accumulate.color_step must be 1..255, got %d", cfg.Accumulate.ColorStep)
	}

	// Pipeline
	if cfg.Pipeline.Topology == "" {
		cfg.Pipeline.Topology = capture.TopologyHandoff.String()
	}
	topology, err := capture.ParseTopology(cfg.Pipeline.Topology)
	if err != nil {
		return fmt.Errorf("pipeline.topology: %w", err)
	}
	if cfg.Pipeline.Buffers == 0 {
		cfg.Pipeline.Buffers = 1
	}
	if cfg.Pipeline.Readers == 0 {
		cfg.Pipeline.Readers = 1
	}
	if cfg.Pipeline.Buffers < 1 || cfg.Pipeline.Readers < 1 || cfg.Pipeline.Pollers < 0 {
		return fmt.Errorf("pipeline.buffers and pipeline.readers must be >= 1, pipeline.pollers >= 0")
	}
	if cfg.Pipeline.PollIntervalMS <= 0 {
		cfg.Pipeline.PollIntervalMS = defaultPollIntervalMS
	}
	if cfg.Pipeline.WarmupUnits == nil {
		w := defaultWarmupUnits
		cfg.Pipeline.WarmupUnits = &w
	}
	if *cfg.Pipeline.WarmupUnits < 0 {
		return fmt.Errorf("pipeline.warmup_units must be >= 0, got %d", *cfg.Pipeline.WarmupUnits)
	}

	switch topology {
	case capture.TopologyHandoff:
		if cfg.Pipeline.Readers > 1 || cfg.Pipeline.Pollers > 0 {
			return fmt.Errorf("pipeline.topology handoff has exactly one consumer (readers %d, pollers %d)",
				cfg.Pipeline.Readers, cfg.Pipeline.Pollers)
		}
	case capture.TopologyLatest:
		need := cfg.Pipeline.Readers + cfg.Pipeline.Pollers + 2
		if cfg.Pipeline.Buffers < need {
			return fmt.Errorf("pipeline.buffers must be >= readers + pollers + 2 (%d) for topology latest, got %d",
				need, cfg.Pipeline.Buffers)
		}
	}

	// Sinks
	if err := validateSinks(&cfg.Sinks); err != nil {
		return fmt.Errorf("sinks: %w", err)
	}

	return nil
}

func validateSinks(s *SinksConfig) error {
	if s.LogEvery < 0 {
		return fmt.Errorf("log_every must be >= 0, got %d", s.LogEvery)
	}

	if s.Display.Scale < 0 {
		return fmt.Errorf("display.scale must be >= 0, got %d", s.Display.Scale)
	}

	if s.Snapshot.Path != "" {
		switch strings.ToLower(filepath.Ext(s.Snapshot.Path)) {
		case ".png", ".jpg", ".jpeg", ".bmp", ".pgm", ".ppm":
		default:
			return fmt.Errorf("snapshot.path must end in .png, .jpg, .bmp, .pgm or .ppm, got %q", s.Snapshot.Path)
		}
	}

	if s.Video.Path != "" {
		if s.Video.Codec == "" {
			s.Video.Codec = defaultVideoCodec
		}
		if len(s.Video.Codec) != 4 {
			return fmt.Errorf("video.codec must be a FourCC, got %q", s.Video.Codec)
		}
	}

	if s.MQTT.Broker != "" {
		if s.MQTT.Topic == "" {
			s.MQTT.Topic = defaultMQTTTopic
		}
		if s.MQTT.QoS < 0 || s.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", s.MQTT.QoS)
		}
		if s.MQTT.Every < 0 {
			return fmt.Errorf("mqtt.every must be >= 0, got %d", s.MQTT.Every)
		}
	}

	return nil
}
