package capture

import (
	"fmt"
	"strings"
	"time"

	"github.com/e7canasta/dvs-fusion/eventframe"
	"github.com/e7canasta/dvs-fusion/raster"
)

// Sink receives completed frames. The consumer loop that calls WriteFrame
// owns f only until WriteFrame returns; sinks that keep pixels must copy.
// In the latest topology with several readers WriteFrame is called
// concurrently.
type Sink interface {
	WriteFrame(f *raster.Frame) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(f *raster.Frame) error

// WriteFrame implements Sink.
func (fn SinkFunc) WriteFrame(f *raster.Frame) error {
	return fn(f)
}

// Topology selects how completed frames reach the consumers.
type Topology int

const (
	// TopologyHandoff is the strict two-stage pipeline: one consumer, the
	// producer waits for the previous frame to be consumed before
	// publishing the next one.
	TopologyHandoff Topology = iota

	// TopologyLatest is single writer / multi reader: the producer never
	// waits on the gate, an unconsumed frame is replaced by the newer one
	// (drop, never queue).
	TopologyLatest
)

// String returns the configuration name.
func (t Topology) String() string {
	switch t {
	case TopologyHandoff:
		return "handoff"
	case TopologyLatest:
		return "latest"
	default:
		return fmt.Sprintf("topology(%d)", int(t))
	}
}

// ParseTopology maps "handoff" / "latest" to a Topology.
func ParseTopology(s string) (Topology, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "handoff", "pipeline":
		return TopologyHandoff, nil
	case "latest", "multi-reader", "multi_reader":
		return TopologyLatest, nil
	default:
		return 0, fmt.Errorf("%w: unknown topology %q (must be 'handoff' or 'latest')", ErrConfig, s)
	}
}

// Config describes one capture session.
type Config struct {
	// Width and Height of the event sensor in pixels
	Width  int
	Height int

	// BytesPerPixel of the raster: 1 (mono) or 3 (color fusion)
	BytesPerPixel int

	// CaptureRate is transfer units per second; DisplayRate frames per
	// second. G = CaptureRate / DisplayRate must be an integer.
	CaptureRate int
	DisplayRate int

	// Policy is the accumulate policy after the first sub-frame. The zero
	// value (Initialize) selects mono for 1 byte per pixel, color for 3.
	Policy eventframe.Policy

	// ColorStep is the AccumulateColor step (0 = 40)
	ColorStep uint8

	// Buffers is the raster ring size (0 = 1)
	Buffers int

	Topology Topology

	// Readers is the number of blocking consumer loops (latest topology,
	// 0 = 1). The handoff topology always has exactly one consumer.
	Readers int

	// WarmupUnits is the number of units timed to measure the arrival
	// rate (0 disables).
	WarmupUnits int

	// SourceName labels logs and stats
	SourceName string
}

// GroupSize returns G for a valid configuration.
func (c Config) GroupSize() (int, error) {
	return eventframe.GroupSize(c.CaptureRate, c.DisplayRate)
}

// UnitSize returns the transfer unit size in bytes.
func (c Config) UnitSize() int {
	return UnitSize(c.Width, c.Height)
}

func (c Config) withDefaults() Config {
	if c.BytesPerPixel == 0 {
		c.BytesPerPixel = 1
	}
	if c.Policy == eventframe.Initialize {
		c.Policy = eventframe.AccumulateMono
		if c.BytesPerPixel == 3 {
			c.Policy = eventframe.AccumulateColor
		}
	}
	if c.ColorStep == 0 {
		c.ColorStep = eventframe.DefaultColorStep
	}
	if c.Buffers == 0 {
		c.Buffers = 1
	}
	if c.Readers == 0 {
		c.Readers = 1
	}
	if c.Topology == TopologyHandoff {
		c.Readers = 1
	}
	if c.SourceName == "" {
		c.SourceName = "dvs"
	}
	return c
}

// validate checks a defaulted config. pollers counts the TryConsume
// consumers added with WithPoller.
func (c Config) validate(pollers int) error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("%w: invalid dimensions %dx%d", ErrConfig, c.Width, c.Height)
	}
	if c.BytesPerPixel != 1 && c.BytesPerPixel != 3 {
		return fmt.Errorf("%w: bytes per pixel must be 1 or 3, got %d", ErrConfig, c.BytesPerPixel)
	}
	if _, err := c.GroupSize(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	switch c.Policy {
	case eventframe.AccumulateMono:
	case eventframe.AccumulateColor:
		if c.BytesPerPixel != 3 {
			return fmt.Errorf("%w: color policy requires 3 bytes per pixel", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported accumulate policy %v", ErrConfig, c.Policy)
	}
	if c.Buffers < 1 {
		return fmt.Errorf("%w: buffers must be >= 1, got %d", ErrConfig, c.Buffers)
	}
	if c.Readers < 1 {
		return fmt.Errorf("%w: readers must be >= 1, got %d", ErrConfig, c.Readers)
	}
	if c.WarmupUnits < 0 {
		return fmt.Errorf("%w: warmup units must be >= 0, got %d", ErrConfig, c.WarmupUnits)
	}

	switch c.Topology {
	case TopologyHandoff:
		if pollers > 0 {
			return fmt.Errorf("%w: pollers require the latest topology", ErrConfig)
		}
	case TopologyLatest:
		// published slot + producer + one per consumer
		if need := c.Readers + pollers + 2; c.Buffers < need {
			return fmt.Errorf("%w: latest topology with %d consumers needs >= %d buffers, got %d",
				ErrConfig, c.Readers+pollers, need, c.Buffers)
		}
	default:
		return fmt.Errorf("%w: unknown topology %v", ErrConfig, c.Topology)
	}

	return nil
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	SessionID  string
	SourceName string
	Topology   string
	GroupSize  int
	Resolution string

	UnitsRead uint64
	BytesRead uint64

	// FramesCompleted: groups folded; FramesPublished: handed to the gate;
	// FramesDelivered: accepted by the sink; FramesDropped: replaced while
	// unconsumed (latest topology)
	FramesCompleted uint64
	FramesPublished uint64
	FramesDelivered uint64
	FramesDropped   uint64

	SinkErrors   uint64
	SequenceGaps uint64
	PollMisses   uint64

	FreeBuffers int

	// Warmup is nil until WarmupUnits units have arrived
	Warmup *WarmupStats

	Running bool
	Uptime  time.Duration
}

// WarmupStats reports the measured transfer unit arrival rate.
type WarmupStats struct {
	Units        int
	Duration     time.Duration
	RateMean     float64
	RateStdDev   float64
	RateMin      float64
	RateMax      float64
	JitterMean   float64
	JitterStdDev float64
	JitterMax    float64
	IsStable     bool

	// Deviation is |RateMean - CaptureRate| / CaptureRate
	Deviation float64
}
