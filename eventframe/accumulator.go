package eventframe

import (
	"errors"
	"fmt"

	"github.com/e7canasta/dvs-fusion/raster"
)

var (
	// ErrNoFrame means Fold was called with no buffer bound.
	ErrNoFrame = errors.New("eventframe: no frame bound (call BeginFrame)")

	// ErrGroupComplete means Fold was called on a complete group.
	ErrGroupComplete = errors.New("eventframe: accumulation group already complete")

	// ErrNotComplete means Release was called before the group completed.
	ErrNotComplete = errors.New("eventframe: accumulation group not complete")
)

// State is the accumulation state of the bound frame.
type State int

const (
	// Detached: no buffer bound (before the first BeginFrame, after Release)
	Detached State = iota
	// Empty: buffer bound, no sub-frame folded yet
	Empty
	// Accumulating: 1..G-1 sub-frames folded
	Accumulating
	// Complete: G sub-frames folded, ready for handoff
	Complete
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Detached:
		return "detached"
	case Empty:
		return "empty"
	case Accumulating:
		return "accumulating"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// GroupSize derives the accumulation group size G = captureRate/displayRate.
// Non-integer ratios and non-positive rates are configuration errors.
func GroupSize(captureRate, displayRate int) (int, error) {
	if captureRate <= 0 || displayRate <= 0 {
		return 0, fmt.Errorf("eventframe: rates must be > 0 (capture=%d, display=%d)", captureRate, displayRate)
	}
	if captureRate%displayRate != 0 {
		return 0, fmt.Errorf("eventframe: capture rate %d not divisible by display rate %d", captureRate, displayRate)
	}
	return captureRate / displayRate, nil
}

// Accumulator folds G consecutive sub-frames into one raster frame.
//
// State machine:
//
//	Detached ─BeginFrame─▶ Empty ─Fold─▶ Accumulating ─Fold×(G-1)─▶ Complete
//	    ▲                                                              │
//	    └──────────────────────────Release─────────────────────────────┘
//
// Single writer: an Accumulator is owned by the capture goroutine and is not
// safe for concurrent use.
type Accumulator struct {
	groupSize int
	policy    Policy
	step      uint8

	frame *raster.Frame
	count int
}

// NewAccumulator creates an accumulator for groups of groupSize sub-frames.
// policy is the accumulate policy used after the first sub-frame
// (AccumulateMono or AccumulateColor).
func NewAccumulator(groupSize int, policy Policy, step uint8) (*Accumulator, error) {
	if groupSize < 1 {
		return nil, fmt.Errorf("eventframe: group size must be >= 1, got %d", groupSize)
	}
	if policy != AccumulateMono && policy != AccumulateColor {
		return nil, fmt.Errorf("eventframe: accumulate policy must be mono or color, got %v", policy)
	}
	if policy == AccumulateColor && step == 0 {
		step = DefaultColorStep
	}

	return &Accumulator{
		groupSize: groupSize,
		policy:    policy,
		step:      step,
	}, nil
}

// BeginFrame binds f as the target of the next group and resets the
// counter. The caller must own f exclusively until Release.
func (a *Accumulator) BeginFrame(f *raster.Frame) {
	a.frame = f
	a.count = 0
	f.Units = 0
	f.OnEvents = 0
	f.OffEvents = 0
}

// Fold decodes one payload into the bound frame: Initialize for the first
// sub-frame, the configured accumulate policy afterwards.
func (a *Accumulator) Fold(payload []byte) error {
	if a.frame == nil {
		return ErrNoFrame
	}
	if a.count >= a.groupSize {
		return ErrGroupComplete
	}

	policy := a.policy
	if a.count == 0 {
		policy = Initialize
	}

	counts, err := Decode(payload, a.frame, policy, a.step)
	if err != nil {
		return err
	}

	a.count++
	a.frame.Units = a.count
	a.frame.OnEvents += uint64(counts.On)
	a.frame.OffEvents += uint64(counts.Off)

	return nil
}

// IsComplete reports whether G sub-frames have been folded.
func (a *Accumulator) IsComplete() bool {
	return a.frame != nil && a.count == a.groupSize
}

// Release hands the completed frame off and detaches it. The accumulator
// will not touch it again.
func (a *Accumulator) Release() (*raster.Frame, error) {
	if !a.IsComplete() {
		return nil, ErrNotComplete
	}
	f := a.frame
	a.frame = nil
	a.count = 0
	return f, nil
}

// Detach drops the bound frame whatever its state and returns it (nil if
// none). Used on shutdown to return a partial frame to its pool.
func (a *Accumulator) Detach() *raster.Frame {
	f := a.frame
	a.frame = nil
	a.count = 0
	return f
}

// State returns the current state.
func (a *Accumulator) State() State {
	switch {
	case a.frame == nil:
		return Detached
	case a.count == 0:
		return Empty
	case a.count < a.groupSize:
		return Accumulating
	default:
		return Complete
	}
}

// Count returns the number of sub-frames folded into the bound frame.
func (a *Accumulator) Count() int {
	return a.count
}

// GroupSize returns G.
func (a *Accumulator) GroupSize() int {
	return a.groupSize
}

// Policy returns the accumulate policy.
func (a *Accumulator) Policy() Policy {
	return a.policy
}
