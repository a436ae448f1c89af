package capture

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/dvs-fusion/capture/internal/unitrate"
	"github.com/e7canasta/dvs-fusion/raster"
)

const (
	// gapLogEvery throttles sequence gap warnings after the first one
	gapLogEvery = 1000

	// drainTimeout bounds how long end of stream waits for the last
	// published frame to be consumed.
	drainTimeout = time.Second

	// warmupDeviationThreshold: measured rate vs configured capture rate
	warmupDeviationThreshold = 0.15
)

// captureLoop is the producer goroutine. It returns the partial raster to
// the pool before any shutdown closes it.
func (p *Pipeline) captureLoop() {
	defer p.wg.Done()

	err := p.run()

	if f := p.acc.Detach(); f != nil {
		_ = p.pool.Put(f)
	}
	p.current = nil

	switch {
	case p.stopping.Load():
	case err != nil:
		p.fail(err)
	default:
		p.shutdown("end of stream")
	}
}

// run reads, folds and publishes until end of stream, a fatal error or
// shutdown. Per iteration: read one unit → fold its payload → publish when
// G units have been folded.
//
// Errors:
//   - io.EOF exactly at a unit boundary: normal end of stream (nil)
//   - partial unit: ErrShortRead (fatal)
//   - any other read error: ErrIO (fatal)
//
// Read errors caused by shutdown (source closed) are not reported.
func (p *Pipeline) run() error {
	unit := make([]byte, p.unitSize)
	payload := unit[HeaderSize:]

	var (
		lastSeq  uint32
		haveSeq  bool
		arrivals []time.Time
		warmupT0 time.Time
	)
	if p.cfg.WarmupUnits > 0 {
		arrivals = make([]time.Time, 0, p.cfg.WarmupUnits)
	}

	if err := p.begin(); err != nil {
		return err
	}

	for {
		n, err := io.ReadFull(p.source, unit)
		if err != nil {
			if p.stopping.Load() {
				return nil
			}
			switch {
			case errors.Is(err, io.EOF):
				slog.Info("capture: end of stream",
					"session_id", p.sessionID,
					"units_read", p.unitsRead.Load(),
					"frames_completed", p.framesCompleted.Load(),
					"partial_group_units", p.acc.Count(),
				)
				p.drain()
				return nil
			case errors.Is(err, io.ErrUnexpectedEOF):
				return fmt.Errorf("%w (%w): got %d of %d bytes", ErrShortRead, ErrIO, n, p.unitSize)
			default:
				return fmt.Errorf("%w: read %s: %v", ErrIO, p.cfg.SourceName, err)
			}
		}

		now := time.Now()
		units := p.unitsRead.Add(1)
		p.bytesRead.Add(uint64(n))

		hdr, err := ParseHeader(unit)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDecode, err)
		}

		// --- Warm-up rate measurement ---
		if arrivals != nil {
			if len(arrivals) == 0 {
				warmupT0 = now
			}
			arrivals = append(arrivals, now)
			if len(arrivals) == p.cfg.WarmupUnits {
				p.recordWarmup(unitrate.Calculate(arrivals, now.Sub(warmupT0)))
				arrivals = nil
			}
		}

		// --- Sequence continuity ---
		if haveSeq && hdr.Seq != lastSeq+1 {
			gaps := p.sequenceGaps.Add(1)
			if gaps == 1 || gaps%gapLogEvery == 0 {
				slog.Warn("capture: sequence gap",
					"session_id", p.sessionID,
					"expected", lastSeq+1,
					"got", hdr.Seq,
					"total_gaps", gaps,
				)
			}
		}
		lastSeq = hdr.Seq
		haveSeq = true

		// --- Fold ---
		if p.acc.Count() == 0 {
			// First sub-frame stamps the frame
			p.current.Seq = hdr.Seq
			p.current.Timestamp = hdr.Timestamp
		}
		if err := p.acc.Fold(payload); err != nil {
			return fmt.Errorf("%w: unit %d: %v", ErrDecode, units, err)
		}

		if !p.acc.IsComplete() {
			continue
		}

		f, err := p.acc.Release()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDecode, err)
		}
		f.Index = p.framesCompleted.Add(1)
		f.TraceID = uuid.NewString()
		f.CompletedAt = now

		if !p.publish(f) {
			return nil
		}

		if err := p.begin(); err != nil {
			return err
		}
	}
}

// begin takes the next free raster and binds it to the accumulator. The
// pool is only closed by shutdown, so ErrPoolClosed is never reported.
func (p *Pipeline) begin() error {
	f, err := p.pool.Get()
	if err != nil {
		return fmt.Errorf("capture: acquire raster: %w", err)
	}
	p.current = f
	p.acc.BeginFrame(f)
	return nil
}

// publish hands a completed frame to the consumers. Returns false once the
// pipeline is shutting down.
func (p *Pipeline) publish(f *raster.Frame) bool {
	p.current = nil

	switch p.cfg.Topology {
	case TopologyHandoff:
		return p.publishHandoff(f)
	default:
		p.publishLatest(f)
		return !p.stopping.Load()
	}
}

// publishHandoff waits for the consumer to drain the previous frame, then
// fills the slot.
func (p *Pipeline) publishHandoff(f *raster.Frame) bool {
	if !p.drained.AwaitAndConsume() {
		_ = p.pool.Put(f)
		return false
	}
	p.handoffSlot = f
	p.framesPublished.Add(1)
	p.filled.SignalReady()
	return true
}

// publishLatest replaces the published frame. A frame nobody consumed
// goes back to the pool and counts as dropped.
func (p *Pipeline) publishLatest(f *raster.Frame) {
	p.latest.AcquireWriter()
	if old := p.latestSlot; old != nil {
		p.framesDropped.Add(1)
		_ = p.pool.Put(old)
	}
	p.latestSlot = f
	p.framesPublished.Add(1)
	p.latest.ReleaseWriter(true)
}

// drain gives consumers a bounded chance to take the last published frame
// before end of stream shuts the gates.
func (p *Pipeline) drain() {
	switch p.cfg.Topology {
	case TopologyHandoff:
		// drained is signaled once the consumer delivered the slot
		done := make(chan struct{})
		go func() {
			p.drained.AwaitAndConsume()
			close(done)
		}()
		select {
		case <-done:
		case <-p.ctx.Done():
		case <-time.After(drainTimeout):
			slog.Warn("capture: drain timed out", "session_id", p.sessionID)
		}
	case TopologyLatest:
		deadline := time.Now().Add(drainTimeout)
		for time.Now().Before(deadline) {
			p.latest.AcquireWriter()
			empty := p.latestSlot == nil
			p.latest.ReleaseWriter(false)
			if empty {
				return
			}
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(time.Millisecond):
			}
		}
		slog.Warn("capture: drain timed out", "session_id", p.sessionID)
	}
}

func (p *Pipeline) recordWarmup(st unitrate.Stats) {
	w := &WarmupStats{
		Units:        st.Units,
		Duration:     st.Duration,
		RateMean:     st.RateMean,
		RateStdDev:   st.RateStdDev,
		RateMin:      st.RateMin,
		RateMax:      st.RateMax,
		JitterMean:   st.JitterMean,
		JitterStdDev: st.JitterStdDev,
		JitterMax:    st.JitterMax,
		IsStable:     st.IsStable,
		Deviation:    st.Deviation(float64(p.cfg.CaptureRate)),
	}

	p.warmupMu.Lock()
	p.warmup = w
	p.warmupMu.Unlock()

	slog.Info("capture: warm-up complete",
		"session_id", p.sessionID,
		"units", w.Units,
		"duration", w.Duration,
		"rate_mean", fmt.Sprintf("%.1f", w.RateMean),
		"rate_stddev", fmt.Sprintf("%.2f", w.RateStdDev),
		"jitter_mean_ms", fmt.Sprintf("%.3f", w.JitterMean*1000),
		"stable", w.IsStable,
	)

	if w.Deviation > warmupDeviationThreshold {
		slog.Warn("capture: measured unit rate differs from configured capture rate",
			"session_id", p.sessionID,
			"configured", p.cfg.CaptureRate,
			"measured", fmt.Sprintf("%.1f", w.RateMean),
			"deviation_pct", fmt.Sprintf("%.1f", w.Deviation*100),
		)
	}
}
