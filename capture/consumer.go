package capture

import (
	"log/slog"
	"time"

	"github.com/e7canasta/dvs-fusion/raster"
)

// handoffConsumer: await filled → take slot → deliver → signal drained.
func (p *Pipeline) handoffConsumer() {
	defer p.wg.Done()

	for {
		var f *raster.Frame
		ok := p.filled.AwaitAndConsumeFunc(func() {
			f = p.handoffSlot
			p.handoffSlot = nil
		})
		if !ok {
			slog.Debug("capture: handoff consumer exiting", "session_id", p.sessionID)
			return
		}

		p.deliver(p.sink, f)
		p.drained.SignalReady()
	}
}

// readerConsumer blocks on the latest gate; every published frame is
// taken by exactly one reader.
func (p *Pipeline) readerConsumer(id int) {
	defer p.wg.Done()

	for {
		var f *raster.Frame
		ok := p.latest.AwaitMultiReaderFunc(func() {
			f = p.latestSlot
			p.latestSlot = nil
		})
		if !ok {
			slog.Debug("capture: reader exiting", "session_id", p.sessionID, "reader", id)
			return
		}

		p.deliver(p.sink, f)
	}
}

// pollConsumer tries the latest gate on every tick and never waits for
// the producer.
func (p *Pipeline) pollConsumer(id int, pl poller) {
	defer p.wg.Done()

	ticker := time.NewTicker(pl.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			slog.Debug("capture: poller exiting", "session_id", p.sessionID, "poller", id)
			return
		case <-ticker.C:
		}

		if p.latest.Terminated() {
			return
		}

		var f *raster.Frame
		if !p.latest.TryConsumeFunc(func() {
			f = p.latestSlot
			p.latestSlot = nil
		}) {
			p.pollMisses.Add(1)
			continue
		}

		p.deliver(pl.sink, f)
	}
}

// deliver writes f to s and returns it to the pool. Sink failures are
// counted and logged, never fatal.
func (p *Pipeline) deliver(s Sink, f *raster.Frame) {
	if f == nil {
		return
	}

	if err := s.WriteFrame(f); err != nil {
		errs := p.sinkErrors.Add(1)
		if errs == 1 || errs%100 == 0 {
			slog.Warn("capture: sink write failed",
				"session_id", p.sessionID,
				"frame", f.Index,
				"seq", f.Seq,
				"error", err,
				"total_errors", errs,
			)
		}
	} else {
		p.framesDelivered.Add(1)
	}

	if err := p.pool.Put(f); err != nil && !p.stopping.Load() {
		slog.Error("capture: failed to return raster to pool", "error", err)
	}
}
