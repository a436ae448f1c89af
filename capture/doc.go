// Package capture runs the DVS capture core: one producer reading fixed
// size transfer units from a streaming source, folding G of them into a
// raster, and handing completed rasters to consumers through syncgate.
//
// # Philosophy
//
// "One unit at a time, in order. Drop frames, never queue."
//
// Every transfer unit is decoded exactly once, in stream order. A raster is
// never published before G units were folded into it, and never written
// again while a consumer holds it.
//
// # Transfer unit
//
//	offset  size               field
//	0       4                  timestamp (uint32, little-endian)
//	4       4                  sequence  (uint32, little-endian)
//	8       ceil(W*H/4)        2-bit event codes, 4 pixels per byte
//
// G = CaptureRate / DisplayRate units make up one displayed frame (the
// configuration is rejected when the division is not exact).
//
// # Topologies
//
// Handoff (default): strict two-stage pipeline with one consumer.
//
//	capture loop ── filled ──▶ consumer
//	     ▲                        │
//	     └──────── drained ◀──────┘
//
// The producer waits on drained before filling the slot, so it can be at
// most one frame ahead of the consumer.
//
// Latest: single writer, multiple readers. The producer never waits on the
// gate; a frame no reader took in time goes back to the pool and counts as
// dropped. Readers block (AwaitMultiReader), pollers try on a ticker
// (TryConsume) and never block.
//
// # Errors
//
// Short reads and I/O errors are fatal: alignment between headers and
// payloads is lost. Wait returns the error wrapped with ErrShortRead or
// ErrIO; Classify maps it to a category. Sink errors are counted in Stats
// and never stop the pipeline. End of stream exactly at a unit boundary is
// a normal stop: a partial group is discarded.
//
// # Basic Usage
//
//	src, err := capture.OpenDevice("/dev/dvs0")
//	if err != nil {
//	    return err
//	}
//
//	p, err := capture.New(capture.Config{
//	    Width:       346,
//	    Height:      260,
//	    CaptureRate: 2000,
//	    DisplayRate: 20,
//	}, src, sink)
//	if err != nil {
//	    return err
//	}
//
//	if err := p.Start(ctx); err != nil {
//	    return err
//	}
//	return p.Wait()
package capture
