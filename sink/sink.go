// Package sink provides consumers for completed capture frames: fan-out,
// a latest-frame snapshot, periodic logging, a msgpack recorder with its
// replay reader, and MQTT telemetry.
//
// Every sink implements capture.Sink. A sink never keeps the *raster.Frame
// it is handed: the raster goes back to the capture pool as soon as
// WriteFrame returns.
package sink

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/e7canasta/dvs-fusion/capture"
	"github.com/e7canasta/dvs-fusion/raster"
)

// Multi writes every frame to each sink in order. All sinks are tried;
// failures are joined and wrapped with capture.ErrSink.
type Multi struct {
	sinks []capture.Sink
}

// NewMulti fans frames out to sinks. Nil entries are skipped.
func NewMulti(sinks ...capture.Sink) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Len returns the number of sinks.
func (m *Multi) Len() int {
	return len(m.sinks)
}

// WriteFrame implements capture.Sink.
func (m *Multi) WriteFrame(f *raster.Frame) error {
	var errs []error
	for i, s := range m.sinks {
		if err := s.WriteFrame(f); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", capture.ErrSink, errors.Join(errs...))
}

// Log logs one line per Every frames (0 or 1 = every frame).
type Log struct {
	every  uint64
	logger *slog.Logger
	seen   atomic.Uint64
}

// NewLog creates a logging sink. A nil logger uses slog.Default.
func NewLog(logger *slog.Logger, every int) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	if every < 1 {
		every = 1
	}
	return &Log{every: uint64(every), logger: logger}
}

// WriteFrame implements capture.Sink.
func (l *Log) WriteFrame(f *raster.Frame) error {
	n := l.seen.Add(1)
	if (n-1)%l.every != 0 {
		return nil
	}

	l.logger.Info("sink: frame",
		"index", f.Index,
		"seq", f.Seq,
		"timestamp", f.Timestamp,
		"units", f.Units,
		"on_events", f.OnEvents,
		"off_events", f.OffEvents,
		"resolution", f.Resolution(),
		"trace_id", f.TraceID,
	)
	return nil
}

// Seen returns the number of frames received.
func (l *Log) Seen() uint64 {
	return l.seen.Load()
}
