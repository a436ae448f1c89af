package capture

import (
	"errors"
)

var (
	// ErrConfig marks a configuration the pipeline refuses to start with.
	ErrConfig = errors.New("capture: invalid configuration")

	// ErrIO marks a streaming source open or read failure.
	ErrIO = errors.New("capture: streaming source I/O error")

	// ErrShortRead marks a transfer unit cut short. It is an I/O error:
	// header/payload alignment is lost and the group counter cannot be
	// repaired.
	ErrShortRead = errors.New("capture: short read")

	// ErrDecode marks a payload the accumulator rejected.
	ErrDecode = errors.New("capture: decode failed")

	// ErrSink marks a display/recording failure (never fatal).
	ErrSink = errors.New("capture: sink error")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("capture: pipeline already started")

	// ErrNotStarted is returned by Wait before Start.
	ErrNotStarted = errors.New("capture: pipeline not started")

	// ErrStopped is returned by Start on a pipeline that was already shut
	// down. A pipeline runs once.
	ErrStopped = errors.New("capture: pipeline stopped")
)

// ErrorCategory classifies pipeline errors for telemetry.
type ErrorCategory int

const (
	// CategoryConfig: rejected at startup
	CategoryConfig ErrorCategory = iota
	// CategoryIO: source open/read failure
	CategoryIO
	// CategoryShortRead: partial transfer unit
	CategoryShortRead
	// CategoryDecode: payload rejected by the decoder
	CategoryDecode
	// CategorySink: display/recording failure
	CategorySink
	// CategoryUnknown: unclassified
	CategoryUnknown
)

// String returns the category name.
func (c ErrorCategory) String() string {
	switch c {
	case CategoryConfig:
		return "config"
	case CategoryIO:
		return "io"
	case CategoryShortRead:
		return "short_read"
	case CategoryDecode:
		return "decode"
	case CategorySink:
		return "sink"
	default:
		return "unknown"
	}
}

// Fatal reports whether errors of this category stop the pipeline.
// Producer-side errors are fatal, sink errors are not.
func (c ErrorCategory) Fatal() bool {
	return c != CategorySink
}

// Classify maps an error to its category. Most specific first: a short
// read is also an I/O error.
func Classify(err error) ErrorCategory {
	switch {
	case err == nil:
		return CategoryUnknown
	case errors.Is(err, ErrConfig):
		return CategoryConfig
	case errors.Is(err, ErrShortRead):
		return CategoryShortRead
	case errors.Is(err, ErrIO):
		return CategoryIO
	case errors.Is(err, ErrDecode):
		return CategoryDecode
	case errors.Is(err, ErrSink):
		return CategorySink
	default:
		return CategoryUnknown
	}
}
