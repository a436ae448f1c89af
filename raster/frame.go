// Package raster holds the displayable frame buffers shared between the
// capture producer and its consumers, and the fixed ring they rotate in.
package raster

import (
	"fmt"
	"time"
)

// Frame is one displayable raster plus the metadata of the accumulation
// group that produced it.
//
// OWNERSHIP CONTRACT:
//   - While accumulating, only the capture loop writes Pix
//   - Once published, only the consumer holding it reads Pix
//   - The producer writes it again only after it went back to the Pool
type Frame struct {
	// Pix is row-major, BytesPerPixel interleaved bytes per pixel
	Pix []byte

	Width         int
	Height        int
	BytesPerPixel int

	// Seq and Timestamp come from the header of the group's first unit
	Seq       uint32
	Timestamp uint32

	// Index is the pipeline-assigned completed frame counter (starts at 1)
	Index uint64

	// Units is the number of sub-frames folded into Pix
	Units int

	// OnEvents and OffEvents count the decoded events over the group
	OnEvents  uint64
	OffEvents uint64

	// TraceID identifies the frame across sinks (logs, telemetry, records)
	TraceID string

	// CompletedAt is the wall clock time the group completed
	CompletedAt time.Time
}

// NewFrame allocates a zeroed frame of the given geometry.
func NewFrame(width, height, bytesPerPixel int) *Frame {
	return &Frame{
		Pix:           make([]byte, width*height*bytesPerPixel),
		Width:         width,
		Height:        height,
		BytesPerPixel: bytesPerPixel,
	}
}

// Stride returns the number of bytes in one row.
func (f *Frame) Stride() int {
	return f.Width * f.BytesPerPixel
}

// Resolution returns "WxH".
func (f *Frame) Resolution() string {
	return fmt.Sprintf("%dx%d", f.Width, f.Height)
}

// ResetMeta clears the group metadata, Pix is left as is.
func (f *Frame) ResetMeta() {
	f.Seq = 0
	f.Timestamp = 0
	f.Index = 0
	f.Units = 0
	f.OnEvents = 0
	f.OffEvents = 0
	f.TraceID = ""
	f.CompletedAt = time.Time{}
}

// CopyTo copies pixels and metadata into dst, reallocating dst.Pix only
// when the geometry differs.
func (f *Frame) CopyTo(dst *Frame) {
	if len(dst.Pix) != len(f.Pix) {
		dst.Pix = make([]byte, len(f.Pix))
	}
	copy(dst.Pix, f.Pix)
	pix := dst.Pix
	*dst = *f
	dst.Pix = pix
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	dst := &Frame{}
	f.CopyTo(dst)
	return dst
}
