package capture

import (
	"encoding/binary"
	"fmt"

	"github.com/e7canasta/dvs-fusion/eventframe"
)

// HeaderSize is the size of the transfer unit header.
const HeaderSize = 8

// Header is the fixed 8-byte prefix of every transfer unit:
//
//	bytes 0-3  timestamp (little-endian)
//	bytes 4-7  sequence number (little-endian)
type Header struct {
	Timestamp uint32
	Seq       uint32
}

// ParseHeader decodes the header of a transfer unit.
func ParseHeader(unit []byte) (Header, error) {
	if len(unit) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header needs %d bytes, got %d", ErrShortRead, HeaderSize, len(unit))
	}
	return Header{
		Timestamp: binary.LittleEndian.Uint32(unit[0:4]),
		Seq:       binary.LittleEndian.Uint32(unit[4:8]),
	}, nil
}

// Put encodes h into the first HeaderSize bytes of dst.
func (h Header) Put(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], h.Timestamp)
	binary.LittleEndian.PutUint32(dst[4:8], h.Seq)
}

// UnitSize returns the transfer unit size for a width x height sensor.
func UnitSize(width, height int) int {
	return HeaderSize + eventframe.PayloadSize(width, height)
}

// EncodeUnit writes a complete transfer unit (header + packed codes) into
// dst, which must be UnitSize bytes for len(codes) pixels.
func EncodeUnit(dst []byte, h Header, codes []uint8) error {
	need := HeaderSize + (len(codes)+3)/4
	if len(dst) < need {
		return fmt.Errorf("capture: unit buffer too small: got %d bytes, need %d", len(dst), need)
	}
	h.Put(dst)
	eventframe.PackInto(dst[HeaderSize:need], codes)
	return nil
}
