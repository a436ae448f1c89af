package eventframe

import (
	"errors"
	"fmt"
	"strings"

	"github.com/e7canasta/dvs-fusion/raster"
)

// Event codes.
const (
	CodeNone     uint8 = 0
	CodeOn       uint8 = 1
	CodeOff      uint8 = 2
	CodeReserved uint8 = 3
)

// Output levels.
const (
	LevelNone uint8 = 128
	LevelOn   uint8 = 255
	LevelOff  uint8 = 0
)

// DefaultColorStep is the per-event channel step of AccumulateColor.
const DefaultColorStep uint8 = 40

var (
	// ErrPayloadTooShort means the payload holds fewer than ceil(W*H/4) bytes.
	ErrPayloadTooShort = errors.New("eventframe: payload too short")

	// ErrRasterTooSmall means the raster holds fewer than W*H*bpp bytes.
	ErrRasterTooSmall = errors.New("eventframe: raster too small")

	// ErrPolicyMismatch means AccumulateColor on a raster without 3 channels.
	ErrPolicyMismatch = errors.New("eventframe: color policy requires 3 bytes per pixel")
)

// Policy selects how a sub-frame updates the raster.
type Policy int

const (
	// Initialize overwrites every pixel (first sub-frame of a group)
	Initialize Policy = iota
	// AccumulateMono overwrites event pixels only
	AccumulateMono
	// AccumulateColor fades event pixels toward color channel extremes
	AccumulateColor
)

// String returns the configuration name of the policy.
func (p Policy) String() string {
	switch p {
	case Initialize:
		return "initialize"
	case AccumulateMono:
		return "mono"
	case AccumulateColor:
		return "color"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy maps a configuration name ("mono", "color") to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mono", "accumulate_mono":
		return AccumulateMono, nil
	case "color", "colour", "accumulate_color":
		return AccumulateColor, nil
	case "initialize":
		return Initialize, nil
	default:
		return 0, fmt.Errorf("eventframe: unknown policy %q (must be 'mono' or 'color')", s)
	}
}

// Counts reports the events decoded from one payload.
type Counts struct {
	On  int
	Off int
}

// PayloadSize returns the packed payload size for a width x height sensor.
func PayloadSize(width, height int) int {
	return (width*height + 3) / 4
}

// CodeAt extracts the code of pixel i.
func CodeAt(payload []byte, i int) uint8 {
	return (payload[i>>2] >> uint((3-(i&3))*2)) & 0x3
}

// Decode applies one packed payload to dst under policy. step is only used
// by AccumulateColor.
//
// Decode reads at most PayloadSize(W, H) payload bytes and writes at most
// W*H*BytesPerPixel raster bytes.
func Decode(payload []byte, dst *raster.Frame, policy Policy, step uint8) (Counts, error) {
	var counts Counts

	n := dst.Width * dst.Height
	bpp := dst.BytesPerPixel
	need := PayloadSize(dst.Width, dst.Height)

	if len(payload) < need {
		return counts, fmt.Errorf("%w: got %d bytes, need %d", ErrPayloadTooShort, len(payload), need)
	}
	if len(dst.Pix) < n*bpp {
		return counts, fmt.Errorf("%w: got %d bytes, need %d", ErrRasterTooSmall, len(dst.Pix), n*bpp)
	}

	payload = payload[:need]
	pix := dst.Pix[:n*bpp]

	switch policy {
	case Initialize:
		decodeInitialize(payload, pix, n, bpp, &counts)
	case AccumulateMono:
		decodeMono(payload, pix, n, bpp, &counts)
	case AccumulateColor:
		if bpp != 3 {
			return counts, ErrPolicyMismatch
		}
		decodeColor(payload, pix, n, step, &counts)
	default:
		return counts, fmt.Errorf("eventframe: unsupported policy %v", policy)
	}

	return counts, nil
}

func decodeInitialize(payload, pix []byte, n, bpp int, counts *Counts) {
	for i := 0; i < n; i++ {
		level := LevelNone
		switch CodeAt(payload, i) {
		case CodeOn:
			level = LevelOn
			counts.On++
		case CodeOff:
			level = LevelOff
			counts.Off++
		}

		off := i * bpp
		for c := 0; c < bpp; c++ {
			pix[off+c] = level
		}
	}
}

func decodeMono(payload, pix []byte, n, bpp int, counts *Counts) {
	for b, packed := range payload {
		// 4 idle pixels
		if packed == 0 {
			continue
		}

		for k := 0; k < 4; k++ {
			i := b*4 + k
			if i >= n {
				return
			}

			var level uint8
			switch (packed >> uint((3-k)*2)) & 0x3 {
			case CodeOn:
				level = LevelOn
				counts.On++
			case CodeOff:
				level = LevelOff
				counts.Off++
			default:
				continue
			}

			off := i * bpp
			for c := 0; c < bpp; c++ {
				pix[off+c] = level
			}
		}
	}
}

func decodeColor(payload, pix []byte, n int, step uint8, counts *Counts) {
	for b, packed := range payload {
		if packed == 0 {
			continue
		}

		for k := 0; k < 4; k++ {
			i := b*4 + k
			if i >= n {
				return
			}

			off := i * 3
			switch (packed >> uint((3-k)*2)) & 0x3 {
			case CodeOn:
				pix[off] = subClamp(pix[off], step)
				pix[off+2] = addClamp(pix[off+2], step)
				counts.On++
			case CodeOff:
				pix[off] = addClamp(pix[off], step)
				pix[off+2] = subClamp(pix[off+2], step)
				counts.Off++
			}
		}
	}
}

func addClamp(v, step uint8) uint8 {
	if v > 255-step {
		return 255
	}
	return v + step
}

func subClamp(v, step uint8) uint8 {
	if v < step {
		return 0
	}
	return v - step
}
