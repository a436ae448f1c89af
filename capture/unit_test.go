package capture_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/e7canasta/dvs-fusion/capture"
	"github.com/e7canasta/dvs-fusion/eventframe"
)

func TestHeaderLayout(t *testing.T) {
	unit := []byte{0x01, 0x02, 0x03, 0x04, 0x0a, 0x00, 0x00, 0x00}

	h, err := capture.ParseHeader(unit)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if h.Timestamp != 0x04030201 {
		t.Errorf("Timestamp = %#x, want 0x04030201", h.Timestamp)
	}
	if h.Seq != 10 {
		t.Errorf("Seq = %d, want 10", h.Seq)
	}

	out := make([]byte, capture.HeaderSize)
	h.Put(out)
	if string(out) != string(unit) {
		t.Errorf("Put = % x, want % x", out, unit)
	}

	if _, err := capture.ParseHeader(unit[:5]); !errors.Is(err, capture.ErrShortRead) {
		t.Errorf("ParseHeader(5 bytes) error = %v, want ErrShortRead", err)
	}
}

func TestUnitSize(t *testing.T) {
	tests := []struct {
		w, h int
		want int
	}{
		{4, 1, 9},
		{5, 1, 10},
		{346, 260, 8 + 22490},
		{640, 480, 8 + 76800},
	}

	for _, tt := range tests {
		if got := capture.UnitSize(tt.w, tt.h); got != tt.want {
			t.Errorf("UnitSize(%d, %d) = %d, want %d", tt.w, tt.h, got, tt.want)
		}
	}
}

func TestEncodeUnit(t *testing.T) {
	codes := []uint8{eventframe.CodeOn, eventframe.CodeNone, eventframe.CodeOff, eventframe.CodeOn, eventframe.CodeOff}
	dst := make([]byte, capture.UnitSize(5, 1))

	if err := capture.EncodeUnit(dst, capture.Header{Timestamp: 7, Seq: 3}, codes); err != nil {
		t.Fatalf("EncodeUnit: %v", err)
	}

	h, _ := capture.ParseHeader(dst)
	if h.Timestamp != 7 || h.Seq != 3 {
		t.Errorf("header = %+v, want ts=7 seq=3", h)
	}

	payload := dst[capture.HeaderSize:]
	for i, want := range codes {
		if got := eventframe.CodeAt(payload, i); got != want {
			t.Errorf("code[%d] = %d, want %d", i, got, want)
		}
	}

	if err := capture.EncodeUnit(dst[:capture.HeaderSize+1], capture.Header{}, codes); err == nil {
		t.Error("EncodeUnit into a short buffer must fail")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		want  capture.ErrorCategory
		fatal bool
	}{
		{"config", fmt.Errorf("%w: bad", capture.ErrConfig), capture.CategoryConfig, true},
		{"io", fmt.Errorf("%w: read: boom", capture.ErrIO), capture.CategoryIO, true},
		{"short read wraps io", fmt.Errorf("%w (%w): got 3", capture.ErrShortRead, capture.ErrIO), capture.CategoryShortRead, true},
		{"decode", fmt.Errorf("%w: x", capture.ErrDecode), capture.CategoryDecode, true},
		{"sink", fmt.Errorf("%w: window", capture.ErrSink), capture.CategorySink, false},
		{"foreign", errors.New("other"), capture.CategoryUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := capture.Classify(tt.err)
			if got != tt.want {
				t.Errorf("Classify = %v, want %v", got, tt.want)
			}
			if got.Fatal() != tt.fatal {
				t.Errorf("Fatal = %v, want %v", got.Fatal(), tt.fatal)
			}
		})
	}
}

func TestParseTopology(t *testing.T) {
	for in, want := range map[string]capture.Topology{
		"":        capture.TopologyHandoff,
		"handoff": capture.TopologyHandoff,
		"Latest":  capture.TopologyLatest,
	} {
		got, err := capture.ParseTopology(in)
		if err != nil || got != want {
			t.Errorf("ParseTopology(%q) = %v, %v; want %v", in, got, err, want)
		}
	}

	if _, err := capture.ParseTopology("ring"); !errors.Is(err, capture.ErrConfig) {
		t.Errorf("ParseTopology(ring) error = %v, want ErrConfig", err)
	}
}
