package eventframe_test

import (
	"errors"
	"testing"

	"github.com/e7canasta/dvs-fusion/eventframe"
	"github.com/e7canasta/dvs-fusion/raster"
)

func TestGroupSize(t *testing.T) {
	tests := []struct {
		capture, display int
		want             int
		wantErr          bool
	}{
		{capture: 2000, display: 20, want: 100},
		{capture: 1000, display: 1000, want: 1},
		{capture: 3000, display: 30, want: 100},
		{capture: 2000, display: 30, wantErr: true},
		{capture: 0, display: 20, wantErr: true},
		{capture: 2000, display: -1, wantErr: true},
	}

	for _, tt := range tests {
		got, err := eventframe.GroupSize(tt.capture, tt.display)
		if (err != nil) != tt.wantErr {
			t.Errorf("GroupSize(%d, %d) err = %v, wantErr %v", tt.capture, tt.display, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("GroupSize(%d, %d) = %d, want %d", tt.capture, tt.display, got, tt.want)
		}
	}
}

// TestAccumulatorStateMachine walks Detached → Empty → Accumulating →
// Complete → Detached.
func TestAccumulatorStateMachine(t *testing.T) {
	const g = 3
	acc, err := eventframe.NewAccumulator(g, eventframe.AccumulateMono, 0)
	if err != nil {
		t.Fatalf("NewAccumulator: %v", err)
	}

	payload := make([]byte, eventframe.PayloadSize(4, 4))

	if acc.State() != eventframe.Detached {
		t.Fatalf("initial state = %v, want detached", acc.State())
	}
	if err := acc.Fold(payload); !errors.Is(err, eventframe.ErrNoFrame) {
		t.Fatalf("Fold without frame = %v, want ErrNoFrame", err)
	}

	f := raster.NewFrame(4, 4, 1)
	acc.BeginFrame(f)
	if acc.State() != eventframe.Empty {
		t.Fatalf("after BeginFrame = %v, want empty", acc.State())
	}

	for i := 1; i <= g; i++ {
		if _, err := acc.Release(); !errors.Is(err, eventframe.ErrNotComplete) {
			t.Fatalf("Release before complete = %v", err)
		}
		if err := acc.Fold(payload); err != nil {
			t.Fatalf("Fold %d: %v", i, err)
		}
		if i < g && acc.State() != eventframe.Accumulating {
			t.Errorf("after %d folds = %v, want accumulating", i, acc.State())
		}
	}

	if !acc.IsComplete() || acc.State() != eventframe.Complete {
		t.Fatalf("after %d folds: complete=%v state=%v", g, acc.IsComplete(), acc.State())
	}
	if err := acc.Fold(payload); !errors.Is(err, eventframe.ErrGroupComplete) {
		t.Errorf("Fold on complete group = %v, want ErrGroupComplete", err)
	}

	out, err := acc.Release()
	if err != nil || out != f {
		t.Fatalf("Release = (%p, %v), want (%p, nil)", out, err, f)
	}
	if out.Units != g {
		t.Errorf("Units = %d, want %d", out.Units, g)
	}
	if acc.State() != eventframe.Detached {
		t.Errorf("after Release = %v, want detached", acc.State())
	}
}

// TestAccumulatorTrails validates the first fold initializes and later
// folds only overwrite event pixels.
func TestAccumulatorTrails(t *testing.T) {
	acc, _ := eventframe.NewAccumulator(3, eventframe.AccumulateMono, 0)
	f := raster.NewFrame(4, 1, 1)
	for i := range f.Pix {
		f.Pix[i] = 9 // stale content from a previous group
	}
	acc.BeginFrame(f)

	steps := [][]uint8{
		{eventframe.CodeNone, eventframe.CodeNone, eventframe.CodeNone, eventframe.CodeNone},
		{eventframe.CodeOn, eventframe.CodeNone, eventframe.CodeNone, eventframe.CodeNone},
		{eventframe.CodeNone, eventframe.CodeOff, eventframe.CodeNone, eventframe.CodeNone},
	}
	for _, codes := range steps {
		if err := acc.Fold(eventframe.Pack(codes)); err != nil {
			t.Fatalf("Fold: %v", err)
		}
	}

	want := []byte{255, 0, 128, 128}
	for i := range want {
		if f.Pix[i] != want[i] {
			t.Errorf("pixel %d = %d, want %d", i, f.Pix[i], want[i])
		}
	}
	if f.OnEvents != 1 || f.OffEvents != 1 {
		t.Errorf("events on=%d off=%d, want 1/1", f.OnEvents, f.OffEvents)
	}
}

func TestNewAccumulatorValidation(t *testing.T) {
	if _, err := eventframe.NewAccumulator(0, eventframe.AccumulateMono, 0); err == nil {
		t.Error("group size 0 accepted")
	}
	if _, err := eventframe.NewAccumulator(10, eventframe.Initialize, 0); err == nil {
		t.Error("Initialize accepted as accumulate policy")
	}
}
