package capture_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/dvs-fusion/capture"
	"github.com/e7canasta/dvs-fusion/eventframe"
	"github.com/e7canasta/dvs-fusion/raster"
)

// collector keeps a clone of every delivered frame.
type collector struct {
	mu     sync.Mutex
	frames []*raster.Frame
	delay  time.Duration
}

func (c *collector) WriteFrame(f *raster.Frame) error {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	c.frames = append(c.frames, f.Clone())
	c.mu.Unlock()
	return nil
}

func (c *collector) snapshot() []*raster.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*raster.Frame(nil), c.frames...)
}

// stream encodes one unit per entry of seqs; codes(i) returns the event
// codes of unit i (nil = idle).
func stream(t *testing.T, width, height int, seqs []uint32, codes func(i int) []uint8) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	unit := make([]byte, capture.UnitSize(width, height))
	idle := make([]uint8, width*height)

	for i, seq := range seqs {
		c := idle
		if codes != nil {
			if cc := codes(i); cc != nil {
				c = cc
			}
		}
		for j := range unit {
			unit[j] = 0
		}
		if err := capture.EncodeUnit(unit, capture.Header{Timestamp: uint32(i * 500), Seq: seq}, c); err != nil {
			t.Fatalf("EncodeUnit: %v", err)
		}
		buf.Write(unit)
	}
	return &buf
}

func seqRange(first uint32, n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = first + uint32(i)
	}
	return out
}

func waitPipeline(t *testing.T, p *capture.Pipeline, timeout time.Duration) error {
	t.Helper()
	select {
	case <-p.Done():
		return p.Err()
	case <-time.After(timeout):
		t.Fatalf("pipeline did not stop within %v (stats %+v)", timeout, p.Stats())
		return nil
	}
}

// --- Test 1: Configuration is validated fail-fast ---

func TestNewRejectsInvalidConfig(t *testing.T) {
	base := capture.Config{Width: 4, Height: 2, CaptureRate: 2000, DisplayRate: 20}
	sink := capture.SinkFunc(func(*raster.Frame) error { return nil })

	tests := []struct {
		name string
		mut  func(c *capture.Config)
		opts []capture.Option
	}{
		{"zero width", func(c *capture.Config) { c.Width = 0 }, nil},
		{"negative height", func(c *capture.Config) { c.Height = -1 }, nil},
		{"bpp 2", func(c *capture.Config) { c.BytesPerPixel = 2 }, nil},
		{"non-integer group", func(c *capture.Config) { c.DisplayRate = 30 }, nil},
		{"display faster than capture", func(c *capture.Config) { c.DisplayRate = 4000 }, nil},
		{"zero display rate", func(c *capture.Config) { c.DisplayRate = 0 }, nil},
		{"color on mono raster", func(c *capture.Config) { c.Policy = eventframe.AccumulateColor }, nil},
		{"negative buffers", func(c *capture.Config) { c.Buffers = -1 }, nil},
		{"negative warmup", func(c *capture.Config) { c.WarmupUnits = -5 }, nil},
		{"latest without spare buffers", func(c *capture.Config) {
			c.Topology = capture.TopologyLatest
			c.Readers = 2
			c.Buffers = 3
		}, nil},
		{"poller on handoff", func(c *capture.Config) { c.Buffers = 4 },
			[]capture.Option{capture.WithPoller(time.Millisecond, sink)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mut(&cfg)

			_, err := capture.New(cfg, capture.NewReaderSource(&bytes.Buffer{}), sink, tt.opts...)
			if !errors.Is(err, capture.ErrConfig) {
				t.Fatalf("New error = %v, want ErrConfig", err)
			}
			if capture.Classify(err) != capture.CategoryConfig {
				t.Errorf("Classify = %v, want config", capture.Classify(err))
			}
		})
	}

	if _, err := capture.New(base, nil, sink); !errors.Is(err, capture.ErrConfig) {
		t.Errorf("nil source: error = %v, want ErrConfig", err)
	}
	if _, err := capture.New(base, capture.NewReaderSource(&bytes.Buffer{}), nil); !errors.Is(err, capture.ErrConfig) {
		t.Errorf("nil sink: error = %v, want ErrConfig", err)
	}
}

// --- Test 2: One frame out of G units ---

// TestGroupOfHundredUnits validates the end-to-end fold.
//
// Scenario (capture 2000, display 20, G = 100):
//  1. Unit 0 (seq 1) is all idle
//  2. Units 1..99 alternate ON (odd) / OFF (even) at pixel 5
//  3. Stream ends exactly at the unit boundary
//
// Contract:
//   - exactly one frame is delivered, stamped with seq 1
//   - pixel 5 holds the level of the last code (unit 99 is ON → 255)
//   - every other pixel is 128
//   - end of stream is not an error
func TestGroupOfHundredUnits(t *testing.T) {
	const w, h, target = 4, 2, 5

	src := stream(t, w, h, seqRange(1, 100), func(i int) []uint8 {
		if i == 0 {
			return nil
		}
		c := make([]uint8, w*h)
		if i%2 == 1 {
			c[target] = eventframe.CodeOn
		} else {
			c[target] = eventframe.CodeOff
		}
		return c
	})

	sink := &collector{}
	p, err := capture.New(capture.Config{Width: w, Height: h, CaptureRate: 2000, DisplayRate: 20},
		capture.NewReaderSource(src), sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.GroupSize() != 100 {
		t.Fatalf("GroupSize = %d, want 100", p.GroupSize())
	}

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := waitPipeline(t, p, 2*time.Second); err != nil {
		t.Fatalf("Wait error = %v, want nil at end of stream", err)
	}

	frames := sink.snapshot()
	if len(frames) != 1 {
		t.Fatalf("delivered %d frames, want 1", len(frames))
	}

	f := frames[0]
	if f.Seq != 1 || f.Units != 100 || f.Index != 1 {
		t.Errorf("frame meta seq=%d units=%d index=%d, want 1/100/1", f.Seq, f.Units, f.Index)
	}
	if f.OnEvents != 50 || f.OffEvents != 49 {
		t.Errorf("events on=%d off=%d, want 50/49", f.OnEvents, f.OffEvents)
	}
	if f.TraceID == "" {
		t.Error("frame has no trace id")
	}

	for i, v := range f.Pix {
		want := eventframe.LevelNone
		if i == target {
			want = eventframe.LevelOn
		}
		if v != want {
			t.Errorf("pix[%d] = %d, want %d", i, v, want)
		}
	}

	st := p.Stats()
	if st.UnitsRead != 100 || st.FramesCompleted != 1 || st.FramesDelivered != 1 {
		t.Errorf("stats %+v", st)
	}
	if st.BytesRead != uint64(100*capture.UnitSize(w, h)) {
		t.Errorf("BytesRead = %d", st.BytesRead)
	}
	if st.Running {
		t.Error("Running after end of stream")
	}
}

// --- Test 3: Handoff delivers every frame in order ---

func TestHandoffDeliversInOrder(t *testing.T) {
	src, err := capture.NewSyntheticSource(capture.SyntheticConfig{
		Width: 6, Height: 3, Units: 50, FirstSeq: 1,
		Pattern: capture.MovingBarPattern(6, 3),
	})
	if err != nil {
		t.Fatalf("NewSyntheticSource: %v", err)
	}

	sink := &collector{delay: 2 * time.Millisecond}
	p, err := capture.New(capture.Config{Width: 6, Height: 3, CaptureRate: 50, DisplayRate: 10}, src, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := waitPipeline(t, p, 2*time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	frames := sink.snapshot()
	if len(frames) != 10 {
		t.Fatalf("delivered %d frames, want 10", len(frames))
	}
	for k, f := range frames {
		if f.Index != uint64(k+1) {
			t.Errorf("frame %d: Index = %d", k, f.Index)
		}
		if want := uint32(1 + 5*k); f.Seq != want {
			t.Errorf("frame %d: Seq = %d, want %d", k, f.Seq, want)
		}
	}

	st := p.Stats()
	if st.FramesDropped != 0 {
		t.Errorf("handoff dropped %d frames", st.FramesDropped)
	}
	if st.FreeBuffers != 1 {
		t.Errorf("FreeBuffers = %d, want 1", st.FreeBuffers)
	}
	t.Logf("stats: %+v", st)
}

// --- Test 4: Partial unit is fatal ---

func TestShortReadIsFatal(t *testing.T) {
	const w, h = 4, 4
	src := stream(t, w, h, seqRange(1, 3), nil)
	src.Truncate(src.Len() - 2)

	p, err := capture.New(capture.Config{Width: w, Height: h, CaptureRate: 100, DisplayRate: 100},
		capture.NewReaderSource(src), &collector{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err = waitPipeline(t, p, 2*time.Second)
	if !errors.Is(err, capture.ErrShortRead) || !errors.Is(err, capture.ErrIO) {
		t.Fatalf("Wait error = %v, want ErrShortRead wrapping ErrIO", err)
	}
	if capture.Classify(err) != capture.CategoryShortRead {
		t.Errorf("Classify = %v", capture.Classify(err))
	}
	if got := p.Stats().UnitsRead; got != 2 {
		t.Errorf("UnitsRead = %d, want 2", got)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("device unplugged") }

func TestReadErrorIsFatal(t *testing.T) {
	p, err := capture.New(capture.Config{Width: 4, Height: 4, CaptureRate: 100, DisplayRate: 100},
		capture.NewReaderSource(failingReader{}), &collector{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err = waitPipeline(t, p, 2*time.Second)
	if !errors.Is(err, capture.ErrIO) || errors.Is(err, capture.ErrShortRead) {
		t.Fatalf("Wait error = %v, want plain ErrIO", err)
	}
}

// --- Test 5: Partial group at end of stream is discarded ---

func TestPartialGroupDiscarded(t *testing.T) {
	src := stream(t, 4, 1, seqRange(1, 25), nil)
	sink := &collector{}

	p, err := capture.New(capture.Config{Width: 4, Height: 1, CaptureRate: 100, DisplayRate: 10},
		capture.NewReaderSource(src), sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := waitPipeline(t, p, 2*time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if n := len(sink.snapshot()); n != 2 {
		t.Errorf("delivered %d frames, want 2 (5 trailing units dropped)", n)
	}
}

// --- Test 6: Sequence gaps and sink errors are counted, not fatal ---

func TestGapsAndSinkErrorsNotFatal(t *testing.T) {
	src := stream(t, 4, 1, []uint32{1, 2, 5, 6, 7, 9}, nil)

	var calls int
	sink := capture.SinkFunc(func(*raster.Frame) error {
		calls++
		return capture.ErrSink
	})

	p, err := capture.New(capture.Config{Width: 4, Height: 1, CaptureRate: 30, DisplayRate: 10},
		capture.NewReaderSource(src), sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := waitPipeline(t, p, 2*time.Second); err != nil {
		t.Fatalf("Wait error = %v, sink errors must not be fatal", err)
	}

	st := p.Stats()
	if st.SequenceGaps != 2 {
		t.Errorf("SequenceGaps = %d, want 2", st.SequenceGaps)
	}
	if st.SinkErrors != 2 || st.FramesDelivered != 0 || calls != 2 {
		t.Errorf("sink errors=%d delivered=%d calls=%d, want 2/0/2", st.SinkErrors, st.FramesDelivered, calls)
	}
}

// --- Test 7: Latest topology drops, never queues ---

// TestLatestTopologyAccounting validates the single writer / multi reader
// path with readers slower than the producer.
//
// Contract:
//   - every published frame is either delivered by exactly one reader or
//     dropped (replaced while unconsumed)
//   - frames delivered by the readers are distinct
func TestLatestTopologyAccounting(t *testing.T) {
	src, err := capture.NewSyntheticSource(capture.SyntheticConfig{Width: 8, Height: 2, Units: 300, FirstSeq: 1})
	if err != nil {
		t.Fatalf("NewSyntheticSource: %v", err)
	}

	sink := &collector{delay: time.Millisecond}
	p, err := capture.New(capture.Config{
		Width: 8, Height: 2, CaptureRate: 100, DisplayRate: 100,
		Topology: capture.TopologyLatest, Readers: 3, Buffers: 5,
	}, src, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := waitPipeline(t, p, 5*time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	st := p.Stats()
	if st.FramesCompleted != 300 || st.FramesPublished != 300 {
		t.Fatalf("completed=%d published=%d, want 300", st.FramesCompleted, st.FramesPublished)
	}
	if st.FramesDelivered+st.FramesDropped != st.FramesPublished {
		t.Errorf("delivered (%d) + dropped (%d) != published (%d)",
			st.FramesDelivered, st.FramesDropped, st.FramesPublished)
	}

	seen := make(map[uint64]bool)
	for _, f := range sink.snapshot() {
		if seen[f.Index] {
			t.Errorf("frame %d delivered twice", f.Index)
		}
		seen[f.Index] = true
	}
	t.Logf("delivered=%d dropped=%d", st.FramesDelivered, st.FramesDropped)
}

func TestLatestTopologyPoller(t *testing.T) {
	src, err := capture.NewSyntheticSource(capture.SyntheticConfig{Width: 4, Height: 1, Rate: 500, FirstSeq: 1})
	if err != nil {
		t.Fatalf("NewSyntheticSource: %v", err)
	}

	reader := &collector{delay: 5 * time.Millisecond}
	polled := &collector{}

	p, err := capture.New(capture.Config{
		Width: 4, Height: 1, CaptureRate: 500, DisplayRate: 500,
		Topology: capture.TopologyLatest, Buffers: 4,
	}, src, reader, capture.WithPoller(2*time.Millisecond, polled))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	st := p.Stats()
	if st.FramesDelivered != uint64(len(reader.snapshot())+len(polled.snapshot())) {
		t.Errorf("FramesDelivered = %d, reader %d + poller %d",
			st.FramesDelivered, len(reader.snapshot()), len(polled.snapshot()))
	}
	if st.FramesPublished == 0 {
		t.Error("nothing published")
	}
	t.Logf("reader=%d poller=%d misses=%d dropped=%d",
		len(reader.snapshot()), len(polled.snapshot()), st.PollMisses, st.FramesDropped)
}

// --- Test 8: Lifecycle ---

func TestStopUnblocksPacedSource(t *testing.T) {
	src, err := capture.NewSyntheticSource(capture.SyntheticConfig{Width: 4, Height: 1, Rate: 20})
	if err != nil {
		t.Fatalf("NewSyntheticSource: %v", err)
	}

	p, err := capture.New(capture.Config{Width: 4, Height: 1, CaptureRate: 20, DisplayRate: 1}, src, &collector{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !p.Stats().Running {
		t.Error("Running = false after Start")
	}

	time.Sleep(30 * time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- p.Stop() }()

	select {
	case err := <-stopped:
		if err != nil {
			t.Errorf("Stop: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}

	if err := p.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if p.Stats().Running {
		t.Error("Running after Stop")
	}
}

func TestContextCancelStops(t *testing.T) {
	src, _ := capture.NewSyntheticSource(capture.SyntheticConfig{Width: 4, Height: 1, Rate: 100})
	p, err := capture.New(capture.Config{Width: 4, Height: 1, CaptureRate: 100, DisplayRate: 10}, src, &collector{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(ctx); !errors.Is(err, capture.ErrAlreadyStarted) {
		t.Errorf("second Start error = %v, want ErrAlreadyStarted", err)
	}

	cancel()
	if err := waitPipeline(t, p, time.Second); err != nil {
		t.Errorf("Wait after cancel = %v, want nil", err)
	}
}

func TestWaitBeforeStart(t *testing.T) {
	p, err := capture.New(capture.Config{Width: 4, Height: 1, CaptureRate: 10, DisplayRate: 10},
		capture.NewReaderSource(&bytes.Buffer{}), &collector{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Wait(); !errors.Is(err, capture.ErrNotStarted) {
		t.Errorf("Wait error = %v, want ErrNotStarted", err)
	}
}

func TestStartAfterStop(t *testing.T) {
	p, err := capture.New(capture.Config{Width: 4, Height: 1, CaptureRate: 10, DisplayRate: 10},
		capture.NewReaderSource(&bytes.Buffer{}), &collector{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
	if err := p.Start(context.Background()); !errors.Is(err, capture.ErrStopped) {
		t.Fatalf("Start after Stop error = %v, want ErrStopped", err)
	}
	if err := p.Wait(); !errors.Is(err, capture.ErrNotStarted) {
		t.Errorf("Wait error = %v, want ErrNotStarted", err)
	}
}

// TestConcurrentStartStop races Start against Stop. Either Start wins and
// Stop tears the running pipeline down, or Stop wins and Start refuses.
func TestConcurrentStartStop(t *testing.T) {
	for i := 0; i < 20; i++ {
		src, _ := capture.NewSyntheticSource(capture.SyntheticConfig{Width: 4, Height: 1, Rate: 1000})
		p, err := capture.New(capture.Config{Width: 4, Height: 1, CaptureRate: 1000, DisplayRate: 100}, src, &collector{})
		if err != nil {
			t.Fatalf("New: %v", err)
		}

		startErr := make(chan error, 1)
		go func() { startErr <- p.Start(context.Background()) }()
		p.Stop()

		switch err := <-startErr; {
		case err == nil:
			if err := waitPipeline(t, p, time.Second); err != nil {
				t.Fatalf("Wait = %v, want nil", err)
			}
		case errors.Is(err, capture.ErrStopped):
		default:
			t.Fatalf("Start error = %v", err)
		}
	}
}

// --- Test 9: Warm-up rate measurement ---

func TestWarmupStats(t *testing.T) {
	src := stream(t, 4, 1, seqRange(1, 40), nil)

	p, err := capture.New(capture.Config{
		Width: 4, Height: 1, CaptureRate: 100, DisplayRate: 10, WarmupUnits: 20,
	}, capture.NewReaderSource(src), &collector{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Stats().Warmup != nil {
		t.Error("Warmup set before any unit")
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := waitPipeline(t, p, 2*time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	w := p.Stats().Warmup
	if w == nil {
		t.Fatal("Warmup = nil after 40 units")
	}
	if w.Units != 20 {
		t.Errorf("Warmup.Units = %d, want 20", w.Units)
	}
}
