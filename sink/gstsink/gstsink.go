// Package gstsink encodes capture frames to a video file with a GStreamer
// pipeline fed through appsrc.
package gstsink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/dvs-fusion/capture"
	"github.com/e7canasta/dvs-fusion/raster"
)

// eosTimeout bounds how long Close waits for the muxer to finalise.
const eosTimeout = 5 * time.Second

// stopPipeline moves a pipeline to NULL, releasing its elements.
var stopPipeline = func(p *gst.Pipeline) error {
	return p.SetState(gst.StateNull)
}

// Config configures the encoder.
type Config struct {
	Path          string
	Width         int
	Height        int
	BytesPerPixel int
	FPS           int

	// Encoder and Muxer are GStreamer element names (default x264enc, mp4mux)
	Encoder string
	Muxer   string
}

// Caps returns the raw video caps appsrc announces for the raster layout.
func Caps(width, height, bytesPerPixel, fps int) (string, error) {
	if width <= 0 || height <= 0 || fps <= 0 {
		return "", fmt.Errorf("%w: invalid video geometry %dx%d@%d", capture.ErrConfig, width, height, fps)
	}

	var format string
	switch bytesPerPixel {
	case 1:
		format = "GRAY8"
	case 3:
		format = "BGR"
	default:
		return "", fmt.Errorf("%w: unsupported bytes per pixel %d", capture.ErrConfig, bytesPerPixel)
	}

	return fmt.Sprintf("video/x-raw,format=%s,width=%d,height=%d,framerate=%d/1",
		format, width, height, fps), nil
}

// Recorder pushes every frame into:
//
//	appsrc → videoconvert → encoder → muxer → filesink
type Recorder struct {
	cfg      Config
	pipeline *gst.Pipeline
	src      *app.Source

	mu     sync.Mutex
	closed bool

	cancel context.CancelFunc
	eos    chan struct{}
	done   chan struct{}
	err    atomic.Value // error

	pushed atomic.Uint64
}

// NewRecorder builds the pipeline and sets it to PLAYING.
func NewRecorder(cfg Config) (*Recorder, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: output path is required", capture.ErrConfig)
	}
	if cfg.Encoder == "" {
		cfg.Encoder = "x264enc"
	}
	if cfg.Muxer == "" {
		cfg.Muxer = "mp4mux"
	}

	capsStr, err := Caps(cfg.Width, cfg.Height, cfg.BytesPerPixel, cfg.FPS)
	if err != nil {
		return nil, err
	}

	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("%w: create pipeline: %v", capture.ErrSink, err)
	}

	// A half-built pipeline goes back to NULL before it is dropped
	abort := func(err error) (*Recorder, error) {
		if serr := stopPipeline(pipeline); serr != nil {
			slog.Warn("gstsink: failed to stop partial pipeline", "error", serr)
		}
		return nil, err
	}

	src, err := app.NewAppSrc()
	if err != nil {
		return abort(fmt.Errorf("%w: create appsrc: %v", capture.ErrSink, err))
	}
	src.SetCaps(gst.NewCapsFromString(capsStr))
	src.SetProperty("format", gst.FormatTime)
	src.SetProperty("is-live", true)
	src.SetProperty("do-timestamp", true)

	elements := make([]*gst.Element, 0, 4)
	for _, name := range []string{"videoconvert", cfg.Encoder, cfg.Muxer, "filesink"} {
		el, err := gst.NewElement(name)
		if err != nil {
			return abort(fmt.Errorf("%w: create %s: %v", capture.ErrSink, name, err))
		}
		elements = append(elements, el)
	}
	elements[3].SetProperty("location", cfg.Path)

	if cfg.Encoder == "x264enc" {
		elements[1].SetProperty("tune", 4) // zerolatency
		elements[1].SetProperty("speed-preset", 1)
	}

	all := append([]*gst.Element{src.Element}, elements...)
	if err := pipeline.AddMany(all...); err != nil {
		return abort(fmt.Errorf("%w: add elements: %v", capture.ErrSink, err))
	}
	if err := gst.ElementLinkMany(all...); err != nil {
		return abort(fmt.Errorf("%w: link elements: %v", capture.ErrSink, err))
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return abort(fmt.Errorf("%w: set PLAYING: %v", capture.ErrSink, err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		cfg:      cfg,
		pipeline: pipeline,
		src:      src,
		cancel:   cancel,
		eos:      make(chan struct{}),
		done:     make(chan struct{}),
	}
	go r.monitor(ctx)

	slog.Info("gstsink: recording started",
		"path", cfg.Path,
		"caps", capsStr,
		"encoder", cfg.Encoder,
		"muxer", cfg.Muxer,
	)

	return r, nil
}

// monitor watches the bus for EOS and errors.
func (r *Recorder) monitor(ctx context.Context) {
	defer close(r.done)

	bus := r.pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			close(r.eos)
			return
		case gst.MessageError:
			gerr := msg.ParseError()
			slog.Error("gstsink: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"path", r.cfg.Path,
				"frames_pushed", r.pushed.Load(),
			)
			r.err.Store(fmt.Errorf("%w: gstreamer: %s", capture.ErrSink, gerr.Error()))
		}
	}
}

// Err returns the last pipeline error reported on the bus.
func (r *Recorder) Err() error {
	if err, ok := r.err.Load().(error); ok {
		return err
	}
	return nil
}

// WriteFrame implements capture.Sink. The pixels are copied into a
// GStreamer buffer.
func (r *Recorder) WriteFrame(f *raster.Frame) error {
	if f.Width != r.cfg.Width || f.Height != r.cfg.Height || f.BytesPerPixel != r.cfg.BytesPerPixel {
		return fmt.Errorf("%w: frame %s/%d does not match caps %dx%d/%d", capture.ErrSink,
			f.Resolution(), f.BytesPerPixel, r.cfg.Width, r.cfg.Height, r.cfg.BytesPerPixel)
	}
	if err := r.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("%w: recorder closed", capture.ErrSink)
	}

	if ret := r.src.PushBuffer(gst.NewBufferFromBytes(f.Pix)); ret != gst.FlowOK {
		return fmt.Errorf("%w: push buffer: flow %v", capture.ErrSink, ret)
	}
	r.pushed.Add(1)
	return nil
}

// Pushed returns the number of frames handed to the pipeline.
func (r *Recorder) Pushed() uint64 {
	return r.pushed.Load()
}

// Close sends EOS, waits for the muxer to finalise the file and tears the
// pipeline down. Idempotent.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	var err error
	r.src.EndStream()

	select {
	case <-r.eos:
	case <-r.done:
	case <-time.After(eosTimeout):
		err = fmt.Errorf("%w: timed out waiting for EOS on %s", capture.ErrSink, r.cfg.Path)
	}

	r.cancel()
	<-r.done

	if serr := stopPipeline(r.pipeline); serr != nil && err == nil {
		err = fmt.Errorf("%w: set NULL: %v", capture.ErrSink, serr)
	}
	if err == nil {
		err = r.Err()
	}

	slog.Info("gstsink: recording closed",
		"path", r.cfg.Path,
		"frames", r.pushed.Load(),
	)
	return err
}
