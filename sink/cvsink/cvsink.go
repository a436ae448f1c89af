// Package cvsink displays and records capture frames with OpenCV (gocv).
package cvsink

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"

	"github.com/e7canasta/dvs-fusion/capture"
	"github.com/e7canasta/dvs-fusion/raster"
	"github.com/e7canasta/dvs-fusion/syncgate"
)

// ErrWindowClosed is returned by Run when the user quits the window.
var ErrWindowClosed = errors.New("cvsink: window closed")

const (
	keyEsc = 27
	keyQ   = 'q'
)

// matType maps bytes per pixel to an 8-bit OpenCV type.
func matType(bpp int) (gocv.MatType, error) {
	switch bpp {
	case 1:
		return gocv.MatTypeCV8UC1, nil
	case 3:
		return gocv.MatTypeCV8UC3, nil
	default:
		return 0, fmt.Errorf("%w: unsupported bytes per pixel %d", capture.ErrSink, bpp)
	}
}

// toMat copies f into a new Mat; the caller closes it.
func toMat(f *raster.Frame) (gocv.Mat, error) {
	mt, err := matType(f.BytesPerPixel)
	if err != nil {
		return gocv.Mat{}, err
	}
	mat, err := gocv.NewMatFromBytes(f.Height, f.Width, mt, f.Pix)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("%w: frame %d to mat: %v", capture.ErrSink, f.Index, err)
	}
	return mat, nil
}

// WindowConfig configures the display window.
type WindowConfig struct {
	Title string

	// Scale enlarges small sensors (nearest neighbour, 0 = 1)
	Scale int

	// RefreshRate is the redraw rate in Hz (0 = 30)
	RefreshRate int
}

// Window shows the latest frame in a HighGUI window.
//
// WriteFrame may be called from any consumer goroutine: it copies the
// frame into a back buffer under a gate. Run must be called from the main
// goroutine (HighGUI requirement); it redraws only when a new frame was
// written, taking the back buffer with TryConsume so a busy writer never
// stalls the UI.
type Window struct {
	cfg WindowConfig

	gate  *syncgate.Gate
	back  *raster.Frame
	front *raster.Frame

	shown atomic.Uint64
}

// NewWindow creates the sink. The HighGUI window is opened by Run.
func NewWindow(cfg WindowConfig) *Window {
	if cfg.Title == "" {
		cfg.Title = "dvs"
	}
	if cfg.Scale < 1 {
		cfg.Scale = 1
	}
	if cfg.RefreshRate <= 0 {
		cfg.RefreshRate = 30
	}
	return &Window{cfg: cfg, gate: syncgate.New()}
}

// WriteFrame implements capture.Sink.
func (w *Window) WriteFrame(f *raster.Frame) error {
	if _, err := matType(f.BytesPerPixel); err != nil {
		return err
	}

	w.gate.AcquireWriter()
	if w.back == nil {
		w.back = f.Clone()
	} else {
		f.CopyTo(w.back)
	}
	w.gate.ReleaseWriter(true)
	return nil
}

// Run opens the window and redraws until ctx is done or the user presses
// q / Esc (ErrWindowClosed).
func (w *Window) Run(ctx context.Context) error {
	win := gocv.NewWindow(w.cfg.Title)
	defer win.Close()

	slog.Info("cvsink: display window opened",
		"title", w.cfg.Title,
		"scale", w.cfg.Scale,
		"refresh_hz", w.cfg.RefreshRate,
	)

	scaled := gocv.NewMat()
	defer scaled.Close()

	delay := int(time.Second / time.Duration(w.cfg.RefreshRate) / time.Millisecond)
	if delay < 1 {
		delay = 1
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if w.gate.TryConsumeFunc(w.swap) {
			if err := w.show(win, &scaled); err != nil {
				slog.Warn("cvsink: redraw failed", "error", err)
			}
		}

		switch win.WaitKey(delay) {
		case keyEsc, keyQ:
			slog.Info("cvsink: window closed by user", "frames_shown", w.shown.Load())
			return ErrWindowClosed
		}
	}
}

// swap copies back into front (gate mutex held).
func (w *Window) swap() {
	if w.front == nil {
		w.front = w.back.Clone()
		return
	}
	w.back.CopyTo(w.front)
}

func (w *Window) show(win *gocv.Window, scaled *gocv.Mat) error {
	mat, err := toMat(w.front)
	if err != nil {
		return err
	}
	defer mat.Close()

	if w.cfg.Scale > 1 {
		gocv.Resize(mat, scaled, image.Point{}, float64(w.cfg.Scale), float64(w.cfg.Scale), gocv.InterpolationNearestNeighbor)
		win.IMShow(*scaled)
	} else {
		win.IMShow(mat)
	}
	w.shown.Add(1)
	return nil
}

// Shown returns the number of redraws.
func (w *Window) Shown() uint64 {
	return w.shown.Load()
}

// VideoFile encodes every frame into a video file with OpenCV's writer.
type VideoFile struct {
	mu     sync.Mutex
	writer *gocv.VideoWriter
	path   string
	bpp    int
	frames uint64
}

// CreateVideoFile opens path for width x height frames at fps. codec is a
// FourCC such as "MJPG" or "mp4v".
func CreateVideoFile(path, codec string, fps float64, width, height, bytesPerPixel int) (*VideoFile, error) {
	if _, err := matType(bytesPerPixel); err != nil {
		return nil, err
	}
	if len(codec) != 4 {
		return nil, fmt.Errorf("%w: codec must be a FourCC, got %q", capture.ErrConfig, codec)
	}

	vw, err := gocv.VideoWriterFile(path, codec, fps, width, height, bytesPerPixel == 3)
	if err != nil {
		return nil, fmt.Errorf("%w: open video writer %s: %v", capture.ErrSink, path, err)
	}
	if !vw.IsOpened() {
		vw.Close()
		return nil, fmt.Errorf("%w: video writer %s not opened (codec %s)", capture.ErrSink, path, codec)
	}

	slog.Info("cvsink: video file opened",
		"path", path,
		"codec", codec,
		"fps", fps,
		"resolution", fmt.Sprintf("%dx%d", width, height),
	)

	return &VideoFile{writer: vw, path: path, bpp: bytesPerPixel}, nil
}

// WriteFrame implements capture.Sink.
func (v *VideoFile) WriteFrame(f *raster.Frame) error {
	if f.BytesPerPixel != v.bpp {
		return fmt.Errorf("%w: frame has %d bytes per pixel, video expects %d", capture.ErrSink, f.BytesPerPixel, v.bpp)
	}

	mat, err := toMat(f)
	if err != nil {
		return err
	}
	defer mat.Close()

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.writer == nil {
		return fmt.Errorf("%w: video file %s closed", capture.ErrSink, v.path)
	}
	if err := v.writer.Write(mat); err != nil {
		return fmt.Errorf("%w: write frame %d: %v", capture.ErrSink, f.Index, err)
	}
	v.frames++
	return nil
}

// Close finalises the file. Idempotent.
func (v *VideoFile) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.writer == nil {
		return nil
	}
	err := v.writer.Close()
	v.writer = nil

	slog.Info("cvsink: video file closed", "path", v.path, "frames", v.frames)
	return err
}

// imageExts are the still image formats WriteImage accepts.
var imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".bmp": true, ".pgm": true, ".ppm": true}

// WriteImage encodes f as a still image; the format follows the path
// extension.
func WriteImage(path string, f *raster.Frame) error {
	ext := strings.ToLower(filepath.Ext(path))
	if !imageExts[ext] {
		return fmt.Errorf("%w: unsupported image extension %q", capture.ErrConfig, ext)
	}
	if f == nil {
		return fmt.Errorf("%w: no frame to write", capture.ErrSink)
	}

	mat, err := toMat(f)
	if err != nil {
		return err
	}
	defer mat.Close()

	if !gocv.IMWrite(path, mat) {
		return fmt.Errorf("%w: failed to write image %s", capture.ErrSink, path)
	}

	slog.Info("cvsink: snapshot written",
		"path", path,
		"frame", f.Index,
		"resolution", f.Resolution(),
	)
	return nil
}
