package sink

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/dvs-fusion/capture"
	"github.com/e7canasta/dvs-fusion/raster"
)

// maxRecordSize bounds a single record on replay (a 4-byte length prefix
// from a corrupt file must not allocate gigabytes).
const maxRecordSize = 64 << 20

// record is the on-disk form of a frame.
type record struct {
	Index         uint64 `msgpack:"index"`
	Seq           uint32 `msgpack:"seq"`
	Timestamp     uint32 `msgpack:"ts"`
	Width         int    `msgpack:"w"`
	Height        int    `msgpack:"h"`
	BytesPerPixel int    `msgpack:"bpp"`
	Units         int    `msgpack:"units"`
	OnEvents      uint64 `msgpack:"on"`
	OffEvents     uint64 `msgpack:"off"`
	TraceID       string `msgpack:"trace_id"`
	CompletedAt   int64  `msgpack:"completed_at"`
	Pix           []byte `msgpack:"pix"`
}

// Recorder appends frames to a stream as length-prefixed msgpack records
// (4 bytes big-endian length, then the record).
type Recorder struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
	prefix [4]byte

	frames uint64
	bytes  uint64
}

// NewRecorder records to w. If w is an io.Closer, Close closes it.
func NewRecorder(w io.Writer) *Recorder {
	r := &Recorder{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}
	return r
}

// CreateRecorder creates (truncates) path and records to it.
func CreateRecorder(path string) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: create recording: %v", capture.ErrSink, err)
	}
	slog.Info("sink: recording frames", "path", path)
	return NewRecorder(f), nil
}

// WriteFrame implements capture.Sink.
func (r *Recorder) WriteFrame(f *raster.Frame) error {
	rec := record{
		Index:         f.Index,
		Seq:           f.Seq,
		Timestamp:     f.Timestamp,
		Width:         f.Width,
		Height:        f.Height,
		BytesPerPixel: f.BytesPerPixel,
		Units:         f.Units,
		OnEvents:      f.OnEvents,
		OffEvents:     f.OffEvents,
		TraceID:       f.TraceID,
		Pix:           f.Pix,
	}
	if !f.CompletedAt.IsZero() {
		rec.CompletedAt = f.CompletedAt.UnixNano()
	}

	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("%w: marshal frame %d: %v", capture.ErrSink, f.Index, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	binary.BigEndian.PutUint32(r.prefix[:], uint32(len(data)))
	if _, err := r.w.Write(r.prefix[:]); err != nil {
		return fmt.Errorf("%w: write length prefix: %v", capture.ErrSink, err)
	}
	if _, err := r.w.Write(data); err != nil {
		return fmt.Errorf("%w: write frame %d: %v", capture.ErrSink, f.Index, err)
	}

	r.frames++
	r.bytes += uint64(len(data) + len(r.prefix))
	return nil
}

// Flush writes buffered records to the underlying writer.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.w.Flush()
}

// Frames returns the number of frames recorded.
func (r *Recorder) Frames() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// Close flushes and closes the underlying writer.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.w.Flush()
	if r.closer != nil {
		if cerr := r.closer.Close(); err == nil {
			err = cerr
		}
		r.closer = nil
	}

	slog.Info("sink: recording closed", "frames", r.frames, "bytes", r.bytes)
	return err
}

// ErrCorruptRecording marks a record that cannot be decoded.
var ErrCorruptRecording = errors.New("sink: corrupt recording")

// Replayer reads frames back from a Recorder stream.
type Replayer struct {
	r      *bufio.Reader
	prefix [4]byte
}

// NewReplayer reads records from r.
func NewReplayer(r io.Reader) *Replayer {
	return &Replayer{r: bufio.NewReader(r)}
}

// Next decodes the next frame. It returns io.EOF at a clean end of stream
// and ErrCorruptRecording for a truncated or undecodable record.
func (p *Replayer) Next() (*raster.Frame, error) {
	if _, err := io.ReadFull(p.r, p.prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: length prefix: %v", ErrCorruptRecording, err)
	}

	n := binary.BigEndian.Uint32(p.prefix[:])
	if n == 0 || n > maxRecordSize {
		return nil, fmt.Errorf("%w: record size %d", ErrCorruptRecording, n)
	}
	// Fresh buffer per record: the decoded pixels may alias it
	buf := make([]byte, n)
	if _, err := io.ReadFull(p.r, buf); err != nil {
		return nil, fmt.Errorf("%w: record body: %v", ErrCorruptRecording, err)
	}

	var rec record
	if err := msgpack.Unmarshal(buf, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecording, err)
	}
	if len(rec.Pix) != rec.Width*rec.Height*rec.BytesPerPixel {
		return nil, fmt.Errorf("%w: frame %d: %d pixel bytes for %dx%dx%d",
			ErrCorruptRecording, rec.Index, len(rec.Pix), rec.Width, rec.Height, rec.BytesPerPixel)
	}

	f := &raster.Frame{
		Pix:           rec.Pix,
		Width:         rec.Width,
		Height:        rec.Height,
		BytesPerPixel: rec.BytesPerPixel,
		Seq:           rec.Seq,
		Timestamp:     rec.Timestamp,
		Index:         rec.Index,
		Units:         rec.Units,
		OnEvents:      rec.OnEvents,
		OffEvents:     rec.OffEvents,
		TraceID:       rec.TraceID,
	}
	if rec.CompletedAt != 0 {
		f.CompletedAt = time.Unix(0, rec.CompletedAt)
	}
	return f, nil
}

// Replay feeds every recorded frame to s in order, stopping at the first
// sink error. Returns the number of frames replayed.
func Replay(r io.Reader, s capture.Sink) (int, error) {
	return ReplayPaced(context.Background(), r, s, 0)
}

// ReplayPaced is Replay at fps frames per second (0 = as fast as s takes
// them). Cancelling ctx stops between frames with ctx.Err().
func ReplayPaced(ctx context.Context, r io.Reader, s capture.Sink, fps int) (int, error) {
	var tick <-chan time.Time
	if fps > 0 {
		ticker := time.NewTicker(time.Second / time.Duration(fps))
		defer ticker.Stop()
		tick = ticker.C
	}

	p := NewReplayer(r)
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}

		f, err := p.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}

		if tick != nil && n > 0 {
			select {
			case <-ctx.Done():
				return n, ctx.Err()
			case <-tick:
			}
		}

		if err := s.WriteFrame(f); err != nil {
			return n, err
		}
		n++
	}
}
