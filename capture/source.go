package capture

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Source is the streaming byte source the capture loop reads transfer
// units from. Read may block. The pipeline owns the source and closes it
// on shutdown, which must unblock a pending Read where the platform allows.
type Source interface {
	io.Reader
	io.Closer
}

// devicePollSlice bounds how long a Read waits for data before it checks
// whether the source was closed.
const devicePollSlice = 100 * time.Millisecond

// DeviceSource reads transfer units from a streaming character device
// (one blocking read per unit).
type DeviceSource struct {
	path string
	fd   int
	file *os.File

	// Read holds mu shared for one poll slice, Close takes it exclusive
	mu     sync.RWMutex
	closed atomic.Bool
}

// OpenDevice opens a streaming device read-only.
//
// The descriptor is opened with unix.Open and wrapped with os.NewFile so
// the runtime poller never registers it: streaming drivers answer reads in
// whole units and do not support epoll. Read waits for data with poll(2) in
// slices of devicePollSlice, so Close unblocks a pending Read within one
// slice. A read(2) already issued after the device reported data is not
// interrupted.
func OpenDevice(path string) (*DeviceSource, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: stat %s: %v", ErrIO, path, err)
	}

	kind := "file"
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFCHR:
		kind = "char-device"
	case unix.S_IFIFO:
		kind = "fifo"
	}

	slog.Info("capture: streaming device opened",
		"path", path,
		"kind", kind,
	)

	return &DeviceSource{
		path: path,
		fd:   fd,
		file: os.NewFile(uintptr(fd), path),
	}, nil
}

// Read implements io.Reader. After Close it returns os.ErrClosed.
func (d *DeviceSource) Read(p []byte) (int, error) {
	for {
		ok, err := d.waitReadable()
		if err != nil {
			return 0, err
		}
		if ok {
			break
		}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed.Load() {
		return 0, os.ErrClosed
	}
	return d.file.Read(p)
}

// waitReadable polls the descriptor for one slice. It reports false on
// timeout so the caller re-checks closed.
func (d *DeviceSource) waitReadable() (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed.Load() {
		return false, os.ErrClosed
	}

	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(devicePollSlice/time.Millisecond))
	if err == unix.EINTR {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("poll %s: %w", d.path, err)
	}
	if n == 0 {
		return false, nil
	}
	if fds[0].Revents&unix.POLLNVAL != 0 {
		return false, fmt.Errorf("poll %s: invalid descriptor", d.path)
	}
	// POLLIN, POLLHUP and POLLERR all let read(2) report the outcome
	return true, nil
}

// Close implements io.Closer. It waits for a Read in progress to leave its
// poll slice before the descriptor is released.
func (d *DeviceSource) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.file.Close()
}

// Path returns the device path.
func (d *DeviceSource) Path() string {
	return d.path
}

// readerSource adapts a plain io.Reader (recorded unit dumps, pipes).
type readerSource struct {
	r io.Reader
}

// NewReaderSource wraps r as a Source. If r is also an io.Closer, Close is
// forwarded.
func NewReaderSource(r io.Reader) Source {
	return &readerSource{r: r}
}

func (s *readerSource) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

func (s *readerSource) Close() error {
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Pattern fills the event codes of synthetic unit number unit (0-based).
// codes is zeroed (no event) before every call.
type Pattern func(unit uint64, codes []uint8)

// IdlePattern emits no events.
func IdlePattern(uint64, []uint8) {}

// MovingBarPattern sweeps a vertical bar of ON events across the sensor,
// one column per unit, with OFF events on the trailing edge.
func MovingBarPattern(width, height int) Pattern {
	return func(unit uint64, codes []uint8) {
		col := int(unit % uint64(width))
		prev := (col + width - 1) % width
		for y := 0; y < height; y++ {
			codes[y*width+col] = 1
			codes[y*width+prev] = 2
		}
	}
}

// SyntheticConfig configures a SyntheticSource.
type SyntheticConfig struct {
	Width  int
	Height int

	// Units stops the stream with io.EOF after that many units (0 = endless)
	Units uint64

	// Rate paces units per second (0 = as fast as read)
	Rate int

	// FirstSeq is the sequence number of unit 0
	FirstSeq uint32

	// TimestampStep is added to the header timestamp per unit
	TimestampStep uint32

	Pattern Pattern
}

// SyntheticSource generates transfer units in memory. It backs tests and
// the -synthetic mode of the capture command.
type SyntheticSource struct {
	cfg SyntheticConfig

	unit      []byte
	codes     []uint8
	offset    int
	index     uint64
	generated atomic.Uint64

	ticker *time.Ticker

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSyntheticSource creates a generator. Pattern defaults to IdlePattern.
func NewSyntheticSource(cfg SyntheticConfig) (*SyntheticSource, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("capture: synthetic source: invalid geometry %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Pattern == nil {
		cfg.Pattern = IdlePattern
	}

	s := &SyntheticSource{
		cfg:    cfg,
		unit:   make([]byte, UnitSize(cfg.Width, cfg.Height)),
		codes:  make([]uint8, cfg.Width*cfg.Height),
		closed: make(chan struct{}),
	}
	// Force generation on first Read
	s.offset = len(s.unit)

	if cfg.Rate > 0 {
		s.ticker = time.NewTicker(time.Second / time.Duration(cfg.Rate))
	}

	return s, nil
}

// Read implements io.Reader. Reads may span unit boundaries.
func (s *SyntheticSource) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if s.isClosed() {
			if n > 0 {
				return n, nil
			}
			return 0, os.ErrClosed
		}

		if s.offset == len(s.unit) {
			if s.cfg.Units > 0 && s.index >= s.cfg.Units {
				if n > 0 {
					return n, nil
				}
				return 0, io.EOF
			}
			if s.ticker != nil {
				select {
				case <-s.ticker.C:
				case <-s.closed:
					continue
				}
			}
			s.generate()
		}

		c := copy(p[n:], s.unit[s.offset:])
		s.offset += c
		n += c
	}
	return n, nil
}

func (s *SyntheticSource) generate() {
	for i := range s.codes {
		s.codes[i] = 0
	}
	s.cfg.Pattern(s.index, s.codes)

	h := Header{
		Timestamp: uint32(s.index) * s.cfg.TimestampStep,
		Seq:       s.cfg.FirstSeq + uint32(s.index),
	}
	// Sized in NewSyntheticSource
	_ = EncodeUnit(s.unit, h, s.codes)

	s.offset = 0
	s.index++
	s.generated.Store(s.index)
}

// Close stops the generator and unblocks a paced Read. Idempotent.
func (s *SyntheticSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.ticker != nil {
			s.ticker.Stop()
		}
	})
	return nil
}

// Generated returns the number of units generated so far.
func (s *SyntheticSource) Generated() uint64 {
	return s.generated.Load()
}

func (s *SyntheticSource) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
