package raster

import (
	"errors"
	"fmt"
	"time"

	"github.com/Workiva/go-datastructures/queue"

	"github.com/e7canasta/dvs-fusion/syncgate"
)

// takeSlice bounds a ring take after Len reported a free frame. The ring
// spins while empty, so blocking waits go through the gate instead.
const takeSlice = time.Millisecond

// ErrPoolClosed is returned by Get/Put after Close.
var ErrPoolClosed = errors.New("raster: pool closed")

// ErrForeignFrame is returned when a frame of another geometry is returned.
var ErrForeignFrame = errors.New("raster: frame does not belong to pool")

// Pool is a fixed ring of pre-allocated frames. Frames leave the ring when
// the producer starts a group and come back when a consumer is done with
// them (or when an unconsumed frame is reclaimed).
//
// No frame is allocated after NewPool, so steady state capture does not
// allocate raster memory. A Get on an empty pool parks on a gate until a
// Put signals it.
type Pool struct {
	ring  *queue.RingBuffer
	freed *syncgate.Gate

	size          int
	width         int
	height        int
	bytesPerPixel int
}

// NewPool allocates size frames of the given geometry.
func NewPool(size, width, height, bytesPerPixel int) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("raster: pool size must be >= 1, got %d", size)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("raster: invalid geometry %dx%d", width, height)
	}
	if bytesPerPixel != 1 && bytesPerPixel != 3 {
		return nil, fmt.Errorf("raster: bytes per pixel must be 1 or 3, got %d", bytesPerPixel)
	}

	p := &Pool{
		ring:          queue.NewRingBuffer(uint64(size)),
		freed:         syncgate.New(),
		size:          size,
		width:         width,
		height:        height,
		bytesPerPixel: bytesPerPixel,
	}

	for i := 0; i < size; i++ {
		if err := p.ring.Put(NewFrame(width, height, bytesPerPixel)); err != nil {
			return nil, fmt.Errorf("raster: failed to fill pool: %w", err)
		}
	}

	return p, nil
}

// Get takes a free frame, blocking until one is returned or the pool is
// closed.
func (p *Pool) Get() (*Frame, error) {
	for {
		if p.ring.IsDisposed() {
			return nil, ErrPoolClosed
		}

		if p.ring.Len() > 0 {
			item, err := p.ring.Poll(takeSlice)
			if err == nil {
				return item.(*Frame), nil
			}
			if !errors.Is(err, queue.ErrTimeout) {
				return nil, p.mapErr(err)
			}
			// Raced with another Get, wait for the next Put
		}

		// A Put between Len and here leaves the gate ready
		if !p.freed.AwaitAndConsume() {
			return nil, ErrPoolClosed
		}
	}
}

// Put returns a frame to the ring. Metadata is cleared.
func (p *Pool) Put(f *Frame) error {
	if f == nil {
		return nil
	}
	if f.Width != p.width || f.Height != p.height || f.BytesPerPixel != p.bytesPerPixel ||
		len(f.Pix) != p.width*p.height*p.bytesPerPixel {
		return ErrForeignFrame
	}

	f.ResetMeta()

	// Never blocks: at most size frames exist
	ok, err := p.ring.Offer(f)
	if err != nil {
		return p.mapErr(err)
	}
	if !ok {
		return fmt.Errorf("raster: pool overflow (size=%d)", p.size)
	}
	p.freed.SignalReady()
	return nil
}

// Free returns the number of frames currently in the ring.
func (p *Pool) Free() int {
	return int(p.ring.Len())
}

// Size returns the number of frames owned by the pool.
func (p *Pool) Size() int {
	return p.size
}

// Close disposes the ring; blocked Get calls return ErrPoolClosed.
// Idempotent.
func (p *Pool) Close() {
	if !p.ring.IsDisposed() {
		p.ring.Dispose()
	}
	p.freed.Terminate()
}

func (p *Pool) mapErr(err error) error {
	if errors.Is(err, queue.ErrDisposed) {
		return ErrPoolClosed
	}
	return fmt.Errorf("raster: %w", err)
}
