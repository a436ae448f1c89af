package sink

import (
	"github.com/e7canasta/dvs-fusion/raster"
	"github.com/e7canasta/dvs-fusion/syncgate"
)

// Snapshot keeps a copy of the most recent frame for out-of-band readers
// (status endpoints, the display window). The copy is guarded by a gate in
// exclusive mode: writers and readers never see a half-copied raster.
type Snapshot struct {
	gate   *syncgate.Gate
	back   *raster.Frame
	frames uint64
}

// NewSnapshot creates an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{gate: syncgate.New()}
}

// WriteFrame copies f into the back buffer. The buffer is allocated on the
// first frame and reused while the geometry does not change.
func (s *Snapshot) WriteFrame(f *raster.Frame) error {
	s.gate.AcquireExclusive()
	defer s.gate.ReleaseExclusive()

	if s.back == nil {
		s.back = f.Clone()
	} else {
		f.CopyTo(s.back)
	}
	s.frames++
	return nil
}

// Latest returns a clone of the last frame, nil before the first one.
func (s *Snapshot) Latest() *raster.Frame {
	s.gate.AcquireExclusive()
	defer s.gate.ReleaseExclusive()

	if s.back == nil {
		return nil
	}
	return s.back.Clone()
}

// View runs fn on the back buffer with the lock held. fn must not keep f.
func (s *Snapshot) View(fn func(f *raster.Frame)) bool {
	s.gate.AcquireExclusive()
	defer s.gate.ReleaseExclusive()

	if s.back == nil {
		return false
	}
	fn(s.back)
	return true
}

// Frames returns the number of frames written.
func (s *Snapshot) Frames() uint64 {
	s.gate.AcquireExclusive()
	defer s.gate.ReleaseExclusive()
	return s.frames
}
