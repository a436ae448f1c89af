package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/dvs-fusion/eventframe"
	"github.com/e7canasta/dvs-fusion/raster"
	"github.com/e7canasta/dvs-fusion/syncgate"
)

// defaultPollInterval is used by WithPoller when interval <= 0.
const defaultPollInterval = 100 * time.Millisecond

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithPoller adds a low-priority consumer that tries to take the latest
// frame every interval without ever blocking (latest topology only).
func WithPoller(interval time.Duration, s Sink) Option {
	return func(p *Pipeline) {
		if interval <= 0 {
			interval = defaultPollInterval
		}
		p.pollers = append(p.pollers, poller{interval: interval, sink: s})
	}
}

type poller struct {
	interval time.Duration
	sink     Sink
}

// Pipeline connects one streaming source to its consumers.
//
// Goroutine topology:
//   - 1 capture loop (producer): read unit → fold → publish
//   - handoff: 1 consumer loop on the filled/drained gate pair
//   - latest: Readers consumer loops (AwaitMultiReader) + pollers (TryConsume)
//   - 1 watcher: turns context cancellation into shutdown
//
// Lifecycle: New() → Start() → Wait() or Stop().
type Pipeline struct {
	cfg       Config
	groupSize int
	unitSize  int
	sessionID string

	source  Source
	sink    Sink
	pollers []poller

	pool *raster.Pool
	acc  *eventframe.Accumulator

	// current is the raster bound to acc (capture loop only)
	current *raster.Frame

	// --- Handoff topology ---
	// handoffSlot is written by the producer only after drained was
	// consumed, and taken by the consumer inside filled's mutex.
	filled      *syncgate.Gate
	drained     *syncgate.Gate
	handoffSlot *raster.Frame

	// --- Latest topology ---
	// latestSlot is only touched with latest's mutex held.
	latest     *syncgate.Gate
	latestSlot *raster.Frame

	// --- Statistics (atomic) ---
	unitsRead       atomic.Uint64
	bytesRead       atomic.Uint64
	framesCompleted atomic.Uint64
	framesPublished atomic.Uint64
	framesDelivered atomic.Uint64
	framesDropped   atomic.Uint64
	sinkErrors      atomic.Uint64
	sequenceGaps    atomic.Uint64
	pollMisses      atomic.Uint64

	warmupMu sync.Mutex
	warmup   *WarmupStats

	// --- Lifecycle ---
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	done    chan struct{}
	started time.Time

	startedMu sync.Mutex
	running   bool

	stopping     atomic.Bool
	shutdownOnce sync.Once

	errMu sync.Mutex
	err   error
}

// New validates cfg fail-fast and pre-allocates every buffer the session
// needs: the raster ring and the accumulator. The pipeline takes ownership
// of src and closes it on shutdown.
func New(cfg Config, src Source, sink Sink, opts ...Option) (*Pipeline, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: source is required", ErrConfig)
	}
	if sink == nil {
		return nil, fmt.Errorf("%w: sink is required", ErrConfig)
	}

	p := &Pipeline{
		source:    src,
		sink:      sink,
		sessionID: uuid.New().String(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	cfg = cfg.withDefaults()
	if err := cfg.validate(len(p.pollers)); err != nil {
		return nil, err
	}

	groupSize, err := cfg.GroupSize()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	pool, err := raster.NewPool(cfg.Buffers, cfg.Width, cfg.Height, cfg.BytesPerPixel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	acc, err := eventframe.NewAccumulator(groupSize, cfg.Policy, cfg.ColorStep)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	p.cfg = cfg
	p.groupSize = groupSize
	p.unitSize = cfg.UnitSize()
	p.pool = pool
	p.acc = acc

	switch cfg.Topology {
	case TopologyHandoff:
		p.filled = syncgate.New()
		p.drained = syncgate.New()
		// Nothing in flight yet
		p.drained.SignalReady()
	case TopologyLatest:
		p.latest = syncgate.New()
	}

	slog.Info("capture: pipeline created",
		"session_id", p.sessionID,
		"source", cfg.SourceName,
		"resolution", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"bytes_per_pixel", cfg.BytesPerPixel,
		"capture_rate", cfg.CaptureRate,
		"display_rate", cfg.DisplayRate,
		"group_size", groupSize,
		"unit_size", p.unitSize,
		"policy", cfg.Policy.String(),
		"topology", cfg.Topology.String(),
		"buffers", cfg.Buffers,
		"readers", cfg.Readers,
		"pollers", len(p.pollers),
	)

	return p, nil
}

// Start launches the capture and consumer goroutines and returns
// immediately. Cancelling ctx shuts the pipeline down.
func (p *Pipeline) Start(ctx context.Context) error {
	p.startedMu.Lock()
	defer p.startedMu.Unlock()

	if p.running || p.ctx != nil {
		return ErrAlreadyStarted
	}
	if p.stopping.Load() {
		return ErrStopped
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.started = time.Now()
	p.running = true

	switch p.cfg.Topology {
	case TopologyHandoff:
		p.wg.Add(1)
		go p.handoffConsumer()
	case TopologyLatest:
		for i := 0; i < p.cfg.Readers; i++ {
			p.wg.Add(1)
			go p.readerConsumer(i)
		}
		for i, pl := range p.pollers {
			p.wg.Add(1)
			go p.pollConsumer(i, pl)
		}
	}

	p.wg.Add(1)
	go p.captureLoop()

	go p.watch()

	go func() {
		p.wg.Wait()
		p.startedMu.Lock()
		p.running = false
		p.startedMu.Unlock()
		p.reclaimSlots()
		close(p.done)
	}()

	slog.Info("capture: pipeline started",
		"session_id", p.sessionID,
		"topology", p.cfg.Topology.String(),
	)

	return nil
}

// watch turns context cancellation into a shutdown.
func (p *Pipeline) watch() {
	select {
	case <-p.ctx.Done():
		p.shutdown("context cancelled")
	case <-p.done:
	}
}

// Stop shuts the pipeline down and waits for every goroutine to exit.
// Idempotent. Returns the fatal error, if any, like Wait.
func (p *Pipeline) Stop() error {
	p.startedMu.Lock()
	started := p.ctx != nil
	p.startedMu.Unlock()

	if !started {
		p.shutdown("stop before start")
		return nil
	}

	p.shutdown("stop requested")
	<-p.done
	return p.Err()
}

// Wait blocks until every goroutine has exited and returns the fatal
// producer error (nil on clean end of stream or Stop).
func (p *Pipeline) Wait() error {
	p.startedMu.Lock()
	started := p.ctx != nil
	p.startedMu.Unlock()

	if !started {
		return ErrNotStarted
	}

	<-p.done
	return p.Err()
}

// Done is closed once every goroutine has exited.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Err returns the fatal error recorded by the capture loop.
func (p *Pipeline) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// SessionID identifies this capture session.
func (p *Pipeline) SessionID() string {
	return p.sessionID
}

// GroupSize returns G.
func (p *Pipeline) GroupSize() int {
	return p.groupSize
}

// fail records the first fatal error and shuts everything down.
func (p *Pipeline) fail(err error) {
	p.errMu.Lock()
	first := p.err == nil
	if first {
		p.err = err
	}
	p.errMu.Unlock()

	if first {
		slog.Error("capture: fatal producer error, terminating pipeline",
			"session_id", p.sessionID,
			"category", Classify(err).String(),
			"error", err,
			"units_read", p.unitsRead.Load(),
			"frames_completed", p.framesCompleted.Load(),
		)
	}

	p.shutdown("fatal error")
}

// shutdown broadcasts termination to every gate, unblocks the producer
// (source close, pool close) and cancels the context. Runs once.
func (p *Pipeline) shutdown(reason string) {
	p.shutdownOnce.Do(func() {
		// Ordered against Start: either Start sees stopping or we see cancel
		p.startedMu.Lock()
		p.stopping.Store(true)
		cancel := p.cancel
		p.startedMu.Unlock()

		slog.Info("capture: pipeline shutting down",
			"session_id", p.sessionID,
			"reason", reason,
		)

		if cancel != nil {
			cancel()
		}

		for _, g := range []*syncgate.Gate{p.filled, p.drained, p.latest} {
			if g != nil {
				g.Terminate()
			}
		}

		if err := p.source.Close(); err != nil {
			slog.Debug("capture: source close failed", "error", err)
		}

		p.pool.Close()
	})
}

// reclaimSlots drops frames left in a slot after every goroutine exited.
func (p *Pipeline) reclaimSlots() {
	p.handoffSlot = nil
	if p.latest != nil {
		p.latest.AcquireExclusive()
		p.latestSlot = nil
		p.latest.ReleaseExclusive()
	}
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.startedMu.Lock()
	running := p.running
	started := p.started
	p.startedMu.Unlock()

	var uptime time.Duration
	if !started.IsZero() {
		uptime = time.Since(started)
	}

	p.warmupMu.Lock()
	var warmup *WarmupStats
	if p.warmup != nil {
		w := *p.warmup
		warmup = &w
	}
	p.warmupMu.Unlock()

	return Stats{
		SessionID:       p.sessionID,
		SourceName:      p.cfg.SourceName,
		Topology:        p.cfg.Topology.String(),
		GroupSize:       p.groupSize,
		Resolution:      fmt.Sprintf("%dx%d", p.cfg.Width, p.cfg.Height),
		UnitsRead:       p.unitsRead.Load(),
		BytesRead:       p.bytesRead.Load(),
		FramesCompleted: p.framesCompleted.Load(),
		FramesPublished: p.framesPublished.Load(),
		FramesDelivered: p.framesDelivered.Load(),
		FramesDropped:   p.framesDropped.Load(),
		SinkErrors:      p.sinkErrors.Load(),
		SequenceGaps:    p.sequenceGaps.Load(),
		PollMisses:      p.pollMisses.Load(),
		FreeBuffers:     p.pool.Free(),
		Warmup:          warmup,
		Running:         running,
		Uptime:          uptime,
	}
}
