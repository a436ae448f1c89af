package syncgate

import "sync"

// Gate is a reusable producer/consumer handoff point.
//
// Invariants:
//   - ready and terminated are only read or written with mu held
//   - every wait runs inside a predicate loop (spurious wakeups are harmless)
//   - wakeups always use Broadcast, several goroutines may be parked at once
//
// A Gate must be created with New and must not be copied.
type Gate struct {
	mu         sync.Mutex
	cond       *sync.Cond
	ready      bool
	terminated bool
}

// New creates an idle gate (ready unset, not terminated).
func New() *Gate {
	g := &Gate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// AwaitAndConsume blocks until the gate is ready, then resets the flag and
// returns true. It returns false once the gate is terminated.
func (g *Gate) AwaitAndConsume() bool {
	return g.await(nil)
}

// AwaitAndConsumeFunc is AwaitAndConsume with take executed under the
// mutex right after the flag is reset. take is not called on termination.
func (g *Gate) AwaitAndConsumeFunc(take func()) bool {
	return g.await(take)
}

// AwaitMultiReader has the semantics of AwaitAndConsume for use by any
// number of concurrent readers. Exactly one reader consumes each signal.
func (g *Gate) AwaitMultiReader() bool {
	return g.await(nil)
}

// AwaitMultiReaderFunc is AwaitMultiReader with a consumption hook.
func (g *Gate) AwaitMultiReaderFunc(take func()) bool {
	return g.await(take)
}

func (g *Gate) await(take func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	for !g.ready && !g.terminated {
		g.cond.Wait()
	}

	// Terminate leaves ready set so every parked goroutine observes it
	if g.terminated {
		return false
	}

	g.ready = false
	if take != nil {
		take()
	}
	return true
}

// SignalReady publishes one item and wakes all waiters. It never blocks
// beyond acquiring the mutex. Signaling an already ready gate is a no-op:
// the item is still consumed once.
func (g *Gate) SignalReady() {
	g.mu.Lock()
	g.ready = true
	g.cond.Broadcast()
	g.mu.Unlock()
}

// AcquireWriter enters the writer critical section without waiting for
// the ready flag.
func (g *Gate) AcquireWriter() {
	g.mu.Lock()
}

// ReleaseWriter leaves the writer critical section. When didUpdate is true
// the gate becomes ready and waiters are woken, otherwise it releases
// silently.
func (g *Gate) ReleaseWriter(didUpdate bool) {
	if didUpdate {
		g.ready = true
		g.cond.Broadcast()
	}
	g.mu.Unlock()
}

// TryConsume consumes a pending item without blocking. It returns false
// immediately, with no side effect, when the mutex is busy, when nothing
// is ready, or when the gate is terminated.
func (g *Gate) TryConsume() bool {
	return g.TryConsumeFunc(nil)
}

// TryConsumeFunc is TryConsume with a consumption hook.
func (g *Gate) TryConsumeFunc(take func()) bool {
	if !g.mu.TryLock() {
		return false
	}
	defer g.mu.Unlock()

	if g.terminated || !g.ready {
		return false
	}

	g.ready = false
	if take != nil {
		take()
	}
	return true
}

// AcquireExclusive locks the gate mutex with no condition semantics.
func (g *Gate) AcquireExclusive() {
	g.mu.Lock()
}

// ReleaseExclusive unlocks a section entered with AcquireExclusive.
func (g *Gate) ReleaseExclusive() {
	g.mu.Unlock()
}

// Terminate wakes every waiter and makes all subsequent waits return
// false. Idempotent.
func (g *Gate) Terminate() {
	g.mu.Lock()
	g.ready = true
	g.terminated = true
	g.cond.Broadcast()
	g.mu.Unlock()
}

// Terminated reports whether Terminate has been called.
func (g *Gate) Terminated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.terminated
}
