// Package syncgate implements the handoff primitive that connects the
// capture producer with its consumer goroutines.
//
// # Model
//
// A Gate is one mutex, one condition variable, one ready flag and one
// termination flag. Every method is a different wait/signal protocol over
// that same state, so a single Gate can serve exactly one connection point
// of the pipeline:
//
//	producer ──SignalReady──▶ Gate ──AwaitAndConsume──▶ consumer
//
// # Disciplines
//
//  1. Pipeline handoff: one producer, one consumer. The consumer blocks in
//     AwaitAndConsume; the producer publishes with SignalReady. Pairing two
//     gates (filled/drained) gives a strict two-stage pipeline with no
//     buffering.
//  2. Single writer: AcquireWriter/ReleaseWriter bracket the writer's
//     critical section. ReleaseWriter(true) publishes, ReleaseWriter(false)
//     leaves silently (the writer only looked).
//  3. Multi reader: several goroutines block in AwaitMultiReader. Each
//     SignalReady is consumed by exactly one of them; the others keep
//     waiting. This is not a broadcast.
//  4. Try consume: TryConsume never waits, not even for the mutex. It
//     suits pollers that must never stall the producer's critical section.
//  5. Exclusive: AcquireExclusive/ReleaseExclusive is plain mutual
//     exclusion for a resource touched by independent goroutines (a display
//     back-buffer) that needs no signaling.
//
// The Func variants (AwaitAndConsumeFunc, AwaitMultiReaderFunc,
// TryConsumeFunc) run a caller function under the mutex at the instant the
// flag is reset, which is how a shared slot changes hands together with the
// flag.
//
// # Shutdown
//
// Terminate sets the ready flag and the termination flag and wakes every
// waiter with Broadcast. All blocked and future Await calls return false,
// TryConsume returns false, and Terminated reports true. Terminate is
// idempotent and safe from any goroutine.
//
// Usage:
//
//	gate := syncgate.New()
//
//	go func() { // consumer
//	    for gate.AwaitAndConsume() {
//	        render(shared)
//	    }
//	}()
//
//	fill(shared)
//	gate.SignalReady()
//	...
//	gate.Terminate()
package syncgate
