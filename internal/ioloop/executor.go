// Package ioloop implements the ProactorPool (spec §4.2, component C2): a
// dynamically sized set of single-threaded event loops ("Executors") that
// connections are round-robin assigned to, grown and shrunk under load
// feedback from the SystemMonitor.
package ioloop

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Executor is the OS-thread-pinned unit of work a connection is assigned to
// for its entire lifetime (spec §3 "Executor"). Pool.Acquire hands one out
// per accepted connection; every piece of that session's socket I/O runs
// through Executor.Submit, so the Executor's in-flight count stays above
// zero for as long as any session is still bound to it — what Pool.shrink's idle() check
// waits on before tearing the Executor down (spec §5, "socket tasks for a
// given session are pinned to one Executor").
type Executor struct {
	wg sync.WaitGroup

	draining atomic.Bool
	inFlight atomic.Int32
}

func newExecutor() *Executor {
	return &Executor{}
}

// Submit runs job on a new goroutine locked to one OS thread for job's
// duration — the closest Go equivalent to Asio's one-thread-per-completion
// binding — and tracks it against this Executor's in-flight count until job
// returns. Session.Start submits its reader and writer loops this way, for
// as long as the session lives, not just for its setup.
func (e *Executor) Submit(job func()) {
	e.pin()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release()
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		job()
	}()
}

// pin marks one unit of work (an Acquire handle held for a connection's
// life, or a submitted job) as
// holding this executor alive; release marks it done. Pool.shrink uses the
// pinned count to decide when a draining slot can actually be joined (spec
// §4.2's "shrinkage is deferred until observed drainage").
func (e *Executor) pin() { e.inFlight.Add(1) }

func (e *Executor) release() { e.inFlight.Add(-1) }

func (e *Executor) isDraining() bool { return e.draining.Load() }

func (e *Executor) markDraining() { e.draining.Store(true) }

func (e *Executor) idle() bool { return e.inFlight.Load() == 0 }

// stopAndJoin waits for every job submitted to this executor to finish. It
// does not forcibly cancel in-flight jobs — shrinkage waits for observed
// drainage rather than killing live sessions (spec §4.2).
func (e *Executor) stopAndJoin() {
	e.wg.Wait()
}
