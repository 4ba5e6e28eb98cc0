// Package worker implements the WorkerPool / Logic System (spec §4.5,
// component C5): a shared message queue drained by a fixed-plus-on-demand
// set of goroutine workers that park on an empty queue and are woken one at
// a time per enqueue, autoscaling under sustained backlog.
package worker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/steelcore/msgserver/internal/dispatch"
	"github.com/steelcore/msgserver/internal/logx"
	"github.com/steelcore/msgserver/internal/session"
)

// DefaultUpdateInterval matches spec §4.5 (10s autoscaler tick).
const DefaultUpdateInterval = 10 * time.Second

// recheckInterval is the periodic safety-net a parked worker uses to
// re-examine the queue even if its wake signal never arrives (e.g. it was
// delivered to a slot that retired a moment earlier). This is the "spurious
// wake" recheck spec §4.5 anticipates, generalised to also cover a dead
// wake-target rather than only a truly spurious one.
const recheckInterval = 200 * time.Millisecond

// idleRetireAfter is how long a temporary worker must sit idle before it
// self-retires (spec §4.5, "idle for 60 continuous seconds").
const idleRetireAfter = 60 * time.Second

// pressureThreshold is the count of consecutive non-empty autoscaler ticks
// that must be exceeded before the pool grows by one worker (spec §4.5).
const pressureThreshold = 3

type slot struct {
	id        int32
	temporary bool
	wake      chan struct{}
}

// Pool is the WorkerPool (spec §4.5).
type Pool struct {
	log        logx.Logger
	dispatcher *dispatch.Dispatcher

	queue *messageQueue
	ready *readyQueue

	min, max int32
	now      atomic.Int32
	nextID   atomic.Int32

	slotsMu sync.Mutex
	slots   map[int32]*slot

	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup

	pressure atomic.Int32
}

// New builds and starts a WorkerPool with min base workers. Base workers
// never self-retire; only workers spawned by the autoscaler do.
func New(min, max int, dispatcher *dispatch.Dispatcher, log logx.Logger) *Pool {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	p := &Pool{
		log:        log,
		dispatcher: dispatcher,
		queue:      &messageQueue{},
		ready:      newReadyQueue(max),
		min:        int32(min),
		max:        int32(max),
		slots:      make(map[int32]*slot),
		shutdown:   make(chan struct{}),
	}
	for i := 0; i < min; i++ {
		p.spawn(false)
	}
	return p
}

func (p *Pool) spawn(temporary bool) {
	id := p.nextID.Add(1) - 1
	s := &slot{id: id, temporary: temporary, wake: make(chan struct{}, 1)}
	p.slotsMu.Lock()
	p.slots[id] = s
	p.slotsMu.Unlock()
	p.now.Add(1)
	p.wg.Add(1)
	go p.run(s)
}

// Post enqueues msg and wakes one parked worker, if any (spec §4.5
// "post(message)").
func (p *Pool) Post(msg session.DecodedMessage) {
	p.queue.push(msg)
	if id, ok := p.ready.pop(); ok {
		p.slotsMu.Lock()
		s := p.slots[id]
		p.slotsMu.Unlock()
		if s != nil {
			select {
			case s.wake <- struct{}{}:
			default:
			}
		}
		// If s is nil the slot already retired; the message stays queued
		// and recheckInterval guarantees some live worker still picks it up.
	}
}

func (p *Pool) run(s *slot) {
	defer p.wg.Done()
	idleSince := time.Now()

	for {
		if msg, ok := p.queue.pop(); ok {
			idleSince = time.Now()
			p.dispatcher.Dispatch(msg.Session, msg.ID, msg.Payload)
			continue
		}

		select {
		case <-p.shutdown:
			p.drainRemaining()
			p.removeSlot(s.id)
			return
		default:
		}

		p.ready.push(s.id)

		timer := time.NewTimer(recheckInterval)
		select {
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
			if s.temporary && time.Since(idleSince) >= idleRetireAfter {
				p.removeSlot(s.id)
				p.now.Add(-1)
				p.log.Infof("worker: temporary worker %d retired after idle period", s.id)
				return
			}
		case <-p.shutdown:
			timer.Stop()
			p.drainRemaining()
			p.removeSlot(s.id)
			return
		}
	}
}

func (p *Pool) drainRemaining() {
	for {
		msg, ok := p.queue.pop()
		if !ok {
			return
		}
		p.dispatcher.Dispatch(msg.Session, msg.ID, msg.Payload)
	}
}

func (p *Pool) removeSlot(id int32) {
	p.slotsMu.Lock()
	delete(p.slots, id)
	p.slotsMu.Unlock()
}

// StartAutoscaler launches the backlog-driven autoscaler (spec §4.5),
// sampling the queue every interval (<=0 uses DefaultUpdateInterval).
func (p *Pool) StartAutoscaler(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultUpdateInterval
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.autoscaleTick()
			case <-p.shutdown:
				return
			}
		}
	}()
}

func (p *Pool) autoscaleTick() {
	if p.queue.len() > 0 {
		if p.pressure.Add(1) > pressureThreshold && p.now.Load() < p.max {
			p.pressure.Store(0)
			p.spawn(true)
			p.log.Infof("worker: grew pool to %d workers under sustained backlog", p.now.Load())
		}
	} else {
		p.pressure.Store(0)
	}
}

// Now returns the current number of active workers.
func (p *Pool) Now() int32 { return p.now.Load() }

// Min returns the configured floor.
func (p *Pool) Min() int32 { return p.min }

// Max returns the configured ceiling.
func (p *Pool) Max() int32 { return p.max }

// QueueLen returns the current backlog size, for status/diagnostics.
func (p *Pool) QueueLen() int { return p.queue.len() }

// Shutdown signals all workers to drain the remaining queue and exit, then
// waits for them to finish (spec §5 external-shutdown step 3, "wait for
// message queue to drain"). Idempotent.
func (p *Pool) Shutdown() {
	p.shutdownOnce.Do(func() { close(p.shutdown) })
	p.wg.Wait()
}
