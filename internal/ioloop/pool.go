package ioloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/steelcore/msgserver/internal/logx"
)

// LoadSource reports the current system_load_average the autoscaler samples
// (spec §4.2) — satisfied by *monitor.Monitor in production.
type LoadSource func() float64

// Pool is the ProactorPool (spec §4.2): an ordered sequence of Executors
// indexed 0..max, with min <= now <= max running at any instant.
type Pool struct {
	log logx.Logger

	min, max int32
	now      atomic.Int32
	cursor   atomic.Uint64

	executors []*Executor // index 0..max-1; nil beyond now except while draining

	// resizeLock serialises grow/shrink decisions (spec §4.2: "a single
	// mutex"). It is a weighted semaphore of weight 1; grow and shrink
	// acquire it with context.Background(), so it acts as a plain mutex.
	resizeLock *semaphore.Weighted
	resizeMu   sync.Mutex // guards executors slice membership alongside resizeLock

	loadSource LoadSource
	interval   time.Duration

	stopAutoscale chan struct{}
	autoscaleOnce sync.Once
	autoscaleWG   sync.WaitGroup
}

// DefaultUpdateInterval matches spec §4.2 (30s).
const DefaultUpdateInterval = 30 * time.Second

const (
	growThreshold   = 0.6
	shrinkThreshold = 0.3
)

// New builds a Pool and starts min executors immediately.
func New(min, max int, log logx.Logger) *Pool {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	p := &Pool{
		log:           log,
		min:           int32(min),
		max:           int32(max),
		executors:     make([]*Executor, max),
		resizeLock:    semaphore.NewWeighted(1),
		interval:      DefaultUpdateInterval,
		stopAutoscale: make(chan struct{}),
	}
	for i := 0; i < min; i++ {
		p.executors[i] = newExecutor()
	}
	p.now.Store(int32(min))
	return p
}

// StartAutoscaler launches the background autoscaler task (spec §4.2),
// sampling loadSource every interval (<=0 uses DefaultUpdateInterval).
func (p *Pool) StartAutoscaler(loadSource LoadSource, interval time.Duration) {
	p.loadSource = loadSource
	if interval > 0 {
		p.interval = interval
	}
	p.autoscaleWG.Add(1)
	go p.autoscaleLoop()
}

func (p *Pool) autoscaleLoop() {
	defer p.autoscaleWG.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.autoscaleTick()
		case <-p.stopAutoscale:
			return
		}
	}
}

func (p *Pool) autoscaleTick() {
	if p.loadSource == nil {
		return
	}
	load := p.loadSource()
	now := p.now.Load()
	switch {
	case load > growThreshold && now < p.max:
		p.grow()
	case load < shrinkThreshold && now > p.min:
		p.shrink()
	}
}

func (p *Pool) grow() {
	ctx := context.Background()
	if err := p.resizeLock.Acquire(ctx, 1); err != nil {
		return
	}
	defer p.resizeLock.Release(1)

	now := p.now.Load()
	if now >= p.max {
		return
	}
	p.resizeMu.Lock()
	p.executors[now] = newExecutor()
	p.resizeMu.Unlock()
	p.now.Add(1)
	p.log.Infof("ioloop: grew to %d executors (max %d)", now+1, p.max)
}

func (p *Pool) shrink() {
	ctx := context.Background()
	if err := p.resizeLock.Acquire(ctx, 1); err != nil {
		return
	}
	defer p.resizeLock.Release(1)

	now := p.now.Load()
	if now <= p.min {
		return
	}
	idx := now - 1

	p.resizeMu.Lock()
	victim := p.executors[idx]
	p.resizeMu.Unlock()
	if victim == nil {
		return
	}
	victim.markDraining()
	p.now.Add(-1) // acquire() no longer indexes into this slot

	// Deferred stop-and-join: spec §4.2 requires shrinkage to wait for
	// observed drainage rather than terminate connections mid-flight.
	go func() {
		for !victim.idle() {
			time.Sleep(50 * time.Millisecond)
		}
		victim.stopAndJoin()
		p.resizeMu.Lock()
		p.executors[idx] = nil
		p.resizeMu.Unlock()
		p.log.Infof("ioloop: shrank executor slot %d", idx)
	}()
}

// ExecutorHandle is a strong, pinned reference returned by Acquire. Release
// must be called once the connection the handle was acquired for has closed
// (the server hands it to the session as its release callback) so a
// draining slot can eventually be joined.
type ExecutorHandle struct {
	executor *Executor
}

// Executor returns the underlying Executor to submit work to.
func (h ExecutorHandle) Executor() *Executor { return h.executor }

// Release unpins the executor. Safe to call exactly once per handle.
func (h ExecutorHandle) Release() { h.executor.release() }

// Acquire returns the next executor via round-robin over the live range
// [0, now). It never blocks and is safe from many goroutines (spec §4.2).
func (p *Pool) Acquire() ExecutorHandle {
	for {
		now := p.now.Load()
		idx := p.cursor.Add(1) % uint64(now)
		p.resizeMu.Lock()
		e := p.executors[idx]
		p.resizeMu.Unlock()
		if e == nil || e.isDraining() {
			// Slot just shrank or is mid-transition; retry against the
			// current now rather than return a stale/draining executor.
			continue
		}
		e.pin()
		return ExecutorHandle{executor: e}
	}
}

// Now returns the current number of live executors.
func (p *Pool) Now() int32 { return p.now.Load() }

// Min returns the configured floor.
func (p *Pool) Min() int32 { return p.min }

// Max returns the configured ceiling.
func (p *Pool) Max() int32 { return p.max }

// Shutdown stops all executors and joins their goroutines. Idempotent.
func (p *Pool) Shutdown() {
	p.autoscaleOnce.Do(func() { close(p.stopAutoscale) })
	p.autoscaleWG.Wait()

	p.resizeMu.Lock()
	executors := make([]*Executor, len(p.executors))
	copy(executors, p.executors)
	p.resizeMu.Unlock()

	for _, e := range executors {
		if e != nil {
			e.stopAndJoin()
		}
	}
}
