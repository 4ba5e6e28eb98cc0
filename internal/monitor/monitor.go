// Package monitor implements the SystemMonitor (spec §4.1, component C1): a
// background sampler that publishes a scalar system load average derived from
// host CPU, memory, thread and I/O pressure, sampled on an interval and read
// without blocking by the proactor pool's autoscaler. The worker pool's
// autoscaler does not read it; it goes by queue backlog only.
package monitor

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/steelcore/msgserver/internal/logx"
)

// Weights are the tunable coefficients for system_load_average. They are not
// required to sum to 1.0 (spec §4.1) — callers only compare the result
// against thresholds.
type Weights struct {
	CPU    float64
	Mem    float64
	Thread float64
	IO     float64
}

// DefaultWeights matches spec §4.1's defaults.
var DefaultWeights = Weights{CPU: 0.1, Mem: 0.5, Thread: 0.5, IO: 0.1}

// Sources supplies the counters the monitor cannot measure itself: active
// connections (for I/O pressure) and active worker/executor threads (for
// thread pressure).
type Sources struct {
	ActiveConnections func() int64
	ActiveThreads     func() int32
}

const defaultIOSaturation = 20000

// ring is a fixed-size trailing buffer used only for smoothing/display; the
// raw latest sample is what system_load_average compares against thresholds
// (spec §4.1).
type ring struct {
	mu     sync.Mutex
	values [10]float64
	filled int
	next   int
}

func (r *ring) push(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[r.next] = v
	r.next = (r.next + 1) % len(r.values)
	if r.filled < len(r.values) {
		r.filled++
	}
}

func (r *ring) average() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.filled == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < r.filled; i++ {
		sum += r.values[i]
	}
	return sum / float64(r.filled)
}

// Monitor is the C1 SystemMonitor. Start and Stop are idempotent.
type Monitor struct {
	log      logx.Logger
	interval time.Duration
	weights  Weights
	sources  Sources
	ioSat    float64

	cpuBits atomic.Uint64 // float64 bits
	memBits atomic.Uint64

	cpuRing *ring
	memRing *ring

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	lastWarnMu sync.Mutex
	lastWarn   time.Time
}

// New builds a Monitor. interval <= 0 defaults to 1s per spec §4.1.
func New(log logx.Logger, interval time.Duration, weights Weights, sources Sources) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &Monitor{
		log:      log,
		interval: interval,
		weights:  weights,
		sources:  sources,
		ioSat:    defaultIOSaturation,
		cpuRing:  &ring{},
		memRing:  &ring{},
	}
}

// Start launches the sampling loop. Calling Start on an already-running
// Monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx)
}

// Stop halts the sampling loop and blocks until it exits. Calling Stop on an
// already-stopped Monitor is a no-op.
func (m *Monitor) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	m.cancel()
	<-m.done
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// First sample returns 0 per spec; cpu.Percent with a short window needs
	// a baseline, so prime it once before the loop starts publishing.
	_, _ = cpu.PercentWithContext(ctx, 0, false)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

func (m *Monitor) sample(ctx context.Context) {
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	cpuUsage := 0.0
	if err != nil {
		m.warnOncePerMinute("cpu sample failed: %v", err)
	} else if len(pct) > 0 {
		cpuUsage = clamp01(pct[0] / 100.0)
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	memUsage := 0.0
	if err != nil {
		m.warnOncePerMinute("memory sample failed: %v", err)
	} else if vm != nil {
		memUsage = clamp01(vm.UsedPercent / 100.0)
	}

	m.cpuBits.Store(floatBits(cpuUsage))
	m.memBits.Store(floatBits(memUsage))
	m.cpuRing.push(cpuUsage)
	m.memRing.push(memUsage)
}

func (m *Monitor) warnOncePerMinute(format string, args ...interface{}) {
	m.lastWarnMu.Lock()
	defer m.lastWarnMu.Unlock()
	if time.Since(m.lastWarn) < time.Minute {
		return
	}
	m.lastWarn = time.Now()
	m.log.Warnf(format, args...)
}

// CPUUsage returns the latest raw CPU usage sample in [0,1].
func (m *Monitor) CPUUsage() float64 { return floatFromBits(m.cpuBits.Load()) }

// MemoryPressure returns the latest raw memory usage sample in [0,1].
func (m *Monitor) MemoryPressure() float64 { return floatFromBits(m.memBits.Load()) }

// SmoothedCPU returns the trailing average of the last 10 CPU samples.
func (m *Monitor) SmoothedCPU() float64 { return m.cpuRing.average() }

// SmoothedMemory returns the trailing average of the last 10 memory samples.
func (m *Monitor) SmoothedMemory() float64 { return m.memRing.average() }

// IOPressure returns active-connections / saturation-constant, clamped to
// [0,1].
func (m *Monitor) IOPressure() float64 {
	if m.sources.ActiveConnections == nil {
		return 0
	}
	return clamp01(float64(m.sources.ActiveConnections()) / m.ioSat)
}

// ThreadPressure returns active_threads / (2*hardware_concurrency).
func (m *Monitor) ThreadPressure() float64 {
	if m.sources.ActiveThreads == nil {
		return 0
	}
	denom := float64(2 * runtime.NumCPU())
	if denom == 0 {
		return 0
	}
	return clamp01(float64(m.sources.ActiveThreads()) / denom)
}

// LoadAverage returns the weighted sum w_cpu*cpu + w_mem*mem + w_thread*thread
// + w_io*io, per spec §4.1. The result is not clamped — it is compared
// against thresholds, not treated as a probability.
func (m *Monitor) LoadAverage() float64 {
	return m.weights.CPU*m.CPUUsage() +
		m.weights.Mem*m.MemoryPressure() +
		m.weights.Thread*m.ThreadPressure() +
		m.weights.IO*m.IOPressure()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
