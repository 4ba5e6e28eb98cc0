package ioloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steelcore/msgserver/internal/logx"
)

func TestPoolStartsAtMin(t *testing.T) {
	p := New(2, 6, logx.Noop())
	defer p.Shutdown()
	assert.EqualValues(t, 2, p.Now())
}

func TestAcquireNeverBlocksAndStaysWithinBounds(t *testing.T) {
	p := New(2, 6, logx.Noop())
	defer p.Shutdown()

	for i := 0; i < 10; i++ {
		h := p.Acquire()
		h.Release()
	}
	assert.LessOrEqual(t, p.Now(), p.Max())
	assert.GreaterOrEqual(t, p.Now(), p.Min())
}

func TestAutoscalerGrowsAboveGrowThreshold(t *testing.T) {
	p := New(1, 4, logx.Noop())
	defer p.Shutdown()

	load := growThreshold + 0.1
	p.loadSource = func() float64 { return load }

	p.autoscaleTick()
	require.Eventually(t, func() bool { return p.Now() == 2 }, time.Second, 5*time.Millisecond)
}

func TestAutoscalerShrinksBelowShrinkThreshold(t *testing.T) {
	p := New(1, 4, logx.Noop())
	defer p.Shutdown()
	p.loadSource = func() float64 { return growThreshold + 0.1 }
	p.autoscaleTick()
	require.Eventually(t, func() bool { return p.Now() == 2 }, time.Second, 5*time.Millisecond)

	p.loadSource = func() float64 { return shrinkThreshold - 0.1 }
	p.autoscaleTick()
	require.Eventually(t, func() bool { return p.Now() == 1 }, time.Second, 5*time.Millisecond)
}

func TestShrinkWaitsForPinnedExecutorToDrain(t *testing.T) {
	p := New(1, 2, logx.Noop())
	defer p.Shutdown()

	p.loadSource = func() float64 { return growThreshold + 0.1 }
	p.autoscaleTick()
	require.Eventually(t, func() bool { return p.Now() == 2 }, time.Second, 5*time.Millisecond)

	handle := p.Acquire()

	p.loadSource = func() float64 { return shrinkThreshold - 0.1 }
	p.autoscaleTick()
	require.Eventually(t, func() bool { return p.Now() == 1 }, time.Second, 5*time.Millisecond)

	p.resizeMu.Lock()
	victimStillAlive := p.executors[1] != nil
	p.resizeMu.Unlock()
	assert.True(t, victimStillAlive, "pinned executor must not be torn down until released")

	handle.Release()
	require.Eventually(t, func() bool {
		p.resizeMu.Lock()
		defer p.resizeMu.Unlock()
		return p.executors[1] == nil
	}, time.Second, 10*time.Millisecond)
}

func TestShutdownStopsEveryExecutor(t *testing.T) {
	p := New(3, 3, logx.Noop())
	p.Shutdown()
	// A second Shutdown must be safe (idempotent autoscaleOnce) even though
	// no autoscaler goroutine was started in this test.
	p.Shutdown()
}
