package session

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steelcore/msgserver/internal/framing"
	"github.com/steelcore/msgserver/internal/logx"
)

// inlineExecutor is a trivial stand-in for *ioloop.Executor: it runs each
// submitted job on its own goroutine and counts how many are still live, so
// tests can assert a session's Executor stays pinned for its whole life
// without pulling in package ioloop.
type inlineExecutor struct {
	inFlight atomic.Int32
}

func (e *inlineExecutor) Submit(job func()) {
	e.inFlight.Add(1)
	go func() {
		defer e.inFlight.Add(-1)
		job()
	}()
}

func newTestSession(t *testing.T) (*Session, net.Conn, chan DecodedMessage, chan string) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })

	delivered := make(chan DecodedMessage, 16)
	deregistered := make(chan string, 1)
	released := make(chan struct{}, 1)

	s := New(server, framing.DefaultMaxBody, func(m DecodedMessage) {
		delivered <- m
	}, func(id string) {
		deregistered <- id
	}, &inlineExecutor{}, func() {
		released <- struct{}{}
	}, logx.Noop())
	s.Start()
	t.Cleanup(func() { _ = s.Close() })

	return s, client, delivered, deregistered
}

func TestSessionDeliversDecodedMessages(t *testing.T) {
	s, client, delivered, _ := newTestSession(t)

	_, err := client.Write(framing.BuildFrame(42, []byte("ping")))
	require.NoError(t, err)

	select {
	case msg := <-delivered:
		assert.Equal(t, uint16(42), msg.ID)
		assert.Equal(t, []byte("ping"), msg.Payload)
		assert.Same(t, s, msg.Session)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivered message")
	}
}

func TestSessionSendWritesFramedBytes(t *testing.T) {
	s, client, _, _ := newTestSession(t)

	require.NoError(t, s.Send(7, []byte("pong")))

	id, payload, err := framing.ReadFrame(client, framing.DefaultMaxBody)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), id)
	assert.Equal(t, []byte("pong"), payload)
}

func TestSessionCloseIsIdempotentAndDeregistersOnce(t *testing.T) {
	s, _, _, deregistered := newTestSession(t)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	select {
	case id := <-deregistered:
		assert.Equal(t, s.ID(), id)
	case <-time.After(time.Second):
		t.Fatal("expected exactly one deregistration")
	}

	select {
	case <-deregistered:
		t.Fatal("deregistered callback fired twice for one session")
	default:
	}
}

func TestSessionSendAfterCloseIsSilentNoOp(t *testing.T) {
	s, _, _, _ := newTestSession(t)
	require.NoError(t, s.Close())
	assert.NoError(t, s.Send(1, []byte("late")))
}

func TestSessionExecutorStaysPinnedUntilClose(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	exec := &inlineExecutor{}
	released := make(chan struct{}, 1)
	s := New(server, framing.DefaultMaxBody, func(DecodedMessage) {}, func(string) {}, exec, func() {
		released <- struct{}{}
	}, logx.Noop())
	s.Start()

	require.Eventually(t, func() bool {
		return exec.inFlight.Load() == 2 // reader + writer both submitted and still running
	}, time.Second, 5*time.Millisecond, "Start must submit both loops to the executor and keep them running")

	require.NoError(t, s.Close())

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("Close must invoke the release callback exactly once")
	}

	require.Eventually(t, func() bool {
		return exec.inFlight.Load() == 0
	}, time.Second, 5*time.Millisecond, "both submitted loops must exit once the session closes")
}

func TestSessionSendBackpressure(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	s := New(server, framing.DefaultMaxBody, func(DecodedMessage) {}, func(string) {}, &inlineExecutor{}, func() {}, logx.Noop())
	defer s.Close()
	// Don't call Start: nothing drains writeCh, so it fills and backpressure
	// engages deterministically instead of racing the writer goroutine.

	big := make([]byte, 16)
	var lastErr error
	for i := 0; i < DefaultWriteQueueSize+1; i++ {
		lastErr = s.Send(1, big)
	}
	assert.ErrorIs(t, lastErr, ErrBackpressure)
}

func TestSessionClientDisconnectClosesSession(t *testing.T) {
	s, client, _, deregistered := newTestSession(t)
	require.NoError(t, client.Close())

	select {
	case <-deregistered:
	case <-time.After(time.Second):
		t.Fatal("expected session to close itself after client disconnect")
	}
}
