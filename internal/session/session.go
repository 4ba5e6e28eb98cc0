// Package session implements Session (spec §4.4, component C4): the
// per-connection state machine that frames a socket's reads, serialises its
// writes through a bounded queue, and guarantees the teardown ordering
// invariant in spec §4.4 — close() is safe to call from the reader, the
// writer, or an external shutdown, and is effectful exactly once.
package session

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/steelcore/msgserver/internal/framing"
	"github.com/steelcore/msgserver/internal/logx"
)

// ErrBackpressure is returned by Send/SendRaw when the write queue is full.
var ErrBackpressure = errors.New("session: write queue full")

// DefaultWriteQueueSize bounds the per-session outbound queue (spec §3,
// "bounded multi-producer single-consumer write queue").
const DefaultWriteQueueSize = 256

// Deliver hands a decoded message to the shared worker-pool queue (spec
// "record enqueued into WorkerPool"). It must not block the reader for long.
type Deliver func(DecodedMessage)

// Deregister removes a session from the server's session table on close —
// the weak back-reference spec §9 calls for, so Session never holds a
// strong reference back to its owning server.
type Deregister func(sessionID string)

// Executor runs a submitted job for as long as the job keeps going (spec
// §3/§5: "socket tasks for a given session are pinned to one Executor").
// Session depends only on this interface, not on package ioloop, so the
// Executor a session is pinned to can be swapped for a trivial in-test
// stand-in without an import cycle.
type Executor interface {
	Submit(job func())
}

// Session owns exactly one client socket (spec §3).
type Session struct {
	id      string
	conn    net.Conn
	maxBody int64

	log      logx.Logger
	deliver  Deliver
	deregOne Deregister
	executor Executor
	release  func()

	writeCh     chan OutboundMessage
	closeSignal chan struct{}
	closed      atomic.Bool
}

// New constructs a Session. It does not start the reader/writer tasks —
// call Start for that. executor is the Executor this session is pinned to
// for its entire lifetime; release (may be nil) is called exactly once,
// from Close, to return the Executor handle the caller acquired for this
// connection (spec §4.2: a Pool.Acquire handle is held for as long as the
// session it was issued for is alive, not just for its setup).
func New(conn net.Conn, maxBody int64, deliver Deliver, dereg Deregister, executor Executor, release func(), log logx.Logger) *Session {
	if maxBody <= 0 {
		maxBody = framing.DefaultMaxBody
	}
	return &Session{
		id:          uuid.NewString(),
		conn:        conn,
		maxBody:     maxBody,
		log:         log,
		deliver:     deliver,
		deregOne:    dereg,
		executor:    executor,
		release:     release,
		writeCh:     make(chan OutboundMessage, DefaultWriteQueueSize),
		closeSignal: make(chan struct{}),
	}
}

// ID returns the session's 128-bit UUID, rendered lowercase with dashes.
func (s *Session) ID() string { return s.id }

// Start submits the reader and writer tasks to this session's pinned
// Executor. Both run until the session closes, so the Executor's in-flight
// count stays nonzero for the session's whole life, not merely its setup.
func (s *Session) Start() {
	s.executor.Submit(s.readLoop)
	s.executor.Submit(s.writeLoop)
}

// Send builds a framed outbound message and enqueues it. It never blocks;
// if the write queue is full the caller sees ErrBackpressure. If the
// session is already closed, Send is a silent no-op (spec P2).
func (s *Session) Send(id uint16, payload []byte) error {
	return s.enqueue(OutboundMessage{
		ID:     id,
		Length: int64(len(payload)),
		Framed: framing.BuildFrame(id, payload),
	})
}

// SendRaw enqueues a pre-framed buffer directly (spec §4.4's send_raw),
// matching the two entry points the original implementation exposed
// (original_source/CServer.h SendMsg/SendMsg-raw).
func (s *Session) SendRaw(framed []byte, length int64, id uint16) error {
	return s.enqueue(OutboundMessage{ID: id, Length: length, Framed: framed})
}

func (s *Session) enqueue(msg OutboundMessage) error {
	if s.closed.Load() {
		return nil
	}
	select {
	case s.writeCh <- msg:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close transitions the session Running -> Closed exactly once (spec §4.4).
// Safe to call concurrently from the reader, the writer, or the server.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = s.conn.Close()
	close(s.closeSignal)
	if s.deregOne != nil {
		s.deregOne(s.id)
	}
	if s.release != nil {
		s.release()
	}
	return nil
}

func (s *Session) readLoop() {
	defer s.Close()
	for {
		id, payload, err := framing.ReadFrame(s.conn, s.maxBody)
		if err != nil {
			s.logReadError(err)
			return
		}
		s.deliver(DecodedMessage{ID: id, Length: int64(len(payload)), Payload: payload, Session: s})
	}
}

func (s *Session) logReadError(err error) {
	if isCleanDisconnect(err) {
		s.log.Infof("session %s: client disconnected: %v", s.id, err)
		return
	}
	s.log.Errorf("session %s: read error: %v", s.id, err)
}

// isCleanDisconnect reports whether err represents a normal client
// disconnect (spec §4.3: "eof/connection_reset → log at info") as opposed
// to a genuine transport failure. The stdlib doesn't expose connection
// reset / use-of-closed-socket as sentinel errors, so this matches on the
// well-known substrings net package errors carry.
func isCleanDisconnect(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "broken pipe")
}

func (s *Session) writeLoop() {
	for {
		select {
		case msg := <-s.writeCh:
			if err := s.writeFrame(msg); err != nil {
				s.log.Errorf("session %s: write error: %v", s.id, err)
				_ = s.Close()
				return
			}
		case <-s.closeSignal:
			s.drainBestEffort()
			return
		}
	}
}

func (s *Session) drainBestEffort() {
	for {
		select {
		case msg := <-s.writeCh:
			_ = s.writeFrame(msg)
		default:
			return
		}
	}
}

func (s *Session) writeFrame(msg OutboundMessage) error {
	n, err := s.conn.Write(msg.Framed)
	if err != nil {
		return err
	}
	if n != len(msg.Framed) {
		return fmt.Errorf("session: short write %d/%d", n, len(msg.Framed))
	}
	return nil
}
