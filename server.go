// Package msgserver is the reusable length-prefixed TCP message server core
// (spec §1): an I/O proactor pool, a per-connection session machine, and a
// logic worker pool wired together behind a small handler-registration
// surface. Application code registers handlers by message id and calls
// Start; everything else — framing, backpressure, session teardown,
// autoscaling — is internal.
package msgserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/steelcore/msgserver/internal/config"
	"github.com/steelcore/msgserver/internal/dispatch"
	"github.com/steelcore/msgserver/internal/ioloop"
	"github.com/steelcore/msgserver/internal/logx"
	"github.com/steelcore/msgserver/internal/monitor"
	"github.com/steelcore/msgserver/internal/session"
	"github.com/steelcore/msgserver/internal/worker"
)

// Config re-exports internal/config.Config so callers outside this module
// tree can build one without reaching into internal/.
type Config = config.Config

// HandlerFunc is the application-registered callback bound to a message id
// (spec §4.6 / §1 "application code may bind message-identifier codes to
// callbacks").
type HandlerFunc = dispatch.Handler

// Session is the per-connection handle passed to handlers.
type Session = session.Session

var (
	// ErrAlreadyStarted is returned by Start if called more than once.
	ErrAlreadyStarted = errors.New("msgserver: server already started")
	// ErrBackpressure re-exports the per-session send backpressure error.
	ErrBackpressure = session.ErrBackpressure
)

// Server is the aggregate that owns one ProactorPool, one WorkerPool and one
// SystemMonitor (spec §9 "replace [singletons] with an explicit Server
// aggregate... Inject by reference").
type Server struct {
	cfg *Config
	log logx.Logger

	dispatcher *dispatch.Dispatcher
	table      *session.Table
	ioPool     *ioloop.Pool
	workers    *worker.Pool
	sysmon     *monitor.Monitor

	listener net.Listener

	startOnce sync.Once
	started   bool
}

// New builds a Server from cfg. Register handlers on the returned Server's
// Dispatcher before calling Start; the dispatch table becomes immutable
// once the server starts accepting connections.
func New(cfg *Config, log logx.Logger) *Server {
	if log == nil {
		log = logx.New()
	}
	s := &Server{
		cfg:        cfg,
		log:        log,
		dispatcher: dispatch.New(log),
		table:      session.NewTable(cfg.SessionTableShards),
	}
	return s
}

// Register binds a message id to handler. Must be called before Start.
func (s *Server) Register(id uint16, handler HandlerFunc) {
	s.dispatcher.Register(id, handler)
}

// OpenConnections returns the number of live sessions.
func (s *Server) OpenConnections() int64 { return s.table.Count() }

// IOPoolSize returns the current number of live proactor executors.
func (s *Server) IOPoolSize() int32 { return s.ioPool.Now() }

// WorkerPoolSize returns the current number of live logic workers.
func (s *Server) WorkerPoolSize() int32 { return s.workers.Now() }

// Start binds the listen endpoint and blocks, accepting connections until
// ctx is cancelled (spec §6 "graceful shutdown on SIGINT/SIGTERM" is the
// caller's responsibility — wire ctx to a signal.NotifyContext). Start may
// only be called once.
func (s *Server) Start(ctx context.Context) error {
	var runErr error
	ran := false
	s.startOnce.Do(func() {
		ran = true
		s.started = true
		runErr = s.run(ctx)
	})
	if !ran {
		return ErrAlreadyStarted
	}
	return runErr
}

func (s *Server) run(ctx context.Context) error {
	s.dispatcher.Freeze()

	addr := fmt.Sprintf("%s:%d", "0.0.0.0", s.cfg.Port)
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp4", addr)
	if err != nil {
		return fmt.Errorf("msgserver: listen %s: %w", addr, err)
	}
	s.listener = ln
	s.log.Infof("msgserver: listening on %s (configured host=%s)", addr, s.cfg.Host)

	s.sysmon = monitor.New(s.log, s.cfg.MonitorUpdateInterval, monitor.DefaultWeights, monitor.Sources{
		ActiveConnections: s.table.Count,
		ActiveThreads:     func() int32 { return s.ioPoolSizeSafe() + s.workers.Now() },
	})
	s.sysmon.Start(ctx)

	s.ioPool = ioloop.New(s.cfg.PoolIOMin, s.cfg.PoolIOMax, s.log)
	s.ioPool.StartAutoscaler(s.sysmon.LoadAverage, ioloop.DefaultUpdateInterval)

	s.workers = worker.New(s.cfg.PoolWorkerMin, s.cfg.PoolWorkerMax, s.dispatcher, s.log)
	s.workers.StartAutoscaler(worker.DefaultUpdateInterval)

	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	s.acceptLoop(ctx)

	s.log.Infof("msgserver: acceptor stopped, draining")
	s.table.CloseAll()
	s.workers.Shutdown()
	s.ioPool.Shutdown()
	s.sysmon.Stop()
	return nil
}

func (s *Server) ioPoolSizeSafe() int32 {
	if s.ioPool == nil {
		return 0
	}
	return s.ioPool.Now()
}

func (s *Server) acceptLoop(ctx context.Context) {
	backoff := 10 * time.Millisecond
	const maxBackoff = 1 * time.Second

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if isTransient(err) {
				s.log.Warnf("msgserver: transient accept error: %v (retrying in %s)", err, backoff)
				time.Sleep(backoff)
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			s.log.Errorf("msgserver: accept error: %v (retrying in %s)", err, backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 10 * time.Millisecond
		s.handleAccepted(conn)
	}
}

func (s *Server) handleAccepted(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	// handle is released from Session.Close, not here: the Executor it
	// wraps must stay pinned for the session's whole life (spec §5), not
	// just the moment of acceptance.
	handle := s.ioPool.Acquire()

	sess := session.New(conn, s.cfg.MaxBodyBytes, s.workers.Post, s.table.Remove, handle.Executor(), handle.Release, s.log)
	s.table.Insert(sess)
	sess.Start()
}

func isTransient(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// Close stops accepting new connections and drains existing work. It is
// safe to call Close concurrently with Start; Start returns once draining
// completes.
func (s *Server) Close() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
