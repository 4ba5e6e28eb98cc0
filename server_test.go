package msgserver

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steelcore/msgserver/internal/framing"
	"github.com/steelcore/msgserver/internal/logx"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func startTestServer(t *testing.T, register func(*Server)) (addr string, srv *Server, stop func()) {
	t.Helper()
	port := freePort(t)
	cfg := &Config{
		Host:                  "127.0.0.1",
		Port:                  port,
		PoolIOMin:             1,
		PoolIOMax:             2,
		PoolWorkerMin:         1,
		PoolWorkerMax:         2,
		MaxBodyBytes:          1 << 20,
		SessionTableShards:    4,
		MonitorUpdateInterval: 50 * time.Millisecond,
	}

	srv = New(cfg, logx.Noop())
	register(srv)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		done <- srv.Start(ctx)
	}()
	<-started

	addr = "127.0.0.1:" + strconv.Itoa(port)
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond, "server never started accepting connections")

	return addr, srv, func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("server did not shut down in time")
		}
	}
}

func TestServerEchoesRegisteredHandler(t *testing.T) {
	addr, _, stop := startTestServer(t, func(srv *Server) {
		srv.Register(1001, func(s *Session, id uint16, payload []byte) {
			_ = s.Send(id, []byte("pong"))
		})
	})
	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(framing.BuildFrame(1001, []byte("ping")))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	id, payload, err := framing.ReadFrame(conn, framing.DefaultMaxBody)
	require.NoError(t, err)
	assert.Equal(t, uint16(1001), id)
	assert.Equal(t, []byte("pong"), payload)
}

func TestServerOpenConnectionsTracksLiveSessions(t *testing.T) {
	addr, srv, stop := startTestServer(t, func(srv *Server) {
		srv.Register(1, func(s *Session, id uint16, payload []byte) {})
	})
	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return srv.OpenConnections() == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return srv.OpenConnections() == 0
	}, time.Second, 10*time.Millisecond, "closing the client connection must deregister its session")
}

func TestServerDropsUnregisteredMessageIDWithoutClosingSession(t *testing.T) {
	addr, _, stop := startTestServer(t, func(srv *Server) {
		srv.Register(1001, func(s *Session, id uint16, payload []byte) {
			_ = s.Send(id, []byte("pong"))
		})
	})
	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(framing.BuildFrame(9999, []byte("nobody-handles-this")))
	require.NoError(t, err)

	_, err = conn.Write(framing.BuildFrame(1001, []byte("ping")))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	id, payload, err := framing.ReadFrame(conn, framing.DefaultMaxBody)
	require.NoError(t, err, "the connection must survive an unregistered message id")
	assert.Equal(t, uint16(1001), id)
	assert.Equal(t, []byte("pong"), payload)
}
