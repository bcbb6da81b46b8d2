package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// SocketTransport is the dt_socket transport: bind a TCP port (scanning
// a range if the fixed port is busy), accept exactly one client, and
// drain/reject any further concurrent accepts so a second debugger can't
// wedge the listener (spec.md §4.9).
type SocketTransport struct {
	PortLo, PortHi int
	Log            *zap.Logger

	mu       sync.Mutex
	ln       net.Listener
	conn     net.Conn
	bw       *bufio.Writer
	awaiting int32 // atomic bool: awaiting handshake
	closed   int32 // atomic bool: Shutdown has run
}

var _ Ops = (*SocketTransport)(nil)

// Accept binds the configured port range and starts an accept loop in
// the background. The first accepted connection becomes the active
// client; every later one is closed immediately.
func (t *SocketTransport) Accept(ctx context.Context) error {
	var lc net.ListenConfig
	var lastErr error
	for port := t.PortLo; port <= t.PortHi; port++ {
		ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			t.mu.Lock()
			t.ln = ln
			t.mu.Unlock()
			atomic.StoreInt32(&t.awaiting, 1)
			go t.acceptLoop()
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("jdwp: no free port in [%d,%d]: %w", t.PortLo, t.PortHi, lastErr)
}

func (t *SocketTransport) acceptLoop() {
	first := true
	for {
		t.mu.Lock()
		ln := t.ln
		t.mu.Unlock()
		if ln == nil {
			return
		}
		conn, err := ln.Accept()
		if err != nil {
			return // listener closed by Shutdown/CloseConnection
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		if first {
			t.mu.Lock()
			t.conn = conn
			t.bw = bufio.NewWriter(conn)
			t.mu.Unlock()
			first = false
			if t.Log != nil {
				t.Log.Info("jdwp: accepted debugger connection", zap.String("remote", conn.RemoteAddr().String()))
			}
			continue
		}
		if t.Log != nil {
			t.Log.Warn("jdwp: rejecting concurrent second client", zap.String("remote", conn.RemoteAddr().String()))
		}
		_ = conn.Close()
	}
}

func (t *SocketTransport) Establish() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errors.New("jdwp: no connection to establish a handshake over")
	}
	if err := RecvHandshake(conn); err != nil {
		return err
	}
	if err := SendHandshake(conn); err != nil {
		return err
	}
	atomic.StoreInt32(&t.awaiting, 0)
	return nil
}

func (t *SocketTransport) CloseConnection() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.bw = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Shutdown tears down both the listener and any active connection.
// Closing them is this package's substitute for the self-pipe trick: any
// goroutine blocked in Accept or ProcessIncoming unblocks immediately
// with a "use of closed …" error instead of waiting on a select loop.
func (t *SocketTransport) Shutdown() {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return
	}
	t.mu.Lock()
	ln, conn := t.ln, t.conn
	t.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (t *SocketTransport) Free() { t.Shutdown() }

func (t *SocketTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

func (t *SocketTransport) AwaitingHandshake() bool {
	return atomic.LoadInt32(&t.awaiting) != 0
}

func (t *SocketTransport) ProcessIncoming() (*Packet, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil, errors.New("jdwp: no active connection")
	}
	return ReadPacket(conn)
}

func (t *SocketTransport) SendRequest(p *Packet) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return errors.New("jdwp: no active connection")
	}
	return WritePacket(t.conn, p)
}

// SendBufferedRequest coalesces the packet through a bufio.Writer before
// a single Flush, for callers emitting several packets back-to-back
// (e.g. a composite event reply) that still want one underlying write
// per logical send once flushed.
func (t *SocketTransport) SendBufferedRequest(p *Packet) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bw == nil {
		return errors.New("jdwp: no active connection")
	}
	if err := WritePacket(t.bw, p); err != nil {
		return err
	}
	return t.bw.Flush()
}
