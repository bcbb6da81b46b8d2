package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ADBTransport is the daemon-mediated transport: dial a control socket,
// advertise this process's PID as 4 hex ASCII characters, then receive
// the actual debugger connection's file descriptor over SCM_RIGHTS
// (spec.md §4.9). Grounded on golang.org/x/sys/unix's Sendmsg/Recvmsg
// wrappers for the ancillary-data plumbing; net/http has no equivalent.
type ADBTransport struct {
	ControlSocketPath string
	PID               int
	Log               *zap.Logger

	// backoff bounds the control-socket reconnect delay, doubling from
	// MinBackoff to MaxBackoff on consecutive failures.
	MinBackoff, MaxBackoff time.Duration

	mu       sync.Mutex
	conn     net.Conn
	bw       *bufio.Writer
	awaiting int32
	closed   int32
}

var _ Ops = (*ADBTransport)(nil)

func (t *ADBTransport) backoffBounds() (time.Duration, time.Duration) {
	lo, hi := t.MinBackoff, t.MaxBackoff
	if lo <= 0 {
		lo = 500 * time.Millisecond
	}
	if hi <= 0 {
		hi = 2 * time.Second
	}
	return lo, hi
}

// Accept connects to the adb control socket, retrying with exponential
// backoff, then receives the debugger fd via SCM_RIGHTS.
func (t *ADBTransport) Accept(ctx context.Context) error {
	lo, hi := t.backoffBounds()
	delay := lo
	var lastErr error
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fd, err := t.dialAndReceiveFD()
		if err == nil {
			file := os.NewFile(uintptr(fd), "jdwp-adb")
			conn, cerr := net.FileConn(file)
			_ = file.Close()
			if cerr != nil {
				return cerr
			}
			t.mu.Lock()
			t.conn = conn
			t.bw = bufio.NewWriter(conn)
			t.mu.Unlock()
			atomic.StoreInt32(&t.awaiting, 1)
			return nil
		}
		lastErr = err
		if t.Log != nil {
			t.Log.Warn("jdwp: adb control socket connect failed, retrying", zap.Error(err), zap.Duration("backoff", delay))
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > hi {
			delay = hi
		}
		_ = lastErr
	}
}

// dialAndReceiveFD performs one connect attempt over the adb control
// socket and returns the received debugger fd.
func (t *ADBTransport) dialAndReceiveFD() (int, error) {
	sockFd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, err
	}
	defer unix.Close(sockFd)

	addr := &unix.SockaddrUnix{Name: t.ControlSocketPath}
	if err := unix.Connect(sockFd, addr); err != nil {
		return 0, fmt.Errorf("jdwp: connect %s: %w", t.ControlSocketPath, err)
	}

	pidMsg := []byte(fmt.Sprintf("%04x", t.PID&0xffff))
	if err := unix.Sendto(sockFd, pidMsg, 0, nil); err != nil {
		return 0, fmt.Errorf("jdwp: advertise pid: %w", err)
	}

	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	_, oobn, _, _, err := unix.Recvmsg(sockFd, buf, oob, 0)
	if err != nil {
		return 0, fmt.Errorf("jdwp: recvmsg: %w", err)
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return 0, fmt.Errorf("jdwp: parse control message: %w", err)
	}
	for _, c := range cmsgs {
		fds, err := unix.ParseUnixRights(&c)
		if err != nil {
			continue
		}
		if len(fds) > 0 {
			return fds[0], nil
		}
	}
	return 0, errors.New("jdwp: no file descriptor received over SCM_RIGHTS")
}

func (t *ADBTransport) Establish() error {
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

func (t *ADBTransport) CloseConnection() error {
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

func (t *ADBTransport) Shutdown() {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return
	}
	_ = t.CloseConnection()
}

func (t *ADBTransport) Free() { t.Shutdown() }

func (t *ADBTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

func (t *ADBTransport) AwaitingHandshake() bool { return atomic.LoadInt32(&t.awaiting) != 0 }

func (t *ADBTransport) ProcessIncoming() (*Packet, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil, errors.New("jdwp: no active connection")
	}
	return ReadPacket(conn)
}

func (t *ADBTransport) SendRequest(p *Packet) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return errors.New("jdwp: no active connection")
	}
	return WritePacket(t.conn, p)
}

func (t *ADBTransport) SendBufferedRequest(p *Packet) error {
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
