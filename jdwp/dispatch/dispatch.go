// Package dispatch implements the JDWP command-set/command dispatcher
// from spec.md §4.11: a static table mapping each (cmdSet, cmd) pair to
// a handler, wired through a thread-state callback, the quasi-atomic
// lastActivityWhen cell, and the event engine's thread gate.
//
// Grounded on the teacher's net/http ServeMux idea of a static
// method-to-handler table (here keyed on a (cmdSet, cmd) byte pair
// instead of a path), and on runtime/trace.go's buffer-header-then-body
// framing style already reused by hprof and jdwp/transport, whose
// WritePacket writes the 11-byte header of the replies this package
// builds.
package dispatch

import (
	"github.com/oakvm/heapcore/internal/qatomic"
	"github.com/oakvm/heapcore/jdwp/event"
	"github.com/oakvm/heapcore/jdwp/transport"
)

// ErrorCode is a JDWP reply error code (spec.md §4.11 / §6).
type ErrorCode uint16

const (
	ErrorNone            ErrorCode = 0
	ErrorIllegalArgument ErrorCode = 103
	ErrorNotImplemented  ErrorCode = 99
	ErrorInternal        ErrorCode = 113
)

// CmdKey identifies a handler slot in the dispatch Table.
type CmdKey struct {
	CmdSet byte
	Cmd    byte
}

// ddmCmdSet is JDWP's DDM command set (199): a single command carrying a
// DDMS sub-chunk, never counted as "debugger activity" for
// lastActivityWhen purposes (spec.md §4.11: "if this is a debugger
// (non-DDMS) packet, update lastActivityWhen").
const ddmCmdSet byte = 199

// Handler services one (cmdSet, cmd) request. It reads the command
// packet's body from buf and writes its reply payload to reply; a
// non-zero ErrorCode return means the reply carries no body.
type Handler func(buf []byte, reply *[]byte) ErrorCode

// Table is the static command-set/command -> handler map.
type Table map[CmdKey]Handler

// Dispatcher executes incoming packets against a Table, enforcing the
// state transitions spec.md §4.11 lists around each request.
type Dispatcher struct {
	Table Table
	Gate  *event.ThreadGate

	// SetRunning is called with the id of the thread handling the
	// current request, giving the caller a hook to flip that thread's
	// state to RUNNING before the handler runs (scheduling state lives
	// outside this package's scope).
	SetRunning func(threadID uint64)

	lastActivityWhen qatomic.Cell64
}

// LastActivityWhen returns the most recently recorded debugger-activity
// timestamp (milliseconds, caller-defined epoch).
func (d *Dispatcher) LastActivityWhen() uint64 {
	return qatomic.Read64(&d.lastActivityWhen)
}

// Dispatch services one command packet, returning the reply packet to
// send back on the same transport. threadID identifies the thread the
// request is attributed to (0 if none applies, e.g. for VirtualMachine
// command-set requests with no associated thread).
func (d *Dispatcher) Dispatch(threadID uint64, now uint64, req *transport.Packet) *transport.Packet {
	reply := &transport.Packet{ID: req.ID, IsReply: true}

	if req.IsReply {
		reply.ErrorCode = uint16(ErrorIllegalArgument)
		return reply
	}

	if d.SetRunning != nil {
		d.SetRunning(threadID)
	}
	if req.CmdSet != ddmCmdSet {
		qatomic.Swap64(&d.lastActivityWhen, now)
	}

	// Let any event post that is mid-flight finish and release the gate
	// before the handler runs, per spec.md §4.11's "wait for any
	// in-flight event posting to drain".
	if d.Gate != nil {
		d.Gate.SetWaitForEventThread(0)
		d.Gate.ClearWaitForEventThread()
	}

	handler, ok := d.Table[CmdKey{CmdSet: req.CmdSet, Cmd: req.Cmd}]
	if !ok {
		reply.ErrorCode = uint16(ErrorNotImplemented)
		return reply
	}

	var body []byte
	code := handler(req.Body, &body)
	if code != ErrorNone {
		reply.ErrorCode = uint16(code)
		return reply
	}
	reply.Body = body
	return reply
}

// Send hands reply to t, choosing the buffered path used by the DDM
// heap-info/heap-segment chunk stream (spec.md's "DDM … carries a
// single … sub-chunk") so multiple buffered sends coalesce into fewer
// writes, and the direct path otherwise.
func (d *Dispatcher) Send(t transport.Ops, reply *transport.Packet, buffered bool) error {
	if buffered {
		return t.SendBufferedRequest(reply)
	}
	return t.SendRequest(reply)
}
