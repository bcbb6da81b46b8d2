package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakvm/heapcore/jdwp/event"
	"github.com/oakvm/heapcore/jdwp/transport"
)

func TestDispatchInvokesMatchingHandler(t *testing.T) {
	var sawBuf []byte
	d := &Dispatcher{
		Table: Table{
			{CmdSet: 1, Cmd: 1}: func(buf []byte, reply *[]byte) ErrorCode {
				sawBuf = buf
				*reply = []byte{0xAA}
				return ErrorNone
			},
		},
	}

	req := &transport.Packet{ID: 7, CmdSet: 1, Cmd: 1, Body: []byte{1, 2, 3}}
	reply := d.Dispatch(0, 100, req)

	assert.Equal(t, uint32(7), reply.ID)
	assert.True(t, reply.IsReply)
	assert.Equal(t, uint16(ErrorNone), reply.ErrorCode)
	assert.Equal(t, []byte{0xAA}, reply.Body)
	assert.Equal(t, []byte{1, 2, 3}, sawBuf)
}

func TestDispatchUnknownCommandReturnsNotImplemented(t *testing.T) {
	d := &Dispatcher{Table: Table{}}
	reply := d.Dispatch(0, 1, &transport.Packet{ID: 1, CmdSet: 9, Cmd: 9})
	assert.Equal(t, uint16(ErrorNotImplemented), reply.ErrorCode)
}

func TestDispatchRejectsReplyPacketAsIllegalArgument(t *testing.T) {
	d := &Dispatcher{Table: Table{}}
	reply := d.Dispatch(0, 1, &transport.Packet{ID: 1, IsReply: true})
	assert.Equal(t, uint16(ErrorIllegalArgument), reply.ErrorCode)
}

func TestDispatchUpdatesLastActivityWhenForDebuggerPackets(t *testing.T) {
	d := &Dispatcher{Table: Table{
		{CmdSet: 1, Cmd: 1}: func(buf []byte, reply *[]byte) ErrorCode { return ErrorNone },
	}}
	d.Dispatch(0, 555, &transport.Packet{ID: 1, CmdSet: 1, Cmd: 1})
	assert.EqualValues(t, 555, d.LastActivityWhen())
}

func TestDispatchSkipsLastActivityWhenForDDMPackets(t *testing.T) {
	d := &Dispatcher{Table: Table{
		{CmdSet: ddmCmdSet, Cmd: 1}: func(buf []byte, reply *[]byte) ErrorCode { return ErrorNone },
	}}
	d.Dispatch(0, 555, &transport.Packet{ID: 1, CmdSet: ddmCmdSet, Cmd: 1})
	assert.EqualValues(t, 0, d.LastActivityWhen())
}

func TestDispatchDrainsEventGateBeforeHandling(t *testing.T) {
	g := event.NewThreadGate()
	g.SetWaitForEventThread(3)

	handlerRan := make(chan struct{})
	d := &Dispatcher{
		Gate: g,
		Table: Table{
			{CmdSet: 1, Cmd: 1}: func(buf []byte, reply *[]byte) ErrorCode {
				close(handlerRan)
				return ErrorNone
			},
		},
	}

	done := make(chan struct{})
	go func() {
		d.Dispatch(0, 1, &transport.Packet{ID: 1, CmdSet: 1, Cmd: 1})
		close(done)
	}()

	// The dispatcher must block behind the held gate until it is
	// cleared, rather than invoking the handler while an event post is
	// still in flight.
	select {
	case <-handlerRan:
		t.Fatal("handler ran before the event gate was cleared")
	default:
	}

	g.ClearWaitForEventThread()
	<-done
	assert.EqualValues(t, 0, g.Current())
}

func TestDispatchCallsSetRunningWithThreadID(t *testing.T) {
	var gotTID uint64 = 12345
	var sawTID uint64
	d := &Dispatcher{
		SetRunning: func(tid uint64) { sawTID = tid },
		Table: Table{
			{CmdSet: 1, Cmd: 1}: func(buf []byte, reply *[]byte) ErrorCode { return ErrorNone },
		},
	}
	d.Dispatch(gotTID, 1, &transport.Packet{ID: 1, CmdSet: 1, Cmd: 1})
	assert.Equal(t, gotTID, sawTID)
}

func TestDispatchHandlerErrorOmitsReplyBody(t *testing.T) {
	d := &Dispatcher{Table: Table{
		{CmdSet: 1, Cmd: 1}: func(buf []byte, reply *[]byte) ErrorCode {
			*reply = []byte{1, 2, 3}
			return ErrorIllegalArgument
		},
	}}
	reply := d.Dispatch(0, 1, &transport.Packet{ID: 1, CmdSet: 1, Cmd: 1})
	require.Equal(t, uint16(ErrorIllegalArgument), reply.ErrorCode)
	assert.Nil(t, reply.Body)
}
