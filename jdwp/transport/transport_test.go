package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	want := &Packet{ID: 42, CmdSet: 1, Cmd: 2, Body: []byte("hello")}
	go func() { require.NoError(t, WritePacket(client, want)) }()

	got, err := ReadPacket(server)
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.False(t, got.IsReply)
	assert.Equal(t, want.CmdSet, got.CmdSet)
	assert.Equal(t, want.Cmd, got.Cmd)
	assert.Equal(t, want.Body, got.Body)
}

func TestPacketRoundTripReply(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	want := &Packet{ID: 7, IsReply: true, ErrorCode: 0, Body: []byte("ok")}
	go func() { require.NoError(t, WritePacket(client, want)) }()

	got, err := ReadPacket(server)
	require.NoError(t, err)
	assert.True(t, got.IsReply)
	assert.EqualValues(t, 0, got.ErrorCode)
	assert.Equal(t, want.Body, got.Body)
}

func TestSocketTransportHandshakeAndPacketExchange(t *testing.T) {
	tr := &SocketTransport{PortLo: 17000, PortHi: 17100}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, tr.Accept(ctx))
	defer tr.Shutdown()

	assert.True(t, tr.AwaitingHandshake())

	var port int
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		ln := tr.ln
		tr.mu.Unlock()
		if ln == nil {
			return false
		}
		port = ln.Addr().(*net.TCPAddr).Port
		return true
	}, time.Second, time.Millisecond)

	conn, err := net.Dial("tcp", (&net.TCPAddr{Port: port}).String())
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, tr.IsConnected, time.Second, time.Millisecond)

	require.NoError(t, SendHandshake(conn))
	require.NoError(t, tr.Establish())
	require.NoError(t, RecvHandshake(conn))
	assert.False(t, tr.AwaitingHandshake())

	go func() {
		p, err := tr.ProcessIncoming()
		if err == nil {
			_ = tr.SendRequest(&Packet{ID: p.ID, IsReply: true, Body: []byte("pong")})
		}
	}()

	require.NoError(t, WritePacket(conn, &Packet{ID: 1, CmdSet: 1, Cmd: 1, Body: []byte("ping")}))
	reply, err := ReadPacket(conn)
	require.NoError(t, err)
	assert.True(t, reply.IsReply)
	assert.Equal(t, []byte("pong"), reply.Body)
}
