package transport

import "context"

// Ops is the pluggable operations table spec.md §4.9 describes: every
// transport (socket, ADB) implements the same surface so the dispatcher
// and event engine never know which one is live.
type Ops interface {
	// Accept sets up the debugger connection without performing the
	// handshake: the socket transport returns once it is listening and
	// accepts clients in the background; the ADB transport returns once
	// it holds the debugger's connection.
	Accept(ctx context.Context) error
	// Establish performs the handshake once a client has connected.
	Establish() error
	CloseConnection() error
	Shutdown()
	Free()
	IsConnected() bool
	AwaitingHandshake() bool
	ProcessIncoming() (*Packet, error)
	SendRequest(p *Packet) error
	SendBufferedRequest(p *Packet) error
}
