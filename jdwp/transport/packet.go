// Package transport implements the JDWP wire-level transport spec.md
// §4.9 describes: the 14-byte handshake, big-endian packet framing, and
// two pluggable implementations (TCP socket and ADB) behind a single
// operations table.
//
// Grounded on the teacher's net/http wire-framing idiom is absent from
// this runtime fork, so packet.go instead follows runtime/trace.go's
// byte-oriented buffer-building style for encode/decode, and the self-pipe
// "select wakes on shutdown" requirement is expressed the idiomatic Go
// way: closing the net.Conn (or net.Listener) unblocks whatever goroutine
// is parked in a Read/Accept, the same effect a self-pipe's read end
// gives a raw select loop, without needing one.
package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// handshakeMagic is exchanged verbatim in both directions before any
// packet is parsed.
const handshakeMagic = "JDWP-Handshake"

const packetHeaderSize = 11

const replyFlag byte = 0x80

// Packet is one JDWP command or reply packet.
type Packet struct {
	ID        uint32
	IsReply   bool
	Flags     byte // additional flag bits beyond the reply bit; usually 0
	CmdSet    byte
	Cmd       byte
	ErrorCode uint16
	Body      []byte
}

// WritePacket serializes p to w in a single Write call, so a
// multi-threaded sender never interleaves two packets' bytes on the
// wire (spec.md §4.9: "a packet is emitted with a single write/writev
// call").
func WritePacket(w io.Writer, p *Packet) error {
	var buf bytes.Buffer
	length := uint32(packetHeaderSize + len(p.Body))
	binary.Write(&buf, binary.BigEndian, length)
	binary.Write(&buf, binary.BigEndian, p.ID)
	if p.IsReply {
		buf.WriteByte(replyFlag | p.Flags)
		binary.Write(&buf, binary.BigEndian, p.ErrorCode)
	} else {
		buf.WriteByte(p.Flags &^ replyFlag)
		buf.WriteByte(p.CmdSet)
		buf.WriteByte(p.Cmd)
	}
	buf.Write(p.Body)
	_, err := w.Write(buf.Bytes())
	return err
}

// ReadPacket reads one full packet from r, blocking until the header and
// its declared body length have both arrived.
func ReadPacket(r io.Reader) (*Packet, error) {
	var hdr [packetHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr[0:4])
	if length < packetHeaderSize {
		return nil, fmt.Errorf("jdwp: packet length %d shorter than the %d-byte header", length, packetHeaderSize)
	}
	p := &Packet{ID: binary.BigEndian.Uint32(hdr[4:8])}
	flags := hdr[8]
	if flags&replyFlag != 0 {
		p.IsReply = true
		p.Flags = flags &^ replyFlag
		p.ErrorCode = binary.BigEndian.Uint16(hdr[9:11])
	} else {
		p.Flags = flags
		p.CmdSet = hdr[9]
		p.Cmd = hdr[10]
	}
	body := make([]byte, length-packetHeaderSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	p.Body = body
	return p, nil
}

// SendHandshake writes the handshake magic to w.
func SendHandshake(w io.Writer) error {
	_, err := io.WriteString(w, handshakeMagic)
	return err
}

// RecvHandshake reads exactly len(handshakeMagic) bytes from r and
// verifies they match.
func RecvHandshake(r io.Reader) error {
	buf := make([]byte, len(handshakeMagic))
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	if string(buf) != handshakeMagic {
		return fmt.Errorf("jdwp: bad handshake %q", buf)
	}
	return nil
}
