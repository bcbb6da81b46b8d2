// Package hprof emits heap dumps in the binary HPROF format spec.md
// §4.8/§6 describes: a magic+header preamble, then a sequence of
// tag/time/length/body records, with heap data carried inside
// HEAP_DUMP_SEGMENT/HEAP_DUMP_END records.
//
// Grounded on the teacher's runtime/trace.go: trace.go's traceBuf grows a
// byte slice with small u1/u2/varint append helpers and frames each event
// as a tagged, length-implicit record; this package's buffer type is the
// same append-only-byte-slice idiom, generalized to HPROF's
// tag+time+explicit-length framing and given an explicit reserve/patch
// pair for the one place HPROF needs a length written before its body is
// known (INSTANCE_DUMP's trailing byte count).
package hprof

import "encoding/binary"

// identifierSize is the byte width HPROF uses for every object/class ID
// and is advertised in the file header; this module always uses 4,
// matching the teacher's 32-bit-oriented integer idioms throughout.
const identifierSize = 4

type buffer struct {
	b []byte
}

func (w *buffer) u1(v byte) { w.b = append(w.b, v) }

func (w *buffer) u2(v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	w.b = append(w.b, tmp[:]...)
}

func (w *buffer) u4(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.b = append(w.b, tmp[:]...)
}

func (w *buffer) u8(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	w.b = append(w.b, tmp[:]...)
}

// id writes an object/class identifier, truncated to identifierSize
// bytes (4): the low 32 bits of the address, with no rebasing, so two
// addresses that differ only above bit 31 get the same id.
func (w *buffer) id(v uintptr) { w.u4(uint32(v)) }

func (w *buffer) raw(b []byte) { w.b = append(w.b, b...) }

func (w *buffer) str(s string) { w.b = append(w.b, s...) }

// reserveU4 appends a zero placeholder and returns its offset, to be
// filled in later via patchU4 once the value it records (typically a
// byte count) becomes known.
func (w *buffer) reserveU4() int {
	pos := len(w.b)
	w.u4(0)
	return pos
}

func (w *buffer) patchU4(pos int, v uint32) {
	binary.BigEndian.PutUint32(w.b[pos:pos+4], v)
}

// record appends one top-level tag(1)+time(4)+length(4)+body record.
func (w *buffer) record(tag byte, timestamp uint32, body []byte) {
	w.u1(tag)
	w.u4(timestamp)
	w.u4(uint32(len(body)))
	w.raw(body)
}
