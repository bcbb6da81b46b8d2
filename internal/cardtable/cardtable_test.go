package cardtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBiasedBaseLowByteIsDirty(t *testing.T) {
	ct := Init(0x4000_0000, 64<<20, 64<<20, 512)
	low := (ct.biasedBase) & 0xFF
	assert.Equal(t, uintptr(Dirty), low)
}

func TestMarkAndIsDirty(t *testing.T) {
	ct := Init(0x1000_0000, 1<<20, 1<<20, 512)
	addr := uintptr(0x1000_0200)
	assert.False(t, ct.IsDirty(addr))
	ct.Mark(addr)
	assert.True(t, ct.IsDirty(addr))
}

func TestClearResetsToClean(t *testing.T) {
	ct := Init(0x1000_0000, 1<<20, 1<<20, 512)
	ct.Mark(0x1000_0200)
	ct.Clear(1<<20, false)
	assert.False(t, ct.IsDirty(0x1000_0200))
}

func TestAddrFromCardRoundTrip(t *testing.T) {
	ct := Init(0x2000_0000, 1<<20, 1<<20, 512)
	addr := uintptr(0x2000_1A00)
	card := ct.CardFromAddr(addr)
	back := ct.AddrFromCard(card)
	assert.Equal(t, addr&^(ct.CardSize()-1), back)
}

func TestScanDirtyAscending(t *testing.T) {
	ct := Init(0x1000_0000, 1<<20, 1<<20, 512)
	ct.Mark(0x1000_0000)
	ct.Mark(0x1000_0A00)
	var seen []uintptr
	ct.ScanDirty(0x1000_0000, 0x1000_1000, func(base, end uintptr) {
		seen = append(seen, base)
	})
	require.Equal(t, []uintptr{0x1000_0000, 0x1000_0A00 &^ (ct.CardSize() - 1)}, seen)
}
