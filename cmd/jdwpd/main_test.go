package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakvm/heapcore/config"
	"github.com/oakvm/heapcore/internal/demoheap"
	"github.com/oakvm/heapcore/jdwp/dispatch"
	"github.com/oakvm/heapcore/jdwp/event"
)

func newTestHarness(t *testing.T) *demoheap.Harness {
	t.Helper()
	cfg := config.Default()
	cfg.Heap.MaximumSizeBytes = 1 << 20
	cfg.Heap.InitialSizeBytes = 1 << 16
	h, err := demoheap.New(cfg.Heap.HeapSourceConfig(nil))
	require.NoError(t, err)
	t.Cleanup(func() { h.Heap.Close() })
	return h
}

func TestBuildTableVersionHandler(t *testing.T) {
	h := newTestHarness(t)
	table := buildTable(h, &event.Store{})

	handler, ok := table[dispatch.CmdKey{CmdSet: 1, Cmd: 1}]
	require.True(t, ok)
	var reply []byte
	code := handler(nil, &reply)
	assert.Equal(t, uint16(0), uint16(code))
	assert.Contains(t, string(reply), "heapcore-jdwpd")
}

func TestBuildTableIDSizesHandler(t *testing.T) {
	h := newTestHarness(t)
	table := buildTable(h, &event.Store{})

	handler, ok := table[dispatch.CmdKey{CmdSet: 1, Cmd: 7}]
	require.True(t, ok)
	var reply []byte
	handler(nil, &reply)
	require.Len(t, reply, 20)
	for i := 0; i < 5; i++ {
		assert.EqualValues(t, 8, reply[i*4+3])
	}
}

func TestBuildTableEventRequestSetAndClear(t *testing.T) {
	h := newTestHarness(t)
	store := &event.Store{}
	table := buildTable(h, store)

	setHandler := table[dispatch.CmdKey{CmdSet: 15, Cmd: 1}]
	var reply []byte
	code := setHandler([]byte{5}, &reply)
	require.EqualValues(t, 0, code)
	require.Len(t, reply, 4)

	clearHandler := table[dispatch.CmdKey{CmdSet: 15, Cmd: 2}]
	var clearReply []byte
	code = clearHandler(reply, &clearReply)
	assert.EqualValues(t, 0, code)
}

func TestBuildTableDDMHeapInfoHandler(t *testing.T) {
	h := newTestHarness(t)
	table := buildTable(h, &event.Store{})

	handler, ok := table[dispatch.CmdKey{CmdSet: 199, Cmd: 1}]
	require.True(t, ok)
	var reply []byte
	handler(nil, &reply)
	assert.Contains(t, string(reply), "active_bytes=")
}
