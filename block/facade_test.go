package block_test

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dargueta/kfsd/block"
	"github.com/dargueta/kfsd/ipc"
	"github.com/dargueta/kfsd/ipc/sim"
)

// memDevice implements sim.BlockDevice over a plain byte slice for tests.
type memDevice struct{ data []byte }

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, d.data[off:])
	return n, nil
}

func (d *memDevice) WriteAt(p []byte, off int64) (int, error) {
	n := copy(d.data[off:], p)
	return n, nil
}

// fakeBroker satisfies ipc.ResourceBroker with no-op allocations; the in-
// process sim.Driver does the real ring/SHM bookkeeping.
type fakeBroker struct{}

func (fakeBroker) GetCap(uint32, uint32) (ipc.Frame, error) { return ipc.Frame{}, nil }
func (fakeBroker) Alloc(uint32, uint64) (ipc.Frame, error)  { return ipc.Frame{}, nil }
func (fakeBroker) Mmap(ipc.Frame, uintptr, uint64) error    { return nil }

func newConn(t *testing.T, dev []byte) (*block.Connection, *sim.Driver) {
	t.Helper()
	backing := &memDevice{data: dev}
	driver := sim.NewDriver(backing, 1<<16)
	conn, err := block.Connect(fakeBroker{}, driver, nil)
	require.NoError(t, err)
	return conn, driver
}

func TestBlockAlignmentCorrectness(t *testing.T) {
	data := make([]byte, 64*1024)
	rand.New(rand.NewSource(1)).Read(data)

	conn, _ := newConn(t, data)

	cases := []struct{ off, length uint64 }{
		{0, 4096},
		{10, 100},
		{4090, 20},
		{8192, 1},
		{5000, 9000},
	}
	for _, c := range cases {
		got := make([]byte, c.length)
		n, err := conn.ReadOffset(c.off, got)
		require.NoError(t, err)
		require.Equal(t, int(c.length), n)
		require.True(t, bytes.Equal(got, data[c.off:c.off+c.length]))
	}
}

func TestWriteIdempotence(t *testing.T) {
	data := make([]byte, 64*1024)
	conn, _ := newConn(t, data)

	payload := bytes.Repeat([]byte{0xAB}, 777)
	sector := uint64(10)

	require.NoError(t, conn.WriteBlocks(sector, payload))
	require.NoError(t, conn.WriteBlocks(sector, payload))

	got := make([]byte, len(payload))
	_, err := conn.ReadOffset(sector*512, got)
	require.NoError(t, err)
	require.True(t, bytes.Equal(got, payload))
}
