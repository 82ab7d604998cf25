package initrdfs_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dargueta/kfsd/block"
	"github.com/dargueta/kfsd/initrdfs"
	"github.com/dargueta/kfsd/ipc"
	"github.com/dargueta/kfsd/ipc/sim"
)

type memDevice struct{ data []byte }

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, d.data[off:])
	return n, nil
}

func (d *memDevice) WriteAt(p []byte, off int64) (int, error) {
	n := copy(d.data[off:], p)
	return n, nil
}

type fakeBroker struct{}

func (fakeBroker) GetCap(uint32, uint32) (ipc.Frame, error) { return ipc.Frame{}, nil }
func (fakeBroker) Alloc(uint32, uint64) (ipc.Frame, error)  { return ipc.Frame{}, nil }
func (fakeBroker) Mmap(ipc.Frame, uintptr, uint64) error    { return nil }

func newConn(t *testing.T, size int) (*block.Connection, []byte) {
	t.Helper()
	data := make([]byte, size)
	conn, err := block.Connect(fakeBroker{}, sim.NewDriver(&memDevice{data: data}, 1<<16), nil)
	require.NoError(t, err)
	return conn, data
}

// putEntry writes a 48-byte entry record at byte offset start: type@0,
// offset u32@1, size u32@5, 7 reserved bytes@9, name@16..48.
func putEntry(data []byte, start uint64, name string, offset, size uint32) {
	data[start] = 1 // regular file
	binary.LittleEndian.PutUint32(data[start+1:], offset)
	binary.LittleEndian.PutUint32(data[start+5:], size)
	copy(data[start+16:start+48], name)
}

// TestInitrdReadEntry covers spec section 8 scenario 6: a two-entry initrd
// volume with "boot.elf" at offset 8192, size 100. Reading 50 bytes at
// file-relative offset 10 must return device bytes [8202, 8252).
func TestInitrdReadEntry(t *testing.T) {
	conn, data := newConn(t, 16*1024)

	binary.LittleEndian.PutUint32(data[0:], 0x99999999) // magic
	binary.LittleEndian.PutUint32(data[4:], 2)           // count

	putEntry(data, 16, "boot.elf", 8192, 100)
	putEntry(data, 64, "init.cfg", 8400, 20)

	for i := 0; i < 100; i++ {
		data[8192+i] = byte(i)
	}

	engine, err := initrdfs.Mount(conn, nil)
	require.NoError(t, err)

	h, err := engine.Open("/boot.elf")
	require.NoError(t, err)
	require.False(t, h.IsDir)

	buf := make([]byte, 50)
	n, err := engine.ReadAt(h, 10, buf)
	require.NoError(t, err)
	require.Equal(t, 50, n)
	require.Equal(t, data[8202:8252], buf)
}

// TestInitrdOpenRoot covers the synthesized root directory named by the
// empty path after trimming a leading slash.
func TestInitrdOpenRoot(t *testing.T) {
	conn, data := newConn(t, 16*1024)
	binary.LittleEndian.PutUint32(data[0:], 0x99999999)
	binary.LittleEndian.PutUint32(data[4:], 0)

	engine, err := initrdfs.Mount(conn, nil)
	require.NoError(t, err)

	h, err := engine.Open("/")
	require.NoError(t, err)
	require.True(t, h.IsDir)

	st := engine.Stat(h)
	require.True(t, st.IsDir)
	require.Equal(t, uint64(0), st.Size)
}

func TestInitrdOpenMissing(t *testing.T) {
	conn, data := newConn(t, 16*1024)
	binary.LittleEndian.PutUint32(data[0:], 0x99999999)
	binary.LittleEndian.PutUint32(data[4:], 0)

	engine, err := initrdfs.Mount(conn, nil)
	require.NoError(t, err)

	_, err = engine.Open("/nonexistent")
	require.Error(t, err)
}
