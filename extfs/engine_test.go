package extfs_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dargueta/kfsd/block"
	"github.com/dargueta/kfsd/extfs"
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

func putU32(data []byte, off uint64, v uint32) {
	binary.LittleEndian.PutUint32(data[off:], v)
}

func putU16(data []byte, off uint64, v uint16) {
	binary.LittleEndian.PutUint16(data[off:], v)
}

// TestExt4SuperblockParse covers spec section 8 scenario 1.
func TestExt4SuperblockParse(t *testing.T) {
	conn, data := newConn(t, 2*1024*1024)

	putU32(data, 1024+20, 0)    // s_first_data_block
	putU32(data, 1024+24, 2)    // s_log_block_size -> 4096
	putU16(data, 1024+56, 0xEF53)
	putU32(data, 1024+40, 8192) // s_inodes_per_group
	putU32(data, 1024+96, 0x40) // s_feature_incompat: EXTENTS

	profile, err := extfs.DetectProfile(conn)
	require.NoError(t, err)
	require.Equal(t, extfs.DialectExt4, profile.Dialect)
	require.Equal(t, uint32(4096), profile.BlockSize)
	require.Equal(t, uint32(8192), profile.InodesPerGroup)
}

func TestExt4SuperblockParse_BadMagicFails(t *testing.T) {
	conn, _ := newConn(t, 2*1024*1024)
	_, err := extfs.DetectProfile(conn)
	require.Error(t, err)
}

// TestExt2TripleIndirectLookup covers spec section 8 scenario 2.
func TestExt2TripleIndirectLookup(t *testing.T) {
	const blockSize = 1024
	const P = blockSize / 4 // 256

	conn, data := newConn(t, 8*1024*1024)

	profile := &extfs.Profile{BlockSize: blockSize, InodesPerGroup: 1, InodeSize: 128}

	var inode extfs.Inode
	inode.Raw.IBlock[14] = 100 // triple-indirect pointer

	// Block 100, entry 0 -> block X (200)
	putU32(data, 100*blockSize+0*4, 200)
	// Block 200 (double-indirect), entry 0 -> block Y (300)
	putU32(data, 200*blockSize+0*4, 300)
	// Block 300 (single-indirect), entry 5 -> physical answer (777)
	putU32(data, 300*blockSize+5*4, 777)

	logical := uint64(directPointersPlus(P))
	physical, err := extfs.ResolveBlockMap(conn, profile, &inode, logical)
	require.NoError(t, err)
	require.Equal(t, uint64(777), physical)
}

// directPointersPlus computes 12 + P + P^2 + 5, the logical block number
// from spec section 8 scenario 2.
func directPointersPlus(p uint64) uint64 {
	return 12 + p + p*p + 5
}

// TestExt4ExtentTreeDepth1Lookup covers spec section 8 scenario 3.
func TestExt4ExtentTreeDepth1Lookup(t *testing.T) {
	const blockSize = 4096
	conn, data := newConn(t, 8*1024*1024)

	profile := &extfs.Profile{BlockSize: blockSize}

	var inode extfs.Inode
	inode.Raw.Flags = 0x80000 // EXT4_EXTENTS_FL

	// Root header in i_block: {magic, entries=1, max, depth=1, generation}
	rootHeader := new(bytes.Buffer)
	binary.Write(rootHeader, binary.LittleEndian, uint16(0xF30A))
	binary.Write(rootHeader, binary.LittleEndian, uint16(1)) // entries
	binary.Write(rootHeader, binary.LittleEndian, uint16(4)) // max
	binary.Write(rootHeader, binary.LittleEndian, uint16(1)) // depth
	binary.Write(rootHeader, binary.LittleEndian, uint32(0)) // generation
	// Index entry {first=0, leaf=200}
	binary.Write(rootHeader, binary.LittleEndian, uint32(0))   // block
	binary.Write(rootHeader, binary.LittleEndian, uint32(200)) // leaf lo
	binary.Write(rootHeader, binary.LittleEndian, uint16(0))   // leaf hi
	binary.Write(rootHeader, binary.LittleEndian, uint16(0))   // unused

	rootBytes := rootHeader.Bytes()
	for i := 0; i < 15; i++ {
		start := i * 4
		if start+4 <= len(rootBytes) {
			inode.Raw.IBlock[i] = binary.LittleEndian.Uint32(rootBytes[start : start+4])
		}
	}

	// Block 200: header {depth=0, entries=2}, extents {0,4,1000} {4,8,2000}
	childOff := uint64(200) * blockSize
	putU16(data, childOff+0, 0xF30A)
	putU16(data, childOff+2, 2) // entries
	putU16(data, childOff+4, 4) // max
	putU16(data, childOff+6, 0) // depth
	putU32(data, childOff+8, 0) // generation

	// extent 1: {first=0, len=4, phys=1000}
	putU32(data, childOff+12, 0)
	putU16(data, childOff+16, 4)
	putU16(data, childOff+18, 0) // phys hi
	putU32(data, childOff+20, 1000)

	// extent 2: {first=4, len=8, phys=2000}
	putU32(data, childOff+24, 4)
	putU16(data, childOff+28, 8)
	putU16(data, childOff+30, 0)
	putU32(data, childOff+32, 2000)

	physical, err := extfs.ResolveExtent(conn, profile, &inode, 6)
	require.NoError(t, err)
	require.Equal(t, uint64(2002), physical)
}
