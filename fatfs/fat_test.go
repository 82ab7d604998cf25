package fatfs_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dargueta/kfsd/block"
	"github.com/dargueta/kfsd/fatfs"
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

// TestFAT32ChainWalk covers spec section 8 scenario 4.
func TestFAT32ChainWalk(t *testing.T) {
	const bps = 512
	const bpc = 8 // sectors per cluster
	const fatStartSector = 32
	const dataStartSector = fatStartSector + 100 // arbitrary, plenty of room

	conn, data := newConn(t, 16*1024*1024)

	putFAT32Entry := func(cluster uint32, value uint32) {
		off := fatStartSector*bps + uint64(cluster)*4
		binary.LittleEndian.PutUint32(data[off:], value)
	}
	putFAT32Entry(3, 4)
	putFAT32Entry(4, 5)
	putFAT32Entry(5, 0x0FFFFFFF)

	clusterPayload := func(cluster uint32) []byte {
		return bytes.Repeat([]byte{byte(cluster)}, bpc*bps)
	}
	for _, c := range []uint32{3, 4, 5} {
		off := (dataStartSector + uint64(c-2)*bpc) * bps
		copy(data[off:], clusterPayload(c))
	}

	profile := &fatfs.Profile{
		Dialect:           fatfs.DialectFAT32,
		BytesPerSector:    bps,
		SectorsPerCluster: bpc,
		FATStartSector:    fatStartSector,
		DataStartSector:   dataStartSector,
	}

	chain, err := fatfs.Chain(conn, profile, 3)
	require.NoError(t, err)
	require.Equal(t, []fatfs.ClusterID{3, 4, 5}, chain)

	var got []byte
	for _, c := range chain {
		buf := make([]byte, bpc*bps)
		off := fatfs.ClusterToSector(profile, c) * bps
		_, err := conn.ReadOffset(off, buf)
		require.NoError(t, err)
		got = append(got, buf...)
	}

	var want []byte
	want = append(want, clusterPayload(3)...)
	want = append(want, clusterPayload(4)...)
	want = append(want, clusterPayload(5)...)
	require.True(t, bytes.Equal(got, want))
}

func TestFATDialectSelection(t *testing.T) {
	cases := []struct {
		name     string
		oem      string
		clusters uint64
		want     fatfs.Dialect
	}{
		{"small count is fat16", "MSDOS5.0", 100, fatfs.DialectFAT16},
		{"boundary below 65525 is fat16", "MSDOS5.0", 65524, fatfs.DialectFAT16},
		{"at or above 65525 is fat32", "MSDOS5.0", 65525, fatfs.DialectFAT32},
		{"exfat oem wins regardless of count", "EXFAT   ", 100, fatfs.DialectExFAT},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := fatfs.SelectDialect(c.oem, c.clusters)
			require.Equal(t, c.want, got)
		})
	}
}
