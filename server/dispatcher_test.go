package server_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dargueta/kfsd/ipc"
	"github.com/dargueta/kfsd/ipc/sim"
	"github.com/dargueta/kfsd/server"
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

func buildInitrdImage(size int) []byte {
	data := make([]byte, size)
	binary.LittleEndian.PutUint32(data[0:], 0x99999999)
	binary.LittleEndian.PutUint32(data[4:], 1)

	data[16] = 1 // type
	binary.LittleEndian.PutUint32(data[17:], 8192) // offset
	binary.LittleEndian.PutUint32(data[21:], 5)    // size
	copy(data[32:], "greeting.txt")

	copy(data[8192:], "hello")
	return data
}

func newDispatcher(t *testing.T) *server.Dispatcher {
	t.Helper()
	data := buildInitrdImage(32 * 1024)
	driver := sim.NewDriver(&memDevice{data: data}, 1<<16)
	vfs := sim.NewVFS()

	d, err := server.Bootstrap(fakeBroker{}, sim.VolumeBroker{}, driver, vfs, server.MountInitrd, nil)
	require.NoError(t, err)
	return d
}

func TestDispatcherOpenReadClose(t *testing.T) {
	d := newDispatcher(t)

	openReply, err := d.Call(ipc.Message{Protocol: server.ProtoFilesystem, Label: server.OpOpen, Buffer: []byte("/greeting.txt")})
	require.NoError(t, err)
	require.False(t, openReply.IsError)
	handle := openReply.Regs[0]
	require.Equal(t, uint64(1), handle)

	readReply, err := d.Call(ipc.Message{
		Protocol: server.ProtoFilesystem,
		Label:    server.OpReadSync,
		Regs:     [4]uint64{handle, 0, 5},
	})
	require.NoError(t, err)
	require.False(t, readReply.IsError)
	require.Equal(t, "hello", string(readReply.Buffer))

	closeReply, err := d.Call(ipc.Message{Protocol: server.ProtoFilesystem, Label: server.OpClose, Regs: [4]uint64{handle}})
	require.NoError(t, err)
	require.False(t, closeReply.IsError)

	// A second close on the same handle fails: it's no longer in the table.
	again, err := d.Call(ipc.Message{Protocol: server.ProtoFilesystem, Label: server.OpClose, Regs: [4]uint64{handle}})
	require.NoError(t, err)
	require.True(t, again.IsError)
}

func TestDispatcherOpenMissingPath(t *testing.T) {
	d := newDispatcher(t)

	reply, err := d.Call(ipc.Message{Protocol: server.ProtoFilesystem, Label: server.OpOpen, Buffer: []byte("/nope")})
	require.NoError(t, err)
	require.True(t, reply.IsError)
}

func TestDispatcherStatPath(t *testing.T) {
	d := newDispatcher(t)

	reply, err := d.Call(ipc.Message{Protocol: server.ProtoFilesystem, Label: server.OpStatPath, Buffer: []byte("/greeting.txt")})
	require.NoError(t, err)
	require.False(t, reply.IsError)
	require.Equal(t, uint64(5), reply.Regs[0])
}

func TestDispatcherExitStopsLoop(t *testing.T) {
	d := newDispatcher(t)
	require.True(t, d.Running())

	_, err := d.Call(ipc.Message{Protocol: server.ProtoProcess, Label: server.OpExit})
	require.NoError(t, err)
	require.False(t, d.Running())

	reply, err := d.Call(ipc.Message{Protocol: server.ProtoFilesystem, Label: server.OpOpen, Buffer: []byte("/greeting.txt")})
	require.NoError(t, err)
	require.True(t, reply.IsError)
}

func TestDispatcherIOURingReadTranslatesAddress(t *testing.T) {
	d := newDispatcher(t)

	openReply, err := d.Call(ipc.Message{Protocol: server.ProtoFilesystem, Label: server.OpOpen, Buffer: []byte("/greeting.txt")})
	require.NoError(t, err)
	handle := openReply.Regs[0]

	const clientBase = 0x2000_0000
	setupReply, err := d.Call(ipc.Message{
		Protocol: server.ProtoFilesystem,
		Label:    server.OpSetupIOURing,
		Regs:     [4]uint64{handle, clientBase, 4096},
	})
	require.NoError(t, err)
	require.False(t, setupReply.IsError)

	// The shared data buffer the read lands in is the block driver's own
	// SHM, addressed starting at its chosen vaddr; submit a destination
	// that maps through client/server bases back onto a valid offset in it.
	require.NoError(t, d.SubmitRead(handle, 0, 5, clientBase))

	processReply, err := d.Call(ipc.Message{Protocol: server.ProtoFilesystem, Label: server.OpProcessIOURing, Regs: [4]uint64{handle}})
	require.NoError(t, err)
	require.False(t, processReply.IsError)

	completions := d.DrainCompletions(handle)
	require.Len(t, completions, 1)
	require.Equal(t, int64(5), completions[0].Res)
}

func TestDispatcherIOURingBelowClientBaseIsInvalidArgs(t *testing.T) {
	d := newDispatcher(t)

	openReply, err := d.Call(ipc.Message{Protocol: server.ProtoFilesystem, Label: server.OpOpen, Buffer: []byte("/greeting.txt")})
	require.NoError(t, err)
	handle := openReply.Regs[0]

	const clientBase = 0x2000_0000
	_, err = d.Call(ipc.Message{Protocol: server.ProtoFilesystem, Label: server.OpSetupIOURing, Regs: [4]uint64{handle, clientBase, 4096}})
	require.NoError(t, err)

	require.NoError(t, d.SubmitRead(handle, 0, 5, clientBase-1))

	_, err = d.Call(ipc.Message{Protocol: server.ProtoFilesystem, Label: server.OpProcessIOURing, Regs: [4]uint64{handle}})
	require.NoError(t, err)

	completions := d.DrainCompletions(handle)
	require.Len(t, completions, 1)
	require.Negative(t, completions[0].Res)
}
