// Package sim provides an in-process reference implementation of the
// ipc package's collaborator interfaces, backed by an io.ReaderAt/WriterAt
// over an ordinary file or byte slice. It exists so the rest of this module
// can be built and tested without a real microkernel: a production
// deployment swaps this package out for the kernel's actual capability
// transport and keeps everything above the ipc package unchanged.
package sim

import (
	"io"
	"sync"

	"github.com/dargueta/kfsd/errors"
	"github.com/dargueta/kfsd/ipc"
)

// BlockDevice is a ReaderAt+WriterAt backing store, e.g. *os.File or a
// *bytes.Reader-style in-memory image used by tests.
type BlockDevice interface {
	io.ReaderAt
	io.WriterAt
}

// Driver is an in-process ipc.BlockDriver. It keeps a single shared buffer
// (standing in for the DMA-capable SHM frame) that ReadSHM copies into
// directly, simulating the zero-copy path described in spec section 4.1.
type Driver struct {
	mu     sync.Mutex
	dev    BlockDevice
	shm    []byte
	shmVA  uintptr
	nextID uint64
}

// NewDriver wraps dev, allocating a shmSize-byte shared buffer.
func NewDriver(dev BlockDevice, shmSize uint64) *Driver {
	return &Driver{
		dev:   dev,
		shm:   make([]byte, shmSize),
		shmVA: 0x4000_0000, // arbitrary fixed "driver-chosen" virtual address
	}
}

func (d *Driver) Init() error { return nil }

func (d *Driver) SetupRing(sqDepth, cqDepth uint32, notify ipc.Endpoint) (ipc.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	size := uint64(sqDepth+cqDepth) * 64
	return ipc.Frame{ID: d.nextID, VAddr: 0, Size: size}, nil
}

func (d *Driver) RequestSHM() (ipc.Frame, uintptr, uint64, uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	frame := ipc.Frame{ID: d.nextID, VAddr: d.shmVA, Size: uint64(len(d.shm)), PhysAddr: 0x1000_0000}
	return frame, d.shmVA, uint64(len(d.shm)), frame.PhysAddr, nil
}

func (d *Driver) ReadAt(offset uint64, buf []byte) error {
	n, err := d.dev.ReadAt(buf, int64(offset))
	if err != nil && err != io.EOF {
		return errors.ErrIoError.WrapError(err)
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

func (d *Driver) WriteAt(offset uint64, buf []byte) error {
	_, err := d.dev.WriteAt(buf, int64(offset))
	if err != nil {
		return errors.ErrIoError.WrapError(err)
	}
	return nil
}

// ReadSHM reads length bytes from the device at offset directly into the
// driver's shared buffer at dstVAddr, exactly as a real driver would DMA
// into a buffer the service previously mapped at that address.
func (d *Driver) ReadSHM(offset uint64, length uint64, dstVAddr uintptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if dstVAddr < d.shmVA || dstVAddr+uintptr(length) > d.shmVA+uintptr(len(d.shm)) {
		return errors.ErrInvalidArgs
	}
	start := dstVAddr - d.shmVA
	return d.ReadAt(offset, d.shm[start:start+uintptr(length)])
}

// SHM exposes the shared buffer for tests and for a service's own mapping
// step, matching what a real Mmap of the driver's frame would produce.
func (d *Driver) SHM() []byte { return d.shm }

// ShmVAddr returns the driver-chosen virtual address the shared frame must
// be mapped at in the service's own address space.
func (d *Driver) ShmVAddr() uintptr { return d.shmVA }

// Endpoint adapts a BlockDriver into an ipc.Endpoint for symmetry with a
// real deployment, where the driver is reached only through a capability.
// It is unused by the in-process block facade, which talks to Driver
// directly, but keeps ipc.VolumeBroker.GetDevice meaningful in the sim.
type Endpoint struct{}

func (Endpoint) Call(msg ipc.Message) (ipc.Message, error) {
	return ipc.Message{}, errors.ErrNotSupported
}

// VolumeBroker is a trivial ipc.VolumeBroker that always hands back the same
// endpoint.
type VolumeBroker struct{}

func (VolumeBroker) GetDevice() (ipc.Endpoint, error) { return Endpoint{}, nil }

// VFS is an in-process ipc.VFS that just records the mounts it has seen.
type VFS struct {
	mu     sync.Mutex
	mounts map[string]ipc.Endpoint
}

func NewVFS() *VFS { return &VFS{mounts: make(map[string]ipc.Endpoint)} }

func (v *VFS) Mount(path string, ep ipc.Endpoint) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mounts[path] = ep
	return nil
}

func (v *VFS) MountedAt(path string) (ipc.Endpoint, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ep, ok := v.mounts[path]
	return ep, ok
}
