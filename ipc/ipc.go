// Package ipc declares the message-passing collaborators a filesystem
// service talks to, as named in spec section 6: the resource broker, the
// volume broker, the block driver, and the VFS mount registry. None of
// these are implemented here in their kernel form -- they are the boundary
// of this module's scope. Package ipc/sim provides an in-process reference
// implementation so the rest of the module can be built and exercised
// without a real microkernel underneath it.
package ipc

import "github.com/dargueta/kfsd/errors"

// Frame stands in for a capability to a physical memory frame. VAddr and
// PhysAddr are only meaningful once the frame has been mapped by Mmap or
// returned from RequestSHM.
type Frame struct {
	ID       uint64
	VAddr    uintptr
	PhysAddr uint64
	Size     uint64
}

// Message is a fixed-shape IPC message: a label identifying the operation,
// a handful of general-purpose registers, and an optional variable-length
// buffer for path strings or read/write payloads. It mirrors the
// register-passing convention of a seL4-style microkernel closely enough to
// exercise the dispatcher's decode/encode logic without needing real
// capability transfer.
type Message struct {
	Protocol uint32
	Label    uint32
	Badge    uint64
	Regs     [4]uint64
	Buffer   []byte
	IsError  bool

	// Frame carries a capability transferred alongside this message, e.g.
	// the client's io-ring memory frame in a SETUP_IOURING call. Most
	// opcodes leave it zero.
	Frame Frame
}

// Endpoint is a capability to a kernel IPC endpoint. Call performs a
// synchronous send-then-receive, the only form of IPC this module needs.
type Endpoint interface {
	Call(msg Message) (Message, error)
}

// ResourceBroker resolves well-known capabilities by type/kind and performs
// address-space operations (mmap) on behalf of a service that does not yet
// have its own VSpace-management code.
type ResourceBroker interface {
	GetCap(capType, kind uint32) (Frame, error)
	Alloc(capType uint32, attr uint64) (Frame, error)
	Mmap(frame Frame, vaddr uintptr, size uint64) error
}

// VolumeBroker hands out the endpoint for the block device backing a
// particular mount.
type VolumeBroker interface {
	GetDevice() (Endpoint, error)
}

// BlockDriver is the block device's exposed protocol: ring setup, shared
// buffer negotiation, and the direct read/write/read_shm calls the block
// facade issues.
type BlockDriver interface {
	Init() error
	SetupRing(sqDepth, cqDepth uint32, notify Endpoint) (Frame, error)
	RequestSHM() (frame Frame, driverVAddr uintptr, size uint64, physAddr uint64, err error)
	ReadAt(offset uint64, buf []byte) error
	WriteAt(offset uint64, buf []byte) error
	ReadSHM(offset uint64, length uint64, dstVAddr uintptr) error
}

// VFS is the mount registry's exposed protocol.
type VFS interface {
	Mount(path string, ep Endpoint) error
}

// NotInitializedDriver is a BlockDriver that refuses every call. It can
// stand in for a driver before a connection has been established, so any
// use before init surfaces errors.ErrNotInitialized rather than a nil
// pointer panic.
type NotInitializedDriver struct{}

func (NotInitializedDriver) Init() error { return errors.ErrNotInitialized }
func (NotInitializedDriver) SetupRing(uint32, uint32, Endpoint) (Frame, error) {
	return Frame{}, errors.ErrNotInitialized
}
func (NotInitializedDriver) RequestSHM() (Frame, uintptr, uint64, uint64, error) {
	return Frame{}, 0, 0, 0, errors.ErrNotInitialized
}
func (NotInitializedDriver) ReadAt(uint64, []byte) error         { return errors.ErrNotInitialized }
func (NotInitializedDriver) WriteAt(uint64, []byte) error        { return errors.ErrNotInitialized }
func (NotInitializedDriver) ReadSHM(uint64, uint64, uintptr) error {
	return errors.ErrNotInitialized
}
