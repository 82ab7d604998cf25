package block

import (
	"github.com/sirupsen/logrus"

	"github.com/dargueta/kfsd/errors"
	"github.com/dargueta/kfsd/ipc"
)

// sectorBytes is the LBA unit write_blocks is specified against,
// independent of the device's native block size.
const sectorBytes = 512

// ringDepth is the default submission/completion ring depth requested from
// the driver during Connect.
const ringDepth = 32

// stagingCapacity bounds how many native blocks Connection keeps around at
// once while performing a read-modify-write; a single request never spans
// more than a handful of blocks.
const stagingCapacity = 8

// Connection models the Volume connection entity of spec section 3: a live
// session with the block driver, the ring frame the driver set up for it
// (held, not mapped into this address space), and the shared data buffer
// mapped at both ends.
type Connection struct {
	driver ipc.BlockDriver
	log    *logrus.Entry

	ringFrame ipc.Frame
	shmFrame  ipc.Frame
	shmVAddr  uintptr

	cache *stagingCache
}

// Connect performs the setup sequence of spec section 4.1: allocate a
// notification endpoint, ask the driver for rings, request the shared
// buffer, and map it at the driver's chosen virtual address. broker supplies
// the notification endpoint capability and maps the shared buffer; the
// driver performs the ring/SHM allocation directly in this model. The ring
// frame is not mapped.
func Connect(broker ipc.ResourceBroker, driver ipc.BlockDriver, log *logrus.Entry) (*Connection, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "block")

	notifyFrame, err := broker.Alloc(0 /* notification endpoint */, 0)
	if err != nil {
		return nil, errors.ErrIoError.WrapError(err)
	}
	log.WithField("notify_frame", notifyFrame.ID).Debug("allocated notification endpoint")

	ringFrame, err := driver.SetupRing(ringDepth, ringDepth, nil)
	if err != nil {
		return nil, errors.ErrIoError.WrapError(err)
	}

	shmFrame, driverVAddr, size, physAddr, err := driver.RequestSHM()
	if err != nil {
		return nil, errors.ErrIoError.WrapError(err)
	}
	if err := broker.Mmap(shmFrame, driverVAddr, size); err != nil {
		return nil, errors.ErrIoError.WrapError(err)
	}
	log.WithFields(logrus.Fields{
		"shm_vaddr": driverVAddr,
		"shm_size":  size,
		"shm_phys":  physAddr,
	}).Info("block connection established")

	return &Connection{
		driver:    driver,
		log:       log,
		ringFrame: ringFrame,
		shmFrame:  shmFrame,
		shmVAddr:  driverVAddr,
		cache:     newStagingCache(stagingCapacity),
	}, nil
}

// ShmVAddr returns the service-mapped base of the shared buffer, needed by
// the per-handle IO-ring adapter to translate client addresses.
func (c *Connection) ShmVAddr() uintptr { return c.shmVAddr }

// enclosingRange computes the block-aligned range containing [off, off+len)
// per spec section 4.1.
func enclosingRange(off, length uint64) (start, end uint64) {
	start = (off / NativeBlockSize) * NativeBlockSize
	end = ((off + length + NativeBlockSize - 1) / NativeBlockSize) * NativeBlockSize
	return
}

func isExactFill(off, length, start, end uint64) bool {
	return off == start && off+length == end
}

// ReadOffset reads len(buf) bytes starting at absolute device offset off.
func (c *Connection) ReadOffset(off uint64, buf []byte) (int, error) {
	length := uint64(len(buf))
	if length == 0 {
		return 0, nil
	}
	start, end := enclosingRange(off, length)

	if isExactFill(off, length, start, end) {
		if err := c.driver.ReadAt(off, buf); err != nil {
			return 0, errors.ErrIoError.WrapError(err)
		}
		return len(buf), nil
	}

	tmp := make([]byte, end-start)
	if err := c.readAlignedRange(start, tmp); err != nil {
		return 0, err
	}
	copy(buf, tmp[off-start:off-start+length])
	return len(buf), nil
}

// readAlignedRange fills dst (whose length must be a multiple of
// NativeBlockSize) with data from the block-aligned offset start, using the
// staging cache one native block at a time.
func (c *Connection) readAlignedRange(start uint64, dst []byte) error {
	for i := uint64(0); i < uint64(len(dst)); i += NativeBlockSize {
		blockNum := (start + i) / NativeBlockSize
		blockOff := start + i
		buf, err := c.cache.slice(blockNum, false, func(b []byte) error {
			return c.driver.ReadAt(blockOff, b)
		})
		if err != nil {
			return err
		}
		copy(dst[i:i+NativeBlockSize], buf)
	}
	return nil
}

// WriteBlocks writes buf starting at sector*512, interpreting sector as a
// 512-byte LBA irrespective of the device's native block size, per spec
// section 4.1's compatibility contract.
func (c *Connection) WriteBlocks(sector uint64, buf []byte) error {
	off := sector * sectorBytes
	length := uint64(len(buf))
	if length == 0 {
		return nil
	}
	start, end := enclosingRange(off, length)

	if isExactFill(off, length, start, end) {
		if err := c.driver.WriteAt(off, buf); err != nil {
			return errors.ErrIoError.WrapError(err)
		}
		return nil
	}

	tmp := make([]byte, end-start)
	if err := c.readAlignedRange(start, tmp); err != nil {
		return err
	}
	copy(tmp[off-start:off-start+length], buf)

	for i := uint64(0); i < uint64(len(tmp)); i += NativeBlockSize {
		blockOff := start + i
		if err := c.driver.WriteAt(blockOff, tmp[i:i+NativeBlockSize]); err != nil {
			return errors.ErrIoError.WrapError(err)
		}
		blockNum := blockOff / NativeBlockSize
		if _, err := c.cache.slice(blockNum, true, func(b []byte) error {
			copy(b, tmp[i:i+NativeBlockSize])
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// ReadSHM asks the driver to place len bytes from device offset off directly
// into the shared buffer at dstVAddr -- the zero-copy path used by the
// per-handle IO-ring adapter.
func (c *Connection) ReadSHM(off, length uint64, dstVAddr uintptr) error {
	if err := c.driver.ReadSHM(off, length, dstVAddr); err != nil {
		return errors.ErrIoError.WrapError(err)
	}
	return nil
}
