// Package server implements the request dispatcher and handle table of
// spec section 4.5: a single-threaded message loop that mounts one format
// engine and answers OPEN/STAT/READ_SYNC/CLOSE and per-handle io-ring
// requests over an ipc.Endpoint.
package server

import (
	"bytes"

	humanize "github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/dargueta/kfsd/block"
	"github.com/dargueta/kfsd/errors"
	"github.com/dargueta/kfsd/ipc"
)

// serviceVAddrBase is the first service-chosen virtual address handed out
// to an incoming io-ring frame; successive SETUP_IOURING calls advance past
// it, per spec section 4.5's "next-free virtual address cursor".
const serviceVAddrBase = 0x5000_0000

// Dispatcher is the request server of spec section 4.5. It implements
// ipc.Endpoint so it can be handed to the VFS as the mount's endpoint.
type Dispatcher struct {
	engine  Engine
	conn    *block.Connection
	handles *handleTable
	running bool

	nextVAddr uintptr
	log       *logrus.Entry
}

// Bootstrap runs the initialisation sequence of spec section 4.5: resolve
// the volume broker, establish the block connection, mount the
// format-specific superstructure, and mount "/" in the VFS carrying the
// dispatcher's own endpoint. driver is passed directly rather than
// resolved through volBroker's endpoint, matching how the in-process block
// facade talks to a BlockDriver directly (see ipc/sim's Driver doc).
func Bootstrap(
	broker ipc.ResourceBroker,
	volBroker ipc.VolumeBroker,
	driver ipc.BlockDriver,
	vfs ipc.VFS,
	mount MountFunc,
	log *logrus.Entry,
) (*Dispatcher, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "server")

	if _, err := volBroker.GetDevice(); err != nil {
		return nil, errors.ErrIoError.WrapError(err)
	}

	conn, err := block.Connect(broker, driver, log)
	if err != nil {
		return nil, err
	}

	engine, err := mount(conn, log)
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		engine:    engine,
		conn:      conn,
		handles:   newHandleTable(),
		running:   true,
		nextVAddr: serviceVAddrBase,
		log:       log,
	}

	if err := vfs.Mount("/", d); err != nil {
		return nil, errors.ErrIoError.WrapError(err)
	}

	log.Info("dispatcher mounted and serving")
	return d, nil
}

// Running reports whether the dispatcher is still serving requests: it is
// false once process.EXIT has been received or Shutdown has run.
func (d *Dispatcher) Running() bool { return d.running }

// Shutdown closes every open handle, aggregating any failures, and stops
// the dispatcher. It is not part of the wire protocol; it's the
// process-level teardown a cmd/*d binary calls after the message loop
// exits.
func (d *Dispatcher) Shutdown() error {
	var result *multierror.Error
	for id := range d.handles.entries {
		if err := d.handles.close(id); err != nil {
			result = multierror.Append(result, err)
		}
	}
	d.running = false
	return result.ErrorOrNil()
}

// Call decodes (Protocol, Label), executes the opcode, and returns the
// reply message, per spec section 4.5's message loop. It never returns a
// non-nil error itself; opcode-level failures are carried in the reply's
// IsError/Regs[0] fields so a real transport's send-then-receive Call
// semantics are preserved even on failure.
func (d *Dispatcher) Call(msg ipc.Message) (ipc.Message, error) {
	if msg.Protocol == ProtoProcess && msg.Label == OpExit {
		d.log.Info("received process.EXIT, stopping message loop")
		d.running = false
		return okReply(msg), nil
	}
	if !d.running {
		return errorReply(msg, errors.ErrNotInitialized), nil
	}
	if msg.Protocol != ProtoFilesystem {
		return errorReply(msg, errors.ErrNotSupported), nil
	}

	switch msg.Label {
	case OpOpen:
		return d.handleOpen(msg)
	case OpStatPath:
		return d.handleStatPath(msg)
	case OpStat:
		return d.handleStat(msg)
	case OpReadSync:
		return d.handleReadSync(msg)
	case OpClose:
		return d.handleClose(msg)
	case OpSetupIOURing:
		return d.handleSetupIOURing(msg)
	case OpProcessIOURing:
		return d.handleProcessIOURing(msg)
	case OpMkdir:
		return d.handleMkdir(msg)
	case OpUnlink:
		return d.handleUnlink(msg)
	case OpRename:
		return d.handleRename(msg)
	default:
		return errorReply(msg, errors.ErrNotSupported), nil
	}
}

func okReply(msg ipc.Message) ipc.Message {
	return ipc.Message{Protocol: msg.Protocol, Label: msg.Label}
}

func errorReply(msg ipc.Message, err error) ipc.Message {
	reply := ipc.Message{Protocol: msg.Protocol, Label: msg.Label, IsError: true}
	reply.Regs[0] = uint64(errors.CodeOf(err))
	return reply
}

func encodeStatFlags(st FileStat) uint64 {
	var flags uint64
	if st.IsDir {
		flags |= 1
	}
	if st.IsSymlink {
		flags |= 2
	}
	flags |= uint64(st.Mode) << 8
	return flags
}

func statReply(msg ipc.Message, st FileStat) ipc.Message {
	reply := okReply(msg)
	reply.Regs[0] = st.Size
	reply.Regs[1] = encodeStatFlags(st)
	return reply
}

func (d *Dispatcher) handleOpen(msg ipc.Message) (ipc.Message, error) {
	path := string(msg.Buffer)
	fh, err := d.engine.Open(path)
	if err != nil {
		return errorReply(msg, err), nil
	}
	id := d.handles.alloc(fh)
	d.log.WithFields(logrus.Fields{"path": path, "handle": id}).Debug("opened handle")

	reply := okReply(msg)
	reply.Regs[0] = id
	return reply, nil
}

func (d *Dispatcher) handleStatPath(msg ipc.Message) (ipc.Message, error) {
	fh, err := d.engine.Open(string(msg.Buffer))
	if err != nil {
		return errorReply(msg, err), nil
	}
	st, err := d.engine.Stat(fh)
	if err != nil {
		return errorReply(msg, err), nil
	}
	return statReply(msg, st), nil
}

func (d *Dispatcher) handleStat(msg ipc.Message) (ipc.Message, error) {
	entry, err := d.handles.get(msg.Badge)
	if err != nil {
		return errorReply(msg, err), nil
	}
	st, err := d.engine.Stat(entry.fileHandle)
	if err != nil {
		return errorReply(msg, err), nil
	}
	return statReply(msg, st), nil
}

func (d *Dispatcher) handleReadSync(msg ipc.Message) (ipc.Message, error) {
	entry, err := d.handles.get(msg.Regs[0])
	if err != nil {
		return errorReply(msg, err), nil
	}

	off := msg.Regs[1]
	length := msg.Regs[2]
	buf := make([]byte, length)
	n, err := d.engine.ReadAt(entry.fileHandle, off, buf)
	if err != nil {
		return errorReply(msg, err), nil
	}

	reply := okReply(msg)
	reply.Regs[0] = uint64(n)
	reply.Buffer = buf[:n]
	return reply, nil
}

func (d *Dispatcher) handleClose(msg ipc.Message) (ipc.Message, error) {
	if err := d.handles.close(msg.Regs[0]); err != nil {
		return errorReply(msg, err), nil
	}
	return okReply(msg), nil
}

// handleSetupIOURing reserves a fresh service virtual address for the
// client's ring control-structure frame by advancing the cursor by size
// (the address is only logged; the frame itself is not mapped here) and
// records the client's base for the shared data buffer against
// the service's own, already-mapped view of it (conn.ShmVAddr()) --
// PROCESS_IOURING's submission entries name destinations in that shared
// data buffer, not in the ring frame itself.
func (d *Dispatcher) handleSetupIOURing(msg ipc.Message) (ipc.Message, error) {
	entry, err := d.handles.get(msg.Regs[0])
	if err != nil {
		return errorReply(msg, err), nil
	}

	clientVAddr := uintptr(msg.Regs[1])
	size := msg.Regs[2]

	ringVAddr := d.nextVAddr
	d.nextVAddr += uintptr(size)

	entry.ring = newIORing(clientVAddr, d.conn.ShmVAddr())
	entry.state = stateRingAttached

	d.log.WithFields(logrus.Fields{
		"handle":       msg.Regs[0],
		"client_vaddr": clientVAddr,
		"ring_vaddr":   ringVAddr,
		"size":         humanize.Bytes(size),
	}).Debug("attached io-ring")

	return okReply(msg), nil
}

// handleProcessIOURing drains the handle's pending submission entries.
// Formats that can't report a contiguous file base (ext, fat) fail every
// pending entry with NotSupported rather than attempting a read_shm call.
func (d *Dispatcher) handleProcessIOURing(msg ipc.Message) (ipc.Message, error) {
	entry, err := d.handles.get(msg.Regs[0])
	if err != nil {
		return errorReply(msg, err), nil
	}
	if entry.ring == nil {
		return errorReply(msg, errors.ErrInvalidArgs.WithMessage("no io-ring attached to handle")), nil
	}

	fileBase, ok := d.engine.FileBase(entry.fileHandle)
	if !ok {
		entry.ring.failAll(errors.ErrNotSupported)
		return okReply(msg), nil
	}

	entry.ring.process(d.conn, fileBase)
	return okReply(msg), nil
}

func (d *Dispatcher) handleMkdir(msg ipc.Message) (ipc.Message, error) {
	mode := uint32(msg.Regs[0])
	if err := d.engine.Mkdir(string(msg.Buffer), mode); err != nil {
		return errorReply(msg, err), nil
	}
	return okReply(msg), nil
}

func (d *Dispatcher) handleUnlink(msg ipc.Message) (ipc.Message, error) {
	if err := d.engine.Unlink(string(msg.Buffer)); err != nil {
		return errorReply(msg, err), nil
	}
	return okReply(msg), nil
}

// handleRename expects two null-separated paths packed into the message
// buffer: old, then new.
func (d *Dispatcher) handleRename(msg ipc.Message) (ipc.Message, error) {
	parts := bytes.SplitN(msg.Buffer, []byte{0}, 2)
	if len(parts) != 2 {
		return errorReply(msg, errors.ErrInvalidArgs.WithMessage("rename requires two null-separated paths")), nil
	}
	if err := d.engine.Rename(string(parts[0]), string(parts[1])); err != nil {
		return errorReply(msg, err), nil
	}
	return okReply(msg), nil
}

// Ring exposes a handle's attached io-ring so a transport adapter (or a
// test) can submit entries before calling PROCESS_IOURING. It returns nil
// if id is unknown or has no ring attached.
func (d *Dispatcher) Ring(id uint64) *ioRing {
	entry, err := d.handles.get(id)
	if err != nil {
		return nil
	}
	return entry.ring
}

// SubmitRead queues a READ submission entry on id's io-ring.
func (d *Dispatcher) SubmitRead(id uint64, fileOffset uint64, length uint32, destAddr uintptr) error {
	ring := d.Ring(id)
	if ring == nil {
		return errors.ErrInvalidArgs.WithMessage("no io-ring attached to handle")
	}
	ring.submit(submissionEntry{Opcode: opRead, FileOffset: fileOffset, Length: length, DestAddr: destAddr})
	return nil
}

// DrainCompletions returns and clears id's completion queue.
func (d *Dispatcher) DrainCompletions(id uint64) []completionEntry {
	ring := d.Ring(id)
	if ring == nil {
		return nil
	}
	return ring.drainCompletions()
}
