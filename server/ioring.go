package server

import (
	"github.com/dargueta/kfsd/block"
	"github.com/dargueta/kfsd/errors"
)

// opRead is the only submission opcode this service understands; any other
// value yields a -NotSupported completion, per spec section 4.5.
const opRead uint32 = 1

// submissionEntry is a client-owned request queued on a handle's io-ring.
// DestAddr is expressed in the client's own virtual address space.
type submissionEntry struct {
	Opcode     uint32
	FileOffset uint64
	Length     uint32
	DestAddr   uintptr
}

// completionEntry is a service-produced result: bytes transferred, or the
// negation of an errors.Code.
type completionEntry struct {
	Res int64
}

// ioRing is the per-handle submission/completion ring of spec section 4.5.
// The submission queue is producer-owned by the client and consumer-owned
// by the service; the completion queue is the reverse.
type ioRing struct {
	clientBase uintptr
	serverBase uintptr

	submissions []submissionEntry
	completions []completionEntry
}

func newIORing(clientBase, serverBase uintptr) *ioRing {
	return &ioRing{clientBase: clientBase, serverBase: serverBase}
}

// submit enqueues a client request. In a real deployment the client writes
// these directly into shared memory; here the dispatcher's test harness and
// PROCESS_IOURING handling share this slice instead.
func (r *ioRing) submit(e submissionEntry) {
	r.submissions = append(r.submissions, e)
}

// drainCompletions returns and clears the completions produced since the
// last drain.
func (r *ioRing) drainCompletions() []completionEntry {
	out := r.completions
	r.completions = nil
	return out
}

// process drains every pending submission entry, translating each READ's
// destination address from client-vaddr space to server-vaddr space
// (server = addr - client_base + server_base) and invoking the block
// facade's zero-copy read_shm at fileBase+FileOffset, per spec section 4.5.
func (r *ioRing) process(conn *block.Connection, fileBase uint64) {
	pending := r.submissions
	r.submissions = nil

	for _, e := range pending {
		if e.Opcode != opRead {
			r.completions = append(r.completions, completionEntry{Res: -int64(errors.CodeOf(errors.ErrNotSupported))})
			continue
		}
		if e.DestAddr < r.clientBase {
			r.completions = append(r.completions, completionEntry{Res: -int64(errors.CodeOf(errors.ErrInvalidArgs))})
			continue
		}

		serverAddr := e.DestAddr - r.clientBase + r.serverBase
		if err := conn.ReadSHM(fileBase+e.FileOffset, uint64(e.Length), serverAddr); err != nil {
			r.completions = append(r.completions, completionEntry{Res: -int64(errors.CodeOf(err))})
			continue
		}
		r.completions = append(r.completions, completionEntry{Res: int64(e.Length)})
	}
}

// failAll drains every pending submission entry with the same error,
// without touching the block facade; used when the mounted format can't
// report a contiguous file base for the handle.
func (r *ioRing) failAll(err error) {
	pending := r.submissions
	r.submissions = nil
	code := int64(errors.CodeOf(err))
	for range pending {
		r.completions = append(r.completions, completionEntry{Res: -code})
	}
}
