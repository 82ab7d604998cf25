package initrdfs

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/dargueta/kfsd/block"
	"github.com/dargueta/kfsd/errors"
)

// rootDirMode is the synthesized mode for the root directory, which has no
// backing entry of its own in the flat entry table.
const rootDirMode = 0o040555

// Handle is the Open handle locator for Initrd: the resolved entry, or nil
// for the synthesized root directory.
type Handle struct {
	Entry *Entry
	IsDir bool
}

// Engine mounts a single Initrd volume and answers path/stat/read requests.
// The volume is read-only, per spec section 1's Non-goals.
type Engine struct {
	conn    *block.Connection
	profile *Profile
	log     *logrus.Entry
}

// Open resolves path against the flat entry table. A leading slash is
// trimmed; the empty path that remains after trimming names the root
// directory, per spec section 4.4.
func (e *Engine) Open(path string) (*Handle, error) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return &Handle{IsDir: true}, nil
	}

	for i := range e.profile.Entries {
		if e.profile.Entries[i].Name == trimmed {
			return &Handle{Entry: &e.profile.Entries[i]}, nil
		}
	}
	return nil, errors.ErrNotFound.WithMessage("initrd entry not found: " + trimmed)
}

// ReadAt reads up to len(buf) bytes from h at file-relative offset off.
// Reads are serviced directly against the backing device at
// entry.Offset + off, per spec section 4.4.
func (e *Engine) ReadAt(h *Handle, off uint64, buf []byte) (int, error) {
	if h.IsDir {
		return 0, errors.ErrInvalidArgs.WithMessage("cannot read a directory as a file")
	}
	if off >= h.Entry.Size {
		return 0, nil
	}
	remaining := h.Entry.Size - off
	if uint64(len(buf)) > remaining {
		buf = buf[:remaining]
	}
	n, err := e.conn.ReadOffset(h.Entry.Offset+off, buf)
	if err != nil {
		return n, err
	}
	return n, nil
}

// Stat reports the Initrd-specific subset of fields the dispatcher needs.
type Stat struct {
	Size  uint64
	IsDir bool
	Mode  uint32
}

func (e *Engine) Stat(h *Handle) Stat {
	if h.IsDir {
		return Stat{Size: 0, IsDir: true, Mode: rootDirMode}
	}
	return Stat{Size: h.Entry.Size, IsDir: false}
}

func (e *Engine) Profile() *Profile { return e.profile }

// Mkdir, Unlink, and Rename are unsupported: Initrd is a read-only format
// per spec section 1's Non-goals.
func (e *Engine) Mkdir(string, uint32) error  { return errors.ErrNotSupported }
func (e *Engine) Unlink(string) error         { return errors.ErrNotSupported }
func (e *Engine) Rename(string, string) error { return errors.ErrNotSupported }
