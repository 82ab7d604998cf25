package server

import (
	"github.com/sirupsen/logrus"

	"github.com/dargueta/kfsd/block"
	"github.com/dargueta/kfsd/errors"
	"github.com/dargueta/kfsd/extfs"
	"github.com/dargueta/kfsd/fatfs"
	"github.com/dargueta/kfsd/initrdfs"
)

// MountFunc mounts a format's superstructure over conn and returns it
// wrapped as the generic Engine the dispatcher drives. It is the "read the
// format-specific superstructure" step of Bootstrap's init sequence (spec
// section 4.5).
type MountFunc func(conn *block.Connection, log *logrus.Entry) (Engine, error)

// MountExt adapts extfs.Mount to MountFunc.
func MountExt(conn *block.Connection, log *logrus.Entry) (Engine, error) {
	e, err := extfs.Mount(conn, log)
	if err != nil {
		return nil, err
	}
	return extEngine{e}, nil
}

// MountFAT adapts fatfs.Mount to MountFunc.
func MountFAT(conn *block.Connection, log *logrus.Entry) (Engine, error) {
	e, err := fatfs.Mount(conn, log)
	if err != nil {
		return nil, err
	}
	return fatEngine{e}, nil
}

// MountInitrd adapts initrdfs.Mount to MountFunc.
func MountInitrd(conn *block.Connection, log *logrus.Entry) (Engine, error) {
	e, err := initrdfs.Mount(conn, log)
	if err != nil {
		return nil, err
	}
	return initrdEngine{e}, nil
}

type extEngine struct{ e *extfs.Engine }

func (a extEngine) Open(path string) (any, error) { return a.e.Open(path) }

func (a extEngine) ReadAt(h any, off uint64, buf []byte) (int, error) {
	return a.e.ReadAt(h.(*extfs.Handle), off, buf)
}

func (a extEngine) Stat(h any) (FileStat, error) {
	st, err := a.e.Stat(h.(*extfs.Handle))
	if err != nil {
		return FileStat{}, err
	}
	return FileStat{Size: st.Size, IsDir: st.IsDir, IsSymlink: st.IsSymlink, Mode: uint32(st.ModeFlags)}, nil
}

func (a extEngine) Mkdir(path string, mode uint32) error { return a.e.Mkdir(path, mode) }
func (a extEngine) Unlink(path string) error              { return a.e.Unlink(path) }
func (a extEngine) Rename(oldPath, newPath string) error  { return a.e.Rename(oldPath, newPath) }
func (a extEngine) FileBase(any) (uint64, bool)           { return 0, false }

type fatEngine struct{ e *fatfs.Engine }

func (a fatEngine) Open(path string) (any, error) { return a.e.Open(path) }

func (a fatEngine) ReadAt(h any, off uint64, buf []byte) (int, error) {
	return a.e.ReadAt(h.(*fatfs.Handle), off, buf)
}

func (a fatEngine) Stat(h any) (FileStat, error) {
	st := a.e.Stat(h.(*fatfs.Handle))
	return FileStat{Size: st.Size, IsDir: st.IsDir}, nil
}

func (a fatEngine) Mkdir(path string, mode uint32) error { return a.e.Mkdir(path, mode) }
func (a fatEngine) Unlink(string) error                  { return errors.ErrNotImplemented }
func (a fatEngine) Rename(oldPath, newPath string) error { return a.e.Rename(oldPath, newPath) }
func (a fatEngine) FileBase(any) (uint64, bool)          { return 0, false }

type initrdEngine struct{ e *initrdfs.Engine }

func (a initrdEngine) Open(path string) (any, error) { return a.e.Open(path) }

func (a initrdEngine) ReadAt(h any, off uint64, buf []byte) (int, error) {
	return a.e.ReadAt(h.(*initrdfs.Handle), off, buf)
}

func (a initrdEngine) Stat(h any) (FileStat, error) {
	st := a.e.Stat(h.(*initrdfs.Handle))
	return FileStat{Size: st.Size, IsDir: st.IsDir, Mode: st.Mode}, nil
}

func (a initrdEngine) Mkdir(path string, mode uint32) error { return a.e.Mkdir(path, mode) }
func (a initrdEngine) Unlink(path string) error             { return a.e.Unlink(path) }
func (a initrdEngine) Rename(oldPath, newPath string) error { return a.e.Rename(oldPath, newPath) }

func (a initrdEngine) FileBase(h any) (uint64, bool) {
	handle := h.(*initrdfs.Handle)
	if handle.IsDir {
		return 0, false
	}
	return handle.Entry.Offset, true
}
