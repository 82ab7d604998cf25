package extfs

import (
	"bytes"
	"encoding/binary"

	"github.com/dargueta/kfsd/block"
	"github.com/dargueta/kfsd/errors"
)

const rootInodeNumber = 2

const (
	modeTypeMask = 0xF000
	modeDir      = 0x4000
	modeSymlink  = 0xA000
)

const extentsFlag = 0x80000

// RawInode is the fixed 128-byte on-disk Ext inode record. IBlock is the
// 60-byte area reinterpreted as either block-map pointers or an extent
// tree, per spec section 3.
type RawInode struct {
	Mode        uint16
	UID         uint16
	SizeLo      uint32
	Atime       uint32
	Ctime       uint32
	Mtime       uint32
	Dtime       uint32
	GID         uint16
	LinksCount  uint16
	BlocksLo    uint32
	Flags       uint32
	OSD1        uint32
	IBlock      [15]uint32
	Generation  uint32
	FileACLLo   uint32
	SizeHigh    uint32
	FAddr       uint32
	OSD2        [12]byte
}

// Inode is the decoded Open handle locator for Ext: a copy of the record
// plus the information needed to translate logical blocks.
type Inode struct {
	Number uint32
	Raw    RawInode
}

func (i *Inode) IsDir() bool     { return i.Raw.Mode&modeTypeMask == modeDir }
func (i *Inode) IsSymlink() bool { return i.Raw.Mode&modeTypeMask == modeSymlink }
func (i *Inode) HasExtents() bool {
	return i.Raw.Flags&extentsFlag != 0
}

func (i *Inode) Size() uint64 {
	return uint64(i.Raw.SizeHigh)<<32 | uint64(i.Raw.SizeLo)
}

// inodeOffset computes the byte offset of inode ino's on-disk record, per
// spec section 4.2.
func inodeOffset(conn *block.Connection, p *Profile, ino uint32) (uint64, error) {
	if ino < 1 {
		return 0, errors.ErrInvalidArgs.WithMessage("inode numbers start at 1")
	}
	group := (ino - 1) / p.InodesPerGroup
	index := (ino - 1) % p.InodesPerGroup

	desc, err := readGroupDescriptor(conn, p, group)
	if err != nil {
		return 0, err
	}

	tableStart := desc.InodeTableBlock * uint64(p.BlockSize)
	return tableStart + uint64(index)*uint64(p.InodeSize), nil
}

// ReadInode decodes inode number ino.
func ReadInode(conn *block.Connection, p *Profile, ino uint32) (*Inode, error) {
	off, err := inodeOffset(conn, p, ino)
	if err != nil {
		return nil, err
	}

	raw := make([]byte, 128)
	if _, err := conn.ReadOffset(off, raw); err != nil {
		return nil, err
	}

	var decoded RawInode
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &decoded); err != nil {
		return nil, errors.ErrDeviceError.WrapError(err)
	}

	return &Inode{Number: ino, Raw: decoded}, nil
}
