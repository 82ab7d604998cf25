package extfs

import (
	"bytes"
	"encoding/binary"

	"github.com/dargueta/kfsd/block"
	"github.com/dargueta/kfsd/errors"
)

// ExtentNodeMagic is the required magic of every extent-tree header, at the
// root (inside the inode) and at every internal/leaf block read from disk.
const ExtentNodeMagic = 0xF30A

type extentHeader struct {
	Magic      uint16
	Entries    uint16
	Max        uint16
	Depth      uint16
	Generation uint32
}

type extentLeaf struct {
	Block   uint32 // logical first block
	Len     uint16
	StartHi uint16
	StartLo uint32
}

type extentIndex struct {
	Block   uint32 // logical first block covered by this child
	LeafLo  uint32
	LeafHi  uint16
	Unused  uint16
}

func (e extentLeaf) physicalStart() uint64 {
	return uint64(e.StartHi)<<32 | uint64(e.StartLo)
}

func (e extentIndex) childBlock() uint64 {
	return uint64(e.LeafHi)<<32 | uint64(e.LeafLo)
}

// ResolveExtent translates logical block L to a physical block number by
// walking the Ext4 extent tree rooted in the inode's i_block area, per spec
// section 4.2. A zero return means a hole.
func ResolveExtent(conn *block.Connection, p *Profile, inode *Inode, logical uint64) (uint64, error) {
	rootBytes := make([]byte, 60)
	for i, word := range inode.Raw.IBlock {
		binary.LittleEndian.PutUint32(rootBytes[i*4:], word)
	}
	return walkExtentNode(conn, p, rootBytes, logical)
}

func walkExtentNode(conn *block.Connection, p *Profile, nodeBytes []byte, logical uint64) (uint64, error) {
	r := bytes.NewReader(nodeBytes)
	var hdr extentHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return 0, errors.ErrDeviceError.WrapError(err)
	}
	if hdr.Magic != ExtentNodeMagic {
		return 0, errors.ErrDeviceError.WithMessage("extent node magic mismatch")
	}

	if hdr.Depth == 0 {
		for i := uint16(0); i < hdr.Entries; i++ {
			var leaf extentLeaf
			if err := binary.Read(r, binary.LittleEndian, &leaf); err != nil {
				return 0, errors.ErrDeviceError.WrapError(err)
			}
			first := uint64(leaf.Block)
			length := uint64(leaf.Len)
			if logical >= first && logical < first+length {
				return leaf.physicalStart() + (logical - first), nil
			}
		}
		return 0, nil // hole
	}

	var chosen *extentIndex
	for i := uint16(0); i < hdr.Entries; i++ {
		var idx extentIndex
		if err := binary.Read(r, binary.LittleEndian, &idx); err != nil {
			return 0, errors.ErrDeviceError.WrapError(err)
		}
		if uint64(idx.Block) <= logical {
			c := idx
			chosen = &c
		} else {
			break
		}
	}
	if chosen == nil {
		return 0, nil // hole: logical precedes the first index entry
	}
	if chosen.childBlock() == 0 {
		return 0, nil
	}

	childBytes := make([]byte, p.BlockSize)
	if _, err := conn.ReadOffset(chosen.childBlock()*uint64(p.BlockSize), childBytes); err != nil {
		return 0, err
	}
	return walkExtentNode(conn, p, childBytes, logical)
}
