package extfs

import (
	"encoding/binary"

	"github.com/dargueta/kfsd/block"
)

const directPointers = 12

// ResolveBlockMap translates logical block L to a physical block number
// using the classic Ext2/3 indirection scheme (spec section 4.2). A zero
// return means a hole: the caller should treat it as a request for
// block_size zero bytes.
func ResolveBlockMap(conn *block.Connection, p *Profile, inode *Inode, logical uint64) (uint64, error) {
	pointersPerBlock := uint64(p.BlockSize / 4)

	switch {
	case logical < directPointers:
		return uint64(inode.Raw.IBlock[logical]), nil

	case logical < directPointers+pointersPerBlock:
		return resolveIndirect(conn, p, uint64(inode.Raw.IBlock[12]), logical-directPointers, 1, pointersPerBlock)

	case logical < directPointers+pointersPerBlock+pointersPerBlock*pointersPerBlock:
		return resolveIndirect(conn, p, uint64(inode.Raw.IBlock[13]),
			logical-directPointers-pointersPerBlock, 2, pointersPerBlock)

	default:
		offset := logical - directPointers - pointersPerBlock - pointersPerBlock*pointersPerBlock
		return resolveIndirect(conn, p, uint64(inode.Raw.IBlock[14]), offset, 3, pointersPerBlock)
	}
}

// resolveIndirect walks `depth` levels of indirection starting at block
// root, locating the pointer for the given offset within that subtree. A
// zero pointer at any level is a hole and short-circuits to 0.
func resolveIndirect(conn *block.Connection, p *Profile, root uint64, offset uint64, depth int, pointersPerBlock uint64) (uint64, error) {
	if root == 0 {
		return 0, nil
	}

	block := root
	for depth > 0 {
		span := uint64(1)
		for i := 1; i < depth; i++ {
			span *= pointersPerBlock
		}
		index := offset / span
		offset = offset % span

		ptr, err := readBlockPointer(conn, p, block, index)
		if err != nil {
			return 0, err
		}
		if ptr == 0 {
			return 0, nil
		}
		block = ptr
		depth--
	}
	return block, nil
}

func readBlockPointer(conn *block.Connection, p *Profile, blockNum uint64, index uint64) (uint64, error) {
	buf := make([]byte, 4)
	off := blockNum*uint64(p.BlockSize) + index*4
	if _, err := conn.ReadOffset(off, buf); err != nil {
		return 0, err
	}
	return uint64(binary.LittleEndian.Uint32(buf)), nil
}
