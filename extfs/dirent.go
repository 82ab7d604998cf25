package extfs

import (
	"strings"

	"github.com/dargueta/kfsd/block"
	"github.com/dargueta/kfsd/errors"
)

// rawDirentHeader is the fixed part of a packed directory record; Name
// follows immediately for NameLen bytes.
type rawDirentHeader struct {
	Inode    uint32
	RecLen   uint16
	NameLen  uint8
	FileType uint8
}

const rawDirentHeaderSize = 8

// ReadLogicalBlock returns the block_size bytes at logical block `logical`
// of inode, translating through the extent tree or the classic block map
// depending on the EXTENTS flag. A hole (physical block 0) yields a
// zero-filled range, per spec sections 4.2 and 8.
func ReadLogicalBlock(conn *block.Connection, p *Profile, inode *Inode, logical uint64) ([]byte, error) {
	var physical uint64
	var err error

	if inode.HasExtents() {
		physical, err = ResolveExtent(conn, p, inode, logical)
	} else {
		physical, err = ResolveBlockMap(conn, p, inode, logical)
	}
	if err != nil {
		return nil, err
	}

	buf := make([]byte, p.BlockSize)
	if physical == 0 {
		return buf, nil // sparse hole
	}
	if _, err := conn.ReadOffset(physical*uint64(p.BlockSize), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// lookupInDir scans every block of the directory inode `dir` for an entry
// named `name`, comparing raw bytes per spec section 4.2.
func lookupInDir(conn *block.Connection, p *Profile, dir *Inode, name string) (uint32, error) {
	numBlocks := (dir.Size() + uint64(p.BlockSize) - 1) / uint64(p.BlockSize)
	nameBytes := []byte(name)

	for logical := uint64(0); logical < numBlocks; logical++ {
		blockData, err := ReadLogicalBlock(conn, p, dir, logical)
		if err != nil {
			return 0, err
		}

		pos := 0
		for pos+rawDirentHeaderSize <= len(blockData) {
			inodeNum := leUint32(blockData[pos:])
			recLen := leUint16(blockData[pos+4:])
			nameLen := blockData[pos+6]

			if recLen == 0 {
				break // end of block
			}
			if inodeNum != 0 {
				entryName := blockData[pos+rawDirentHeaderSize : pos+rawDirentHeaderSize+int(nameLen)]
				if bytesEqual(entryName, nameBytes) {
					return inodeNum, nil
				}
			}
			pos += int(recLen)
		}
	}

	return 0, errors.ErrNotFound
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leUint16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// splitPath splits a path on '/', dropping empty segments and "." per spec
// section 4.2's path resolution idempotence law.
func splitPath(path string) []string {
	var out []string
	for _, part := range strings.Split(path, "/") {
		if part == "" || part == "." {
			continue
		}
		out = append(out, part)
	}
	return out
}

// Resolve walks path starting at the root inode (2), returning the
// resolved inode.
func Resolve(conn *block.Connection, p *Profile, path string) (*Inode, error) {
	current, err := ReadInode(conn, p, rootInodeNumber)
	if err != nil {
		return nil, err
	}

	for _, component := range splitPath(path) {
		if !current.IsDir() {
			return nil, errors.ErrInvalidArgs.WithMessage("not a directory: " + component)
		}
		ino, err := lookupInDir(conn, p, current, component)
		if err != nil {
			return nil, err
		}
		current, err = ReadInode(conn, p, ino)
		if err != nil {
			return nil, err
		}
	}

	return current, nil
}
