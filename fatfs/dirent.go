package fatfs

import (
	"strings"

	"github.com/dargueta/kfsd/block"
	"github.com/dargueta/kfsd/errors"
)

const direntSize = 32

const (
	direntFreeMarker    = 0x00
	direntDeletedMarker = 0xE5
	attrVolumeID        = 0x08
	attrDirectory       = 0x10
	attrLFNMask         = 0x3F
	attrLFN             = 0x0F
)

// RawDirent is the 32-byte short directory entry of spec section 3.
type RawDirent struct {
	Name             [8]byte
	Ext              [3]byte
	Attr             uint8
	_reserved        [8]byte
	FirstClusterHigh uint16
	_time            [4]byte
	FirstClusterLow  uint16
	FileSize         uint32
}

// normalize8Dot3 converts a user-supplied name into the padded, upper-cased
// 11-byte short-name form, per spec section 4.3. Names whose base or
// extension exceed the allotted length never match anything.
func normalize8Dot3(name string) ([11]byte, bool) {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}

	base := name
	ext := ""
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		base = name[:idx]
		ext = name[idx+1:]
	}
	if len(base) > 8 || len(ext) > 3 {
		return out, false
	}

	copy(out[0:8], strings.ToUpper(base))
	copy(out[8:11], strings.ToUpper(ext))
	return out, true
}

func parseDirent(raw []byte) RawDirent {
	var d RawDirent
	copy(d.Name[:], raw[0:8])
	copy(d.Ext[:], raw[8:11])
	d.Attr = raw[11]
	d.FirstClusterHigh = uint16(raw[20]) | uint16(raw[21])<<8
	d.FirstClusterLow = uint16(raw[26]) | uint16(raw[27])<<8
	d.FileSize = uint32(raw[28]) | uint32(raw[29])<<8 | uint32(raw[30])<<16 | uint32(raw[31])<<24
	return d
}

func (d RawDirent) FirstCluster() ClusterID {
	return ClusterID(uint32(d.FirstClusterHigh)<<16 | uint32(d.FirstClusterLow))
}

func (d RawDirent) IsDirectory() bool { return d.Attr&attrDirectory != 0 }

// readRootRegion returns the raw bytes of the root directory, handling both
// a fixed sector region (FAT16) and a cluster chain root (FAT32/exFAT).
func readRootRegion(conn *block.Connection, p *Profile) ([]byte, error) {
	if !p.Root.IsClusterRooted {
		size := p.Root.SectorCount * uint64(p.BytesPerSector)
		buf := make([]byte, size)
		off := p.Root.FirstSector * uint64(p.BytesPerSector)
		if _, err := conn.ReadOffset(off, buf); err != nil {
			return nil, err
		}
		return buf, nil
	}
	return readClusterChainBytes(conn, p, ClusterID(p.Root.FirstCluster))
}

func readClusterChainBytes(conn *block.Connection, p *Profile, first ClusterID) ([]byte, error) {
	chain, err := Chain(conn, p, first)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, uint64(len(chain))*p.BytesPerCluster())
	for _, c := range chain {
		buf := make([]byte, p.BytesPerCluster())
		off := ClusterToSector(p, c) * uint64(p.BytesPerSector)
		if _, err := conn.ReadOffset(off, buf); err != nil {
			return nil, err
		}
		out = append(out, buf...)
	}
	return out, nil
}

// DirEntry is the resolved result of a directory scan.
type DirEntry struct {
	Raw          RawDirent
	FirstCluster ClusterID
	Size         uint64
	IsDir        bool
}

// lookupInDirBytes scans dirBytes for an entry matching name, per spec
// section 4.3's scan rules: 0x00 ends the directory, 0xE5 is deleted, LFN
// and volume-ID entries are skipped.
func lookupInDirBytes(dirBytes []byte, name string) (DirEntry, error) {
	target, ok := normalize8Dot3(name)
	if !ok {
		return DirEntry{}, errors.ErrNotFound
	}

	for off := 0; off+direntSize <= len(dirBytes); off += direntSize {
		raw := dirBytes[off : off+direntSize]
		first := raw[0]
		if first == direntFreeMarker {
			break
		}
		if first == direntDeletedMarker {
			continue
		}
		attr := raw[11]
		if attr&attrLFNMask == attrLFN {
			continue
		}
		if attr&attrVolumeID != 0 {
			continue
		}

		var nameBuf [11]byte
		copy(nameBuf[:], raw[0:11])
		if nameBuf != target {
			continue
		}

		d := parseDirent(raw)
		return DirEntry{
			Raw:          d,
			FirstCluster: d.FirstCluster(),
			Size:         uint64(d.FileSize),
			IsDir:        d.IsDirectory(),
		}, nil
	}

	return DirEntry{}, errors.ErrNotFound
}

// Resolve walks path from the root, per spec section 4.3's path lookup.
func Resolve(conn *block.Connection, p *Profile, path string) (DirEntry, error) {
	components := splitPath(path)
	if len(components) == 0 {
		return DirEntry{IsDir: true, FirstCluster: ClusterID(p.Root.FirstCluster)}, nil
	}

	dirBytes, err := readRootRegion(conn, p)
	if err != nil {
		return DirEntry{}, err
	}

	var entry DirEntry
	for i, component := range components {
		entry, err = lookupInDirBytes(dirBytes, component)
		if err != nil {
			return DirEntry{}, err
		}

		if i < len(components)-1 {
			if !entry.IsDir {
				return DirEntry{}, errors.ErrInvalidArgs.WithMessage("not a directory: " + component)
			}
			dirBytes, err = readClusterChainBytes(conn, p, entry.FirstCluster)
			if err != nil {
				return DirEntry{}, err
			}
		}
	}

	return entry, nil
}

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
