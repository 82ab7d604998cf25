package fatfs

import (
	"encoding/binary"

	"github.com/dargueta/kfsd/block"
	"github.com/dargueta/kfsd/errors"
)

// ClusterID identifies a cluster in the data region; values below 2 are
// reserved per spec section 3.
type ClusterID uint32

const (
	fat16EOCThreshold = 0xFFF8
	fat16BadCluster   = 0xFFF7
	fat32EOCThreshold = 0x0FFFFFF8
	fat32BadCluster   = 0x0FFFFFF7
	fat32Mask         = 0x0FFFFFFF
)

// IsEndOfChain reports whether entry, already normalized to the FAT32
// internal representation used throughout this package, marks chain end.
func IsEndOfChain(entry uint32) bool {
	return entry >= fat32EOCThreshold
}

func isBadCluster(dialect Dialect, entry uint32) bool {
	if dialect == DialectFAT16 {
		return entry == fat16BadCluster
	}
	return entry == fat32Mask&fat32BadCluster
}

// nextCluster fetches and normalizes the FAT entry for cluster c, per spec
// section 4.3's per-dialect entry fetch.
func nextCluster(conn *block.Connection, p *Profile, c ClusterID) (uint32, error) {
	fatByteStart := p.FATStartSector * uint64(p.BytesPerSector)

	switch p.Dialect {
	case DialectFAT16:
		buf := make([]byte, 2)
		if _, err := conn.ReadOffset(fatByteStart+uint64(c)*2, buf); err != nil {
			return 0, err
		}
		v := binary.LittleEndian.Uint16(buf)
		if v >= fat16EOCThreshold {
			return fat32Mask, nil
		}
		if v == fat16BadCluster {
			return fat32Mask & fat16BadCluster, nil
		}
		return uint32(v), nil

	case DialectFAT32:
		buf := make([]byte, 4)
		if _, err := conn.ReadOffset(fatByteStart+uint64(c)*4, buf); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint32(buf) & fat32Mask, nil

	default: // exFAT: full 32 bits, no masking
		buf := make([]byte, 4)
		if _, err := conn.ReadOffset(fatByteStart+uint64(c)*4, buf); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint32(buf), nil
	}
}

// ClusterToSector maps a cluster number to its first absolute sector, per
// spec section 4.3.
func ClusterToSector(p *Profile, c ClusterID) uint64 {
	if c < 2 {
		return p.DataStartSector
	}
	return p.DataStartSector + (uint64(c)-2)*uint64(p.SectorsPerCluster)
}

// Chain walks the cluster chain starting at c, returning every cluster
// visited up to (but not including) the end-of-chain marker.
func Chain(conn *block.Connection, p *Profile, c ClusterID) ([]ClusterID, error) {
	var out []ClusterID
	for {
		out = append(out, c)
		entry, err := nextCluster(conn, p, c)
		if err != nil {
			return nil, err
		}
		if IsEndOfChain(entry) {
			return out, nil
		}
		if isBadCluster(p.Dialect, entry) {
			return nil, errors.ErrIoError.WithMessage("bad cluster in chain")
		}
		c = ClusterID(entry)
	}
}

// clusterAt walks forward `steps` links from first, returning the cluster
// reached. It walks from whatever cluster it is given; Engine's
// resolveClusterIndex passes either the file's first cluster or the
// handle's last-resolved cluster, so sequential reads do not rewind to the
// start of the chain.
func clusterAt(conn *block.Connection, p *Profile, first ClusterID, steps uint64) (ClusterID, error) {
	c := first
	for i := uint64(0); i < steps; i++ {
		entry, err := nextCluster(conn, p, c)
		if err != nil {
			return 0, err
		}
		if IsEndOfChain(entry) {
			return 0, errors.ErrIoError.WithMessage("read past end of cluster chain")
		}
		if isBadCluster(p.Dialect, entry) {
			return 0, errors.ErrIoError.WithMessage("bad cluster in chain")
		}
		c = ClusterID(entry)
	}
	return c, nil
}
