// Package fatfs implements the on-disk decoding and path-resolution logic
// for the FAT12/16/32/exFAT family: BPB parsing, dialect selection,
// cluster-chain walking, and 8.3 directory matching, per spec section 4.3.
package fatfs

import (
	"bytes"
	"encoding/binary"

	"github.com/dargueta/kfsd/block"
	"github.com/dargueta/kfsd/errors"
)

// RawBPB is the portion of the DOS boot sector common to FAT12/16/32,
// decoded field-by-field in on-disk order.
type RawBPB struct {
	JmpBoot         [3]byte
	OEMName         [8]byte
	BytesPerSector  uint16
	SecPerClus      uint8
	RsvdSecCnt      uint16
	NumFATs         uint8
	RootEntCnt      uint16
	TotSec16        uint16
	Media           uint8
	FATSz16         uint16
	SecPerTrk       uint16
	NumHeads        uint16
	HiddSec         uint32
	TotSec32        uint32
	// FAT32-only extension; ignored for FAT16.
	FATSz32     uint32
	ExtFlags    uint16
	FSVer       uint16
	RootClus    uint32
	FSInfo      uint16
	BkBootSec   uint16
	Reserved12  [12]byte
}

// Dialect identifies the selected FAT flavor.
type Dialect int

const (
	DialectFAT16 Dialect = iota
	DialectFAT32
	DialectExFAT
)

func (d Dialect) String() string {
	switch d {
	case DialectFAT16:
		return "fat16"
	case DialectFAT32:
		return "fat32"
	case DialectExFAT:
		return "exfat"
	default:
		return "unknown"
	}
}

// RootLocation describes where the root directory lives: either a fixed
// sector region (FAT16) or a cluster chain root (FAT32/exFAT).
type RootLocation struct {
	IsClusterRooted bool
	FirstSector     uint64
	SectorCount     uint64
	FirstCluster    uint32
}

// Profile is the Format profile entity of spec section 3 for FAT.
type Profile struct {
	Dialect           Dialect
	BytesPerSector    uint32
	SectorsPerCluster uint32
	FATStartSector    uint64
	FATSizeSectors    uint64
	NumFATs           uint32
	DataStartSector   uint64
	Root              RootLocation
	TotalClusters     uint64
	VolumeID          string // exFAT only: UUID string built from the volume serial number
}

func (p *Profile) BytesPerCluster() uint64 {
	return uint64(p.BytesPerSector) * uint64(p.SectorsPerCluster)
}

const exfatOEMSignature = "EXFAT   "

// SelectDialect is the pure function of (OEM name, count_of_clusters)
// spec section 8's "FAT dialect selection" law is stated against: an
// EXFAT OEM name wins outright, otherwise the cluster count alone decides
// FAT16 vs FAT32 (FAT12 is treated as FAT16 for parsing, per spec section
// 3).
func SelectDialect(oemName string, clusterCount uint64) Dialect {
	if oemName == exfatOEMSignature {
		return DialectExFAT
	}
	if clusterCount < 65525 {
		return DialectFAT16
	}
	return DialectFAT32
}

// DetectProfile reads the first 512 bytes of the volume and selects a
// dialect per spec section 4.3.
func DetectProfile(conn *block.Connection) (*Profile, error) {
	raw := make([]byte, 512)
	if _, err := conn.ReadOffset(0, raw); err != nil {
		return nil, err
	}

	if string(raw[3:11]) == exfatOEMSignature {
		return detectExFATProfile(raw)
	}
	return detectDOSProfile(raw)
}

func detectDOSProfile(raw []byte) (*Profile, error) {
	var bpb RawBPB
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &bpb); err != nil {
		return nil, errors.ErrDeviceError.WrapError(err)
	}

	bytesPerSector := uint32(bpb.BytesPerSector)
	if bytesPerSector == 0 {
		bytesPerSector = 512
	}

	fatSize := uint64(bpb.FATSz16)
	if fatSize == 0 {
		fatSize = uint64(bpb.FATSz32)
	}

	totSec := uint64(bpb.TotSec16)
	if totSec == 0 {
		totSec = uint64(bpb.TotSec32)
	}

	rootSecs := (uint64(bpb.RootEntCnt)*32 + uint64(bytesPerSector) - 1) / uint64(bytesPerSector)
	fatStartSector := uint64(bpb.RsvdSecCnt)
	fatRegionSecs := uint64(bpb.NumFATs) * fatSize
	dataStartSector := fatStartSector + fatRegionSecs + rootSecs
	dataSecs := totSec - dataStartSector

	secPerClus := uint64(bpb.SecPerClus)
	if secPerClus == 0 {
		secPerClus = 1
	}
	clusters := dataSecs / secPerClus

	profile := &Profile{
		BytesPerSector:    bytesPerSector,
		SectorsPerCluster: uint32(secPerClus),
		FATStartSector:    fatStartSector,
		FATSizeSectors:    fatSize,
		NumFATs:           uint32(bpb.NumFATs),
		DataStartSector:   dataStartSector,
		TotalClusters:     clusters,
	}

	profile.Dialect = SelectDialect(string(bpb.OEMName[:]), clusters)
	if profile.Dialect == DialectFAT16 {
		profile.Root = RootLocation{
			IsClusterRooted: false,
			FirstSector:     fatStartSector + fatRegionSecs,
			SectorCount:     rootSecs,
		}
	} else {
		profile.Dialect = DialectFAT32
		profile.Root = RootLocation{
			IsClusterRooted: true,
			FirstCluster:    bpb.RootClus,
		}
	}

	return profile, nil
}
