package fatfs

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"
	"github.com/google/uuid"

	"github.com/dargueta/kfsd/errors"
)

// rawExFATHeader is the exFAT boot sector header, decoded with restruct
// because several of its fields (the two shift counts in particular) are
// only meaningful combined with bit arithmetic the caller performs
// immediately after unpacking -- restruct's tag-driven decoding keeps this
// struct a direct, checkable transcription of the on-disk layout.
type rawExFATHeader struct {
	JumpBoot                    [3]byte
	FileSystemName              [8]byte
	MustBeZero                  [53]byte
	PartitionOffset             uint64
	VolumeLength                uint64
	FatOffset                   uint32
	FatLength                   uint32
	ClusterHeapOffset           uint32
	ClusterCount                uint32
	FirstClusterOfRootDirectory uint32
	VolumeSerialNumber          uint32
	FileSystemRevision          uint16
	VolumeFlags                 uint16
	BytesPerSectorShift         uint8
	SectorsPerClusterShift      uint8
	NumberOfFats                uint8
	DriveSelect                 uint8
	PercentInUse                uint8
}

func detectExFATProfile(raw []byte) (*Profile, error) {
	var hdr rawExFATHeader
	if err := restruct.Unpack(raw, binary.LittleEndian, &hdr); err != nil {
		return nil, errors.ErrDeviceError.WrapError(err)
	}

	bytesPerSector := uint32(1) << hdr.BytesPerSectorShift
	sectorsPerCluster := uint32(1) << hdr.SectorsPerClusterShift

	return &Profile{
		Dialect:           DialectExFAT,
		BytesPerSector:    bytesPerSector,
		SectorsPerCluster: sectorsPerCluster,
		FATStartSector:    uint64(hdr.FatOffset),
		FATSizeSectors:    uint64(hdr.FatLength),
		NumFATs:           uint32(hdr.NumberOfFats),
		DataStartSector:   uint64(hdr.ClusterHeapOffset),
		TotalClusters:     uint64(hdr.ClusterCount),
		Root: RootLocation{
			IsClusterRooted: true,
			FirstCluster:    hdr.FirstClusterOfRootDirectory,
		},
		VolumeID: exfatSerialToUUID(hdr.VolumeSerialNumber),
	}, nil
}

// exfatSerialToUUID synthesizes a stable, displayable identifier from the
// 32-bit exFAT volume serial number. exFAT has no true GUID field; this
// fills Profile.VolumeID using the same UUID type a real GPT-partitioned
// volume's identifier would carry.
func exfatSerialToUUID(serial uint32) string {
	var b [16]byte
	binary.BigEndian.PutUint32(b[:4], serial)
	id, err := uuid.FromBytes(b[:])
	if err != nil {
		return ""
	}
	return id.String()
}
