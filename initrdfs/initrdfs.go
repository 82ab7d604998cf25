// Package initrdfs implements the read-only initial-ramdisk format: a fixed
// 4096-byte header followed by a flat entry table and concatenated file
// payloads, per spec section 4.4.
package initrdfs

import (
	"encoding/binary"
	"strings"

	"github.com/go-restruct/restruct"
	"github.com/sirupsen/logrus"

	"github.com/dargueta/kfsd/block"
	"github.com/dargueta/kfsd/errors"
)

const headerMagic = 0x99999999
const headerSize = 4096
const entrySize = 48
const entryNameSize = 32

// RawHeader is the fixed 16-byte leading portion of the initrd header.
type RawHeader struct {
	Magic    uint32
	Count    uint32
	Reserved uint64
}

// RawEntry is the 48-byte on-disk entry record. Its u32 fields begin at
// byte 1, an odd offset encoding/binary's field-sequential reader handles
// without issue but that restruct makes explicit: it packs fields back to
// back by their declared width, with no assumption of natural alignment.
type RawEntry struct {
	Type     uint8
	Offset   uint32
	Size     uint32
	Reserved [7]byte
	Name     [entryNameSize]byte
}

// Entry is the decoded form of a RawEntry.
type Entry struct {
	Name   string
	Offset uint64
	Size   uint64
}

// Profile is the Format profile entity of spec section 3 for Initrd: the
// flat list of entries parsed once at mount.
type Profile struct {
	Entries []Entry
}

// Mount reads the fixed header and entry table at device offset 0.
func Mount(conn *block.Connection, log *logrus.Entry) (*Engine, error) {
	raw := make([]byte, headerSize)
	if _, err := conn.ReadOffset(0, raw); err != nil {
		return nil, err
	}

	var hdr RawHeader
	if err := restruct.Unpack(raw[:16], binary.LittleEndian, &hdr); err != nil {
		return nil, errors.ErrDeviceError.WrapError(err)
	}
	if hdr.Magic != headerMagic {
		return nil, errors.ErrDeviceError.WithMessage("initrd header magic mismatch")
	}

	entries := make([]Entry, 0, hdr.Count)
	for i := uint32(0); i < hdr.Count; i++ {
		start := 16 + i*entrySize
		end := start + entrySize
		if int(end) > len(raw) {
			return nil, errors.ErrDeviceError.WithMessage("entry table exceeds header block")
		}

		var raw48 RawEntry
		if err := restruct.Unpack(raw[start:end], binary.LittleEndian, &raw48); err != nil {
			return nil, errors.ErrDeviceError.WrapError(err)
		}

		name := strings.TrimRight(string(raw48.Name[:]), "\x00")
		entries = append(entries, Entry{
			Name:   name,
			Offset: uint64(raw48.Offset),
			Size:   uint64(raw48.Size),
		})
	}

	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithFields(logrus.Fields{"component": "initrdfs", "entries": len(entries)})
	log.Info("mounted initrd volume")

	return &Engine{conn: conn, profile: &Profile{Entries: entries}, log: log}, nil
}
