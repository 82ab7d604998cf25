// Package block implements the byte-addressed facade over a block driver
// described in spec section 4.1: alignment to the device's native block
// size, block-aligned read-modify-write, and the zero-copy SHM read path.
package block

import (
	"github.com/boljen/go-bitmap"

	"github.com/dargueta/kfsd/errors"
)

// NativeBlockSize is the device's native block size in bytes. The facade's
// alignment policy always rounds requests out to this boundary before
// talking to the driver.
const NativeBlockSize = 4096

// stagingCache holds a small, bounded window of whole device blocks used
// only to perform the read-modify-write half of WriteBlocks and the
// fill-then-slice half of a misaligned ReadOffset. It is adapted from the
// teacher's drivers/common/blockcache package: a fixed-capacity byte arena
// plus a bitmap recording which slots are loaded, indexed by block number
// modulo capacity: a newly fetched block evicts whatever block occupied its
// slot, with no recency tracking.
type stagingCache struct {
	capacity uint
	loaded   bitmap.Bitmap
	slotOf   map[uint64]uint
	blockOf  []uint64
	data     []byte
}

func newStagingCache(capacity uint) *stagingCache {
	return &stagingCache{
		capacity: capacity,
		loaded:   bitmap.NewSlice(int(capacity)),
		slotOf:   make(map[uint64]uint, capacity),
		blockOf:  make([]uint64, capacity),
		data:     make([]byte, uint64(capacity)*NativeBlockSize),
	}
}

// slice returns the capacity-bounded buffer for blockNum, fetching it with
// fetch if it is not already loaded (or reusing its slot without refetching
// if forceFresh is false and the slot is already loaded for this block).
func (c *stagingCache) slice(blockNum uint64, forceFresh bool, fetch func(dst []byte) error) ([]byte, error) {
	slot, ok := c.slotOf[blockNum]
	if !ok {
		slot = uint(blockNum) % c.capacity
		if c.loaded.Get(int(slot)) {
			delete(c.slotOf, c.blockOf[slot])
		}
		c.slotOf[blockNum] = slot
		c.blockOf[slot] = blockNum
		c.loaded.Set(int(slot), false)
	}

	start := uint64(slot) * NativeBlockSize
	buf := c.data[start : start+NativeBlockSize]

	if forceFresh || !c.loaded.Get(int(slot)) {
		if err := fetch(buf); err != nil {
			return nil, errors.ErrIoError.WrapError(err)
		}
		c.loaded.Set(int(slot), true)
	}
	return buf, nil
}
