package extfs

import (
	"github.com/dargueta/kfsd/block"
)

// sectorsPerBlock derives the Ext block-write sector count: block_size/512
// sectors per filesystem block, fed into a facade that itself treats
// sector*512 as an absolute byte offset.
func sectorsPerBlock(p *Profile) uint64 {
	return uint64(p.BlockSize) / 512
}

// Journal is the trivial journal stub of spec section 4.2: transactions
// succeed vacuously and writes are immediately visible. TransactionID 1 is
// the only id ever handed out.
type Journal struct {
	conn *block.Connection
	p    *Profile
}

func NewJournal(conn *block.Connection, p *Profile) *Journal {
	return &Journal{conn: conn, p: p}
}

func (j *Journal) TransactionStart() (uint64, error) { return 1, nil }
func (j *Journal) TransactionCommit(uint64) error     { return nil }
func (j *Journal) TransactionAbort(uint64) error      { return nil }

// LogBlock translates blockNum into a 512-byte LBA and writes through the
// block facade. The transaction id is accepted but unused, since this
// journal has no log to append to -- writes land immediately.
func (j *Journal) LogBlock(_ uint64, blockNum uint64, data []byte) error {
	sector := blockNum * sectorsPerBlock(j.p)
	return j.conn.WriteBlocks(sector, data)
}
