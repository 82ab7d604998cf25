package server

// Message protocols, per spec section 6.
const (
	ProtoFilesystem uint32 = 1
	ProtoProcess    uint32 = 2
)

// Filesystem protocol opcodes, per spec section 4.5's opcode table.
const (
	OpOpen uint32 = iota + 1
	OpStatPath
	OpStat
	OpReadSync
	OpClose
	OpSetupIOURing
	OpProcessIOURing
	OpMkdir
	OpUnlink
	OpRename
)

// OpExit is the lone process-protocol opcode the dispatcher answers: it
// ends the message loop.
const OpExit uint32 = 1
