package journal

import (
	"bytes"
	"encoding/binary"

	"vexfs/go/errs"
	"vexfs/go/ids"
)

// Magic identifies a VexFS on-disk volume (§6 on-disk layout).
const Magic uint32 = 0x56455846 // "VEXF"

// MajorVersion is bumped on incompatible on-disk format changes. Readers
// must reject an unknown major version; unknown minor fields are
// tolerated, per §6.
const MajorVersion uint16 = 1
const MinorVersion uint16 = 0

// superblockBlockID is the fixed location of the superblock (§6): block 0.
const superblockBlockID ids.BlockId = 0

// journalStartBlock is the first block of the journal ring; block 0 is
// reserved for the superblock.
const journalStartBlock ids.BlockId = 1

// Superblock is the fixed-location header of a VexFS volume.
type Superblock struct {
	Magic          uint32
	MajorVersion   uint16
	MinorVersion   uint16
	BlockSize      uint32
	JournalBlocks  uint64
	CheckpointLSN  ids.LSN
	RootInode      ids.InodeId
	NextLSN        ids.LSN
	NextBlock      ids.BlockId
}

// WriteSuperblock persists sb to block 0 of dev.
func WriteSuperblock(dev Device, sb Superblock) error {
	var buf = make([]byte, dev.BlockSize())
	var w = bytes.NewBuffer(buf[:0])

	binary.Write(w, binary.LittleEndian, sb.Magic)
	binary.Write(w, binary.LittleEndian, sb.MajorVersion)
	binary.Write(w, binary.LittleEndian, sb.MinorVersion)
	binary.Write(w, binary.LittleEndian, sb.BlockSize)
	binary.Write(w, binary.LittleEndian, sb.JournalBlocks)
	binary.Write(w, binary.LittleEndian, uint64(sb.CheckpointLSN))
	binary.Write(w, binary.LittleEndian, uint64(sb.RootInode))
	binary.Write(w, binary.LittleEndian, uint64(sb.NextLSN))
	binary.Write(w, binary.LittleEndian, uint64(sb.NextBlock))

	return dev.WriteBlock(superblockBlockID, buf[:dev.BlockSize()])
}

// ReadSuperblock reads and validates the superblock at block 0 of dev.
// An unknown major version is a Protocol error; unknown trailing bytes
// (future minor fields) are ignored.
func ReadSuperblock(dev Device) (Superblock, error) {
	var buf, err = dev.ReadBlock(superblockBlockID)
	if err != nil {
		return Superblock{}, err
	}
	var r = bytes.NewReader(buf)

	var sb Superblock
	binary.Read(r, binary.LittleEndian, &sb.Magic)
	if sb.Magic != Magic {
		return Superblock{}, errs.New(errs.Protocol, "not a VexFS volume (bad magic)")
	}
	binary.Read(r, binary.LittleEndian, &sb.MajorVersion)
	binary.Read(r, binary.LittleEndian, &sb.MinorVersion)
	if sb.MajorVersion != MajorVersion {
		return Superblock{}, errs.New(errs.Protocol, "unsupported major version")
	}
	binary.Read(r, binary.LittleEndian, &sb.BlockSize)
	binary.Read(r, binary.LittleEndian, &sb.JournalBlocks)
	var ckpt, root, nextLSN, nextBlock uint64
	binary.Read(r, binary.LittleEndian, &ckpt)
	binary.Read(r, binary.LittleEndian, &root)
	binary.Read(r, binary.LittleEndian, &nextLSN)
	binary.Read(r, binary.LittleEndian, &nextBlock)
	sb.CheckpointLSN = ids.LSN(ckpt)
	sb.RootInode = ids.InodeId(root)
	sb.NextLSN = ids.LSN(nextLSN)
	sb.NextBlock = ids.BlockId(nextBlock)

	return sb, nil
}
