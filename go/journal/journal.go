package journal

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"vexfs/go/errs"
	"vexfs/go/ids"
)

// RecordType enumerates the journal record kinds of spec §4.1.
type RecordType uint8

const (
	RecData RecordType = iota + 1
	RecMetadataDelta
	RecTxBegin
	RecTxPrepare
	RecTxCommit
	RecTxAbort
	RecCheckpoint
)

// Record is a single logical journal entry. Digests is only meaningful on
// RecTxPrepare, carrying each participant's prepare-phase digest.
type Record struct {
	LSN     ids.LSN
	Type    RecordType
	TxID    uuid.UUID
	Payload []byte
	Digests map[ids.ParticipantTag][]byte
}

// state tracks a record's progress through Staged -> Durable -> Observable
// -> Truncatable (§4.1).
type state uint8

const (
	stateStaged state = iota
	stateDurable
	stateObservable
	stateTruncatable
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Config bundles the tunables the journal needs from §6.
type Config struct {
	BatchWindow      time.Duration // default ~1ms group-commit coalescing window
	JournalSizeBlocks uint64
}

func DefaultConfig() Config {
	return Config{BatchWindow: time.Millisecond, JournalSizeBlocks: 1 << 16}
}

type pendingAppend struct {
	rec  Record
	done chan appendResult
}

type appendResult struct {
	lsn ids.LSN
	err error
}

// Journal is the write-ahead log of C2: physical-redo + logical-undo
// journaling with group commit. Appends are coalesced into batches by a
// single background writer; a TxCommit is durable only once its batch's
// barrier has returned.
type Journal struct {
	cfg Config
	dev Device

	mu         sync.Mutex
	nextLSN    ids.LSN
	nextBlock  ids.BlockId
	oldestLive ids.BlockId // oldest block not yet Truncatable; bounds the ring
	wrapped    bool
	states     map[ids.LSN]state
	closed     bool

	appendCh chan pendingAppend
	stopCh   chan struct{}
	doneCh   chan struct{}

	log *log.Entry
}

// Open starts a fresh Journal atop dev with the group-commit writer running.
func Open(dev Device, cfg Config) *Journal {
	var j = &Journal{
		cfg:       cfg,
		dev:       dev,
		nextLSN:   1,
		nextBlock: journalStartBlock,
		states:    make(map[ids.LSN]state),
		appendCh:  make(chan pendingAppend, 1024),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		log:       log.WithField("component", "journal"),
	}
	go j.writer()
	return j
}

// Resume starts a Journal atop dev whose nextLSN/nextBlock cursors are
// restored from a previously durable Superblock, as driven by the
// Recovery Orchestrator (C10) on restart.
func Resume(dev Device, cfg Config, sb Superblock) *Journal {
	var j = Open(dev, cfg)
	j.mu.Lock()
	j.nextLSN = sb.NextLSN
	j.nextBlock = sb.NextBlock
	j.mu.Unlock()
	return j
}

// Snapshot returns the superblock fields this Journal currently owns, for
// the caller to merge into a full Superblock write.
func (j *Journal) Snapshot() (nextLSN ids.LSN, nextBlock ids.BlockId) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextLSN, j.nextBlock
}

// Replay reads every durable batch from the start of the journal ring and
// returns records with LSN >= fromLSN, in LSN order. Replay stops at the
// first batch whose CRC32C does not validate, treating that as the
// logical end of the durable log (an in-progress or torn write). Ring
// wraparound during replay is not modeled: this reference implementation
// assumes recovery runs before the ring has wrapped since its last
// Checkpoint, which TruncateUpto is expected to guarantee in steady state.
func (j *Journal) Replay(fromLSN ids.LSN) ([]Record, error) {
	var blockSize = int(j.dev.BlockSize())
	var out []Record

	var cur = journalStartBlock
	var end = j.nextBlock
	for cur != end {
		var lenBuf, err = j.dev.ReadBlock(cur)
		if err != nil {
			return out, err
		}
		if len(lenBuf) < 4 {
			break
		}
		var bodyLen = binary.LittleEndian.Uint32(lenBuf[:4])
		if bodyLen == 0 {
			break // Unwritten tail of the ring.
		}
		var totalLen = 4 + int(bodyLen) + 4
		var nBlocks = (totalLen + blockSize - 1) / blockSize

		var framed = make([]byte, 0, nBlocks*blockSize)
		framed = append(framed, lenBuf...)
		for i := 1; i < nBlocks; i++ {
			var blk, err = j.dev.ReadBlock(ids.BlockId((uint64(cur) + uint64(i)) % j.cfg.JournalSizeBlocks))
			if err != nil {
				return out, err
			}
			framed = append(framed, blk...)
		}
		if len(framed) < totalLen {
			break
		}
		framed = framed[:totalLen]

		var body = framed[4 : 4+bodyLen]
		var wantCRC = binary.LittleEndian.Uint32(framed[4+bodyLen:])
		if crc32.Checksum(body, castagnoli) != wantCRC {
			j.log.Warn("replay stopped at first invalid batch CRC")
			break
		}

		var recs, decodeErr = decodeBatch(body)
		if decodeErr != nil {
			return out, decodeErr
		}
		for _, r := range recs {
			if r.LSN >= fromLSN {
				out = append(out, r)
			}
		}

		cur = ids.BlockId((uint64(cur) + uint64(nBlocks)) % j.cfg.JournalSizeBlocks)
	}

	return out, nil
}

// Close stops the group-commit writer and closes the underlying device.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	close(j.stopCh)
	<-j.doneCh
	return j.dev.Close()
}

// Append stages rec for the next group-commit batch and blocks until that
// batch either becomes durable or fails. It returns the assigned LSN.
func (j *Journal) Append(rec Record) (ids.LSN, error) {
	var done = make(chan appendResult, 1)
	select {
	case j.appendCh <- pendingAppend{rec: rec, done: done}:
	case <-j.stopCh:
		return 0, errs.New(errs.Unavailable, "journal is closed")
	}
	var res = <-done
	return res.lsn, res.err
}

// FlushThrough blocks until lsn is durable, or returns an error if the
// journal has observed a durability failure for it.
func (j *Journal) FlushThrough(lsn ids.LSN) error {
	for {
		j.mu.Lock()
		var s, ok = j.states[lsn]
		j.mu.Unlock()
		if ok && s >= stateDurable {
			return nil
		}
		if !ok {
			return errs.New(errs.NotFound, "unknown lsn")
		}
		time.Sleep(time.Millisecond)
	}
}

// TruncateUpto marks every record with LSN <= lsn as Truncatable, allowing
// the ring to reclaim their blocks.
func (j *Journal) TruncateUpto(lsn ids.LSN) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for l, s := range j.states {
		if l <= lsn && s == stateObservable {
			j.states[l] = stateTruncatable
		}
	}
}

// writer is the single group-commit goroutine: it coalesces Appends
// arriving within cfg.BatchWindow into one batch, writes it with a
// trailing CRC32C over the whole batch, and issues a barrier before
// acknowledging any of its members.
func (j *Journal) writer() {
	defer close(j.doneCh)

	for {
		var first pendingAppend
		select {
		case first = <-j.appendCh:
		case <-j.stopCh:
			return
		}

		var batch = []pendingAppend{first}
		var timer = time.NewTimer(j.cfg.BatchWindow)
	collect:
		for {
			select {
			case pa := <-j.appendCh:
				batch = append(batch, pa)
			case <-timer.C:
				break collect
			case <-j.stopCh:
				timer.Stop()
				j.failBatch(batch, errs.New(errs.Unavailable, "journal closing"))
				return
			}
		}
		timer.Stop()

		j.commitBatch(batch)
	}
}

func (j *Journal) commitBatch(batch []pendingAppend) {
	j.mu.Lock()
	var lsns = make([]ids.LSN, len(batch))
	for i := range batch {
		lsns[i] = j.nextLSN
		batch[i].rec.LSN = j.nextLSN
		j.states[j.nextLSN] = stateStaged
		j.nextLSN++
	}
	j.mu.Unlock()

	var body bytes.Buffer
	for i := range batch {
		encodeRecord(&body, batch[i].rec)
	}
	var crc = crc32.Checksum(body.Bytes(), castagnoli)

	var framed bytes.Buffer
	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(body.Len()))
	framed.Write(lenPrefix[:])
	framed.Write(body.Bytes())
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	framed.Write(crcBuf[:])

	if err := j.writeRing(framed.Bytes()); err != nil {
		j.failBatch(batch, err)
		return
	}
	if err := j.dev.Barrier(); err != nil {
		j.failBatch(batch, errs.Wrap(errs.Durability, "group commit barrier", err))
		return
	}

	j.mu.Lock()
	for _, lsn := range lsns {
		j.states[lsn] = stateDurable
	}
	j.mu.Unlock()

	for i := range batch {
		j.mu.Lock()
		j.states[lsns[i]] = stateObservable
		j.mu.Unlock()
		batch[i].done <- appendResult{lsn: lsns[i]}
	}
}

func (j *Journal) failBatch(batch []pendingAppend, err error) {
	j.log.WithError(err).Error("group commit batch failed")
	for _, pa := range batch {
		pa.done <- appendResult{err: errs.Wrap(errs.Durability, "journal write failed", err)}
	}
}

// writeRing writes buf across consecutive blocks of dev starting at
// nextBlock, wrapping at cfg.JournalSizeBlocks, refusing to overtake
// oldestLive (a Capacity error -- the ring is full of un-truncated records).
func (j *Journal) writeRing(buf []byte) error {
	var blockSize = int(j.dev.BlockSize())
	var nBlocks = (len(buf) + blockSize - 1) / blockSize

	j.mu.Lock()
	var start = j.nextBlock
	j.mu.Unlock()

	if uint64(nBlocks) >= j.cfg.JournalSizeBlocks {
		return errs.New(errs.Capacity, "batch exceeds journal ring capacity")
	}

	for i := 0; i < nBlocks; i++ {
		var blockID = ids.BlockId((uint64(start) + uint64(i)) % j.cfg.JournalSizeBlocks)
		var chunk = make([]byte, blockSize)
		var off = i * blockSize
		var end = off + blockSize
		if end > len(buf) {
			end = len(buf)
		}
		copy(chunk, buf[off:end])
		if err := j.dev.WriteBlock(blockID, chunk); err != nil {
			return err
		}
	}

	j.mu.Lock()
	j.nextBlock = ids.BlockId((uint64(start) + uint64(nBlocks)) % j.cfg.JournalSizeBlocks)
	j.mu.Unlock()
	return nil
}

func encodeRecord(w *bytes.Buffer, r Record) {
	var lsnBuf [8]byte
	binary.LittleEndian.PutUint64(lsnBuf[:], uint64(r.LSN))
	w.Write(lsnBuf[:])

	w.WriteByte(byte(r.Type))
	var idBytes, _ = r.TxID.MarshalBinary()
	w.Write(idBytes) // always 16 bytes

	var digestCount [2]byte
	binary.LittleEndian.PutUint16(digestCount[:], uint16(len(r.Digests)))
	w.Write(digestCount[:])
	for tag, digest := range r.Digests {
		var tagBytes = []byte(tag)
		var tagLen [2]byte
		binary.LittleEndian.PutUint16(tagLen[:], uint16(len(tagBytes)))
		w.Write(tagLen[:])
		w.Write(tagBytes)
		var dLen [4]byte
		binary.LittleEndian.PutUint32(dLen[:], uint32(len(digest)))
		w.Write(dLen[:])
		w.Write(digest)
	}

	var pLen [4]byte
	binary.LittleEndian.PutUint32(pLen[:], uint32(len(r.Payload)))
	w.Write(pLen[:])
	w.Write(r.Payload)
}

// decodeBatch parses every Record out of a group-commit batch body.
func decodeBatch(body []byte) ([]Record, error) {
	var out []Record
	var off = 0
	for off < len(body) {
		var rec, n, err = decodeRecord(body[off:])
		if err != nil {
			return out, err
		}
		out = append(out, rec)
		off += n
	}
	return out, nil
}

func decodeRecord(buf []byte) (Record, int, error) {
	if len(buf) < 8+1+16+2 {
		return Record{}, 0, errs.New(errs.Protocol, "truncated journal record header")
	}
	var rec Record
	rec.LSN = ids.LSN(binary.LittleEndian.Uint64(buf[0:8]))
	rec.Type = RecordType(buf[8])
	var off = 9
	if err := rec.TxID.UnmarshalBinary(buf[off : off+16]); err != nil {
		return Record{}, 0, errs.Wrap(errs.Protocol, "bad tx id in journal record", err)
	}
	off += 16

	var digestCount = int(binary.LittleEndian.Uint16(buf[off : off+2]))
	off += 2
	if digestCount > 0 {
		rec.Digests = make(map[ids.ParticipantTag][]byte, digestCount)
	}
	for i := 0; i < digestCount; i++ {
		if off+2 > len(buf) {
			return Record{}, 0, errs.New(errs.Protocol, "truncated digest tag length")
		}
		var tagLen = int(binary.LittleEndian.Uint16(buf[off : off+2]))
		off += 2
		if off+tagLen > len(buf) {
			return Record{}, 0, errs.New(errs.Protocol, "truncated digest tag")
		}
		var tag = ids.ParticipantTag(buf[off : off+tagLen])
		off += tagLen
		if off+4 > len(buf) {
			return Record{}, 0, errs.New(errs.Protocol, "truncated digest length")
		}
		var dLen = int(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		if off+dLen > len(buf) {
			return Record{}, 0, errs.New(errs.Protocol, "truncated digest value")
		}
		rec.Digests[tag] = append([]byte(nil), buf[off:off+dLen]...)
		off += dLen
	}

	if off+4 > len(buf) {
		return Record{}, 0, errs.New(errs.Protocol, "truncated payload length")
	}
	var pLen = int(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	if off+pLen > len(buf) {
		return Record{}, 0, errs.New(errs.Protocol, "truncated payload")
	}
	rec.Payload = append([]byte(nil), buf[off:off+pLen]...)
	off += pLen

	return rec, off, nil
}
