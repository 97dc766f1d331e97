// Package wire implements the §6 on-disk and boundary-stream wire
// formats: length-prefixed, CRC32C-checked binary records. CRC32C is
// mandated by name in the specification (not a pluggable hashing
// concern substitutable by one of the pack's libraries), so it is
// implemented directly against the standard library's
// hash/crc32.Castagnoli table rather than through a third-party hashing
// package.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sort"

	"vexfs/go/errs"
	"vexfs/go/ids"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// EventKind partitions SemanticEvents as in spec §3.1.
type EventKind uint8

const (
	KindFilesystem EventKind = iota + 1
	KindVector
	KindGraph
	KindAgent
	KindSystem
)

// Boundary is the wire encoding of ids.BoundaryTag.
type Boundary uint8

const (
	BoundaryKernel Boundary = iota + 1
	BoundaryUserspace
	BoundaryAgent
)

var boundaryToTag = map[Boundary]ids.BoundaryTag{
	BoundaryKernel:    ids.BoundaryKernel,
	BoundaryUserspace: ids.BoundaryUserspace,
	BoundaryAgent:     ids.BoundaryAgent,
}

var tagToBoundary = map[ids.BoundaryTag]Boundary{
	ids.BoundaryKernel:    BoundaryKernel,
	ids.BoundaryUserspace: BoundaryUserspace,
	ids.BoundaryAgent:     BoundaryAgent,
}

// TagBoundary returns the wire Boundary code for a BoundaryTag, or 0 if unknown.
func TagBoundary(t ids.BoundaryTag) Boundary { return tagToBoundary[t] }

// BoundaryTag returns the BoundaryTag for a wire Boundary code.
func (b Boundary) BoundaryTag() ids.BoundaryTag { return boundaryToTag[b] }

// EventRecord is the in-memory form of the §6 boundary-stream wire record.
type EventRecord struct {
	GlobalSeq uint64
	Lamport   uint64
	VClock    map[uint16]uint64 // node-tag code -> counter
	Kind      EventKind
	Boundary  Boundary
	Payload   []byte
	Metadata  []byte
}

// Encode writes the length-prefixed, CRC32C-trailed wire form of r to w.
func Encode(w io.Writer, r *EventRecord) error {
	var body bytes.Buffer

	var hdr [18]byte
	binary.LittleEndian.PutUint64(hdr[0:8], r.GlobalSeq)
	binary.LittleEndian.PutUint64(hdr[8:16], r.Lamport)
	binary.LittleEndian.PutUint16(hdr[16:18], uint16(len(r.VClock)))
	body.Write(hdr[:])

	// Tags are written in ascending order so that two encodes of the same
	// logical record are byte-identical regardless of Go's randomized map
	// iteration order (required by the §8 round-trip property).
	var tags = make([]uint16, 0, len(r.VClock))
	for tag := range r.VClock {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	for _, tag := range tags {
		var kv [10]byte
		binary.LittleEndian.PutUint16(kv[0:2], tag)
		binary.LittleEndian.PutUint64(kv[2:10], r.VClock[tag])
		body.Write(kv[:])
	}

	body.WriteByte(byte(r.Kind))
	body.WriteByte(byte(r.Boundary))

	var plen [4]byte
	binary.LittleEndian.PutUint32(plen[:], uint32(len(r.Payload)))
	body.Write(plen[:])
	body.Write(r.Payload)

	var mlen [4]byte
	binary.LittleEndian.PutUint32(mlen[:], uint32(len(r.Metadata)))
	body.Write(mlen[:])
	body.Write(r.Metadata)

	var crc = crc32.Checksum(body.Bytes(), castagnoli)

	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(body.Len()+4))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return errs.Wrap(errs.Durability, "write record length prefix", err)
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return errs.Wrap(errs.Durability, "write record body", err)
	}
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	if _, err := w.Write(crcBuf[:]); err != nil {
		return errs.Wrap(errs.Durability, "write record crc", err)
	}
	return nil
}

// Decode reads one length-prefixed record from r and validates its CRC32C.
func Decode(r io.Reader) (*EventRecord, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return nil, err // io.EOF propagates to callers as end-of-stream.
	}
	var total = binary.LittleEndian.Uint32(lenPrefix[:])
	if total < 4 {
		return nil, errs.New(errs.Protocol, "record length prefix too small")
	}

	var buf = make([]byte, total)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errs.Wrap(errs.Protocol, "short read of record body", err)
	}

	var body = buf[:len(buf)-4]
	var wantCRC = binary.LittleEndian.Uint32(buf[len(buf)-4:])
	var gotCRC = crc32.Checksum(body, castagnoli)
	if gotCRC != wantCRC {
		return nil, errs.New(errs.Corruption, fmt.Sprintf("crc32c mismatch: got %x want %x", gotCRC, wantCRC))
	}

	if len(body) < 18 {
		return nil, errs.New(errs.Protocol, "record header truncated")
	}
	var rec EventRecord
	rec.GlobalSeq = binary.LittleEndian.Uint64(body[0:8])
	rec.Lamport = binary.LittleEndian.Uint64(body[8:16])
	var vclockLen = int(binary.LittleEndian.Uint16(body[16:18]))

	var off = 18
	rec.VClock = make(map[uint16]uint64, vclockLen)
	for i := 0; i < vclockLen; i++ {
		if off+10 > len(body) {
			return nil, errs.New(errs.Protocol, "vclock entry truncated")
		}
		var tag = binary.LittleEndian.Uint16(body[off : off+2])
		var v = binary.LittleEndian.Uint64(body[off+2 : off+10])
		rec.VClock[tag] = v
		off += 10
	}

	if off+2 > len(body) {
		return nil, errs.New(errs.Protocol, "record kind/boundary truncated")
	}
	rec.Kind = EventKind(body[off])
	rec.Boundary = Boundary(body[off+1])
	off += 2

	if off+4 > len(body) {
		return nil, errs.New(errs.Protocol, "payload length truncated")
	}
	var plen = int(binary.LittleEndian.Uint32(body[off : off+4]))
	off += 4
	if off+plen > len(body) {
		return nil, errs.New(errs.Protocol, "payload truncated")
	}
	rec.Payload = append([]byte(nil), body[off:off+plen]...)
	off += plen

	if off+4 > len(body) {
		return nil, errs.New(errs.Protocol, "metadata length truncated")
	}
	var mlen = int(binary.LittleEndian.Uint32(body[off : off+4]))
	off += 4
	if off+mlen > len(body) {
		return nil, errs.New(errs.Protocol, "metadata truncated")
	}
	rec.Metadata = append([]byte(nil), body[off:off+mlen]...)

	return &rec, nil
}

// Ack is the §6 stream acknowledgement: {stream_id, up_to_seq}.
type Ack struct {
	StreamID ids.NodeTag // encoded as the stream's string UUID
	UpToSeq  uint64
}

// EncodeAck writes the wire form of an Ack to w.
func EncodeAck(w io.Writer, a *Ack) error {
	var idBytes = []byte(a.StreamID)
	var hdr = make([]byte, 2+len(idBytes)+8)
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(len(idBytes)))
	copy(hdr[2:2+len(idBytes)], idBytes)
	binary.LittleEndian.PutUint64(hdr[2+len(idBytes):], a.UpToSeq)
	_, err := w.Write(hdr)
	return err
}

// DecodeAck reads the wire form of an Ack from r.
func DecodeAck(r io.Reader) (*Ack, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	var idLen = int(binary.LittleEndian.Uint16(lenBuf[:]))
	var buf = make([]byte, idLen+8)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errs.Wrap(errs.Protocol, "short read of ack", err)
	}
	return &Ack{
		StreamID: ids.NodeTag(buf[:idLen]),
		UpToSeq:  binary.LittleEndian.Uint64(buf[idLen:]),
	}, nil
}
