package txn

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/minio/highwayhash"

	"vexfs/go/errs"
	"vexfs/go/ids"
	"vexfs/go/journal"
)

// digestKey is a fixed, non-secret HighwayHash key used only to produce a
// stable fingerprint of a transaction's staged bytes for the prepare
// digest; it is not a security boundary.
var digestKey = make([]byte, 32)

// JournalParticipant adapts the write-ahead Journal (C2) to the
// Participant contract: staged payloads accumulate under a transaction id,
// Prepare fingerprints them (the RecTxPrepare record is written by
// AppendPrepareRecord), Commit writes RecTxCommit, and Abort writes
// RecTxAbort.
type JournalParticipant struct {
	j *journal.Journal

	mu     sync.Mutex
	staged map[uuid.UUID][][]byte
}

// NewJournalParticipant wraps j for use as the journal's transaction
// participant.
func NewJournalParticipant(j *journal.Journal) *JournalParticipant {
	return &JournalParticipant{
		j:      j,
		staged: make(map[uuid.UUID][][]byte),
	}
}

func (p *JournalParticipant) lock()   { p.mu.Lock() }
func (p *JournalParticipant) unlock() { p.mu.Unlock() }

func (p *JournalParticipant) Tag() ids.ParticipantTag { return ids.ParticipantJournal }

func (p *JournalParticipant) Capabilities() map[Capability]bool {
	return map[Capability]bool{CapStage: true, CapPrepare: true, CapCommit: true, CapAbort: true}
}

// Begin durably records that txID has started (§4.1 RecTxBegin), so that
// a crash before any prepare record is ever written still leaves a trace
// for recovery to classify as Forgotten rather than silently missing it.
func (p *JournalParticipant) Begin(txID uuid.UUID) error {
	var _, err = p.j.Append(journal.Record{Type: journal.RecTxBegin, TxID: txID})
	if err != nil {
		return errs.Wrap(errs.Durability, "journal begin record", err)
	}
	return nil
}

// StageData appends an uncommitted data or metadata-delta record against
// txID. It is visible only after Commit.
func (p *JournalParticipant) StageData(txID uuid.UUID, recType journal.RecordType, payload []byte) error {
	if _, err := p.j.Append(journal.Record{Type: recType, TxID: txID, Payload: payload}); err != nil {
		return err
	}
	p.lock()
	p.staged[txID] = append(p.staged[txID], payload)
	p.unlock()
	return nil
}

// Prepare returns this participant's own digest of txID's staged
// payloads. It does not itself append a RecTxPrepare record: the
// Coordinator collects every enlisted participant's digest and appends
// the single combined record via AppendPrepareRecord once all have
// responded (§4.5 step 1).
func (p *JournalParticipant) Prepare(ctx context.Context, txID uuid.UUID) ([]byte, error) {
	p.lock()
	var parts = p.staged[txID]
	p.unlock()
	return fingerprint(parts), nil
}

// AppendPrepareRecord durably writes the combined RecTxPrepare record
// covering every participant enlisted in txID, and blocks until it is
// durable. The Coordinator calls this once, after every participant's
// Prepare has returned, so the journal holds one record reflecting the
// whole transaction's prepare digests rather than each participant's own.
func (p *JournalParticipant) AppendPrepareRecord(txID uuid.UUID, digests map[ids.ParticipantTag][]byte) error {
	var _, err = p.j.Append(journal.Record{Type: journal.RecTxPrepare, TxID: txID, Digests: digests})
	if err != nil {
		return errs.Wrap(errs.Durability, "journal prepare record", err)
	}
	return nil
}

func (p *JournalParticipant) Commit(ctx context.Context, txID uuid.UUID) error {
	var _, err = p.j.Append(journal.Record{Type: journal.RecTxCommit, TxID: txID})
	p.lock()
	delete(p.staged, txID)
	p.unlock()
	return err
}

func (p *JournalParticipant) Abort(ctx context.Context, txID uuid.UUID) error {
	var _, err = p.j.Append(journal.Record{Type: journal.RecTxAbort, TxID: txID})
	p.lock()
	delete(p.staged, txID)
	p.unlock()
	return err
}

func fingerprint(parts [][]byte) []byte {
	var h, _ = highwayhash.New(digestKey)
	for _, part := range parts {
		h.Write(part)
	}
	return h.Sum(nil)
}
