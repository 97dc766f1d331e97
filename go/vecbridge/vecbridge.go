// Package vecbridge implements the Vector Storage Bridge (C3): the
// transaction participant fronting the ANN index and its backing vector
// store. Writes are staged into a per-transaction, bounded delta layer
// keyed by transaction id and are only merged into the durable column
// family (and made visible to Search) once the owning transaction
// commits -- an uncommitted-delta-layer participant in the same shape as
// txn.JournalParticipant, grounded on the teacher's RocksDB-backed
// consumer.Store (go/bindings/service.go) for the column-family and
// write-batch usage pattern.
package vecbridge

import (
	"context"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jgraettinger/gorocksdb"
	log "github.com/sirupsen/logrus"

	"vexfs/go/errs"
	"vexfs/go/ids"
	"vexfs/go/ops"
	"vexfs/go/txn"
)

// maxStagedPerTx bounds how many vector writes a single transaction may
// stage before commit; exceeding it is a Capacity error rather than
// silent eviction, since staged writes cannot be safely dropped.
const maxStagedPerTx = 4096

// VectorRecord is a single embedding and its associated metadata.
type VectorRecord struct {
	ID        ids.VectorId
	Embedding []float32
	Metadata  []byte
}

type delta struct {
	puts    *lru.Cache[ids.VectorId, VectorRecord]
	deletes map[ids.VectorId]bool
}

func newDelta() *delta {
	var c, _ = lru.New[ids.VectorId, VectorRecord](maxStagedPerTx)
	return &delta{puts: c, deletes: make(map[ids.VectorId]bool)}
}

// Bridge is the C3 participant: a RocksDB-backed vector store with a
// staged-delta layer per in-flight transaction.
type Bridge struct {
	db *gorocksdb.DB
	cf *gorocksdb.ColumnFamilyHandle
	wo *gorocksdb.WriteOptions
	ro *gorocksdb.ReadOptions

	log *log.Entry

	mu       sync.Mutex
	staged   map[uuid.UUID]*delta
	syncSeq  uint64

	// locks tracks, per vector_id, the transaction currently holding it:
	// the first transaction to stage a write against an id holds it until
	// Commit or Abort; a second transaction staging the same id conflicts
	// (§4.2) rather than blocking.
	locks   map[ids.VectorId]uuid.UUID
	waitFor map[uuid.UUID]uuid.UUID
}

var _ txn.Participant = (*Bridge)(nil)
var _ txn.Locker = (*Bridge)(nil)

// Open opens (creating if necessary) a RocksDB database at path with a
// dedicated "vectors" column family.
func Open(path string) (*Bridge, error) {
	var opts = gorocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(true)
	opts.SetCreateIfMissingColumnFamilies(true)

	var cfNames = []string{"default", "vectors"}
	var cfOpts = []*gorocksdb.Options{gorocksdb.NewDefaultOptions(), gorocksdb.NewDefaultOptions()}
	var db, handles, err = gorocksdb.OpenDbColumnFamilies(opts, path, cfNames, cfOpts)
	if err != nil {
		return nil, errs.Wrap(errs.Durability, "open vector store", err)
	}

	return &Bridge{
		db:     db,
		cf:     handles[1],
		wo:     gorocksdb.NewDefaultWriteOptions(),
		ro:     gorocksdb.NewDefaultReadOptions(),
		log:     ops.Logger("vecbridge"),
		staged:  make(map[uuid.UUID]*delta),
		locks:   make(map[ids.VectorId]uuid.UUID),
		waitFor: make(map[uuid.UUID]uuid.UUID),
	}, nil
}

func (b *Bridge) Tag() ids.ParticipantTag { return ids.ParticipantVector }

func (b *Bridge) Capabilities() map[txn.Capability]bool {
	return map[txn.Capability]bool{
		txn.CapStage: true, txn.CapPrepare: true, txn.CapCommit: true, txn.CapAbort: true,
	}
}

func (b *Bridge) deltaFor(txID uuid.UUID) *delta {
	b.mu.Lock()
	defer b.mu.Unlock()
	var d, ok = b.staged[txID]
	if !ok {
		d = newDelta()
		b.staged[txID] = d
	}
	return d
}

// acquire gives txID the lock on id if it is free or already held by
// txID. If another transaction holds it, acquire records a wait-for edge
// for the coordinator's deadlock detector and returns Conflict (§4.2: two
// in-flight transactions staging the same vector_id).
func (b *Bridge) acquire(txID uuid.UUID, id ids.VectorId) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var holder, held = b.locks[id]
	if held && holder != txID {
		b.waitFor[txID] = holder
		return errs.New(errs.Conflict, "vector_id already staged by another transaction")
	}
	b.locks[id] = txID
	delete(b.waitFor, txID)
	return nil
}

// release frees every lock held by txID, called on Commit and Abort.
func (b *Bridge) release(txID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, holder := range b.locks {
		if holder == txID {
			delete(b.locks, id)
		}
	}
	delete(b.waitFor, txID)
}

// WaitEdges reports, for each transaction blocked on a vector_id held by
// another in-flight transaction, the transaction it is waiting behind.
func (b *Bridge) WaitEdges() map[uuid.UUID]uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out = make(map[uuid.UUID]uuid.UUID, len(b.waitFor))
	for waiter, holder := range b.waitFor {
		out[waiter] = holder
	}
	return out
}

// StageVector records rec as a pending write under txID, invisible to
// Search and other transactions until Commit.
func (b *Bridge) StageVector(txID uuid.UUID, rec VectorRecord) error {
	if err := b.acquire(txID, rec.ID); err != nil {
		return err
	}
	var d = b.deltaFor(txID)
	if !d.puts.Contains(rec.ID) && d.puts.Len() >= maxStagedPerTx {
		return errs.New(errs.Capacity, "transaction exceeded staged vector write limit")
	}
	d.puts.Add(rec.ID, rec)
	delete(d.deletes, rec.ID)
	return nil
}

// StageDelete records a pending deletion of id under txID.
func (b *Bridge) StageDelete(txID uuid.UUID, id ids.VectorId) error {
	if err := b.acquire(txID, id); err != nil {
		return err
	}
	var d = b.deltaFor(txID)
	d.deletes[id] = true
	d.puts.Remove(id)
	return nil
}

// Prepare returns the count of staged puts plus deletes as two
// little-endian bytes. It performs no validation, and the digest does not
// cover the staged ids or vectors, only their count.
func (b *Bridge) Prepare(ctx context.Context, txID uuid.UUID) ([]byte, error) {
	var d = b.deltaFor(txID)
	var digest = make([]byte, 0, 8)
	var n = d.puts.Len() + len(d.deletes)
	digest = append(digest, byte(n), byte(n>>8))
	return digest, nil
}

// Commit merges txID's staged delta into the durable column family in a
// single write batch, then discards the delta.
func (b *Bridge) Commit(ctx context.Context, txID uuid.UUID) error {
	var d = b.deltaFor(txID)

	var batch = gorocksdb.NewWriteBatch()
	defer batch.Destroy()
	for _, id := range d.puts.Keys() {
		var rec, ok = d.puts.Peek(id)
		if !ok {
			continue
		}
		batch.PutCF(b.cf, encodeVectorKey(id), encodeVectorValue(rec))
	}
	for id := range d.deletes {
		batch.DeleteCF(b.cf, encodeVectorKey(id))
	}

	if err := b.db.Write(b.wo, batch); err != nil {
		return errs.Wrap(errs.Durability, "vector commit write batch", err)
	}

	b.mu.Lock()
	delete(b.staged, txID)
	b.syncSeq++
	b.mu.Unlock()
	b.release(txID)
	return nil
}

// Abort discards txID's staged delta without touching the durable store.
func (b *Bridge) Abort(ctx context.Context, txID uuid.UUID) error {
	b.mu.Lock()
	delete(b.staged, txID)
	b.mu.Unlock()
	b.release(txID)
	return nil
}

// Search scans the durable column family for the k nearest vectors to
// query by squared Euclidean distance. It is a brute-force reference
// implementation; a real ANN index would replace the scan, not the
// surrounding participant contract.
func (b *Bridge) Search(query []float32, k int) ([]VectorRecord, error) {
	if k <= 0 {
		return nil, errs.New(errs.Invariant, "k must be positive")
	}
	var it = b.db.NewIteratorCF(b.ro, b.cf)
	defer it.Close()

	type scored struct {
		rec  VectorRecord
		dist float32
	}
	var best []scored
	for it.SeekToFirst(); it.Valid(); it.Next() {
		var rec, err = decodeVectorValue(it.Value().Data())
		if err != nil {
			continue
		}
		copy(rec.ID[:], it.Key().Data())
		var dist = squaredDistance(query, rec.Embedding)
		best = append(best, scored{rec: rec, dist: dist})
	}
	if err := it.Err(); err != nil {
		return nil, errs.Wrap(errs.Durability, "vector search scan", err)
	}

	for i := 1; i < len(best); i++ {
		for j := i; j > 0 && best[j].dist < best[j-1].dist; j-- {
			best[j], best[j-1] = best[j-1], best[j]
		}
	}
	if len(best) > k {
		best = best[:k]
	}
	var out = make([]VectorRecord, len(best))
	for i, s := range best {
		out[i] = s.rec
	}
	return out, nil
}

// SyncPoint returns a monotone marker advanced on every commit, letting
// a reader confirm it has observed every write committed up to a prior
// SyncPoint call.
func (b *Bridge) SyncPoint() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.syncSeq
}

func (b *Bridge) Close() error {
	b.db.Close()
	return nil
}

func squaredDistance(a, b []float32) float32 {
	var n = len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float32
	for i := 0; i < n; i++ {
		var d = a[i] - b[i]
		sum += d * d
	}
	return sum
}
