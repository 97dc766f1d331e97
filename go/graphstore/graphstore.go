// Package graphstore implements the Graph Store (C4): typed nodes and
// edges with property maps, staged per-transaction exactly as
// vecbridge.Bridge stages vector writes, committing through the same
// two-phase participant contract. Property updates are expressed as RFC
// 6902 JSON Patch documents applied via evanphx/json-patch, so that a
// PATCH-style partial update never requires the caller to resend a
// node's full property set.
package graphstore

import (
	"context"
	"encoding/json"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"github.com/jgraettinger/gorocksdb"
	log "github.com/sirupsen/logrus"

	"vexfs/go/errs"
	"vexfs/go/ids"
	"vexfs/go/ops"
	"vexfs/go/txn"
)

// Node is a graph vertex with a typed label and an arbitrary property bag.
type Node struct {
	ID         ids.NodeId
	Label      string
	Properties json.RawMessage
}

// Edge is a directed, labeled graph edge between two nodes.
type Edge struct {
	ID         ids.EdgeId
	From, To   ids.NodeId
	Label      string
	Properties json.RawMessage
}

type delta struct {
	nodePuts    map[ids.NodeId]Node
	nodeDeletes map[ids.NodeId]bool
	edgePuts    map[ids.EdgeId]Edge
	edgeDeletes map[ids.EdgeId]bool
}

func newDelta() *delta {
	return &delta{
		nodePuts:    make(map[ids.NodeId]Node),
		nodeDeletes: make(map[ids.NodeId]bool),
		edgePuts:    make(map[ids.EdgeId]Edge),
		edgeDeletes: make(map[ids.EdgeId]bool),
	}
}

// maxStagedPerTx bounds staged graph mutations per transaction, mirroring
// vecbridge's Capacity enforcement.
const maxStagedPerTx = 8192

func (d *delta) size() int {
	return len(d.nodePuts) + len(d.nodeDeletes) + len(d.edgePuts) + len(d.edgeDeletes)
}

// Store is the C4 participant: a RocksDB-backed graph with "nodes" and
// "edges" column families and a staged-delta layer per in-flight
// transaction.
type Store struct {
	db        *gorocksdb.DB
	nodesCF   *gorocksdb.ColumnFamilyHandle
	edgesCF   *gorocksdb.ColumnFamilyHandle
	wo        *gorocksdb.WriteOptions
	ro        *gorocksdb.ReadOptions

	log *log.Entry

	mu     sync.Mutex
	staged map[uuid.UUID]*delta

	// locks tracks, per node or edge, the transaction currently holding
	// it: the first transaction to stage a mutation against an id holds
	// it until Commit or Abort; a second transaction staging the same id
	// conflicts (§4.2) rather than blocking.
	locks   map[lockKey]uuid.UUID
	waitFor map[uuid.UUID]uuid.UUID
}

// lockKey unifies NodeId and EdgeId into one lock-map key space; the two
// id spaces are independently assigned so a NodeId and an EdgeId with the
// same numeric value must not collide.
type lockKey struct {
	kind byte
	id   uint64
}

const (
	lockKindNode byte = iota
	lockKindEdge
)

var _ txn.Participant = (*Store)(nil)
var _ txn.Locker = (*Store)(nil)

// Open opens (creating if necessary) a RocksDB database at path with
// dedicated "nodes" and "edges" column families.
func Open(path string) (*Store, error) {
	var opts = gorocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(true)
	opts.SetCreateIfMissingColumnFamilies(true)

	var cfNames = []string{"default", "nodes", "edges"}
	var cfOpts = []*gorocksdb.Options{
		gorocksdb.NewDefaultOptions(), gorocksdb.NewDefaultOptions(), gorocksdb.NewDefaultOptions(),
	}
	var db, handles, err = gorocksdb.OpenDbColumnFamilies(opts, path, cfNames, cfOpts)
	if err != nil {
		return nil, errs.Wrap(errs.Durability, "open graph store", err)
	}

	return &Store{
		db:      db,
		nodesCF: handles[1],
		edgesCF: handles[2],
		wo:      gorocksdb.NewDefaultWriteOptions(),
		ro:      gorocksdb.NewDefaultReadOptions(),
		log:     ops.Logger("graphstore"),
		staged:  make(map[uuid.UUID]*delta),
		locks:   make(map[lockKey]uuid.UUID),
		waitFor: make(map[uuid.UUID]uuid.UUID),
	}, nil
}

func (s *Store) Tag() ids.ParticipantTag { return ids.ParticipantGraph }

func (s *Store) Capabilities() map[txn.Capability]bool {
	return map[txn.Capability]bool{
		txn.CapStage: true, txn.CapPrepare: true, txn.CapCommit: true, txn.CapAbort: true,
	}
}

func (s *Store) deltaFor(txID uuid.UUID) *delta {
	s.mu.Lock()
	defer s.mu.Unlock()
	var d, ok = s.staged[txID]
	if !ok {
		d = newDelta()
		s.staged[txID] = d
	}
	return d
}

// acquire gives txID the lock on key if it is free or already held by
// txID. If another transaction holds it, acquire records a wait-for edge
// for the coordinator's deadlock detector and returns Conflict (§4.2: two
// in-flight transactions staging the same node_id or edge_id).
func (s *Store) acquire(txID uuid.UUID, key lockKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var holder, held = s.locks[key]
	if held && holder != txID {
		s.waitFor[txID] = holder
		return errs.New(errs.Conflict, "node_id or edge_id already staged by another transaction")
	}
	s.locks[key] = txID
	delete(s.waitFor, txID)
	return nil
}

// release frees every lock held by txID, called on Commit and Abort.
func (s *Store) release(txID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, holder := range s.locks {
		if holder == txID {
			delete(s.locks, key)
		}
	}
	delete(s.waitFor, txID)
}

// WaitEdges reports, for each transaction blocked on a node or edge held
// by another in-flight transaction, the transaction it is waiting behind.
func (s *Store) WaitEdges() map[uuid.UUID]uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out = make(map[uuid.UUID]uuid.UUID, len(s.waitFor))
	for waiter, holder := range s.waitFor {
		out[waiter] = holder
	}
	return out
}

// StageNode records a pending node upsert under txID.
func (s *Store) StageNode(txID uuid.UUID, n Node) error {
	if err := s.acquire(txID, lockKey{kind: lockKindNode, id: uint64(n.ID)}); err != nil {
		return err
	}
	var d = s.deltaFor(txID)
	if !okToStage(d, n.ID) {
		return errs.New(errs.Capacity, "transaction exceeded staged graph mutation limit")
	}
	d.nodePuts[n.ID] = n
	delete(d.nodeDeletes, n.ID)
	return nil
}

// PatchNodeProperties applies an RFC 6902 JSON Patch document to the
// node's current (committed or already-staged) properties and stages the
// result under txID.
func (s *Store) PatchNodeProperties(txID uuid.UUID, id ids.NodeId, patch []byte) error {
	var current, err = s.currentNode(txID, id)
	if err != nil {
		return err
	}
	var decoded, perr = jsonpatch.DecodePatch(patch)
	if perr != nil {
		return errs.Wrap(errs.Protocol, "invalid json patch document", perr)
	}
	var props = current.Properties
	if props == nil {
		props = json.RawMessage("{}")
	}
	var patched, applyErr = decoded.Apply(props)
	if applyErr != nil {
		return errs.Wrap(errs.Invariant, "json patch failed to apply", applyErr)
	}
	current.Properties = patched
	return s.StageNode(txID, current)
}

func (s *Store) currentNode(txID uuid.UUID, id ids.NodeId) (Node, error) {
	var d = s.deltaFor(txID)
	if n, ok := d.nodePuts[id]; ok {
		return n, nil
	}
	if d.nodeDeletes[id] {
		return Node{}, errs.New(errs.NotFound, "node staged for deletion in this transaction")
	}
	return s.GetNode(id)
}

// StageDeleteNode records a pending node deletion under txID.
func (s *Store) StageDeleteNode(txID uuid.UUID, id ids.NodeId) error {
	if err := s.acquire(txID, lockKey{kind: lockKindNode, id: uint64(id)}); err != nil {
		return err
	}
	var d = s.deltaFor(txID)
	d.nodeDeletes[id] = true
	delete(d.nodePuts, id)
	return nil
}

// StageEdge records a pending edge upsert under txID.
func (s *Store) StageEdge(txID uuid.UUID, e Edge) error {
	if err := s.acquire(txID, lockKey{kind: lockKindEdge, id: uint64(e.ID)}); err != nil {
		return err
	}
	var d = s.deltaFor(txID)
	if !okToStageEdge(d, e.ID) {
		return errs.New(errs.Capacity, "transaction exceeded staged graph mutation limit")
	}
	d.edgePuts[e.ID] = e
	delete(d.edgeDeletes, e.ID)
	return nil
}

// StageDeleteEdge records a pending edge deletion under txID.
func (s *Store) StageDeleteEdge(txID uuid.UUID, id ids.EdgeId) error {
	if err := s.acquire(txID, lockKey{kind: lockKindEdge, id: uint64(id)}); err != nil {
		return err
	}
	var d = s.deltaFor(txID)
	d.edgeDeletes[id] = true
	delete(d.edgePuts, id)
	return nil
}

func okToStage(d *delta, id ids.NodeId) bool {
	if _, exists := d.nodePuts[id]; exists {
		return true
	}
	return d.size() < maxStagedPerTx
}

func okToStageEdge(d *delta, id ids.EdgeId) bool {
	if _, exists := d.edgePuts[id]; exists {
		return true
	}
	return d.size() < maxStagedPerTx
}

// Prepare returns the size of txID's staged delta as two little-endian
// bytes; the digest does not cover the staged nodes or edges, only their
// count.
func (s *Store) Prepare(ctx context.Context, txID uuid.UUID) ([]byte, error) {
	var d = s.deltaFor(txID)
	var n = d.size()
	return []byte{byte(n), byte(n >> 8)}, nil
}

// Commit writes txID's staged delta into the durable column families in
// a single write batch.
func (s *Store) Commit(ctx context.Context, txID uuid.UUID) error {
	var d = s.deltaFor(txID)

	var batch = gorocksdb.NewWriteBatch()
	defer batch.Destroy()
	for id, n := range d.nodePuts {
		var val, err = encodeNode(n)
		if err != nil {
			return err
		}
		batch.PutCF(s.nodesCF, encodeNodeKey(id), val)
	}
	for id := range d.nodeDeletes {
		batch.DeleteCF(s.nodesCF, encodeNodeKey(id))
	}
	for id, e := range d.edgePuts {
		var val, err = encodeEdge(e)
		if err != nil {
			return err
		}
		batch.PutCF(s.edgesCF, encodeEdgeKey(id), val)
	}
	for id := range d.edgeDeletes {
		batch.DeleteCF(s.edgesCF, encodeEdgeKey(id))
	}

	if err := s.db.Write(s.wo, batch); err != nil {
		return errs.Wrap(errs.Durability, "graph commit write batch", err)
	}

	s.mu.Lock()
	delete(s.staged, txID)
	s.mu.Unlock()
	s.release(txID)
	return nil
}

// Abort discards txID's staged delta.
func (s *Store) Abort(ctx context.Context, txID uuid.UUID) error {
	s.mu.Lock()
	delete(s.staged, txID)
	s.mu.Unlock()
	s.release(txID)
	return nil
}

// GetNode reads a committed node by id.
func (s *Store) GetNode(id ids.NodeId) (Node, error) {
	var val, err = s.db.GetCF(s.ro, s.nodesCF, encodeNodeKey(id))
	if err != nil {
		return Node{}, errs.Wrap(errs.Durability, "get node", err)
	}
	defer val.Free()
	if val.Data() == nil {
		return Node{}, errs.New(errs.NotFound, "node not found")
	}
	return decodeNode(id, val.Data())
}

// GetEdge reads a committed edge by id.
func (s *Store) GetEdge(id ids.EdgeId) (Edge, error) {
	var val, err = s.db.GetCF(s.ro, s.edgesCF, encodeEdgeKey(id))
	if err != nil {
		return Edge{}, errs.Wrap(errs.Durability, "get edge", err)
	}
	defer val.Free()
	if val.Data() == nil {
		return Edge{}, errs.New(errs.NotFound, "edge not found")
	}
	return decodeEdge(id, val.Data())
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}
