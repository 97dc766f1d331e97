// Package integration exercises the concrete end-to-end scenarios of the
// substrate specification: atomic multi-participant commit, crash
// recovery between prepare and commit, deadlock resolution, causal event
// ordering, stream recovery after restart, and capacity rejection.
package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"vexfs/go/bsm"
	"vexfs/go/config"
	"vexfs/go/eos"
	"vexfs/go/errs"
	"vexfs/go/ids"
	"vexfs/go/journal"
	"vexfs/go/ops"
	"vexfs/go/recovery"
	"vexfs/go/testutil"
	"vexfs/go/txn"
	"vexfs/go/wire"
)

func newMetrics() *ops.Metrics { return ops.NewMetrics(prometheus.NewRegistry()) }

// S1: a transaction enlisting three independent participants either
// commits all three or none of them.
func TestScenarioAtomicMultiParticipantCommit(t *testing.T) {
	var cfg = config.Default()
	var coord = txn.NewCoordinator(cfg, newMetrics())
	defer coord.Close()

	var j = testutil.NewMemParticipant(ids.ParticipantJournal)
	var v = testutil.NewMemParticipant(ids.ParticipantVector)
	var g = testutil.NewMemParticipant(ids.ParticipantGraph)

	var tx, err = coord.Begin(txn.ReadCommitted, 0)
	require.NoError(t, err)
	require.NoError(t, coord.Enlist(tx, j))
	require.NoError(t, coord.Enlist(tx, v))
	require.NoError(t, coord.Enlist(tx, g))

	require.NoError(t, coord.Commit(context.Background(), tx))
	require.True(t, j.WasCommitted(tx.ID))
	require.True(t, v.WasCommitted(tx.ID))
	require.True(t, g.WasCommitted(tx.ID))
}

func TestScenarioAllOrNothingOnRefusal(t *testing.T) {
	var cfg = config.Default()
	var coord = txn.NewCoordinator(cfg, newMetrics())
	defer coord.Close()

	var j = testutil.NewMemParticipant(ids.ParticipantJournal)
	var v = testutil.NewMemParticipant(ids.ParticipantVector)
	v.RefusePrep = true

	var tx, _ = coord.Begin(txn.ReadCommitted, 0)
	require.NoError(t, coord.Enlist(tx, j))
	require.NoError(t, coord.Enlist(tx, v))

	var err = coord.Commit(context.Background(), tx)
	require.Error(t, err)
	require.False(t, j.WasCommitted(tx.ID))
	require.True(t, j.WasAborted(tx.ID))
}

// S2: a RecTxPrepare durable but no RecTxCommit before a simulated crash
// is classified Forgotten (and thus discarded) by the Recovery
// Orchestrator on restart, since a transaction is only deemed committed
// once its commit record is durable.
func TestScenarioRecoveryAfterCrashBetweenPrepareAndCommit(t *testing.T) {
	var dev, err = journal.OpenFileDevice(filepath.Join(t.TempDir(), "journal.dat"), journal.DefaultBlockSize)
	require.NoError(t, err)
	defer dev.Close()
	require.NoError(t, journal.WriteSuperblock(dev, journal.Superblock{
		Magic: journal.Magic, MajorVersion: journal.MajorVersion, MinorVersion: journal.MinorVersion,
		BlockSize: journal.DefaultBlockSize, JournalBlocks: 256,
	}))

	var jcfg = journal.DefaultConfig()
	jcfg.BatchWindow = time.Millisecond
	jcfg.JournalSizeBlocks = 256
	var j = journal.Open(dev, jcfg)

	var txID = uuid.New()
	var lsn1, _ = j.Append(journal.Record{Type: journal.RecTxBegin, TxID: txID})
	require.NoError(t, j.FlushThrough(lsn1))
	var lsn2, _ = j.Append(journal.Record{
		Type: journal.RecTxPrepare, TxID: txID,
		Digests: map[ids.ParticipantTag][]byte{ids.ParticipantVector: {1, 2, 3}},
	})
	require.NoError(t, j.FlushThrough(lsn2))
	// No RecTxCommit is ever appended, simulating a crash between prepare
	// and commit; recovery runs against the same journal and device.

	var vectorParticipant = testutil.NewMemParticipant(ids.ParticipantVector)
	var orchestrator = recovery.New(dev, j, nil, []txn.Participant{vectorParticipant})
	var outcomes, recoverErr = orchestrator.Recover(context.Background())
	require.NoError(t, recoverErr)
	require.Equal(t, recovery.Forgotten, outcomes[txID])
	require.True(t, vectorParticipant.WasAborted(txID))
}

// S3: a wait-for cycle between two transactions is broken by aborting
// exactly one of them.
func TestScenarioDeadlockResolution(t *testing.T) {
	var cfg = config.Default()
	cfg.Substrate.DeadlockCheckIntervalMs = 5
	var coord = txn.NewCoordinator(cfg, newMetrics())
	defer coord.Close()

	var txA, _ = coord.Begin(txn.ReadCommitted, 0)
	var txB, _ = coord.Begin(txn.ReadCommitted, 0)

	var lockA = newLockingParticipant(ids.ParticipantGraph, map[uuid.UUID]uuid.UUID{txA.ID: txB.ID})
	var lockB = newLockingParticipant(ids.ParticipantGraph, map[uuid.UUID]uuid.UUID{txB.ID: txA.ID})
	require.NoError(t, coord.Enlist(txA, lockA))
	require.NoError(t, coord.Enlist(txB, lockB))

	require.Eventually(t, func() bool {
		_, okA := coord.Status(txA.ID)
		_, okB := coord.Status(txB.ID)
		return !okA || !okB
	}, time.Second, time.Millisecond)
}

// S4: two events submitted in turn from the same node carry vector
// clocks in a happens-before relationship.
func TestScenarioCausalOrdering(t *testing.T) {
	var svc = eos.NewService(config.Default(), newMetrics())
	var e1, _ = svc.Submit(eos.Draft{Node: "n1", Kind: wire.KindFilesystem})
	var e2, _ = svc.Submit(eos.Draft{Node: "n1", Kind: wire.KindFilesystem})
	require.True(t, e1.VClock.Precedes(e2.VClock))
}

// S5: a boundary stream recovers its queue and resumes delivery from its
// last checkpoint after being stopped and restarted.
func TestScenarioStreamRecovery(t *testing.T) {
	var sink = &countingSink{}
	var mgr = bsm.NewManager(newMetrics())
	var stream, err = mgr.CreateStream(wire.BoundaryKernel, bsm.Strategy{Kind: bsm.Immediate}, sink)
	require.NoError(t, err)
	stream.Start()

	require.NoError(t, stream.Enqueue(wire.EventRecord{GlobalSeq: 1}))
	require.Eventually(t, func() bool { return stream.Checkpoint() == 1 }, time.Second, time.Millisecond)

	stream.Stop()
	stream.Recover(stream.Checkpoint())
	stream.Start()
	defer stream.Stop()

	require.NoError(t, stream.Enqueue(wire.EventRecord{GlobalSeq: 2}))
	require.Eventually(t, func() bool { return stream.Checkpoint() == 2 }, time.Second, time.Millisecond)
}

// S6: once a stream's bounded queue is full, further enqueues are
// rejected with a Capacity error rather than growing unbounded.
func TestScenarioCapacityRejection(t *testing.T) {
	var sink = &blockingSink{release: make(chan struct{})}
	var mgr = bsm.NewManager(newMetrics())
	var stream, err = mgr.CreateStream(wire.BoundaryAgent, bsm.Strategy{Kind: bsm.Immediate}, sink)
	require.NoError(t, err)
	stream.Start()
	defer func() {
		close(sink.release)
		stream.Stop()
	}()

	var rejected error
	for i := 0; i < 5000; i++ {
		if rejectErr := stream.Enqueue(wire.EventRecord{GlobalSeq: uint64(i)}); rejectErr != nil {
			rejected = rejectErr
			break
		}
	}
	require.Error(t, rejected)
	require.True(t, errs.Is(rejected, errs.Capacity))
}

type lockingParticipant struct {
	*testutil.MemParticipant
	edges map[uuid.UUID]uuid.UUID
}

func newLockingParticipant(tag ids.ParticipantTag, edges map[uuid.UUID]uuid.UUID) *lockingParticipant {
	return &lockingParticipant{MemParticipant: testutil.NewMemParticipant(tag), edges: edges}
}

func (l *lockingParticipant) WaitEdges() map[uuid.UUID]uuid.UUID { return l.edges }

type countingSink struct{}

func (c *countingSink) Deliver(boundary wire.Boundary, events []wire.EventRecord) error { return nil }

// blockingSink never completes Deliver until release is closed, letting
// a test fill a stream's bounded queue deterministically.
type blockingSink struct {
	release chan struct{}
}

func (b *blockingSink) Deliver(boundary wire.Boundary, events []wire.EventRecord) error {
	<-b.release
	return nil
}
