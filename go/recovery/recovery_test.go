package recovery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nsf/jsondiff"
	"github.com/stretchr/testify/require"

	"vexfs/go/ids"
	"vexfs/go/journal"
	"vexfs/go/txn"
)

type recordingParticipant struct {
	tag       ids.ParticipantTag
	committed []uuid.UUID
	aborted   []uuid.UUID
}

func (p *recordingParticipant) Tag() ids.ParticipantTag { return p.tag }
func (p *recordingParticipant) Capabilities() map[txn.Capability]bool {
	return map[txn.Capability]bool{txn.CapStage: true, txn.CapPrepare: true, txn.CapCommit: true, txn.CapAbort: true}
}
func (p *recordingParticipant) Prepare(ctx context.Context, txID uuid.UUID) ([]byte, error) {
	return nil, nil
}
func (p *recordingParticipant) Commit(ctx context.Context, txID uuid.UUID) error {
	p.committed = append(p.committed, txID)
	return nil
}
func (p *recordingParticipant) Abort(ctx context.Context, txID uuid.UUID) error {
	p.aborted = append(p.aborted, txID)
	return nil
}

func openTestJournal(t *testing.T) (journal.Device, *journal.Journal) {
	t.Helper()
	var dev, err = journal.OpenFileDevice(filepath.Join(t.TempDir(), "journal.dat"), journal.DefaultBlockSize)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	var cfg = journal.DefaultConfig()
	cfg.BatchWindow = time.Millisecond
	cfg.JournalSizeBlocks = 256
	var j = journal.Open(dev, cfg)
	t.Cleanup(func() { j.Close() })

	require.NoError(t, journal.WriteSuperblock(dev, journal.Superblock{
		Magic: journal.Magic, MajorVersion: journal.MajorVersion, MinorVersion: journal.MinorVersion,
		BlockSize: journal.DefaultBlockSize, JournalBlocks: 256,
	}))
	return dev, j
}

func TestRecoverClassifiesCommittedAbortedAndForgotten(t *testing.T) {
	var dev, j = openTestJournal(t)

	var committedTx, abortedTx, forgottenTx = uuid.New(), uuid.New(), uuid.New()

	var lsn1, _ = j.Append(journal.Record{Type: journal.RecTxBegin, TxID: committedTx})
	require.NoError(t, j.FlushThrough(lsn1))
	var lsn2, _ = j.Append(journal.Record{Type: journal.RecTxCommit, TxID: committedTx})
	require.NoError(t, j.FlushThrough(lsn2))

	var lsn3, _ = j.Append(journal.Record{Type: journal.RecTxBegin, TxID: abortedTx})
	require.NoError(t, j.FlushThrough(lsn3))
	var lsn4, _ = j.Append(journal.Record{Type: journal.RecTxAbort, TxID: abortedTx})
	require.NoError(t, j.FlushThrough(lsn4))

	var lsn5, _ = j.Append(journal.Record{Type: journal.RecTxBegin, TxID: forgottenTx})
	require.NoError(t, j.FlushThrough(lsn5))

	var participant = &recordingParticipant{tag: ids.ParticipantJournal}
	var o = New(dev, j, nil, []txn.Participant{participant})

	var outcomes, err = o.Recover(context.Background())
	require.NoError(t, err)

	require.Equal(t, Committed, outcomes[committedTx])
	require.Equal(t, Aborted, outcomes[abortedTx])
	require.Equal(t, Forgotten, outcomes[forgottenTx])

	require.Contains(t, participant.committed, committedTx)
	require.Contains(t, participant.aborted, abortedTx)
	require.Contains(t, participant.aborted, forgottenTx)
}

func TestReconcileDigestsReportsNoDifferenceOnMatch(t *testing.T) {
	var digests = map[string][]byte{"journal": {1, 2, 3}}
	var diff, _ = ReconcileDigests(digests, digests)
	require.Equal(t, jsondiff.FullMatch, diff)
}

func TestReconcileDigestsReportsDifferenceOnMismatch(t *testing.T) {
	var expected = map[string][]byte{"journal": {1, 2, 3}}
	var actual = map[string][]byte{"journal": {9, 9, 9}}
	var diff, _ = ReconcileDigests(expected, actual)
	require.NotEqual(t, jsondiff.FullMatch, diff)
}
