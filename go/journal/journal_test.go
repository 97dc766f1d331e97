package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"vexfs/go/ids"
)

func openTestJournal(t *testing.T) (*Journal, Device) {
	t.Helper()
	var dev, err = OpenFileDevice(filepath.Join(t.TempDir(), "journal.dat"), DefaultBlockSize)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	var cfg = DefaultConfig()
	cfg.BatchWindow = time.Millisecond
	cfg.JournalSizeBlocks = 256
	var j = Open(dev, cfg)
	t.Cleanup(func() { j.Close() })
	return j, dev
}

func TestAppendAssignsMonotoneLSNs(t *testing.T) {
	var j, _ = openTestJournal(t)

	var lsn1, err1 = j.Append(Record{Type: RecTxBegin, TxID: uuid.New()})
	require.NoError(t, err1)
	var lsn2, err2 = j.Append(Record{Type: RecTxCommit, TxID: uuid.New()})
	require.NoError(t, err2)

	require.Less(t, uint64(lsn1), uint64(lsn2))
}

func TestFlushThroughBlocksUntilDurable(t *testing.T) {
	var j, _ = openTestJournal(t)

	var lsn, err = j.Append(Record{Type: RecData, TxID: uuid.New(), Payload: []byte("hello")})
	require.NoError(t, err)
	require.NoError(t, j.FlushThrough(lsn))
}

func TestReplayReturnsRecordsFromLSN(t *testing.T) {
	var j, _ = openTestJournal(t)
	var txID = uuid.New()

	var lsn1, _ = j.Append(Record{Type: RecTxBegin, TxID: txID})
	require.NoError(t, j.FlushThrough(lsn1))

	var lsn2, _ = j.Append(Record{Type: RecData, TxID: txID, Payload: []byte("payload")})
	require.NoError(t, j.FlushThrough(lsn2))

	var lsn3, _ = j.Append(Record{
		Type: RecTxPrepare,
		TxID: txID,
		Digests: map[ids.ParticipantTag][]byte{
			ids.ParticipantJournal: {0x1, 0x2},
			ids.ParticipantVector:  {0x3, 0x4},
		},
	})
	require.NoError(t, j.FlushThrough(lsn3))

	var recs, err = j.Replay(lsn1)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, RecTxBegin, recs[0].Type)
	require.Equal(t, RecData, recs[1].Type)
	require.Equal(t, []byte("payload"), recs[1].Payload)
	require.Equal(t, RecTxPrepare, recs[2].Type)
	require.Equal(t, []byte{0x1, 0x2}, recs[2].Digests[ids.ParticipantJournal])

	var fromLSN2, err2 = j.Replay(lsn2)
	require.NoError(t, err2)
	require.Len(t, fromLSN2, 2)
}

func TestTruncateUptoMarksTruncatable(t *testing.T) {
	var j, _ = openTestJournal(t)
	var lsn, _ = j.Append(Record{Type: RecData, TxID: uuid.New()})
	require.NoError(t, j.FlushThrough(lsn))

	j.TruncateUpto(lsn)
	j.mu.Lock()
	var s = j.states[lsn]
	j.mu.Unlock()
	require.Equal(t, stateTruncatable, s)
}

func TestSuperblockRoundTrip(t *testing.T) {
	var dev, err = OpenFileDevice(filepath.Join(t.TempDir(), "vol.dat"), DefaultBlockSize)
	require.NoError(t, err)
	defer dev.Close()

	var sb = Superblock{
		Magic:         Magic,
		MajorVersion:  MajorVersion,
		MinorVersion:  MinorVersion,
		BlockSize:     DefaultBlockSize,
		JournalBlocks: 256,
		CheckpointLSN: 42,
		RootInode:     1,
		NextLSN:       100,
		NextBlock:     5,
	}
	require.NoError(t, WriteSuperblock(dev, sb))

	var got, readErr = ReadSuperblock(dev)
	require.NoError(t, readErr)
	require.Equal(t, sb, got)
}

func TestReadSuperblockRejectsBadMagic(t *testing.T) {
	var dev, err = OpenFileDevice(filepath.Join(t.TempDir(), "vol2.dat"), DefaultBlockSize)
	require.NoError(t, err)
	defer dev.Close()

	require.NoError(t, dev.WriteBlock(0, make([]byte, DefaultBlockSize)))
	var _, readErr = ReadSuperblock(dev)
	require.Error(t, readErr)
}
