package graphstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"vexfs/go/errs"
	"vexfs/go/ids"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	var s, err = Open(filepath.Join(t.TempDir(), "graph"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStagedNodeInvisibleUntilCommit(t *testing.T) {
	var s = testStore(t)
	var txID = uuid.New()
	var n = Node{ID: 1, Label: "file", Properties: json.RawMessage(`{"size":10}`)}

	require.NoError(t, s.StageNode(txID, n))
	var _, err = s.GetNode(1)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.NotFound))

	var _, prepErr = s.Prepare(context.Background(), txID)
	require.NoError(t, prepErr)
	require.NoError(t, s.Commit(context.Background(), txID))

	var got, getErr = s.GetNode(1)
	require.NoError(t, getErr)
	require.Equal(t, "file", got.Label)
}

func TestPatchNodePropertiesAppliesJSONPatch(t *testing.T) {
	var s = testStore(t)
	var txID = uuid.New()
	var n = Node{ID: 2, Label: "file", Properties: json.RawMessage(`{"size":10}`)}
	require.NoError(t, s.StageNode(txID, n))
	require.NoError(t, s.Commit(context.Background(), txID))

	var patchTx = uuid.New()
	var patch = []byte(`[{"op":"replace","path":"/size","value":20}]`)
	require.NoError(t, s.PatchNodeProperties(patchTx, 2, patch))
	require.NoError(t, s.Commit(context.Background(), patchTx))

	var got, err = s.GetNode(2)
	require.NoError(t, err)
	require.JSONEq(t, `{"size":20}`, string(got.Properties))
}

func TestEdgeRoundTrip(t *testing.T) {
	var s = testStore(t)
	var txID = uuid.New()
	var e = Edge{ID: 1, From: 1, To: 2, Label: "links_to"}
	require.NoError(t, s.StageEdge(txID, e))
	require.NoError(t, s.Commit(context.Background(), txID))

	var got, err = s.GetEdge(1)
	require.NoError(t, err)
	require.Equal(t, ids.NodeId(1), got.From)
	require.Equal(t, ids.NodeId(2), got.To)
	require.Equal(t, "links_to", got.Label)
}

func TestAbortDiscardsStagedNode(t *testing.T) {
	var s = testStore(t)
	var txID = uuid.New()
	require.NoError(t, s.StageNode(txID, Node{ID: 3, Label: "tmp"}))
	require.NoError(t, s.Abort(context.Background(), txID))
	require.NoError(t, s.Commit(context.Background(), txID))

	var _, err = s.GetNode(3)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.NotFound))
}
