package graphstore

import (
	"encoding/binary"
	"encoding/json"

	"vexfs/go/errs"
	"vexfs/go/ids"
)

func encodeNodeKey(id ids.NodeId) []byte {
	var out = make([]byte, 8)
	binary.LittleEndian.PutUint64(out, uint64(id))
	return out
}

func encodeEdgeKey(id ids.EdgeId) []byte {
	var out = make([]byte, 8)
	binary.LittleEndian.PutUint64(out, uint64(id))
	return out
}

// wireNode/wireEdge are the JSON-on-RocksDB encoding of a Node/Edge,
// omitting the id (which is carried by the key).
type wireNode struct {
	Label      string          `json:"label"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

type wireEdge struct {
	From       uint64          `json:"from"`
	To         uint64          `json:"to"`
	Label      string          `json:"label"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

func encodeNode(n Node) ([]byte, error) {
	var buf, err = json.Marshal(wireNode{Label: n.Label, Properties: n.Properties})
	if err != nil {
		return nil, errs.Wrap(errs.Invariant, "encode node", err)
	}
	return buf, nil
}

func decodeNode(id ids.NodeId, buf []byte) (Node, error) {
	var w wireNode
	if err := json.Unmarshal(buf, &w); err != nil {
		return Node{}, errs.Wrap(errs.Protocol, "decode node", err)
	}
	return Node{ID: id, Label: w.Label, Properties: w.Properties}, nil
}

func encodeEdge(e Edge) ([]byte, error) {
	var buf, err = json.Marshal(wireEdge{From: uint64(e.From), To: uint64(e.To), Label: e.Label, Properties: e.Properties})
	if err != nil {
		return nil, errs.Wrap(errs.Invariant, "encode edge", err)
	}
	return buf, nil
}

func decodeEdge(id ids.EdgeId, buf []byte) (Edge, error) {
	var w wireEdge
	if err := json.Unmarshal(buf, &w); err != nil {
		return Edge{}, errs.Wrap(errs.Protocol, "decode edge", err)
	}
	return Edge{ID: id, From: ids.NodeId(w.From), To: ids.NodeId(w.To), Label: w.Label, Properties: w.Properties}, nil
}
