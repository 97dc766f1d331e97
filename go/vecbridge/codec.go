package vecbridge

import (
	"encoding/binary"
	"math"

	"vexfs/go/errs"
	"vexfs/go/ids"
)

func encodeVectorKey(id ids.VectorId) []byte {
	var out = make([]byte, 16)
	copy(out, id[:])
	return out
}

// encodeVectorValue serializes a VectorRecord as [dim u32][float32 * dim][metadata].
func encodeVectorValue(rec VectorRecord) []byte {
	var out = make([]byte, 4+4*len(rec.Embedding)+len(rec.Metadata))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(rec.Embedding)))
	for i, f := range rec.Embedding {
		binary.LittleEndian.PutUint32(out[4+4*i:8+4*i], math.Float32bits(f))
	}
	copy(out[4+4*len(rec.Embedding):], rec.Metadata)
	return out
}

func decodeVectorValue(buf []byte) (VectorRecord, error) {
	if len(buf) < 4 {
		return VectorRecord{}, errs.New(errs.Protocol, "truncated vector record")
	}
	var dim = int(binary.LittleEndian.Uint32(buf[0:4]))
	var need = 4 + 4*dim
	if len(buf) < need {
		return VectorRecord{}, errs.New(errs.Protocol, "truncated vector embedding")
	}
	var embedding = make([]float32, dim)
	for i := 0; i < dim; i++ {
		embedding[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4+4*i : 8+4*i]))
	}
	var metadata = append([]byte(nil), buf[need:]...)
	return VectorRecord{Embedding: embedding, Metadata: metadata}, nil
}
