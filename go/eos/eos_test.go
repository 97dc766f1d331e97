package eos

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"vexfs/go/config"
	"vexfs/go/errs"
	"vexfs/go/ops"
	"vexfs/go/wire"
)

func testService(t *testing.T) *Service {
	t.Helper()
	return NewService(config.Default(), ops.NewMetrics(prometheus.NewRegistry()))
}

func TestSubmitAssignsMonotoneGlobalSeqAndLamport(t *testing.T) {
	var s = testService(t)
	var e1, err1 = s.Submit(Draft{Node: "n1", Kind: wire.KindFilesystem})
	require.NoError(t, err1)
	var e2, err2 = s.Submit(Draft{Node: "n1", Kind: wire.KindFilesystem})
	require.NoError(t, err2)

	require.Equal(t, uint64(1), e1.GlobalSeq)
	require.Equal(t, uint64(2), e2.GlobalSeq)
	require.Less(t, e1.Lamport, e2.Lamport)
}

func TestSubmitAdvancesVectorClockPerNode(t *testing.T) {
	var s = testService(t)
	var e1, _ = s.Submit(Draft{Node: "n1"})
	var e2, _ = s.Submit(Draft{Node: "n2"})

	require.Equal(t, uint64(1), e1.VClock["n1"])
	require.Equal(t, uint64(1), e2.VClock["n2"])
	require.True(t, e1.VClock.Precedes(e2.VClock))
}

func TestGetOrderedFiltersBySinceAndLimit(t *testing.T) {
	var s = testService(t)
	for i := 0; i < 5; i++ {
		s.Submit(Draft{Node: "n1"})
	}
	var page = s.GetOrdered(2, 2)
	require.Len(t, page, 2)
	require.Equal(t, uint64(3), page[0].GlobalSeq)
	require.Equal(t, uint64(4), page[1].GlobalSeq)
}

func TestSubmitDetectsSourceSeqGapBeyondTolerance(t *testing.T) {
	var s = testService(t)
	s.cfg.Substrate.MaxSequenceGap = 2

	var gapped []wire.Boundary
	s.OnGap(func(b wire.Boundary, expected, got uint64) { gapped = append(gapped, b) })

	s.Submit(Draft{Node: "n1", Boundary: wire.BoundaryKernel, HasSourceSeq: true, SourceSeq: 1})
	s.Submit(Draft{Node: "n1", Boundary: wire.BoundaryKernel, HasSourceSeq: true, SourceSeq: 10})

	require.Len(t, gapped, 1)
	require.Equal(t, wire.BoundaryKernel, gapped[0])
}

func TestResolveLastWriterWins(t *testing.T) {
	var s = testService(t)
	var winner, err = s.Resolve([]OrderedEvent{{GlobalSeq: 1}, {GlobalSeq: 3}, {GlobalSeq: 2}})
	require.NoError(t, err)
	require.Equal(t, uint64(3), winner.GlobalSeq)
}

func TestResolveFirstWriterWins(t *testing.T) {
	var s = testService(t)
	s.cfg.Substrate.ConflictResolutionStrategy = config.FirstWriterWins
	var winner, err = s.Resolve([]OrderedEvent{{GlobalSeq: 5}, {GlobalSeq: 2}})
	require.NoError(t, err)
	require.Equal(t, uint64(2), winner.GlobalSeq)
}

func TestResolveCustomRequiresRegisteredResolver(t *testing.T) {
	var s = testService(t)
	s.cfg.Substrate.ConflictResolutionStrategy = config.CustomResolver
	var _, err = s.Resolve([]OrderedEvent{{GlobalSeq: 1}})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Protocol))

	s.CustomResolver = func(candidates []OrderedEvent) (OrderedEvent, error) {
		return candidates[0], nil
	}
	var winner, err2 = s.Resolve([]OrderedEvent{{GlobalSeq: 9}})
	require.NoError(t, err2)
	require.Equal(t, uint64(9), winner.GlobalSeq)
}
