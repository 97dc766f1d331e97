package bsm

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"vexfs/go/errs"
	"vexfs/go/ops"
	"vexfs/go/wire"
)

type captureSink struct {
	mu    sync.Mutex
	batches [][]wire.EventRecord
	fail  bool
}

func (c *captureSink) Deliver(boundary wire.Boundary, events []wire.EventRecord) error {
	if c.fail {
		return errs.New(errs.Unavailable, "sink down")
	}
	c.mu.Lock()
	c.batches = append(c.batches, events)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for _, b := range c.batches {
		n += len(b)
	}
	return n
}

func testMetrics() *ops.Metrics { return ops.NewMetrics(prometheus.NewRegistry()) }

func TestImmediateStreamDeliversEachEnqueue(t *testing.T) {
	var sink = &captureSink{}
	var s = NewStream(wire.BoundaryKernel, Strategy{Kind: Immediate}, sink, testMetrics())
	s.Start()
	defer s.Stop()

	require.NoError(t, s.Enqueue(wire.EventRecord{GlobalSeq: 1}))
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, time.Millisecond)
}

func TestEnqueueRejectsOverCapacity(t *testing.T) {
	var sink = &captureSink{fail: true}
	var s = NewStream(wire.BoundaryKernel, Strategy{Kind: Immediate}, sink, testMetrics())
	for i := 0; i < defaultQueueCapacity; i++ {
		require.NoError(t, s.Enqueue(wire.EventRecord{GlobalSeq: uint64(i)}))
	}
	var err = s.Enqueue(wire.EventRecord{GlobalSeq: 99999})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Capacity))
}

func TestStreamMarksUnhealthyOnSinkFailure(t *testing.T) {
	var sink = &captureSink{fail: true}
	var s = NewStream(wire.BoundaryUserspace, Strategy{Kind: Immediate}, sink, testMetrics())
	s.Start()
	defer s.Stop()

	require.NoError(t, s.Enqueue(wire.EventRecord{GlobalSeq: 1}))
	require.Eventually(t, func() bool { return !s.Status().Healthy }, time.Second, time.Millisecond)
}

func TestManagerCreateStreamRejectsDuplicateBoundary(t *testing.T) {
	var m = NewManager(testMetrics())
	var sink = &captureSink{}
	var _, err1 = m.CreateStream(wire.BoundaryAgent, Strategy{Kind: Immediate}, sink)
	require.NoError(t, err1)
	var _, err2 = m.CreateStream(wire.BoundaryAgent, Strategy{Kind: Immediate}, sink)
	require.Error(t, err2)
	require.True(t, errs.Is(err2, errs.Invariant))
}

func TestBatchedStreamCoalescesWithinWindow(t *testing.T) {
	var sink = &captureSink{}
	var s = NewStream(wire.BoundaryKernel, Strategy{Kind: Batched, Window: 20 * time.Millisecond, MaxEvents: 100}, sink, testMetrics())
	s.Start()
	defer s.Stop()

	require.NoError(t, s.Enqueue(wire.EventRecord{GlobalSeq: 1}))
	require.NoError(t, s.Enqueue(wire.EventRecord{GlobalSeq: 2}))
	require.NoError(t, s.Enqueue(wire.EventRecord{GlobalSeq: 3}))

	require.Eventually(t, func() bool { return sink.count() == 3 }, time.Second, time.Millisecond)
	sink.mu.Lock()
	var batches = len(sink.batches)
	sink.mu.Unlock()
	require.Less(t, batches, 3) // batching coalesced at least two enqueues into one Deliver
}
