package eventbus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"vexfs/go/eos"
	"vexfs/go/errs"
	"vexfs/go/ops"
	"vexfs/go/wire"
)

func testMetrics() *ops.Metrics { return ops.NewMetrics(prometheus.NewRegistry()) }

func TestSubscribeFiltersByKind(t *testing.T) {
	var b = NewBus(testMetrics(), false)
	var sub = b.Subscribe(Filter{Kind: wire.KindVector})

	require.NoError(t, b.Publish(eos.OrderedEvent{GlobalSeq: 1, Kind: wire.KindFilesystem}, 0, nil))
	require.NoError(t, b.Publish(eos.OrderedEvent{GlobalSeq: 2, Kind: wire.KindVector}, 0, nil))

	b.Unsubscribe(sub)
	var ev, ok = sub.Next()
	require.True(t, ok)
	require.Equal(t, uint64(2), ev.GlobalSeq)
	var _, ok2 = sub.Next()
	require.False(t, ok2)
}

func TestSubscribeFiltersByPriorityRange(t *testing.T) {
	var b = NewBus(testMetrics(), false)
	var sub = b.Subscribe(Filter{FilterByPriority: true, MinPriority: 5, MaxPriority: 10})

	require.NoError(t, b.Publish(eos.OrderedEvent{GlobalSeq: 1}, 1, nil))
	require.NoError(t, b.Publish(eos.OrderedEvent{GlobalSeq: 2}, 7, nil))

	b.Unsubscribe(sub)
	var ev, ok = sub.Next()
	require.True(t, ok)
	require.Equal(t, uint64(2), ev.GlobalSeq)
}

func TestCausalGateRejectsPublishBeforeParentDelivered(t *testing.T) {
	var b = NewBus(testMetrics(), true)
	var err = b.Publish(eos.OrderedEvent{GlobalSeq: 2}, 0, []uint64{1})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Protocol))

	require.NoError(t, b.Publish(eos.OrderedEvent{GlobalSeq: 1}, 0, nil))
	require.NoError(t, b.Publish(eos.OrderedEvent{GlobalSeq: 2}, 0, []uint64{1}))
}

func TestUnsubscribeClosesSubscription(t *testing.T) {
	var b = NewBus(testMetrics(), false)
	var sub = b.Subscribe(Filter{})
	b.Unsubscribe(sub)
	var _, ok = sub.Next()
	require.False(t, ok)
}
