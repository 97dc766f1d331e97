// Package bsm implements the Boundary Synchronization Manager (C7): it
// owns one Stream per address-space boundary (kernel, userspace, agent),
// each delivering ordered SemanticEvents with backpressure, checkpointing
// and health tracking (§4.6). The group-commit writer
// goroutine shape here is grounded on journal.Journal's writer: a single
// goroutine owns a stream's queue and its downstream sink.
package bsm

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"vexfs/go/errs"
	"vexfs/go/ids"
	"vexfs/go/ops"
	"vexfs/go/wire"
)

// StrategyKind selects how a Stream batches events for its sink (§4.6).
type StrategyKind int

const (
	// Immediate delivers every event to the sink as soon as it is queued.
	Immediate StrategyKind = iota
	// Batched coalesces events arriving within Window, up to MaxEvents.
	Batched
	// Adaptive starts Immediate and switches to Batched once the queue's
	// arrival rate crosses RateThreshold, reverting once it subsides.
	Adaptive
)

// Strategy configures a Stream's batching behavior.
type Strategy struct {
	Kind          StrategyKind
	Window        time.Duration
	MaxEvents     int
	RateThreshold float64 // events/sec; only meaningful for Adaptive
}

// Sink receives batches of events a Stream has drained, in FIFO order.
type Sink interface {
	Deliver(boundary wire.Boundary, events []wire.EventRecord) error
}

// Stream is a single boundary's ordered, backpressured event channel.
type Stream struct {
	boundary wire.Boundary
	strategy Strategy
	sink     Sink
	metrics  *ops.Metrics
	log      *log.Entry

	mu        sync.Mutex
	queue     []wire.EventRecord
	checkpoint uint64 // highest GlobalSeq the sink has acknowledged
	healthy   bool
	running   bool

	limiter *rate.Limiter // tracks recent arrival rate for Adaptive switching

	queueCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

const defaultQueueCapacity = 4096

// NewStream constructs a Stream for boundary, delivering drained batches to sink.
func NewStream(boundary wire.Boundary, strategy Strategy, sink Sink, metrics *ops.Metrics) *Stream {
	return &Stream{
		boundary: boundary,
		strategy: strategy,
		sink:     sink,
		metrics:  metrics,
		log:      ops.Logger("bsm").WithField("boundary", boundary),
		healthy:  true,
		limiter:  rate.NewLimiter(rate.Limit(strategy.RateThreshold), 1),
		queueCh:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the stream's drain loop.
func (s *Stream) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()
	go s.run()
}

// Stop signals the drain loop to exit and waits for it to finish.
func (s *Stream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	var stopCh, doneCh = s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// Enqueue admits ev into the stream's backlog, returning a Capacity error
// if the bounded queue is full (backpressure, §4.6).
func (s *Stream) Enqueue(ev wire.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) >= defaultQueueCapacity {
		s.metrics.StreamDropCount.WithLabelValues(streamLabel(s.boundary)).Inc()
		return errs.New(errs.Capacity, "boundary stream queue is full")
	}
	s.queue = append(s.queue, ev)
	s.metrics.StreamQueueDepth.WithLabelValues(streamLabel(s.boundary)).Set(float64(len(s.queue)))
	select {
	case s.queueCh <- struct{}{}:
	default:
	}
	return nil
}

// Status reports the stream's current backlog length, health and
// checkpoint.
type Status struct {
	QueueDepth int
	Healthy    bool
	Checkpoint uint64
}

func (s *Stream) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{QueueDepth: len(s.queue), Healthy: s.healthy, Checkpoint: s.checkpoint}
}

// Checkpoint returns the stream's last acknowledged GlobalSeq, the
// in-memory cut the Recovery Orchestrator resumes the stream from (§4.7).
func (s *Stream) Checkpoint() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoint
}

// Recover resumes delivery from after the given checkpoint, discarding
// anything already queued before it (used after a restart once the
// Recovery Orchestrator has replayed events from EOS).
func (s *Stream) Recover(fromCheckpoint uint64) {
	s.mu.Lock()
	s.checkpoint = fromCheckpoint
	s.healthy = true
	var kept = s.queue[:0]
	for _, ev := range s.queue {
		if ev.GlobalSeq > fromCheckpoint {
			kept = append(kept, ev)
		}
	}
	s.queue = kept
	s.metrics.StreamQueueDepth.WithLabelValues(streamLabel(s.boundary)).Set(float64(len(s.queue)))
	s.mu.Unlock()
}

func streamLabel(b wire.Boundary) string {
	return string(b.BoundaryTag())
}

// run is the single drain goroutine: it batches the queue per Strategy
// and hands batches to Sink.Deliver. On a sink failure it marks the
// stream unhealthy, logs the error and drops that batch; the stream is
// marked healthy again after the next successful delivery. The stream is
// not restarted automatically, and Config.EnableAutoRecovery is not read.
func (s *Stream) run() {
	defer close(s.doneCh)

	var useBatching = s.strategy.Kind != Immediate
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.queueCh:
		}

		if useBatching && s.strategy.Kind == Batched {
			time.Sleep(s.strategy.Window)
		}
		if s.strategy.Kind == Adaptive {
			s.adaptWindow()
		}

		var batch = s.drain()
		if len(batch) == 0 {
			continue
		}
		if err := s.sink.Deliver(s.boundary, batch); err != nil {
			s.mu.Lock()
			s.healthy = false
			s.mu.Unlock()
			s.log.WithError(err).Error("stream sink delivery failed")
			continue
		}
		s.mu.Lock()
		s.healthy = true
		s.checkpoint = batch[len(batch)-1].GlobalSeq
		s.mu.Unlock()
		s.metrics.StreamDrainRate.WithLabelValues(streamLabel(s.boundary)).Add(float64(len(batch)))
	}
}

// adaptWindow switches an Adaptive stream between immediate and batched
// delivery based on observed arrival rate, per §4.6.
func (s *Stream) adaptWindow() {
	if !s.limiter.Allow() {
		// Arrivals are outpacing RateThreshold: coalesce for Window before draining.
		time.Sleep(s.strategy.Window)
	}
}

// drain removes and returns the queued records: up to MaxEvents for
// Batched, all of them for Immediate and Adaptive.
func (s *Stream) drain() []wire.EventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n = len(s.queue)
	if s.strategy.Kind == Batched && s.strategy.MaxEvents > 0 && n > s.strategy.MaxEvents {
		n = s.strategy.MaxEvents
	}
	var batch = s.queue[:n]
	s.queue = s.queue[n:]
	s.metrics.StreamQueueDepth.WithLabelValues(streamLabel(s.boundary)).Set(float64(len(s.queue)))
	return batch
}

// Manager owns one Stream per boundary and the lifecycle operations
// §4.6 exposes at the service level: create_stream, start, stop,
// synchronize, status, recover.
type Manager struct {
	metrics *ops.Metrics
	log     *log.Entry

	mu      sync.Mutex
	streams map[ids.BoundaryTag]*Stream
}

func NewManager(metrics *ops.Metrics) *Manager {
	return &Manager{
		metrics: metrics,
		log:     ops.Logger("bsm"),
		streams: make(map[ids.BoundaryTag]*Stream),
	}
}

// CreateStream registers and returns a new Stream for boundary.
func (m *Manager) CreateStream(boundary wire.Boundary, strategy Strategy, sink Sink) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var tag = boundary.BoundaryTag()
	if _, exists := m.streams[tag]; exists {
		return nil, errs.New(errs.Invariant, "stream already exists for boundary")
	}
	var s = NewStream(boundary, strategy, sink, m.metrics)
	m.streams[tag] = s
	return s, nil
}

// Stream returns the registered stream for a boundary, if any.
func (m *Manager) Stream(tag ids.BoundaryTag) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s, ok = m.streams[tag]
	return s, ok
}

// Streams returns every currently registered stream, for callers (like
// the Recovery Orchestrator) that must act on all of them uniformly.
func (m *Manager) Streams() []*Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out = make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		out = append(out, s)
	}
	return out
}

// Synchronize blocks until every registered stream's queue is empty,
// i.e. every currently-queued event has been offered to its sink.
func (m *Manager) Synchronize() {
	m.mu.Lock()
	var all = make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		all = append(all, s)
	}
	m.mu.Unlock()

	for _, s := range all {
		for s.Status().QueueDepth > 0 {
			time.Sleep(time.Millisecond)
		}
	}
}

// StopAll stops every registered stream.
func (m *Manager) StopAll() {
	m.mu.Lock()
	var all = make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		s.Stop()
	}
}
