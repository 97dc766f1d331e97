// Package eos implements the Event Ordering Service (C5): it assigns
// every submitted event a monotone global_seq, a Lamport timestamp and a
// vector-clock snapshot, retains a bounded ordered window of recent
// events, detects gaps in per-boundary sequence numbers, and resolves
// conflicting concurrent writers to the same entity (§4.4).
package eos

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"vexfs/go/clock"
	"vexfs/go/config"
	"vexfs/go/errs"
	"vexfs/go/ids"
	"vexfs/go/ops"
	"vexfs/go/wire"
)

// Draft is the caller-supplied shape of an event before the service
// assigns it order.
type Draft struct {
	Node           ids.NodeTag
	Boundary       wire.Boundary
	Kind           wire.EventKind
	Payload        []byte
	Metadata       []byte
	SourceSeq      uint64 // the boundary's own monotone counter, for gap detection
	HasSourceSeq   bool
	LamportHint    uint64 // a remote Lamport value this event must be ordered after
	HasLamportHint bool
}

// OrderedEvent is a Draft after the service has stamped it with order.
type OrderedEvent struct {
	GlobalSeq uint64
	Lamport   uint64
	VClock    clock.Vector
	Node      ids.NodeTag
	Boundary  wire.Boundary
	Kind      wire.EventKind
	Payload   []byte
	Metadata  []byte
}

// GapHandler is invoked when a boundary's SourceSeq jumps by more than
// Config.MaxSequenceGap, the signal the Recovery Orchestrator (C10)
// subscribes to in order to force a resynchronization.
type GapHandler func(boundary wire.Boundary, expected, got uint64)

// defaultRetention bounds the in-memory ordered window; it is not
// configurable.
const defaultRetention = 10000

// Service is the Event Ordering Service.
type Service struct {
	cfg     *config.Config
	metrics *ops.Metrics
	log     *log.Entry

	mu          sync.Mutex
	globalSeq   uint64
	lamport     *clock.Lamport
	vclock      clock.Vector
	lastSource  map[wire.Boundary]uint64
	haveSource  map[wire.Boundary]bool
	retained    *lru.Cache[uint64, OrderedEvent]
	order       []uint64 // insertion order of keys still thought to be live in retained

	gapHandlers []GapHandler

	// CustomResolver, when set, backs config.CustomResolver in Resolve
	// (§12 supplemented pluggable conflict resolution).
	CustomResolver func(candidates []OrderedEvent) (OrderedEvent, error)
}

// NewService constructs an Event Ordering Service whose retained window
// holds at most defaultRetention events.
func NewService(cfg *config.Config, metrics *ops.Metrics) *Service {
	var cache, _ = lru.New[uint64, OrderedEvent](defaultRetention)
	return &Service{
		cfg:        cfg,
		metrics:    metrics,
		log:        ops.Logger("eos"),
		lamport:    clock.NewLamport(),
		vclock:     clock.Vector{},
		lastSource: make(map[wire.Boundary]uint64),
		haveSource: make(map[wire.Boundary]bool),
		retained:   cache,
	}
}

// OnGap registers h to be called whenever a submission's SourceSeq jumps
// by more than Config.MaxSequenceGap.
func (s *Service) OnGap(h GapHandler) {
	s.mu.Lock()
	s.gapHandlers = append(s.gapHandlers, h)
	s.mu.Unlock()
}

// Submit assigns draft the next global_seq, Lamport value and merged
// vector clock, retains it, and returns the resulting OrderedEvent.
func (s *Service) Submit(draft Draft) (OrderedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if draft.HasSourceSeq {
		s.checkGapLocked(draft.Boundary, draft.SourceSeq)
		s.lastSource[draft.Boundary] = draft.SourceSeq
		s.haveSource[draft.Boundary] = true
	}

	s.globalSeq++
	var lamport uint64
	if draft.HasLamportHint {
		lamport = s.lamport.Observe(draft.LamportHint)
	} else {
		lamport = s.lamport.Tick()
	}
	var ev = OrderedEvent{
		GlobalSeq: s.globalSeq,
		Lamport:   lamport,
		Node:      draft.Node,
		Boundary:  draft.Boundary,
		Kind:      draft.Kind,
		Payload:   draft.Payload,
		Metadata:  draft.Metadata,
	}
	if s.cfg.Substrate.EnableVectorClocks {
		s.vclock = s.vclock.Advance(draft.Node)
		ev.VClock = s.vclock.Copy()
	}

	s.retained.Add(ev.GlobalSeq, ev)
	s.order = append(s.order, ev.GlobalSeq)
	if len(s.order) > defaultRetention {
		s.order = s.order[len(s.order)-defaultRetention:]
	}

	s.metrics.EOSGlobalSeq.Set(float64(s.globalSeq))
	s.metrics.EOSRetainedLen.Set(float64(s.retained.Len()))
	return ev, nil
}

// checkGapLocked must be called with s.mu held.
func (s *Service) checkGapLocked(boundary wire.Boundary, got uint64) {
	if !s.haveSource[boundary] {
		return
	}
	var expected = s.lastSource[boundary] + 1
	if got <= expected {
		return
	}
	if got-expected > s.cfg.Substrate.MaxSequenceGap {
		s.metrics.EOSGapCount.Inc()
		s.log.WithField("boundary", boundary).WithField("expected", expected).WithField("got", got).
			Warn("sequence gap exceeded tolerance")
		for _, h := range s.gapHandlers {
			h(boundary, expected, got)
		}
	}
}

// GetOrdered returns up to limit retained events with GlobalSeq > since,
// in ascending order. A since of 0 returns from the start of the
// retained window.
func (s *Service) GetOrdered(limit int, since uint64) []OrderedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []OrderedEvent
	for _, seq := range s.order {
		if seq <= since {
			continue
		}
		var ev, ok = s.retained.Get(seq)
		if !ok {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Resolve picks the winning event among candidates (all writes
// conflicting on the same logical entity) per the configured
// ConflictResolutionStrategy.
func (s *Service) Resolve(candidates []OrderedEvent) (OrderedEvent, error) {
	if len(candidates) == 0 {
		return OrderedEvent{}, errs.New(errs.Invariant, "resolve requires at least one candidate")
	}
	switch s.cfg.Substrate.ConflictResolutionStrategy {
	case config.FirstWriterWins:
		var best = candidates[0]
		for _, c := range candidates[1:] {
			if c.Lamport < best.Lamport || (c.Lamport == best.Lamport && c.GlobalSeq < best.GlobalSeq) {
				best = c
			}
		}
		return best, nil
	case config.CustomResolver:
		if s.CustomResolver == nil {
			return OrderedEvent{}, errs.New(errs.Protocol, "custom conflict resolver configured but not registered")
		}
		return s.CustomResolver(candidates)
	case config.LastWriterWins:
		fallthrough
	default:
		var best = candidates[0]
		for _, c := range candidates[1:] {
			if c.Lamport > best.Lamport || (c.Lamport == best.Lamport && c.GlobalSeq > best.GlobalSeq) {
				best = c
			}
		}
		return best, nil
	}
}
