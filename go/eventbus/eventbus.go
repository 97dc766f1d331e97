// Package eventbus implements the Semantic Event Bus (C8): fan-out
// delivery of ordered events to pattern-filtered subscribers, each with
// its own FIFO queue, gated so that an event is not delivered to a
// subscriber until every event it causally depends on already has been
// (§12 supplemented feature; the distilled spec names causal ordering
// as an EOS property but leaves delivery gating unspecified).
package eventbus

import (
	"regexp"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"vexfs/go/eos"
	"vexfs/go/errs"
	"vexfs/go/ops"
	"vexfs/go/wire"
)

// Filter selects which published events a Subscription receives. A zero
// field matches any value for that dimension.
type Filter struct {
	Kind             wire.EventKind
	Boundary         wire.Boundary
	FilterByPriority bool
	MinPriority      int
	MaxPriority      int
	MetadataRegexp   *regexp.Regexp
}

func (f Filter) matches(ev eos.OrderedEvent, priority int) bool {
	if f.Kind != 0 && f.Kind != ev.Kind {
		return false
	}
	if f.Boundary != 0 && f.Boundary != ev.Boundary {
		return false
	}
	if f.FilterByPriority && (priority < f.MinPriority || priority > f.MaxPriority) {
		return false
	}
	if f.MetadataRegexp != nil && !f.MetadataRegexp.Match(ev.Metadata) {
		return false
	}
	return true
}

// Subscription is a single consumer's ordered, bounded event queue.
type Subscription struct {
	id     uint64
	filter Filter

	mu      sync.Mutex
	queue   []eos.OrderedEvent
	closed  bool
	notify  chan struct{}
}

const defaultSubscriptionCapacity = 4096

func newSubscription(id uint64, filter Filter) *Subscription {
	return &Subscription{id: id, filter: filter, notify: make(chan struct{}, 1)}
}

// Next blocks until at least one event is available or the subscription
// is closed, returning a zero OrderedEvent and false in the latter case.
func (s *Subscription) Next() (eos.OrderedEvent, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			var ev = s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, true
		}
		if s.closed {
			s.mu.Unlock()
			return eos.OrderedEvent{}, false
		}
		s.mu.Unlock()
		<-s.notify
	}
}

func (s *Subscription) enqueue(ev eos.OrderedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) >= defaultSubscriptionCapacity {
		return errs.New(errs.Capacity, "subscription queue full")
	}
	s.queue = append(s.queue, ev)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

func (s *Subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Bus is the Semantic Event Bus.
type Bus struct {
	metrics *ops.Metrics
	log     *log.Entry

	mu          sync.Mutex
	nextSubID   uint64
	subs        map[uint64]*Subscription
	delivered   *lru.Cache[uint64, bool] // dedup: global_seq already fanned out
	causalGate  bool
}

// NewBus constructs a Bus. causalGate enables §12's causal gating:
// Publish rejects an event with a Protocol error, buffering nothing,
// unless every causal parent's global_seq has already been delivered.
func NewBus(metrics *ops.Metrics, causalGate bool) *Bus {
	var cache, _ = lru.New[uint64, bool](1 << 16)
	return &Bus{
		metrics:    metrics,
		log:        ops.Logger("eventbus"),
		subs:       make(map[uint64]*Subscription),
		delivered:  cache,
		causalGate: causalGate,
	}
}

// Subscribe registers a new Subscription matching filter.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	var sub = newSubscription(b.nextSubID, filter)
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe closes and removes sub.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
	sub.close()
}

// Publish fans ev out to every matching subscription, gated on causal
// parents already having been delivered when causalGate is enabled.
func (b *Bus) Publish(ev eos.OrderedEvent, priority int, causalParents []uint64) error {
	if b.causalGate {
		for _, parent := range causalParents {
			if _, ok := b.delivered.Get(parent); !ok {
				return errs.New(errs.Protocol, "event published before a causal parent was delivered")
			}
		}
	}

	b.mu.Lock()
	var subs = make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if !s.filter.matches(ev, priority) {
			continue
		}
		if err := s.enqueue(ev); err != nil {
			b.log.WithError(err).WithField("sub", s.id).Warn("subscriber dropped event")
		}
	}
	b.delivered.Add(ev.GlobalSeq, true)
	return nil
}
