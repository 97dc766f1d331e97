// Package clock implements the Lamport timestamp and vector clock used by
// the Event Ordering Service to establish causal order across boundaries
// (§3.1, §4.4). The vector clock's merge/compare shape is grounded on the
// teacher's go/testing.Clock (an Etcd-revision + per-journal-offset
// vector used to decide "happened before" between readers and writers),
// generalized here from journal offsets to per-NodeTag Lamport counters.
package clock

import "vexfs/go/ids"

// Vector is a vector clock: one monotone counter per NodeTag that has
// ever advanced it. A zero Vector is the identity element for Merge.
type Vector map[ids.NodeTag]uint64

// Copy returns a deep copy of v.
func (v Vector) Copy() Vector {
	if v == nil {
		return nil
	}
	var out = make(Vector, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Advance increments the counter owned by node and returns the new Vector.
// The receiver is not mutated.
func (v Vector) Advance(node ids.NodeTag) Vector {
	var out = v.Copy()
	if out == nil {
		out = make(Vector, 1)
	}
	out[node]++
	return out
}

// Merge returns the component-wise maximum of v and other: the standard
// vector-clock merge performed when a boundary observes another's clock.
func (v Vector) Merge(other Vector) Vector {
	var out = v.Copy()
	if out == nil {
		out = make(Vector, len(other))
	}
	for node, rhs := range other {
		if lhs, ok := out[node]; !ok || lhs < rhs {
			out[node] = rhs
		}
	}
	return out
}

// Precedes reports whether v happened-before other: every component of v
// is less than or equal to the corresponding component of other, and at
// least one is strictly less (or other has a nonzero component that v
// lacks).
func (v Vector) Precedes(other Vector) bool {
	if len(v) == 0 && len(other) == 0 {
		return false
	}
	var strictlyLess bool
	for node, lhs := range v {
		rhs := other[node]
		if lhs > rhs {
			return false
		}
		if lhs < rhs {
			strictlyLess = true
		}
	}
	for node, rhs := range other {
		if _, ok := v[node]; !ok && rhs > 0 {
			strictlyLess = true
		}
	}
	return strictlyLess
}

// Concurrent reports whether neither v nor other happened-before the other.
func (v Vector) Concurrent(other Vector) bool {
	return !v.Precedes(other) && !other.Precedes(v) && !v.Equal(other)
}

// Equal reports whether v and other have identical components (treating
// a missing component as zero).
func (v Vector) Equal(other Vector) bool {
	for node, lhs := range v {
		if other[node] != lhs {
			return false
		}
	}
	for node, rhs := range other {
		if v[node] != rhs {
			return false
		}
	}
	return true
}

// Lamport is a Lamport scalar clock, monotone under Tick and Observe.
type Lamport struct {
	value uint64
}

// NewLamport returns a Lamport clock starting at zero.
func NewLamport() *Lamport { return &Lamport{} }

// Tick advances the clock for a local event and returns the new value.
func (l *Lamport) Tick() uint64 {
	l.value++
	return l.value
}

// Observe folds in a timestamp seen on an incoming event: the clock
// becomes max(local, hint)+1, and that value is returned.
func (l *Lamport) Observe(hint uint64) uint64 {
	if hint > l.value {
		l.value = hint
	}
	l.value++
	return l.value
}

// Value returns the current value without advancing it.
func (l *Lamport) Value() uint64 { return l.value }
