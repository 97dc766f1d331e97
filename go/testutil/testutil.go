// Package testutil collects small in-memory test doubles shared across
// the substrate's package tests, grounded on the teacher's go/testing
// package (a small, dependency-free harness of fakes rather than mocks
// generated from interfaces).
package testutil

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"vexfs/go/ids"
	"vexfs/go/txn"
)

// MemParticipant is an in-memory txn.Participant recording every
// Prepare/Commit/Abort it receives, for tests that exercise the
// Coordinator's 2PC protocol without any real storage engine.
type MemParticipant struct {
	tag ids.ParticipantTag

	mu         sync.Mutex
	RefusePrep bool
	FailCommit int // number of times Commit should fail before succeeding, for retry tests
	Prepared   map[uuid.UUID]bool
	Committed  map[uuid.UUID]bool
	Aborted    map[uuid.UUID]bool
}

// NewMemParticipant constructs a MemParticipant for the given tag.
func NewMemParticipant(tag ids.ParticipantTag) *MemParticipant {
	return &MemParticipant{
		tag:       tag,
		Prepared:  map[uuid.UUID]bool{},
		Committed: map[uuid.UUID]bool{},
		Aborted:   map[uuid.UUID]bool{},
	}
}

var _ txn.Participant = (*MemParticipant)(nil)

func (m *MemParticipant) Tag() ids.ParticipantTag { return m.tag }

func (m *MemParticipant) Capabilities() map[txn.Capability]bool {
	return map[txn.Capability]bool{
		txn.CapStage: true, txn.CapPrepare: true, txn.CapCommit: true, txn.CapAbort: true,
	}
}

func (m *MemParticipant) Prepare(ctx context.Context, txID uuid.UUID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RefusePrep {
		return nil, errRefused
	}
	m.Prepared[txID] = true
	return []byte(m.tag), nil
}

func (m *MemParticipant) Commit(ctx context.Context, txID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCommit > 0 {
		m.FailCommit--
		return errTransientCommit
	}
	m.Committed[txID] = true
	return nil
}

func (m *MemParticipant) Abort(ctx context.Context, txID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Aborted[txID] = true
	return nil
}

// WasCommitted reports whether txID was ever committed.
func (m *MemParticipant) WasCommitted(txID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Committed[txID]
}

// WasAborted reports whether txID was ever aborted.
func (m *MemParticipant) WasAborted(txID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Aborted[txID]
}
