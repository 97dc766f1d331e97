// Package txn implements the Unified Transaction Coordinator (C6): the
// central engine of the substrate, driving two-phase commit across the
// journal, vector, graph and semantic participants, deadlock detection,
// timeouts and heartbeats (spec §4.5).
package txn

import (
	"context"

	"github.com/google/uuid"

	"vexfs/go/ids"
)

// Capability names one operation a Participant supports. The coordinator
// refuses to enlist a participant lacking any of the four required
// capabilities -- a negotiation step the distilled spec omits but
// original_source/rust/src/cross_layer_consistency.rs performs before
// admitting a participant into a transaction (§12 supplemented feature).
type Capability string

const (
	CapStage     Capability = "stage"
	CapPrepare   Capability = "prepare"
	CapCommit    Capability = "commit"
	CapAbort     Capability = "abort"
	CapHeartbeat Capability = "heartbeat"
)

var requiredCapabilities = []Capability{CapStage, CapPrepare, CapCommit, CapAbort}

// Participant is the capability set every transaction participant
// (Journal, Vector bridge, Graph store, Semantic bus) exposes to the
// coordinator. Domain-specific staging (stage_vector, stage node/edge,
// ...) happens through each participant's own API before Prepare is
// called; Participant only covers the part the coordinator itself drives.
type Participant interface {
	Tag() ids.ParticipantTag
	Capabilities() map[Capability]bool

	// Prepare materializes the transaction's staged effects and returns a
	// digest (a fingerprint of those effects) without making them visible
	// to other transactions.
	Prepare(ctx context.Context, txID uuid.UUID) (digest []byte, err error)
	// Commit makes a previously prepared transaction's effects visible.
	// Commit is irrevocable: once called, the coordinator retries
	// indefinitely rather than surface a failure (§4.5).
	Commit(ctx context.Context, txID uuid.UUID) error
	// Abort discards a transaction's staged (and, if any, prepared) effects.
	Abort(ctx context.Context, txID uuid.UUID) error
}

// Heartbeater is implemented by participants that are remote or external
// and must be polled for liveness (§4.5 Heartbeats).
type Heartbeater interface {
	Heartbeat(ctx context.Context, txID uuid.UUID) error
}

// Locker is implemented by participants that can report their current
// lock-wait edges, feeding the coordinator's wait-for graph (§4.5
// Deadlock detection, §5 "no global lock table").
type Locker interface {
	// WaitEdges returns, for each transaction currently blocked on this
	// participant, the transaction it is waiting behind.
	WaitEdges() map[uuid.UUID]uuid.UUID
}

func hasRequiredCapabilities(p Participant) bool {
	var caps = p.Capabilities()
	for _, c := range requiredCapabilities {
		if !caps[c] {
			return false
		}
	}
	return true
}
