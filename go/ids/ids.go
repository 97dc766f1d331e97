// Package ids defines the opaque identifier types shared across every
// VexFS component, so that components reference each other's entities
// without holding long-lived pointers into one another's arenas.
package ids

import "fmt"

// BlockId addresses a fixed-size block on the underlying device.
type BlockId uint64

// InodeId addresses a filesystem object.
type InodeId uint64

// VectorId addresses a VectorRecord. Vectors use a 128-bit identifier
// so that embedding pipelines may mint them without a central allocator.
type VectorId [16]byte

func (v VectorId) String() string { return fmt.Sprintf("%032x", [16]byte(v)) }

// NodeId addresses a GraphNode.
type NodeId uint64

// EdgeId addresses a GraphEdge.
type EdgeId uint64

// LSN is a Log Sequence Number: a monotone position within the journal.
type LSN uint64

// ParticipantTag names a kind of transaction participant.
type ParticipantTag string

const (
	ParticipantJournal  ParticipantTag = "journal"
	ParticipantVector   ParticipantTag = "vector"
	ParticipantGraph    ParticipantTag = "graph"
	ParticipantSemantic ParticipantTag = "semantic"
)

// BoundaryTag names an address-space or trust boundary that semantic
// events may originate from or be streamed across (e.g. kernel, fuse).
type BoundaryTag string

const (
	BoundaryKernel    BoundaryTag = "kernel"
	BoundaryUserspace BoundaryTag = "userspace"
	BoundaryAgent     BoundaryTag = "agent"
)

// NodeTag names a vector-clock component owner. Distinct from BoundaryTag
// because a boundary may host more than one clock-advancing actor over its
// lifetime (e.g. successive daemon restarts), though in the common case
// NodeTag and BoundaryTag coincide.
type NodeTag string
