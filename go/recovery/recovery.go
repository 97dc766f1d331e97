// Package recovery implements the Recovery Orchestrator (C10): the
// startup sequence that reads the last checkpoint LSN from the
// superblock, replays the journal after it, classifies every transaction touched since as Committed,
// Aborted or Forgotten, instructs participants to redo or discard
// accordingly, resumes Boundary Synchronization Manager streams from
// their last checkpoint, and only then opens the substrate for traffic
// (§4.7).
package recovery

import (
	"context"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"vexfs/go/bsm"
	"vexfs/go/errs"
	"vexfs/go/journal"
	"vexfs/go/ops"
	"vexfs/go/txn"
)

// Outcome is the terminal classification Recover assigns a transaction
// found in the journal since the last checkpoint.
type Outcome int

const (
	// Committed means a RecTxCommit was observed: participants redo.
	Committed Outcome = iota + 1
	// Aborted means a RecTxAbort was observed: participants discard.
	Aborted
	// Forgotten means neither a commit nor an abort record was ever
	// written -- the coordinator crashed mid-2PC. Forgotten transactions
	// are treated as Aborted (§4.7: commit is only deemed to have
	// happened once its RecTxCommit record is durable).
	Forgotten
)

func (o Outcome) String() string {
	switch o {
	case Committed:
		return "Committed"
	case Aborted:
		return "Aborted"
	case Forgotten:
		return "Forgotten"
	default:
		return "Unknown"
	}
}

// Orchestrator drives the startup recovery sequence.
type Orchestrator struct {
	dev          journal.Device
	j            *journal.Journal
	bsmMgr       *bsm.Manager
	participants []txn.Participant
	log          *log.Entry
}

// New constructs an Orchestrator over an already-Resume'd Journal.
func New(dev journal.Device, j *journal.Journal, bsmMgr *bsm.Manager, participants []txn.Participant) *Orchestrator {
	return &Orchestrator{dev: dev, j: j, bsmMgr: bsmMgr, participants: participants, log: ops.Logger("recovery")}
}

// Recover runs the full startup sequence and returns the classification
// it assigned every transaction touched since the last checkpoint.
func (o *Orchestrator) Recover(ctx context.Context) (map[uuid.UUID]Outcome, error) {
	var sb, err = journal.ReadSuperblock(o.dev)
	if err != nil {
		return nil, errs.Wrap(errs.Corruption, "recovery could not read superblock", err)
	}

	var records, replayErr = o.j.Replay(sb.CheckpointLSN + 1)
	if replayErr != nil {
		return nil, errs.Wrap(errs.Corruption, "recovery could not replay journal", replayErr)
	}

	var outcomes = classify(records)
	for txID, outcome := range outcomes {
		switch outcome {
		case Committed:
			o.redo(ctx, txID)
		case Aborted, Forgotten:
			o.discard(ctx, txID)
		}
	}

	if o.bsmMgr != nil {
		o.resumeStreams()
	}

	o.log.WithField("transactions", len(outcomes)).Info("recovery complete")
	return outcomes, nil
}

func (o *Orchestrator) redo(ctx context.Context, txID uuid.UUID) {
	for _, p := range o.participants {
		if err := p.Commit(ctx, txID); err != nil {
			o.log.WithError(err).WithField("tx", txID).WithField("participant", p.Tag()).
				Error("recovery redo failed; will require operator intervention")
		}
	}
}

func (o *Orchestrator) discard(ctx context.Context, txID uuid.UUID) {
	for _, p := range o.participants {
		if err := p.Abort(ctx, txID); err != nil {
			o.log.WithError(err).WithField("tx", txID).WithField("participant", p.Tag()).
				Warn("recovery discard failed")
		}
	}
}

// resumeStreams re-arms every boundary stream from its own last
// acknowledged checkpoint and starts its drain loop.
func (o *Orchestrator) resumeStreams() {
	for _, s := range o.bsmMgr.Streams() {
		s.Recover(s.Checkpoint())
		s.Start()
	}
}

// classify assigns every TxID present in records its terminal Outcome. A
// lone RecTxBegin or RecTxPrepare with no terminal record means the
// coordinator crashed mid-2PC. Coordinator.Enlist writes RecTxBegin
// through the journal participant, and Coordinator.Commit appends
// RecTxPrepare after every participant has voted.
func classify(records []journal.Record) map[uuid.UUID]Outcome {
	var outcomes = make(map[uuid.UUID]Outcome)
	for _, r := range records {
		switch r.Type {
		case journal.RecTxBegin, journal.RecTxPrepare:
			if _, seen := outcomes[r.TxID]; !seen {
				outcomes[r.TxID] = Forgotten
			}
		case journal.RecTxCommit:
			outcomes[r.TxID] = Committed
		case journal.RecTxAbort:
			outcomes[r.TxID] = Aborted
		}
	}
	return outcomes
}
