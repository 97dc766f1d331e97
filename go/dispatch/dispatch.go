// Package dispatch implements the Dispatch Personality contract (C9): a
// uniform Op type that a kernel module, a FUSE daemon, or an agent-facing
// API translates its native requests into, and a single Dispatcher that
// opens a Unified Transaction Coordinator transaction per mutating Op
// (bypassing transactions entirely for reads at ReadCommitted isolation,
// §4.8), translating OS-level errors into the shared error taxonomy.
package dispatch

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"vexfs/go/errs"
	"vexfs/go/ids"
	"vexfs/go/ops"
	"vexfs/go/txn"
	"vexfs/go/wire"
)

// OpKind enumerates the filesystem-level operations every Personality
// translates its native requests into.
type OpKind int

const (
	OpRead OpKind = iota + 1
	OpWrite
	OpCreate
	OpUnlink
	OpMkdir
	OpRmdir
	OpRename
	OpSetAttr
)

func (k OpKind) readOnly() bool { return k == OpRead }

// Op is the uniform unit of work a Personality hands to the Dispatcher.
type Op struct {
	Kind     OpKind
	Boundary wire.Boundary
	Inode    ids.InodeId
	Priority int
	Payload  []byte
}

// Personality translates a boundary's native request representation
// into an Op. The kernel and FUSE personalities differ only in this
// translation; the Dispatcher and the transaction semantics beneath it
// are shared.
type Personality interface {
	Translate(raw any) (Op, error)
}

// Participants groups the transaction participants a mutating Op enlists.
type Participants struct {
	Journal txn.Participant
	Vector  txn.Participant
	Graph   txn.Participant
	Extra   []txn.Participant
}

// Handler executes the filesystem-level effect of an Op against already
// Prepare-able participants, staging whatever writes the Op implies. It
// does not itself commit; the Dispatcher drives 2PC around it.
type Handler func(ctx context.Context, txID uuid.UUID, op Op) error

// Dispatcher is the single entry point every Personality calls through.
type Dispatcher struct {
	coord        *txn.Coordinator
	participants Participants
	handler      Handler
	reader       func(ctx context.Context, op Op) ([]byte, error)
	log          *log.Entry
}

// NewDispatcher constructs a Dispatcher. reader serves OpRead directly
// against committed state, without opening a transaction (§4.8 read-only
// bypass at ReadCommitted isolation).
func NewDispatcher(coord *txn.Coordinator, participants Participants, handler Handler, reader func(ctx context.Context, op Op) ([]byte, error)) *Dispatcher {
	return &Dispatcher{
		coord:        coord,
		participants: participants,
		handler:      handler,
		reader:       reader,
		log:          ops.Logger("dispatch"),
	}
}

// Dispatch routes op through the read bypass or a full 2PC transaction.
func (d *Dispatcher) Dispatch(ctx context.Context, op Op) ([]byte, error) {
	if op.Kind.readOnly() {
		var data, err = d.reader(ctx, op)
		if err != nil {
			return nil, MapOSError(err)
		}
		return data, nil
	}

	var tx, beginErr = d.coord.Begin(txn.ReadCommitted, op.Priority)
	if beginErr != nil {
		return nil, beginErr
	}

	for _, p := range d.enlistSet(op) {
		if err := d.coord.Enlist(tx, p); err != nil {
			_ = d.coord.Abort(ctx, tx)
			return nil, err
		}
	}
	tx.AddOp()

	if err := d.handler(ctx, tx.ID, op); err != nil {
		_ = d.coord.Abort(ctx, tx)
		return nil, MapOSError(err)
	}

	if err := d.coord.Commit(ctx, tx); err != nil {
		return nil, err
	}
	return nil, nil
}

func (d *Dispatcher) enlistSet(op Op) []txn.Participant {
	var out []txn.Participant
	if d.participants.Journal != nil {
		out = append(out, d.participants.Journal)
	}
	switch op.Kind {
	case OpCreate, OpUnlink, OpRename, OpSetAttr, OpMkdir, OpRmdir:
		if d.participants.Graph != nil {
			out = append(out, d.participants.Graph)
		}
	case OpWrite:
		if d.participants.Vector != nil {
			out = append(out, d.participants.Vector)
		}
	}
	out = append(out, d.participants.Extra...)
	return out
}

// MapOSError maps a standard-library OS-level error to the shared error
// taxonomy of §7, so that callers above the personality boundary never
// need to branch on *os.PathError or errors.Is(os.ErrNotExist, ...).
func MapOSError(err error) error {
	if err == nil {
		return nil
	}
	var existing *errs.Error
	if errors.As(err, &existing) {
		return err
	}
	switch {
	case os.IsNotExist(err), errors.Is(err, fs.ErrNotExist):
		return errs.Wrap(errs.NotFound, "no such filesystem object", err)
	case os.IsExist(err), errors.Is(err, fs.ErrExist):
		return errs.Wrap(errs.Conflict, "filesystem object already exists", err)
	case os.IsPermission(err), errors.Is(err, fs.ErrPermission):
		return errs.Wrap(errs.Protocol, "permission denied", err)
	case errors.Is(err, context.DeadlineExceeded):
		return errs.Wrap(errs.Timeout, "operation deadline exceeded", err)
	case errors.Is(err, context.Canceled):
		return errs.Wrap(errs.Cancelled, "operation cancelled", err)
	default:
		return errs.Wrap(errs.Unavailable, "unclassified os-level error", err)
	}
}
