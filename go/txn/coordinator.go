package txn

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"vexfs/go/config"
	"vexfs/go/errs"
	"vexfs/go/ids"
	"vexfs/go/ops"
)

// Isolation is the per-transaction isolation level a caller requests at
// Begin (spec §4.5).
type Isolation int

const (
	ReadCommitted Isolation = iota
	RepeatableRead
	Serializable
)

// Transaction is a single unit of atomic work enlisting one or more
// Participants, driven through State by the Coordinator.
type Transaction struct {
	ID        uuid.UUID
	Isolation Isolation
	Priority  int
	StartedAt time.Time

	mu            sync.Mutex
	state         State
	participants  map[ids.ParticipantTag]Participant
	opCount       int
	lastHeartbeat time.Time
	journalBegun  bool
	waitingOn     uuid.UUID // non-nil while blocked on a lock held by another tx
}

func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) transition(next State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !canTransition(t.state, next) {
		return errs.New(errs.Invariant, "illegal transaction state transition: "+string(t.state)+" -> "+string(next))
	}
	t.state = next
	return nil
}

// Coordinator is the Unified Transaction Coordinator (C6): the engine
// that runs Begin/Enlist/AddOp/Commit/Abort/Status against an arbitrary
// set of Participants, detects deadlocks across them, and times out
// transactions that overstay cfg.TransactionTimeout.
type Coordinator struct {
	cfg     *config.Config
	metrics *ops.Metrics
	log     *log.Entry

	mu      sync.Mutex
	txns    map[uuid.UUID]*Transaction
	lockers map[uuid.UUID][]Locker // every lock-reporting participant enlisted per tx

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCoordinator constructs a Coordinator and starts its background
// deadlock-detection and timeout sweeper goroutines.
func NewCoordinator(cfg *config.Config, metrics *ops.Metrics) *Coordinator {
	var c = &Coordinator{
		cfg:     cfg,
		metrics: metrics,
		log:     ops.Logger("txn"),
		txns:    make(map[uuid.UUID]*Transaction),
		lockers: make(map[uuid.UUID][]Locker),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go c.sweep()
	return c
}

func (c *Coordinator) Close() {
	close(c.stopCh)
	<-c.doneCh
}

// Begin admits a new transaction, rejecting with a Capacity error once
// MaxConcurrentTransactions is in flight (§4.5 admission control).
func (c *Coordinator) Begin(isolation Isolation, priority int) (*Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.txns) >= c.cfg.Substrate.MaxConcurrentTransactions {
		return nil, errs.New(errs.Capacity, "max concurrent transactions reached")
	}
	var t = &Transaction{
		ID:            uuid.New(),
		Isolation:     isolation,
		Priority:      priority,
		StartedAt:     time.Now(),
		state:         StateActive,
		participants:  make(map[ids.ParticipantTag]Participant),
		lastHeartbeat: time.Now(),
	}
	c.txns[t.ID] = t
	c.metrics.TxnActive.Inc()
	return t, nil
}

// txBeginner is implemented by participants that keep a durable log of
// their own and can record a transaction's start -- currently only
// JournalParticipant. Enlist calls it at most once per transaction, so a
// crash before any prepare record is ever written still leaves a
// RecTxBegin trace for recovery to classify as Forgotten (§4.1, §4.7).
type txBeginner interface {
	Begin(txID uuid.UUID) error
}

// prepareRecorder is implemented by the journal participant: the one
// place the combined per-transaction prepare digest set is durably
// recorded (§4.5 step 1). At most one enlisted participant is expected to
// implement it.
type prepareRecorder interface {
	AppendPrepareRecord(txID uuid.UUID, digests map[ids.ParticipantTag][]byte) error
}

// Enlist registers p as a participant in t, refusing participants that
// lack the capabilities the coordinator requires (§12 capability
// negotiation).
func (c *Coordinator) Enlist(t *Transaction, p Participant) error {
	if !hasRequiredCapabilities(p) {
		return errs.New(errs.Protocol, "participant missing required capability")
	}
	t.mu.Lock()
	if t.state != StateActive {
		t.mu.Unlock()
		return errs.New(errs.Invariant, "cannot enlist a participant outside the Active state")
	}
	t.participants[p.Tag()] = p
	var beginner txBeginner
	if b, ok := p.(txBeginner); ok && !t.journalBegun {
		t.journalBegun = true
		beginner = b
	}
	t.mu.Unlock()

	if beginner != nil {
		if err := beginner.Begin(t.ID); err != nil {
			return errs.Wrap(errs.Durability, "recording transaction begin", err)
		}
	}

	if locker, ok := p.(Locker); ok {
		c.mu.Lock()
		c.lockers[t.ID] = append(c.lockers[t.ID], locker)
		c.mu.Unlock()
	}
	return nil
}

// AddOp records that an operation was staged against t, for victim-size
// bookkeeping (AbortSmallest) and observability.
func (t *Transaction) AddOp() {
	t.mu.Lock()
	t.opCount++
	t.mu.Unlock()
}

// Heartbeat refreshes t's liveness, extending its timeout budget.
func (t *Transaction) Heartbeat() {
	t.mu.Lock()
	t.lastHeartbeat = time.Now()
	t.mu.Unlock()
}

// Commit runs the two-phase commit protocol across t's enlisted
// participants: Prepare on every participant concurrently; if any
// refuses, Abort is run on all. Otherwise Commit is run on all, with
// unlimited retry per participant since commit is defined as irrevocable.
func (c *Coordinator) Commit(ctx context.Context, t *Transaction) error {
	if err := t.transition(StatePreparing); err != nil {
		return err
	}

	var digests = make(map[ids.ParticipantTag][]byte)
	var digestsMu sync.Mutex
	var g, gctx = errgroup.WithContext(ctx)
	t.mu.Lock()
	var participants = make([]Participant, 0, len(t.participants))
	for _, p := range t.participants {
		participants = append(participants, p)
	}
	t.mu.Unlock()

	for _, p := range participants {
		var p = p
		g.Go(func() error {
			var digest, err = p.Prepare(gctx, t.ID)
			if err != nil {
				return errs.Wrap(errs.Conflict, "participant refused to prepare", err)
			}
			digestsMu.Lock()
			digests[p.Tag()] = digest
			digestsMu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		_ = t.transition(StateAborting)
		c.runAbort(context.Background(), t, participants)
		_ = t.transition(StateFailed)
		c.finish(t, false)
		return err
	}

	// §4.5 step 1: the combined digest set across every participant is
	// itself recorded into the journal and must be durable before the
	// coordinator decides to commit, so a crash after this point can
	// always be classified Forgotten (and safely discarded) rather than
	// leaving the decision ambiguous.
	for _, p := range participants {
		if recorder, ok := p.(prepareRecorder); ok {
			if err := recorder.AppendPrepareRecord(t.ID, digests); err != nil {
				_ = t.transition(StateAborting)
				c.runAbort(context.Background(), t, participants)
				_ = t.transition(StateFailed)
				c.finish(t, false)
				return errs.Wrap(errs.Durability, "recording combined prepare digests", err)
			}
			break
		}
	}

	if err := t.transition(StatePrepared); err != nil {
		return err
	}
	if err := t.transition(StateCommitting); err != nil {
		return err
	}

	var cg errgroup.Group
	var commitCtx = context.WithoutCancel(ctx)
	for _, p := range participants {
		var p = p
		cg.Go(func() error {
			return c.commitWithRetry(commitCtx, p, t.ID)
		})
	}
	_ = cg.Wait() // commit never surfaces failure to the caller; it retries until success

	_ = t.transition(StateCommitted)
	c.finish(t, true)
	return nil
}

func (c *Coordinator) commitWithRetry(ctx context.Context, p Participant, txID uuid.UUID) error {
	var backoff = 10 * time.Millisecond
	for {
		if err := p.Commit(ctx, txID); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}
}

// Abort discards t, running Abort against every enlisted participant.
func (c *Coordinator) Abort(ctx context.Context, t *Transaction) error {
	if err := t.transition(StateAborting); err != nil {
		return err
	}
	t.mu.Lock()
	var participants = make([]Participant, 0, len(t.participants))
	for _, p := range t.participants {
		participants = append(participants, p)
	}
	t.mu.Unlock()

	c.runAbort(ctx, t, participants)
	_ = t.transition(StateAborted)
	c.finish(t, false)
	return nil
}

func (c *Coordinator) runAbort(ctx context.Context, t *Transaction, participants []Participant) {
	var g errgroup.Group
	for _, p := range participants {
		var p = p
		g.Go(func() error { return p.Abort(ctx, t.ID) })
	}
	if err := g.Wait(); err != nil {
		c.log.WithError(err).WithField("tx", t.ID).Warn("participant abort failed")
	}
}

func (c *Coordinator) finish(t *Transaction, committed bool) {
	c.mu.Lock()
	delete(c.txns, t.ID)
	delete(c.lockers, t.ID)
	c.mu.Unlock()

	c.metrics.TxnActive.Dec()
	c.metrics.TxnDuration.Observe(time.Since(t.StartedAt).Seconds())
	if committed {
		c.metrics.TxnOutcomes.WithLabelValues("committed").Inc()
	} else {
		c.metrics.TxnOutcomes.WithLabelValues("aborted").Inc()
	}
}

// Status returns the current state of the transaction identified by id.
func (c *Coordinator) Status(id uuid.UUID) (State, bool) {
	c.mu.Lock()
	var t, ok = c.txns[id]
	c.mu.Unlock()
	if !ok {
		return "", false
	}
	return t.State(), true
}

// sweep runs the deadlock-detection and timeout loop on
// cfg.DeadlockCheckInterval, aborting timed-out transactions and the
// selected victim of any detected wait-for cycle.
func (c *Coordinator) sweep() {
	defer close(c.doneCh)
	var interval = c.cfg.DeadlockCheckInterval()
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	var ticker = time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.checkTimeouts()
			c.checkHeartbeats()
			c.checkDeadlocks()
		}
	}
}

func (c *Coordinator) checkTimeouts() {
	var timeout = c.cfg.TransactionTimeout()
	c.mu.Lock()
	var expired []*Transaction
	for _, t := range c.txns {
		if time.Since(t.StartedAt) > timeout {
			expired = append(expired, t)
		}
	}
	c.mu.Unlock()

	for _, t := range expired {
		c.log.WithField("tx", t.ID).Warn("transaction exceeded timeout; aborting")
		_ = c.Abort(context.Background(), t)
	}
}

// checkHeartbeats escalates a missed heartbeat to a participant abort
// (§4.5 Heartbeats): a transaction is stale either because no caller
// Heartbeat() refreshed it within cfg.HeartbeatTimeout, or because one of
// its enlisted Heartbeater participants failed to answer a liveness poll.
func (c *Coordinator) checkHeartbeats() {
	var timeout = c.cfg.HeartbeatTimeout()
	if timeout <= 0 {
		return
	}
	c.mu.Lock()
	var candidates = make([]*Transaction, 0, len(c.txns))
	for _, t := range c.txns {
		candidates = append(candidates, t)
	}
	c.mu.Unlock()

	for _, t := range candidates {
		t.mu.Lock()
		var missed = time.Since(t.lastHeartbeat) > timeout
		var participants = make([]Participant, 0, len(t.participants))
		for _, p := range t.participants {
			participants = append(participants, p)
		}
		t.mu.Unlock()

		for _, p := range participants {
			if hb, ok := p.(Heartbeater); ok {
				if err := hb.Heartbeat(context.Background(), t.ID); err != nil {
					c.log.WithError(err).WithField("tx", t.ID).WithField("participant", p.Tag()).
						Warn("participant missed heartbeat")
					missed = true
				}
			}
		}

		if missed {
			c.log.WithField("tx", t.ID).Warn("transaction missed heartbeat; aborting")
			_ = c.Abort(context.Background(), t)
		}
	}
}

func (c *Coordinator) checkDeadlocks() {
	c.mu.Lock()
	var graph = make(waitForGraph)
	for _, lockers := range c.lockers {
		for _, locker := range lockers {
			for waiter, holder := range locker.WaitEdges() {
				graph[waiter] = holder
			}
		}
	}
	var infos = make(map[uuid.UUID]victimInfo, len(c.txns))
	for id, t := range c.txns {
		infos[id] = victimInfo{ID: id, StartedAt: t.StartedAt.UnixNano(), Priority: t.Priority, OpCount: t.opCount}
	}
	var strategy = c.cfg.Substrate.DeadlockResolutionStrategy
	c.mu.Unlock()

	for _, cycle := range graph.allCycles() {
		var candidates = make([]victimInfo, 0, len(cycle))
		for _, id := range cycle {
			if info, ok := infos[id]; ok {
				candidates = append(candidates, info)
			}
		}
		if len(candidates) == 0 {
			continue
		}
		var victim = selectVictim(strategy, candidates)
		c.log.WithField("tx", victim).WithField("cycle_len", len(cycle)).Warn("deadlock detected; aborting victim")
		c.mu.Lock()
		var t = c.txns[victim]
		c.mu.Unlock()
		if t != nil {
			_ = c.Abort(context.Background(), t)
			c.metrics.DeadlocksResolved.Inc()
		}
	}
}
