package engine

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"recurpay/core/events"
	"recurpay/native/obligation"
	"recurpay/native/schedule"
	"recurpay/observability/metrics"
)

var (
	// ErrNotOwner indicates the caller does not own the obligation.
	ErrNotOwner = errors.New("engine: caller is not the obligation owner")
	// ErrInvalidPerformData indicates externally supplied perform data could
	// not be decoded.
	ErrInvalidPerformData = errors.New("engine: invalid perform data")
)

// Receipt reports the effect of a successful execution attempt.
type Receipt struct {
	Charged *big.Int
	Fee     *big.Int
	// Deferred marks an attempt where nothing was due (a top-up target whose
	// balance is still healthy, or a per-run cap was hit). The obligation is
	// rescheduled without counting a success or a skip: at DeferUntil when
	// set, otherwise a full period out.
	Deferred   bool
	DeferUntil uint64
}

// SkipError wraps a non-fatal processing failure with its reason class. Any
// other error returned by an executor is treated as fatal and aborts the
// whole batch.
type SkipError struct {
	Reason string
	Err    error
}

func (e *SkipError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("skip: %s", e.Reason)
	}
	return fmt.Sprintf("skip: %s: %v", e.Reason, e.Err)
}

func (e *SkipError) Unwrap() error { return e.Err }

// Skip constructs a SkipError for the supplied reason class.
func Skip(reason string, err error) *SkipError {
	return &SkipError{Reason: reason, Err: err}
}

// Executor attempts the kind-specific effect of one due obligation. The
// amount passed in is already clipped against any total amount limit.
type Executor interface {
	Kind() obligation.Kind
	Execute(ob *obligation.Obligation, amount *big.Int, now uint64) (*Receipt, error)
}

// TerminalObserver is implemented by executors that keep per-obligation
// bookkeeping which must be torn down whenever the obligation reaches a
// terminal state, including terminal transitions the engine itself drives
// (skip exhaustion, completion, pending-cancel drains).
type TerminalObserver interface {
	ObligationTerminated(ob *obligation.Obligation, status obligation.Status, now uint64) error
}

// Params tunes the shared retry policy.
type Params struct {
	RetryDelay uint64
	MaxSkips   uint64
	MaxPerPoll int
}

// Normalize applies defaults to unset parameters.
func (p Params) Normalize() Params {
	if p.RetryDelay == 0 {
		p.RetryDelay = 3600
	}
	if p.MaxSkips == 0 {
		p.MaxSkips = 3
	}
	if p.MaxPerPoll <= 0 {
		p.MaxPerPoll = 20
	}
	return p
}

// performData is the opaque payload round-tripped between checkUpkeep and
// performUpkeep. It is treated as untrusted and fully re-validated.
type performData struct {
	Now uint64
	IDs [][32]byte
}

// Core wires the obligation store, the bucketed queue and a kind-specific
// executor into the shared keeper-facing processing loop. Each manager embeds
// one Core per queue.
type Core struct {
	store   *obligation.Store
	queue   *schedule.Queue
	exec    Executor
	emitter events.Emitter
	metrics *metrics.ObligationMetrics
	params  Params
	nowFn   func() uint64
}

// NewCore constructs the shared manager core.
func NewCore(store *obligation.Store, queue *schedule.Queue, exec Executor, params Params) *Core {
	return &Core{
		store:   store,
		queue:   queue,
		exec:    exec,
		emitter: events.NoopEmitter{},
		params:  params.Normalize(),
		nowFn:   func() uint64 { return uint64(time.Now().Unix()) },
	}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (c *Core) SetEmitter(emitter events.Emitter) {
	if c == nil {
		return
	}
	if emitter == nil {
		c.emitter = events.NoopEmitter{}
		return
	}
	c.emitter = emitter
}

// SetMetrics attaches the Prometheus collectors. A nil receiver disables
// instrumentation.
func (c *Core) SetMetrics(m *metrics.ObligationMetrics) {
	if c == nil {
		return
	}
	c.metrics = m
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (c *Core) SetNowFunc(now func() uint64) {
	if c == nil || now == nil {
		return
	}
	c.nowFn = now
}

// Now returns the current unix timestamp from the configured time source.
func (c *Core) Now() uint64 {
	if c == nil || c.nowFn == nil {
		return uint64(time.Now().Unix())
	}
	return c.nowFn()
}

// Store exposes the obligation store to the embedding manager.
func (c *Core) Store() *obligation.Store { return c.store }

// Queue exposes the scheduler queue to the embedding manager.
func (c *Core) Queue() *schedule.Queue { return c.queue }

// Create persists a new obligation and schedules its first processing.
func (c *Core) Create(ob *obligation.Obligation) error {
	if c == nil || c.store == nil {
		return fmt.Errorf("engine: core not initialised")
	}
	if ob == nil {
		return fmt.Errorf("engine: obligation required")
	}
	if ob.Period == 0 {
		return fmt.Errorf("engine: period must be positive")
	}
	dueAt := ob.DueAt
	if err := c.store.Create(ob); err != nil {
		return err
	}
	if err := c.queue.Enqueue(ob.ID, dueAt); err != nil {
		return err
	}
	c.emit(events.ObligationCreated{
		ID:     ob.ID,
		Owner:  ob.Owner,
		Kind:   string(ob.Kind),
		Amount: cloneBig(ob.Amount),
		Period: ob.Period,
		DueAt:  dueAt,
	})
	return nil
}

// Get fetches a copy of the obligation record.
func (c *Core) Get(id obligation.ID) (*obligation.Obligation, error) {
	ob, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}
	return ob.Copy(), nil
}

func (c *Core) owned(id obligation.ID, owner [20]byte) (*obligation.Obligation, error) {
	ob, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}
	if ob.Owner != owner {
		return nil, ErrNotOwner
	}
	return ob, nil
}

// RequestCancel flags the obligation for cancellation at the next processing
// boundary. Used by the subscription lifecycle, which drains through
// PendingCancel.
func (c *Core) RequestCancel(id obligation.ID, owner [20]byte) error {
	ob, err := c.owned(id, owner)
	if err != nil {
		return err
	}
	return c.store.Transition(ob, obligation.StatusPendingCancel)
}

// CancelNow removes the obligation from its queue and cancels it immediately.
func (c *Core) CancelNow(id obligation.ID, owner [20]byte) error {
	ob, err := c.owned(id, owner)
	if err != nil {
		return err
	}
	if !obligation.CanTransition(ob.Kind, ob.Status, obligation.StatusCanceled) {
		return fmt.Errorf("%w: %s %s -> canceled", obligation.ErrInvalidTransition, ob.Kind, ob.Status)
	}
	now := c.Now()
	if err := c.queue.Remove(id, now); err != nil {
		return err
	}
	// Reload: Remove rewrites the link fields.
	ob, err = c.store.Get(id)
	if err != nil {
		return err
	}
	if err := c.store.Transition(ob, obligation.StatusCanceled); err != nil {
		return err
	}
	c.emit(events.ObligationCanceled{ID: ob.ID, Kind: string(ob.Kind), Reason: "owner", AtUnix: now})
	if c.metrics != nil {
		c.metrics.ObserveTerminated(string(ob.Kind), "owner-cancel")
	}
	return c.notifyTerminal(ob, obligation.StatusCanceled, now)
}

// RequestPause flags the obligation to pause at the next processing boundary.
func (c *Core) RequestPause(id obligation.ID, owner [20]byte) error {
	ob, err := c.owned(id, owner)
	if err != nil {
		return err
	}
	return c.store.Transition(ob, obligation.StatusPendingPause)
}

// PauseNow removes the obligation from its queue and pauses it immediately.
func (c *Core) PauseNow(id obligation.ID, owner [20]byte) error {
	ob, err := c.owned(id, owner)
	if err != nil {
		return err
	}
	if !obligation.CanTransition(ob.Kind, ob.Status, obligation.StatusPaused) {
		return fmt.Errorf("%w: %s %s -> paused", obligation.ErrInvalidTransition, ob.Kind, ob.Status)
	}
	if err := c.queue.Remove(id, c.Now()); err != nil {
		return err
	}
	ob, err = c.store.Get(id)
	if err != nil {
		return err
	}
	if err := c.store.Transition(ob, obligation.StatusPaused); err != nil {
		return err
	}
	c.emit(events.ObligationPaused{ID: ob.ID, Kind: string(ob.Kind), AtUnix: c.Now()})
	return nil
}

// Resume reactivates a paused obligation and re-enqueues it at the supplied
// due time. Due times behind the queue cursor are clamped by the scheduler.
func (c *Core) Resume(id obligation.ID, owner [20]byte, dueAt uint64) error {
	ob, err := c.owned(id, owner)
	if err != nil {
		return err
	}
	if err := c.store.Transition(ob, obligation.StatusActive); err != nil {
		return err
	}
	if err := c.queue.Enqueue(id, dueAt); err != nil {
		return err
	}
	ob, err = c.store.Get(id)
	if err != nil {
		return err
	}
	c.emit(events.ObligationResumed{ID: ob.ID, Kind: string(ob.Kind), DueAt: ob.DueAt, Group: ob.GroupID, AtUnix: c.Now()})
	return nil
}

// CheckUpkeep reports whether processable work exists and returns the opaque
// payload the keeper must echo into PerformUpkeep. The check never mutates
// queue state, so repeated calls with a static clock report the same view.
func (c *Core) CheckUpkeep(limit int) (bool, []byte, error) {
	if c == nil || c.queue == nil {
		return false, nil, fmt.Errorf("engine: core not initialised")
	}
	if limit <= 0 || limit > c.params.MaxPerPoll {
		limit = c.params.MaxPerPoll
	}
	now := c.Now()
	candidates, err := c.queue.Due(now, limit)
	if err != nil {
		return false, nil, err
	}
	due := make([][32]byte, 0, len(candidates))
	for _, id := range candidates {
		ob, err := c.store.Get(id)
		if err != nil {
			return false, nil, err
		}
		if ob.DueAt > now {
			// Clamped into the cursor bucket but not actually due yet.
			continue
		}
		due = append(due, id)
	}
	if len(due) == 0 {
		return false, nil, nil
	}
	encoded, err := rlp.EncodeToBytes(performData{Now: now, IDs: due})
	if err != nil {
		return false, nil, err
	}
	return true, encoded, nil
}

// PerformUpkeep re-validates externally supplied perform data against current
// queue state and processes every obligation that is still due. Per-item
// failures are the intended soft path and never abort the batch; only
// internal errors do.
func (c *Core) PerformUpkeep(data []byte) (int, error) {
	if c == nil || c.queue == nil {
		return 0, fmt.Errorf("engine: core not initialised")
	}
	var decoded performData
	if err := rlp.DecodeBytes(data, &decoded); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPerformData, err)
	}
	// The ID list is caller-supplied; cap it so one call can never exceed the
	// per-poll work budget.
	if len(decoded.IDs) > c.params.MaxPerPoll {
		decoded.IDs = decoded.IDs[:c.params.MaxPerPoll]
	}
	now := c.Now()
	if _, err := c.queue.AbandonStale(now); err != nil {
		return 0, err
	}
	processed := 0
	for _, raw := range decoded.IDs {
		id := obligation.ID(raw)
		ob, err := c.store.Get(id)
		if err != nil {
			if errors.Is(err, obligation.ErrNotFound) {
				continue
			}
			return processed, err
		}
		// performData is untrusted: skip anything no longer queued or due.
		if ob.BucketKey == 0 || !ob.Status.Queueable() || ob.DueAt > now {
			continue
		}
		if err := c.process(ob, now); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

// QueuePosition mirrors the scheduler cursor for monitoring.
func (c *Core) QueuePosition() (uint64, error) {
	return c.queue.Position()
}

// QueueSize mirrors live bucket occupancy from the supplied position.
func (c *Core) QueueSize(position uint64) (uint64, error) {
	return c.queue.Size(position)
}

func (c *Core) process(ob *obligation.Obligation, now uint64) error {
	if err := c.queue.Remove(ob.ID, now); err != nil {
		return err
	}
	ob, err := c.store.Get(ob.ID)
	if err != nil {
		return err
	}

	switch ob.Status {
	case obligation.StatusPendingCancel:
		if err := c.store.Transition(ob, obligation.StatusCanceled); err != nil {
			return err
		}
		c.emit(events.ObligationCanceled{ID: ob.ID, Kind: string(ob.Kind), Reason: "owner", AtUnix: now})
		return c.notifyTerminal(ob, obligation.StatusCanceled, now)
	case obligation.StatusPendingPause:
		if err := c.store.Transition(ob, obligation.StatusPaused); err != nil {
			return err
		}
		c.emit(events.ObligationPaused{ID: ob.ID, Kind: string(ob.Kind), AtUnix: now})
		return nil
	}

	amount := cloneBig(ob.Amount)
	remaining, limited := ob.Remaining()
	if limited {
		if remaining.Sign() == 0 {
			return c.complete(ob, now)
		}
		if amount.Cmp(remaining) > 0 {
			amount = remaining
		}
	}

	receipt, err := c.exec.Execute(ob, amount, now)
	var skip *SkipError
	if errors.As(err, &skip) {
		return c.recordSkip(ob, skip, now)
	}
	if err != nil {
		// The item was already dequeued; re-enqueue on the retry cadence so an
		// unexpected executor failure never strands it outside every bucket.
		if reErr := c.queue.Enqueue(ob.ID, ob.DueAt+c.params.RetryDelay); reErr != nil {
			return errors.Join(err, reErr)
		}
		return err
	}
	if receipt != nil && receipt.Deferred {
		next := receipt.DeferUntil
		if next == 0 {
			next = ob.DueAt + ob.Period
		}
		return c.reschedule(ob, next)
	}
	return c.recordSuccess(ob, receipt, now)
}

func (c *Core) recordSkip(ob *obligation.Obligation, skip *SkipError, now uint64) error {
	ob.NumSkips++
	if c.metrics != nil {
		c.metrics.ObserveSkip(string(ob.Kind), skip.Reason)
	}
	if ob.NumSkips > c.params.MaxSkips {
		if err := c.store.Transition(ob, obligation.StatusCanceled); err != nil {
			return err
		}
		c.emit(events.ObligationCanceled{ID: ob.ID, Kind: string(ob.Kind), Reason: skip.Reason, AtUnix: now, BySkips: true})
		if c.metrics != nil {
			c.metrics.ObserveTerminated(string(ob.Kind), "skip-exhausted")
		}
		return c.notifyTerminal(ob, obligation.StatusCanceled, now)
	}
	if ob.Kind == obligation.KindSubscription &&
		obligation.CanTransition(ob.Kind, ob.Status, obligation.StatusPastDue) {
		ob.Status = obligation.StatusPastDue
	}
	nextDue := ob.DueAt + c.params.RetryDelay
	if err := c.store.Put(ob); err != nil {
		return err
	}
	if err := c.queue.Enqueue(ob.ID, nextDue); err != nil {
		return err
	}
	c.emit(events.ObligationSkipped{ID: ob.ID, Kind: string(ob.Kind), Reason: skip.Reason, NumSkips: ob.NumSkips, NextDueAt: nextDue})
	return nil
}

func (c *Core) recordSuccess(ob *obligation.Obligation, receipt *Receipt, now uint64) error {
	charged := big.NewInt(0)
	fee := big.NewInt(0)
	if receipt != nil {
		charged = cloneBig(receipt.Charged)
		fee = cloneBig(receipt.Fee)
	}
	ob.NumSkips = 0
	ob.NumSuccesses++
	if ob.TotalCharged == nil {
		ob.TotalCharged = big.NewInt(0)
	}
	ob.TotalCharged = new(big.Int).Add(ob.TotalCharged, charged)
	if ob.Status == obligation.StatusTrial || ob.Status == obligation.StatusPastDue {
		ob.Status = obligation.StatusActive
	}
	// Anchor the next due time to the previous one so cadence never drifts.
	nextDue := ob.DueAt + ob.Period

	if remaining, limited := ob.Remaining(); limited && remaining.Sign() == 0 {
		if err := c.store.Put(ob); err != nil {
			return err
		}
		reloaded, err := c.store.Get(ob.ID)
		if err != nil {
			return err
		}
		if err := c.complete(reloaded, now); err != nil {
			return err
		}
		c.emit(events.ObligationProcessed{ID: ob.ID, Kind: string(ob.Kind), Amount: charged, Fee: fee, NextDueAt: 0, Successes: ob.NumSuccesses})
		if c.metrics != nil {
			c.metrics.ObserveProcessed(string(ob.Kind))
		}
		return nil
	}

	if err := c.store.Put(ob); err != nil {
		return err
	}
	if err := c.queue.Enqueue(ob.ID, nextDue); err != nil {
		return err
	}
	c.emit(events.ObligationProcessed{ID: ob.ID, Kind: string(ob.Kind), Amount: charged, Fee: fee, NextDueAt: nextDue, Successes: ob.NumSuccesses})
	if c.metrics != nil {
		c.metrics.ObserveProcessed(string(ob.Kind))
	}
	return nil
}

func (c *Core) complete(ob *obligation.Obligation, now uint64) error {
	if err := c.store.Transition(ob, obligation.StatusComplete); err != nil {
		return err
	}
	c.emit(events.ObligationCompleted{ID: ob.ID, Kind: string(ob.Kind), AtUnix: now})
	if c.metrics != nil {
		c.metrics.ObserveTerminated(string(ob.Kind), "complete")
	}
	return c.notifyTerminal(ob, obligation.StatusComplete, now)
}

func (c *Core) notifyTerminal(ob *obligation.Obligation, status obligation.Status, now uint64) error {
	observer, ok := c.exec.(TerminalObserver)
	if !ok {
		return nil
	}
	return observer.ObligationTerminated(ob, status, now)
}

func (c *Core) reschedule(ob *obligation.Obligation, dueAt uint64) error {
	if err := c.store.Put(ob); err != nil {
		return err
	}
	return c.queue.Enqueue(ob.ID, dueAt)
}

func (c *Core) emit(event events.Event) {
	if c == nil || c.emitter == nil {
		return
	}
	c.emitter.Emit(event)
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
