package events

import "math/big"

const (
	// TypeObligationCreated is emitted when a recurring obligation of any
	// kind is registered with its manager.
	TypeObligationCreated = "obligation.created"
	// TypeObligationCanceled is emitted when an obligation reaches its
	// canceled terminal state, whether by owner action or skip exhaustion.
	TypeObligationCanceled = "obligation.canceled"
	// TypeObligationPaused is emitted when an obligation is removed from the
	// processing queue by an owner pause.
	TypeObligationPaused = "obligation.paused"
	// TypeObligationResumed is emitted when a paused obligation is
	// re-enqueued for processing.
	TypeObligationResumed = "obligation.resumed"
	// TypeObligationCompleted is emitted when an obligation finishes its
	// configured total amount and retires cleanly.
	TypeObligationCompleted = "obligation.completed"
	// TypeObligationProcessed is emitted for every successful processing
	// attempt of a due obligation.
	TypeObligationProcessed = "obligation.processed"
	// TypeObligationSkipped is emitted when a processing attempt fails
	// non-fatally and the obligation is rescheduled for retry.
	TypeObligationSkipped = "obligation.skipped"
)

// Skip reason classes reported on TypeObligationSkipped events.
const (
	SkipReasonInsufficientFunds = "insufficient-funds"
	SkipReasonStalePrice        = "stale-price"
	SkipReasonSlippage          = "slippage"
	SkipReasonPriceBounds       = "price-bounds"
	SkipReasonRegistry          = "registry-unavailable"
	SkipReasonRouter            = "router-failed"
)

// ObligationCreated captures the key metadata of a newly created obligation.
type ObligationCreated struct {
	ID     [32]byte
	Owner  [20]byte
	Kind   string
	Amount *big.Int
	Period uint64
	DueAt  uint64
}

// EventType implements the Event interface.
func (ObligationCreated) EventType() string { return TypeObligationCreated }

// ObligationCanceled marks the transition of an obligation into its canceled
// terminal state.
type ObligationCanceled struct {
	ID      [32]byte
	Kind    string
	Reason  string
	AtUnix  uint64
	BySkips bool
}

// EventType implements the Event interface.
func (ObligationCanceled) EventType() string { return TypeObligationCanceled }

// ObligationPaused marks removal of an obligation from its queue.
type ObligationPaused struct {
	ID     [32]byte
	Kind   string
	AtUnix uint64
}

// EventType implements the Event interface.
func (ObligationPaused) EventType() string { return TypeObligationPaused }

// ObligationResumed marks re-insertion of a paused obligation.
type ObligationResumed struct {
	ID     [32]byte
	Kind   string
	DueAt  uint64
	Group  uint64
	AtUnix uint64
}

// EventType implements the Event interface.
func (ObligationResumed) EventType() string { return TypeObligationResumed }

// ObligationCompleted marks an obligation that reached its total amount limit.
type ObligationCompleted struct {
	ID     [32]byte
	Kind   string
	AtUnix uint64
}

// EventType implements the Event interface.
func (ObligationCompleted) EventType() string { return TypeObligationCompleted }

// ObligationProcessed reports a successful charge, swap, transfer or top-up.
type ObligationProcessed struct {
	ID        [32]byte
	Kind      string
	Amount    *big.Int
	Fee       *big.Int
	NextDueAt uint64
	Successes uint64
}

// EventType implements the Event interface.
func (ObligationProcessed) EventType() string { return TypeObligationProcessed }

// ObligationSkipped reports a non-fatal processing failure and the retry
// schedule applied to it.
type ObligationSkipped struct {
	ID        [32]byte
	Kind      string
	Reason    string
	NumSkips  uint64
	NextDueAt uint64
}

// EventType implements the Event interface.
func (ObligationSkipped) EventType() string { return TypeObligationSkipped }
