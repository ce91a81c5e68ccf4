package obligation

import (
	"math/big"
)

// Kind discriminates the four recurring obligation families sharing the
// scheduler and vault.
type Kind string

const (
	KindSubscription Kind = "subscription"
	KindDCA          Kind = "dca"
	KindP2P          Kind = "p2p"
	KindTopup        Kind = "topup"
)

// Valid reports whether the kind is one of the supported families.
func (k Kind) Valid() bool {
	switch k {
	case KindSubscription, KindDCA, KindP2P, KindTopup:
		return true
	}
	return false
}

// Status enumerates the obligation lifecycle states. Each kind only uses the
// subset its state machine allows.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusTrial
	StatusActive
	StatusPastDue
	StatusPendingPause
	StatusPaused
	StatusPendingCancel
	StatusCanceled
	StatusComplete
)

// String renders the canonical lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusTrial:
		return "trial"
	case StatusActive:
		return "active"
	case StatusPastDue:
		return "past-due"
	case StatusPendingPause:
		return "pending-pause"
	case StatusPaused:
		return "paused"
	case StatusPendingCancel:
		return "pending-cancel"
	case StatusCanceled:
		return "canceled"
	case StatusComplete:
		return "complete"
	}
	return "unknown"
}

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCanceled || s == StatusComplete
}

// Queueable reports whether an obligation in this status may appear in a
// queue bucket. Paused and terminal obligations must never be enqueued.
func (s Status) Queueable() bool {
	switch s {
	case StatusTrial, StatusActive, StatusPastDue, StatusPendingPause, StatusPendingCancel:
		return true
	}
	return false
}

// ID uniquely identifies an obligation record.
type ID [32]byte

// Zero reports whether the id is the zero sentinel used for empty links.
func (id ID) Zero() bool {
	return id == ID{}
}

// Obligation is the generalized record for one recurring commitment. The Prev
// and Next links thread the record through its queue bucket's doubly-linked
// list; ids rather than pointers keep removal O(1) over the flat store.
type Obligation struct {
	ID               ID
	Owner            [20]byte
	Kind             Kind
	Status           Status
	Amount           *big.Int
	TotalAmountLimit *big.Int
	TotalCharged     *big.Int
	Period           uint64
	DueAt            uint64
	NumSkips         uint64
	NumSuccesses     uint64
	// BucketKey holds the queue bucket key plus one; zero means not queued.
	BucketKey uint64
	Prev      ID
	Next      ID
	GroupID   uint64
	CreatedAt uint64
}

// Copy returns a deep copy to avoid callers mutating shared pointers.
func (o *Obligation) Copy() *Obligation {
	if o == nil {
		return nil
	}
	clone := *o
	if o.Amount != nil {
		clone.Amount = new(big.Int).Set(o.Amount)
	}
	if o.TotalAmountLimit != nil {
		clone.TotalAmountLimit = new(big.Int).Set(o.TotalAmountLimit)
	}
	if o.TotalCharged != nil {
		clone.TotalCharged = new(big.Int).Set(o.TotalCharged)
	}
	return &clone
}

// Remaining reports the value still chargeable under TotalAmountLimit. The
// second return is false when no limit is configured.
func (o *Obligation) Remaining() (*big.Int, bool) {
	if o == nil || o.TotalAmountLimit == nil || o.TotalAmountLimit.Sign() == 0 {
		return nil, false
	}
	charged := o.TotalCharged
	if charged == nil {
		charged = big.NewInt(0)
	}
	remaining := new(big.Int).Sub(o.TotalAmountLimit, charged)
	if remaining.Sign() < 0 {
		remaining = big.NewInt(0)
	}
	return remaining, true
}

// CanTransition reports whether the kind's state machine permits moving the
// obligation from one status to another.
func CanTransition(kind Kind, from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch kind {
	case KindSubscription:
		return subscriptionTransition(from, to)
	case KindDCA, KindP2P:
		// No pause lifecycle: active until complete or canceled.
		return from == StatusActive && (to == StatusComplete || to == StatusCanceled)
	case KindTopup:
		switch {
		case from == StatusActive && (to == StatusPaused || to == StatusCanceled):
			return true
		case from == StatusPaused && (to == StatusActive || to == StatusCanceled):
			return true
		}
	}
	return false
}

func subscriptionTransition(from, to Status) bool {
	switch from {
	case StatusTrial:
		return to == StatusActive || to == StatusPastDue || to == StatusCanceled || to == StatusPendingCancel
	case StatusActive:
		return to == StatusPastDue || to == StatusPendingPause || to == StatusPendingCancel || to == StatusCanceled || to == StatusComplete
	case StatusPastDue:
		return to == StatusActive || to == StatusPendingCancel || to == StatusCanceled
	case StatusPendingPause:
		return to == StatusPaused || to == StatusActive || to == StatusCanceled
	case StatusPaused:
		return to == StatusActive || to == StatusCanceled
	case StatusPendingCancel:
		return to == StatusCanceled
	}
	return false
}
