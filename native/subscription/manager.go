package subscription

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"recurpay/core/events"
	"recurpay/native/engine"
	"recurpay/native/fees"
	"recurpay/native/obligation"
	"recurpay/native/proof"
	"recurpay/native/schedule"
	"recurpay/native/vault"
)

const secondsPerDay = 86400

var (
	// ErrInvalidProof indicates the supplied plan or discount failed Merkle
	// verification against the stored root.
	ErrInvalidProof = errors.New("subscription: invalid catalog proof")
	// ErrInvalidDiscount indicates the discount record does not apply to the
	// plan being subscribed to.
	ErrInvalidDiscount = errors.New("subscription: discount does not match plan")
	// ErrNotPausable indicates the plan was published with canPause=false.
	ErrNotPausable = errors.New("subscription: plan does not permit pausing")
	// ErrMinPeriods indicates the plan's minimum term has not completed.
	ErrMinPeriods = errors.New("subscription: minimum term not reached")
	// ErrRootUnset indicates no catalog root has been configured yet.
	ErrRootUnset = errors.New("subscription: catalog root not configured")
)

var (
	recordPrefix    = []byte("subscription/record/")
	planRootKey     = []byte("subscription/root/plan")
	discountRootKey = []byte("subscription/root/discount")
)

// Storage abstracts the state manager subset the manager persists through.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// valueVault is the slice of vault behaviour a subscription charge needs.
type valueVault interface {
	Collect(protocol, payer [20]byte, kind string, value *big.Int) error
	Credit(protocol, to [20]byte, value *big.Int) error
}

type storedRoot struct {
	Root [32]byte
	Set  bool
}

type storedSubscription struct {
	PlanID      [32]byte
	Provider    [20]byte
	DiscountBps uint64
	CanPause    bool
	MinPeriods  uint64
}

// Manager runs the subscription obligation kind: plan-proved creation, the
// trial window, minimum-term gating on pause/cancel, and per-charge provider
// payout net of the protocol fee.
type Manager struct {
	core      *engine.Core
	store     Storage
	vault     valueVault
	self      [20]byte
	feePolicy fees.Policy
}

// NewManager wires the subscription manager over the shared scheduler core.
// self is the manager's protocol address on the vault allow-list.
func NewManager(store Storage, obs *obligation.Store, queue *schedule.Queue, vault valueVault, self [20]byte, params engine.Params) *Manager {
	m := &Manager{store: store, vault: vault, self: self}
	m.core = engine.NewCore(obs, queue, m, params)
	return m
}

// Core exposes the engine core for emitter, metrics and clock configuration.
func (m *Manager) Core() *engine.Core { return m.core }

// SetFeePolicy configures the protocol fee applied to every charge.
func (m *Manager) SetFeePolicy(policy fees.Policy) {
	if m == nil {
		return
	}
	m.feePolicy = policy.Clone()
}

// SetPlanRoot stores the plan catalog root. Governance-equivalent caller only.
func (m *Manager) SetPlanRoot(root [32]byte) error {
	return m.store.KVPut(planRootKey, storedRoot{Root: root, Set: true})
}

// SetDiscountRoot stores the discount catalog root.
func (m *Manager) SetDiscountRoot(root [32]byte) error {
	return m.store.KVPut(discountRootKey, storedRoot{Root: root, Set: true})
}

func (m *Manager) root(key []byte) ([32]byte, error) {
	var stored storedRoot
	ok, err := m.store.KVGet(key, &stored)
	if err != nil {
		return [32]byte{}, err
	}
	if !ok || !stored.Set {
		return [32]byte{}, ErrRootUnset
	}
	return stored.Root, nil
}

// Subscribe verifies the plan (and optional discount) against the stored
// catalog roots and creates the obligation. The first charge is due
// immediately, or at trial end when the plan carries a trial window.
func (m *Manager) Subscribe(owner [20]byte, plan *Plan, planPath [][32]byte, discount *Discount, discountPath [][32]byte) (obligation.ID, error) {
	if m == nil || m.store == nil {
		return obligation.ID{}, fmt.Errorf("subscription: manager not initialised")
	}
	if err := plan.Validate(); err != nil {
		return obligation.ID{}, err
	}
	planRoot, err := m.root(planRootKey)
	if err != nil {
		return obligation.ID{}, err
	}
	leaf, err := plan.LeafHash()
	if err != nil {
		return obligation.ID{}, err
	}
	if !proof.Verify(planRoot, leaf, planPath) {
		return obligation.ID{}, ErrInvalidProof
	}

	price := new(big.Int).Set(plan.Price)
	var discountBps uint64
	if discount != nil {
		if discount.PlanID != plan.ID {
			return obligation.ID{}, ErrInvalidDiscount
		}
		if discount.Bps > 10000 {
			return obligation.ID{}, ErrInvalidDiscount
		}
		discountRoot, err := m.root(discountRootKey)
		if err != nil {
			return obligation.ID{}, err
		}
		discountLeaf, err := discount.LeafHash()
		if err != nil {
			return obligation.ID{}, err
		}
		if !proof.Verify(discountRoot, discountLeaf, discountPath) {
			return obligation.ID{}, ErrInvalidProof
		}
		discountBps = discount.Bps
		price.Mul(price, big.NewInt(int64(10000-discountBps)))
		price.Div(price, big.NewInt(10000))
	}
	if price.Sign() <= 0 {
		return obligation.ID{}, fmt.Errorf("subscription: discounted price rounds to zero")
	}

	now := m.core.Now()
	status := obligation.StatusActive
	dueAt := now
	if plan.TrialDays > 0 {
		status = obligation.StatusTrial
		dueAt = now + plan.TrialDays*secondsPerDay
	}
	id := m.deriveID(owner, plan.ID, now)
	ob := &obligation.Obligation{
		ID:        id,
		Owner:     owner,
		Kind:      obligation.KindSubscription,
		Status:    status,
		Amount:    price,
		Period:    plan.Period,
		DueAt:     dueAt,
		CreatedAt: now,
	}
	record := storedSubscription{
		PlanID:      plan.ID,
		Provider:    plan.Provider,
		DiscountBps: discountBps,
		CanPause:    plan.CanPause,
		MinPeriods:  plan.MinPeriods,
	}
	if err := m.store.KVPut(recordKey(id), record); err != nil {
		return obligation.ID{}, err
	}
	if err := m.core.Create(ob); err != nil {
		return obligation.ID{}, err
	}
	return id, nil
}

func (m *Manager) deriveID(owner [20]byte, planID [32]byte, now uint64) obligation.ID {
	ids, err := m.core.Store().ListByOwner(owner)
	var nonce uint64
	if err == nil {
		nonce = uint64(len(ids))
	}
	var buf [8 + 8]byte
	binary.BigEndian.PutUint64(buf[:8], now)
	binary.BigEndian.PutUint64(buf[8:], nonce)
	return obligation.ID(ethcrypto.Keccak256Hash(owner[:], planID[:], buf[:]))
}

// Subscription is the owner-facing read view joining the obligation record
// with its plan binding.
type Subscription struct {
	Obligation  *obligation.Obligation
	PlanID      [32]byte
	Provider    [20]byte
	DiscountBps uint64
	CanPause    bool
	MinPeriods  uint64
}

// Get returns the subscription view for the supplied id.
func (m *Manager) Get(id obligation.ID) (*Subscription, error) {
	ob, err := m.core.Get(id)
	if err != nil {
		return nil, err
	}
	record, err := m.record(id)
	if err != nil {
		return nil, err
	}
	return &Subscription{
		Obligation:  ob,
		PlanID:      record.PlanID,
		Provider:    record.Provider,
		DiscountBps: record.DiscountBps,
		CanPause:    record.CanPause,
		MinPeriods:  record.MinPeriods,
	}, nil
}

func (m *Manager) record(id obligation.ID) (*storedSubscription, error) {
	var record storedSubscription
	ok, err := m.store.KVGet(recordKey(id), &record)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, obligation.ErrNotFound
	}
	return &record, nil
}

func (m *Manager) minTermMet(id obligation.ID) error {
	ob, err := m.core.Get(id)
	if err != nil {
		return err
	}
	record, err := m.record(id)
	if err != nil {
		return err
	}
	if ob.NumSuccesses < record.MinPeriods {
		return fmt.Errorf("%w: %d of %d periods billed", ErrMinPeriods, ob.NumSuccesses, record.MinPeriods)
	}
	return nil
}

// Cancel flags the subscription for cancellation at its next processing
// boundary. Plans with a minimum term reject cancellation until it completes.
func (m *Manager) Cancel(id obligation.ID, owner [20]byte) error {
	if err := m.minTermMet(id); err != nil {
		return err
	}
	return m.core.RequestCancel(id, owner)
}

// Pause flags the subscription to pause at its next processing boundary,
// subject to the plan's canPause flag and minimum term.
func (m *Manager) Pause(id obligation.ID, owner [20]byte) error {
	record, err := m.record(id)
	if err != nil {
		return err
	}
	if !record.CanPause {
		return ErrNotPausable
	}
	if err := m.minTermMet(id); err != nil {
		return err
	}
	return m.core.RequestPause(id, owner)
}

// Resume reactivates a paused subscription. Billing restarts one full period
// from now; the pause itself is never billed.
func (m *Manager) Resume(id obligation.ID, owner [20]byte) error {
	ob, err := m.core.Get(id)
	if err != nil {
		return err
	}
	return m.core.Resume(id, owner, m.core.Now()+ob.Period)
}

// CheckUpkeep reports whether due subscriptions exist. Read-only.
func (m *Manager) CheckUpkeep(limit int) (bool, []byte, error) {
	return m.core.CheckUpkeep(limit)
}

// PerformUpkeep processes the echoed perform data after re-validation.
func (m *Manager) PerformUpkeep(data []byte) (int, error) {
	return m.core.PerformUpkeep(data)
}

// QueuePosition mirrors the scheduler cursor.
func (m *Manager) QueuePosition() (uint64, error) { return m.core.QueuePosition() }

// QueueSize mirrors live bucket occupancy from the supplied position.
func (m *Manager) QueueSize(position uint64) (uint64, error) { return m.core.QueueSize(position) }

// Kind implements engine.Executor.
func (m *Manager) Kind() obligation.Kind { return obligation.KindSubscription }

// Execute charges one due subscription: collect the discounted price from the
// payer, pay the provider net of fee, route the fee. Funding failures are
// skips, not batch errors.
func (m *Manager) Execute(ob *obligation.Obligation, amount *big.Int, now uint64) (*engine.Receipt, error) {
	record, err := m.record(ob.ID)
	if err != nil {
		return nil, err
	}
	split := fees.Apply(m.feePolicy, amount)
	if err := m.vault.Collect(m.self, ob.Owner, string(obligation.KindSubscription), amount); err != nil {
		if errors.Is(err, vault.ErrInsufficientFunds) || errors.Is(err, vault.ErrExternalPullFailed) {
			return nil, engine.Skip(events.SkipReasonInsufficientFunds, err)
		}
		return nil, err
	}
	if err := m.vault.Credit(m.self, record.Provider, split.Net); err != nil {
		return nil, err
	}
	if split.Fee.Sign() > 0 {
		if err := m.vault.Credit(m.self, split.Route, split.Fee); err != nil {
			return nil, err
		}
	}
	return &engine.Receipt{Charged: amount, Fee: split.Fee}, nil
}

func recordKey(id obligation.ID) []byte {
	key := make([]byte, len(recordPrefix)+len(id))
	copy(key, recordPrefix)
	copy(key[len(recordPrefix):], id[:])
	return key
}
