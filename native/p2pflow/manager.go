package p2pflow

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
	"recurpay/native/schedule"
	"recurpay/native/vault"
)

// ErrSelfFlow indicates sender and recipient are the same account.
var ErrSelfFlow = errors.New("p2pflow: sender and recipient must differ")

var recordPrefix = []byte("p2pflow/record/")

// Storage abstracts the state manager subset the manager persists through.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// valueVault is the slice of vault behaviour a recurring transfer needs.
type valueVault interface {
	Collect(protocol, payer [20]byte, kind string, value *big.Int) error
	Credit(protocol, to [20]byte, value *big.Int) error
}

type storedFlow struct {
	Recipient [20]byte
}

// Flow captures the caller-supplied parameters of one recurring transfer.
type Flow struct {
	Recipient  [20]byte
	Amount     *big.Int
	Period     uint64
	TotalLimit *big.Int
}

// Manager runs the P2P obligation kind: recurring vault-internal value
// transfers minus a fixed protocol fee. No swaps, no external calls.
type Manager struct {
	core      *engine.Core
	store     Storage
	vault     valueVault
	self      [20]byte
	feePolicy fees.Policy
}

// NewManager wires the P2P manager over the shared scheduler core. self is
// the manager's protocol address on the vault allow-list.
func NewManager(store Storage, obs *obligation.Store, queue *schedule.Queue, vault valueVault, self [20]byte, params engine.Params) *Manager {
	m := &Manager{store: store, vault: vault, self: self}
	m.core = engine.NewCore(obs, queue, m, params)
	return m
}

// Core exposes the engine core for emitter, metrics and clock configuration.
func (m *Manager) Core() *engine.Core { return m.core }

// SetFeePolicy configures the fixed fee deducted from every transfer.
func (m *Manager) SetFeePolicy(policy fees.Policy) {
	if m == nil {
		return
	}
	m.feePolicy = policy.Clone()
}

// Create registers a recurring transfer. The first transfer is due one period
// from now.
func (m *Manager) Create(owner [20]byte, flow *Flow) (obligation.ID, error) {
	if m == nil || m.store == nil {
		return obligation.ID{}, fmt.Errorf("p2pflow: manager not initialised")
	}
	if flow == nil {
		return obligation.ID{}, fmt.Errorf("p2pflow: flow must not be nil")
	}
	if flow.Amount == nil || flow.Amount.Sign() <= 0 {
		return obligation.ID{}, fmt.Errorf("p2pflow: amount must be positive")
	}
	if flow.Period == 0 {
		return obligation.ID{}, fmt.Errorf("p2pflow: period must be positive")
	}
	if flow.Recipient == owner {
		return obligation.ID{}, ErrSelfFlow
	}
	var zero [20]byte
	if flow.Recipient == zero {
		return obligation.ID{}, fmt.Errorf("p2pflow: recipient required")
	}

	now := m.core.Now()
	id := m.deriveID(owner, flow.Recipient, now)
	ob := &obligation.Obligation{
		ID:               id,
		Owner:            owner,
		Kind:             obligation.KindP2P,
		Status:           obligation.StatusActive,
		Amount:           new(big.Int).Set(flow.Amount),
		TotalAmountLimit: cloneOrZero(flow.TotalLimit),
		Period:           flow.Period,
		DueAt:            now + flow.Period,
		CreatedAt:        now,
	}
	if err := m.store.KVPut(recordKey(id), storedFlow{Recipient: flow.Recipient}); err != nil {
		return obligation.ID{}, err
	}
	if err := m.core.Create(ob); err != nil {
		return obligation.ID{}, err
	}
	return id, nil
}

func (m *Manager) deriveID(owner, recipient [20]byte, now uint64) obligation.ID {
	ids, err := m.core.Store().ListByOwner(owner)
	var nonce uint64
	if err == nil {
		nonce = uint64(len(ids))
	}
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], now)
	binary.BigEndian.PutUint64(buf[8:], nonce)
	return obligation.ID(ethcrypto.Keccak256Hash(owner[:], recipient[:], buf[:]))
}

// Cancel cancels the flow immediately and removes it from the queue.
func (m *Manager) Cancel(id obligation.ID, owner [20]byte) error {
	return m.core.CancelNow(id, owner)
}

// Get returns a copy of the underlying obligation record.
func (m *Manager) Get(id obligation.ID) (*obligation.Obligation, error) {
	return m.core.Get(id)
}

// Recipient returns the flow's configured recipient.
func (m *Manager) Recipient(id obligation.ID) ([20]byte, error) {
	record, err := m.record(id)
	if err != nil {
		return [20]byte{}, err
	}
	return record.Recipient, nil
}

// CheckUpkeep reports whether due flows exist. Read-only.
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
func (m *Manager) Kind() obligation.Kind { return obligation.KindP2P }

// Execute moves one due transfer: collect the gross amount from the sender,
// credit the recipient net of fee, route the fee. The single collect keeps
// the attempt all-or-nothing.
func (m *Manager) Execute(ob *obligation.Obligation, amount *big.Int, now uint64) (*engine.Receipt, error) {
	record, err := m.record(ob.ID)
	if err != nil {
		return nil, err
	}
	split := fees.Apply(m.feePolicy, amount)
	if err := m.vault.Collect(m.self, ob.Owner, string(obligation.KindP2P), amount); err != nil {
		if errors.Is(err, vault.ErrInsufficientFunds) || errors.Is(err, vault.ErrExternalPullFailed) {
			return nil, engine.Skip(events.SkipReasonInsufficientFunds, err)
		}
		return nil, err
	}
	if err := m.vault.Credit(m.self, record.Recipient, split.Net); err != nil {
		return nil, err
	}
	if split.Fee.Sign() > 0 {
		if err := m.vault.Credit(m.self, split.Route, split.Fee); err != nil {
			return nil, err
		}
	}
	return &engine.Receipt{Charged: amount, Fee: split.Fee}, nil
}

func (m *Manager) record(id obligation.ID) (*storedFlow, error) {
	var record storedFlow
	ok, err := m.store.KVGet(recordKey(id), &record)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, obligation.ErrNotFound
	}
	return &record, nil
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func recordKey(id obligation.ID) []byte {
	key := make([]byte, len(recordPrefix)+len(id))
	copy(key, recordPrefix)
	copy(key[len(recordPrefix):], id[:])
	return key
}
