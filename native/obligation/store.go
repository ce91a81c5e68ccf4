package obligation

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Storage abstracts the subset of state manager functionality required by the
// obligation store.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

var (
	// ErrNotFound indicates the obligation id has never been recorded.
	ErrNotFound = errors.New("obligation: not found")
	// ErrInvalidTransition indicates the kind's state machine forbids the
	// requested status change.
	ErrInvalidTransition = errors.New("obligation: invalid status transition")
)

var (
	recordPrefix   = []byte("obligation/record/")
	ownerIndexPref = []byte("obligation/owner/")
)

type storedObligation struct {
	ID               [32]byte
	Owner            [20]byte
	Kind             string
	Status           uint8
	Amount           string
	TotalAmountLimit string
	TotalCharged     string
	Period           uint64
	DueAt            uint64
	NumSkips         uint64
	NumSuccesses     uint64
	BucketKey        uint64
	Prev             [32]byte
	Next             [32]byte
	GroupID          uint64
	CreatedAt        uint64
}

// Store persists obligation records in the underlying key-value store.
// Records are never deleted; terminal obligations remain readable forever.
type Store struct {
	store Storage
}

// NewStore constructs a store bound to the provided storage backend.
func NewStore(store Storage) *Store {
	return &Store{store: store}
}

// Put persists the obligation record, overwriting any previous version.
func (s *Store) Put(ob *Obligation) error {
	if s == nil || s.store == nil {
		return fmt.Errorf("obligation: store not initialised")
	}
	if ob == nil {
		return fmt.Errorf("obligation: record must not be nil")
	}
	if ob.ID.Zero() {
		return fmt.Errorf("obligation: id required")
	}
	if !ob.Kind.Valid() {
		return fmt.Errorf("obligation: invalid kind %q", ob.Kind)
	}
	return s.store.KVPut(recordKey(ob.ID), toStored(ob))
}

// Create persists a brand-new record and indexes it by owner. Creation fails
// if the id is already taken.
func (s *Store) Create(ob *Obligation) error {
	if s == nil || s.store == nil {
		return fmt.Errorf("obligation: store not initialised")
	}
	if ob == nil {
		return fmt.Errorf("obligation: record must not be nil")
	}
	ok, err := s.store.KVGet(recordKey(ob.ID), nil)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("obligation: id already exists")
	}
	if err := s.Put(ob); err != nil {
		return err
	}
	return s.store.KVAppend(ownerIndexKey(ob.Owner), ob.ID[:])
}

// Get retrieves an obligation by id.
func (s *Store) Get(id ID) (*Obligation, error) {
	if s == nil || s.store == nil {
		return nil, fmt.Errorf("obligation: store not initialised")
	}
	var stored storedObligation
	ok, err := s.store.KVGet(recordKey(id), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return fromStored(&stored)
}

// ListByOwner returns the ids of every obligation ever created by the owner.
func (s *Store) ListByOwner(owner [20]byte) ([]ID, error) {
	if s == nil || s.store == nil {
		return nil, fmt.Errorf("obligation: store not initialised")
	}
	var raw [][]byte
	if err := s.store.KVGetList(ownerIndexKey(owner), &raw); err != nil {
		return nil, err
	}
	ids := make([]ID, 0, len(raw))
	for _, entry := range raw {
		if len(entry) != 32 {
			continue
		}
		var id ID
		copy(id[:], entry)
		ids = append(ids, id)
	}
	return ids, nil
}

// Transition validates the status change against the kind's state machine and
// persists the updated record.
func (s *Store) Transition(ob *Obligation, to Status) error {
	if ob == nil {
		return fmt.Errorf("obligation: record must not be nil")
	}
	if !CanTransition(ob.Kind, ob.Status, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, ob.Kind, ob.Status, to)
	}
	ob.Status = to
	return s.Put(ob)
}

func toStored(ob *Obligation) storedObligation {
	stored := storedObligation{
		ID:           ob.ID,
		Owner:        ob.Owner,
		Kind:         string(ob.Kind),
		Status:       uint8(ob.Status),
		Period:       ob.Period,
		DueAt:        ob.DueAt,
		NumSkips:     ob.NumSkips,
		NumSuccesses: ob.NumSuccesses,
		BucketKey:    ob.BucketKey,
		Prev:         ob.Prev,
		Next:         ob.Next,
		GroupID:      ob.GroupID,
		CreatedAt:    ob.CreatedAt,
	}
	if ob.Amount != nil {
		stored.Amount = ob.Amount.String()
	}
	if ob.TotalAmountLimit != nil {
		stored.TotalAmountLimit = ob.TotalAmountLimit.String()
	}
	if ob.TotalCharged != nil {
		stored.TotalCharged = ob.TotalCharged.String()
	}
	return stored
}

func fromStored(stored *storedObligation) (*Obligation, error) {
	if stored == nil {
		return nil, fmt.Errorf("obligation: nil stored record")
	}
	ob := &Obligation{
		ID:           stored.ID,
		Owner:        stored.Owner,
		Kind:         Kind(stored.Kind),
		Status:       Status(stored.Status),
		Period:       stored.Period,
		DueAt:        stored.DueAt,
		NumSkips:     stored.NumSkips,
		NumSuccesses: stored.NumSuccesses,
		BucketKey:    stored.BucketKey,
		Prev:         stored.Prev,
		Next:         stored.Next,
		GroupID:      stored.GroupID,
		CreatedAt:    stored.CreatedAt,
	}
	var err error
	if ob.Amount, err = parseAmount(stored.Amount); err != nil {
		return nil, err
	}
	if ob.TotalAmountLimit, err = parseAmount(stored.TotalAmountLimit); err != nil {
		return nil, err
	}
	if ob.TotalCharged, err = parseAmount(stored.TotalCharged); err != nil {
		return nil, err
	}
	return ob, nil
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("obligation: invalid amount %q", raw)
	}
	return amount, nil
}

func recordKey(id ID) []byte {
	key := make([]byte, len(recordPrefix)+len(id))
	copy(key, recordPrefix)
	copy(key[len(recordPrefix):], id[:])
	return key
}

func ownerIndexKey(owner [20]byte) []byte {
	key := make([]byte, len(ownerIndexPref)+len(owner))
	copy(key, ownerIndexPref)
	copy(key[len(ownerIndexPref):], owner[:])
	return key
}
