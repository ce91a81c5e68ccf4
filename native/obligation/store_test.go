package obligation

import (
	"errors"
	"math/big"
	"testing"

	"recurpay/core/state"
	"recurpay/storage"
)

func testID(b byte) ID {
	var id ID
	id[0] = b
	return id
}

func TestStoreCreateAndGet(t *testing.T) {
	store := NewStore(state.NewManager(storage.NewMemDB()))
	ob := &Obligation{
		ID:        testID(1),
		Owner:     [20]byte{0xaa},
		Kind:      KindSubscription,
		Status:    StatusTrial,
		Amount:    big.NewInt(10),
		Period:    30 * 24 * 3600,
		DueAt:     1_700_000_000,
		CreatedAt: 1_700_000_000,
	}
	if err := store.Create(ob); err != nil {
		t.Fatalf("create: %v", err)
	}
	fetched, err := store.Get(testID(1))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fetched.Kind != KindSubscription || fetched.Status != StatusTrial {
		t.Fatalf("unexpected record %+v", fetched)
	}
	if fetched.Amount.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("unexpected amount %s", fetched.Amount)
	}
	if err := store.Create(ob); err == nil {
		t.Fatalf("expected duplicate create to fail")
	}
}

func TestStoreGetMissing(t *testing.T) {
	store := NewStore(state.NewManager(storage.NewMemDB()))
	if _, err := store.Get(testID(9)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreListByOwner(t *testing.T) {
	store := NewStore(state.NewManager(storage.NewMemDB()))
	owner := [20]byte{0xbb}
	for i := byte(1); i <= 3; i++ {
		ob := &Obligation{ID: testID(i), Owner: owner, Kind: KindDCA, Status: StatusActive, DueAt: 1}
		if err := store.Create(ob); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	ids, err := store.ListByOwner(owner)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 ids, got %d", len(ids))
	}
}

func TestTransitionEnforcesStateMachine(t *testing.T) {
	store := NewStore(state.NewManager(storage.NewMemDB()))
	ob := &Obligation{ID: testID(4), Kind: KindSubscription, Status: StatusActive, DueAt: 1}
	if err := store.Create(ob); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Transition(ob, StatusPendingPause); err != nil {
		t.Fatalf("pending pause: %v", err)
	}
	if err := store.Transition(ob, StatusPaused); err != nil {
		t.Fatalf("paused: %v", err)
	}
	if err := store.Transition(ob, StatusComplete); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if err := store.Transition(ob, StatusActive); err != nil {
		t.Fatalf("resume: %v", err)
	}
}

func TestTerminalStatusIsFinal(t *testing.T) {
	for _, kind := range []Kind{KindSubscription, KindDCA, KindP2P, KindTopup} {
		if CanTransition(kind, StatusCanceled, StatusActive) {
			t.Fatalf("%s: canceled must be terminal", kind)
		}
		if CanTransition(kind, StatusComplete, StatusActive) {
			t.Fatalf("%s: complete must be terminal", kind)
		}
	}
}

func TestDCAHasNoPause(t *testing.T) {
	if CanTransition(KindDCA, StatusActive, StatusPaused) {
		t.Fatalf("dca must not pause")
	}
	if CanTransition(KindP2P, StatusActive, StatusPendingPause) {
		t.Fatalf("p2p must not pause")
	}
	if !CanTransition(KindTopup, StatusActive, StatusPaused) {
		t.Fatalf("topup pause must be allowed")
	}
	if !CanTransition(KindTopup, StatusPaused, StatusActive) {
		t.Fatalf("topup resume must be allowed")
	}
}

func TestRemaining(t *testing.T) {
	ob := &Obligation{Amount: big.NewInt(100), TotalAmountLimit: big.NewInt(250), TotalCharged: big.NewInt(200)}
	remaining, limited := ob.Remaining()
	if !limited {
		t.Fatalf("expected limit")
	}
	if remaining.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("expected 50 remaining, got %s", remaining)
	}
	unlimited := &Obligation{Amount: big.NewInt(100)}
	if _, limited := unlimited.Remaining(); limited {
		t.Fatalf("expected unlimited")
	}
}
