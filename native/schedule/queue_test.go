package schedule

import (
	"errors"
	"testing"

	"recurpay/core/state"
	"recurpay/native/obligation"
	"recurpay/storage"
)

const bucketSize = 3600

func newTestQueue(t *testing.T, maxAge uint64) (*Queue, *obligation.Store) {
	t.Helper()
	mgr := state.NewManager(storage.NewMemDB())
	obs := obligation.NewStore(mgr)
	queue, err := New(mgr, obs, "test", bucketSize, maxAge)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return queue, obs
}

func createActive(t *testing.T, obs *obligation.Store, b byte) obligation.ID {
	t.Helper()
	var id obligation.ID
	id[0] = b
	ob := &obligation.Obligation{ID: id, Kind: obligation.KindP2P, Status: obligation.StatusActive, DueAt: 1}
	if err := obs.Create(ob); err != nil {
		t.Fatalf("create obligation: %v", err)
	}
	return id
}

func TestEnqueueBucketAssignment(t *testing.T) {
	queue, obs := newTestQueue(t, 0)
	id := createActive(t, obs, 1)
	if err := queue.Enqueue(id, 7250); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ob, err := obs.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ob.BucketKey != 7201 {
		t.Fatalf("expected stored key 7201 for bucket 7200, got %d", ob.BucketKey)
	}
	if ob.DueAt != 7250 {
		t.Fatalf("expected dueAt preserved, got %d", ob.DueAt)
	}
	if err := queue.Enqueue(id, 9000); !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("expected ErrAlreadyQueued, got %v", err)
	}
}

func TestEnqueueRejectsPaused(t *testing.T) {
	queue, obs := newTestQueue(t, 0)
	var id obligation.ID
	id[0] = 2
	ob := &obligation.Obligation{ID: id, Kind: obligation.KindTopup, Status: obligation.StatusPaused, DueAt: 1}
	if err := obs.Create(ob); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := queue.Enqueue(id, 7200); !errors.Is(err, ErrNotQueueable) {
		t.Fatalf("expected ErrNotQueueable, got %v", err)
	}
}

func TestDueFIFOWithinBucket(t *testing.T) {
	queue, obs := newTestQueue(t, 0)
	a := createActive(t, obs, 1)
	b := createActive(t, obs, 2)
	c := createActive(t, obs, 3)
	for _, id := range []obligation.ID{a, b, c} {
		if err := queue.Enqueue(id, 7300); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	ids, err := queue.Due(8000, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(ids) != 3 || ids[0] != a || ids[1] != b || ids[2] != c {
		t.Fatalf("expected FIFO order [a b c], got %v", ids)
	}
}

func TestDueRespectsLimitAcrossBuckets(t *testing.T) {
	queue, obs := newTestQueue(t, 0)
	early := createActive(t, obs, 1)
	late1 := createActive(t, obs, 2)
	late2 := createActive(t, obs, 3)
	if err := queue.Enqueue(early, 3700); err != nil {
		t.Fatalf("enqueue early: %v", err)
	}
	if err := queue.Enqueue(late1, 7300); err != nil {
		t.Fatalf("enqueue late1: %v", err)
	}
	if err := queue.Enqueue(late2, 7400); err != nil {
		t.Fatalf("enqueue late2: %v", err)
	}
	ids, err := queue.Due(8000, 2)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(ids) != 2 || ids[0] != early || ids[1] != late1 {
		t.Fatalf("expected [early late1], got %v", ids)
	}
}

func TestDueIgnoresFutureBuckets(t *testing.T) {
	queue, obs := newTestQueue(t, 0)
	id := createActive(t, obs, 1)
	if err := queue.Enqueue(id, 7300); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ids, err := queue.Due(7100, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected nothing due, got %v", ids)
	}
}

func TestRemoveMiddleOfBucket(t *testing.T) {
	queue, obs := newTestQueue(t, 0)
	a := createActive(t, obs, 1)
	b := createActive(t, obs, 2)
	c := createActive(t, obs, 3)
	for _, id := range []obligation.ID{a, b, c} {
		if err := queue.Enqueue(id, 7300); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if err := queue.Remove(b, 7300); err != nil {
		t.Fatalf("remove: %v", err)
	}
	ids, err := queue.Due(8000, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(ids) != 2 || ids[0] != a || ids[1] != c {
		t.Fatalf("expected [a c], got %v", ids)
	}
	removed, err := obs.Get(b)
	if err != nil {
		t.Fatalf("get removed: %v", err)
	}
	if removed.BucketKey != 0 || !removed.Prev.Zero() || !removed.Next.Zero() {
		t.Fatalf("links not cleared: %+v", removed)
	}
	// Removing again is a no-op.
	if err := queue.Remove(b, 7300); err != nil {
		t.Fatalf("idempotent remove: %v", err)
	}
}

func TestRemoveLastDeletesBucket(t *testing.T) {
	queue, obs := newTestQueue(t, 0)
	id := createActive(t, obs, 1)
	if err := queue.Enqueue(id, 7300); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := queue.Remove(id, 7300); err != nil {
		t.Fatalf("remove: %v", err)
	}
	size, err := queue.Size(0)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 0 {
		t.Fatalf("expected empty queue, got %d", size)
	}
}

func TestCursorMonotoneAndClamp(t *testing.T) {
	queue, obs := newTestQueue(t, 0)
	a := createActive(t, obs, 1)
	b := createActive(t, obs, 2)
	if err := queue.Enqueue(a, 7300); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	if err := queue.Enqueue(b, 14500); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	// The clock has reached the far bucket, so the cursor may advance to it.
	if err := queue.Remove(a, 14500); err != nil {
		t.Fatalf("remove a: %v", err)
	}
	position, err := queue.Position()
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if position != 14400 {
		t.Fatalf("expected cursor at 14400, got %d", position)
	}
	// A due time behind the cursor is clamped into the cursor's bucket.
	key, err := queue.BucketKeyFor(3600)
	if err != nil {
		t.Fatalf("bucket key: %v", err)
	}
	if key != 14400 {
		t.Fatalf("expected clamp to 14400, got %d", key)
	}
}

func TestCursorCappedAtClockBucket(t *testing.T) {
	queue, obs := newTestQueue(t, 0)
	near := createActive(t, obs, 1)
	far := createActive(t, obs, 2)
	if err := queue.Enqueue(near, 7300); err != nil {
		t.Fatalf("enqueue near: %v", err)
	}
	if err := queue.Enqueue(far, 700_000); err != nil {
		t.Fatalf("enqueue far: %v", err)
	}
	// Draining the near bucket while only a far-future bucket remains must
	// not carry the cursor past the clock.
	if err := queue.Remove(near, 7400); err != nil {
		t.Fatalf("remove near: %v", err)
	}
	position, err := queue.Position()
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if position != 7200 {
		t.Fatalf("expected cursor at clock bucket 7200, got %d", position)
	}
	// A fresh near-term item lands in its own bucket and comes due on time.
	next := createActive(t, obs, 3)
	if err := queue.Enqueue(next, 10900); err != nil {
		t.Fatalf("enqueue next: %v", err)
	}
	ids, err := queue.Due(11000, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(ids) != 1 || ids[0] != next {
		t.Fatalf("expected near-term item due, got %v", ids)
	}
}

func TestBucketZeroHoldsItems(t *testing.T) {
	queue, obs := newTestQueue(t, 0)
	id := createActive(t, obs, 1)
	if err := queue.Enqueue(id, 100); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ob, err := obs.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ob.BucketKey != 1 {
		t.Fatalf("expected stored key 1 for bucket zero, got %d", ob.BucketKey)
	}
	ids, err := queue.Due(200, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("expected item in bucket zero due, got %v", ids)
	}
	if err := queue.Remove(id, 200); err != nil {
		t.Fatalf("remove: %v", err)
	}
	removed, err := obs.Get(id)
	if err != nil {
		t.Fatalf("get removed: %v", err)
	}
	if removed.BucketKey != 0 {
		t.Fatalf("expected cleared key after remove, got %d", removed.BucketKey)
	}
}

func TestStaleBucketAbandonment(t *testing.T) {
	queue, obs := newTestQueue(t, 24*3600)
	old := createActive(t, obs, 1)
	fresh := createActive(t, obs, 2)
	if err := queue.Enqueue(old, 7300); err != nil {
		t.Fatalf("enqueue old: %v", err)
	}
	if err := queue.Enqueue(fresh, 200_000); err != nil {
		t.Fatalf("enqueue fresh: %v", err)
	}
	now := uint64(250_000)
	ids, err := queue.Due(now, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(ids) != 1 || ids[0] != fresh {
		t.Fatalf("expected only fresh item, got %v", ids)
	}
	dropped, err := queue.AbandonStale(now)
	if err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if dropped != 1 {
		t.Fatalf("expected 1 bucket dropped, got %d", dropped)
	}
	// Abandonment is permanent: the orphaned item never reappears.
	ids, err = queue.Due(now, 10)
	if err != nil {
		t.Fatalf("due after abandon: %v", err)
	}
	if len(ids) != 1 || ids[0] != fresh {
		t.Fatalf("expected only fresh item after abandon, got %v", ids)
	}
}

func TestSizeByPosition(t *testing.T) {
	queue, obs := newTestQueue(t, 0)
	a := createActive(t, obs, 1)
	b := createActive(t, obs, 2)
	c := createActive(t, obs, 3)
	if err := queue.Enqueue(a, 3700); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := queue.Enqueue(b, 7300); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := queue.Enqueue(c, 7400); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	total, err := queue.Size(0)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected 3, got %d", total)
	}
	tail, err := queue.Size(7200)
	if err != nil {
		t.Fatalf("size from 7200: %v", err)
	}
	if tail != 2 {
		t.Fatalf("expected 2 from position 7200, got %d", tail)
	}
}
