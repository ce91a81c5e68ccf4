package schedule

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"recurpay/native/obligation"
)

// Storage abstracts the subset of state manager functionality required by the
// queue. Bucket records are deleted once drained, hence KVDelete.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

var (
	// ErrAlreadyQueued indicates the obligation is already threaded into a
	// bucket and must be removed before re-insertion.
	ErrAlreadyQueued = errors.New("schedule: obligation already queued")
	// ErrNotQueueable indicates the obligation's status forbids queue
	// membership.
	ErrNotQueueable = errors.New("schedule: obligation status not queueable")
)

type storedBucket struct {
	Head  [32]byte
	Tail  [32]byte
	Count uint64
}

type storedCursor struct {
	Key uint64
}

// Queue is the time-bucketed due-item index shared by all four managers.
// Obligations are threaded through per-bucket doubly-linked lists using the
// Prev/Next ids stored on the records themselves, so enqueue and remove are
// O(1) regardless of bucket occupancy. A persistent cursor marks the oldest
// bucket that may still hold work and only ever moves forward.
type Queue struct {
	store      Storage
	obs        *obligation.Store
	name       string
	bucketSize uint64
	maxAge     uint64
}

// New constructs a queue over the supplied stores. The name namespaces all
// persisted keys so each manager owns an independent queue. maxAge of zero
// disables stale-bucket abandonment.
func New(store Storage, obs *obligation.Store, name string, bucketSize, maxAge uint64) (*Queue, error) {
	if store == nil || obs == nil {
		return nil, fmt.Errorf("schedule: storage and obligation store required")
	}
	if name == "" {
		return nil, fmt.Errorf("schedule: queue name required")
	}
	if bucketSize == 0 {
		return nil, fmt.Errorf("schedule: bucket size must be positive")
	}
	return &Queue{store: store, obs: obs, name: name, bucketSize: bucketSize, maxAge: maxAge}, nil
}

// BucketKeyFor computes the bucket a due timestamp lands in. Keys that fall
// behind the cursor are clamped to the cursor's bucket so a resumed or
// rescheduled obligation can never be inserted where polling has already
// passed.
func (q *Queue) BucketKeyFor(dueAt uint64) (uint64, error) {
	if q == nil {
		return 0, fmt.Errorf("schedule: queue not initialised")
	}
	key := dueAt - dueAt%q.bucketSize
	cursor, err := q.Position()
	if err != nil {
		return 0, err
	}
	if key < cursor {
		key = cursor
	}
	return key, nil
}

// Enqueue appends the obligation to the bucket covering dueAt and records the
// new due time on the obligation itself.
func (q *Queue) Enqueue(id obligation.ID, dueAt uint64) error {
	if q == nil {
		return fmt.Errorf("schedule: queue not initialised")
	}
	ob, err := q.obs.Get(id)
	if err != nil {
		return err
	}
	if !ob.Status.Queueable() {
		return fmt.Errorf("%w: %s", ErrNotQueueable, ob.Status)
	}
	if ob.BucketKey != 0 {
		return ErrAlreadyQueued
	}
	key, err := q.BucketKeyFor(dueAt)
	if err != nil {
		return err
	}
	var bucket storedBucket
	ok, err := q.store.KVGet(q.bucketKey(key), &bucket)
	if err != nil {
		return err
	}
	ob.DueAt = dueAt
	// Stored offset by one so bucket zero is distinguishable from "not
	// queued".
	ob.BucketKey = key + 1
	ob.Prev = obligation.ID(bucket.Tail)
	ob.Next = obligation.ID{}
	if !ok || bucket.Count == 0 {
		bucket = storedBucket{Head: id, Tail: id, Count: 1}
		if err := q.indexAdd(key); err != nil {
			return err
		}
	} else {
		tail, err := q.obs.Get(obligation.ID(bucket.Tail))
		if err != nil {
			return err
		}
		tail.Next = id
		if err := q.obs.Put(tail); err != nil {
			return err
		}
		bucket.Tail = id
		bucket.Count++
	}
	if err := q.obs.Put(ob); err != nil {
		return err
	}
	return q.store.KVPut(q.bucketKey(key), bucket)
}

// Remove unlinks the obligation from its bucket. Removing an unqueued
// obligation is a no-op so pause and cancel paths stay idempotent.
func (q *Queue) Remove(id obligation.ID, now uint64) error {
	if q == nil {
		return fmt.Errorf("schedule: queue not initialised")
	}
	ob, err := q.obs.Get(id)
	if err != nil {
		return err
	}
	if ob.BucketKey == 0 {
		return nil
	}
	key := ob.BucketKey - 1
	var bucket storedBucket
	ok, err := q.store.KVGet(q.bucketKey(key), &bucket)
	if err != nil {
		return err
	}
	if ok {
		if !ob.Prev.Zero() {
			prev, err := q.obs.Get(ob.Prev)
			if err != nil {
				return err
			}
			prev.Next = ob.Next
			if err := q.obs.Put(prev); err != nil {
				return err
			}
		} else {
			bucket.Head = ob.Next
		}
		if !ob.Next.Zero() {
			next, err := q.obs.Get(ob.Next)
			if err != nil {
				return err
			}
			next.Prev = ob.Prev
			if err := q.obs.Put(next); err != nil {
				return err
			}
		} else {
			bucket.Tail = ob.Prev
		}
		if bucket.Count > 0 {
			bucket.Count--
		}
		if bucket.Count == 0 {
			if err := q.store.KVDelete(q.bucketKey(key)); err != nil {
				return err
			}
			if err := q.indexRemove(key); err != nil {
				return err
			}
		} else {
			if err := q.store.KVPut(q.bucketKey(key), bucket); err != nil {
				return err
			}
		}
	}
	ob.BucketKey = 0
	ob.Prev = obligation.ID{}
	ob.Next = obligation.ID{}
	if err := q.obs.Put(ob); err != nil {
		return err
	}
	return q.advanceCursor(now)
}

// Due walks buckets from the cursor in increasing key order and returns up to
// limit obligation ids whose bucket is due at now. The walk is read-only:
// repeated calls without time advancing return the same view, which is what
// keeps checkUpkeep idempotent.
func (q *Queue) Due(now uint64, limit int) ([]obligation.ID, error) {
	if q == nil {
		return nil, fmt.Errorf("schedule: queue not initialised")
	}
	if limit <= 0 {
		return nil, nil
	}
	index, err := q.loadIndex()
	if err != nil {
		return nil, err
	}
	ids := make([]obligation.ID, 0, limit)
	for _, key := range index {
		if key > now {
			break
		}
		if q.stale(key, now) {
			continue
		}
		var bucket storedBucket
		ok, err := q.store.KVGet(q.bucketKey(key), &bucket)
		if err != nil {
			return nil, err
		}
		if !ok || bucket.Count == 0 {
			continue
		}
		cursor := obligation.ID(bucket.Head)
		for !cursor.Zero() && len(ids) < limit {
			ob, err := q.obs.Get(cursor)
			if err != nil {
				return nil, err
			}
			ids = append(ids, cursor)
			cursor = ob.Next
		}
		if len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

// AbandonStale drops buckets older than maxQueueAge without visiting their
// members. Orphaned obligations keep their stale bucket key until an explicit
// remove or cancel clears it; trading their retries away bounds the work any
// single poll can do.
func (q *Queue) AbandonStale(now uint64) (int, error) {
	if q == nil {
		return 0, fmt.Errorf("schedule: queue not initialised")
	}
	if q.maxAge == 0 {
		return 0, nil
	}
	index, err := q.loadIndex()
	if err != nil {
		return 0, err
	}
	dropped := 0
	remaining := make([]uint64, 0, len(index))
	for _, key := range index {
		if q.stale(key, now) {
			if err := q.store.KVDelete(q.bucketKey(key)); err != nil {
				return dropped, err
			}
			dropped++
			continue
		}
		remaining = append(remaining, key)
	}
	if dropped > 0 {
		if err := q.saveIndex(remaining); err != nil {
			return dropped, err
		}
		if err := q.advanceCursor(now); err != nil {
			return dropped, err
		}
	}
	return dropped, nil
}

// Position returns the cursor's current bucket key.
func (q *Queue) Position() (uint64, error) {
	if q == nil {
		return 0, fmt.Errorf("schedule: queue not initialised")
	}
	var cursor storedCursor
	if _, err := q.store.KVGet(q.cursorKey(), &cursor); err != nil {
		return 0, err
	}
	return cursor.Key, nil
}

// Size reports the live occupancy of every bucket at or beyond the supplied
// position. It mirrors queue state for monitoring and carries no correctness
// weight.
func (q *Queue) Size(position uint64) (uint64, error) {
	if q == nil {
		return 0, fmt.Errorf("schedule: queue not initialised")
	}
	index, err := q.loadIndex()
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, key := range index {
		if key < position {
			continue
		}
		var bucket storedBucket
		ok, err := q.store.KVGet(q.bucketKey(key), &bucket)
		if err != nil {
			return 0, err
		}
		if ok {
			total += bucket.Count
		}
	}
	return total, nil
}

func (q *Queue) stale(key, now uint64) bool {
	return q.maxAge > 0 && key+q.maxAge < now
}

// advanceCursor moves the cursor forward to the oldest live bucket, capped at
// the bucket containing now. Without the cap, draining a bucket while only
// far-future buckets remain would jump the cursor ahead of the clock and
// BucketKeyFor would clamp every near-term enqueue into that future bucket.
func (q *Queue) advanceCursor(now uint64) error {
	index, err := q.loadIndex()
	if err != nil {
		return err
	}
	if len(index) == 0 {
		return nil
	}
	target := index[0]
	if nowBucket := now - now%q.bucketSize; target > nowBucket {
		target = nowBucket
	}
	var cursor storedCursor
	if _, err := q.store.KVGet(q.cursorKey(), &cursor); err != nil {
		return err
	}
	if target > cursor.Key {
		cursor.Key = target
		return q.store.KVPut(q.cursorKey(), cursor)
	}
	return nil
}

func (q *Queue) loadIndex() ([]uint64, error) {
	var index []uint64
	if _, err := q.store.KVGet(q.indexKey(), &index); err != nil {
		return nil, err
	}
	return index, nil
}

func (q *Queue) saveIndex(index []uint64) error {
	sort.Slice(index, func(i, j int) bool { return index[i] < index[j] })
	return q.store.KVPut(q.indexKey(), index)
}

func (q *Queue) indexAdd(key uint64) error {
	index, err := q.loadIndex()
	if err != nil {
		return err
	}
	for _, existing := range index {
		if existing == key {
			return nil
		}
	}
	return q.saveIndex(append(index, key))
}

func (q *Queue) indexRemove(key uint64) error {
	index, err := q.loadIndex()
	if err != nil {
		return err
	}
	filtered := index[:0]
	for _, existing := range index {
		if existing != key {
			filtered = append(filtered, existing)
		}
	}
	return q.saveIndex(filtered)
}

func (q *Queue) bucketKey(key uint64) []byte {
	prefix := "queue/" + q.name + "/bucket/"
	buf := make([]byte, len(prefix)+8)
	copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[len(prefix):], key)
	return buf
}

func (q *Queue) cursorKey() []byte {
	return []byte("queue/" + q.name + "/cursor")
}

func (q *Queue) indexKey() []byte {
	return []byte("queue/" + q.name + "/index")
}
