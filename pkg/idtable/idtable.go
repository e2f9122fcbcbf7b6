package idtable

import (
	"fmt"
	"math/rand/v2"
	"sync"
)

// ID is a 32-bit lock handle: the low 16 bits select a bucket, the
// high 16 bits are that bucket's counter value at allocation time.
type ID uint32

func (id ID) bucket(mask uint32) uint32 {
	return uint32(id) & mask
}

// bucketEntry holds one bucket's members and its monotonically
// increasing counter, matching gd_lockidtbl_entry in lkb.c.
type bucketEntry[V any] struct {
	mu      sync.RWMutex
	members map[ID]V
	counter uint16
}

// Table is a power-of-two-sized array of buckets mapping allocated
// IDs to their payload.
type Table[V any] struct {
	mask    uint32
	buckets []*bucketEntry[V]
}

// New allocates a table with `entries` buckets. entries must be a
// power of two, matching init_lockidtbl's GDLM_ASSERT.
func New[V any](entries int) (*Table[V], error) {
	if entries <= 0 || entries&(entries-1) != 0 {
		return nil, fmt.Errorf("idtable: entries %d is not a power of two", entries)
	}
	t := &Table[V]{
		mask:    uint32(entries - 1),
		buckets: make([]*bucketEntry[V], entries),
	}
	for i := range t.buckets {
		t.buckets[i] = &bucketEntry[V]{
			members: make(map[ID]V),
			counter: 1,
		}
	}
	return t, nil
}

// Create allocates a fresh ID for payload and inserts it. The bucket
// is chosen uniformly at random; if the composed id already exists in
// that bucket (the 16-bit counter wrapped) the allocation restarts,
// per lkb.c's create_lkb loop.
func (t *Table[V]) Create(payload V) ID {
	for {
		bucket := uint32(rand.IntN(len(t.buckets)))
		b := t.buckets[bucket]

		b.mu.Lock()
		id := ID(bucket) | ID(b.counter)<<16
		b.counter++
		if _, exists := b.members[id]; exists {
			b.mu.Unlock()
			continue
		}
		b.members[id] = payload
		b.mu.Unlock()
		return id
	}
}

// Find looks up the payload for id on the table's read side. This is
// the hot path (spec §4.1: "must be lock-free enough to be called at
// arbitrary stack depths") so it only ever takes a single bucket's
// read lock.
func (t *Table[V]) Find(id ID) (V, bool) {
	b := t.buckets[id.bucket(t.mask)]
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.members[id]
	return v, ok
}

// Release removes id from the table. It is a no-op if id is unknown.
func (t *Table[V]) Release(id ID) {
	b := t.buckets[id.bucket(t.mask)]
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.members, id)
}

// Free tears down the table. It fails if any bucket is still
// non-empty, matching free_lockidtbl's refusal to free a table with
// outstanding locks.
func (t *Table[V]) Free() error {
	for i, b := range t.buckets {
		b.mu.RLock()
		n := len(b.members)
		b.mu.RUnlock()
		if n != 0 {
			return fmt.Errorf("idtable: bucket %d still has %d member(s)", i, n)
		}
	}
	return nil
}

// Len returns the total number of allocated IDs across all buckets.
// Used by diagnostics only; it is not a cheap operation.
func (t *Table[V]) Len() int {
	n := 0
	for _, b := range t.buckets {
		b.mu.RLock()
		n += len(b.members)
		b.mu.RUnlock()
	}
	return n
}
