package resource

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuemby/dlmd/pkg/lkb"
	"github.com/cuemby/dlmd/pkg/rangelock"
	"github.com/cuemby/dlmd/pkg/types"
	"github.com/gammazero/deque"
)

// RSB is a lockable resource: a name, optional parent, the three lock
// queues, and the Lock Value Block attached to it (spec §3).
type RSB struct {
	ID       types.ResourceID
	Name     []byte
	ParentID types.ResourceID
	HasParent bool

	refCount atomic.Int32

	// MasterNodeID is "" when this node is the master, otherwise the
	// id of the remote master (spec §4.4). MasterResolved is false
	// until the very first lock request against this RSB has
	// determined mastering (by directory lookup or election); recovery
	// clears both MasterNodeID and MasterResolved on an RSB whose
	// master departed, so the next lock request re-resolves the master
	// through the directory.
	MasterNodeID   string
	MasterResolved bool

	LVB          types.LVB
	FirstUnlock  bool

	mu      sync.Mutex
	Granted deque.Deque
	Convert deque.Deque
	Wait    deque.Deque

	// Ranges indexes the granted range of every currently-granted LKB
	// on this resource, so pkg/engine can evaluate range-lock
	// compatibility (spec §4.3 point 3) without a linear scan when the
	// granted list is large.
	Ranges *rangelock.Index
}

// IsMaster reports whether this node masters the resource locally.
func (r *RSB) IsMaster() bool { return r.MasterNodeID == "" }

// Lock acquires the resource lock that protects its three queues, LVB,
// master field, and reference count (spec §5 locking hierarchy).
func (r *RSB) Lock() { r.mu.Lock() }

// Unlock releases the resource lock.
func (r *RSB) Unlock() { r.mu.Unlock() }

// WriteLVB overwrites the resource's LVB bytes and bumps its sequence
// number. Called on unlock/downgrade from an EX/PW holder (spec §4.3
// LVB semantics). Caller must hold the resource lock.
func (r *RSB) WriteLVB(data [types.LVBLen]byte) {
	r.LVB.Bytes = data
	r.LVB.Seq++
	r.FirstUnlock = true
}

// QueuesEmpty reports whether all three lock queues are empty. Caller
// must hold the resource lock.
func (r *RSB) QueuesEmpty() bool {
	return r.Granted.Len() == 0 && r.Convert.Len() == 0 && r.Wait.Len() == 0
}

// key identifies an RSB within a directory: its parent (if any) plus
// its name.
type key struct {
	parent    types.ResourceID
	hasParent bool
	name      string
}

type bucket struct {
	mu      sync.RWMutex
	members map[key]*RSB
}

// Directory is the per-lockspace resource hash table (spec §4.2).
type Directory struct {
	mask    uint32
	buckets []*bucket
	nextID  atomic.Uint64

	idMu  sync.RWMutex
	byID  map[types.ResourceID]*RSB
}

// NewDirectory creates a directory with `shards` buckets (power of
// two). A larger shard count reduces contention on Lookup/Release
// under concurrent access from client, dispatch, and recovery paths.
func NewDirectory(shards int) (*Directory, error) {
	if shards <= 0 || shards&(shards-1) != 0 {
		return nil, fmt.Errorf("resource: shards %d is not a power of two", shards)
	}
	d := &Directory{
		mask:    uint32(shards - 1),
		buckets: make([]*bucket, shards),
		byID:    make(map[types.ResourceID]*RSB),
	}
	for i := range d.buckets {
		d.buckets[i] = &bucket{members: make(map[key]*RSB)}
	}
	return d, nil
}

func hashKey(k key) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(k.name); i++ {
		h ^= uint32(k.name[i])
		h *= 16777619
	}
	h ^= uint32(k.parent)
	return h
}

func (d *Directory) bucketFor(k key) *bucket {
	return d.buckets[hashKey(k)&d.mask]
}

// Lookup returns the existing RSB named `name` under `parent` (nil for
// a top-level resource), creating it with reference count 1 if absent.
// Creating a child increments the parent's reference count (spec §4.2:
// "the parent resource holds a reference for each child").
func (d *Directory) Lookup(parent *RSB, name []byte) *RSB {
	k := key{name: string(name)}
	if parent != nil {
		k.parent = parent.ID
		k.hasParent = true
	}

	b := d.bucketFor(k)

	b.mu.RLock()
	if rsb, ok := b.members[k]; ok {
		b.mu.RUnlock()
		rsb.refCount.Add(1)
		return rsb
	}
	b.mu.RUnlock()

	b.mu.Lock()
	if rsb, ok := b.members[k]; ok {
		b.mu.Unlock()
		rsb.refCount.Add(1)
		return rsb
	}

	rsb := &RSB{
		ID:        types.ResourceID(d.nextID.Add(1)),
		Name:      bytes.Clone(name),
		ParentID:  k.parent,
		HasParent: k.hasParent,
		Ranges:    rangelock.NewIndex(),
	}
	rsb.refCount.Store(1)
	b.members[k] = rsb
	b.mu.Unlock()

	d.idMu.Lock()
	d.byID[rsb.ID] = rsb
	d.idMu.Unlock()

	if parent != nil {
		parent.refCount.Add(1)
	}
	return rsb
}

// ByID returns the RSB with the given stable id, dereferencing the
// "weak" ResourceID an LKB or in-flight record carries (spec §9
// arena-ownership design note).
func (d *Directory) ByID(id types.ResourceID) (*RSB, bool) {
	d.idMu.RLock()
	defer d.idMu.RUnlock()
	rsb, ok := d.byID[id]
	return rsb, ok
}

// Release drops one reference to rsb. When the count reaches zero and
// all three queues are empty, the resource is removed from the
// directory and, if it has a parent, the parent's reference is
// released too (spec §4.2 invariant).
func (d *Directory) Release(rsb *RSB) {
	if rsb.refCount.Add(-1) > 0 {
		return
	}

	rsb.mu.Lock()
	empty := rsb.QueuesEmpty()
	rsb.mu.Unlock()
	if !empty {
		// Invariant violation: a zero-referenced resource must not
		// still have attached locks. Put the reference back and leave
		// the resource in place rather than losing track of live LKBs.
		rsb.refCount.Add(1)
		return
	}

	k := key{parent: rsb.ParentID, hasParent: rsb.HasParent, name: string(rsb.Name)}
	b := d.bucketFor(k)
	b.mu.Lock()
	delete(b.members, k)
	b.mu.Unlock()

	d.idMu.Lock()
	delete(d.byID, rsb.ID)
	d.idMu.Unlock()

	if rsb.HasParent {
		if parent, ok := d.ByID(rsb.ParentID); ok {
			d.Release(parent)
		}
	}
}

// Iterate walks every resource currently in the directory, one bucket
// at a time, releasing each bucket's lock before invoking fn so
// diagnostic dumps (spec §4.2) don't serialize against live traffic
// and tolerate buckets being emptied concurrently. fn returning false
// stops the walk early.
func (d *Directory) Iterate(fn func(*RSB) bool) {
	for _, b := range d.buckets {
		b.mu.RLock()
		snapshot := make([]*RSB, 0, len(b.members))
		for _, rsb := range b.members {
			snapshot = append(snapshot, rsb)
		}
		b.mu.RUnlock()

		for _, rsb := range snapshot {
			if !fn(rsb) {
				return
			}
		}
	}
}

// Len returns the number of resources currently tracked. Diagnostic
// use only.
func (d *Directory) Len() int {
	d.idMu.RLock()
	defer d.idMu.RUnlock()
	return len(d.byID)
}

// pushLKB and friends are small helpers the engine package uses to
// keep queue membership bookkeeping in one place.

// QueueName identifies one of the three per-resource queues.
type QueueName int

const (
	QueueNone QueueName = iota
	QueueGranted
	QueueConvert
	QueueWait
)

// queueFor returns the deque for q. Caller must hold the resource lock.
func (r *RSB) queueFor(q QueueName) *deque.Deque {
	switch q {
	case QueueGranted:
		return &r.Granted
	case QueueConvert:
		return &r.Convert
	case QueueWait:
		return &r.Wait
	default:
		return nil
	}
}

// PushBack appends l to queue q. Caller must hold the resource lock.
func (r *RSB) PushBack(q QueueName, l *lkb.LKB) {
	r.queueFor(q).PushBack(l)
}

// Remove deletes l from queue q, scanning for it by LKB ID. Caller
// must hold the resource lock. Returns false if l was not found.
func (r *RSB) Remove(q QueueName, l *lkb.LKB) bool {
	dq := r.queueFor(q)
	for i := 0; i < dq.Len(); i++ {
		if dq.At(i).(*lkb.LKB).ID == l.ID {
			dq.Remove(i)
			return true
		}
	}
	return false
}

// Each calls fn for every LKB currently on queue q, in queue order.
// Caller must hold the resource lock. fn returning false stops early.
func (r *RSB) Each(q QueueName, fn func(*lkb.LKB) bool) {
	dq := r.queueFor(q)
	for i := 0; i < dq.Len(); i++ {
		if !fn(dq.At(i).(*lkb.LKB)) {
			return
		}
	}
}

// Front returns the head of queue q, or nil if empty. Caller must hold
// the resource lock.
func (r *RSB) Front(q QueueName) *lkb.LKB {
	dq := r.queueFor(q)
	if dq.Len() == 0 {
		return nil
	}
	return dq.Front().(*lkb.LKB)
}
