package rangelock

import (
	"sync"

	"github.com/cuemby/dlmd/pkg/idtable"
	"github.com/cuemby/dlmd/pkg/types"
	"github.com/google/btree"
)

// Compatible reports whether a held lock and a requested lock on the
// same resource can coexist: either their modes don't conflict, or
// their ranges don't overlap (spec §4.3 point 3).
func Compatible(heldMode types.Mode, heldRange types.Range, wantMode types.Mode, wantRange types.Range) bool {
	if types.Compatible(heldMode, wantMode) {
		return true
	}
	return !heldRange.Overlaps(wantRange)
}

// rangeItem is one holder's range entry in an Index, ordered by its
// range's start offset.
type rangeItem struct {
	rng   types.Range
	mode  types.Mode
	lkbID idtable.ID
}

func (i *rangeItem) Less(other btree.Item) bool {
	o := other.(*rangeItem)
	if i.rng.Start != o.rng.Start {
		return i.rng.Start < o.rng.Start
	}
	return i.lkbID < o.lkbID
}

// Index tracks the granted-range holders of a single resource so a new
// request can be checked against all of them without a linear scan of
// the resource's queues. Not safe for concurrent use without external
// locking beyond what Index itself provides; callers hold the owning
// RSB's lock for the duration of any Insert/Remove/Conflicts call.
type Index struct {
	mu   sync.Mutex
	tree *btree.BTree
	byID map[idtable.ID]*rangeItem
}

// NewIndex creates an empty range index.
func NewIndex() *Index {
	return &Index{
		tree: btree.New(32),
		byID: make(map[idtable.ID]*rangeItem),
	}
}

// Insert records a holder's granted range and mode under its LKB id,
// replacing any previous entry for that id (e.g. after a conversion
// narrows or widens the range).
func (ix *Index) Insert(id idtable.ID, mode types.Mode, rng types.Range) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if old, ok := ix.byID[id]; ok {
		ix.tree.Delete(old)
	}
	item := &rangeItem{rng: rng, mode: mode, lkbID: id}
	ix.tree.ReplaceOrInsert(item)
	ix.byID[id] = item
}

// Remove drops the entry for id, if any.
func (ix *Index) Remove(id idtable.ID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	item, ok := ix.byID[id]
	if !ok {
		return
	}
	delete(ix.byID, id)
	ix.tree.Delete(item)
}

// Len returns the number of entries currently indexed.
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.byID)
}

// Conflicts returns the LKB ids of every indexed holder that is
// incompatible with a request for `mode` over `rng`, per Compatible.
// The scan walks holders in range-start order and stops as soon as a
// holder's start passes rng.End, since no later holder can overlap.
func (ix *Index) Conflicts(mode types.Mode, rng types.Range) []idtable.ID {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var conflicts []idtable.ID
	ix.tree.Ascend(func(i btree.Item) bool {
		item := i.(*rangeItem)
		if item.rng.Start > rng.End {
			return false
		}
		if !Compatible(item.mode, item.rng, mode, rng) {
			conflicts = append(conflicts, item.lkbID)
		}
		return true
	})
	return conflicts
}
