package resource

import (
	"testing"

	"github.com/cuemby/dlmd/pkg/lkb"
	"github.com/cuemby/dlmd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupCreatesThenReuses(t *testing.T) {
	d, err := NewDirectory(8)
	require.NoError(t, err)

	a := d.Lookup(nil, []byte("R"))
	b := d.Lookup(nil, []byte("R"))
	assert.Same(t, a, b)
	assert.Equal(t, int32(2), a.refCount.Load())
}

func TestLookupDistinguishesByParent(t *testing.T) {
	d, err := NewDirectory(8)
	require.NoError(t, err)

	parent := d.Lookup(nil, []byte("parent"))
	child1 := d.Lookup(parent, []byte("same-name"))
	child2 := d.Lookup(nil, []byte("same-name"))
	assert.NotSame(t, child1, child2)
}

func TestChildCreationIncrementsParentRefCount(t *testing.T) {
	d, err := NewDirectory(8)
	require.NoError(t, err)

	parent := d.Lookup(nil, []byte("parent"))
	assert.Equal(t, int32(1), parent.refCount.Load())

	d.Lookup(parent, []byte("child"))
	assert.Equal(t, int32(2), parent.refCount.Load())
}

func TestReleaseRemovesWhenEmpty(t *testing.T) {
	d, err := NewDirectory(8)
	require.NoError(t, err)

	r := d.Lookup(nil, []byte("R"))
	d.Release(r)

	_, ok := d.ByID(r.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, d.Len())
}

func TestReleaseKeepsResourceWithNonEmptyQueues(t *testing.T) {
	d, err := NewDirectory(8)
	require.NoError(t, err)

	r := d.Lookup(nil, []byte("R"))
	r.Lock()
	r.PushBack(QueueGranted, lkb.New("n1", types.EX, 0, nil))
	r.Unlock()

	d.Release(r)

	_, ok := d.ByID(r.ID)
	assert.True(t, ok, "resource with non-empty queues must not be freed")
}

func TestReleaseCascadesToParent(t *testing.T) {
	d, err := NewDirectory(8)
	require.NoError(t, err)

	parent := d.Lookup(nil, []byte("parent"))
	child := d.Lookup(parent, []byte("child"))

	d.Release(child) // drop the lookup reference on child -> frees child, releases parent's child-reference
	d.Release(parent) // drop our own lookup reference on parent

	_, ok := d.ByID(parent.ID)
	assert.False(t, ok, "parent should be freed once its only reference (the child) is gone")
}

func TestIterateToleratesConcurrentEmptying(t *testing.T) {
	d, err := NewDirectory(4)
	require.NoError(t, err)

	var rsbs []*RSB
	for i := 0; i < 20; i++ {
		rsbs = append(rsbs, d.Lookup(nil, []byte{byte(i)}))
	}

	count := 0
	d.Iterate(func(r *RSB) bool {
		count++
		// Empty and release a different resource mid-walk.
		if count == 1 {
			d.Release(rsbs[len(rsbs)-1])
		}
		return true
	})
	assert.GreaterOrEqual(t, count, 1)
}

func TestQueueRemoveAndEach(t *testing.T) {
	d, err := NewDirectory(4)
	require.NoError(t, err)
	r := d.Lookup(nil, []byte("R"))

	l1 := lkb.New("n1", types.PR, 0, nil)
	l1.ID = 1
	l2 := lkb.New("n2", types.PR, 0, nil)
	l2.ID = 2

	r.Lock()
	r.PushBack(QueueGranted, l1)
	r.PushBack(QueueGranted, l2)
	assert.Equal(t, 2, r.Granted.Len())

	var seen []uint32
	r.Each(QueueGranted, func(l *lkb.LKB) bool {
		seen = append(seen, uint32(l.ID))
		return true
	})
	assert.Equal(t, []uint32{1, 2}, seen)

	ok := r.Remove(QueueGranted, l1)
	r.Unlock()
	assert.True(t, ok)
	assert.Equal(t, 1, r.Granted.Len())
}
