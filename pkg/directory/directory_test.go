package directory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectoryNodeDeterministic(t *testing.T) {
	d := New("n1")
	d.SetMembers([]string{"n1", "n2", "n3"})

	a, err := d.DirectoryNode([]byte("resource-A"))
	require.NoError(t, err)
	b, err := d.DirectoryNode([]byte("resource-A"))
	require.NoError(t, err)
	assert.Equal(t, a, b, "hashing the same name must always pick the same directory node")
}

func TestDirectoryNodeNoMembers(t *testing.T) {
	d := New("n1")
	_, err := d.DirectoryNode([]byte("R"))
	assert.Error(t, err)
}

func TestRecordAndLookupMaster(t *testing.T) {
	d := New("n1")
	d.SetMembers([]string{"n1"})

	_, ok := d.Lookup([]byte("R"))
	assert.False(t, ok, "unrecorded resource has no master yet")

	d.RecordMaster([]byte("R"), "n1")
	master, ok := d.Lookup([]byte("R"))
	require.True(t, ok)
	assert.Equal(t, "n1", master)
}

func TestClearMaster(t *testing.T) {
	d := New("n1")
	d.SetMembers([]string{"n1"})
	d.RecordMaster([]byte("R"), "n1")

	d.ClearMaster([]byte("R"))
	_, ok := d.Lookup([]byte("R"))
	assert.False(t, ok)
}

func TestClearMasterByNode(t *testing.T) {
	d := New("n1")
	d.SetMembers([]string{"n1", "n2"})
	d.RecordMaster([]byte("R1"), "n2")
	d.RecordMaster([]byte("R2"), "n1")

	cleared := d.ClearMasterByNode("n2")
	require.Len(t, cleared, 1)
	assert.Equal(t, "R1", string(cleared[0]))

	_, ok := d.Lookup([]byte("R1"))
	assert.False(t, ok)
	master, ok := d.Lookup([]byte("R2"))
	require.True(t, ok)
	assert.Equal(t, "n1", master)
}

func TestSetMembersPurgesBookkeeping(t *testing.T) {
	d := New("n1")
	d.SetMembers([]string{"n1"})
	d.RecordMaster([]byte("R"), "n1")

	d.SetMembers([]string{"n1", "n2"})
	_, ok := d.Lookup([]byte("R"))
	assert.False(t, ok, "membership change must purge prior master bookkeeping")
}

func TestIsLocalDirectoryNode(t *testing.T) {
	d := New("n1")
	d.SetMembers([]string{"n1"})

	local, err := d.IsLocalDirectoryNode([]byte("R"))
	require.NoError(t, err)
	assert.True(t, local, "with a single member, it is always the directory node")
}
