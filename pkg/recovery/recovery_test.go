package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/dlmd/pkg/dispatch"
	"github.com/cuemby/dlmd/pkg/directory"
	"github.com/cuemby/dlmd/pkg/engine"
	"github.com/cuemby/dlmd/pkg/idtable"
	"github.com/cuemby/dlmd/pkg/lkb"
	"github.com/cuemby/dlmd/pkg/membership"
	"github.com/cuemby/dlmd/pkg/resource"
	"github.com/cuemby/dlmd/pkg/transport"
	"github.com/cuemby/dlmd/pkg/types"
	"github.com/cuemby/dlmd/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecovery(t *testing.T, self string) (*Recovery, *dispatch.Dispatcher, *idtable.Table[*lkb.LKB]) {
	t.Helper()
	resources, err := resource.NewDirectory(4)
	require.NoError(t, err)
	lkbs, err := idtable.New[*lkb.LKB](4)
	require.NoError(t, err)
	eng := engine.New()
	tr := transport.NewTCP(transport.RetryPolicy{MaxAttempts: 1})
	d := dispatch.New(self, 1, tr, resources, lkbs, eng)
	dir := directory.New(self)
	src := membership.NewStatic(nil)
	r := New(1, self, resources, dir, d, src)
	return r, d, lkbs
}

func TestRecoveryPurgesMasterCopiesOfDepartedPeer(t *testing.T) {
	r, d, lkbs := newTestRecovery(t, "self-addr")

	d.RestoreMasterCopy("departed-addr", []byte("R"), types.EX, 0, 7)
	require.Equal(t, 1, lkbs.Len())

	ctx := context.Background()

	// First epoch only seeds the previous-membership set; nothing has
	// departed relative to an empty prior view.
	r.runEpoch(ctx, membership.Event{
		Epoch:   1,
		Members: []membership.CSB{{Addr: "self-addr"}, {Addr: "departed-addr"}},
	})
	assert.Equal(t, 1, lkbs.Len())

	r.runEpoch(ctx, membership.Event{
		Epoch:   2,
		Members: []membership.CSB{{Addr: "self-addr"}},
	})
	assert.Equal(t, 0, lkbs.Len(), "departed peer's master copy must be purged")
}

func TestRecoveryRunProcessesStopStartFinishLifecycle(t *testing.T) {
	r, _, _ := newTestRecovery(t, "self-addr")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := r.source.(*membership.Static)
	require.NoError(t, src.Open(ctx))
	go r.Run(ctx)

	src.SetMembers([]membership.CSB{{Addr: "self-addr"}})

	require.Eventually(t, func() bool {
		return r.State() == StateRunning
	}, time.Second, 5*time.Millisecond, "recovery must settle back to RUNNING after finish")
}

func TestHandleNamesRecordsMasterFirstClaimWins(t *testing.T) {
	r, _, _ := newTestRecovery(t, "self-addr")

	r.handleNames("peer-a", &wire.Message{Name: []byte("X"), RemoteLKID: 1})
	master, ok := r.dir.Lookup([]byte("X"))
	require.True(t, ok)
	assert.Equal(t, "peer-a", master)

	r.handleNames("peer-b", &wire.Message{Name: []byte("X"), RemoteLKID: 2})
	master, ok = r.dir.Lookup([]byte("X"))
	require.True(t, ok)
	assert.Equal(t, "peer-a", master, "first claim on a name wins, a later names pass must not steal it")
}

func TestHandleLocksDedupsRetransmission(t *testing.T) {
	r, _, lkbs := newTestRecovery(t, "self-addr")

	msg := &wire.Message{Name: []byte("R"), Mode: types.EX, SenderLKID: 9, RemoteLKID: 5}
	r.handleLocks("peer-a", msg)
	assert.Equal(t, 1, lkbs.Len())

	r.handleLocks("peer-a", msg)
	assert.Equal(t, 1, lkbs.Len(), "a retransmitted locks message must not recreate the master copy")
}
