package membership

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticSetMembersEmitsStopStartFinish(t *testing.T) {
	s := NewStatic([]CSB{{NodeID: 1, Name: "a"}})
	require.NoError(t, s.Open(context.Background()))

	go s.SetMembers([]CSB{{NodeID: 1, Name: "a"}, {NodeID: 2, Name: "b"}})

	assert.Equal(t, EventStop, (<-s.Events()).Kind)
	start := <-s.Events()
	assert.Equal(t, EventStart, start.Kind)
	assert.Len(t, start.Members, 2)
	assert.Equal(t, EventFinish, (<-s.Events()).Kind)
}

func TestStaticQuorumOverride(t *testing.T) {
	s := NewStatic(nil)
	has, err := s.Quorum(context.Background())
	require.NoError(t, err)
	assert.True(t, has)

	s.SetQuorum(false)
	has, err = s.Quorum(context.Background())
	require.NoError(t, err)
	assert.False(t, has)
}

func TestStaticFenceRemovesMember(t *testing.T) {
	s := NewStatic([]CSB{{NodeID: 1}, {NodeID: 2}})
	require.NoError(t, s.Fence(context.Background(), 2))

	members, err := s.MemberList(context.Background())
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, uint32(1), members[0].NodeID)
}

func TestStaticLockResourceRejectsDoubleLock(t *testing.T) {
	s := NewStatic(nil)
	require.NoError(t, s.LockResource(context.Background(), "cluster"))
	assert.Error(t, s.LockResource(context.Background(), "cluster"))
	require.NoError(t, s.UnlockResource(context.Background(), "cluster"))
	assert.NoError(t, s.LockResource(context.Background(), "cluster"))
}

func TestPollDetectsReachablePeerAndQuorum(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	deadLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := deadLn.Addr().String()
	require.NoError(t, deadLn.Close())

	self := CSB{NodeID: 1, Name: "self"}
	p := NewPoll(self, []CSB{
		{NodeID: 2, Name: "alive", Addr: ln.Addr().String()},
		{NodeID: 3, Name: "dead", Addr: deadAddr},
	}, 30*time.Millisecond)
	p.config.Timeout = 100 * time.Millisecond
	p.config.Retries = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Open(ctx))
	defer p.Close()

	assert.Equal(t, EventStop, (<-p.Events()).Kind)
	start := <-p.Events()
	assert.Equal(t, EventStart, start.Kind)
	assert.Equal(t, EventFinish, (<-p.Events()).Kind)

	members, err := p.MemberList(context.Background())
	require.NoError(t, err)

	var gotAlive bool
	for _, m := range members {
		if m.NodeID == 2 {
			gotAlive = true
		}
		assert.NotEqual(t, uint32(3), m.NodeID, "unreachable peer must not be reported as a member")
	}
	assert.True(t, gotAlive)

	hasQuorum, err := p.Quorum(context.Background())
	require.NoError(t, err)
	assert.True(t, hasQuorum, "2 of 3 configured nodes alive is a majority of 3")
}
