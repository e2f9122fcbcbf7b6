package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cuemby/dlmd/pkg/types"
	"github.com/cuemby/dlmd/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMsg() *wire.Message {
	return &wire.Message{
		Kind:         wire.KindRequest,
		LockspaceID:  1,
		SenderNodeID: 1,
		TargetNodeID: 2,
		SenderLKID:   42,
		Mode:         types.IV,
		RqMode:       types.EX,
		Range:        types.FullRange,
		Name:         []byte("R"),
	}
}

func TestTCPTransportConnectAndRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan *wire.Message, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		msg, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		serverDone <- msg
		_ = wire.WriteFrame(conn, msg)
	}()

	tr := NewTCP(RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, Jitter: 0.1})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := tr.Connect(ctx, ln.Addr().String())
	require.NoError(t, err)
	defer ch.Close()

	msg := sampleMsg()
	require.NoError(t, ch.Send(ctx, msg))

	select {
	case got := <-serverDone:
		assert.Equal(t, msg.Name, got.Name)
		assert.Equal(t, msg.SenderLKID, got.SenderLKID)
	case <-time.After(time.Second):
		t.Fatal("server never received the frame")
	}

	reply, err := ch.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, msg.SenderLKID, reply.SenderLKID)
}

func TestTCPTransportConnectFailsAfterRetriesExhausted(t *testing.T) {
	// Reserve a port, then close it immediately so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	tr := NewTCP(RetryPolicy{MaxAttempts: 2, BaseDelay: 5 * time.Millisecond, Jitter: 0})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = tr.Connect(ctx, addr)
	assert.Error(t, err)
}

func TestTCPTransportListenAndAccept(t *testing.T) {
	tr := NewTCP(DefaultRetryPolicy)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, tr.Listen(ctx, "127.0.0.1:0"))
	addr := tr.listener.Addr().String()

	client := NewTCP(RetryPolicy{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond})
	clientCh, err := client.Connect(ctx, addr)
	require.NoError(t, err)
	defer clientCh.Close()

	serverCh, err := tr.Accept(ctx)
	require.NoError(t, err)
	defer serverCh.Close()

	msg := sampleMsg()
	require.NoError(t, clientCh.Send(ctx, msg))

	got, err := serverCh.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, msg.Name, got.Name)
}

func TestRetryPolicyZeroMaxAttemptsStillTriesOnce(t *testing.T) {
	p := RetryPolicy{}
	bo := p.backoff(context.Background())
	// A zero-value policy does not give up after the first failed
	// attempt: NextBackOff returns a retry delay, not Stop.
	assert.GreaterOrEqual(t, bo.NextBackOff(), time.Duration(0))
}
