package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cuemby/dlmd/pkg/wire"
)

// Channel is one ordered, bidirectional message stream to a single
// peer. A Channel is safe for concurrent Send calls; callers must not
// call Receive concurrently from more than one goroutine.
type Channel interface {
	Send(ctx context.Context, msg *wire.Message) error
	Receive(ctx context.Context) (*wire.Message, error)
	Close() error
	Peer() string
}

// Transport is the capability spec §9 asks the engine and dispatch
// layers to depend on instead of dialing sockets directly: connect
// to a peer, with retries handled entirely inside the implementation.
type Transport interface {
	Connect(ctx context.Context, peer string) (Channel, error)
	Close() error
}

// RetryPolicy bounds Connect's retry behavior. A zero MaxAttempts sets
// no attempt limit: Connect keeps retrying with exponential backoff
// until its context is done.
type RetryPolicy struct {
	MaxAttempts uint64
	BaseDelay   time.Duration
	Jitter      float64
}

// DefaultRetryPolicy is a conservative policy suitable for intra-cluster
// dials: five attempts, starting at 100ms, with 20% jitter.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   100 * time.Millisecond,
	Jitter:      0.2,
}

func (p RetryPolicy) backoff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.BaseDelay > 0 {
		eb.InitialInterval = p.BaseDelay
	}
	if p.Jitter > 0 {
		eb.RandomizationFactor = p.Jitter
	}
	eb.MaxElapsedTime = 0

	var b backoff.BackOff = backoff.WithContext(eb, ctx)
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, p.MaxAttempts-1)
	}
	return b
}

// ErrBusy is returned by a Transport's Connect when the peer is known
// but temporarily cannot accept a new channel (spec §9: "connect(peer)
// -> channel | busy").
var ErrBusy = fmt.Errorf("transport: peer busy")

// frameChannel adapts an io.ReadWriteCloser-shaped pair of framed
// read/write functions into a Channel, serializing Send so concurrent
// callers on the same channel still produce one well-formed frame at
// a time on the wire (spec §4.5 per-channel ordering).
type frameChannel struct {
	peer string

	sendMu sync.Mutex
	send   func(ctx context.Context, msg *wire.Message) error
	recv   func(ctx context.Context) (*wire.Message, error)
	close  func() error
}

func (c *frameChannel) Peer() string { return c.peer }

func (c *frameChannel) Send(ctx context.Context, msg *wire.Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.send(ctx, msg)
}

func (c *frameChannel) Receive(ctx context.Context) (*wire.Message, error) {
	return c.recv(ctx)
}

func (c *frameChannel) Close() error {
	return c.close()
}
