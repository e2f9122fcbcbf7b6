package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cuemby/dlmd/pkg/log"
	"github.com/cuemby/dlmd/pkg/wire"
	"github.com/rs/zerolog"
)

// noDeadline clears any previously set read/write deadline on a conn.
var noDeadline time.Time

// TCPTransport dials and accepts plain TCP connections, framing
// messages with pkg/wire's length-prefixed codec.
type TCPTransport struct {
	dialer net.Dialer
	policy RetryPolicy
	logger zerolog.Logger

	mu        sync.Mutex
	listener  net.Listener
	accepted  chan net.Conn
	closeOnce sync.Once
	closeErr  error
}

// NewTCP builds a TCPTransport whose Connect calls retry per policy.
func NewTCP(policy RetryPolicy) *TCPTransport {
	return &TCPTransport{
		policy:   policy,
		logger:   log.WithComponent("transport.tcp"),
		accepted: make(chan net.Conn, 16),
	}
}

// Listen starts accepting inbound connections on addr. Accepted
// connections surface from Accept. Listen returns once the listener
// is bound; accepting runs in a background goroutine until ctx is
// cancelled or Close is called.
func (t *TCPTransport) Listen(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = t.closeListener()
	}()

	go t.acceptLoop(ln)
	t.logger.Info().Str("addr", ln.Addr().String()).Msg("tcp transport listening")
	return nil
}

func (t *TCPTransport) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			t.logger.Debug().Err(err).Msg("accept loop exiting")
			close(t.accepted)
			return
		}
		t.accepted <- conn
	}
}

// Listener returns the listener started by Listen, or nil if none.
// Intended for tests and diagnostics that need the bound ephemeral
// address.
func (t *TCPTransport) Listener() net.Listener {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listener
}

// Accept blocks until an inbound Channel has been established or ctx
// is cancelled.
func (t *TCPTransport) Accept(ctx context.Context) (Channel, error) {
	select {
	case conn, ok := <-t.accepted:
		if !ok {
			return nil, fmt.Errorf("transport: listener closed")
		}
		return newTCPChannel(conn.RemoteAddr().String(), conn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *TCPTransport) closeListener() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Close()
}

// Connect dials peer, retrying per the transport's RetryPolicy.
func (t *TCPTransport) Connect(ctx context.Context, peer string) (Channel, error) {
	var conn net.Conn
	attempt := func() error {
		c, err := t.dialer.DialContext(ctx, "tcp", peer)
		if err != nil {
			t.logger.Debug().Err(err).Str("peer", peer).Msg("dial failed, retrying")
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(attempt, t.policy.backoff(ctx)); err != nil {
		return nil, fmt.Errorf("transport: connect %s: %w", peer, err)
	}
	return newTCPChannel(peer, conn), nil
}

// Close stops listening. It does not close channels already handed
// out by Connect or Accept.
func (t *TCPTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.closeListener()
	})
	return t.closeErr
}

func newTCPChannel(peer string, conn net.Conn) *frameChannel {
	return &frameChannel{
		peer: peer,
		send: func(ctx context.Context, msg *wire.Message) error {
			if dl, ok := ctx.Deadline(); ok {
				_ = conn.SetWriteDeadline(dl)
			} else {
				_ = conn.SetWriteDeadline(noDeadline)
			}
			return wire.WriteFrame(conn, msg)
		},
		recv: func(ctx context.Context) (*wire.Message, error) {
			if dl, ok := ctx.Deadline(); ok {
				_ = conn.SetReadDeadline(dl)
			} else {
				_ = conn.SetReadDeadline(noDeadline)
			}
			return wire.ReadFrame(conn)
		},
		close: conn.Close,
	}
}
