package transport

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/cuemby/dlmd/pkg/log"
	"github.com/cuemby/dlmd/pkg/wire"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSTransport addresses peers as NATS subjects rather than TCP
// sockets, so nodes behind NAT or without direct reachability can
// still exchange lock traffic through a shared broker.
type NATSTransport struct {
	conn   *nats.Conn
	selfID string
	policy RetryPolicy
	logger zerolog.Logger
}

// NewNATS connects to the broker at url and returns a transport that
// addresses this node as selfID.
func NewNATS(url, selfID string, policy RetryPolicy) (*NATSTransport, error) {
	logger := log.WithComponent("transport.nats")
	conn, err := nats.Connect(url,
		nats.Name(fmt.Sprintf("dlmd-%s", selfID)),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error().Err(err).Str("subject", subject).Msg("async nats error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: nats connect %s: %w", url, err)
	}
	return &NATSTransport{conn: conn, selfID: selfID, policy: policy, logger: logger}, nil
}

func subject(from, to string) string {
	return fmt.Sprintf("dlmd.chan.%s.%s", from, to)
}

// Connect subscribes to the inbound subject for peer and returns a
// Channel that publishes to the peer's matching subject for this
// node. The subscription itself is retried per policy since a fresh
// connection can race a not-yet-ready broker mirror.
func (t *NATSTransport) Connect(ctx context.Context, peer string) (Channel, error) {
	var sub *nats.Subscription
	attempt := func() error {
		s, err := t.conn.SubscribeSync(subject(peer, t.selfID))
		if err != nil {
			return err
		}
		sub = s
		return nil
	}
	if err := backoff.Retry(attempt, t.policy.backoff(ctx)); err != nil {
		return nil, fmt.Errorf("transport: nats subscribe for %s: %w", peer, err)
	}

	outbound := subject(t.selfID, peer)
	return &frameChannel{
		peer: peer,
		send: func(_ context.Context, msg *wire.Message) error {
			body, err := wire.Encode(msg)
			if err != nil {
				return err
			}
			return t.conn.Publish(outbound, body)
		},
		recv: func(ctx context.Context) (*wire.Message, error) {
			natsMsg, err := sub.NextMsgWithContext(ctx)
			if err != nil {
				return nil, err
			}
			return wire.Decode(natsMsg.Data)
		},
		close: sub.Unsubscribe,
	}, nil
}

// Close drains and closes the underlying NATS connection.
func (t *NATSTransport) Close() error {
	if err := t.conn.Drain(); err != nil {
		t.conn.Close()
		return fmt.Errorf("transport: nats drain: %w", err)
	}
	return nil
}
