package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mattjoyce/stevedore/internal/log"
)

const (
	// subChanDepth bounds the per-subscription delivery buffer. Assignments
	// beyond this depth are held by the server until the worker drains.
	subChanDepth = 256

	reconnectWait = 2 * time.Second
)

// natsTransport wraps a NATS connection behind the Transport interface.
type natsTransport struct {
	conn *nats.Conn
}

// DialNATS connects to the bus at url. The connection retries the initial
// dial and reconnects forever afterwards; ctx only bounds the first attempt
// window here, the client keeps trying in the background once created.
func DialNATS(ctx context.Context, url string) (Transport, error) {
	logger := log.WithComponent("transport")

	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("bus disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("bus reconnected", "url", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to bus at %s: %w", url, err)
	}

	// Wait for the first successful connect so the caller starts from a
	// known-good state instead of queueing into a client that never lands.
	for !conn.IsConnected() {
		select {
		case <-ctx.Done():
			conn.Close()
			return nil, fmt.Errorf("connecting to bus at %s: %w", url, ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}

	logger.Info("bus connected", "url", conn.ConnectedUrl())
	return &natsTransport{conn: conn}, nil
}

func (t *natsTransport) Subscribe(subject string) (Subscription, error) {
	raw := make(chan *nats.Msg, subChanDepth)
	sub, err := t.conn.ChanSubscribe(subject, raw)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	out := make(chan Message, subChanDepth)
	done := make(chan struct{})
	go bridgeMessages(raw, out, done)

	return &natsSubscription{sub: sub, out: out, done: done}, nil
}

// bridgeMessages copies the client's delivery channel into the Subscription
// channel until the raw channel closes or done fires. Both the receive and
// the send honor done: a stalled consumer with a full out buffer would
// otherwise pin this goroutine after Unsubscribe.
func bridgeMessages(raw <-chan *nats.Msg, out chan<- Message, done <-chan struct{}) {
	defer close(out)
	for {
		select {
		case m, ok := <-raw:
			if !ok {
				return
			}
			select {
			case out <- Message{Subject: m.Subject, Data: m.Data}:
			case <-done:
				return
			}
		case <-done:
			return
		}
	}
}

func (t *natsTransport) Publish(subject string, data []byte) error {
	if err := t.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	// Flush surfaces connection failures at the publish site instead of
	// letting them vanish into the client's internal buffer.
	if err := t.conn.Flush(); err != nil {
		return fmt.Errorf("flushing publish to %s: %w", subject, err)
	}
	return nil
}

func (t *natsTransport) Close() {
	t.conn.Drain() //nolint:errcheck
	t.conn.Close()
}

type natsSubscription struct {
	sub  *nats.Subscription
	out  chan Message
	done chan struct{}
}

func (s *natsSubscription) Messages() <-chan Message { return s.out }

func (s *natsSubscription) Unsubscribe() error {
	err := s.sub.Unsubscribe()
	close(s.done)
	return err
}
