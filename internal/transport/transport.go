// Package transport abstracts the pub/sub message bus the worker rides on.
// The worker core depends only on these interfaces; the NATS implementation
// and the in-memory bus used by tests both satisfy them.
package transport

// Message is one raw delivery from the bus.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription is a stream of messages for a single subject. The channel is
// closed when the subscription ends (unsubscribe or connection teardown);
// consumers are expected to resubscribe if they still want the subject.
type Subscription interface {
	Messages() <-chan Message
	Unsubscribe() error
}

// Transport is the pub/sub client contract. Publish returns only after the
// bus has accepted the message or refused it; there is no partial success.
type Transport interface {
	Subscribe(subject string) (Subscription, error)
	Publish(subject string, data []byte) error
	Close()
}