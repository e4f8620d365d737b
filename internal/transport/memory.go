package transport

import (
	"fmt"
	"sync"
)

// Memory is an in-process Transport used by tests and by the single-binary
// demo mode. Publishes fan out to every live subscription on the subject.
type Memory struct {
	mu      sync.Mutex
	subs    map[string][]*memorySubscription
	closed  bool
	pubHook func(subject string) error
}

// NewMemory returns an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string][]*memorySubscription)}
}

// FailPublishes installs a hook consulted before every Publish. A non-nil
// return is surfaced to the caller and the message is dropped. Pass nil to
// clear. Test-only behavior injection.
func (m *Memory) FailPublishes(hook func(subject string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pubHook = hook
}

func (m *Memory) Subscribe(subject string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("subscribing to %s: bus closed", subject)
	}
	sub := &memorySubscription{
		bus:     m,
		subject: subject,
		ch:      make(chan Message, subChanDepth),
	}
	m.subs[subject] = append(m.subs[subject], sub)
	return sub, nil
}

func (m *Memory) Publish(subject string, data []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("publishing to %s: bus closed", subject)
	}
	if m.pubHook != nil {
		if err := m.pubHook(subject); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("publishing to %s: %w", subject, err)
		}
	}
	targets := append([]*memorySubscription(nil), m.subs[subject]...)
	m.mu.Unlock()

	msg := Message{Subject: subject, Data: append([]byte(nil), data...)}
	for _, sub := range targets {
		select {
		case sub.ch <- msg:
		default:
			// Slow subscriber; drop rather than block the publisher.
		}
	}
	return nil
}

func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, subs := range m.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	m.subs = make(map[string][]*memorySubscription)
}

type memorySubscription struct {
	bus     *Memory
	subject string
	ch      chan Message
	once    sync.Once
}

func (s *memorySubscription) Messages() <-chan Message { return s.ch }

func (s *memorySubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		list := s.bus.subs[s.subject]
		for i, candidate := range list {
			if candidate == s {
				s.bus.subs[s.subject] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if !s.bus.closed {
			close(s.ch)
		}
	})
	return nil
}
