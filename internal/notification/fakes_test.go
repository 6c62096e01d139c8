package notification

import (
	"context"
	"sync"
)

type memContacts struct {
	mu       sync.Mutex
	contacts map[string]Recipient
	err      error
}

func newMemContacts() *memContacts {
	return &memContacts{contacts: map[string]Recipient{}}
}

func (m *memContacts) Save(ctx context.Context, orderID string, r Recipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.contacts[orderID] = r
	return nil
}

func (m *memContacts) Get(ctx context.Context, orderID string) (Recipient, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return Recipient{}, false, m.err
	}
	r, ok := m.contacts[orderID]
	return r, ok, nil
}

type memSent struct {
	mu   sync.Mutex
	keys map[string]bool
	err  error
}

func newMemSent() *memSent {
	return &memSent{keys: map[string]bool{}}
}

func (m *memSent) Claim(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.keys[key] {
		return false, nil
	}
	m.keys[key] = true
	return true, nil
}

func (m *memSent) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

func (m *memSent) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[key]
}

type recordingSender struct {
	channel Channel

	mu       sync.Mutex
	sent     []Message
	attempts int
	// failures is how many sends fail with err before succeeding; -1 fails every send.
	failures int
	err      error
}

func (s *recordingSender) Channel() Channel { return s.channel }

func (s *recordingSender) Send(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failures < 0 {
		return s.err
	}
	if s.failures > 0 {
		s.failures--
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSender) messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *recordingSender) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}
