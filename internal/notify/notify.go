// Package notify delivers "instances of this wallet changed" signals from
// the dispatcher to whoever watches that wallet.
package notify

import (
	"context"
	"sync"
)

// Broker fans change notifications out per wallet address.
type Broker interface {
	// Publish signals that a record owned by wallet changed.
	Publish(ctx context.Context, wallet string) error
	// Subscribe returns a channel receiving one value per coalesced change
	// and a cancel func that releases the subscription.
	Subscribe(wallet string) (<-chan struct{}, func(), error)
	Close() error
}

// Memory is an in-process Broker.
type Memory struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan struct{}
	nextID int
	closed bool
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[int]chan struct{})}
}

func (m *Memory) Publish(_ context.Context, wallet string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ch := range m.subs[wallet] {
		signal(ch)
	}
	return nil
}

func (m *Memory) Subscribe(wallet string) (<-chan struct{}, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan struct{}, 1)
	if m.closed {
		close(ch)
		return ch, func() {}, nil
	}

	id := m.nextID
	m.nextID++
	if m.subs[wallet] == nil {
		m.subs[wallet] = make(map[int]chan struct{})
	}
	m.subs[wallet][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if subs, ok := m.subs[wallet]; ok {
				if _, ok := subs[id]; ok {
					delete(subs, id)
					close(ch)
				}
				if len(subs) == 0 {
					delete(m.subs, wallet)
				}
			}
		})
	}
	return ch, cancel, nil
}

// Close releases every subscriber.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	for wallet, subs := range m.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(m.subs, wallet)
	}
	return nil
}

// signal performs a non-blocking send; a pending value already covers the
// new change.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
