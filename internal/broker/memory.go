package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrClosed is returned by a broker after Close
var ErrClosed = errors.New("broker: closed")

type memorySubscriber struct {
	ch chan Event
}

// MemoryBroker is an in-process Broker for single-replica deployments and tests
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]map[*memorySubscriber]struct{}
	closed bool
}

// NewMemoryBroker creates an empty MemoryBroker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[uuid.UUID]map[*memorySubscriber]struct{})}
}

func (b *MemoryBroker) Publish(_ context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for sub := range b.subs[event.WorkspaceID] {
		select {
		case sub.ch <- event:
		default:
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, workspaceID uuid.UUID) (<-chan Event, error) {
	sub := &memorySubscriber{ch: make(chan Event, subscriberBuffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if b.subs[workspaceID] == nil {
		b.subs[workspaceID] = make(map[*memorySubscriber]struct{})
	}
	b.subs[workspaceID][sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(workspaceID, sub)
	}()
	return sub.ch, nil
}

func (b *MemoryBroker) remove(workspaceID uuid.UUID, sub *memorySubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.subs[workspaceID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	close(sub.ch)
	if len(subs) == 0 {
		delete(b.subs, workspaceID)
	}
}

// SubscriberCount returns the number of live subscriptions
func (b *MemoryBroker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}

// Close closes every subscription channel
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for ws, subs := range b.subs {
		for sub := range subs {
			close(sub.ch)
		}
		delete(b.subs, ws)
	}
	return nil
}
