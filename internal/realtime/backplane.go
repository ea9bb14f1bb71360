package realtime

import (
	"context"
	"errors"
	"sync"
)

var errBackplaneNotStarted = errors.New("backplane not started")

// DeliverFunc hands a room event to the local members of that room.
type DeliverFunc func(room string, event Event)

// Backplane carries room events to every process hosting connections. Each
// process delivers what it receives to its own registry.
type Backplane interface {
	Start(ctx context.Context, deliver DeliverFunc) error
	Publish(ctx context.Context, room string, event Event) error
	Close() error
}

// LocalBackplane delivers synchronously inside a single process.
type LocalBackplane struct {
	mu      sync.RWMutex
	deliver DeliverFunc
}

// NewLocalBackplane constructs an in-process backplane.
func NewLocalBackplane() *LocalBackplane {
	return &LocalBackplane{}
}

func (b *LocalBackplane) Start(_ context.Context, deliver DeliverFunc) error {
	b.mu.Lock()
	b.deliver = deliver
	b.mu.Unlock()
	return nil
}

func (b *LocalBackplane) Publish(_ context.Context, room string, event Event) error {
	b.mu.RLock()
	deliver := b.deliver
	b.mu.RUnlock()
	if deliver == nil {
		return errBackplaneNotStarted
	}
	deliver(room, event)
	return nil
}

func (b *LocalBackplane) Close() error {
	b.mu.Lock()
	b.deliver = nil
	b.mu.Unlock()
	return nil
}
