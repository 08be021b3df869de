package ledgerdb

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// Bus delivers a ChangeSet to every subscriber after each committed
// read-write transaction. Delivery is synchronous, in subscription order, on
// the goroutine that committed. A panicking subscriber is logged and does
// not affect the others.
type Bus struct {
	logger *slog.Logger

	mu     sync.Mutex
	nextID uint64
	subs   []busSub
}

type busSub struct {
	id uint64
	fn func(cs *ChangeSet)
}

func newBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers fn and returns a function that removes it. Removing
// twice is harmless.
func (b *Bus) Subscribe(fn func(cs *ChangeSet)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, busSub{id, fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, sub := range b.subs {
				if sub.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					break
				}
			}
		})
	}
}

func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish delivers cs to the subscribers registered at the time of the call.
func (b *Bus) Publish(cs *ChangeSet) {
	b.mu.Lock()
	subs := append([]busSub(nil), b.subs...)
	b.mu.Unlock()

	for _, sub := range subs {
		b.deliver(sub, cs)
	}
}

func (b *Bus) deliver(sub busSub, cs *ChangeSet) {
	defer func() {
		if p := recover(); p != nil {
			b.logger.Error("ledgerdb: change subscriber panicked", slog.Any("panic", p), slog.String("stack", string(debug.Stack())))
		}
	}()
	sub.fn(cs)
}
