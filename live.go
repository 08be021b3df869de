package ledgerdb

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// LiveQuery re-runs a query after every committed write and delivers the
// result to its subscribers whenever it differs from the last delivered one.
//
// Results are compared by a hash of their msgpack encoding, so two results
// are equal when they encode to the same bytes.
type LiveQuery[T any] struct {
	db     *DB
	query  func(ctx context.Context, tx *Tx) (T, error)
	logger *slog.Logger

	mu          sync.Mutex
	subs        []*liveSub[T]
	nextID      uint64
	unsubscribe func()

	// execMu serializes query runs and deliveries.
	execMu sync.Mutex
}

type liveSub[T any] struct {
	id uint64
	fn func(T)

	// guarded by execMu
	last    uint64
	hasLast bool
}

// NewLiveQuery creates a live query running query in a read-only
// transaction. Nothing runs until the first subscriber arrives.
func NewLiveQuery[T any](db *DB, query func(ctx context.Context, tx *Tx) (T, error)) *LiveQuery[T] {
	return &LiveQuery[T]{
		db:     db,
		query:  query,
		logger: db.logger,
	}
}

// Subscribe registers fn and delivers the current result to it right away.
// The returned function detaches fn; once the last subscriber is gone, the
// query stops listening for changes.
func (q *LiveQuery[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	q.mu.Lock()
	q.nextID++
	id := q.nextID
	sub := &liveSub[T]{id: id, fn: fn}
	q.subs = append(q.subs, sub)
	if q.unsubscribe == nil {
		q.unsubscribe = q.db.bus.Subscribe(q.changed)
	}
	q.mu.Unlock()

	q.execMu.Lock()
	if result, fp, hashed, ok := q.run(); ok {
		q.offer(sub, result, fp, hashed)
	}
	q.execMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { q.remove(id) })
	}
}

func (q *LiveQuery[T]) remove(id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, sub := range q.subs {
		if sub.id == id {
			q.subs = append(q.subs[:i:i], q.subs[i+1:]...)
			break
		}
	}
	if len(q.subs) == 0 && q.unsubscribe != nil {
		q.unsubscribe()
		q.unsubscribe = nil
	}
}

// SubscriberCount returns the number of active subscribers.
func (q *LiveQuery[T]) SubscriberCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.subs)
}

func (q *LiveQuery[T]) changed(cs *ChangeSet) {
	q.execMu.Lock()
	defer q.execMu.Unlock()

	q.mu.Lock()
	subs := append([]*liveSub[T](nil), q.subs...)
	q.mu.Unlock()
	if len(subs) == 0 {
		return
	}

	result, fp, hashed, ok := q.run()
	if !ok {
		return
	}
	for _, sub := range subs {
		q.offer(sub, result, fp, hashed)
	}
}

// offer delivers result to sub unless sub already has an identical one.
// Must be called with execMu held.
func (q *LiveQuery[T]) offer(sub *liveSub[T], result T, fp uint64, hashed bool) {
	if hashed && sub.hasLast && sub.last == fp {
		return
	}
	sub.last, sub.hasLast = fp, hashed
	q.deliver(sub, result)
}

// run executes the query. hashed is false when the result could not be
// fingerprinted, in which case it always counts as changed.
func (q *LiveQuery[T]) run() (result T, fp uint64, hashed, ok bool) {
	err := q.db.Transaction(context.Background(), ReadOnly, nil, func(ctx context.Context, tx *Tx) error {
		var err error
		result, err = q.query(ctx, tx)
		return err
	})
	if err != nil {
		q.logger.Warn("ledgerdb: live query failed", slog.Any("err", err))
		return result, 0, false, false
	}
	raw, err := marshal(result)
	if err != nil {
		q.logger.Warn("ledgerdb: live query result not hashable", slog.Any("err", err))
		return result, 0, false, true
	}
	return result, xxhash.Sum64(raw), true, true
}

func (q *LiveQuery[T]) deliver(sub *liveSub[T], result T) {
	defer func() {
		if p := recover(); p != nil {
			q.logger.Error("ledgerdb: live query subscriber panicked", slog.Any("panic", p), slog.String("stack", string(debug.Stack())))
		}
	}()
	sub.fn(result)
}
