package ledgerdb

import (
	"context"
	"sync"
	"testing"
)

func userNames(ctx context.Context, tx *Tx) ([]string, error) {
	users, err := OrderBy[User](tx, usersByEmail).ToArray()
	if err != nil {
		return nil, err
	}
	names := []string{}
	for _, u := range users {
		names = append(names, u.Name)
	}
	return names, nil
}

func TestLiveQuery_DeliversInitialAndChangedResults(t *testing.T) {
	db := setup(t, basicSchema)
	q := NewLiveQuery(db, userNames)

	var got [][]string
	unsub := q.Subscribe(func(names []string) {
		got = append(got, names)
	})
	deepEqual(t, got, [][]string{{}})
	deepEqual(t, q.SubscriberCount(), 1)

	write(t, db, func(tx *Tx) error {
		return Put(tx, &User{ID: 1, Email: "a@example.com", Name: "Alice"})
	})
	deepEqual(t, got, [][]string{{}, {"Alice"}})

	// a write that does not change the result is not delivered
	write(t, db, func(tx *Tx) error {
		return Put(tx, &User{ID: 1, Email: "a@example.com", Name: "Alice", Age: 30})
	})
	write(t, db, func(tx *Tx) error {
		return Put(tx, &Widget{Key: AB{1, 2}, Name: "w"})
	})
	deepEqual(t, got, [][]string{{}, {"Alice"}})

	write(t, db, func(tx *Tx) error {
		return Put(tx, &User{ID: 2, Email: "b@example.com", Name: "Bob"})
	})
	deepEqual(t, got, [][]string{{}, {"Alice"}, {"Alice", "Bob"}})

	unsub()
	unsub()
	deepEqual(t, q.SubscriberCount(), 0)
	deepEqual(t, db.Bus().Len(), 0)

	write(t, db, func(tx *Tx) error {
		return Put(tx, &User{ID: 3, Email: "c@example.com", Name: "Carol"})
	})
	deepEqual(t, len(got), 3)
}

func TestLiveQuery_LateSubscriberGetsCurrentResult(t *testing.T) {
	db := setup(t, basicSchema)
	write(t, db, func(tx *Tx) error {
		return Put(tx, &User{ID: 1, Email: "a@example.com", Name: "Alice"})
	})
	q := NewLiveQuery(db, userNames)

	var first, second [][]string
	unsub1 := q.Subscribe(func(names []string) { first = append(first, names) })
	defer unsub1()
	unsub2 := q.Subscribe(func(names []string) { second = append(second, names) })
	defer unsub2()

	deepEqual(t, first, [][]string{{"Alice"}})
	deepEqual(t, second, [][]string{{"Alice"}})
	deepEqual(t, db.Bus().Len(), 1)

	write(t, db, func(tx *Tx) error {
		_, err := Delete[User](tx, 1)
		return err
	})
	deepEqual(t, first, [][]string{{"Alice"}, {}})
	deepEqual(t, second, [][]string{{"Alice"}, {}})
}

func TestLiveQuery_ResubscribeAfterDetach(t *testing.T) {
	db := setup(t, basicSchema)
	q := NewLiveQuery(db, func(ctx context.Context, tx *Tx) (int, error) {
		return Count[User](tx)
	})

	var got []int
	unsub := q.Subscribe(func(n int) { got = append(got, n) })
	unsub()
	write(t, db, func(tx *Tx) error {
		return Put(tx, &User{ID: 1, Email: "a@example.com"})
	})
	unsub = q.Subscribe(func(n int) { got = append(got, n) })
	defer unsub()
	deepEqual(t, got, []int{0, 1})
}

func TestLiveQuery_FailingQueryIsSkipped(t *testing.T) {
	db := setup(t, basicSchema)
	fail := true
	q := NewLiveQuery(db, func(ctx context.Context, tx *Tx) (int, error) {
		if fail {
			return 0, ErrNotFound
		}
		return Count[User](tx)
	})
	var got []int
	unsub := q.Subscribe(func(n int) { got = append(got, n) })
	defer unsub()
	isempty(t, got)

	fail = false
	write(t, db, func(tx *Tx) error {
		return Put(tx, &User{ID: 1, Email: "a@example.com"})
	})
	deepEqual(t, got, []int{1})
}

func TestLiveQuery_InitialResultPrecedesConcurrentChange(t *testing.T) {
	db := setup(t, basicSchema)
	ran := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	q := NewLiveQuery(db, func(ctx context.Context, tx *Tx) (int, error) {
		n, err := Count[User](tx)
		once.Do(func() {
			close(ran)
			<-proceed
		})
		return n, err
	})

	var mu sync.Mutex
	var got []int
	subscribed := make(chan func())
	go func() {
		subscribed <- q.Subscribe(func(n int) {
			mu.Lock()
			got = append(got, n)
			mu.Unlock()
		})
	}()
	<-ran

	committed := make(chan error, 1)
	go func() {
		committed <- db.Update(context.Background(), func(tx *Tx) error {
			return Put(tx, &User{ID: 1, Email: "a@example.com"})
		})
	}()
	close(proceed)
	unsub := <-subscribed
	defer unsub()
	ok(t, <-committed)

	mu.Lock()
	defer mu.Unlock()
	deepEqual(t, got, []int{0, 1})
}
