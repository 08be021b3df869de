package ledgerdb

import (
	"testing"
)

func TestBus_SubscribeUnsubscribe(t *testing.T) {
	b := newBus(nil)
	var a, c int
	unsubA := b.Subscribe(func(cs *ChangeSet) { a++ })
	unsubC := b.Subscribe(func(cs *ChangeSet) { c++ })
	deepEqual(t, b.Len(), 2)

	b.Publish(newChangeSet(nil))
	deepEqual(t, a, 1)
	deepEqual(t, c, 1)

	unsubA()
	unsubA()
	deepEqual(t, b.Len(), 1)

	b.Publish(newChangeSet(nil))
	deepEqual(t, a, 1)
	deepEqual(t, c, 2)

	unsubC()
	deepEqual(t, b.Len(), 0)
	b.Publish(newChangeSet(nil))
	deepEqual(t, c, 2)
}

func TestBus_UnsubscribeDuringPublish(t *testing.T) {
	b := newBus(nil)
	var calls []string
	var unsubSecond func()
	b.Subscribe(func(cs *ChangeSet) {
		calls = append(calls, "first")
		unsubSecond()
	})
	unsubSecond = b.Subscribe(func(cs *ChangeSet) {
		calls = append(calls, "second")
	})

	// the subscriber list is captured when publishing starts
	b.Publish(newChangeSet(nil))
	deepEqual(t, calls, []string{"first", "second"})

	b.Publish(newChangeSet(nil))
	deepEqual(t, calls, []string{"first", "second", "first"})
}

func TestBus_PanickingSubscriber(t *testing.T) {
	db := setup(t, basicSchema)
	var got int
	db.Bus().Subscribe(func(cs *ChangeSet) { panic("subscriber bug") })
	db.Bus().Subscribe(func(cs *ChangeSet) { got++ })

	write(t, db, func(tx *Tx) error {
		return Put(tx, &User{ID: 1, Email: "a@example.com"})
	})
	deepEqual(t, got, 1)
}

func TestChangeSet(t *testing.T) {
	db := setup(t, basicSchema)
	var cs *ChangeSet
	db.Bus().Subscribe(func(c *ChangeSet) { cs = c })

	write(t, db, func(tx *Tx) error {
		ok(t, Put(tx, &User{ID: 1, Email: "a@example.com"}))
		ok(t, Put(tx, &Note{ID: "n1", Title: "x"}))
		_, err := Delete[User](tx, 1)
		ok(t, err)
		return Clear[Note](tx)
	})
	if cs == nil {
		t.Fatalf("no change set delivered")
	}

	var strs []string
	for _, chg := range cs.Changes() {
		strs = append(strs, chg.String())
	}
	deepEqual(t, strs, []string{"put users/1", "put notes/n1", "delete users/1", "clear notes"})
	deepEqual(t, cs.Tables(), []string{"notes", "users"})
	deepEqual(t, cs.Affects(widgetsTable), false)
	deepEqual(t, cs.AffectsSettings(), false)
}

func TestOp_String(t *testing.T) {
	deepEqual(t, OpPut.String(), "put")
	deepEqual(t, OpDelete.String(), "delete")
	deepEqual(t, OpClear.String(), "clear")
	deepEqual(t, Op(99).String(), "invalid op 99")
}
