package ledgerdb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

type reversedField struct {
	R string `msgpack:"r"`
}

func reverse(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}

// reversingMiddleware stores sensitive string fields as {"r": reversed}.
type reversingMiddleware struct {
	failWrite error
	failRead  error
}

func (m *reversingMiddleware) BeforeWrite(ctx context.Context, rec *Record) error {
	if m.failWrite != nil {
		return m.failWrite
	}
	for _, f := range rec.Table().SensitiveFields() {
		s, ok, err := rec.Text(f)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		raw, err := msgpack.Marshal(&reversedField{R: reverse(s)})
		if err != nil {
			return err
		}
		rec.SetRaw(f, raw)
	}
	return nil
}

func (m *reversingMiddleware) AfterRead(ctx context.Context, rec *Record) error {
	if m.failRead != nil {
		return m.failRead
	}
	for _, f := range rec.Table().SensitiveFields() {
		if !rec.Has(f) {
			continue
		}
		var env reversedField
		if err := msgpack.Unmarshal(rec.Raw(f), &env); err != nil {
			return err
		}
		if err := rec.SetText(f, reverse(env.R)); err != nil {
			return err
		}
	}
	return nil
}

func TestMiddleware_RoundTrip(t *testing.T) {
	mw := &reversingMiddleware{}
	db := setupAt(t, t.TempDir()+"/test.db", basicSchema, Options{Middleware: map[*Table]Middleware{notesTable: mw}})
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	write(t, db, func(tx *Tx) error {
		return Put(tx, &Note{ID: "n1", Time: base, Title: "pin", Secret: "1234"})
	})
	read(t, db, func(tx *Tx) error {
		n := must(Get[Note](tx, "n1"))
		deepEqual(t, n.Secret, "1234")
		deepEqual(t, n.Title, "pin")
		deepEqual(t, n.Time.Equal(base), true)

		// indexers never see sensitive fields
		deepEqual(t, must(Where[Note](tx, notesBySecret).Equals("1234").Count()), 0)
		deepEqual(t, must(Where[Note](tx, notesByTime).Equals(base).Count()), 1)
		return nil
	})

	// without the middleware the stored envelope does not decode as a string
	db.Use(notesTable, nil)
	read(t, db, func(tx *Tx) error {
		n, err := Get[Note](tx, "n1")
		var perr *PartialReadError
		if !errors.As(err, &perr) {
			t.Fatalf("Get err = %v, wanted *PartialReadError", err)
		}
		deepEqual(t, perr.Table, "notes")
		deepEqual(t, len(perr.Failures), 1)
		deepEqual(t, n.Secret, "")
		deepEqual(t, n.Title, "pin")
		return nil
	})
}

func TestMiddleware_WriteErrorAbortsPut(t *testing.T) {
	boom := errors.New("locked")
	mw := &reversingMiddleware{failWrite: boom}
	db := setup(t, basicSchema)
	db.Use(notesTable, mw)

	write(t, db, func(tx *Tx) error {
		err := Put(tx, &Note{ID: "n1", Secret: "x"})
		if !errors.Is(err, boom) {
			t.Errorf("Put err = %v, wanted %v", err, boom)
		}
		return nil
	})
	read(t, db, func(tx *Tx) error {
		deepEqual(t, must(Exists[Note](tx, "n1")), false)
		return nil
	})
}

func TestMiddleware_ReadErrorReturnsRows(t *testing.T) {
	mw := &reversingMiddleware{}
	db := setup(t, basicSchema)
	db.Use(notesTable, mw)
	write(t, db, func(tx *Tx) error {
		return BulkPut(tx, []*Note{
			{ID: "n1", Title: "a", Secret: "s1"},
			{ID: "n2", Title: "b"},
		})
	})

	boom := errors.New("no key")
	mw.failRead = boom
	read(t, db, func(tx *Tx) error {
		notes, err := All[Note](tx).ToArray()
		var perr *PartialReadError
		if !errors.As(err, &perr) {
			t.Fatalf("ToArray err = %v, wanted *PartialReadError", err)
		}
		if !errors.Is(err, boom) {
			t.Errorf("ToArray err = %v, wanted to wrap %v", err, boom)
		}
		deepEqual(t, perr.Total, 2)
		deepEqual(t, len(perr.Failures), 2)
		deepEqual(t, perr.Failures[0].Key, any("n1"))
		deepEqual(t, ids(notes), []string{"n1", "n2"})
		deepEqual(t, notes[0].Secret, "")
		deepEqual(t, notes[1].Title, "b")
		return nil
	})
}

func TestMiddlewareFuncs(t *testing.T) {
	db := setup(t, basicSchema)
	var writes, reads int
	db.Use(usersTable, MiddlewareFuncs{
		Write: func(ctx context.Context, rec *Record) error {
			writes++
			return rec.Set("n", "renamed")
		},
		Read: func(ctx context.Context, rec *Record) error {
			reads++
			return nil
		},
	})
	write(t, db, func(tx *Tx) error {
		return Put(tx, &User{ID: 1, Email: "a@example.com", Name: "orig"})
	})
	read(t, db, func(tx *Tx) error {
		deepEqual(t, must(Get[User](tx, 1)).Name, "renamed")
		deepEqual(t, must(Lookup[User](tx, usersByName, "renamed")).ID, ID(1))
		return nil
	})
	deepEqual(t, writes, 1)
	deepEqual(t, reads, 2)
}

func TestCollectionEach_VisitsRowsAroundReadFailure(t *testing.T) {
	boom := errors.New("no key")
	db := setup(t, basicSchema)
	db.Use(notesTable, MiddlewareFuncs{
		Read: func(ctx context.Context, rec *Record) error {
			if rec.Key() == "n2" {
				rec.Delete("secret")
				return boom
			}
			return nil
		},
	})
	write(t, db, func(tx *Tx) error {
		return BulkPut(tx, []*Note{
			{ID: "n1", Title: "a", Secret: "s1"},
			{ID: "n2", Title: "b", Secret: "s2"},
			{ID: "n3", Title: "c", Secret: "s3"},
		})
	})
	read(t, db, func(tx *Tx) error {
		var titles, secrets []string
		err := All[Note](tx).Each(func(n *Note) error {
			titles = append(titles, n.Title)
			secrets = append(secrets, n.Secret)
			return nil
		})
		var perr *PartialReadError
		if !errors.As(err, &perr) {
			t.Fatalf("Each err = %v, wanted *PartialReadError", err)
		}
		deepEqual(t, len(perr.Failures), 1)
		deepEqual(t, perr.Failures[0].Key, any("n2"))
		deepEqual(t, titles, []string{"a", "b", "c"})
		deepEqual(t, secrets, []string{"s1", "", "s3"})
		return nil
	})
}
