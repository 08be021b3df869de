package ledgerdb

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

type Acct struct {
	ID   string `msgpack:"id"`
	Name string `msgpack:"name"`
	Kind string `msgpack:"kind,omitempty"`
}

type Tag struct {
	Name string `msgpack:"name"`
}

type acctSchema struct {
	*Schema
	accounts *Table
	byName   *Index
	tags     *Table
}

// newAcctSchema builds a schema whose latest version is maxVer:
//
//	v1: accounts table
//	v2: accounts.name index, transform2
//	v3: tags table, transform3
func newAcctSchema(maxVer uint64, transform2, transform3 func(m *Migration) error) *acctSchema {
	s := &acctSchema{Schema: NewSchema()}
	var indices []*Index
	if maxVer >= 2 {
		s.byName = AddIndex[string]("name").Since(2)
		indices = append(indices, s.byName)
	}
	s.accounts = AddTable(s.Schema, "accounts", 1, func(row *Acct, ib *IndexBuilder) {
		if s.byName != nil {
			ib.Add(s.byName, row.Name)
		}
	}, indices)
	if maxVer >= 2 && transform2 != nil {
		s.AddVersion(2, transform2)
	}
	if maxVer >= 3 {
		s.tags = AddTable(s.Schema, "tags", 3, func(row *Tag, ib *IndexBuilder) {}, nil)
		if transform3 != nil {
			s.AddVersion(3, transform3)
		}
	}
	return s
}

func openAcct(t *testing.T, path string, s *acctSchema) *DB {
	t.Helper()
	return setupAt(t, path, s.Schema, Options{})
}

func tryOpen(path string, s *acctSchema, opt Options) (*DB, error) {
	opt.IsTesting = true
	return Open(context.Background(), path, s.Schema, opt)
}

func seedAccounts(t *testing.T, path string) {
	t.Helper()
	db := openAcct(t, path, newAcctSchema(1, nil, nil))
	deepEqual(t, db.Version(), uint64(1))
	write(t, db, func(tx *Tx) error {
		return BulkPut(tx, []*Acct{
			{ID: "a1", Name: "Checking"},
			{ID: "a2", Name: "Savings", Kind: "savings"},
		})
	})
	ok(t, db.Close())
}

func TestMigration_IndexAndTransform(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	seedAccounts(t, path)

	var calls int
	s := newAcctSchema(2, func(m *Migration) error {
		calls++
		deepEqual(t, m.Version(), uint64(2))
		deepEqual(t, m.From(), uint64(1))
		return m.EachRecord(m.DBTx().Schema().TableNamed("accounts"), func(rec *Record) error {
			if rec.Has("kind") {
				return nil
			}
			if err := rec.Set("kind", "checking"); err != nil {
				return err
			}
			return m.PutRecord(rec)
		})
	}, nil)
	db := openAcct(t, path, s)
	deepEqual(t, calls, 1)
	deepEqual(t, db.Version(), uint64(2))

	read(t, db, func(tx *Tx) error {
		a := must(Lookup[Acct](tx, s.byName, "Checking"))
		deepEqual(t, a, &Acct{ID: "a1", Name: "Checking", Kind: "checking"})
		a = must(Lookup[Acct](tx, s.byName, "Savings"))
		deepEqual(t, a.Kind, "savings")
		return nil
	})
	ok(t, db.Close())

	// reopening does not run the transform again
	db = openAcct(t, path, s)
	deepEqual(t, calls, 1)
	deepEqual(t, db.Version(), uint64(2))
}

func TestMigration_FailureLeavesStoreUnchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	seedAccounts(t, path)

	boom := errors.New("boom")
	s := newAcctSchema(3, func(m *Migration) error {
		return m.EachRecord(m.DBTx().Schema().TableNamed("accounts"), func(rec *Record) error {
			ok(t, rec.Set("name", strings.ToUpper(rec.Key().(string))))
			return m.PutRecord(rec)
		})
	}, func(m *Migration) error {
		return boom
	})
	_, err := tryOpen(path, s, Options{})
	var merr *MigrationError
	if !errors.As(err, &merr) {
		t.Fatalf("Open err = %v, wanted *MigrationError", err)
	}
	deepEqual(t, merr.Version, uint64(3))
	if !errors.Is(err, boom) {
		t.Fatalf("Open err = %v, wanted to wrap boom", err)
	}

	db := openAcct(t, path, newAcctSchema(1, nil, nil))
	deepEqual(t, db.Version(), uint64(1))
	read(t, db, func(tx *Tx) error {
		deepEqual(t, must(Get[Acct](tx, "a1")).Name, "Checking")
		return nil
	})
}

func TestMigration_PanicInTransform(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	seedAccounts(t, path)

	s := newAcctSchema(2, func(m *Migration) error {
		panic("bad transform")
	}, nil)
	_, err := tryOpen(path, s, Options{})
	var merr *MigrationError
	if !errors.As(err, &merr) || !strings.Contains(err.Error(), "bad transform") {
		t.Fatalf("Open err = %v, wanted *MigrationError with the panic", err)
	}
}

func TestMigration_NewerStoreIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db := openAcct(t, path, newAcctSchema(3, nil, nil))
	deepEqual(t, db.Version(), uint64(3))
	ok(t, db.Close())

	_, err := tryOpen(path, newAcctSchema(2, nil, nil), Options{})
	var merr *MigrationError
	if !errors.As(err, &merr) {
		t.Fatalf("Open err = %v, wanted *MigrationError", err)
	}
	deepEqual(t, merr.Version, uint64(3))
}

func TestMigration_TargetVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	var created []string
	s := newAcctSchema(3, nil, func(m *Migration) error {
		tags := m.DBTx().Schema().TableNamed("tags")
		for _, name := range []string{"food", "rent"} {
			rec, err := m.NewRecord(tags, name)
			if err != nil {
				return err
			}
			if err := m.PutRecord(rec); err != nil {
				return err
			}
			created = append(created, name)
		}
		return nil
	})

	db := setupAt(t, path, s.Schema, Options{TargetVersion: 2})
	deepEqual(t, db.Version(), uint64(2))
	err := db.View(context.Background(), func(tx *Tx) error {
		_, err := Count[Tag](tx)
		return err
	})
	if !errors.Is(err, ErrNotCreated) {
		t.Fatalf("Count on a table of a later version err = %v, wanted ErrNotCreated", err)
	}
	ok(t, db.Close())

	db = openAcct(t, path, s)
	deepEqual(t, db.Version(), uint64(3))
	deepEqual(t, created, []string{"food", "rent"})
	read(t, db, func(tx *Tx) error {
		tags := must(All[Tag](tx).ToArray())
		deepEqual(t, tags, []*Tag{{Name: "food"}, {Name: "rent"}})
		return nil
	})
}

func TestMigration_TypedWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	seedAccounts(t, path)
	db := openAcct(t, path, newAcctSchema(2, func(m *Migration) error {
		return Put(m, &Acct{ID: "a3", Name: "Cash"})
	}, nil))
	read(t, db, func(tx *Tx) error {
		deepEqual(t, must(Count[Acct](tx)), 3)
		return nil
	})
}
