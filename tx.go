package ledgerdb

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.etcd.io/bbolt"
)

type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "readonly"
	case ReadWrite:
		return "readwrite"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

type Txish interface {
	DBTx() *Tx
}

// Tx is a transaction over a declared set of tables. Nested transactions
// share the outermost Tx; only the outermost one commits and notifies.
type Tx struct {
	db    *DB
	btx   *bbolt.Tx
	ctx   context.Context
	mode  Mode
	scope map[*Table]bool

	depth   int
	written bool
	failed  error
	changes []Change

	upgrading bool
	version   uint64
	states    []*tableState

	memo map[string]any

	startTime time.Time
	stack     string
}

type txContextKey struct{}

// TxFromContext returns the transaction active in ctx for db, if any.
func TxFromContext(ctx context.Context, db *DB) *Tx {
	tx, _ := ctx.Value(txContextKey{}).(*Tx)
	if tx != nil && tx.db == db {
		return tx
	}
	return nil
}

func (db *DB) newTx(ctx context.Context, btx *bbolt.Tx, mode Mode, tables []*Table) *Tx {
	tx := &Tx{
		db:        db,
		btx:       btx,
		mode:      mode,
		version:   db.version,
		states:    db.tableStates,
		startTime: time.Now(),
	}
	if tables != nil {
		tx.scope = make(map[*Table]bool, len(tables))
		for _, tbl := range tables {
			tx.scope[tbl] = true
		}
	}
	if trackTxns {
		tx.stack = string(debug.Stack())
	}
	tx.ctx = context.WithValue(ctx, txContextKey{}, tx)
	return tx
}

// Transaction runs fn inside a transaction over tables (nil means every
// table). If ctx already carries a transaction of this DB, fn joins it:
// the scope and mode must be covered by the outer transaction, and a failure
// of fn fails the outer transaction as well. Otherwise a new storage
// transaction is started, committed when fn succeeds, and rolled back when
// fn returns an error or panics.
//
// After an outermost read-write transaction commits with at least one write,
// exactly one ChangeSet is published on the bus.
func (db *DB) Transaction(ctx context.Context, mode Mode, tables []*Table, fn func(ctx context.Context, tx *Tx) error) error {
	if outer := TxFromContext(ctx, db); outer != nil {
		return outer.nested(ctx, mode, tables, fn)
	}
	if db.closed.Load() {
		return &StorageError{Op: "begin", Err: ErrClosed}
	}
	btx, err := db.bdb.Begin(mode == ReadWrite)
	if err != nil {
		return &StorageError{Op: "begin", Err: err}
	}
	tx := db.newTx(ctx, btx, mode, tables)
	db.addTx(tx)
	defer db.removeTx(tx)
	// Rolls back when fn never returns normally, e.g. runtime.Goexit.
	// After a commit or an explicit rollback this is a no-op.
	defer func() {
		if rerr := btx.Rollback(); rerr != nil && rerr != bbolt.ErrTxClosed {
			db.logger.Error("ledgerdb: rollback failed", slog.Any("err", rerr))
		}
	}()

	if mode == ReadWrite {
		db.WriteCount.Add(1)
	} else {
		db.ReadCount.Add(1)
	}

	tx.depth++
	err = safelyCall(fn, tx.ctx, tx)
	tx.depth--
	if err == nil && tx.failed != nil {
		err = tx.failed
	}
	if err != nil || mode == ReadOnly {
		if rerr := btx.Rollback(); rerr != nil && rerr != bbolt.ErrTxClosed {
			db.logger.Error("ledgerdb: rollback failed", slog.Any("err", rerr))
		}
		if err != nil && tx.written && db.verbose {
			db.logger.LogAttrs(ctx, slog.LevelDebug, "ledgerdb: rolled back", slog.Int("changes", len(tx.changes)), slog.Any("err", err))
		}
		return err
	}
	if err := btx.Commit(); err != nil {
		return &StorageError{Op: "commit", Err: err}
	}
	if tx.written {
		db.bus.Publish(tx.changeSet())
	}
	return nil
}

func (tx *Tx) nested(ctx context.Context, mode Mode, tables []*Table, fn func(ctx context.Context, tx *Tx) error) error {
	if tx.failed != nil {
		return tx.failed
	}
	if mode == ReadWrite && tx.mode != ReadWrite {
		return &StorageError{Op: "nested transaction", Err: ErrReadOnly}
	}
	for _, tbl := range tables {
		if !tx.inScope(tbl) {
			return storageErr("nested transaction", tbl, nil, ErrNotInScope)
		}
	}
	tx.depth++
	err := safelyCall(fn, ctx, tx)
	tx.depth--
	if err != nil && tx.failed == nil {
		tx.failed = err
	}
	return err
}

// View runs a read-only transaction over all tables.
func (db *DB) View(ctx context.Context, fn func(tx *Tx) error) error {
	return db.Transaction(ctx, ReadOnly, nil, func(ctx context.Context, tx *Tx) error {
		return fn(tx)
	})
}

// Update runs a read-write transaction over all tables.
func (db *DB) Update(ctx context.Context, fn func(tx *Tx) error) error {
	return db.Transaction(ctx, ReadWrite, nil, func(ctx context.Context, tx *Tx) error {
		return fn(tx)
	})
}

func safelyCall(fn func(ctx context.Context, tx *Tx) error, ctx context.Context, tx *Tx) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(ctx, tx)
}

// DBTx implements Txish
func (tx *Tx) DBTx() *Tx {
	return tx
}

func (tx *Tx) DB() *DB {
	return tx.db
}

func (tx *Tx) Schema() *Schema {
	return tx.db.schema
}

// Context returns the context that carries this transaction.
func (tx *Tx) Context() context.Context {
	return tx.ctx
}

func (tx *Tx) Mode() Mode {
	return tx.mode
}

func (tx *Tx) IsWritable() bool {
	return tx.mode == ReadWrite
}

// Depth returns the number of active Transaction calls sharing this Tx.
func (tx *Tx) Depth() int {
	return tx.depth
}

// Version returns the schema version visible to the transaction. During an
// upgrade this is the version of the step being applied.
func (tx *Tx) Version() uint64 {
	return tx.version
}

func (tx *Tx) inScope(tbl *Table) bool {
	return tx.scope == nil || tx.scope[tbl]
}

func (tx *Tx) state(tbl *Table) *tableState {
	return tx.states[tbl.pos]
}

func (tx *Tx) checkTable(op string, tbl *Table, write bool) error {
	if tbl.schema != tx.db.schema {
		panic(fmt.Errorf("%s: table %s belongs to a different schema", op, tbl.name))
	}
	if !tx.inScope(tbl) {
		return storageErr(op, tbl, nil, ErrNotInScope)
	}
	if write && tx.mode != ReadWrite {
		return storageErr(op, tbl, nil, ErrReadOnly)
	}
	if tx.failed != nil {
		return tx.failed
	}
	if tx.state(tbl) == nil {
		return storageErr(op, tbl, nil, ErrNotCreated)
	}
	return nil
}

func (tx *Tx) markWritten() {
	tx.written = true
}

func (tx *Tx) addChange(chg Change) {
	tx.markWritten()
	tx.changes = append(tx.changes, chg)
}

func (tx *Tx) changeSet() *ChangeSet {
	return newChangeSet(tx.changes)
}

func (tx *Tx) logOp(op string, tbl *Table, key any, attrs ...slog.Attr) {
	if !tx.db.verbose {
		return
	}
	attrs = append(attrs, slog.String("table", tbl.name), slog.Any("key", key))
	tx.db.logger.LogAttrs(tx.ctx, slog.LevelDebug, "ledgerdb: "+op, attrs...)
}

func (tx *Tx) GetMemo(key string) (any, bool) {
	v, found := tx.memo[key]
	return v, found
}

// Memo caches the result of f (including an error) for the lifetime of the
// transaction.
func (tx *Tx) Memo(key string, f func() (any, error)) (any, error) {
	v, found := tx.memo[key]
	if found {
		if e, ok := v.(error); ok {
			return nil, e
		}
		return v, nil
	}

	if tx.memo == nil {
		tx.memo = make(map[string]any)
	}

	v, err := f()
	if err != nil {
		tx.memo[key] = err
	} else {
		tx.memo[key] = v
	}
	return v, err
}

func Memo[T any](txish Txish, key string, f func() (T, error)) (T, error) {
	tx := txish.DBTx()
	v, err := tx.Memo(key, func() (any, error) {
		return f()
	})
	result, _ := v.(T)
	return result, err
}
