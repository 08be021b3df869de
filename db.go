package ledgerdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
)

const trackTxns = true

type DB struct {
	bdb     *bbolt.DB
	path    string
	schema  *Schema
	logger  *slog.Logger
	verbose bool

	version     uint64
	tableStates []*tableState
	bus         *Bus

	middleware     map[*Table]Middleware
	middlewareLock sync.RWMutex

	closed     atomic.Bool
	ReadCount  atomic.Uint64
	WriteCount atomic.Uint64

	txns     []*Tx
	txnsLock sync.Mutex
}

type Options struct {
	Logger  *slog.Logger
	Verbose bool

	// IsTesting trades durability for speed.
	IsTesting bool

	// Timeout bounds the wait for the file lock held by another process.
	// Zero waits for 10 seconds.
	Timeout  time.Duration
	MmapSize int

	// TargetVersion upgrades the store only up to the given version.
	// Zero means the latest version of the schema.
	TargetVersion uint64

	// Middleware is registered before the upgrade runs, so that version
	// transforms writing typed rows go through it too.
	Middleware map[*Table]Middleware
}

// Open opens or creates the store at path and upgrades it to the schema
// version. All upgrade steps run in a single storage transaction; if any of
// them fails, nothing is changed and a *MigrationError is returned.
//
// The file lock held while the store is open keeps other processes from
// opening it, so an upgrade never runs concurrently with another connection.
func Open(ctx context.Context, path string, schema *Schema, opt Options) (*DB, error) {
	bopt := new(bbolt.Options)
	*bopt = *bbolt.DefaultOptions
	bopt.Timeout = opt.Timeout
	if bopt.Timeout == 0 {
		bopt.Timeout = 10 * time.Second
	}
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}

	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}

	target := opt.TargetVersion
	if target == 0 || target > schema.Version() {
		target = schema.Version()
	}

	bdb, err := bbolt.Open(path, 0600, bopt)
	if err != nil {
		if errors.Is(err, bbolt.ErrTimeout) {
			return nil, &StorageError{Op: "open", Err: fmt.Errorf("%s is locked by another process: %w", path, err)}
		}
		return nil, &StorageError{Op: "open", Err: err}
	}

	db := &DB{
		bdb:         bdb,
		path:        path,
		schema:      schema,
		logger:      logger,
		verbose:     opt.Verbose,
		tableStates: make([]*tableState, len(schema.tables)),
		bus:         newBus(logger),
		middleware:  make(map[*Table]Middleware),
	}
	for tbl, mw := range opt.Middleware {
		db.Use(tbl, mw)
	}

	if err := db.upgrade(ctx, target); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Bolt() *bbolt.DB {
	return db.bdb
}

func (db *DB) Path() string {
	return db.path
}

func (db *DB) Schema() *Schema {
	return db.schema
}

func (db *DB) Logger() *slog.Logger {
	return db.logger
}

// Version returns the schema version the store is at.
func (db *DB) Version() uint64 {
	return db.version
}

// Bus returns the change bus that receives one ChangeSet per committed
// outermost read-write transaction.
func (db *DB) Bus() *Bus {
	return db.bus
}

func (db *DB) Size() int64 {
	var size int64
	_ = db.bdb.View(func(btx *bbolt.Tx) error {
		size = btx.Size()
		return nil
	})
	return size
}

func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := db.bdb.Close(); err != nil {
		return &StorageError{Op: "close", Err: err}
	}
	return nil
}

func (db *DB) addTx(tx *Tx) {
	if !trackTxns {
		return
	}
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()
	db.txns = append(db.txns, tx)
}

func (db *DB) removeTx(tx *Tx) {
	if !trackTxns {
		return
	}
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()

	found := slices.Index(db.txns, tx)
	if found < 0 {
		panic("tx not found in list")
	}
	n := len(db.txns)
	db.txns[found] = db.txns[n-1]
	db.txns[n-1] = nil
	db.txns = db.txns[:n-1]
}

func (db *DB) DescribeOpenTxns() string {
	if !trackTxns {
		return "OPEN TX TRACKING DISABLED"
	}

	db.txnsLock.Lock()
	txns := slices.Clone(db.txns)
	db.txnsLock.Unlock()

	if len(txns) == 0 {
		return "NO OPEN TRANSACTIONS"
	}

	slices.SortFunc(txns, func(a, b *Tx) int {
		return a.startTime.Compare(b.startTime)
	})

	now := time.Now()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN TRANSACTIONS:\n", len(txns))
	for _, tx := range txns {
		ms := now.Sub(tx.startTime).Milliseconds()
		if ms < 100 {
			fmt.Fprintf(&buf, "\n---\n%s open for %d ms\n", tx.mode, ms)
		} else {
			fmt.Fprintf(&buf, "\n---\n%s open for %d ms:\n%s", tx.mode, ms, tx.stack)
		}
	}
	return buf.String()
}
