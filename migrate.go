package ledgerdb

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

type version struct {
	number    uint64
	transform func(m *Migration) error
}

// AddVersion registers the transform that runs when a store is upgraded to
// version v. Tables and indexes introduced at v are created before the
// transform runs. A version can have at most one transform.
func (scm *Schema) AddVersion(v uint64, transform func(m *Migration) error) {
	ver := scm.touchVersion(v)
	if ver.transform != nil {
		panic(fmt.Errorf("version %d already has a transform", v))
	}
	ver.transform = transform
}

// Migration is passed to version transforms. It is a read-write transaction
// over all tables, and additionally gives access to stored documents without
// going through middleware.
type Migration struct {
	tx   *Tx
	from uint64
}

// DBTx implements Txish
func (m *Migration) DBTx() *Tx {
	return m.tx
}

func (m *Migration) Context() context.Context {
	return m.tx.ctx
}

// Version returns the version being upgraded to.
func (m *Migration) Version() uint64 {
	return m.tx.version
}

// From returns the version the store had when it was opened.
func (m *Migration) From() uint64 {
	return m.from
}

func (m *Migration) Logger() *slog.Logger {
	return m.tx.db.logger
}

// EachRecord calls fn with every stored document of tbl, in primary key
// order. Documents are read before fn is first called, so fn may write.
func (m *Migration) EachRecord(tbl *Table, fn func(rec *Record) error) error {
	tx := m.tx
	if err := tx.checkTable("migrate", tbl, false); err != nil {
		return err
	}
	raws, err := allRawRecords(tbl.rootBucketIn(tx.btx).Bucket(dataBucket))
	if err != nil {
		return storageErr("migrate", tbl, nil, err)
	}
	for _, raw := range raws {
		var vle value
		if err := vle.decode(raw.data); err != nil {
			return storageErr("migrate", tbl, tbl.decodeKey(raw.pk), err)
		}
		rec, err := decodeRecord(tbl, raw.pk, vle.Data)
		if err != nil {
			return storageErr("migrate", tbl, tbl.decodeKey(raw.pk), err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// NewRecord returns an empty document of tbl with the given primary key.
func (m *Migration) NewRecord(tbl *Table, key any) (*Record, error) {
	keyVal, err := tbl.keyEnc.coerce(key)
	if err != nil {
		return nil, storageErr("migrate", tbl, key, err)
	}
	rec := newRecord(tbl, keyVal.Interface(), make(map[string]msgpack.RawMessage))
	if err := rec.Set(tbl.keyName, keyVal.Interface()); err != nil {
		return nil, err
	}
	return rec, nil
}

// PutRecord stores a document as is, bypassing middleware.
func (m *Migration) PutRecord(rec *Record) error {
	if err := m.tx.checkTable("migrate", rec.table, true); err != nil {
		return err
	}
	return m.tx.putRecord("migrate", rec.table, rec, false)
}

func allRawRecords(dataBuck *bbolt.Bucket) ([]rawRecord, error) {
	var raws []rawRecord
	err := dataBuck.ForEach(func(k, v []byte) error {
		raws = append(raws, rawRecord{cloneBytes(k), cloneBytes(v)})
		return nil
	})
	return raws, err
}

func readVersion(meta *bbolt.Bucket) uint64 {
	raw := meta.Get(versionKey)
	if len(raw) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

func writeVersion(meta *bbolt.Bucket, v uint64) error {
	return meta.Put(versionKey, binary.BigEndian.AppendUint64(nil, v))
}

// upgrade brings the store to the target version. Each step creates the
// tables and indexes introduced at that version, builds new indexes over
// existing rows, then runs the version's transform. All steps share one
// storage transaction, so a failure leaves the store untouched.
func (db *DB) upgrade(ctx context.Context, target uint64) error {
	scm := db.schema
	return db.bdb.Update(func(btx *bbolt.Tx) error {
		meta, err := btx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return &StorageError{Op: "open", Err: err}
		}
		if _, err := btx.CreateBucketIfNotExists(settingsBucket); err != nil {
			return &StorageError{Op: "open", Err: err}
		}
		stored := readVersion(meta)
		if stored > scm.Version() {
			return &MigrationError{Version: stored, Err: fmt.Errorf("store is at version %d, newer than the latest known version %d", stored, scm.Version())}
		}
		if target < stored {
			target = stored
		}

		states := make([]*tableState, len(scm.tables))
		for i, tbl := range scm.tables {
			if b := tbl.rootBucketIn(btx); b != nil {
				ts, err := loadTableState(b, tbl)
				if err != nil {
					return err
				}
				states[i] = ts
			}
		}

		tx := db.newTx(ctx, btx, ReadWrite, nil)
		tx.upgrading = true
		tx.states = states

		now := time.Now()
		for v := stored + 1; v <= target; v++ {
			tx.version = v
			start := time.Now()
			if err := db.upgradeStep(tx, v, stored, now); err != nil {
				db.logger.LogAttrs(ctx, slog.LevelError, "ledgerdb: upgrade failed", slog.Uint64("version", v), slog.Any("err", err))
				return &MigrationError{Version: v, Err: err}
			}
			db.logger.LogAttrs(ctx, slog.LevelInfo, "ledgerdb: upgraded", slog.Uint64("version", v), slog.Int64("ms", time.Since(start).Milliseconds()))
		}

		for _, ts := range states {
			if ts == nil {
				continue
			}
			if unknown := ts.unknownIndices(); len(unknown) > 0 {
				db.logger.LogAttrs(ctx, slog.LevelWarn, "ledgerdb: store has indexes unknown to the schema", slog.String("table", ts.table.name), slog.Any("indexes", unknown))
			}
			if target > stored {
				if err := ts.save(btx, now); err != nil {
					return err
				}
			}
		}
		if target > stored {
			if err := writeVersion(meta, target); err != nil {
				return &StorageError{Op: "open", Err: err}
			}
		}

		db.tableStates = states
		db.version = target
		return nil
	})
}

func (db *DB) upgradeStep(tx *Tx, v, from uint64, now time.Time) error {
	scm := db.schema
	for _, tbl := range scm.tables {
		if tbl.since != v {
			continue
		}
		ts, err := createTable(tx.btx, tbl, v, now)
		if err != nil {
			return err
		}
		tx.states[tbl.pos] = ts
		db.logger.LogAttrs(tx.ctx, slog.LevelDebug, "ledgerdb: created table", slog.String("table", tbl.name), slog.Uint64("version", v))
	}

	for _, tbl := range scm.tables {
		ts := tx.states[tbl.pos]
		if ts == nil || tbl.since > v {
			continue
		}
		tableRootB := tbl.rootBucketIn(tx.btx)
		var added []*indexState
		for _, idx := range tbl.indices {
			if idx.since > v || ts.isActive(idx) {
				continue
			}
			is, err := ts.addIndex(tableRootB, idx, v)
			if err != nil {
				return err
			}
			added = append(added, is)
		}
		if len(added) == 0 {
			continue
		}
		if err := db.reindex(tx, tbl); err != nil {
			return err
		}
		for _, is := range added {
			is.Built = true
		}
	}

	if ver := scm.versions[v]; ver != nil && ver.transform != nil {
		m := &Migration{tx: tx, from: from}
		err := safelyCall(func(ctx context.Context, tx *Tx) error {
			return ver.transform(m)
		}, tx.ctx, tx)
		if err != nil {
			return err
		}
	}
	return nil
}

// reindex rewrites every row of tbl so that index entries of newly created
// indexes get added. Documents are rewritten as stored, without middleware.
func (db *DB) reindex(tx *Tx, tbl *Table) error {
	raws, err := allRawRecords(tbl.rootBucketIn(tx.btx).Bucket(dataBucket))
	if err != nil {
		return storageErr("reindex", tbl, nil, err)
	}
	if len(raws) == 0 {
		return nil
	}
	db.logger.LogAttrs(tx.ctx, slog.LevelInfo, "ledgerdb: re-indexing", slog.String("table", tbl.name), slog.Int("rows", len(raws)))
	start := time.Now()
	for _, raw := range raws {
		var vle value
		if err := vle.decode(raw.data); err != nil {
			return storageErr("reindex", tbl, tbl.decodeKey(raw.pk), err)
		}
		rec, err := decodeRecord(tbl, raw.pk, vle.Data)
		if err != nil {
			return storageErr("reindex", tbl, tbl.decodeKey(raw.pk), err)
		}
		if err := tx.putRecord("reindex", tbl, rec, false); err != nil {
			return err
		}
	}
	db.logger.LogAttrs(tx.ctx, slog.LevelInfo, "ledgerdb: re-indexed", slog.String("table", tbl.name), slog.Int("rows", len(raws)), slog.Int64("ms", time.Since(start).Milliseconds()))
	return nil
}
