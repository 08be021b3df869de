package ledgerdb

import (
	"bytes"
	"fmt"
	"log/slog"

	"go.etcd.io/bbolt"
)

func (tx *Tx) put(op string, tbl *Table, row any, mustBeNew bool) error {
	if err := tx.checkTable(op, tbl, true); err != nil {
		return err
	}
	rec, err := tx.recordToWrite(op, tbl, row)
	if err != nil {
		return err
	}
	return tx.putRecord(op, tbl, rec, mustBeNew)
}

// putRecord stores a document as is, maintaining the indexes active at the
// transaction's schema version.
func (tx *Tx) putRecord(op string, tbl *Table, rec *Record, mustBeNew bool) error {
	keyRaw, err := tbl.encodeKey(rec.key)
	if err != nil {
		return storageErr(op, tbl, rec.key, err)
	}
	tableBuck := tbl.rootBucketIn(tx.btx)
	if tableBuck == nil {
		return storageErr(op, tbl, rec.key, ErrNotCreated)
	}
	dataBuck := tableBuck.Bucket(dataBucket)
	ts := tx.state(tbl)

	oldValueRaw := cloneBytes(dataBuck.Get(keyRaw))
	if oldValueRaw != nil && mustBeNew {
		return storageErr(op, tbl, rec.key, ErrDuplicateKey)
	}
	var old value
	if oldValueRaw != nil {
		if err := old.decode(oldValueRaw); err != nil {
			return storageErr(op, tbl, rec.key, err)
		}
	}

	ib := makeIndexBuilder(ts, keyRaw)
	if tbl.indexer != nil {
		view, err := rec.indexView()
		if err != nil {
			return storageErr(op, tbl, rec.key, err)
		}
		tbl.indexer(view.Interface(), &ib)
	}
	rows := ib.finalize()

	for _, ir := range rows {
		if !ir.Index.isUnique {
			continue
		}
		idxBuck := tableBuck.Bucket(ir.Index.buck)
		if idxBuck == nil {
			return &StorageError{Op: op, Table: tbl.name, Index: ir.Index.name, Key: rec.key, Err: ErrNotCreated}
		}
		if existing := idxBuck.Get(ir.KeyRaw); existing != nil && !bytes.Equal(existing, keyRaw) {
			return &StorageError{Op: op, Table: tbl.name, Index: ir.Index.name, Key: rec.key, Err: fmt.Errorf("%w: %v already used by %v", ErrDuplicateKey, ir.Index.name, tbl.decodeKey(existing))}
		}
	}

	data, err := rec.encode()
	if err != nil {
		return storageErr(op, tbl, rec.key, err)
	}
	modCount := old.ModCount
	if !bytes.Equal(data, old.Data) {
		modCount++
	}
	valueRaw := encodeValue(tx.version, modCount, data, rows)
	if err := dataBuck.Put(keyRaw, valueRaw); err != nil {
		return storageErr(op, tbl, rec.key, err)
	}

	if oldValueRaw != nil {
		if err := findRemovedIndexKeys(old.Index, rows, indexEntryDeleter(tableBuck, ts)); err != nil {
			return storageErr(op, tbl, rec.key, err)
		}
	}
	if err := putIndexEntries(tableBuck, rows); err != nil {
		return storageErr(op, tbl, rec.key, err)
	}

	tx.addChange(Change{table: tbl, op: OpPut, rawKey: keyRaw, key: rec.key})
	if tx.db.verbose {
		tx.logOp(op, tbl, rec.key, slog.Uint64("m", modCount), slog.Any("row", loggableRecord(rec)))
	}
	return nil
}

func putIndexEntries(tableBuck *bbolt.Bucket, rows indexRows) error {
	var idx *Index
	var idxBuck *bbolt.Bucket
	for _, ir := range rows {
		if ir.Index != idx {
			idx = ir.Index
			idxBuck = tableBuck.Bucket(idx.buck)
			if idxBuck == nil {
				return fmt.Errorf("missing bucket for index %v", idx.FullName())
			}
		}
		if err := idxBuck.Put(ir.KeyRaw, ir.ValueRaw); err != nil {
			return err
		}
	}
	return nil
}
