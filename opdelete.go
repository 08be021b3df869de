package ledgerdb

import (
	"bytes"
)

func (tx *Tx) deleteByKeyRaw(op string, tbl *Table, keyRaw []byte, key any) (bool, error) {
	tableBuck := tbl.rootBucketIn(tx.btx)
	dataBuck := tableBuck.Bucket(dataBucket)
	ts := tx.state(tbl)

	c := dataBuck.Cursor()
	k, v := c.Seek(keyRaw)
	if !bytes.Equal(k, keyRaw) {
		tx.logOp(op+".NOOP", tbl, key)
		return false, nil
	}
	var old value
	if err := old.decode(cloneBytes(v)); err != nil {
		return false, storageErr(op, tbl, key, err)
	}
	if err := c.Delete(); err != nil {
		return false, storageErr(op, tbl, key, err)
	}
	if err := decodeIndexKeys(old.Index, indexEntryDeleter(tableBuck, ts)); err != nil {
		return false, storageErr(op, tbl, key, err)
	}

	tx.addChange(Change{table: tbl, op: OpDelete, rawKey: cloneBytes(keyRaw), key: key})
	tx.logOp(op, tbl, key)
	return true, nil
}

func (tx *Tx) clear(tbl *Table) error {
	if err := tx.checkTable("clear", tbl, true); err != nil {
		return err
	}
	tableBuck := tbl.rootBucketIn(tx.btx)
	ts := tx.state(tbl)
	buckets := [][]byte{dataBucket}
	for _, idx := range tbl.indices {
		if ts.isActive(idx) {
			buckets = append(buckets, idx.buck)
		}
	}
	for _, name := range buckets {
		if err := tableBuck.DeleteBucket(name); err != nil {
			return storageErr("clear", tbl, nil, err)
		}
		if _, err := tableBuck.CreateBucket(name); err != nil {
			return storageErr("clear", tbl, nil, err)
		}
	}
	tx.addChange(Change{table: tbl, op: OpClear})
	tx.logOp("CLEAR", tbl, nil)
	return nil
}
