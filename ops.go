package ledgerdb

import (
	"bytes"
	"reflect"
)

// Get returns the row with the given primary key, or nil if there is none.
// If the row could not be fully restored by the table's middleware, the row
// is returned together with a *PartialReadError.
func Get[Row any](txh Txish, key any) (*Row, error) {
	tx := txh.DBTx()
	row, err := tx.get(tableOf[Row](tx.db.schema), key)
	if row == nil {
		return nil, err
	}
	return row.(*Row), err
}

func Exists[Row any](txh Txish, key any) (bool, error) {
	tx := txh.DBTx()
	return tx.exists(tableOf[Row](tx.db.schema), key)
}

// Add inserts a new row and fails with ErrDuplicateKey if the key is taken.
func Add[Row any](txh Txish, row *Row) error {
	tx := txh.DBTx()
	return tx.put("add", tableOf[Row](tx.db.schema), row, true)
}

// Put inserts or replaces a row.
func Put[Row any](txh Txish, row *Row) error {
	tx := txh.DBTx()
	return tx.put("put", tableOf[Row](tx.db.schema), row, false)
}

// Delete removes the row with the given key. Deleting a missing row is not
// an error.
func Delete[Row any](txh Txish, key any) (bool, error) {
	tx := txh.DBTx()
	tbl := tableOf[Row](tx.db.schema)
	if err := tx.checkTable("delete", tbl, true); err != nil {
		return false, err
	}
	keyRaw, err := tbl.encodeKey(key)
	if err != nil {
		return false, storageErr("delete", tbl, key, err)
	}
	return tx.deleteByKeyRaw("delete", tbl, keyRaw, key)
}

// Clear removes every row of the table.
func Clear[Row any](txh Txish) error {
	tx := txh.DBTx()
	return tx.clear(tableOf[Row](tx.db.schema))
}

// Update loads the row with the given key, applies fn and stores the result.
// It returns false if there is no such row. fn must not change the key.
func Update[Row any](txh Txish, key any, fn func(row *Row) error) (bool, error) {
	tx := txh.DBTx()
	tbl := tableOf[Row](tx.db.schema)
	if err := tx.checkTable("update", tbl, true); err != nil {
		return false, err
	}
	row, err := Get[Row](tx, key)
	if err != nil {
		return false, err
	}
	if row == nil {
		return false, nil
	}
	if err := fn(row); err != nil {
		return false, err
	}
	before, _ := tbl.encodeKey(key)
	after, err := tbl.encodeKey(tbl.rowKeyVal(reflect.ValueOf(row)).Interface())
	if err != nil || !bytes.Equal(before, after) {
		return false, storageErr("update", tbl, key, ErrKeyChanged)
	}
	return true, tx.put("update", tbl, row, false)
}

func BulkAdd[Row any](txh Txish, rows []*Row) error {
	for _, row := range rows {
		if err := Add(txh, row); err != nil {
			return err
		}
	}
	return nil
}

func BulkPut[Row any](txh Txish, rows []*Row) error {
	for _, row := range rows {
		if err := Put(txh, row); err != nil {
			return err
		}
	}
	return nil
}

// BulkDelete removes the rows with the given keys and returns how many
// existed.
func BulkDelete[Row any, K any](txh Txish, keys []K) (int, error) {
	var n int
	for _, key := range keys {
		ok, err := Delete[Row](txh, key)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// Count returns the number of rows in the table.
func Count[Row any](txh Txish) (int, error) {
	tx := txh.DBTx()
	tbl := tableOf[Row](tx.db.schema)
	if err := tx.checkTable("count", tbl, false); err != nil {
		return 0, err
	}
	return countKeys(tbl.rootBucketIn(tx.btx).Bucket(dataBucket)), nil
}

// All returns a collection over every row, in primary key order.
func All[Row any](txh Txish) *Collection[Row] {
	tx := txh.DBTx()
	tbl := tableOf[Row](tx.db.schema)
	return newCollection[Row](tx, tbl, tbl.primary, []RawRange{RawOO()})
}

// OrderBy returns a collection over every row that has an entry in idx,
// in index order.
func OrderBy[Row any](txh Txish, idx *Index) *Collection[Row] {
	return Where[Row](txh, idx).all()
}

// Lookup returns the first row whose idx entry equals value, or nil.
func Lookup[Row any](txh Txish, idx *Index, value any) (*Row, error) {
	return Where[Row](txh, idx).Equals(value).First()
}
