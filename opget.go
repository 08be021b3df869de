package ledgerdb

func (tx *Tx) get(tbl *Table, key any) (any, error) {
	if err := tx.checkTable("get", tbl, false); err != nil {
		return nil, err
	}
	keyRaw, err := tbl.encodeKey(key)
	if err != nil {
		return nil, storageErr("get", tbl, key, err)
	}
	raw := tbl.rootBucketIn(tx.btx).Bucket(dataBucket).Get(keyRaw)
	if raw == nil {
		return nil, nil
	}
	var vle value
	if err := vle.decode(raw); err != nil {
		return nil, storageErr("get", tbl, key, err)
	}
	row, err, failure := tx.restoreRow(tbl, keyRaw, vle.Data)
	if err != nil {
		return nil, err
	}
	if failure != nil {
		return row, &PartialReadError{Table: tbl.name, Total: 1, Failures: []RecordFailure{{Key: key, Err: failure}}}
	}
	return row, nil
}

func (tx *Tx) exists(tbl *Table, key any) (bool, error) {
	if err := tx.checkTable("exists", tbl, false); err != nil {
		return false, err
	}
	keyRaw, err := tbl.encodeKey(key)
	if err != nil {
		return false, storageErr("exists", tbl, key, err)
	}
	return tbl.rootBucketIn(tx.btx).Bucket(dataBucket).Get(keyRaw) != nil, nil
}
