package ledgerdb

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// Middleware transforms documents on their way to and from storage. It is
// registered per table and sees the document form of each row.
//
// BeforeWrite runs before every put. Returning an error aborts the write.
// AfterRead runs on every stored document before it is decoded into a row.
// Returning an error marks the record as not fully readable; the row is
// still returned, minus the fields that could not be restored.
type Middleware interface {
	BeforeWrite(ctx context.Context, rec *Record) error
	AfterRead(ctx context.Context, rec *Record) error
}

// MiddlewareFuncs adapts a pair of optional functions to Middleware.
type MiddlewareFuncs struct {
	Write func(ctx context.Context, rec *Record) error
	Read  func(ctx context.Context, rec *Record) error
}

func (m MiddlewareFuncs) BeforeWrite(ctx context.Context, rec *Record) error {
	if m.Write == nil {
		return nil
	}
	return m.Write(ctx, rec)
}

func (m MiddlewareFuncs) AfterRead(ctx context.Context, rec *Record) error {
	if m.Read == nil {
		return nil
	}
	return m.Read(ctx, rec)
}

// Use registers mw for tbl, replacing any previous registration.
func (db *DB) Use(tbl *Table, mw Middleware) {
	db.middlewareLock.Lock()
	defer db.middlewareLock.Unlock()
	if mw == nil {
		delete(db.middleware, tbl)
	} else {
		db.middleware[tbl] = mw
	}
}

func (db *DB) middlewareFor(tbl *Table) Middleware {
	db.middlewareLock.RLock()
	defer db.middlewareLock.RUnlock()
	return db.middleware[tbl]
}

// recordToWrite turns a row into the document that gets stored.
func (tx *Tx) recordToWrite(op string, tbl *Table, row any) (*Record, error) {
	rowVal := tbl.checkRowType(row)
	rec, err := recordFromRow(tbl, rowVal)
	if err != nil {
		return nil, storageErr(op, tbl, tbl.rowKeyVal(rowVal).Interface(), err)
	}
	if mw := tx.db.middlewareFor(tbl); mw != nil {
		if err := mw.BeforeWrite(tx.ctx, rec); err != nil {
			return nil, storageErr(op, tbl, rec.key, err)
		}
	}
	return rec, nil
}

// restoreRow decodes a stored document into a row. The second error is a
// non-fatal read failure: the row is valid but some sensitive fields could
// not be restored and were left empty.
func (tx *Tx) restoreRow(tbl *Table, keyRaw, data []byte) (any, error, error) {
	rec, err := decodeRecord(tbl, keyRaw, data)
	if err != nil {
		return nil, storageErr("read", tbl, tbl.decodeKey(keyRaw), err), nil
	}
	var failure error
	if mw := tx.db.middlewareFor(tbl); mw != nil {
		failure = mw.AfterRead(tx.ctx, rec)
	}
	var skip func(string) bool
	if len(tbl.sensitive) > 0 {
		var bad []string
		for _, f := range tbl.sensitive {
			if rec.Has(f) && !rec.decodes(f) {
				bad = append(bad, f)
			}
		}
		if len(bad) > 0 {
			skip = func(name string) bool { return slices.Contains(bad, name) }
			if failure == nil {
				failure = fmt.Errorf("unreadable fields %s", strings.Join(bad, ", "))
			}
		}
	}
	rowVal, err := rec.decodeRow(skip)
	if err != nil {
		return nil, storageErr("read", tbl, rec.key, err), nil
	}
	return rowVal.Interface(), nil, failure
}
