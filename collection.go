package ledgerdb

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"sort"
)

// WhereClause starts a query over one index of a table.
type WhereClause[Row any] struct {
	tx    *Tx
	table *Table
	index *Index
	err   error
}

// Where starts a query over idx, which must belong to the table of Row.
// Use tbl.PrimaryKey() to query by primary key.
func Where[Row any](txh Txish, idx *Index) *WhereClause[Row] {
	tx := txh.DBTx()
	tbl := tableOf[Row](tx.db.schema)
	w := &WhereClause[Row]{tx: tx, table: tbl, index: idx}
	if idx == nil {
		w.err = fmt.Errorf("%s: nil index", tbl.name)
	} else if idx.table != tbl {
		w.err = fmt.Errorf("%s: index %s belongs to a different table", tbl.name, idx.FullName())
	}
	return w
}

func (w *WhereClause[Row]) wrap(err error) error {
	return &StorageError{Op: "where", Table: w.table.name, Index: w.index.name, Err: err}
}

// side encodes v as the lower or upper bound of a range. A number that falls
// between two keys of a numeric index is moved to the nearest key, keeping
// the same set of matches. ok is false when no key can satisfy the bound; a
// nil raw bound excludes nothing.
func (w *WhereClause[Row]) side(v any, lower, inc bool) (raw []byte, rinc bool, ok bool, err error) {
	if w.err != nil {
		return nil, false, false, w.err
	}
	raw, fit, err := w.index.keyEnc.encodeBound(v)
	if err != nil {
		return nil, false, false, w.wrap(err)
	}
	switch fit {
	case fitAbove:
		return raw, !lower, true, nil
	case fitUnderflow:
		return nil, false, lower, nil
	case fitOverflow:
		return nil, false, !lower, nil
	default:
		return raw, inc, true, nil
	}
}

// exact encodes v for an equality match. ok is false when v cannot equal
// any key of the index.
func (w *WhereClause[Row]) exact(v any) (raw []byte, ok bool, err error) {
	if w.err != nil {
		return nil, false, w.err
	}
	raw, fit, err := w.index.keyEnc.encodeBound(v)
	if err != nil {
		return nil, false, w.wrap(err)
	}
	return raw, fit == fitExact, nil
}

func (w *WhereClause[Row]) lower(v any, inc bool) *Collection[Row] {
	raw, inc, ok, err := w.side(v, true, inc)
	if err != nil || !ok {
		return w.collection(nil, err)
	}
	return w.collection([]RawRange{{Lower: raw, LowerInc: inc}}, nil)
}

func (w *WhereClause[Row]) upper(v any, inc bool) *Collection[Row] {
	raw, inc, ok, err := w.side(v, false, inc)
	if err != nil || !ok {
		return w.collection(nil, err)
	}
	return w.collection([]RawRange{{Upper: raw, UpperInc: inc}}, nil)
}

func (w *WhereClause[Row]) collection(ranges []RawRange, err error) *Collection[Row] {
	c := newCollection[Row](w.tx, w.table, w.index, ranges)
	if w.err != nil {
		c.err = w.err
	} else if err != nil {
		c.err = err
	}
	return c
}

func (w *WhereClause[Row]) all() *Collection[Row] {
	return w.collection([]RawRange{RawOO()}, nil)
}

func (w *WhereClause[Row]) Equals(v any) *Collection[Row] {
	raw, ok, err := w.exact(v)
	if err != nil || !ok {
		return w.collection(nil, err)
	}
	return w.collection([]RawRange{RawII(raw, raw)}, nil)
}

func (w *WhereClause[Row]) Above(v any) *Collection[Row] {
	return w.lower(v, false)
}

func (w *WhereClause[Row]) AboveOrEqual(v any) *Collection[Row] {
	return w.lower(v, true)
}

func (w *WhereClause[Row]) Below(v any) *Collection[Row] {
	return w.upper(v, false)
}

func (w *WhereClause[Row]) BelowOrEqual(v any) *Collection[Row] {
	return w.upper(v, true)
}

// Between matches values from lower to upper. A lower bound greater than the
// upper bound matches nothing.
func (w *WhereClause[Row]) Between(lower, upper any, lowerInc, upperInc bool) *Collection[Row] {
	lo, loInc, loOK, err := w.side(lower, true, lowerInc)
	if err != nil || !loOK {
		return w.collection(nil, err)
	}
	hi, hiInc, hiOK, err := w.side(upper, false, upperInc)
	if err != nil || !hiOK {
		return w.collection(nil, err)
	}
	return w.collection([]RawRange{{Lower: lo, Upper: hi, LowerInc: loInc, UpperInc: hiInc}}, nil)
}

// StartsWith matches string values with the given prefix.
func (w *WhereClause[Row]) StartsWith(prefix string) *Collection[Row] {
	if w.err != nil {
		return w.collection(nil, nil)
	}
	if !w.index.keyEnc.isSingleString() {
		return w.collection(nil, &StorageError{Op: "where", Table: w.table.name, Index: w.index.name, Err: fmt.Errorf("StartsWith requires a string index, got %v", w.index.recType)})
	}
	return w.collection([]RawRange{RawPrefix(w.index.keyEnc.encodeStringPrefix(prefix))}, nil)
}

// AnyOf matches any of the given values. Rows are returned in index order
// and each row at most once.
func (w *WhereClause[Row]) AnyOf(values ...any) *Collection[Row] {
	ranges := make([]RawRange, 0, len(values))
	for _, v := range values {
		raw, ok, err := w.exact(v)
		if err != nil {
			return w.collection(nil, err)
		}
		if ok {
			ranges = append(ranges, RawII(raw, raw))
		}
	}
	sort.Slice(ranges, func(i, j int) bool {
		return bytes.Compare(ranges[i].Lower, ranges[j].Lower) < 0
	})
	dedup := ranges[:0]
	for i, r := range ranges {
		if i == 0 || !bytes.Equal(r.Lower, ranges[i-1].Lower) {
			dedup = append(dedup, r)
		}
	}
	return w.collection(dedup, nil)
}

// Collection is a lazily evaluated query. Methods that refine it return a
// new Collection; terminal methods run the query inside the transaction.
//
// Evaluation happens in two phases: the storage cursor collects the matching
// raw records first, then the records are restored through the table's
// middleware and decoded. Filters and offsets that depend on decoded rows
// apply in the second phase.
type Collection[Row any] struct {
	tx      *Tx
	table   *Table
	index   *Index
	ranges  []RawRange
	reverse bool
	filters []func(row *Row) bool
	offset  int
	limit   int
	err     error
}

func newCollection[Row any](tx *Tx, tbl *Table, idx *Index, ranges []RawRange) *Collection[Row] {
	if ranges == nil {
		ranges = []RawRange{}
	}
	return &Collection[Row]{tx: tx, table: tbl, index: idx, ranges: ranges, limit: -1}
}

func (c *Collection[Row]) clone() *Collection[Row] {
	c2 := *c
	c2.filters = append([]func(*Row) bool(nil), c.filters...)
	return &c2
}

func (c *Collection[Row]) Reverse() *Collection[Row] {
	c2 := c.clone()
	c2.reverse = !c2.reverse
	return c2
}

// Filter keeps only the rows for which fn returns true.
func (c *Collection[Row]) Filter(fn func(row *Row) bool) *Collection[Row] {
	c2 := c.clone()
	c2.filters = append(c2.filters, fn)
	return c2
}

func (c *Collection[Row]) Offset(n int) *Collection[Row] {
	c2 := c.clone()
	c2.offset = n
	return c2
}

func (c *Collection[Row]) Limit(n int) *Collection[Row] {
	c2 := c.clone()
	c2.limit = n
	return c2
}

type rawRecord struct {
	pk   []byte
	data []byte
}

// collect runs the cursor phase. Offset and limit are applied here when no
// filters are set.
func (c *Collection[Row]) collect(op string, write bool) ([]rawRecord, error) {
	if c.err != nil {
		return nil, c.err
	}
	tx := c.tx
	if err := tx.checkTable(op, c.table, write); err != nil {
		return nil, err
	}
	if !tx.state(c.table).isActive(c.index) {
		return nil, &StorageError{Op: op, Table: c.table.name, Index: c.index.name, Err: ErrNotCreated}
	}
	tableBuck := c.table.rootBucketIn(tx.btx)
	dataBuck := tableBuck.Bucket(dataBucket)

	early := len(c.filters) == 0
	if early && c.limit == 0 {
		return nil, nil
	}
	skip := 0
	if early {
		skip = c.offset
	}
	var seen map[string]bool
	if !c.index.isPrimary && !c.index.isUnique || len(c.ranges) > 1 {
		seen = make(map[string]bool)
	}

	var result []rawRecord
	visit := func(val, pk, v []byte) (bool, error) {
		if seen != nil {
			if seen[string(pk)] {
				return true, nil
			}
			seen[string(pk)] = true
		}
		if skip > 0 {
			skip--
			return true, nil
		}
		data := v
		if !c.index.isPrimary {
			data = dataBuck.Get(pk)
			if data == nil {
				return false, dataErrf(pk, 0, nil, "%s: index entry points to a missing row", c.index.FullName())
			}
		}
		result = append(result, rawRecord{cloneBytes(pk), cloneBytes(data)})
		return !early || c.limit < 0 || len(result) < c.limit, nil
	}

	n := len(c.ranges)
	for i := 0; i < n; i++ {
		r := c.ranges[i]
		if c.reverse {
			r = c.ranges[n-1-i]
			r.Reverse = true
		}
		if err := scanIndex(tx.ctx, tx.db.logger, tableBuck, c.index, r, visit); err != nil {
			return nil, &StorageError{Op: op, Table: c.table.name, Index: c.index.name, Err: err}
		}
		if early && c.limit >= 0 && len(result) >= c.limit {
			break
		}
	}
	return result, nil
}

// restore runs the decode phase.
func (c *Collection[Row]) restore(raws []rawRecord) ([]*Row, error) {
	var failures []RecordFailure
	var rows []*Row
	skip := 0
	if len(c.filters) > 0 {
		skip = c.offset
	}
	for _, raw := range raws {
		var vle value
		if err := vle.decode(raw.data); err != nil {
			return nil, storageErr("read", c.table, c.table.decodeKey(raw.pk), err)
		}
		row, err, failure := c.tx.restoreRow(c.table, raw.pk, vle.Data)
		if err != nil {
			return nil, err
		}
		r := row.(*Row)
		if !c.matches(r) {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		if c.limit >= 0 && len(rows) >= c.limit {
			break
		}
		if failure != nil {
			failures = append(failures, RecordFailure{Key: c.table.decodeKey(raw.pk), Err: failure})
		}
		rows = append(rows, r)
	}
	if len(failures) > 0 {
		return rows, &PartialReadError{Table: c.table.name, Total: len(rows), Failures: failures}
	}
	return rows, nil
}

func (c *Collection[Row]) matches(row *Row) bool {
	for _, f := range c.filters {
		if !f(row) {
			return false
		}
	}
	return true
}

// ToArray returns the matching rows. When some rows could not be fully
// restored, they are returned along with a *PartialReadError.
func (c *Collection[Row]) ToArray() ([]*Row, error) {
	raws, err := c.collect("query", false)
	if err != nil {
		return nil, err
	}
	return c.restore(raws)
}

func (c *Collection[Row]) First() (*Row, error) {
	rows, err := c.Limit(1).ToArray()
	if len(rows) == 0 {
		return nil, err
	}
	return rows[0], err
}

func (c *Collection[Row]) Last() (*Row, error) {
	return c.Reverse().First()
}

func (c *Collection[Row]) Count() (int, error) {
	if len(c.filters) == 0 {
		raws, err := c.collect("count", false)
		return len(raws), err
	}
	rows, err := c.ToArray()
	return len(rows), err
}

// Each calls fn for every matching row. Returning an error stops the
// iteration. Rows that could not be fully restored are still visited, and
// the *PartialReadError is returned once every row has been seen.
func (c *Collection[Row]) Each(fn func(row *Row) error) error {
	rows, err := c.ToArray()
	var partial *PartialReadError
	if err != nil && !errors.As(err, &partial) {
		return err
	}
	for _, row := range rows {
		if err := fn(row); err != nil {
			return err
		}
	}
	return err
}

func (c *Collection[Row]) rawKeys(op string, write bool) ([][]byte, error) {
	raws, err := c.collect(op, write)
	if err != nil {
		return nil, err
	}
	if len(c.filters) == 0 {
		keys := make([][]byte, len(raws))
		for i, raw := range raws {
			keys[i] = raw.pk
		}
		return keys, nil
	}
	rows, err := c.restore(raws)
	if err != nil {
		return nil, err
	}
	keys := make([][]byte, len(rows))
	for i, row := range rows {
		keys[i] = c.table.keyEnc.encode(nil, c.table.rowKeyVal(reflect.ValueOf(row)))
	}
	return keys, nil
}

// PrimaryKeys returns the primary keys of the matching rows.
func (c *Collection[Row]) PrimaryKeys() ([]any, error) {
	keys, err := c.rawKeys("keys", false)
	if err != nil {
		return nil, err
	}
	result := make([]any, len(keys))
	for i, k := range keys {
		result[i] = c.table.decodeKey(k)
	}
	return result, nil
}

// Delete removes the matching rows and returns how many were removed.
func (c *Collection[Row]) Delete() (int, error) {
	keys, err := c.rawKeys("delete", true)
	if err != nil {
		return 0, err
	}
	var n int
	for _, k := range keys {
		ok, err := c.tx.deleteByKeyRaw("delete", c.table, k, c.table.decodeKey(k))
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// Modify applies fn to each matching row and stores the result. fn must not
// change the primary key.
func (c *Collection[Row]) Modify(fn func(row *Row) error) (int, error) {
	raws, err := c.collect("modify", true)
	if err != nil {
		return 0, err
	}
	rows, err := c.restore(raws)
	if err != nil {
		return 0, err
	}
	for i, row := range rows {
		before := c.table.keyEnc.encode(nil, c.table.rowKeyVal(reflect.ValueOf(row)))
		if err := fn(row); err != nil {
			return i, err
		}
		after := c.table.keyEnc.encode(nil, c.table.rowKeyVal(reflect.ValueOf(row)))
		if !bytes.Equal(before, after) {
			return i, storageErr("modify", c.table, c.table.decodeKey(before), ErrKeyChanged)
		}
		if err := c.tx.put("modify", c.table, row, false); err != nil {
			return i, err
		}
	}
	return len(rows), nil
}
