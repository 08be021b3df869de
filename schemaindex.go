package ledgerdb

import (
	"fmt"
	"reflect"

	"go.etcd.io/bbolt"
)

// Index is a secondary index over a table. Entries are produced by the
// table's indexer; the entry value type T is fixed when the index is defined.
//
// Unique indexes store value → primary key. Other indexes store value‖pk with
// an empty value, so that several rows can share a value.
type Index struct {
	table     *Table
	pos       int
	name      string
	buck      []byte
	recType   reflect.Type
	keyEnc    *keyEncoding
	isUnique  bool
	isPrimary bool
	since     uint64
}

func AddIndex[T any](name string) *Index {
	recType := reflect.TypeOf((*T)(nil)).Elem()
	return &Index{
		name:    name,
		buck:    []byte("i_" + name),
		recType: recType,
		keyEnc:  keyEncodingFor(recType),
	}
}

func (idx *Index) Unique() *Index {
	idx.isUnique = true
	return idx
}

// Since marks the index as added at schema version v. Upgrading to v builds
// the index over the existing rows.
func (idx *Index) Since(v uint64) *Index {
	idx.since = v
	return idx
}

func (idx *Index) requireTable() {
	if idx.table == nil {
		panic(fmt.Errorf("index %q was not added to a table", idx.name))
	}
}

func (idx *Index) Table() *Table {
	return idx.table
}

func (idx *Index) ShortName() string {
	return idx.name
}

func (idx *Index) FullName() string {
	idx.requireTable()
	return idx.table.name + "." + idx.name
}

func (idx *Index) IsUnique() bool {
	return idx.isUnique
}

func (idx *Index) IsPrimary() bool {
	return idx.isPrimary
}

func (idx *Index) ValueType() reflect.Type {
	return idx.recType
}

func (idx *Index) bucketIn(tableRootB *bbolt.Bucket) *bbolt.Bucket {
	if idx.isPrimary {
		return tableRootB.Bucket(dataBucket)
	}
	return tableRootB.Bucket(idx.buck)
}

// splitEntry splits an index bucket entry into the encoded index value and
// the raw primary key of the row it points to.
func (idx *Index) splitEntry(k, v []byte) (valueRaw, pkRaw []byte, err error) {
	if idx.isPrimary {
		return k, k, nil
	}
	if idx.isUnique {
		return k, v, nil
	}
	n, err := idx.keyEnc.skip(k)
	if err != nil {
		return nil, nil, dataErrf(k, 0, err, "%s: invalid index entry", idx.FullName())
	}
	return k[:n], k[n:], nil
}

// IndexBuilder collects the index entries of a single row.
type IndexBuilder struct {
	ts   *tableState
	rows indexRows
	key  []byte
	err  error
}

func makeIndexBuilder(ts *tableState, keyRaw []byte) IndexBuilder {
	return IndexBuilder{ts: ts, key: keyRaw}
}

// Add records an index entry. Values of the wrong type panic, values for
// indexes not yet created at the store's version are ignored.
func (b *IndexBuilder) Add(idx *Index, value any) {
	if idx.table != b.ts.table {
		panic(fmt.Errorf("%s: index belongs to a different table than %s", idx.FullName(), b.ts.table.name))
	}
	valueVal := reflect.ValueOf(value)
	if at, et := valueVal.Type(), idx.recType; at != et {
		panic(fmt.Errorf("%s: attempted to add index entry with incorrect type %v, expected %v", idx.FullName(), at, et))
	}
	is := b.ts.indexStates[idx.pos]
	if is == nil {
		return
	}
	valueRaw := idx.keyEnc.encode(nil, valueVal)
	var keyRaw, stored []byte
	if idx.isUnique {
		keyRaw, stored = valueRaw, b.key
	} else {
		keyRaw = append(cloneBytes(valueRaw), b.key...)
		stored = []byte{}
	}
	for _, row := range b.rows {
		if row.Index == idx && string(row.KeyRaw) == string(keyRaw) {
			return
		}
	}
	b.rows = append(b.rows, indexRow{
		Index:    idx,
		IndexOrd: is.IndexOrdinal,
		ValueRaw: stored,
		KeyRaw:   keyRaw,
	})
}

func (b *IndexBuilder) finalize() indexRows {
	b.rows.sort()
	return b.rows
}
