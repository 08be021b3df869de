package ledgerdb

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"go.etcd.io/bbolt"
)

type Table struct {
	schema          *Schema
	name            string
	since           uint64
	pos             int
	buck            []byte
	rowType         reflect.Type
	rowTypePtr      reflect.Type
	keyField        reflect.StructField
	keyName         string
	keyEnc          *keyEncoding
	fields          map[string]reflect.StructField
	fieldNames      []string
	sensitive       []string
	indices         []*Index
	indicesByName   map[string]*Index
	indexer         func(row any, ib *IndexBuilder)
	primary         *Index
	suppressContent bool
}

type tableOpt int

const (
	SuppressContentWhenLogging = tableOpt(1)
)

// SensitiveFields names the document fields that must never reach storage
// in plaintext. Sensitive fields are invisible to indexers.
type SensitiveFields []string

// AddTable defines a table storing rows of type Row, created at schema
// version since. The first struct field is the primary key.
//
// The indexer receives a copy of the row with sensitive fields cleared and
// calls ib.Add for every index entry the row contributes.
func AddTable[Row any](scm *Schema, name string, since uint64, indexer func(row *Row, ib *IndexBuilder), indices []*Index, opts ...any) *Table {
	rowType := reflect.TypeOf((*Row)(nil)).Elem()
	if rowType.Kind() != reflect.Struct {
		panic(fmt.Sprintf("%s: row type must be a struct, got %v", name, rowType))
	}
	if rowType.NumField() == 0 {
		panic(fmt.Errorf("%s: %v is an empty struct", name, rowType))
	}
	keyField := rowType.Field(0)
	if !keyField.IsExported() {
		panic(fmt.Errorf("%s: key field %v.%s must be exported", name, rowType, keyField.Name))
	}
	tbl := &Table{
		schema:        scm,
		name:          name,
		since:         since,
		buck:          []byte(name),
		rowType:       rowType,
		rowTypePtr:    reflect.PointerTo(rowType),
		keyField:      keyField,
		keyEnc:        keyEncodingFor(keyField.Type),
		fields:        make(map[string]reflect.StructField),
		indicesByName: make(map[string]*Index),
	}
	if indexer != nil {
		tbl.indexer = func(row any, ib *IndexBuilder) {
			indexer(row.(*Row), ib)
		}
	}
	for i := 0; i < rowType.NumField(); i++ {
		f := rowType.Field(i)
		name, ok := msgpackFieldName(f)
		if !ok {
			continue
		}
		tbl.fields[name] = f
		tbl.fieldNames = append(tbl.fieldNames, name)
		if i == 0 {
			tbl.keyName = name
		}
	}
	if tbl.keyName == "" {
		panic(fmt.Errorf("%s: key field %s must not be skipped by msgpack", name, keyField.Name))
	}
	for _, opt := range opts {
		switch opt := opt.(type) {
		case tableOpt:
			if opt == SuppressContentWhenLogging {
				tbl.suppressContent = true
			}
		case SensitiveFields:
			for _, f := range opt {
				if tbl.fields[f].Type == nil {
					panic(fmt.Errorf("%s: sensitive field %q is not a field of %v", name, f, rowType))
				}
				if f == tbl.keyName {
					panic(fmt.Errorf("%s: primary key cannot be sensitive", name))
				}
				tbl.sensitive = append(tbl.sensitive, f)
			}
			sort.Strings(tbl.sensitive)
		default:
			panic(fmt.Errorf("invalid option %T %v", opt, opt))
		}
	}
	tbl.primary = &Index{
		table:     tbl,
		name:      tbl.keyName,
		recType:   keyField.Type,
		keyEnc:    tbl.keyEnc,
		isUnique:  true,
		isPrimary: true,
		since:     since,
	}
	scm.addTable(tbl)
	for _, idx := range indices {
		tbl.AddIndex(idx)
	}
	return tbl
}

// msgpackFieldName mirrors how msgpack names struct fields.
func msgpackFieldName(f reflect.StructField) (string, bool) {
	if !f.IsExported() {
		return "", false
	}
	tag := f.Tag.Get("msgpack")
	if tag == "-" {
		return "", false
	}
	name, _, _ := splitByte(tag, ',')
	if name == "" {
		name = f.Name
	}
	return name, true
}

func (tbl *Table) AddIndex(idx *Index) *Table {
	if tbl.indicesByName[idx.name] != nil || idx.name == tbl.keyName {
		panic(fmt.Errorf("table %s already has index named %q", tbl.name, idx.name))
	}
	if idx.table != nil {
		panic(fmt.Errorf("index %q already belongs to table %s", idx.name, idx.table.name))
	}
	if idx.since < tbl.since {
		idx.since = tbl.since
	}
	idx.pos = len(tbl.indices)
	idx.table = tbl
	tbl.indices = append(tbl.indices, idx)
	tbl.indicesByName[idx.name] = idx
	tbl.schema.touchVersion(idx.since)
	return tbl
}

func (tbl *Table) Name() string {
	return tbl.name
}

// Since returns the schema version that created the table.
func (tbl *Table) Since() uint64 {
	return tbl.since
}

func (tbl *Table) Schema() *Schema {
	return tbl.schema
}

// PrimaryKey returns a pseudo-index over the primary key, usable with Where.
func (tbl *Table) PrimaryKey() *Index {
	return tbl.primary
}

func (tbl *Table) Indices() []*Index {
	return append([]*Index(nil), tbl.indices...)
}

func (tbl *Table) IndexNamed(name string) *Index {
	if name == tbl.keyName {
		return tbl.primary
	}
	return tbl.indicesByName[name]
}

func (tbl *Table) KeyType() reflect.Type {
	return tbl.keyField.Type
}

// KeyField returns the document field name holding the primary key.
func (tbl *Table) KeyField() string {
	return tbl.keyName
}

func (tbl *Table) SensitiveFields() []string {
	return tbl.sensitive
}

func (tbl *Table) IsSensitive(field string) bool {
	for _, f := range tbl.sensitive {
		if f == field {
			return true
		}
	}
	return false
}

// FieldType returns the Go type of the named document field.
func (tbl *Table) FieldType(field string) (reflect.Type, bool) {
	f, ok := tbl.fields[field]
	return f.Type, ok
}

func (tbl *Table) String() string {
	return tbl.name
}

func (tbl *Table) rowKeyVal(rowVal reflect.Value) reflect.Value {
	return reflect.Indirect(rowVal).FieldByIndex(tbl.keyField.Index)
}

func (tbl *Table) encodeKey(key any) ([]byte, error) {
	keyVal, err := tbl.keyEnc.coerce(key)
	if err != nil {
		return nil, err
	}
	if keyVal.IsZero() {
		return nil, ErrZeroKey
	}
	return tbl.keyEnc.encode(nil, keyVal), nil
}

func (tbl *Table) decodeKey(raw []byte) any {
	v, err := tbl.keyEnc.decodeAny(raw)
	if err != nil {
		return hexBytes(raw)
	}
	return v
}

func (tbl *Table) rootBucketIn(btx *bbolt.Tx) *bbolt.Bucket {
	return btx.Bucket(tbl.buck)
}

func (tbl *Table) checkRowType(row any) reflect.Value {
	val := reflect.ValueOf(row)
	if val.Type() != tbl.rowTypePtr {
		panic(fmt.Errorf("%s: expected %v, got %T", tbl.name, tbl.rowTypePtr, row))
	}
	if val.IsNil() {
		panic(fmt.Errorf("%s: nil row", tbl.name))
	}
	return val
}

func (tbl *Table) describeFields() string {
	return strings.Join(tbl.fieldNames, ",")
}
