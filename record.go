package ledgerdb

import (
	"encoding"
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

var (
	textMarshalerType   = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
	textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()
)

// Record is the document form of a row: a map from msgpack field names to
// their encoded values. Middleware and migrations work on records, which lets
// a field hold a value of a different shape than its Go type (for example,
// an encrypted envelope in place of a string).
type Record struct {
	table  *Table
	key    any
	fields map[string]msgpack.RawMessage
}

func newRecord(tbl *Table, key any, fields map[string]msgpack.RawMessage) *Record {
	return &Record{table: tbl, key: key, fields: fields}
}

func recordFromRow(tbl *Table, rowVal reflect.Value) (*Record, error) {
	data, err := encodeRowVal(rowVal)
	if err != nil {
		return nil, err
	}
	fields, err := decodeFieldMap(data)
	if err != nil {
		return nil, err
	}
	return newRecord(tbl, tbl.rowKeyVal(rowVal).Interface(), fields), nil
}

func decodeRecord(tbl *Table, keyRaw, data []byte) (*Record, error) {
	fields, err := decodeFieldMap(data)
	if err != nil {
		return nil, err
	}
	return newRecord(tbl, tbl.decodeKey(keyRaw), fields), nil
}

func (rec *Record) Table() *Table {
	return rec.table
}

// Key returns the primary key of the record.
func (rec *Record) Key() any {
	return rec.key
}

func (rec *Record) Names() []string {
	names := make([]string, 0, len(rec.fields))
	for k := range rec.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (rec *Record) Has(name string) bool {
	_, ok := rec.fields[name]
	return ok
}

func (rec *Record) Raw(name string) msgpack.RawMessage {
	return rec.fields[name]
}

func (rec *Record) SetRaw(name string, raw msgpack.RawMessage) {
	rec.fields[name] = raw
}

func (rec *Record) Delete(name string) {
	delete(rec.fields, name)
}

// Get decodes the named field into v.
func (rec *Record) Get(name string, v any) error {
	raw, ok := rec.fields[name]
	if !ok {
		return fmt.Errorf("%s: no field %q", rec.table.name, name)
	}
	return msgpack.Unmarshal(raw, v)
}

// Set encodes v into the named field.
func (rec *Record) Set(name string, v any) error {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s.%s: %w", rec.table.name, name, err)
	}
	rec.fields[name] = raw
	return nil
}

func (rec *Record) fieldType(name string) (reflect.Type, error) {
	ft, ok := rec.table.FieldType(name)
	if !ok {
		return nil, fmt.Errorf("%s: unknown field %q", rec.table.name, name)
	}
	return ft, nil
}

// Text returns the string form of a field holding a primitive value of its
// Go type: a string, a number, a bool, or a type with text marshaling such as
// decimal amounts and timestamps. ok is false when the field is absent, nil,
// or holds something else.
func (rec *Record) Text(name string) (s string, ok bool, err error) {
	raw, present := rec.fields[name]
	if !present || isNilRaw(raw) {
		return "", false, nil
	}
	ft, err := rec.fieldType(name)
	if err != nil {
		return "", false, err
	}
	if !isTextual(ft) {
		return "", false, nil
	}
	ptr := reflect.New(ft)
	if err := msgpack.Unmarshal(raw, ptr.Interface()); err != nil {
		return "", false, nil
	}
	s, err = formatText(ptr.Elem())
	if err != nil {
		return "", false, fmt.Errorf("%s.%s: %w", rec.table.name, name, err)
	}
	return s, true, nil
}

// SetText parses s as the field's Go type and stores the result.
func (rec *Record) SetText(name, s string) error {
	ft, err := rec.fieldType(name)
	if err != nil {
		return err
	}
	ptr := reflect.New(ft)
	if err := parseText(ptr.Elem(), s); err != nil {
		return fmt.Errorf("%s.%s: %w", rec.table.name, name, err)
	}
	return rec.Set(name, ptr.Elem().Interface())
}

// decodes reports whether the raw field value decodes as the field's Go type.
func (rec *Record) decodes(name string) bool {
	raw := rec.fields[name]
	ft, ok := rec.table.FieldType(name)
	if !ok {
		return false
	}
	if isNilRaw(raw) {
		return true
	}
	return msgpack.Unmarshal(raw, reflect.New(ft).Interface()) == nil
}

func (rec *Record) encode() ([]byte, error) {
	return encodeFieldMap(rec.fields)
}

// decodeRow decodes the record into a new row, leaving out the named fields.
func (rec *Record) decodeRow(skip func(name string) bool) (reflect.Value, error) {
	fields := rec.fields
	if skip != nil {
		fields = make(map[string]msgpack.RawMessage, len(rec.fields))
		for k, v := range rec.fields {
			if !skip(k) {
				fields[k] = v
			}
		}
	}
	data, err := encodeFieldMap(fields)
	if err != nil {
		return reflect.Value{}, err
	}
	rowVal := reflect.New(rec.table.rowType)
	if err := unmarshal(data, rowVal.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return rowVal, nil
}

// indexView decodes the row that indexers see: sensitive fields are omitted.
func (rec *Record) indexView() (reflect.Value, error) {
	return rec.decodeRow(rec.table.IsSensitive)
}

func isNilRaw(raw msgpack.RawMessage) bool {
	return len(raw) == 0 || (len(raw) == 1 && raw[0] == msgpcode.Nil)
}

func isTextual(t reflect.Type) bool {
	if t.Implements(textMarshalerType) && reflect.PointerTo(t).Implements(textUnmarshalerType) {
		return true
	}
	switch t.Kind() {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}

func formatText(v reflect.Value) (string, error) {
	if m, ok := v.Interface().(encoding.TextMarshaler); ok {
		b, err := m.MarshalText()
		return string(b), err
	}
	switch v.Kind() {
	case reflect.String:
		return v.String(), nil
	case reflect.Bool:
		return strconv.FormatBool(v.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(v.Uint(), 10), nil
	case reflect.Float32:
		return strconv.FormatFloat(v.Float(), 'g', -1, 32), nil
	case reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64), nil
	default:
		return "", fmt.Errorf("%v is not a primitive type", v.Type())
	}
}

func parseText(v reflect.Value, s string) error {
	if u, ok := v.Addr().Interface().(encoding.TextUnmarshaler); ok {
		return u.UnmarshalText([]byte(s))
	}
	switch v.Kind() {
	case reflect.String:
		v.SetString(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetFloat(f)
	default:
		return fmt.Errorf("%v is not a primitive type", v.Type())
	}
	return nil
}
