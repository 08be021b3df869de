package ledgerdb

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// marshal encodes v with msgpack, sorting map keys so that equal values
// produce equal bytes.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshal(data []byte, v any) error {
	dec := msgpack.GetDecoder()
	dec.Reset(bytes.NewReader(data))
	err := dec.Decode(v)
	msgpack.PutDecoder(dec)
	if err != nil {
		return dataErrf(data, 0, err, "decode msgpack into %T", v)
	}
	return nil
}

func encodeRowVal(rowVal reflect.Value) ([]byte, error) {
	raw, err := marshal(rowVal.Interface())
	if err != nil {
		return nil, fmt.Errorf("encode %v: %w", rowVal.Type(), err)
	}
	return raw, nil
}

// encodeFieldMap encodes a document with sorted keys, writing raw field
// values verbatim.
func encodeFieldMap(fields map[string]msgpack.RawMessage) ([]byte, error) {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeMapLen(len(names)); err != nil {
		return nil, err
	}
	for _, name := range names {
		if err := enc.EncodeString(name); err != nil {
			return nil, err
		}
		if err := enc.Encode(fields[name]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeFieldMap(data []byte) (map[string]msgpack.RawMessage, error) {
	fields := make(map[string]msgpack.RawMessage)
	if err := unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
