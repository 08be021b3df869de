package ledgerdb

import (
	"bytes"
	"encoding/binary"
	"sort"

	"go.etcd.io/bbolt"
)

// Stored value layout:
//
//	flags (uvarint), schema version (uvarint), modification count (uvarint),
//	data size (uvarint), index size (uvarint), data, index key records.
//
// Index key records list the index entries contributed by the row so that an
// update can remove the stale ones without recomputing the old row's keys:
//
//	count (uvarint), then for each entry: index ordinal (uvarint),
//	key length (uvarint), key bytes.
type valueFlags uint64

const (
	vfVer1          valueFlags = 1
	vfSupportedMask            = vfVer1
	vfDefault                  = vfVer1

	minValueSize = 5
)

type value struct {
	Flags     valueFlags
	SchemaVer uint64
	ModCount  uint64
	Data      []byte
	Index     []byte
}

func encodeValue(schemaVer, modCount uint64, data []byte, rows indexRows) []byte {
	index := appendIndexKeys(nil, rows)
	buf := make([]byte, 0, 5*binary.MaxVarintLen64+len(data)+len(index))
	buf = binary.AppendUvarint(buf, uint64(vfDefault))
	buf = binary.AppendUvarint(buf, schemaVer)
	buf = binary.AppendUvarint(buf, modCount)
	buf = binary.AppendUvarint(buf, uint64(len(data)))
	buf = binary.AppendUvarint(buf, uint64(len(index)))
	buf = append(buf, data...)
	return append(buf, index...)
}

func (vle *value) decode(data []byte) error {
	orig := data
	off := func() int { return len(orig) - len(data) }
	if len(data) < minValueSize {
		return dataErrf(orig, 0, nil, "invalid value: at least %d bytes required", minValueSize)
	}
	var fields [5]uint64
	for i := range fields {
		v, n := binary.Uvarint(data)
		if n <= 0 {
			return dataErrf(orig, off(), nil, "invalid value: bad header field %d", i)
		}
		fields[i], data = v, data[n:]
	}
	if valueFlags(fields[0])&^vfSupportedMask != 0 {
		return dataErrf(orig, 0, nil, "invalid value: unsupported flags %x", fields[0])
	}
	vle.Flags = valueFlags(fields[0])
	vle.SchemaVer = fields[1]
	vle.ModCount = fields[2]
	dataSize, indexSize := fields[3], fields[4]
	if uint64(len(data)) != dataSize+indexSize {
		return dataErrf(orig, off(), nil, "invalid value: got %d bytes for data+index, expected %d", len(data), dataSize+indexSize)
	}
	vle.Data, vle.Index = data[:dataSize], data[dataSize:]
	return nil
}

type indexRow struct {
	Index    *Index
	IndexOrd uint64
	ValueRaw []byte
	KeyRaw   []byte
}

type indexRows []indexRow

func (rows indexRows) sort() {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].IndexOrd != rows[j].IndexOrd {
			return rows[i].IndexOrd < rows[j].IndexOrd
		}
		return bytes.Compare(rows[i].KeyRaw, rows[j].KeyRaw) < 0
	})
}

func appendIndexKeys(buf []byte, rows indexRows) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(rows)))
	for _, row := range rows {
		buf = binary.AppendUvarint(buf, row.IndexOrd)
		buf = binary.AppendUvarint(buf, uint64(len(row.KeyRaw)))
		buf = append(buf, row.KeyRaw...)
	}
	return buf
}

func decodeIndexKeys(data []byte, f func(ord uint64, key []byte)) error {
	orig := data
	n, k := binary.Uvarint(data)
	if k <= 0 {
		return dataErrf(orig, 0, nil, "invalid index keys: bad count")
	}
	data = data[k:]
	for i := uint64(0); i < n; i++ {
		ord, k := binary.Uvarint(data)
		if k <= 0 {
			return dataErrf(orig, len(orig)-len(data), nil, "invalid index keys: bad ordinal")
		}
		data = data[k:]
		size, k := binary.Uvarint(data)
		if k <= 0 || uint64(len(data)-k) < size {
			return dataErrf(orig, len(orig)-len(data), nil, "invalid index keys: bad key size")
		}
		data = data[k:]
		f(ord, data[:size])
		data = data[size:]
	}
	return nil
}

type indexDiffer struct {
	newRows indexRows
}

// checkOldKey reports whether the old entry is still present among the new
// rows. Both sequences must be sorted by (ordinal, key).
func (d *indexDiffer) checkOldKey(oldOrd uint64, oldKey []byte) bool {
	for len(d.newRows) > 0 {
		newOrd := d.newRows[0].IndexOrd
		if oldOrd < newOrd {
			return false
		} else if oldOrd == newOrd {
			c := bytes.Compare(oldKey, d.newRows[0].KeyRaw)
			if c < 0 {
				return false
			} else if c == 0 {
				return true
			}
		}
		d.newRows = d.newRows[1:]
	}
	return false
}

func findRemovedIndexKeys(oldData []byte, newRows indexRows, removed func(ord uint64, key []byte)) error {
	d := indexDiffer{newRows}
	return decodeIndexKeys(oldData, func(ord uint64, key []byte) {
		if !d.checkOldKey(ord, key) {
			removed(ord, key)
		}
	})
}

func indexEntryDeleter(tableBuck *bbolt.Bucket, ts *tableState) func(ord uint64, key []byte) {
	var idxOrd uint64
	var idxBuck *bbolt.Bucket
	return func(ord uint64, key []byte) {
		if idxOrd != ord {
			idxOrd = ord
			if idx := ts.indexByOrdinal(ord); idx != nil {
				idxBuck = tableBuck.Bucket(idx.buck)
			} else {
				idxBuck = nil
			}
		}
		// entries of indexes that no longer exist are left alone
		if idxBuck != nil {
			ensure(idxBuck.Delete(key))
		}
	}
}
