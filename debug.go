package ledgerdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"go.etcd.io/bbolt"
)

type DumpFlags uint64

const (
	DumpTableHeaders = DumpFlags(1 << iota)
	DumpRows
	DumpStats
	DumpIndices
	DumpIndexRows

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the tables of the transaction's scope for debugging. Rows are
// shown as stored, with sensitive fields masked.
func (tx *Tx) Dump(f DumpFlags) string {
	var buf strings.Builder
	for _, tbl := range tx.db.schema.tables {
		if !tx.inScope(tbl) || tx.state(tbl) == nil {
			continue
		}
		tx.dumpTable(&buf, f, tbl)
	}
	return buf.String()
}

func (tx *Tx) dumpTable(w *strings.Builder, f DumpFlags, tbl *Table) {
	prefix := tbl.Name()
	s, err := tx.TableStats(tbl)
	if err != nil {
		fmt.Fprintf(w, "%s ** ERROR: %v\n", prefix, err)
		return
	}
	ts := tx.state(tbl)

	if f.Contains(DumpTableHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d rows)\n", prefix, s.Rows)
	}
	if f.Contains(DumpStats) {
		fmt.Fprintf(w, "%s.stats: index_rows = %d, data_size = %d, data_alloc = %d, index_size = %d, index_alloc = %d, total_alloc = %d\n", prefix, s.IndexRows, s.DataSize, s.DataAlloc, s.IndexSize, s.IndexAlloc, s.TotalAlloc())
	}

	rootB := tbl.rootBucketIn(tx.btx)

	if f.Contains(DumpRows) {
		if f.Contains(DumpStats) {
			fmt.Fprintln(w, dumpSep2)
		}
		c := rootB.Bucket(dataBucket).Cursor()
		var rowPos int
		for k, v := c.First(); k != nil; k, v = c.Next() {
			rowPos++
			dumpRow(w, prefix, tbl, rowPos, k, v)
		}
	}

	if f.Contains(DumpIndices) {
		for _, idx := range tbl.indices {
			dumpIndex(w, prefix, f, idx, ts, rootB)
		}
	}
}

func dumpIndex(w *strings.Builder, prefix string, f DumpFlags, idx *Index, ts *tableState, rootB *bbolt.Bucket) {
	fmt.Fprintln(w, dumpSep2)
	prefix = prefix + ".i." + idx.ShortName()
	is := ts.indexStates[idx.pos]
	if is == nil {
		fmt.Fprintf(w, "%s NOT CREATED (since v%d)\n", prefix, idx.since)
		return
	}
	fmt.Fprintf(w, "%s (0x%x)%s\n", prefix, is.IndexOrdinal, map[bool]string{false: " PENDING", true: ""}[is.Built])

	if f.Contains(DumpIndexRows) {
		c := idx.bucketIn(rootB).Cursor()
		var rowPos int
		for k, v := c.First(); k != nil; k, v = c.Next() {
			rowPos++
			dumpIndexRow(w, prefix, idx, rowPos, k, v)
		}
	}
}

func dumpRow(w *strings.Builder, prefix string, tbl *Table, rowPos int, k, v []byte) {
	var vle value
	if err := vle.decode(v); err != nil {
		fmt.Fprintf(w, "%s.%d = ** ERROR: %v\n", prefix, rowPos, err)
		return
	}
	rec, err := decodeRecord(tbl, k, vle.Data)
	if err != nil {
		fmt.Fprintf(w, "%s.%d = (m%d s%d) ** ERROR: %v\n", prefix, rowPos, vle.ModCount, vle.SchemaVer, err)
		return
	}
	fmt.Fprintf(w, "%s.%d = (m%d s%d) %s\n", prefix, rowPos, vle.ModCount, vle.SchemaVer, dumpJSON(loggableRecord(rec)))
}

func dumpJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "** ERROR: " + err.Error()
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

func dumpIndexRow(w *strings.Builder, prefix string, idx *Index, rowPos int, k, v []byte) {
	valueRaw, pkRaw, err := idx.splitEntry(k, v)
	if err != nil {
		fmt.Fprintf(w, "%s.%d: ** ERROR: %v\n", prefix, rowPos, err)
		return
	}
	val, err := idx.keyEnc.decodeAny(valueRaw)
	if err != nil {
		fmt.Fprintf(w, "%s.%d: %s => %v\n", prefix, rowPos, hexstr(valueRaw), idx.table.decodeKey(pkRaw))
		return
	}
	fmt.Fprintf(w, "%s.%d: %v => %v\n", prefix, rowPos, val, idx.table.decodeKey(pkRaw))
}
