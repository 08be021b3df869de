package ledgerdb

import (
	"github.com/vmihailenco/msgpack/v5"
)

type TableStats struct {
	Rows      int
	IndexRows int

	DataSize   int
	DataAlloc  int
	IndexSize  int
	IndexAlloc int
}

func (ts *TableStats) TotalSize() int {
	return ts.DataSize + ts.IndexSize
}

func (ts *TableStats) TotalAlloc() int {
	return ts.DataAlloc + ts.IndexAlloc
}

func (tx *Tx) TableStats(tbl *Table) (TableStats, error) {
	if err := tx.checkTable("stats", tbl, false); err != nil {
		return TableStats{}, err
	}
	tableBuck := tbl.rootBucketIn(tx.btx)
	dataBuck := tableBuck.Bucket(dataBucket)
	bs := dataBuck.Stats()
	result := TableStats{
		Rows:      countKeys(dataBuck),
		DataSize:  bs.LeafInuse,
		DataAlloc: bs.BranchAlloc + bs.LeafAlloc,
	}

	ts := tx.state(tbl)
	for _, idx := range tbl.indices {
		if !ts.isActive(idx) {
			continue
		}
		idxBuck := tableBuck.Bucket(idx.buck)
		bs = idxBuck.Stats()
		result.IndexRows += countKeys(idxBuck)
		result.IndexSize += bs.LeafInuse
		result.IndexAlloc += bs.BranchAlloc + bs.LeafAlloc
	}
	return result, nil
}

// loggableRecord renders a document for debug logs. Sensitive fields are
// never rendered.
func loggableRecord(rec *Record) any {
	if rec == nil {
		return "<none>"
	}
	if rec.table.suppressContent {
		return "<suppressed>"
	}
	m := make(map[string]any, len(rec.fields))
	for name, raw := range rec.fields {
		if rec.table.IsSensitive(name) {
			m[name] = "<sensitive>"
			continue
		}
		var v any
		if err := msgpack.Unmarshal(raw, &v); err != nil {
			m[name] = "<undecodable>"
		} else {
			m[name] = v
		}
	}
	return m
}
