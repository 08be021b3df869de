package ledgerdb

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// tableState is persisted per table. It assigns a never-reused ordinal to
// every index; values refer to index entries by ordinal.
type tableState struct {
	CreatedAt        uint64                 `msgpack:"v"`
	LastIndexOrdinal uint64                 `msgpack:"li"`
	Indices          map[string]*indexState `msgpack:"i"`
	LastSeen         time.Time              `msgpack:"t"`

	table            *Table                 `msgpack:"-"`
	indexStates      []*indexState          `msgpack:"-"`
	indexStatesByOrd map[uint64]*indexState `msgpack:"-"`
}

type indexState struct {
	index        *Index `msgpack:"-"`
	IndexOrdinal uint64 `msgpack:"o"`
	Built        bool   `msgpack:"f"`
	Since        uint64 `msgpack:"v"`
}

var tableStateKey = []byte("_state")

func (db *DB) tableState(tbl *Table) *tableState {
	return db.tableStates[tbl.pos]
}

func (ts *tableState) indexByOrdinal(ord uint64) *Index {
	is := ts.indexStatesByOrd[ord]
	if is == nil {
		return nil
	}
	return is.index
}

func (ts *tableState) isActive(idx *Index) bool {
	if idx.isPrimary {
		return true
	}
	return ts.indexStates[idx.pos] != nil
}

// loadTableState reads the persisted state of an existing table. Indexes of
// the schema that the store does not know yet stay inactive until the upgrade
// creates them.
func loadTableState(tableRootB *bbolt.Bucket, tbl *Table) (*tableState, error) {
	ts := &tableState{table: tbl}
	if raw := tableRootB.Get(tableStateKey); raw != nil {
		if err := unmarshal(raw, ts); err != nil {
			return nil, storageErr("load state", tbl, nil, err)
		}
	}
	if ts.Indices == nil {
		ts.Indices = make(map[string]*indexState)
	}
	ts.bind()
	return ts, nil
}

func (ts *tableState) bind() {
	tbl := ts.table
	ts.indexStates = make([]*indexState, len(tbl.indices))
	ts.indexStatesByOrd = make(map[uint64]*indexState)
	for name, is := range ts.Indices {
		idx := tbl.indicesByName[name]
		is.index = idx
		if idx != nil {
			ts.indexStates[idx.pos] = is
		}
		ts.indexStatesByOrd[is.IndexOrdinal] = is
	}
}

// createTable sets up the buckets of a table introduced at the current
// upgrade step.
func createTable(btx *bbolt.Tx, tbl *Table, ver uint64, now time.Time) (*tableState, error) {
	tableRootB, err := btx.CreateBucketIfNotExists(tbl.buck)
	if err != nil {
		return nil, storageErr("create", tbl, nil, err)
	}
	if _, err := tableRootB.CreateBucketIfNotExists(dataBucket); err != nil {
		return nil, storageErr("create", tbl, nil, err)
	}
	ts, err := loadTableState(tableRootB, tbl)
	if err != nil {
		return nil, err
	}
	ts.CreatedAt = ver
	ts.LastSeen = now
	return ts, nil
}

// addIndex creates the bucket and state of an index introduced at the
// current upgrade step. The index still has to be built.
func (ts *tableState) addIndex(tableRootB *bbolt.Bucket, idx *Index, ver uint64) (*indexState, error) {
	if is := ts.Indices[idx.name]; is != nil {
		return is, nil
	}
	if _, err := tableRootB.CreateBucketIfNotExists(idx.buck); err != nil {
		return nil, &StorageError{Op: "create index", Table: ts.table.name, Index: idx.name, Err: err}
	}
	ts.LastIndexOrdinal++
	is := &indexState{IndexOrdinal: ts.LastIndexOrdinal, Since: ver}
	ts.Indices[idx.name] = is
	ts.bind()
	return is, nil
}

func (ts *tableState) save(btx *bbolt.Tx, now time.Time) error {
	ts.LastSeen = now
	raw, err := marshal(ts)
	if err != nil {
		return fmt.Errorf("%s: encode state: %w", ts.table.name, err)
	}
	tableRootB := ts.table.rootBucketIn(btx)
	if tableRootB == nil {
		return storageErr("save state", ts.table, nil, ErrNotCreated)
	}
	return tableRootB.Put(tableStateKey, raw)
}

func (ts *tableState) unknownIndices() []string {
	var names []string
	for name, is := range ts.Indices {
		if is.index == nil {
			names = append(names, name)
		}
	}
	return names
}
