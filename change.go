package ledgerdb

import (
	"fmt"
	"sort"
)

type (
	// Change describes a single write made by a transaction.
	Change struct {
		table   *Table
		setting string
		op      Op
		rawKey  []byte
		key     any
	}

	Op int
)

const (
	OpNone   Op = 0
	OpPut    Op = 1
	OpDelete Op = 2
	OpClear  Op = 3
)

func (chg *Change) Table() *Table {
	return chg.table
}

// Setting returns the name of the changed setting, or "" for table changes.
func (chg *Change) Setting() string {
	return chg.setting
}

func (chg *Change) Op() Op {
	return chg.op
}

func (chg *Change) RawKey() []byte {
	return chg.rawKey
}

func (chg *Change) Key() any {
	return chg.key
}

func (chg Change) String() string {
	if chg.table == nil {
		return fmt.Sprintf("%v setting %s", chg.op, chg.setting)
	}
	if chg.op == OpClear {
		return fmt.Sprintf("%v %s", chg.op, chg.table.name)
	}
	return fmt.Sprintf("%v %s/%v", chg.op, chg.table.name, chg.key)
}

func (v Op) String() string {
	switch v {
	case OpNone:
		return "none"
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	case OpClear:
		return "clear"
	default:
		return fmt.Sprintf("invalid op %d", int(v))
	}
}

// ChangeSet is the list of writes of one committed transaction.
type ChangeSet struct {
	changes  []Change
	tables   map[*Table]bool
	settings bool
}

func newChangeSet(changes []Change) *ChangeSet {
	cs := &ChangeSet{
		changes: changes,
		tables:  make(map[*Table]bool),
	}
	for _, chg := range changes {
		if chg.table != nil {
			cs.tables[chg.table] = true
		} else {
			cs.settings = true
		}
	}
	return cs
}

func (cs *ChangeSet) Changes() []Change {
	return cs.changes
}

func (cs *ChangeSet) Len() int {
	return len(cs.changes)
}

// Affects reports whether the transaction wrote to tbl.
func (cs *ChangeSet) Affects(tbl *Table) bool {
	return cs.tables[tbl]
}

func (cs *ChangeSet) AffectsSettings() bool {
	return cs.settings
}

// Tables returns the names of the written tables in sorted order.
func (cs *ChangeSet) Tables() []string {
	names := make([]string, 0, len(cs.tables))
	for tbl := range cs.tables {
		names = append(names, tbl.name)
	}
	sort.Strings(names)
	return names
}
