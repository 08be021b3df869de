package ledgerdb

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

var (
	dataBucket     = []byte("data")
	metaBucket     = []byte("_meta")
	settingsBucket = []byte("_settings")
	versionKey     = []byte("version")
)

// Schema describes the tables of a store and the version steps that bring a
// store from an older layout to the current one. Schemas are usually built
// once at package init time.
type Schema struct {
	tables            []*Table
	tablesByLowerName map[string]*Table
	tablesByRowType   map[reflect.Type]*Table
	versions          map[uint64]*version
	maxVersion        uint64
}

func NewSchema() *Schema {
	return &Schema{
		tablesByLowerName: make(map[string]*Table),
		tablesByRowType:   make(map[reflect.Type]*Table),
		versions:          make(map[uint64]*version),
	}
}

func (scm *Schema) Tables() []*Table {
	return append([]*Table(nil), scm.tables...)
}

func (scm *Schema) TableNamed(name string) *Table {
	return scm.tablesByLowerName[strings.ToLower(name)]
}

func (scm *Schema) TableByRowType(rt reflect.Type) *Table {
	if rt.Kind() == reflect.Ptr {
		rt = rt.Elem()
	}
	tbl := scm.tablesByRowType[rt]
	if tbl == nil {
		panic(fmt.Errorf("no table defined for row type %v", rt))
	}
	return tbl
}

// Version returns the latest version number known to the schema.
func (scm *Schema) Version() uint64 {
	return scm.maxVersion
}

// Versions returns all version numbers that declare tables, indexes or
// transforms, in ascending order.
func (scm *Schema) Versions() []uint64 {
	result := make([]uint64, 0, len(scm.versions))
	for v := range scm.versions {
		result = append(result, v)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

func (scm *Schema) addTable(tbl *Table) {
	if strings.HasPrefix(tbl.name, "_") {
		panic(fmt.Errorf("table name %q: names starting with an underscore are reserved", tbl.name))
	}
	lower := strings.ToLower(tbl.name)
	if scm.tablesByLowerName[lower] != nil {
		panic(fmt.Errorf("duplicate table %s", tbl.name))
	}
	if scm.tablesByRowType[tbl.rowType] != nil {
		panic(fmt.Errorf("duplicate table row type %v", tbl.rowType))
	}
	tbl.pos = len(scm.tables)
	scm.tables = append(scm.tables, tbl)
	scm.tablesByLowerName[lower] = tbl
	scm.tablesByRowType[tbl.rowType] = tbl
	scm.touchVersion(tbl.since)
}

func (scm *Schema) touchVersion(v uint64) *version {
	if v == 0 {
		panic("schema versions start at 1")
	}
	ver := scm.versions[v]
	if ver == nil {
		ver = &version{number: v}
		scm.versions[v] = ver
	}
	if v > scm.maxVersion {
		scm.maxVersion = v
	}
	return ver
}

func tableOf[Row any](scm *Schema) *Table {
	return scm.TableByRowType(reflect.TypeOf((*Row)(nil)).Elem())
}
