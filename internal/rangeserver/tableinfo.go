package rangeserver

import (
	"sort"
	"sync"

	"github.com/cockroachdb/rangeserver/internal/rserr"
)

// Schema is the range server's view of a table's schema: the generation
// a write must be stamped with and the access groups ranges of this
// table should open.
type Schema struct {
	Generation   uint32
	AccessGroups []string
}

// TableInfo holds one table's identity, schema pointer, and the ranges
// of that table currently hosted by this server, indexed by end-row
//.
type TableInfo struct {
	ID     uint32
	Name   string

	mu      sync.RWMutex
	schema  *Schema
	ranges  map[string]*Range // end-row -> Range
	ordered []string          // end-rows sorted ascending, "" (unbounded) last
}

// NewTableInfo constructs an empty TableInfo.
func NewTableInfo(id uint32, name string, schema *Schema) *TableInfo {
	return &TableInfo{ID: id, Name: name, schema: schema, ranges: map[string]*Range{}}
}

// ShallowCopy returns a new TableInfo sharing this one's schema pointer
// but with no ranges, the form used to seed a replay map.
func (t *TableInfo) ShallowCopy() *TableInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return NewTableInfo(t.ID, t.Name, t.schema)
}

// Schema returns the table's current schema.
func (t *TableInfo) Schema() *Schema {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.schema
}

// SetSchema replaces the table's schema, e.g. after a generation-mismatch
// reload from the coordinator.
func (t *TableInfo) SetSchema(s *Schema) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.schema = s
}

func endRowLess(a, b string) bool {
	if a == "" {
		return false // unbounded sorts last
	}
	if b == "" {
		return true
	}
	return a < b
}

// AddRange inserts rng, keyed by its current end-row. Fails if another
// range already occupies that end-row in the live map.
func (t *TableInfo) AddRange(rng *Range) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	endRow := rng.Spec().EndRow
	if _, exists := t.ranges[endRow]; exists {
		return rserr.New(rserr.CodeRangeAlreadyLoaded, "range ending at %q already loaded for table %d", endRow, t.ID)
	}
	t.ranges[endRow] = rng
	t.ordered = append(t.ordered, endRow)
	sort.Slice(t.ordered, func(i, j int) bool { return endRowLess(t.ordered[i], t.ordered[j]) })
	return nil
}

// GetRange looks up the range ending at endRow.
func (t *TableInfo) GetRange(endRow string) (*Range, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.ranges[endRow]
	return r, ok
}

// RemoveRange drops the range ending at endRow, reporting whether one was
// present.
func (t *TableInfo) RemoveRange(endRow string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.ranges[endRow]; !ok {
		return false
	}
	delete(t.ranges, endRow)
	for i, e := range t.ordered {
		if e == endRow {
			t.ordered = append(t.ordered[:i], t.ordered[i+1:]...)
			break
		}
	}
	return true
}

// FindRange returns the range containing row, if any, via binary search
// over the ordered end-rows (start_row exclusive, end_row inclusive,
// ).
func (t *TableInfo) FindRange(row string) (*Range, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := sort.Search(len(t.ordered), func(i int) bool {
		e := t.ordered[i]
		return e == "" || row <= e
	})
	if n >= len(t.ordered) {
		return nil, false
	}
	r := t.ranges[t.ordered[n]]
	if !r.Belongs(row) {
		return nil, false
	}
	return r, true
}

// Ranges returns a snapshot slice of every range currently in the table.
func (t *TableInfo) Ranges() []*Range {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Range, 0, len(t.ordered))
	for _, e := range t.ordered {
		out = append(out, t.ranges[e])
	}
	return out
}

// TableInfoMap is the concurrent table-id -> TableInfo mapping every
// foreground operation consults.
type TableInfoMap struct {
	mu     sync.RWMutex
	tables map[uint32]*TableInfo
}

// NewTableInfoMap returns an empty map.
func NewTableInfoMap() *TableInfoMap {
	return &TableInfoMap{tables: map[uint32]*TableInfo{}}
}

// Get looks up a table by id.
func (m *TableInfoMap) Get(tableID uint32) (*TableInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[tableID]
	return t, ok
}

// GetOrCreate returns the existing TableInfo for tableID, or inserts and
// returns a new one using name/schema. The bool reports whether a new
// entry was created. Used by load_range's double-checked insert-or-get
//.
func (m *TableInfoMap) GetOrCreate(tableID uint32, name string, schema *Schema) (*TableInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tables[tableID]; ok {
		return t, false
	}
	t := NewTableInfo(tableID, name, schema)
	m.tables[tableID] = t
	return t, true
}

// Put installs ti, overwriting any existing entry for its id.
func (m *TableInfoMap) Put(ti *TableInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[ti.ID] = ti
}

// Remove drops the table entirely.
func (m *TableInfoMap) Remove(tableID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables, tableID)
}

// Merge folds other's tables into m, table by table: for tables present
// in both, other's ranges are added to m's TableInfo; tables present only
// in other are inserted wholesale. ReplayCommit uses it to publish a
// replay session's map into the live map.
func (m *TableInfoMap) Merge(other *TableInfoMap) error {
	other.mu.RLock()
	snapshot := make(map[uint32]*TableInfo, len(other.tables))
	for id, t := range other.tables {
		snapshot[id] = t
	}
	other.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, replayed := range snapshot {
		live, ok := m.tables[id]
		if !ok {
			m.tables[id] = replayed
			continue
		}
		for _, rng := range replayed.Ranges() {
			if err := live.AddRange(rng); err != nil {
				return err
			}
		}
	}
	return nil
}

// Snapshot returns a stable slice of every TableInfo currently live, the
// form scans and updates consult without holding the map lock for the
// duration of the request.
func (m *TableInfoMap) Snapshot() []*TableInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*TableInfo, 0, len(m.tables))
	for _, t := range m.tables {
		out = append(out, t)
	}
	return out
}
