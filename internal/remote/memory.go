package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marcus/csvmirror/internal/schema"
)

// Op names an accessor operation for failure injection and call counting.
type Op string

const (
	OpList             Op = "list"
	OpGet              Op = "get"
	OpFind             Op = "find"
	OpSearch           Op = "search"
	OpCreate           Op = "create"
	OpUpdate           Op = "update"
	OpArchive          Op = "archive"
	OpAddFields        Op = "add_fields"
	OpCreateCollection Op = "create_collection"
	OpArchiveColl      Op = "archive_collection"
)

// Memory is an in-process Accessor with the remote store's semantics:
// archived records are excluded from listings, schema changes are additive
// and every write bumps the record's edit time.
type Memory struct {
	mu      sync.Mutex
	seq     int
	clock   time.Time
	colls   map[string]*memColl
	records map[string]*memRecord
	calls   map[Op]int

	// Fail, when set, is consulted before every operation; a non-nil error
	// is returned instead of performing it.
	Fail func(op Op, id string) error
	// BeforeCreate runs just before a record is created, outside the lock,
	// so it can write to the store as a second writer would.
	BeforeCreate func(collectionID string, props map[string]Value)
}

type memColl struct {
	coll     Collection
	archived bool
	order    []string
}

type memRecord struct {
	collID string
	rec    Record
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		clock:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		colls:   make(map[string]*memColl),
		records: make(map[string]*memRecord),
		calls:   make(map[Op]int),
	}
}

func (m *Memory) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *Memory) id(kind string) string {
	m.seq++
	return fmt.Sprintf("%s-%04d", kind, m.seq)
}

func (m *Memory) enter(op Op, id string) error {
	m.calls[op]++
	if m.Fail != nil {
		return m.Fail(op, id)
	}
	return nil
}

// Calls returns how many times op was invoked.
func (m *Memory) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// ResetCalls zeroes the call counters.
func (m *Memory) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = make(map[Op]int)
}

// AddCollection registers a collection directly and returns its id.
func (m *Memory) AddCollection(title string, fields map[string]FieldSpec) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addCollection(title, fields)
}

func (m *Memory) addCollection(title string, fields map[string]FieldSpec) string {
	c := &memColl{coll: Collection{
		ID:         m.id("coll"),
		Title:      title,
		Properties: make(map[string]Property, len(fields)),
		LastEdited: m.tick(),
	}}
	for name, spec := range fields {
		c.coll.Properties[name] = Property{Name: name, Type: spec.Type, Target: spec.Target, Options: spec.Options}
	}
	m.colls[c.coll.ID] = c
	return c.coll.ID
}

// Seed inserts a record with an explicit edit time and returns its id.
func (m *Memory) Seed(collectionID string, props map[string]Value, edited time.Time) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.colls[collectionID]
	if c == nil {
		panic("seed into unknown collection " + collectionID)
	}
	id := m.id("page")
	m.records[id] = &memRecord{collID: collectionID, rec: Record{ID: id, Properties: cloneProps(props), LastEdited: edited}}
	c.order = append(c.order, id)
	return id
}

// SeedWithID inserts a record under a caller-chosen id.
func (m *Memory) SeedWithID(collectionID, id string, props map[string]Value, edited time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.colls[collectionID]
	if c == nil {
		panic("seed into unknown collection " + collectionID)
	}
	m.records[id] = &memRecord{collID: collectionID, rec: Record{ID: id, Properties: cloneProps(props), LastEdited: edited}}
	c.order = append(c.order, id)
}

// Record returns a record by id, archived or not.
func (m *Memory) Record(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return Record{}, false
	}
	return copyRecord(r.rec), true
}

// Live returns the live records of a collection in insertion order.
func (m *Memory) Live(collectionID string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live(collectionID)
}

func (m *Memory) live(collectionID string) []Record {
	c := m.colls[collectionID]
	if c == nil {
		return nil
	}
	var out []Record
	for _, id := range c.order {
		r := m.records[id]
		if !r.rec.Archived {
			out = append(out, copyRecord(r.rec))
		}
	}
	return out
}

func (m *Memory) ListAll(ctx context.Context, collectionID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpList, collectionID); err != nil {
		return nil, err
	}
	c := m.colls[collectionID]
	if c == nil || c.archived {
		return nil, fmt.Errorf("collection %s: %w", collectionID, ErrNotFound)
	}
	return m.live(collectionID), nil
}

func (m *Memory) GetCollection(ctx context.Context, collectionID string) (*Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpGet, collectionID); err != nil {
		return nil, err
	}
	c := m.colls[collectionID]
	if c == nil || c.archived {
		return nil, fmt.Errorf("collection %s: %w", collectionID, ErrNotFound)
	}
	out := c.coll
	out.Properties = make(map[string]Property, len(c.coll.Properties))
	for k, v := range c.coll.Properties {
		out.Properties[k] = v
	}
	return &out, nil
}

func (m *Memory) FindByExactField(ctx context.Context, collectionID, field string, t schema.FieldType, value string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpFind, collectionID); err != nil {
		return nil, err
	}
	if m.colls[collectionID] == nil {
		return nil, fmt.Errorf("collection %s: %w", collectionID, ErrNotFound)
	}
	for _, r := range m.live(collectionID) {
		if r.Text(field) == value {
			return &r, nil
		}
	}
	return nil, nil
}

func (m *Memory) FindCollectionsByName(ctx context.Context, name string) ([]CollectionRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpSearch, name); err != nil {
		return nil, err
	}
	var refs []CollectionRef
	for _, c := range m.colls {
		if !c.archived && c.coll.Title == name {
			refs = append(refs, CollectionRef{ID: c.coll.ID, Title: c.coll.Title, LastEdited: c.coll.LastEdited})
		}
	}
	SortRefs(refs)
	return refs, nil
}

func (m *Memory) Create(ctx context.Context, collectionID string, props map[string]Value) (*Record, error) {
	if hook := m.BeforeCreate; hook != nil {
		hook(collectionID, props)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpCreate, collectionID); err != nil {
		return nil, err
	}
	c := m.colls[collectionID]
	if c == nil || c.archived {
		return nil, fmt.Errorf("collection %s: %w", collectionID, ErrNotFound)
	}
	if err := checkProps(&c.coll, props); err != nil {
		return nil, err
	}
	id := m.id("page")
	rec := Record{ID: id, Properties: cloneProps(props), LastEdited: m.tick()}
	m.records[id] = &memRecord{collID: collectionID, rec: rec}
	c.order = append(c.order, id)
	out := copyRecord(rec)
	return &out, nil
}

func (m *Memory) Update(ctx context.Context, recordID string, props map[string]Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpUpdate, recordID); err != nil {
		return err
	}
	r := m.records[recordID]
	if r == nil {
		return fmt.Errorf("record %s: %w", recordID, ErrNotFound)
	}
	if r.rec.Archived {
		return fmt.Errorf("record %s is archived: %w", recordID, ErrValidation)
	}
	if err := checkProps(&m.colls[r.collID].coll, props); err != nil {
		return err
	}
	if r.rec.Properties == nil {
		r.rec.Properties = make(map[string]Value, len(props))
	}
	for name, v := range props {
		r.rec.Properties[name] = cloneValue(v)
	}
	r.rec.LastEdited = m.tick()
	return nil
}

func (m *Memory) Archive(ctx context.Context, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpArchive, recordID); err != nil {
		return err
	}
	r := m.records[recordID]
	if r == nil {
		return fmt.Errorf("record %s: %w", recordID, ErrNotFound)
	}
	r.rec.Archived = true
	r.rec.LastEdited = m.tick()
	return nil
}

func (m *Memory) AddFields(ctx context.Context, collectionID string, fields map[string]FieldSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpAddFields, collectionID); err != nil {
		return err
	}
	c := m.colls[collectionID]
	if c == nil || c.archived {
		return fmt.Errorf("collection %s: %w", collectionID, ErrNotFound)
	}
	for name, spec := range fields {
		if !spec.Type.Creatable() {
			return fmt.Errorf("field %q (%s): %w", name, spec.Type, ErrUnsupportedField)
		}
	}
	for name, spec := range fields {
		c.coll.Properties[name] = Property{Name: name, Type: spec.Type, Target: spec.Target, Options: spec.Options}
	}
	c.coll.LastEdited = m.tick()
	return nil
}

func (m *Memory) CreateCollection(ctx context.Context, parentID, title string, fields map[string]FieldSpec) (*Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpCreateCollection, parentID); err != nil {
		return nil, err
	}
	titles := 0
	for name, spec := range fields {
		switch {
		case spec.Type == schema.FieldTitle:
			titles++
		case !spec.Type.Creatable():
			return nil, fmt.Errorf("field %q (%s): %w", name, spec.Type, ErrUnsupportedField)
		}
	}
	if titles != 1 {
		return nil, fmt.Errorf("collection needs exactly one title field, got %d: %w", titles, ErrValidation)
	}
	id := m.addCollection(title, fields)
	out := m.colls[id].coll
	return &out, nil
}

func (m *Memory) ArchiveCollection(ctx context.Context, collectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpArchiveColl, collectionID); err != nil {
		return err
	}
	c := m.colls[collectionID]
	if c == nil {
		return fmt.Errorf("collection %s: %w", collectionID, ErrNotFound)
	}
	c.archived = true
	return nil
}

// Titles returns the titles of every live collection, sorted.
func (m *Memory) Titles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.colls {
		if !c.archived {
			out = append(out, c.coll.Title)
		}
	}
	sort.Strings(out)
	return out
}

func checkProps(c *Collection, props map[string]Value) error {
	for name, v := range props {
		p, ok := c.Properties[name]
		if !ok {
			return fmt.Errorf("property %q is not a property of %s: %w", name, c.Title, ErrValidation)
		}
		if p.Type != v.Type {
			return fmt.Errorf("property %q is %s, got %s value: %w", name, p.Type, v.Type, ErrValidation)
		}
	}
	return nil
}

func cloneValue(v Value) Value {
	v.Names = append([]string(nil), v.Names...)
	v.IDs = append([]string(nil), v.IDs...)
	if v.Number != nil {
		n := *v.Number
		v.Number = &n
	}
	return v
}

func cloneProps(props map[string]Value) map[string]Value {
	out := make(map[string]Value, len(props))
	for k, v := range props {
		out[k] = cloneValue(v)
	}
	return out
}

func copyRecord(r Record) Record {
	r.Properties = cloneProps(r.Properties)
	return r
}
