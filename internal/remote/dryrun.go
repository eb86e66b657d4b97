package remote

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/marcus/csvmirror/internal/schema"
)

// DryPrefix marks ids invented by DryRun.
const DryPrefix = "dry_"

// DryRun passes reads through and answers mutations with synthetic results
// without touching the remote. Collections it pretends to create can be read
// back, so later stages of the same run still work.
type DryRun struct {
	inner  Accessor
	logger *slog.Logger
	seq    int
	colls  map[string]*Collection
	recs   map[string][]Record
}

// NewDryRun wraps acc. A nil logger uses slog.Default().
func NewDryRun(acc Accessor, logger *slog.Logger) *DryRun {
	if logger == nil {
		logger = slog.Default()
	}
	return &DryRun{
		inner:  acc,
		logger: logger,
		colls:  make(map[string]*Collection),
		recs:   make(map[string][]Record),
	}
}

func (d *DryRun) nextID(kind string) string {
	d.seq++
	return fmt.Sprintf("%s%s_%d", DryPrefix, kind, d.seq)
}

func isDry(id string) bool { return strings.HasPrefix(id, DryPrefix) }

func (d *DryRun) ListAll(ctx context.Context, collectionID string) ([]Record, error) {
	if isDry(collectionID) {
		return append([]Record(nil), d.recs[collectionID]...), nil
	}
	return d.inner.ListAll(ctx, collectionID)
}

func (d *DryRun) GetCollection(ctx context.Context, collectionID string) (*Collection, error) {
	if c, ok := d.colls[collectionID]; ok {
		return c, nil
	}
	return d.inner.GetCollection(ctx, collectionID)
}

func (d *DryRun) FindByExactField(ctx context.Context, collectionID, field string, t schema.FieldType, value string) (*Record, error) {
	if isDry(collectionID) {
		for _, r := range d.recs[collectionID] {
			if r.Text(field) == value {
				return &r, nil
			}
		}
		return nil, nil
	}
	return d.inner.FindByExactField(ctx, collectionID, field, t, value)
}

func (d *DryRun) FindCollectionsByName(ctx context.Context, name string) ([]CollectionRef, error) {
	refs, err := d.inner.FindCollectionsByName(ctx, name)
	if err != nil {
		return nil, err
	}
	for _, c := range d.colls {
		if c.Title == name {
			refs = append(refs, CollectionRef{ID: c.ID, Title: c.Title, LastEdited: c.LastEdited})
		}
	}
	SortRefs(refs)
	return refs, nil
}

func (d *DryRun) Create(ctx context.Context, collectionID string, props map[string]Value) (*Record, error) {
	rec := Record{ID: d.nextID("page"), Properties: props, LastEdited: time.Now()}
	d.logger.Info("dry-run create", "collection", collectionID, "id", rec.ID, "fields", propNames(props))
	if isDry(collectionID) {
		d.recs[collectionID] = append(d.recs[collectionID], rec)
	}
	return &rec, nil
}

func (d *DryRun) Update(ctx context.Context, recordID string, props map[string]Value) error {
	d.logger.Info("dry-run update", "record", recordID, "fields", propNames(props))
	return nil
}

func (d *DryRun) Archive(ctx context.Context, recordID string) error {
	d.logger.Info("dry-run archive", "record", recordID)
	return nil
}

func (d *DryRun) AddFields(ctx context.Context, collectionID string, fields map[string]FieldSpec) error {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	d.logger.Info("dry-run add fields", "collection", collectionID, "fields", names)
	if c, ok := d.colls[collectionID]; ok {
		for name, spec := range fields {
			c.Properties[name] = Property{Name: name, Type: spec.Type, Target: spec.Target, Options: spec.Options}
		}
	}
	return nil
}

func (d *DryRun) CreateCollection(ctx context.Context, parentID, title string, fields map[string]FieldSpec) (*Collection, error) {
	c := &Collection{
		ID:         d.nextID("collection"),
		Title:      title,
		Properties: make(map[string]Property, len(fields)),
		LastEdited: time.Now(),
	}
	for name, spec := range fields {
		c.Properties[name] = Property{Name: name, Type: spec.Type, Target: spec.Target, Options: spec.Options}
	}
	d.colls[c.ID] = c
	d.logger.Info("dry-run create collection", "parent", parentID, "title", title, "id", c.ID)
	return c, nil
}

func (d *DryRun) ArchiveCollection(ctx context.Context, collectionID string) error {
	d.logger.Info("dry-run archive collection", "collection", collectionID)
	return nil
}

func propNames(props map[string]Value) []string {
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
