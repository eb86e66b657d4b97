// Package remote defines the contract between the reconciliation stages and
// the remote document store, plus decorators and an in-process store.
package remote

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/marcus/csvmirror/internal/keynorm"
	"github.com/marcus/csvmirror/internal/schema"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized: check NOTION_TOKEN")
	ErrRateLimited      = errors.New("rate limited by remote")
	ErrUnsupportedField = errors.New("field type cannot be created through the API")
	ErrValidation       = errors.New("rejected by remote")
	ErrServer           = errors.New("remote request failed")

	// ErrNoParent is returned when a collection must be created but no parent
	// page is configured.
	ErrNoParent = errors.New("no parent page configured: set NOTION_PARENT_PAGE_ID")
)

// Accessor is the set of remote operations every stage is written against.
// ListAll must drain pagination completely and never return partial results.
type Accessor interface {
	ListAll(ctx context.Context, collectionID string) ([]Record, error)
	GetCollection(ctx context.Context, collectionID string) (*Collection, error)
	FindByExactField(ctx context.Context, collectionID, field string, t schema.FieldType, value string) (*Record, error)
	Create(ctx context.Context, collectionID string, props map[string]Value) (*Record, error)
	Update(ctx context.Context, recordID string, props map[string]Value) error
	Archive(ctx context.Context, recordID string) error
	// AddFields adds fields to a collection. Naming an existing field
	// reconfigures it, which is how relations are repointed.
	AddFields(ctx context.Context, collectionID string, fields map[string]FieldSpec) error
	// FindCollectionsByName returns collections whose title equals name,
	// most recently edited first.
	FindCollectionsByName(ctx context.Context, name string) ([]CollectionRef, error)
	CreateCollection(ctx context.Context, parentID, title string, fields map[string]FieldSpec) (*Collection, error)
	ArchiveCollection(ctx context.Context, collectionID string) error
}

// Record is one remote record as seen during a single pass.
type Record struct {
	ID         string
	Properties map[string]Value
	LastEdited time.Time
	Archived   bool
}

// Text returns the plain text of a property, or "" when it is missing.
func (r *Record) Text(field string) string {
	v, ok := r.Properties[field]
	if !ok {
		return ""
	}
	return v.PlainText()
}

// Key returns the natural key of the record within coll.
func (r *Record) Key(coll *schema.Collection) string {
	return keynorm.Normalize(coll.KeyNormalization(), r.Text(coll.KeyField))
}

// Property is one field of a collection's live schema.
type Property struct {
	Name    string
	Type    schema.FieldType
	Target  string // relation target collection id
	Options []string
}

// Collection is a remote collection with its live schema.
type Collection struct {
	ID         string
	Title      string
	Properties map[string]Property
	LastEdited time.Time
}

// TitleField returns the name of the collection's title field.
func (c *Collection) TitleField() string {
	for name, p := range c.Properties {
		if p.Type == schema.FieldTitle {
			return name
		}
	}
	return ""
}

// CollectionRef identifies a collection found by search.
type CollectionRef struct {
	ID         string
	Title      string
	LastEdited time.Time
}

// FieldSpec is the configuration of a field to add or create.
type FieldSpec struct {
	Type    schema.FieldType
	Target  string // relation target collection id
	Options []string
}

// FindCollectionByName returns the most recently edited collection titled
// name, and how many exact matches exist.
func FindCollectionByName(ctx context.Context, acc Accessor, name string) (*CollectionRef, int, error) {
	refs, err := acc.FindCollectionsByName(ctx, name)
	if err != nil {
		return nil, 0, err
	}
	if len(refs) == 0 {
		return nil, 0, nil
	}
	SortRefs(refs)
	return &refs[0], len(refs), nil
}

// SortRefs orders collection refs newest first, then by id.
func SortRefs(refs []CollectionRef) {
	sort.SliceStable(refs, func(i, j int) bool {
		if !refs[i].LastEdited.Equal(refs[j].LastEdited) {
			return refs[i].LastEdited.After(refs[j].LastEdited)
		}
		return refs[i].ID < refs[j].ID
	})
}
