// Package report accumulates the externally observable result of a run.
package report

import (
	"fmt"
	"sort"
	"strings"
)

// Counts are the per-collection outcomes of a run.
type Counts struct {
	ArchivedOrphan    int `json:"archived_orphan"`
	ArchivedDuplicate int `json:"archived_duplicate"`
	Created           int `json:"created"`
	Updated           int `json:"updated"`
	Unchanged         int `json:"unchanged"`
	Skipped           int `json:"skipped"`
	FieldsAdded       int `json:"fields_added"`
	LinksCreated      int `json:"links_created"`
	TargetsCreated    int `json:"targets_created"`
	Failed            int `json:"failed"`
}

func (c *Counts) add(o Counts) {
	c.ArchivedOrphan += o.ArchivedOrphan
	c.ArchivedDuplicate += o.ArchivedDuplicate
	c.Created += o.Created
	c.Updated += o.Updated
	c.Unchanged += o.Unchanged
	c.Skipped += o.Skipped
	c.FieldsAdded += o.FieldsAdded
	c.LinksCreated += o.LinksCreated
	c.TargetsCreated += o.TargetsCreated
	c.Failed += o.Failed
}

// Mutations is the number of remote writes the counts represent.
func (c Counts) Mutations() int {
	return c.ArchivedOrphan + c.ArchivedDuplicate + c.Created + c.Updated +
		c.FieldsAdded + c.LinksCreated + c.TargetsCreated
}

// Failure is a per-record error with enough context for a manual retry.
type Failure struct {
	Collection string `json:"collection"`
	Key        string `json:"key,omitempty"`
	Action     string `json:"action"`
	RecordID   string `json:"record_id,omitempty"`
	Error      string `json:"error"`
}

func (f Failure) String() string {
	parts := []string{f.Collection, f.Action}
	if f.Key != "" {
		parts = append(parts, fmt.Sprintf("key=%q", f.Key))
	}
	if f.RecordID != "" {
		parts = append(parts, "record="+f.RecordID)
	}
	return strings.Join(parts, " ") + ": " + f.Error
}

// Note is an operator-facing warning attached to a collection.
type Note struct {
	Collection string `json:"collection"`
	Message    string `json:"message"`
}

// Report is the result of one or more stages.
type Report struct {
	Stages      []string           `json:"stages"`
	Collections map[string]*Counts `json:"collections"`
	Failures    []Failure          `json:"failures,omitempty"`
	Notes       []Note             `json:"notes,omitempty"`
}

// New returns an empty report for the named stage.
func New(stage string) *Report {
	r := &Report{Collections: make(map[string]*Counts)}
	if stage != "" {
		r.Stages = []string{stage}
	}
	return r
}

// For returns the counts of a collection, creating them on first use.
func (r *Report) For(collection string) *Counts {
	c, ok := r.Collections[collection]
	if !ok {
		c = &Counts{}
		r.Collections[collection] = c
	}
	return c
}

// Fail records a per-record failure and bumps the failed count.
func (r *Report) Fail(collection, key, action, recordID string, err error) {
	r.For(collection).Failed++
	r.Failures = append(r.Failures, Failure{
		Collection: collection,
		Key:        key,
		Action:     action,
		RecordID:   recordID,
		Error:      err.Error(),
	})
}

// Note attaches a warning to a collection.
func (r *Report) Note(collection, format string, args ...any) {
	r.Notes = append(r.Notes, Note{Collection: collection, Message: fmt.Sprintf(format, args...)})
}

// Merge folds another report into r.
func (r *Report) Merge(o *Report) {
	if o == nil {
		return
	}
	r.Stages = append(r.Stages, o.Stages...)
	for name, c := range o.Collections {
		r.For(name).add(*c)
	}
	r.Failures = append(r.Failures, o.Failures...)
	r.Notes = append(r.Notes, o.Notes...)
}

// Names returns collection names in sorted order.
func (r *Report) Names() []string {
	names := make([]string, 0, len(r.Collections))
	for name := range r.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Totals sums the counts over every collection.
func (r *Report) Totals() Counts {
	var t Counts
	for _, c := range r.Collections {
		t.add(*c)
	}
	return t
}
