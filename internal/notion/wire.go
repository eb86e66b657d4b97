package notion

import (
	"fmt"
	"strings"
	"time"

	"github.com/marcus/csvmirror/internal/dateparse"
	"github.com/marcus/csvmirror/internal/remote"
	"github.com/marcus/csvmirror/internal/schema"
)

type richText struct {
	Type      string       `json:"type,omitempty"`
	PlainText string       `json:"plain_text,omitempty"`
	Text      *textContent `json:"text,omitempty"`
}

type textContent struct {
	Content string `json:"content"`
}

type option struct {
	Name string `json:"name"`
}

type ref struct {
	ID string `json:"id"`
}

type dateValue struct {
	Start string  `json:"start"`
	End   *string `json:"end"`
}

type propertyValue struct {
	Type        string     `json:"type"`
	Title       []richText `json:"title"`
	RichText    []richText `json:"rich_text"`
	Select      *option    `json:"select"`
	Status      *option    `json:"status"`
	MultiSelect []option   `json:"multi_select"`
	Checkbox    bool       `json:"checkbox"`
	URL         *string    `json:"url"`
	Number      *float64   `json:"number"`
	People      []ref      `json:"people"`
	Date        *dateValue `json:"date"`
	Relation    []ref      `json:"relation"`
}

type page struct {
	Object         string                   `json:"object"`
	ID             string                   `json:"id"`
	LastEditedTime time.Time                `json:"last_edited_time"`
	Archived       bool                     `json:"archived"`
	InTrash        bool                     `json:"in_trash"`
	Properties     map[string]propertyValue `json:"properties"`
}

type relationConfig struct {
	DatabaseID string `json:"database_id"`
}

type optionsConfig struct {
	Options []option `json:"options"`
}

type propertySchema struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Select      *optionsConfig  `json:"select,omitempty"`
	MultiSelect *optionsConfig  `json:"multi_select,omitempty"`
	Status      *optionsConfig  `json:"status,omitempty"`
	Relation    *relationConfig `json:"relation,omitempty"`
}

type database struct {
	Object         string                    `json:"object"`
	ID             string                    `json:"id"`
	Title          []richText                `json:"title"`
	LastEditedTime time.Time                 `json:"last_edited_time"`
	Archived       bool                      `json:"archived"`
	Properties     map[string]propertySchema `json:"properties"`
}

type listResponse[T any] struct {
	Results    []T     `json:"results"`
	HasMore    bool    `json:"has_more"`
	NextCursor *string `json:"next_cursor"`
}

func plain(rt []richText) string {
	var b strings.Builder
	for _, t := range rt {
		if t.PlainText != "" {
			b.WriteString(t.PlainText)
		} else if t.Text != nil {
			b.WriteString(t.Text.Content)
		}
	}
	return b.String()
}

func textBlocks(s string) []richText {
	if s == "" {
		return []richText{}
	}
	return []richText{{Type: "text", Text: &textContent{Content: s}}}
}

func (p page) toRecord() remote.Record {
	rec := remote.Record{
		ID:         p.ID,
		LastEdited: p.LastEditedTime,
		Archived:   p.Archived || p.InTrash,
		Properties: make(map[string]remote.Value, len(p.Properties)),
	}
	for name, pv := range p.Properties {
		if v, ok := decodeValue(pv); ok {
			rec.Properties[name] = v
		}
	}
	return rec
}

// decodeValue converts a property value; types outside the closed set
// (formulas, rollups and so on) are dropped.
func decodeValue(pv propertyValue) (remote.Value, bool) {
	t, err := schema.ParseFieldType(pv.Type)
	if err != nil {
		return remote.Value{}, false
	}
	v := remote.Value{Type: t}
	switch t {
	case schema.FieldTitle:
		v.Text = plain(pv.Title)
	case schema.FieldText:
		v.Text = plain(pv.RichText)
	case schema.FieldSelect:
		if pv.Select != nil {
			v.Text = pv.Select.Name
		}
	case schema.FieldStatus:
		if pv.Status != nil {
			v.Text = pv.Status.Name
		}
	case schema.FieldMultiSelect:
		for _, o := range pv.MultiSelect {
			v.Names = append(v.Names, o.Name)
		}
	case schema.FieldCheckbox:
		v.Checked = pv.Checkbox
	case schema.FieldURL:
		if pv.URL != nil {
			v.Text = *pv.URL
		}
	case schema.FieldNumber:
		v.Number = pv.Number
	case schema.FieldPeople:
		for _, r := range pv.People {
			v.IDs = append(v.IDs, r.ID)
		}
	case schema.FieldDate:
		if pv.Date != nil {
			v.Text = dateparse.Normalize(pv.Date.Start)
			if pv.Date.End != nil {
				v.DateEnd = dateparse.Normalize(*pv.Date.End)
			}
		}
	case schema.FieldRelation:
		for _, r := range pv.Relation {
			v.IDs = append(v.IDs, r.ID)
		}
	default:
		return remote.Value{}, false
	}
	return v, true
}

// encodeValue builds the write payload for one property. Empty values encode
// as explicit clears.
func encodeValue(v remote.Value) (map[string]any, error) {
	switch v.Type {
	case schema.FieldTitle:
		return map[string]any{"title": textBlocks(v.Text)}, nil
	case schema.FieldText:
		return map[string]any{"rich_text": textBlocks(v.Text)}, nil
	case schema.FieldSelect, schema.FieldStatus:
		if v.Text == "" {
			return map[string]any{v.Type.String(): nil}, nil
		}
		return map[string]any{v.Type.String(): option{Name: v.Text}}, nil
	case schema.FieldMultiSelect:
		opts := make([]option, 0, len(v.Names))
		for _, n := range v.Names {
			opts = append(opts, option{Name: n})
		}
		return map[string]any{"multi_select": opts}, nil
	case schema.FieldCheckbox:
		return map[string]any{"checkbox": v.Checked}, nil
	case schema.FieldURL:
		if v.Text == "" {
			return map[string]any{"url": nil}, nil
		}
		return map[string]any{"url": v.Text}, nil
	case schema.FieldNumber:
		return map[string]any{"number": v.Number}, nil
	case schema.FieldPeople, schema.FieldRelation:
		refs := make([]ref, 0, len(v.IDs))
		for _, id := range v.IDs {
			refs = append(refs, ref{ID: id})
		}
		return map[string]any{v.Type.String(): refs}, nil
	case schema.FieldDate:
		if v.Text == "" {
			return map[string]any{"date": nil}, nil
		}
		d := dateValue{Start: v.Text}
		if v.DateEnd != "" {
			end := v.DateEnd
			d.End = &end
		}
		return map[string]any{"date": d}, nil
	default:
		return nil, fmt.Errorf("cannot encode %s value", v.Type)
	}
}

func encodeProps(props map[string]remote.Value) (map[string]any, error) {
	out := make(map[string]any, len(props))
	for name, v := range props {
		enc, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", name, err)
		}
		out[name] = enc
	}
	return out, nil
}

func (d database) toCollection() *remote.Collection {
	c := &remote.Collection{
		ID:         d.ID,
		Title:      plain(d.Title),
		LastEdited: d.LastEditedTime,
		Properties: make(map[string]remote.Property, len(d.Properties)),
	}
	for name, ps := range d.Properties {
		t, err := schema.ParseFieldType(ps.Type)
		if err != nil {
			// Unsupported live types surface as drift rather than vanishing.
			t = schema.FieldUnknown
		}
		p := remote.Property{Name: name, Type: t}
		for _, cfg := range []*optionsConfig{ps.Select, ps.MultiSelect, ps.Status} {
			if cfg != nil {
				for _, o := range cfg.Options {
					p.Options = append(p.Options, o.Name)
				}
			}
		}
		if ps.Relation != nil {
			p.Target = ps.Relation.DatabaseID
		}
		c.Properties[name] = p
	}
	return c
}

// encodeSchema builds the schema payload for a new or reconfigured field.
func encodeSchema(spec remote.FieldSpec) (map[string]any, error) {
	opts := func() map[string]any {
		list := make([]option, 0, len(spec.Options))
		for _, o := range spec.Options {
			list = append(list, option{Name: o})
		}
		return map[string]any{"options": list}
	}
	switch spec.Type {
	case schema.FieldTitle:
		return map[string]any{"title": struct{}{}}, nil
	case schema.FieldText:
		return map[string]any{"rich_text": struct{}{}}, nil
	case schema.FieldSelect:
		return map[string]any{"select": opts()}, nil
	case schema.FieldMultiSelect:
		return map[string]any{"multi_select": opts()}, nil
	case schema.FieldCheckbox:
		return map[string]any{"checkbox": struct{}{}}, nil
	case schema.FieldURL:
		return map[string]any{"url": struct{}{}}, nil
	case schema.FieldNumber:
		return map[string]any{"number": map[string]string{"format": "number"}}, nil
	case schema.FieldPeople:
		return map[string]any{"people": struct{}{}}, nil
	case schema.FieldDate:
		return map[string]any{"date": struct{}{}}, nil
	case schema.FieldRelation:
		if spec.Target == "" {
			return nil, fmt.Errorf("relation needs a target collection")
		}
		return map[string]any{"relation": map[string]any{
			"database_id":     spec.Target,
			"type":            "single_property",
			"single_property": struct{}{},
		}}, nil
	case schema.FieldStatus:
		return nil, fmt.Errorf("%s: %w", spec.Type, remote.ErrUnsupportedField)
	default:
		return nil, fmt.Errorf("%s: %w", spec.Type, remote.ErrUnsupportedField)
	}
}

func encodeSchemas(fields map[string]remote.FieldSpec) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for name, spec := range fields {
		enc, err := encodeSchema(spec)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		out[name] = enc
	}
	return out, nil
}
