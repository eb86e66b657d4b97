package notion

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/marcus/csvmirror/internal/remote"
	"github.com/marcus/csvmirror/internal/schema"
)

type queryRequest struct {
	PageSize    int    `json:"page_size"`
	StartCursor string `json:"start_cursor,omitempty"`
	Filter      any    `json:"filter,omitempty"`
}

// ListAll drains every page of the collection query. A failure on any page
// fails the whole listing.
func (c *Client) ListAll(ctx context.Context, collectionID string) ([]remote.Record, error) {
	return c.query(ctx, collectionID, nil, 0)
}

func (c *Client) query(ctx context.Context, collectionID string, filter any, limit int) ([]remote.Record, error) {
	var out []remote.Record
	req := queryRequest{PageSize: pageSize, Filter: filter}
	if limit > 0 && limit < pageSize {
		req.PageSize = limit
	}
	for {
		var resp listResponse[page]
		if err := c.do(ctx, http.MethodPost, "/v1/databases/"+collectionID+"/query", req, &resp); err != nil {
			return nil, fmt.Errorf("query %s: %w", collectionID, err)
		}
		for _, p := range resp.Results {
			rec := p.toRecord()
			if rec.Archived {
				continue
			}
			out = append(out, rec)
		}
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
		if !resp.HasMore || resp.NextCursor == nil || *resp.NextCursor == "" {
			return out, nil
		}
		req.StartCursor = *resp.NextCursor
	}
}

// GetCollection retrieves a database and its schema.
func (c *Client) GetCollection(ctx context.Context, collectionID string) (*remote.Collection, error) {
	var db database
	if err := c.do(ctx, http.MethodGet, "/v1/databases/"+collectionID, nil, &db); err != nil {
		return nil, fmt.Errorf("get database %s: %w", collectionID, err)
	}
	if db.Archived {
		return nil, fmt.Errorf("database %s is archived: %w", collectionID, remote.ErrNotFound)
	}
	return db.toCollection(), nil
}

// FindByExactField returns the first live record whose field equals value.
func (c *Client) FindByExactField(ctx context.Context, collectionID, field string, t schema.FieldType, value string) (*remote.Record, error) {
	var cond any
	switch t {
	case schema.FieldTitle, schema.FieldText, schema.FieldURL, schema.FieldSelect, schema.FieldStatus, schema.FieldDate:
		cond = map[string]string{"equals": value}
	case schema.FieldNumber:
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("number filter %q: %w", value, err)
		}
		cond = map[string]float64{"equals": n}
	default:
		return c.scanForField(ctx, collectionID, field, value)
	}
	filter := map[string]any{"property": field, t.String(): cond}
	recs, err := c.query(ctx, collectionID, filter, 1)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

func (c *Client) scanForField(ctx context.Context, collectionID, field, value string) (*remote.Record, error) {
	recs, err := c.ListAll(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		if recs[i].Text(field) == value {
			return &recs[i], nil
		}
	}
	return nil, nil
}

// Create creates a page in the collection.
func (c *Client) Create(ctx context.Context, collectionID string, props map[string]remote.Value) (*remote.Record, error) {
	enc, err := encodeProps(props)
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"parent":     map[string]string{"database_id": collectionID},
		"properties": enc,
	}
	var p page
	if err := c.do(ctx, http.MethodPost, "/v1/pages", body, &p); err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	rec := p.toRecord()
	return &rec, nil
}

// Update writes the given properties; others are left untouched.
func (c *Client) Update(ctx context.Context, recordID string, props map[string]remote.Value) error {
	enc, err := encodeProps(props)
	if err != nil {
		return err
	}
	if err := c.do(ctx, http.MethodPatch, "/v1/pages/"+recordID, map[string]any{"properties": enc}, nil); err != nil {
		return fmt.Errorf("update page %s: %w", recordID, err)
	}
	return nil
}

// Archive soft-deletes a page.
func (c *Client) Archive(ctx context.Context, recordID string) error {
	if err := c.do(ctx, http.MethodPatch, "/v1/pages/"+recordID, map[string]bool{"archived": true}, nil); err != nil {
		return fmt.Errorf("archive page %s: %w", recordID, err)
	}
	return nil
}

// AddFields adds or reconfigures database properties in one call.
func (c *Client) AddFields(ctx context.Context, collectionID string, fields map[string]remote.FieldSpec) error {
	enc, err := encodeSchemas(fields)
	if err != nil {
		return err
	}
	if err := c.do(ctx, http.MethodPatch, "/v1/databases/"+collectionID, map[string]any{"properties": enc}, nil); err != nil {
		return fmt.Errorf("update database %s: %w", collectionID, err)
	}
	return nil
}

type searchRequest struct {
	Query       string            `json:"query"`
	Filter      map[string]string `json:"filter"`
	Sort        map[string]string `json:"sort"`
	PageSize    int               `json:"page_size"`
	StartCursor string            `json:"start_cursor,omitempty"`
}

// FindCollectionsByName searches databases and keeps exact title matches,
// newest first.
func (c *Client) FindCollectionsByName(ctx context.Context, name string) ([]remote.CollectionRef, error) {
	req := searchRequest{
		Query:    name,
		Filter:   map[string]string{"property": "object", "value": "database"},
		Sort:     map[string]string{"direction": "descending", "timestamp": "last_edited_time"},
		PageSize: pageSize,
	}
	var refs []remote.CollectionRef
	for {
		var resp listResponse[database]
		if err := c.do(ctx, http.MethodPost, "/v1/search", req, &resp); err != nil {
			return nil, fmt.Errorf("search %q: %w", name, err)
		}
		for _, db := range resp.Results {
			if db.Object != "database" || db.Archived {
				continue
			}
			if title := plain(db.Title); title == name {
				refs = append(refs, remote.CollectionRef{ID: db.ID, Title: title, LastEdited: db.LastEditedTime})
			}
		}
		if !resp.HasMore || resp.NextCursor == nil || *resp.NextCursor == "" {
			break
		}
		req.StartCursor = *resp.NextCursor
	}
	remote.SortRefs(refs)
	return refs, nil
}

// CreateCollection creates a database under a parent page.
func (c *Client) CreateCollection(ctx context.Context, parentID, title string, fields map[string]remote.FieldSpec) (*remote.Collection, error) {
	enc, err := encodeSchemas(fields)
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"parent":     map[string]string{"type": "page_id", "page_id": parentID},
		"title":      textBlocks(title),
		"properties": enc,
	}
	var db database
	if err := c.do(ctx, http.MethodPost, "/v1/databases", body, &db); err != nil {
		return nil, fmt.Errorf("create database %q: %w", title, err)
	}
	return db.toCollection(), nil
}

// ArchiveCollection moves a database to the trash.
func (c *Client) ArchiveCollection(ctx context.Context, collectionID string) error {
	if err := c.do(ctx, http.MethodDelete, "/v1/blocks/"+collectionID, nil, nil); err != nil {
		return fmt.Errorf("archive database %s: %w", collectionID, err)
	}
	return nil
}
