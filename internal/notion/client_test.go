package notion

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus/csvmirror/internal/remote"
	"github.com/marcus/csvmirror/internal/schema"
)

type recorded struct {
	Method string
	Path   string
	Body   map[string]any
}

type fakeNotion struct {
	mu       sync.Mutex
	requests []recorded
	handler  func(w http.ResponseWriter, r *http.Request, body map[string]any)
}

func (f *fakeNotion) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	data, _ := io.ReadAll(r.Body)
	if len(data) > 0 {
		_ = json.Unmarshal(data, &body)
	}
	f.mu.Lock()
	f.requests = append(f.requests, recorded{Method: r.Method, Path: r.URL.Path, Body: body})
	f.mu.Unlock()
	f.handler(w, r, body)
}

func newTestClient(t *testing.T, h func(w http.ResponseWriter, r *http.Request, body map[string]any)) (*Client, *fakeNotion) {
	t.Helper()
	fake := &fakeNotion{handler: h}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	c := New("secret")
	c.BaseURL = srv.URL
	return c, fake
}

func writeJSON(w http.ResponseWriter, status int, v string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, v)
}

func titlePage(id, title, edited string) string {
	return `{"object":"page","id":"` + id + `","last_edited_time":"` + edited + `","archived":false,` +
		`"properties":{"Name":{"type":"title","title":[{"plain_text":"` + title + `"}]},` +
		`"Estado":{"type":"select","select":{"name":"Hecho"}},` +
		`"Proyecto ↔":{"type":"relation","relation":[{"id":"p1"}]},` +
		`"Suma":{"type":"formula","formula":{"number":3}}}}`
}

func TestListAll_DrainsPagination(t *testing.T) {
	c, fake := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		if body["start_cursor"] == nil {
			writeJSON(w, 200, `{"results":[`+titlePage("a", "One", "2026-01-01T00:00:00.000Z")+`],"has_more":true,"next_cursor":"c2"}`)
			return
		}
		writeJSON(w, 200, `{"results":[`+titlePage("b", "Two", "2026-01-02T00:00:00.000Z")+`],"has_more":false,"next_cursor":null}`)
	})

	recs, err := c.ListAll(context.Background(), "db1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "One", recs[0].Text("Name"))
	assert.Equal(t, "Two", recs[1].Text("Name"))
	assert.Equal(t, "Hecho", recs[0].Text("Estado"))
	assert.Equal(t, []string{"p1"}, recs[0].Properties["Proyecto ↔"].IDs)
	assert.NotContains(t, recs[0].Properties, "Suma")
	assert.True(t, recs[1].LastEdited.After(recs[0].LastEdited))

	require.Len(t, fake.requests, 2)
	assert.Equal(t, "/v1/databases/db1/query", fake.requests[0].Path)
	assert.Equal(t, "c2", fake.requests[1].Body["start_cursor"])
	assert.EqualValues(t, 100, fake.requests[0].Body["page_size"])
}

func TestListAll_PageFailureIsFatal(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		if body["start_cursor"] == nil {
			writeJSON(w, 200, `{"results":[`+titlePage("a", "One", "2026-01-01T00:00:00.000Z")+`],"has_more":true,"next_cursor":"c2"}`)
			return
		}
		writeJSON(w, 502, `bad gateway`)
	})

	recs, err := c.ListAll(context.Background(), "db1")
	require.Error(t, err)
	assert.Nil(t, recs, "partial listings must not be returned")
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   error
	}{
		{401, `{"object":"error","status":401,"code":"unauthorized","message":"API token is invalid."}`, remote.ErrUnauthorized},
		{403, `{"object":"error","status":403,"code":"restricted_resource","message":"no access"}`, ErrForbidden},
		{404, `{"object":"error","status":404,"code":"object_not_found","message":"gone"}`, remote.ErrNotFound},
		{429, `{"object":"error","status":429,"code":"rate_limited","message":"slow down"}`, remote.ErrRateLimited},
		{400, `{"object":"error","status":400,"code":"validation_error","message":"bad property"}`, remote.ErrValidation},
	}
	for _, tt := range tests {
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body map[string]any) {
			writeJSON(w, tt.status, tt.body)
		})
		_, err := c.GetCollection(context.Background(), "db1")
		require.Error(t, err)
		assert.Truef(t, errors.Is(err, tt.want), "status %d: got %v", tt.status, err)
	}
}

func TestHeaders(t *testing.T) {
	var auth, version string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		auth = r.Header.Get("Authorization")
		version = r.Header.Get("Notion-Version")
		writeJSON(w, 200, `{"object":"database","id":"db1","title":[{"plain_text":"7H_tasks"}],"properties":{}}`)
	})
	_, err := c.GetCollection(context.Background(), "db1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, DefaultVersion, version)
}

func TestGetCollection_Schema(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		writeJSON(w, 200, `{"object":"database","id":"db1","title":[{"plain_text":"7H_tasks"}],"properties":{
			"Name":{"id":"title","name":"Name","type":"title","title":{}},
			"Estado":{"id":"x","name":"Estado","type":"select","select":{"options":[{"name":"Hecho"},{"name":"En curso"}]}},
			"Proyecto ↔":{"id":"y","name":"Proyecto ↔","type":"relation","relation":{"database_id":"proj"}},
			"Suma":{"id":"z","name":"Suma","type":"formula","formula":{}}}}`)
	})
	coll, err := c.GetCollection(context.Background(), "db1")
	require.NoError(t, err)
	assert.Equal(t, "7H_tasks", coll.Title)
	assert.Equal(t, "Name", coll.TitleField())
	assert.Equal(t, []string{"Hecho", "En curso"}, coll.Properties["Estado"].Options)
	assert.Equal(t, "proj", coll.Properties["Proyecto ↔"].Target)
	assert.Equal(t, schema.FieldUnknown, coll.Properties["Suma"].Type)
}

func TestFindByExactField_UsesEqualsFilter(t *testing.T) {
	c, fake := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		writeJSON(w, 200, `{"results":[`+titlePage("a", "Launch MVP", "2026-01-01T00:00:00.000Z")+`],"has_more":false}`)
	})
	rec, err := c.FindByExactField(context.Background(), "db1", "Name", schema.FieldTitle, "Launch MVP")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "a", rec.ID)

	filter := fake.requests[0].Body["filter"].(map[string]any)
	assert.Equal(t, "Name", filter["property"])
	assert.Equal(t, map[string]any{"equals": "Launch MVP"}, filter["title"])
	assert.EqualValues(t, 1, fake.requests[0].Body["page_size"])
}

func TestUpdate_EncodesClears(t *testing.T) {
	c, fake := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		writeJSON(w, 200, `{"object":"page","id":"a"}`)
	})
	err := c.Update(context.Background(), "a", map[string]remote.Value{
		"Estado": remote.Empty(schema.FieldSelect),
		"Notas":  remote.TextValue(schema.FieldText, "hola"),
		"Fecha":  {Type: schema.FieldDate, Text: "2026-03-01", DateEnd: "2026-03-05"},
	})
	require.NoError(t, err)

	req := fake.requests[0]
	assert.Equal(t, http.MethodPatch, req.Method)
	assert.Equal(t, "/v1/pages/a", req.Path)
	props := req.Body["properties"].(map[string]any)
	assert.Equal(t, map[string]any{"select": nil}, props["Estado"])
	assert.Equal(t, map[string]any{"date": map[string]any{"start": "2026-03-01", "end": "2026-03-05"}}, props["Fecha"])
	notas := props["Notas"].(map[string]any)["rich_text"].([]any)
	assert.Equal(t, "hola", notas[0].(map[string]any)["text"].(map[string]any)["content"])
}

func TestArchive(t *testing.T) {
	c, fake := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		writeJSON(w, 200, `{"object":"page","id":"a","archived":true}`)
	})
	require.NoError(t, c.Archive(context.Background(), "a"))
	assert.Equal(t, true, fake.requests[0].Body["archived"])
}

func TestAddFields_RejectsStatus(t *testing.T) {
	c, fake := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		writeJSON(w, 200, `{}`)
	})
	err := c.AddFields(context.Background(), "db1", map[string]remote.FieldSpec{"Fase": {Type: schema.FieldStatus}})
	assert.ErrorIs(t, err, remote.ErrUnsupportedField)
	assert.Empty(t, fake.requests, "nothing should be sent")

	err = c.AddFields(context.Background(), "db1", map[string]remote.FieldSpec{
		"Prioridad":  {Type: schema.FieldSelect, Options: []string{"Alta"}},
		"Proyecto ↔": {Type: schema.FieldRelation, Target: "proj"},
	})
	require.NoError(t, err)
	props := fake.requests[0].Body["properties"].(map[string]any)
	rel := props["Proyecto ↔"].(map[string]any)["relation"].(map[string]any)
	assert.Equal(t, "proj", rel["database_id"])
	sel := props["Prioridad"].(map[string]any)["select"].(map[string]any)
	assert.Len(t, sel["options"], 1)
}

func TestFindCollectionsByName_ExactMatchesNewestFirst(t *testing.T) {
	c, fake := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		writeJSON(w, 200, `{"results":[
			{"object":"database","id":"old","title":[{"plain_text":"7H_Proyectos"}],"last_edited_time":"2025-01-01T00:00:00.000Z"},
			{"object":"database","id":"other","title":[{"plain_text":"7H_Proyectos viejo"}],"last_edited_time":"2026-01-01T00:00:00.000Z"},
			{"object":"database","id":"new","title":[{"plain_text":"7H_Proyectos"}],"last_edited_time":"2026-02-01T00:00:00.000Z"}
		],"has_more":false}`)
	})
	refs, err := c.FindCollectionsByName(context.Background(), "7H_Proyectos")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "new", refs[0].ID)
	assert.Equal(t, "old", refs[1].ID)

	body := fake.requests[0].Body
	assert.Equal(t, "/v1/search", fake.requests[0].Path)
	assert.Equal(t, map[string]any{"property": "object", "value": "database"}, body["filter"])
}

func TestCreateCollection(t *testing.T) {
	c, fake := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		writeJSON(w, 200, `{"object":"database","id":"db9","title":[{"plain_text":"7H_Proyectos"}],"properties":{"Nombre":{"name":"Nombre","type":"title"}}}`)
	})
	coll, err := c.CreateCollection(context.Background(), "parent", "7H_Proyectos", map[string]remote.FieldSpec{
		"Nombre": {Type: schema.FieldTitle},
	})
	require.NoError(t, err)
	assert.Equal(t, "db9", coll.ID)
	parent := fake.requests[0].Body["parent"].(map[string]any)
	assert.Equal(t, "parent", parent["page_id"])
	assert.True(t, strings.HasPrefix(fake.requests[0].Path, "/v1/databases"))
}
