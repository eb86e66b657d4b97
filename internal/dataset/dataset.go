// Package dataset loads the source CSV datasets that define what should exist
// remotely.
package dataset

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/marcus/csvmirror/internal/keynorm"
	"github.com/marcus/csvmirror/internal/schema"
)

// Row is one source row addressed by column name.
type Row struct {
	Line   int
	values map[string]string
}

// NewRow builds a row from a column map, mostly for tests.
func NewRow(values map[string]string) Row {
	return Row{values: values}
}

// Get returns the raw value of a column and whether the column exists at all.
func (r Row) Get(field string) (string, bool) {
	v, ok := r.values[field]
	return v, ok
}

// Value returns the trimmed value of a column, or "" when absent.
func (r Row) Value(field string) string {
	return strings.TrimSpace(r.values[field])
}

// Key returns the natural key of the row within coll.
func (r Row) Key(coll *schema.Collection) string {
	return keynorm.Normalize(coll.KeyNormalization(), r.values[coll.KeyField])
}

// Warning is a non-fatal issue found while reading a dataset.
type Warning struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// Parsed holds the rows of one dataset and the issues met reading it.
type Parsed struct {
	Headers  []string
	Rows     []Row
	Encoding string
	Warnings []Warning
}

// Parse reads CSV bytes into header-keyed rows. Short rows are padded, long
// rows truncated and blank lines skipped, each with a warning.
func Parse(data []byte) (*Parsed, error) {
	decoded, enc, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	p := &Parsed{Encoding: enc}

	reader := csv.NewReader(bytes.NewReader(decoded))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	headers, err := reader.Read()
	if errors.Is(err, io.EOF) {
		p.Warnings = append(p.Warnings, Warning{Message: "empty file: no header row"})
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header row: %w", err)
	}
	seen := make(map[string]bool, len(headers))
	for i, h := range headers {
		h = strings.TrimSpace(h)
		headers[i] = h
		if seen[h] {
			p.Warnings = append(p.Warnings, Warning{Line: 1, Message: fmt.Sprintf("duplicate column %q; first one wins", h)})
		}
		seen[h] = true
	}
	p.Headers = headers

	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var line int
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				line = pe.StartLine
			}
			p.Warnings = append(p.Warnings, Warning{Line: line, Message: fmt.Sprintf("parse error: %v", err)})
			continue
		}
		line, _ := reader.FieldPos(0)
		if blank(row) {
			continue
		}
		switch {
		case len(row) < len(headers):
			p.Warnings = append(p.Warnings, Warning{Line: line, Message: fmt.Sprintf("row has %d columns, expected %d; padding with empty values", len(row), len(headers))})
			padded := make([]string, len(headers))
			copy(padded, row)
			row = padded
		case len(row) > len(headers):
			p.Warnings = append(p.Warnings, Warning{Line: line, Message: fmt.Sprintf("row has %d columns, expected %d; truncating extra columns", len(row), len(headers))})
			row = row[:len(headers)]
		}
		values := make(map[string]string, len(headers))
		for i, h := range headers {
			if _, dup := values[h]; !dup {
				values[h] = row[i]
			}
		}
		p.Rows = append(p.Rows, Row{Line: line, values: values})
	}
	return p, nil
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// Source reads datasets from a directory.
type Source struct {
	Dir    string
	Logger *slog.Logger
}

// NewSource returns a source rooted at dir. A nil logger uses slog.Default().
func NewSource(dir string, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{Dir: dir, Logger: logger}
}

// Path returns the dataset file of a collection.
func (s *Source) Path(coll *schema.Collection) string {
	return filepath.Join(s.Dir, coll.CSV)
}

// Exists reports whether the dataset file of a collection is present.
func (s *Source) Exists(coll *schema.Collection) bool {
	_, err := os.Stat(s.Path(coll))
	return err == nil
}

// Load returns the rows of a collection's dataset. A missing file yields no
// rows and a warning.
func (s *Source) Load(coll *schema.Collection) ([]Row, error) {
	path := s.Path(coll)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.Logger.Warn("dataset missing", "collection", coll.Name, "path", path)
			return nil, nil
		}
		return nil, fmt.Errorf("read dataset %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse dataset %s: %w", path, err)
	}
	for _, w := range p.Warnings {
		s.Logger.Warn("dataset", "collection", coll.Name, "line", w.Line, "msg", w.Message)
	}
	if len(p.Headers) > 0 && !slices.Contains(p.Headers, coll.KeyField) {
		s.Logger.Warn("dataset has no key column", "collection", coll.Name, "column", coll.KeyField)
	}
	return p.Rows, nil
}

// Categories returns the distinct non-empty values of a column in first-seen
// order. Values differing only by case, accents or spacing count once.
func Categories(rows []Row, field string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range rows {
		v := r.Value(field)
		k := keynorm.Text(v)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
	}
	return out
}

// CountWithValue returns how many rows carry a non-empty value in field.
func CountWithValue(rows []Row, field string) int {
	n := 0
	for _, r := range rows {
		if r.Value(field) != "" {
			n++
		}
	}
	return n
}
