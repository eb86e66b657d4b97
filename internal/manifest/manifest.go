// Package manifest persists the mapping from logical collection name to
// remote collection id.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// FileName is the manifest's name inside the workspace.
const FileName = "manifest.json"

// ErrNoManifest is returned when the manifest file does not exist.
var ErrNoManifest = errors.New("manifest not found: run `csvmirror import` first")

// Manifest maps logical collection names to remote collection ids. Entries
// are added or repointed, never removed.
type Manifest struct {
	path  string
	ids   map[string]string
	dirty bool
}

// New returns an empty manifest that saves to path.
func New(path string) *Manifest {
	return &Manifest{path: path, ids: make(map[string]string)}
}

// Load reads the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w (%s)", ErrNoManifest, path)
		}
		return nil, err
	}
	m := New(path)
	if err := json.Unmarshal(data, &m.ids); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if m.ids == nil {
		m.ids = make(map[string]string)
	}
	return m, nil
}

// LoadOrNew reads the manifest at path, or starts an empty one.
func LoadOrNew(path string) (*Manifest, error) {
	m, err := Load(path)
	if errors.Is(err, ErrNoManifest) {
		return New(path), nil
	}
	return m, err
}

// Path returns the file the manifest saves to.
func (m *Manifest) Path() string { return m.path }

// Get returns the remote id of a collection. Blank entries count as missing.
func (m *Manifest) Get(name string) (string, bool) {
	id, ok := m.ids[name]
	return id, ok && id != ""
}

// Set records the remote id of a collection and reports whether anything
// changed.
func (m *Manifest) Set(name, id string) bool {
	if id == "" || m.ids[name] == id {
		return false
	}
	m.ids[name] = id
	m.dirty = true
	return true
}

// Dirty reports whether there are unsaved changes.
func (m *Manifest) Dirty() bool { return m.dirty }

// Names returns the collection names with an id, sorted.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.ids))
	for name, id := range m.ids {
		if id != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Entries returns a copy of the name to id mapping.
func (m *Manifest) Entries() map[string]string {
	out := make(map[string]string, len(m.ids))
	for k, v := range m.ids {
		out[k] = v
	}
	return out
}

// Save writes the manifest using atomic write (temp file + rename).
func (m *Manifest) Save() error {
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(m.ids, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, "manifest-*.json.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return err
	}
	m.dirty = false
	return nil
}

// SaveIfDirty saves only when there are unsaved changes.
func (m *Manifest) SaveIfDirty() error {
	if !m.dirty {
		return nil
	}
	return m.Save()
}
