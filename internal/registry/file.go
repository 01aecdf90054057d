package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// fileRecord is the on-disk shape of one agent, keyed by name in the file.
type fileRecord struct {
	URL      string    `json:"url"`
	LastSeen time.Time `json:"last_seen"`
	APIKey   string    `json:"api_key"`
}

// FileBackend stores the registry as a single JSON document.
type FileBackend struct {
	path string
}

// NewFileBackend returns a backend writing to path. The directory is created on first save.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

func (b *FileBackend) Load(ctx context.Context) ([]Record, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var doc map[string]fileRecord
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRegistryCorrupt, b.path, err)
	}
	out := make([]Record, 0, len(doc))
	for name, fr := range doc {
		if name == "" || fr.URL == "" {
			return nil, fmt.Errorf("%w: %s: incomplete record %q", ErrRegistryCorrupt, b.path, name)
		}
		out = append(out, Record{Name: name, URL: fr.URL, Credential: fr.APIKey, LastSeen: fr.LastSeen})
	}
	return out, nil
}

// Save writes to a temp file in the same directory and renames it over the
// previous registry, so readers see either the old or the new document.
func (b *FileBackend) Save(ctx context.Context, records []Record) error {
	doc := make(map[string]fileRecord, len(records))
	for _, r := range records {
		doc[r.Name] = fileRecord{URL: r.URL, LastSeen: r.LastSeen, APIKey: r.Credential}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("mkdir registry dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(b.path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp registry: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp registry: %w", err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}

func (b *FileBackend) Close() error { return nil }
