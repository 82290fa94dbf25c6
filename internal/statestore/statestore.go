// Package statestore provides the durable backends behind the dedup and
// snapshot stores. A backend persists one opaque JSON document; the stores
// own the document's shape. Backends are selected by DSN scheme: file://,
// memory://, or postgres://.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Backend loads and saves a single JSON document. Load returns (nil, nil)
// when no document has been saved yet.
type Backend interface {
	Load() ([]byte, error)
	Save(data []byte) error
}

type backendCloser interface {
	Close() error
}

// Close releases backend resources if the implementation holds any.
func Close(b Backend) error {
	if closer, ok := b.(backendCloser); ok {
		return closer.Close()
	}
	return nil
}

// BuildBackend constructs a backend from a DSN. The table name is used only
// by the Postgres backend, where each store keeps its own table. An empty
// DSN yields a nil backend, meaning state is held in memory only.
func BuildBackend(dsn, table string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileBackend(path), nil
	case "memory", "mem", "inmem":
		return NewMemoryBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn, table)
	case "mysql", "sqlite", "redis":
		return nil, fmt.Errorf("%w: state backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

// FileBackend persists the document as a JSON file. Writes go through a
// temp file and rename so a crash mid-write cannot corrupt the document.
type FileBackend struct {
	Path string
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{Path: strings.TrimSpace(path)}
}

func (b *FileBackend) Load() ([]byte, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (b *FileBackend) Save(data []byte) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || data == nil {
		return nil
	}
	if !json.Valid(data) {
		return ErrInvalidInput
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

type MemoryBackend struct {
	mu   sync.Mutex
	data []byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Load() ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return nil, nil
	}
	clone := make([]byte, len(b.data))
	copy(clone, b.data)
	return clone, nil
}

func (b *MemoryBackend) Save(data []byte) error {
	if b == nil || data == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	clone := make([]byte, len(data))
	copy(clone, data)
	b.data = clone
	return nil
}
