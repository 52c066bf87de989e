package transfer

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// MemorySink keeps committed items in memory. It backs the in-process
// endpoint used by the mock provisioner and by tests.
type MemorySink struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{items: make(map[string][]byte)}
}

// WriteItem stores a copy of data under itemID.
func (m *MemorySink) WriteItem(_ context.Context, itemID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[itemID] = slices.Clone(data)
	return nil
}

// Item returns a committed item.
func (m *MemorySink) Item(itemID string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.items[itemID]
	return slices.Clone(data), ok
}

// Len returns the number of committed items.
func (m *MemorySink) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// DirSink writes each committed item to its own file under a directory.
type DirSink struct {
	dir string
}

// NewDirSink creates dir if needed and returns a sink writing into it.
func NewDirSink(dir string) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &DirSink{dir: dir}, nil
}

// WriteItem writes data atomically via a temp file and rename.
func (d *DirSink) WriteItem(_ context.Context, itemID string, data []byte) error {
	name := url.PathEscape(itemID)
	if name == "." || name == ".." {
		return fmt.Errorf("invalid item id %q", itemID)
	}

	tmp, err := os.CreateTemp(d.dir, ".item-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write item %s: %w", itemID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync item %s: %w", itemID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close item %s: %w", itemID, err)
	}
	return os.Rename(tmp.Name(), filepath.Join(d.dir, name))
}

// Path returns the file an item is written to.
func (d *DirSink) Path(itemID string) string {
	return filepath.Join(d.dir, url.PathEscape(itemID))
}
