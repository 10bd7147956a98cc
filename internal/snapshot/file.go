package snapshot

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/envelopes/pkg/ledger"
)

const fileMode os.FileMode = 0o600

// ReadFile decodes the snapshot stored at path.
func ReadFile(path string) (ledger.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ledger.Snapshot{}, err
	}
	return Decode(data)
}

// WriteFile encodes the snapshot and replaces path atomically.
func WriteFile(path string, snapshot ledger.Snapshot, exportedAt time.Time) error {
	encoded, err := Encode(snapshot, exportedAt)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, encoded, fileMode)
}

// LoadFallback reads an optional bundled snapshot. A missing path reports false without error.
func LoadFallback(path string) (ledger.Snapshot, bool, error) {
	if path == "" {
		return ledger.Snapshot{}, false, nil
	}
	snapshot, err := ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ledger.Snapshot{}, false, nil
	}
	if err != nil {
		return ledger.Snapshot{}, false, fmt.Errorf("fallback snapshot %s: %w", path, err)
	}
	return snapshot, true, nil
}

// FileCache persists the local ledger state between runs together with the user it belongs
// to. An empty owner marks state that no signed-in user has claimed.
type FileCache struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewFileCache returns a cache stored at path.
func NewFileCache(path string, now func() time.Time) *FileCache {
	if now == nil {
		now = time.Now
	}
	return &FileCache{path: path, now: now}
}

// Path returns the cache file location.
func (cache *FileCache) Path() string {
	return cache.path
}

// Load returns the cached snapshot and its owner, or false when nothing was cached yet.
func (cache *FileCache) Load() (ledger.Snapshot, string, bool, error) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	data, err := os.ReadFile(cache.path)
	if errors.Is(err, fs.ErrNotExist) {
		return ledger.Snapshot{}, "", false, nil
	}
	if err != nil {
		return ledger.Snapshot{}, "", false, fmt.Errorf("local cache %s: %w", cache.path, err)
	}
	document, err := decodeDocument(data)
	if err != nil {
		return ledger.Snapshot{}, "", false, fmt.Errorf("local cache %s: %w", cache.path, err)
	}
	return document.snapshot(), document.Owner, true, nil
}

// Save replaces the cached snapshot and records its owner.
func (cache *FileCache) Save(owner string, snapshot ledger.Snapshot) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(cache.path), 0o755); err != nil {
		return err
	}
	encoded, err := encodeDocument(snapshot, cache.now(), owner)
	if err != nil {
		return err
	}
	return WriteFileAtomic(cache.path, encoded, fileMode)
}

// Clear removes the cache file.
func (cache *FileCache) Clear() error {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	if err := os.Remove(cache.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// WriteFileAtomic writes data to a temporary sibling and renames it over path.
func WriteFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
