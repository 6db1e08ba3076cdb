package cachestore

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const fileBackendExt = ".json"

// FileBackend keeps one JSON file per key in a directory. Processes sharing
// the directory are tabs of the same origin: fsnotify signals their writes
// and flock guards the sequence bump.
type FileBackend struct {
	Dir    string
	Logger Logger
}

func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{Dir: strings.TrimSpace(dir)}
}

func (b *FileBackend) path(key string) string {
	return filepath.Join(b.Dir, url.PathEscape(key)+fileBackendExt)
}

func (b *FileBackend) Load(key string) ([]byte, error) {
	if b == nil || b.Dir == "" {
		return nil, ErrInvalidInput
	}
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (b *FileBackend) Save(key string, data []byte) error {
	if b == nil || b.Dir == "" {
		return ErrInvalidInput
	}
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return err
	}
	return writeFileAtomic(b.path(key), data, 0o644)
}

func (b *FileBackend) Keys() ([]string, error) {
	if b == nil || b.Dir == "" {
		return nil, ErrInvalidInput
	}
	entries, err := os.ReadDir(b.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if key, ok := fileKey(entry.Name()); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// fileKey maps a directory entry back to its key, skipping temp and lock
// files.
func fileKey(name string) (string, bool) {
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileBackendExt) {
		return "", false
	}
	key, err := url.PathUnescape(strings.TrimSuffix(name, fileBackendExt))
	if err != nil || key == "" {
		return "", false
	}
	return key, true
}

// Subscribe watches the directory and reports every key whose file was
// created, replaced or written.
func (b *FileBackend) Subscribe(fn func(key string)) (func(), error) {
	if b == nil || b.Dir == "" || fn == nil {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(b.Dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
					continue
				}
				if key, ok := fileKey(filepath.Base(event.Name)); ok {
					fn(key)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logf(b.Logger, "cache dir watch error on %s: %v", b.Dir, err)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = watcher.Close()
			<-done
		})
	}, nil
}

// Lock takes an exclusive advisory lock on a per-key lock file.
func (b *FileBackend) Lock(key string) (func(), error) {
	if b == nil || b.Dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return nil, err
	}
	lockPath := filepath.Join(b.Dir, "."+url.PathEscape(key)+".lock")
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := lockFile(file); err != nil {
		_ = file.Close()
		return nil, err
	}
	return func() {
		_ = unlockFile(file)
		_ = file.Close()
	}, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
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
