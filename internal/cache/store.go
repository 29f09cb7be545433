// Package cache stores synthesized audio on disk, one file per cache key,
// and keeps the directory bounded by age and total size.
//
// The directory listing is the index. Entries are published by renaming a
// fully written temporary file into place, so readers see a complete entry
// or none at all. No locking is done between concurrent writers of the same
// key: the last rename wins and the content is equivalent either way.
package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/nadzzz/whiterabbit/internal/audio"
)

const tempPrefix = ".tmp-"

// Entry describes one published cache file.
type Entry struct {
	Key     string
	Path    string
	Size    int64
	ModTime time.Time
}

// Store maps cache keys to files in a single flat directory.
type Store struct {
	fs     afero.Fs
	dir    string
	ext    string
	logger *slog.Logger
}

// NewStore prepares dir on fsys for use as a cache directory. It fails if the
// directory cannot be created or written to.
func NewStore(fsys afero.Fs, dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	probe, err := afero.TempFile(fsys, dir, tempPrefix+"probe-*")
	if err != nil {
		return nil, fmt.Errorf("cache directory %s is not writable: %w", dir, err)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = fsys.Remove(name)

	return &Store{
		fs:     fsys,
		dir:    dir,
		ext:    audio.Extension,
		logger: logger.With("component", "cache_store", "dir", dir),
	}, nil
}

// Dir returns the cache directory.
func (s *Store) Dir() string { return s.dir }

// Fs returns the filesystem the store lives on.
func (s *Store) Fs() afero.Fs { return s.fs }

// FileName returns the base name of the entry for key.
func (s *Store) FileName(key string) string { return key + s.ext }

// Path returns the full path of the entry for key, whether or not it exists.
func (s *Store) Path(key string) string {
	return filepath.Join(s.dir, s.FileName(key))
}

// Lookup returns the path of the entry for key if it currently exists.
func (s *Store) Lookup(key string) (string, bool) {
	p := s.Path(key)
	info, err := s.fs.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return p, true
}

// Write persists data under key. The entry becomes visible only once it is
// complete; an existing entry is replaced atomically.
func (s *Store) Write(key string, data []byte) (string, error) {
	tmp, err := afero.TempFile(s.fs, s.dir, tempPrefix+key+"-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = s.fs.Remove(tmpName)
		return "", fmt.Errorf("writing temp file: %w", err)
	}

	p := s.Path(key)
	if err := s.fs.Rename(tmpName, p); err != nil {
		_ = s.fs.Remove(tmpName)
		return "", fmt.Errorf("publishing cache entry: %w", err)
	}
	return p, nil
}

// Remove deletes the entry for key. Removing a missing entry is not an error.
func (s *Store) Remove(key string) error {
	return s.removePath(s.Path(key))
}

func (s *Store) removePath(p string) error {
	if err := s.fs.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// List returns every published entry in the directory.
func (s *Store) List() ([]Entry, error) {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing cache directory: %w", err)
	}

	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		name := info.Name()
		if !info.Mode().IsRegular() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, s.ext) {
			continue
		}
		entries = append(entries, Entry{
			Key:     strings.TrimSuffix(name, s.ext),
			Path:    filepath.Join(s.dir, name),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return entries, nil
}

// removeTempBefore deletes abandoned temp files last modified before cutoff.
func (s *Store) removeTempBefore(cutoff time.Time) int {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, info := range infos {
		if !strings.HasPrefix(info.Name(), tempPrefix) || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := s.removePath(filepath.Join(s.dir, info.Name())); err != nil {
			s.logger.Warn("failed to remove abandoned temp file", "name", info.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed
}
